package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/inquestlabs/inquest/runtime/gate"
	"github.com/inquestlabs/inquest/runtime/session"
)

// errorBody is the JSON error representation returned on every non-2xx
// response. Kind is machine-readable so clients can branch without parsing
// the message.
type errorBody struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

const (
	kindNotFound          = "not_found"
	kindConflict          = "conflict"
	kindResourceExhausted = "resource_exhausted"
	kindBackendOverloaded = "backend_overloaded"
	kindInvalidRequest    = "invalid_request"
	kindInternal          = "internal"
)

// writeError maps a domain error onto the HTTP taxonomy: unknown ids are 404,
// lifecycle conflicts 409, the session ceiling 429, and an open admission
// gate 503 with a Retry-After hint.
func writeError(w http.ResponseWriter, err error) {
	var oe *gate.OverloadedError
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeErrorBody(w, http.StatusNotFound, errorBody{Kind: kindNotFound, Message: err.Error()})
	case errors.Is(err, session.ErrSessionBusy), errors.Is(err, session.ErrSessionCancelled), errors.Is(err, session.ErrAlreadyStarted):
		writeErrorBody(w, http.StatusConflict, errorBody{Kind: kindConflict, Message: err.Error()})
	case errors.Is(err, session.ErrCapacity):
		writeErrorBody(w, http.StatusTooManyRequests, errorBody{Kind: kindResourceExhausted, Message: err.Error()})
	case errors.As(err, &oe):
		retry := int(oe.RetryAfter.Seconds())
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeErrorBody(w, http.StatusServiceUnavailable, errorBody{Kind: kindBackendOverloaded, Message: err.Error(), RetryAfter: retry})
	default:
		writeErrorBody(w, http.StatusInternalServerError, errorBody{Kind: kindInternal, Message: err.Error()})
	}
}

func writeInvalid(w http.ResponseWriter, message string) {
	writeErrorBody(w, http.StatusBadRequest, errorBody{Kind: kindInvalidRequest, Message: message})
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeErrorBody(w, http.StatusNotFound, errorBody{Kind: kindNotFound, Message: message})
}

func writeErrorBody(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
