// Package backend abstracts the downstream query backends an investigation
// draws on (graph, telemetry, search). For admission-control purposes all
// variants collapse into a single capability: perform a guarded query.
// Concrete implementations live under features/backend.
package backend

import (
	"context"
	"fmt"
)

type (
	// Kind names a backend variant.
	Kind string

	// Query is one request against a backend.
	Query struct {
		// Kind selects the backend variant the query targets.
		Kind Kind `json:"kind"`
		// Statement is the backend-specific query text.
		Statement string `json:"statement"`
	}

	// Result is a backend's tabular response.
	Result struct {
		Columns []string   `json:"columns,omitempty"`
		Rows    [][]string `json:"rows,omitempty"`
		// Summary is a one-line description of the result suitable for the
		// event stream.
		Summary string `json:"summary,omitempty"`
	}

	// Backend executes queries against one downstream system.
	Backend interface {
		// Kind identifies the variant.
		Kind() Kind
		// Query executes the query. Overload conditions are reported as
		// StatusError with a rate-limit or server-error code.
		Query(ctx context.Context, q Query) (Result, error)
	}

	// StatusError is a downstream failure tagged with its HTTP-style status
	// code so callers can classify it.
	StatusError struct {
		Code    int
		Message string
	}
)

const (
	// KindGraph is the entity-relationship graph backend.
	KindGraph Kind = "graph"
	// KindTelemetry is the metrics/log telemetry backend.
	KindTelemetry Kind = "telemetry"
	// KindSearch is the document search backend.
	KindSearch Kind = "search"
	// KindMock is the deterministic demo backend.
	KindMock Kind = "mock"
)

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Message)
}

// Overload reports whether the error is an overload-class signal: rate
// limiting or a server-side failure. Client and validation errors are not
// overload signals.
func (e *StatusError) Overload() bool {
	return e.Code == 429 || e.Code >= 500
}
