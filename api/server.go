// Package api exposes the investigation service over HTTP: session CRUD,
// cooperative cancellation, follow-up messages, scenario discovery, gate
// introspection, and an SSE stream with index-based replay.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	goahttp "goa.design/goa/v3/http"

	"github.com/inquestlabs/inquest/config"
	"github.com/inquestlabs/inquest/runtime/gate"
	"github.com/inquestlabs/inquest/runtime/session"
)

type (
	// Options configures the HTTP service.
	Options struct {
		// Registry owns the sessions. Required.
		Registry *session.Registry
		// Scenarios is the investigation catalogue served on /scenarios and
		// validated on session creation. Required, non-empty.
		Scenarios []config.Scenario
		// Gates are the admission gates exposed on /gate, keyed by name.
		Gates map[string]*gate.Gate
		// Heartbeat is the SSE keep-alive interval. Defaults to 2 minutes.
		Heartbeat time.Duration
	}

	// Server implements the HTTP surface.
	Server struct {
		registry  *session.Registry
		scenarios []config.Scenario
		gates     map[string]*gate.Gate
		heartbeat time.Duration
		mux       goahttp.Muxer
	}

	createRequest struct {
		Scenario string `json:"scenario"`
		Input    string `json:"alert_text"`
	}

	createResponse struct {
		SessionID string         `json:"session_id"`
		Status    session.Status `json:"status"`
	}

	listResponse struct {
		Sessions []session.Summary `json:"sessions"`
	}

	cancelResponse struct {
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
	}

	messageRequest struct {
		Text string `json:"text"`
	}

	messageResponse struct {
		Status      string `json:"status"`
		Turn        int    `json:"turn"`
		EventOffset int    `json:"event_offset"`
	}

	scenariosResponse struct {
		Scenarios []scenarioView `json:"scenarios"`
	}

	scenarioView struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Steps       int    `json:"steps"`
	}

	gateResponse struct {
		Gates map[string]gate.Snapshot `json:"gates"`
	}
)

// New constructs the HTTP service and mounts its routes.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("api: Options.Registry is required")
	}
	if len(opts.Scenarios) == 0 {
		return nil, errors.New("api: Options.Scenarios is required")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 2 * time.Minute
	}
	s := &Server{
		registry:  opts.Registry,
		scenarios: opts.Scenarios,
		gates:     opts.Gates,
		heartbeat: opts.Heartbeat,
		mux:       goahttp.NewMuxer(),
	}
	s.mount()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Muxer returns the underlying muxer so callers can mount debug endpoints.
func (s *Server) Muxer() goahttp.Muxer { return s.mux }

func (s *Server) mount() {
	s.mux.Handle("POST", "/sessions", s.createSession)
	s.mux.Handle("GET", "/sessions", s.listSessions)
	s.mux.Handle("GET", "/sessions/{id}", s.getSession)
	s.mux.Handle("GET", "/sessions/{id}/stream", s.streamSession)
	s.mux.Handle("POST", "/sessions/{id}/cancel", s.cancelSession)
	s.mux.Handle("POST", "/sessions/{id}/message", s.messageSession)
	s.mux.Handle("DELETE", "/sessions/{id}", s.deleteSession)
	s.mux.Handle("GET", "/scenarios", s.listScenarios)
	s.mux.Handle("GET", "/gate", s.gateSnapshot)
}

// createSession registers a new session and launches its first turn. The
// response is 202: the investigation runs asynchronously and clients follow
// it on the stream endpoint.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalid(w, "invalid request body")
		return
	}
	if req.Scenario == "" {
		writeInvalid(w, "scenario is required")
		return
	}
	if !s.knownScenario(req.Scenario) {
		writeNotFound(w, "unknown scenario "+req.Scenario)
		return
	}
	sess, err := s.registry.Create(r.Context(), req.Scenario, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Start(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createResponse{SessionID: sess.ID(), Status: sess.Status()})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	summaries := s.registry.List(r.URL.Query().Get("scenario"))
	writeJSON(w, http.StatusOK, listResponse{Sessions: summaries})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.GetRecord(r.Context(), s.mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// cancelSession requests cooperative cancellation. Cancelling a session that
// already settled reports the settled status instead of an error.
func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	status, requested, err := s.registry.Cancel(s.mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if !requested {
		writeJSON(w, http.StatusOK, cancelResponse{Status: string(status), Message: "not running"})
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Status: "cancelling"})
}

// messageSession starts a follow-up turn. The event_offset in the response is
// the replay cursor for the new turn: streaming with since=event_offset
// yields exactly the new turn's events.
func (s *Server) messageSession(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalid(w, "invalid request body")
		return
	}
	if req.Text == "" {
		writeInvalid(w, "text is required")
		return
	}
	turn, offset, err := s.registry.Message(r.Context(), s.mux.Vars(r)["id"], req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, messageResponse{Status: "processing", Turn: turn, EventOffset: offset})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	s.registry.Delete(r.Context(), s.mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listScenarios(w http.ResponseWriter, _ *http.Request) {
	views := make([]scenarioView, len(s.scenarios))
	for i, sc := range s.scenarios {
		views[i] = scenarioView{Name: sc.Name, Description: sc.Description, Steps: len(sc.Steps)}
	}
	writeJSON(w, http.StatusOK, scenariosResponse{Scenarios: views})
}

func (s *Server) gateSnapshot(w http.ResponseWriter, _ *http.Request) {
	snaps := make(map[string]gate.Snapshot, len(s.gates))
	for name, g := range s.gates {
		snaps[name] = g.Snapshot()
	}
	writeJSON(w, http.StatusOK, gateResponse{Gates: snaps})
}

func (s *Server) knownScenario(name string) bool {
	for _, sc := range s.scenarios {
		if sc.Name == name {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
