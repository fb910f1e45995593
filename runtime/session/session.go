// Package session defines the investigation session state machine and the
// registry that owns all in-memory sessions.
//
// A Session is one investigation: immutable request context, a status that
// walks Pending -> InProgress -> {Completed, Failed, Cancelled}, an
// append-only event log, and the conversation thread accumulated across
// turns. The Registry creates sessions, launches their execution units, and
// degrades to an external archive for sessions evicted from memory.
//
// Contract:
//   - InProgress is entered exactly once per turn, by the Registry.
//   - Terminal statuses are absorbing within a turn. A follow-up message is
//     the only way out of Completed or Failed; Cancelled never runs again.
//   - cancel_requested is set at most once and never unset.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inquestlabs/inquest/runtime/events"
)

type (
	// Status is the lifecycle state of a session.
	Status string

	// Role identifies the author of a thread message.
	Role string

	// Message is one entry of a session's conversation thread. The thread is
	// the accumulated context follow-up turns continue from.
	Message struct {
		Role      Role      `json:"role"`
		Text      string    `json:"text"`
		Turn      int       `json:"turn"`
		Timestamp time.Time `json:"timestamp"`
	}

	// Session is one investigation's in-memory state. All mutating methods
	// are safe for concurrent use: the execution unit appends events and
	// finishes turns while request-serving goroutines cancel, message, and
	// subscribe.
	Session struct {
		mu sync.Mutex

		id       string
		scenario string
		input    string

		status          Status
		createdAt       time.Time
		updatedAt       time.Time
		turns           int
		cancelRequested bool
		thread          []Message

		log *events.Log
	}

	// Summary is a point-in-time view of a session without its event log,
	// suitable for list endpoints.
	Summary struct {
		ID              string    `json:"session_id"`
		Scenario        string    `json:"scenario"`
		Status          Status    `json:"status"`
		CreatedAt       time.Time `json:"created_at"`
		UpdatedAt       time.Time `json:"updated_at"`
		TurnCount       int       `json:"turn_count"`
		CancelRequested bool      `json:"cancel_requested,omitempty"`
		EventCount      int       `json:"event_count"`
	}

	// Record is the full serializable state of a session, including its event
	// log and thread. Records are what the archive stores and what the detail
	// endpoint returns.
	Record struct {
		ID              string         `json:"session_id"`
		Scenario        string         `json:"scenario"`
		Input           string         `json:"input_text"`
		Status          Status         `json:"status"`
		CreatedAt       time.Time      `json:"created_at"`
		UpdatedAt       time.Time      `json:"updated_at"`
		TurnCount       int            `json:"turn_count"`
		CancelRequested bool           `json:"cancel_requested"`
		Events          []events.Event `json:"events"`
		Thread          []Message      `json:"thread,omitempty"`
	}
)

const (
	// StatusPending indicates the session was created but its execution unit
	// has not started.
	StatusPending Status = "pending"
	// StatusInProgress indicates a turn is executing.
	StatusInProgress Status = "in_progress"
	// StatusCompleted indicates the last turn finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the last turn ended in an execution failure.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the execution unit observed a cancellation
	// request and exited. Cancelled sessions never run again.
	StatusCancelled Status = "cancelled"
)

const (
	// RoleUser marks thread messages authored by the client.
	RoleUser Role = "user"
	// RoleAssistant marks thread messages authored by the investigation.
	RoleAssistant Role = "assistant"
)

// Terminal reports whether the status is absorbing for the current turn.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NewSession constructs a Pending session with a fresh identifier and an
// empty event log. buffer bounds each subscriber's delivery channel.
func NewSession(scenario, input string, buffer int) *Session {
	now := time.Now().UTC()
	return &Session{
		id:        uuid.NewString(),
		scenario:  scenario,
		input:     input,
		status:    StatusPending,
		createdAt: now,
		updatedAt: now,
		log:       events.NewLog(buffer),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Scenario returns the scenario name the session was created with.
func (s *Session) Scenario() string { return s.scenario }

// Input returns the original request text.
func (s *Session) Input() string { return s.input }

// Log returns the session's event log for subscription and replay.
func (s *Session) Log() *events.Log { return s.log }

// Begin transitions Pending -> InProgress for the first turn. It records the
// original input as the turn's user message and announces the transition on
// the event log. Returns ErrAlreadyStarted if the session left Pending.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPending {
		return ErrAlreadyStarted
	}
	s.status = StatusInProgress
	s.turns = 1
	s.touch()
	s.thread = append(s.thread, Message{Role: RoleUser, Text: s.input, Turn: 1, Timestamp: s.updatedAt})
	s.log.Append(events.TypeStatusChange, events.StatusChange{Status: string(StatusInProgress)})
	s.log.Append(events.TypeRunStart, events.RunStart{Turn: 1, Scenario: s.scenario})
	return nil
}

// BeginTurn starts a follow-up turn from a terminal state. It returns the new
// turn number and the event-log offset recorded before the turn's first
// event, so clients can replay with since=offset and skip prior turns.
//
// Returns ErrSessionBusy while a turn is executing (or before the first turn
// started) and ErrSessionCancelled for cancelled sessions.
func (s *Session) BeginTurn(text string) (turn, offset int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.status == StatusCancelled || s.cancelRequested:
		return 0, 0, ErrSessionCancelled
	case s.status != StatusCompleted && s.status != StatusFailed:
		return 0, 0, ErrSessionBusy
	}
	s.turns++
	s.status = StatusInProgress
	s.touch()
	s.thread = append(s.thread, Message{Role: RoleUser, Text: text, Turn: s.turns, Timestamp: s.updatedAt})
	offset = s.log.Len()
	s.log.Append(events.TypeUserMessage, events.UserMessage{Text: text, Turn: s.turns})
	s.log.Append(events.TypeStatusChange, events.StatusChange{Status: string(StatusInProgress)})
	s.log.Append(events.TypeRunStart, events.RunStart{Turn: s.turns, Scenario: s.scenario})
	return s.turns, offset, nil
}

// RequestCancel sets the cancellation flag and pushes an advisory
// "cancelling" status event so attached subscribers see immediate feedback.
// The session only reaches Cancelled once the execution unit observes the
// flag at a checkpoint and exits.
//
// The returned boolean is false when the session is already terminal, in
// which case the flag is not set and no event is appended.
func (s *Session) RequestCancel() (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return s.status, false
	}
	if !s.cancelRequested {
		s.cancelRequested = true
		s.touch()
		s.log.Append(events.TypeStatusChange, events.StatusChange{Status: events.StatusCancelling})
	}
	return s.status, true
}

// CancelRequested reports whether cancellation was requested. Execution
// units poll this between discrete steps.
func (s *Session) CancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

// Finish transitions the current turn to a terminal status, appends the
// status change and the trailing done event, and for Failed records the
// failure reason as an error event first. Finishing an already-terminal
// session is a no-op so racing exits cannot flip a terminal status.
func (s *Session) Finish(status Status, reason string) {
	if !status.Terminal() {
		panic("session: Finish called with non-terminal status " + string(status))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = status
	s.touch()
	if status == StatusFailed && reason != "" {
		s.log.Append(events.TypeError, events.ErrorInfo{Message: reason})
	}
	s.log.Append(events.TypeStatusChange, events.StatusChange{Status: string(status)})
	s.log.Append(events.TypeDone, nil)
}

// AppendAssistant records the investigation's answer for the current turn on
// the conversation thread.
func (s *Session) AppendAssistant(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	s.thread = append(s.thread, Message{Role: RoleAssistant, Text: text, Turn: s.turns, Timestamp: s.updatedAt})
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Thread returns a copy of the conversation thread.
func (s *Session) Thread() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.thread))
	copy(out, s.thread)
	return out
}

// Summary returns a point-in-time view without the event log.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:              s.id,
		Scenario:        s.scenario,
		Status:          s.status,
		CreatedAt:       s.createdAt,
		UpdatedAt:       s.updatedAt,
		TurnCount:       s.turns,
		CancelRequested: s.cancelRequested,
		EventCount:      s.log.Len(),
	}
}

// Record returns the full serializable state including the event log.
func (s *Session) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Record{
		ID:              s.id,
		Scenario:        s.scenario,
		Input:           s.input,
		Status:          s.status,
		CreatedAt:       s.createdAt,
		UpdatedAt:       s.updatedAt,
		TurnCount:       s.turns,
		CancelRequested: s.cancelRequested,
		Events:          s.log.Snapshot(0),
		Thread:          append([]Message(nil), s.thread...),
	}
}

// Summary derives the list view of an archived record.
func (r Record) Summary() Summary {
	return Summary{
		ID:              r.ID,
		Scenario:        r.Scenario,
		Status:          r.Status,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		TurnCount:       r.TurnCount,
		CancelRequested: r.CancelRequested,
		EventCount:      len(r.Events),
	}
}

// touch must be called with s.mu held.
func (s *Session) touch() {
	s.updatedAt = time.Now().UTC()
}
