// Package events provides the append-only, replayable event log that backs a
// single investigation session. The log is the source of truth for everything
// a client sees: producers append events as the investigation progresses and
// any number of subscribers replay history and tail live events.
//
// The log never prunes entries, so a subscriber can always resume from an
// arbitrary index after a disconnect (or after being evicted for falling
// behind) without gaps. Transport buffers are bounded; the log itself is not.
package events

import "time"

type (
	// Type discriminates event payload flavors.
	Type string

	// Event is a single immutable entry in a session's event log. Index is the
	// entry's position in the log and doubles as the resume cursor for
	// replaying a stream (`since` in the HTTP surface).
	Event struct {
		// Index is the zero-based position of the event in the log. Synthetic
		// events that are never appended (heartbeats) carry a negative index.
		Index int `json:"index"`
		// Type identifies the event kind.
		Type Type `json:"type"`
		// Timestamp records when the event was appended (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the kind-specific data, if any. It must be
		// JSON-serializable.
		Payload any `json:"payload,omitempty"`
	}
)

const (
	// TypeRunStart marks the beginning of an investigation turn.
	TypeRunStart Type = "run_start"
	// TypeStepStart marks the beginning of a single investigation step
	// (typically one guarded backend query).
	TypeStepStart Type = "step_start"
	// TypeStepComplete carries the outcome of a completed step.
	TypeStepComplete Type = "step_complete"
	// TypeMessageDelta streams incremental answer text. Clients concatenate
	// deltas in index order to reconstruct the full answer.
	TypeMessageDelta Type = "message_delta"
	// TypeStatusChange announces a session status transition, including the
	// advisory "cancelling" notice emitted when cancellation is requested.
	TypeStatusChange Type = "status_change"
	// TypeUserMessage records a follow-up message that started a new turn.
	TypeUserMessage Type = "user_message"
	// TypeError carries the failure detail when a turn ends in Failed.
	TypeError Type = "error"
	// TypeHeartbeat is synthesized by stream transports on idle connections.
	// Heartbeats are never appended to the log.
	TypeHeartbeat Type = "heartbeat"
	// TypeDone is the trailer appended after a terminal status transition so
	// subscribers can distinguish "turn finished" from a dropped connection.
	TypeDone Type = "done"
)

// Heartbeat returns a synthetic heartbeat event stamped with the current
// time. The event carries a negative index so clients do not advance their
// resume cursor past real log entries.
func Heartbeat() Event {
	return Event{Index: -1, Type: TypeHeartbeat, Timestamp: time.Now().UTC()}
}
