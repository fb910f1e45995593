// Package pulse mirrors session event logs into goa.design/pulse streams so
// events survive session eviction and can be consumed by external processes.
// Services build a Redis client, pass it to the Pulse client, and wrap their
// runner with the mirror.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/inquestlabs/inquest/features/stream/pulse/clients/pulse"
	"github.com/inquestlabs/inquest/runtime/events"
	"github.com/inquestlabs/inquest/runtime/session"
)

type (
	// Options configures the event mirror.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream name from a session ID.
		// Defaults to `session/<ID>`.
		StreamID func(sessionID string) string
		// MarshalEnvelope overrides the envelope serialization (primarily
		// for tests).
		MarshalEnvelope func(Envelope) ([]byte, error)
	}

	// Envelope wraps one session event for transmission over a Pulse
	// stream.
	Envelope struct {
		// SessionID links the event to its session.
		SessionID string `json:"session_id"`
		// Index is the event's position in the session log.
		Index int `json:"index"`
		// Type identifies the event kind (e.g. "step_complete", "done").
		Type string `json:"type"`
		// Timestamp records when the event was appended (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}

	// Mirror copies every event a session appends into a Pulse stream. It
	// wraps a session runner: each run starts one follower goroutine per
	// session that subscribes to the in-memory log and publishes until the
	// turn's trailing done event. Publishing is best-effort so a Redis
	// outage never blocks or fails an investigation.
	Mirror struct {
		client   pulse.Client
		streamID func(string) string
		marshal  func(Envelope) ([]byte, error)

		mu     sync.Mutex
		active map[string]struct{}
		next   map[string]int
	}

	// runner decorates a session runner with event mirroring.
	runner struct {
		mirror *Mirror
		next   session.Runner
	}
)

// NewMirror constructs an event mirror. The Client field in opts is required;
// StreamID and MarshalEnvelope default to the built-in implementations.
func NewMirror(opts Options) (*Mirror, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	m := &Mirror{
		client:   opts.Client,
		streamID: defaultStreamID,
		marshal:  defaultMarshal,
		active:   make(map[string]struct{}),
		next:     make(map[string]int),
	}
	if opts.StreamID != nil {
		m.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		m.marshal = opts.MarshalEnvelope
	}
	return m, nil
}

// Runner wraps next so every run mirrors its session's events to Pulse.
func (m *Mirror) Runner(next session.Runner) session.Runner {
	return &runner{mirror: m, next: next}
}

// Drop deletes the session's Pulse stream and forgets the mirror's position
// in it. Callers invoke it when a session is deleted.
func (m *Mirror) Drop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.next, sessionID)
	m.mu.Unlock()
	handle, err := m.client.Stream(m.streamID(sessionID))
	if err != nil {
		return err
	}
	return handle.Destroy(ctx)
}

// Run starts the follower for the session if one is not already running and
// delegates to the wrapped runner.
func (r *runner) Run(ctx context.Context, s *session.Session) error {
	r.mirror.follow(ctx, s)
	return r.next.Run(ctx, s)
}

// follow registers a follower goroutine for the session. Each session has at
// most one follower at a time; follow-up turns resume from the index after
// the last mirrored event.
func (m *Mirror) follow(ctx context.Context, s *session.Session) {
	m.mu.Lock()
	if _, ok := m.active[s.ID()]; ok {
		m.mu.Unlock()
		return
	}
	m.active[s.ID()] = struct{}{}
	since := m.next[s.ID()]
	m.mu.Unlock()
	go m.pump(context.WithoutCancel(ctx), s, since)
}

// pump publishes the session's events from index since onward until the
// turn's done event or the subscription closes. Publish failures are logged
// and skipped. The exit check compares the mirrored position with the log
// length under the mirror mutex so a follow-up turn that appends events while
// the pump winds down is never dropped: either the pump keeps going or the
// next Run starts a fresh follower.
func (m *Mirror) pump(ctx context.Context, s *session.Session, since int) {
	id := s.ID()
	handle, err := m.client.Stream(m.streamID(id))
	if err != nil {
		log.Errorf(ctx, err, "mirror: open stream for session %s", id)
		m.deregister(id, since)
		return
	}
	for {
		done := false
		history, sub := s.Log().Subscribe(since)
		for _, evt := range history {
			since = evt.Index + 1
			m.publish(ctx, handle, id, evt)
			if evt.Type == events.TypeDone {
				done = true
				break
			}
		}
		if !done {
			for evt := range sub.C {
				since = evt.Index + 1
				m.publish(ctx, handle, id, evt)
				if evt.Type == events.TypeDone {
					done = true
					break
				}
			}
		}
		sub.Close()
		if !done {
			// Subscription closed without a done event: the channel was
			// evicted for falling behind. The next Run resumes from here.
			m.deregister(id, since)
			return
		}
		m.mu.Lock()
		if since >= s.Log().Len() {
			delete(m.active, id)
			m.next[id] = since
			m.mu.Unlock()
			return
		}
		// A follow-up turn already appended more events.
		m.mu.Unlock()
	}
}

func (m *Mirror) deregister(id string, since int) {
	m.mu.Lock()
	delete(m.active, id)
	m.next[id] = since
	m.mu.Unlock()
}

func (m *Mirror) publish(ctx context.Context, handle pulse.Stream, sessionID string, evt events.Event) {
	env := Envelope{
		SessionID: sessionID,
		Index:     evt.Index,
		Type:      string(evt.Type),
		Timestamp: evt.Timestamp,
		Payload:   evt.Payload,
	}
	payload, err := m.marshal(env)
	if err != nil {
		log.Errorf(ctx, err, "mirror: marshal event %d for session %s", evt.Index, sessionID)
		return
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		log.Errorf(ctx, err, "mirror: publish event %d for session %s", evt.Index, sessionID)
	}
}

// defaultStreamID derives the Pulse stream name from the session ID.
func defaultStreamID(sessionID string) string {
	return fmt.Sprintf("session/%s", sessionID)
}

// defaultMarshal serializes an envelope to JSON.
func defaultMarshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
