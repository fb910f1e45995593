package events

import (
	"sync"
	"time"
)

type (
	// Log is an append-only event log with fan-out delivery to bounded
	// subscriber channels. It is safe for concurrent use: a background
	// execution unit appends while request-serving goroutines subscribe,
	// read, and unsubscribe.
	//
	// Delivery semantics:
	//   - Append stamps the event's index and delivers it to every subscriber
	//     registered at the time of the append, in append order.
	//   - Subscribe atomically snapshots history and registers the channel
	//     under one critical section, so no event can land in the gap between
	//     snapshot and registration.
	//   - A subscriber whose channel is full is evicted rather than blocking
	//     the producer. Eviction closes the channel; the consumer observes
	//     the close and may resubscribe with its last seen index to resume
	//     without gaps.
	Log struct {
		mu     sync.Mutex
		events []Event
		subs   map[*Subscription]struct{}
		buffer int
	}

	// Subscription is a live delivery channel registered on a Log. The zero
	// value is not usable; obtain subscriptions from Log.Subscribe.
	Subscription struct {
		// C emits live events in append order. The channel is closed when the
		// subscription is evicted for falling behind or closed by the consumer.
		C <-chan Event

		log    *Log
		ch     chan Event
		since  int  // events below this index are never delivered live
		closed bool // guarded by log.mu
	}
)

// DefaultBuffer is the per-subscriber channel capacity used when NewLog is
// given a non-positive buffer size.
const DefaultBuffer = 500

// NewLog constructs an empty log. buffer bounds each subscriber's delivery
// channel; non-positive values use DefaultBuffer.
func NewLog(buffer int) *Log {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Log{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Append adds an event of the given type to the log, stamps its index and
// timestamp, and delivers it to every currently registered subscriber. The
// returned event carries the assigned index.
//
// Append never blocks on a slow consumer: a subscriber whose channel is full
// is evicted (its channel closed) so the producer and the remaining
// subscribers make progress.
func (l *Log) Append(typ Type, payload any) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	evt := Event{
		Index:     len(l.events),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	l.events = append(l.events, evt)
	for sub := range l.subs {
		if evt.Index < sub.since {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			l.evictLocked(sub)
		}
	}
	return evt
}

// Subscribe registers a new bounded delivery channel and returns a snapshot
// of all log events with index >= since alongside the subscription. Snapshot
// and registration happen under one critical section: every event appended
// after Subscribe returns is delivered on the subscription channel, and no
// event is both in the snapshot and delivered live.
//
// A negative since is treated as zero. A since beyond the current log length
// yields an empty history, and live delivery starts once the log reaches the
// cursor: events with an index below since are never delivered.
func (l *Log) Subscribe(since int) ([]Event, *Subscription) {
	if since < 0 {
		since = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var history []Event
	if since < len(l.events) {
		history = make([]Event, len(l.events)-since)
		copy(history, l.events[since:])
	}
	ch := make(chan Event, l.buffer)
	sub := &Subscription{C: ch, log: l, ch: ch, since: since}
	l.subs[sub] = struct{}{}
	return history, sub
}

// Snapshot returns a copy of all log events with index >= since.
func (l *Log) Snapshot(since int) []Event {
	if since < 0 {
		since = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if since >= len(l.events) {
		return nil
	}
	out := make([]Event, len(l.events)-since)
	copy(out, l.events[since:])
	return out
}

// Len returns the number of events appended so far. The next appended event
// receives this value as its index.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Close deregisters the subscription and closes its channel. It is
// idempotent and safe to call after the subscription was already evicted for
// backpressure.
func (s *Subscription) Close() {
	s.log.mu.Lock()
	s.log.evictLocked(s)
	s.log.mu.Unlock()
}

// evictLocked removes the subscription and closes its channel exactly once.
// Callers must hold l.mu, which serializes the close against in-flight sends.
func (l *Log) evictLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(l.subs, sub)
	close(sub.ch)
}
