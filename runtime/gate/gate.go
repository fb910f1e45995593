// Package gate provides admission control for a shared, rate-limited
// downstream resource. A Gate combines a bounded concurrency limiter with a
// circuit breaker: callers block for a slot while the resource is healthy,
// and fail fast with retry guidance once it is observably overloaded.
//
// Call sites follow one discipline: Acquire a slot (may block, or fail
// immediately when the circuit is open), perform the call, report Succeed or
// Fail based on the outcome, and Release the slot on every exit path.
// Releasing a slot twice is a programming error and panics.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type (
	// State is the circuit breaker state.
	State string

	// Options configures a Gate.
	Options struct {
		// MaxConcurrent bounds the number of calls holding a slot at once.
		// Defaults to 4.
		MaxConcurrent int
		// TripThreshold is the number of consecutive failures that trips the
		// circuit. Defaults to 5.
		TripThreshold int
		// BaseCooldown is the open window after the first trip. The window
		// doubles on every renewed trip up to MaxCooldown and resets to
		// BaseCooldown on full recovery. Defaults to 5s.
		BaseCooldown time.Duration
		// MaxCooldown caps the geometric cooldown growth. Defaults to 5m.
		MaxCooldown time.Duration
		// RPS, when positive, adds a token-bucket smoothing limiter in front
		// of the concurrency limiter so admitted calls are also paced.
		RPS float64
		// Burst is the smoothing limiter burst. Defaults to MaxConcurrent.
		Burst int
	}

	// Gate is the admission gate for one downstream resource. Construct one
	// per shared resource at the composition root and pass it to every call
	// site; do not share a Gate across unrelated resources.
	Gate struct {
		opts   Options
		sem    *semaphore.Weighted
		smooth *rate.Limiter
		now    func() time.Time

		mu            sync.Mutex
		state         State
		failures      int
		cooldown      time.Duration
		openUntil     time.Time
		probeInFlight bool
		inFlight      int
	}

	// Slot is an acquired admission. Exactly one of Succeed or Fail should
	// be called to report the outcome, then Release exactly once.
	Slot struct {
		g        *Gate
		probe    bool
		reported bool // guarded by g.mu
		released bool // guarded by g.mu
	}

	// OverloadedError reports a fail-fast rejection while the circuit is
	// open or a probe is resolving. RetryAfter is the suggested wait before
	// retrying.
	OverloadedError struct {
		RetryAfter time.Duration
	}

	// Snapshot is a point-in-time view of the gate for health and debug
	// reporting. Taking a snapshot never mutates gate state.
	Snapshot struct {
		State               State         `json:"state"`
		ConsecutiveFailures int           `json:"consecutive_failures"`
		Cooldown            time.Duration `json:"cooldown_ns"`
		OpenRemaining       time.Duration `json:"open_remaining_ns"`
		InFlight            int           `json:"in_flight"`
		MaxConcurrent       int           `json:"max_concurrent"`
		ProbeInFlight       bool          `json:"probe_in_flight"`
	}
)

const (
	// StateClosed admits calls normally, queueing on the concurrency limiter.
	StateClosed State = "closed"
	// StateOpen rejects every call until the cooldown elapses.
	StateOpen State = "open"
	// StateHalfOpen admits exactly one probe; everyone else is rejected
	// until the probe resolves.
	StateHalfOpen State = "half_open"
)

// probeRetryAfter is the retry hint returned while a half-open probe is
// resolving.
const probeRetryAfter = time.Second

// Error implements error.
func (e *OverloadedError) Error() string {
	return fmt.Sprintf("backend overloaded, retry in %s", e.RetryAfter.Round(time.Millisecond))
}

// New constructs a Gate with the circuit closed.
func New(opts Options) *Gate {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.TripThreshold <= 0 {
		opts.TripThreshold = 5
	}
	if opts.BaseCooldown <= 0 {
		opts.BaseCooldown = 5 * time.Second
	}
	if opts.MaxCooldown < opts.BaseCooldown {
		opts.MaxCooldown = 5 * time.Minute
		if opts.MaxCooldown < opts.BaseCooldown {
			opts.MaxCooldown = opts.BaseCooldown
		}
	}
	if opts.Burst <= 0 {
		opts.Burst = opts.MaxConcurrent
	}
	g := &Gate{
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		now:      time.Now,
		state:    StateClosed,
		cooldown: opts.BaseCooldown,
	}
	if opts.RPS > 0 {
		g.smooth = rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst)
	}
	return g
}

// Acquire admits the caller or rejects it.
//
// Closed: blocks until a concurrency slot is free or ctx is done. The
// circuit is re-checked after the slot is acquired so a trip that happened
// while the caller was queued still rejects (the slot is released first).
//
// Open: fails immediately with an OverloadedError carrying the remaining
// cooldown. The first caller after the cooldown elapses becomes the
// half-open probe and bypasses the concurrency limiter so a full queue
// cannot starve recovery.
//
// HalfOpen: fails immediately until the probe resolves.
func (g *Gate) Acquire(ctx context.Context) (*Slot, error) {
	g.mu.Lock()
	switch g.state {
	case StateOpen:
		if remaining := g.openUntil.Sub(g.now()); remaining > 0 {
			g.mu.Unlock()
			return nil, &OverloadedError{RetryAfter: remaining}
		}
		g.state = StateHalfOpen
		g.probeInFlight = true
		g.inFlight++
		g.mu.Unlock()
		return &Slot{g: g, probe: true}, nil
	case StateHalfOpen:
		g.mu.Unlock()
		return nil, &OverloadedError{RetryAfter: probeRetryAfter}
	}
	g.mu.Unlock()

	if g.smooth != nil {
		if err := g.smooth.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	// The circuit may have tripped while this caller was queued on the
	// limiter. Reject without admitting, returning the slot first.
	g.mu.Lock()
	if g.state != StateClosed {
		retry := probeRetryAfter
		if g.state == StateOpen {
			if remaining := g.openUntil.Sub(g.now()); remaining > 0 {
				retry = remaining
			}
		}
		g.mu.Unlock()
		g.sem.Release(1)
		return nil, &OverloadedError{RetryAfter: retry}
	}
	g.inFlight++
	g.mu.Unlock()
	return &Slot{g: g}, nil
}

// Succeed reports a successful downstream call. Any success resets the
// consecutive-failure counter; a successful probe closes the circuit and
// resets the cooldown to its base value.
func (s *Slot) Succeed() {
	g := s.g
	g.mu.Lock()
	defer g.mu.Unlock()
	s.reported = true
	g.failures = 0
	if s.probe {
		g.probeInFlight = false
		g.state = StateClosed
		g.cooldown = g.opts.BaseCooldown
	}
}

// Fail reports an overload-class failure (rate limit or server error).
// Reaching the trip threshold opens the circuit; a failed probe re-opens it
// with the cooldown doubled again.
func (s *Slot) Fail() {
	g := s.g
	g.mu.Lock()
	defer g.mu.Unlock()
	s.reported = true
	if s.probe {
		g.probeInFlight = false
		g.tripLocked()
		return
	}
	g.failures++
	if g.state == StateClosed && g.failures >= g.opts.TripThreshold {
		g.tripLocked()
	}
}

// Release returns the slot. Every acquired slot must be released exactly
// once on every exit path; releasing twice panics. A probe slot never took a
// concurrency slot, so only the gate's in-flight count is decremented.
//
// A probe released without a verdict (the call failed with a client-class
// error or a cancelled context, which is not evidence either way) re-opens
// the circuit with the current cooldown, undoubled, so the next expiry
// designates a fresh probe instead of wedging half-open.
func (s *Slot) Release() {
	g := s.g
	g.mu.Lock()
	if s.released {
		g.mu.Unlock()
		panic("gate: slot released twice")
	}
	s.released = true
	g.inFlight--
	probe := s.probe
	if probe && !s.reported {
		g.probeInFlight = false
		g.state = StateOpen
		g.openUntil = g.now().Add(g.cooldown)
	}
	g.mu.Unlock()
	if !probe {
		g.sem.Release(1)
	}
}

// Snapshot returns the gate's current state without mutating it.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	var remaining time.Duration
	if g.state == StateOpen {
		if r := g.openUntil.Sub(g.now()); r > 0 {
			remaining = r
		}
	}
	return Snapshot{
		State:               g.state,
		ConsecutiveFailures: g.failures,
		Cooldown:            g.cooldown,
		OpenRemaining:       remaining,
		InFlight:            g.inFlight,
		MaxConcurrent:       g.opts.MaxConcurrent,
		ProbeInFlight:       g.probeInFlight,
	}
}

// tripLocked opens the circuit for the current cooldown window and doubles
// the cooldown for the next trip, capped at MaxCooldown. Callers must hold
// g.mu.
func (g *Gate) tripLocked() {
	g.state = StateOpen
	g.openUntil = g.now().Add(g.cooldown)
	g.cooldown *= 2
	if g.cooldown > g.opts.MaxCooldown {
		g.cooldown = g.opts.MaxCooldown
	}
}
