package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/inquestlabs/inquest/runtime/events"
)

type (
	// Runner is the execution unit launched for every turn. Run streams
	// progress onto the session's event log and returns when the turn is
	// done: nil for success, ErrCancelled when it observed the cancellation
	// flag at a checkpoint, any other error for an execution failure. The
	// Registry owns the terminal status transition in all three cases.
	Runner interface {
		Run(ctx context.Context, s *Session) error
	}

	// Archive is the external store terminal sessions degrade to once
	// evicted from memory. Implementations return ErrNotFound when the id is
	// unknown. All methods are best-effort from the Registry's point of
	// view: archive failures are logged, never surfaced to the session
	// lifecycle.
	Archive interface {
		Get(ctx context.Context, id string) (Record, error)
		List(ctx context.Context, scenario string) ([]Record, error)
		Put(ctx context.Context, rec Record) error
		Delete(ctx context.Context, id string) error
	}

	// Options configures a Registry. Runner is required.
	Options struct {
		// Runner executes investigation turns.
		Runner Runner
		// Archive receives terminal sessions evicted from the recent cache.
		// Optional; without it evicted sessions are simply forgotten.
		Archive Archive
		// MaxActive bounds the number of concurrently active (non-terminal)
		// sessions. Defaults to 100.
		MaxActive int
		// RecentCapacity bounds the recent-terminal cache. Defaults to 50.
		RecentCapacity int
		// RecentTTL bounds the age of entries in the recent cache. Defaults
		// to 30 minutes.
		RecentTTL time.Duration
		// GraceWindow is how long a terminal session stays in the active map
		// before moving to the recent cache, giving attached subscribers time
		// to drain and follow-ups time to arrive. Defaults to 5 seconds.
		GraceWindow time.Duration
		// EventBuffer bounds each subscriber channel on new sessions.
		// Defaults to events.DefaultBuffer.
		EventBuffer int
		// OnDelete, when set, runs after Delete removes a session so external
		// per-session resources (e.g. a mirrored event stream) can be cleaned
		// up. Best-effort, invoked for unknown ids too.
		OnDelete func(ctx context.Context, id string)
	}

	// Registry owns every in-memory session. It enforces the active-session
	// ceiling, launches execution units, retires terminal sessions to a
	// capacity- and age-bounded recent cache, and falls through to the
	// archive for evicted ids.
	Registry struct {
		opts Options
		now  func() time.Time

		mu     sync.Mutex
		active map[string]*Session
		recent []recentEntry
	}

	recentEntry struct {
		s         *Session
		retiredAt time.Time
	}
)

// New constructs a Registry. Options.Runner is required.
func New(opts Options) (*Registry, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("session: Options.Runner is required")
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = 100
	}
	if opts.RecentCapacity <= 0 {
		opts.RecentCapacity = 50
	}
	if opts.RecentTTL <= 0 {
		opts.RecentTTL = 30 * time.Minute
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = events.DefaultBuffer
	}
	return &Registry{
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		active: make(map[string]*Session),
	}, nil
}

// Create constructs a new Pending session and registers it. It returns
// ErrCapacity when the number of non-terminal sessions already equals the
// configured ceiling.
func (r *Registry) Create(ctx context.Context, scenario, input string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if running := r.runningLocked(); running >= r.opts.MaxActive {
		return nil, fmt.Errorf("%w: %d active sessions", ErrCapacity, running)
	}
	s := NewSession(scenario, input, r.opts.EventBuffer)
	r.active[s.ID()] = s
	log.Printf(ctx, "session created", log.KV{K: "session_id", V: s.ID()}, log.KV{K: "scenario", V: scenario})
	return s, nil
}

// Start transitions the session out of Pending and launches its execution
// unit in its own goroutine.
func (r *Registry) Start(ctx context.Context, s *Session) error {
	if err := s.Begin(); err != nil {
		return err
	}
	r.launch(ctx, s)
	return nil
}

// Get returns the in-memory session for id, checking the active map and the
// recent cache.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(id)
}

// GetRecord returns the full session state for id, falling through to the
// archive when the session is no longer in memory. Returns ErrNotFound when
// the id is unknown everywhere.
func (r *Registry) GetRecord(ctx context.Context, id string) (Record, error) {
	if s, ok := r.Get(id); ok {
		return s.Record(), nil
	}
	if r.opts.Archive == nil {
		return Record{}, ErrNotFound
	}
	return r.opts.Archive.Get(ctx, id)
}

// List returns summaries of all in-memory sessions, newest first, optionally
// filtered by scenario. It does not read through to the archive.
func (r *Registry) List(scenario string) []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Summary, 0, len(r.active)+len(r.recent))
	for _, s := range r.active {
		if scenario == "" || s.Scenario() == scenario {
			out = append(out, s.Summary())
		}
	}
	for _, e := range r.recent {
		if scenario == "" || e.s.Scenario() == scenario {
			out = append(out, e.s.Summary())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel requests cooperative cancellation. The returned boolean is false
// when the session was already terminal, in which case the status is
// returned unchanged.
func (r *Registry) Cancel(id string) (Status, bool, error) {
	s, ok := r.Get(id)
	if !ok {
		return "", false, ErrNotFound
	}
	status, requested := s.RequestCancel()
	return status, requested, nil
}

// Message starts a follow-up turn on a settled session and relaunches its
// execution unit. It returns the new turn number and the event-log offset
// clients can use as the replay cursor for the new turn. A settled session
// re-entering InProgress counts against the active ceiling again, so the
// ceiling is enforced here exactly as in Create.
func (r *Registry) Message(ctx context.Context, id, text string) (turn, offset int, err error) {
	r.mu.Lock()
	s, ok := r.lookupLocked(id)
	if !ok {
		r.mu.Unlock()
		return 0, 0, ErrNotFound
	}
	if s.Status().Terminal() {
		if running := r.runningLocked(); running >= r.opts.MaxActive {
			r.mu.Unlock()
			return 0, 0, fmt.Errorf("%w: %d active sessions", ErrCapacity, running)
		}
	}
	turn, offset, err = s.BeginTurn(text)
	if err != nil {
		r.mu.Unlock()
		return 0, 0, err
	}
	r.promoteLocked(s)
	r.mu.Unlock()
	r.launch(ctx, s)
	return turn, offset, nil
}

// Delete removes the session from memory, cancelling it first when running,
// and best-effort deletes it from the archive. Deleting an unknown id is not
// an error.
func (r *Registry) Delete(ctx context.Context, id string) {
	r.mu.Lock()
	if s, ok := r.lookupLocked(id); ok {
		s.RequestCancel()
		delete(r.active, id)
		for i, e := range r.recent {
			if e.s.ID() == id {
				r.recent = append(r.recent[:i], r.recent[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if r.opts.Archive != nil {
		if err := r.opts.Archive.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			log.Errorf(ctx, err, "archive delete failed", log.KV{K: "session_id", V: id})
		}
	}
	if r.opts.OnDelete != nil {
		r.opts.OnDelete(ctx, id)
	}
}

// ActiveCount returns the number of non-terminal sessions in memory.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningLocked()
}

// runningLocked counts non-terminal sessions in the active map. Callers must
// hold r.mu.
func (r *Registry) runningLocked() int {
	n := 0
	for _, s := range r.active {
		if !s.Status().Terminal() {
			n++
		}
	}
	return n
}

// launch runs one turn in its own goroutine. The goroutine outlives the
// originating request, so the request context's cancellation is stripped
// while its values (logger) are kept. All failure modes of the execution
// unit, including panics, are converted into a terminal status plus events
// so they never escape to the serving loop.
func (r *Registry) launch(ctx context.Context, s *Session) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				err := fmt.Errorf("investigation panicked: %v", p)
				log.Errorf(ctx, err, "execution unit panic", log.KV{K: "session_id", V: s.ID()})
				s.Finish(StatusFailed, err.Error())
			}
			r.scheduleRetire(s)
		}()

		err := r.opts.Runner.Run(ctx, s)
		switch {
		case err == nil:
			s.Finish(StatusCompleted, "")
		case errors.Is(err, ErrCancelled):
			s.Finish(StatusCancelled, "")
		default:
			log.Errorf(ctx, err, "investigation failed", log.KV{K: "session_id", V: s.ID()})
			s.Finish(StatusFailed, err.Error())
		}
	}()
}

// scheduleRetire moves the session from the active map to the recent cache
// after the grace window, unless a follow-up re-entered InProgress in the
// meantime.
func (r *Registry) scheduleRetire(s *Session) {
	time.AfterFunc(r.opts.GraceWindow, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !s.Status().Terminal() {
			return
		}
		if _, ok := r.active[s.ID()]; !ok {
			return
		}
		delete(r.active, s.ID())
		r.recent = append(r.recent, recentEntry{s: s, retiredAt: r.now()})
		r.pruneRecentLocked()
	})
}

// promoteLocked moves a session from the recent cache back to the active map
// for a new turn. Callers must hold r.mu.
func (r *Registry) promoteLocked(s *Session) {
	for i, e := range r.recent {
		if e.s == s {
			r.recent = append(r.recent[:i], r.recent[i+1:]...)
			break
		}
	}
	r.active[s.ID()] = s
}

// pruneRecentLocked enforces the recent cache's capacity and age bounds,
// upserting evicted sessions to the archive when one is configured. Callers
// must hold r.mu.
func (r *Registry) pruneRecentLocked() {
	cutoff := r.now().Add(-r.opts.RecentTTL)
	var evicted []*Session
	kept := r.recent[:0]
	for _, e := range r.recent {
		if e.retiredAt.Before(cutoff) {
			evicted = append(evicted, e.s)
			continue
		}
		kept = append(kept, e)
	}
	r.recent = kept
	for len(r.recent) > r.opts.RecentCapacity {
		evicted = append(evicted, r.recent[0].s)
		r.recent = r.recent[1:]
	}
	if r.opts.Archive == nil || len(evicted) == 0 {
		return
	}
	go func() {
		ctx := context.Background()
		for _, s := range evicted {
			if err := r.opts.Archive.Put(ctx, s.Record()); err != nil {
				log.Errorf(ctx, err, "archive upsert failed", log.KV{K: "session_id", V: s.ID()})
			}
		}
	}()
}

func (r *Registry) lookupLocked(id string) (*Session, bool) {
	if s, ok := r.active[id]; ok {
		return s, true
	}
	for _, e := range r.recent {
		if e.s.ID() == id {
			return e.s, true
		}
	}
	return nil, false
}
