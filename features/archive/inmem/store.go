// Package inmem provides an in-memory session archive. It backs tests and
// single-process deployments that do not configure MongoDB.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/inquestlabs/inquest/runtime/session"
)

// Store is an in-memory session.Archive. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	recs map[string]session.Record
}

// New returns an empty Store.
func New() *Store {
	return &Store{recs: make(map[string]session.Record)}
}

// Get returns the archived record, or session.ErrNotFound.
func (s *Store) Get(_ context.Context, id string) (session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return session.Record{}, session.ErrNotFound
	}
	return rec, nil
}

// List returns archived records, optionally filtered by scenario, newest
// first.
func (s *Store) List(_ context.Context, scenario string) ([]session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]session.Record, 0, len(s.recs))
	for _, rec := range s.recs {
		if scenario == "" || rec.Scenario == scenario {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Put inserts or replaces the record.
func (s *Store) Put(_ context.Context, rec session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	return nil
}

// Delete removes the record. Returns session.ErrNotFound when absent.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return session.ErrNotFound
	}
	delete(s.recs, id)
	return nil
}
