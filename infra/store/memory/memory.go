// Package memory implements store.Store in process memory. It is the default
// backend for tests and single-node deployments without persistence.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/store"
)

// Store keeps records in a map guarded by a RWMutex.
type Store struct {
	mu     sync.RWMutex
	data   map[string]store.Record
	now    func() time.Time
	closed bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string]store.Record), now: time.Now}
}

func (s *Store) Put(ctx context.Context, rec store.Record, expectedVersion int64) (store.Record, error) {
	if err := store.Validate(rec, expectedVersion); err != nil {
		return store.Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return store.Record{}, apperr.Transient("put", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.Record{}, apperr.Transient("put", errClosed)
	}
	cur, exists := s.data[rec.Key]
	if err := store.CheckVersion(rec.Key, exists, cur.Version, expectedVersion); err != nil {
		return store.Record{}, err
	}
	out := store.Clone(rec)
	out.Version = cur.Version + 1
	out.UpdatedAt = s.now().UTC()
	s.data[rec.Key] = out
	return store.Clone(out), nil
}

func (s *Store) Get(ctx context.Context, key string) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, apperr.Transient("get", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Record{}, apperr.Transient("get", errClosed)
	}
	rec, ok := s.data[key]
	if !ok {
		return store.Record{}, store.NotFound(key)
	}
	return store.Clone(rec), nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transient("query", err)
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, apperr.Transient("query", errClosed)
	}
	all := make([]store.Record, 0, len(s.data))
	for _, rec := range s.data {
		if store.Match(rec, q) {
			all = append(all, store.Clone(rec))
		}
	}
	s.mu.RUnlock()
	return store.Apply(all, q), nil
}

// Close marks the store closed; later calls fail as transient errors.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

type closedError struct{}

func (closedError) Error() string { return "store closed" }

var errClosed error = closedError{}
