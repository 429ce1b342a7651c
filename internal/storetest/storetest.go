// Package storetest holds the behaviour every store.Store backend must show.
// Backend packages call Run from their tests with a constructor for a fresh,
// empty store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/store"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newStore(t)) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, newStore(t)) })
	t.Run("ConcurrentSwapSingleWinner", func(t *testing.T) { testConcurrentSwap(t, newStore(t)) })
	t.Run("Query", func(t *testing.T) { testQuery(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
}

func testPutGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, err := s.Put(ctx, store.Record{
		Key:   "emergency/e1",
		Kind:  "emergency",
		Attrs: map[string]string{"status": "pending"},
		Value: []byte(`{"id":"e1"}`),
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.False(t, rec.UpdatedAt.IsZero())

	got, err := s.Get(ctx, "emergency/e1")
	require.NoError(t, err)
	assert.Equal(t, "emergency", got.Kind)
	assert.Equal(t, "pending", got.Attrs["status"])
	assert.JSONEq(t, `{"id":"e1"}`, string(got.Value))
	assert.Equal(t, int64(1), got.Version)

	rec, err = s.Put(ctx, store.Record{Key: "emergency/e1", Kind: "emergency", Value: []byte(`{"id":"e1","v":2}`)}, store.Any)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
}

func testCompareAndSwap(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := store.Record{Key: "offer/o1", Kind: "assignment", Value: []byte(`{}`)}
	_, err := s.Put(ctx, rec, 0)
	require.NoError(t, err)

	_, err = s.Put(ctx, rec, 0)
	assert.True(t, store.IsConflict(err), "second create must conflict, got %v", err)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = s.Put(ctx, rec, 5)
	assert.True(t, store.IsConflict(err))

	updated, err := s.Put(ctx, rec, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = s.Put(ctx, rec, 1)
	assert.True(t, store.IsConflict(err), "stale version must conflict")

	_, err = s.Put(ctx, store.Record{Key: "offer/missing", Kind: "assignment", Value: []byte(`{}`)}, 1)
	assert.True(t, store.IsConflict(err))
}

func testConcurrentSwap(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := store.Record{Key: "offer/race", Kind: "assignment", Value: []byte(`{"outcome":"offered"}`)}
	_, err := s.Put(ctx, rec, 0)
	require.NoError(t, err)

	const n = 8
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			r := rec
			r.Value = []byte(fmt.Sprintf(`{"outcome":"accepted","by":%d}`, i))
			_, err := s.Put(ctx, r, 1)
			switch {
			case err == nil:
				wins.Add(1)
			case store.IsConflict(err):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), conflicts.Load())
}

func testQuery(t *testing.T, s store.Store) {
	ctx := context.Background()
	put := func(key, kind, status, created string) {
		_, err := s.Put(ctx, store.Record{
			Key:   key,
			Kind:  kind,
			Attrs: map[string]string{"status": status, "created_at": created},
			Value: []byte(`{}`),
		}, 0)
		require.NoError(t, err)
	}
	put("emergency/e1", "emergency", "pending", "2024-01-01T00:00:01Z")
	put("emergency/e2", "emergency", "completed", "2024-01-01T00:00:02Z")
	put("emergency/e3", "emergency", "pending", "2024-01-01T00:00:03Z")
	put("assignment/a1", "assignment", "pending", "2024-01-01T00:00:00Z")

	got, err := s.Query(ctx, store.Query{Kind: "emergency", Where: map[string]string{"status": "pending"}, OrderBy: "created_at"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "emergency/e1", got[0].Key)
	assert.Equal(t, "emergency/e3", got[1].Key)

	got, err = s.Query(ctx, store.Query{Kind: "emergency", OrderBy: "created_at", Desc: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "emergency/e3", got[0].Key)

	got, err = s.Query(ctx, store.Query{Kind: "hospital"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testNotFound(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), "emergency/none")
	assert.True(t, store.IsNotFound(err), "got %v", err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// Faulty wraps a store and fails the next N calls with a transient error.
type Faulty struct {
	store.Store
	remaining atomic.Int32
	Calls     atomic.Int32
}

// NewFaulty wraps s.
func NewFaulty(s store.Store) *Faulty { return &Faulty{Store: s} }

// FailNext makes the next n operations fail.
func (f *Faulty) FailNext(n int) { f.remaining.Store(int32(n)) }

func (f *Faulty) fault(op string) error {
	f.Calls.Add(1)
	if f.remaining.Load() > 0 && f.remaining.Add(-1) >= 0 {
		return apperr.Transient(op, errInjected)
	}
	return nil
}

func (f *Faulty) Put(ctx context.Context, rec store.Record, v int64) (store.Record, error) {
	if err := f.fault("put"); err != nil {
		return store.Record{}, err
	}
	return f.Store.Put(ctx, rec, v)
}

func (f *Faulty) Get(ctx context.Context, key string) (store.Record, error) {
	if err := f.fault("get"); err != nil {
		return store.Record{}, err
	}
	return f.Store.Get(ctx, key)
}

func (f *Faulty) Query(ctx context.Context, q store.Query) ([]store.Record, error) {
	if err := f.fault("query"); err != nil {
		return nil, err
	}
	return f.Store.Query(ctx, q)
}

var errInjected = errors.New("injected fault")
