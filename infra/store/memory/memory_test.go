package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/store"
	"github.com/kilianp07/ambulance/internal/storetest"
)

func TestMemoryStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestMemoryStoreClosed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, apperr.ErrTransient)
}

func TestMemoryStoreDoesNotAliasValues(t *testing.T) {
	ctx := context.Background()
	s := New()
	val := []byte(`{"a":1}`)
	_, err := s.Put(ctx, store.Record{Key: "k", Kind: "x", Value: val}, store.Any)
	require.NoError(t, err)
	val[0] = 'X'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got.Value))
	assert.Equal(t, 1, s.Len())
}
