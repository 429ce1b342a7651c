package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ambulance/core/factory"
	corestore "github.com/kilianp07/ambulance/core/store"
	"github.com/kilianp07/ambulance/infra/store/memory"
	"github.com/kilianp07/ambulance/infra/store/sqlite"
)

func TestBackendsRegistered(t *testing.T) {
	assert.Equal(t, []string{"memory", "mongo", "postgres", "redis", "sqlite"}, corestore.Backends())
}

func TestOpenDefaultsToMemory(t *testing.T) {
	s, err := corestore.Open(factory.ModuleConfig{})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, s)
}

func TestOpenSQLiteFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.db")
	s, err := corestore.Open(factory.ModuleConfig{Type: "sqlite", Conf: map[string]any{"path": path}})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.IsType(t, &sqlite.Store{}, s)
}
