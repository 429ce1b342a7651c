package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ambulance/core/store"
	"github.com/kilianp07/ambulance/internal/storetest"
	"github.com/kilianp07/ambulance/internal/testutil"
)

func TestPostgresStoreConformance(t *testing.T) {
	dsn := testutil.StartPostgres(t)
	ctx := context.Background()
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(ctx, Config{DSN: dsn})
		require.NoError(t, err)
		_, err = s.pool.Exec(ctx, `TRUNCATE dispatch_records`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
