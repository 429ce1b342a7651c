package redis

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ambulance/core/store"
	"github.com/kilianp07/ambulance/internal/storetest"
	"github.com/kilianp07/ambulance/internal/testutil"
)

func TestRedisStoreConformance(t *testing.T) {
	addr := testutil.StartRedis(t)
	n := 0
	storetest.Run(t, func(t *testing.T) store.Store {
		n++
		s, err := Open(context.Background(), Config{Addr: addr, Prefix: fmt.Sprintf("test%d:", n)})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
