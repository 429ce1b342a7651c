package mongo

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ambulance/core/store"
	"github.com/kilianp07/ambulance/internal/storetest"
	"github.com/kilianp07/ambulance/internal/testutil"
)

func TestMongoStoreConformance(t *testing.T) {
	uri := testutil.StartMongo(t)
	n := 0
	storetest.Run(t, func(t *testing.T) store.Store {
		n++
		s, err := Open(context.Background(), Config{URI: uri, Database: "dispatch_test", Collection: fmt.Sprintf("records_%d", n)})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
