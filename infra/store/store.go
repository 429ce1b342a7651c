// Package store registers the store backends with the core backend registry.
// Importing it for side effects makes every backend selectable from
// configuration.
package store

import (
	"context"
	"time"

	"github.com/kilianp07/ambulance/core/factory"
	corestore "github.com/kilianp07/ambulance/core/store"
	"github.com/kilianp07/ambulance/infra/store/memory"
	"github.com/kilianp07/ambulance/infra/store/mongo"
	"github.com/kilianp07/ambulance/infra/store/postgres"
	"github.com/kilianp07/ambulance/infra/store/redis"
	"github.com/kilianp07/ambulance/infra/store/sqlite"
)

// connectTimeout bounds backend connection at startup.
const connectTimeout = 15 * time.Second

func init() {
	_ = corestore.RegisterBackend("memory", func(map[string]any) (corestore.Store, error) {
		return memory.New(), nil
	})

	_ = corestore.RegisterBackend("sqlite", func(conf map[string]any) (corestore.Store, error) {
		var c struct {
			Path string `json:"path"`
		}
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		if c.Path == "" {
			c.Path = "dispatch.db"
		}
		return sqlite.Open(c.Path)
	})

	_ = corestore.RegisterBackend("postgres", func(conf map[string]any) (corestore.Store, error) {
		var c postgres.Config
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		return postgres.Open(ctx, c)
	})

	_ = corestore.RegisterBackend("redis", func(conf map[string]any) (corestore.Store, error) {
		var c redis.Config
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		return redis.Open(ctx, c)
	})

	_ = corestore.RegisterBackend("mongo", func(conf map[string]any) (corestore.Store, error) {
		var c mongo.Config
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		return mongo.Open(ctx, c)
	})
}
