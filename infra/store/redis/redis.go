// Package redis implements store.Store on Redis. Each record is a hash and
// every kind keeps a set of its keys. Compare-and-swap uses WATCH with a
// MULTI/EXEC pipeline.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/store"
)

// Config locates the Redis server.
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	// Prefix namespaces every key; defaults to "ambulance:".
	Prefix string `json:"prefix"`
}

// Store persists records as Redis hashes.
type Store struct {
	client *redis.Client
	prefix string
}

// Open connects to Redis and checks the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, cfg.Prefix), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "ambulance:"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) recKey(key string) string   { return s.prefix + "rec:" + key }
func (s *Store) kindKey(kind string) string { return s.prefix + "kind:" + kind }

// maxWatchRetries bounds unconditional writes that lose a WATCH race.
const maxWatchRetries = 8

func (s *Store) Put(ctx context.Context, rec store.Record, expectedVersion int64) (store.Record, error) {
	if err := store.Validate(rec, expectedVersion); err != nil {
		return store.Record{}, err
	}
	attrs, err := json.Marshal(rec.Attrs)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode attrs: %w", err)
	}
	rk := s.recKey(rec.Key)
	var out store.Record
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		var actual int64
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGet(ctx, rk, "version").Result()
			exists := true
			switch {
			case errors.Is(err, redis.Nil):
				exists = false
			case err != nil:
				return err
			default:
				if actual, err = strconv.ParseInt(raw, 10, 64); err != nil {
					return fmt.Errorf("parse version of %s: %w", rec.Key, err)
				}
			}
			if err := store.CheckVersion(rec.Key, exists, actual, expectedVersion); err != nil {
				return err
			}
			now := time.Now().UTC()
			out = store.Clone(rec)
			out.Version = actual + 1
			out.UpdatedAt = now
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, rk,
					"kind", rec.Kind,
					"attrs", string(attrs),
					"value", rec.Value,
					"version", out.Version,
					"updated_at", now.UnixNano(),
				)
				pipe.SAdd(ctx, s.kindKey(rec.Kind), rec.Key)
				return nil
			})
			return err
		}, rk)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			if expectedVersion != store.Any {
				return store.Record{}, store.VersionConflict(rec.Key, expectedVersion, actual)
			}
			continue
		case store.IsConflict(err):
			return store.Record{}, err
		default:
			return store.Record{}, apperr.Transient("redis put", err)
		}
	}
	return store.Record{}, apperr.Transient("redis put", fmt.Errorf("%s: too much contention", rec.Key))
}

func (s *Store) Get(ctx context.Context, key string) (store.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recKey(key)).Result()
	if err != nil {
		return store.Record{}, apperr.Transient("redis get", err)
	}
	if len(fields) == 0 {
		return store.Record{}, store.NotFound(key)
	}
	return decode(key, fields)
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Record, error) {
	var keys []string
	var err error
	if q.Kind != "" {
		keys, err = s.client.SMembers(ctx, s.kindKey(q.Kind)).Result()
	} else {
		keys, err = s.allKeys(ctx)
	}
	if err != nil {
		return nil, apperr.Transient("redis query", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, s.recKey(k))
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Transient("redis query", err)
	}
	out := make([]store.Record, 0, len(keys))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decode(keys[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return store.Apply(out, q), nil
}

func (s *Store) allKeys(ctx context.Context) ([]string, error) {
	var keys []string
	prefix := s.recKey("")
	iter := s.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(prefix):])
	}
	return keys, iter.Err()
}

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

func decode(key string, fields map[string]string) (store.Record, error) {
	rec := store.Record{Key: key, Kind: fields["kind"], Value: []byte(fields["value"])}
	if raw := fields["attrs"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &rec.Attrs); err != nil {
			return store.Record{}, fmt.Errorf("decode attrs of %s: %w", key, err)
		}
	}
	var err error
	if rec.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return store.Record{}, fmt.Errorf("decode version of %s: %w", key, err)
	}
	ts, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return store.Record{}, fmt.Errorf("decode updated_at of %s: %w", key, err)
	}
	rec.UpdatedAt = time.Unix(0, ts).UTC()
	return rec, nil
}
