// Package postgres implements store.Store on PostgreSQL through a pgx
// connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS dispatch_records (
	key TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	attrs JSONB NOT NULL DEFAULT '{}',
	value BYTEA,
	version BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_records_kind ON dispatch_records(kind);
`

// Config configures the pool.
type Config struct {
	DSN      string `json:"dsn"`
	MaxConns int32  `json:"max_conns"`
}

// Store persists records in the dispatch_records table.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database and ensures the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Put(ctx context.Context, rec store.Record, expectedVersion int64) (store.Record, error) {
	if err := store.Validate(rec, expectedVersion); err != nil {
		return store.Record{}, err
	}
	attrs := rec.Attrs
	if attrs == nil {
		attrs = map[string]string{}
	}
	now := time.Now().UTC()
	var (
		row pgx.Row
	)
	switch expectedVersion {
	case store.Any:
		row = s.pool.QueryRow(ctx, `
			INSERT INTO dispatch_records (key, kind, attrs, value, version, updated_at) VALUES ($1, $2, $3, $4, 1, $5)
			ON CONFLICT (key) DO UPDATE SET kind = EXCLUDED.kind, attrs = EXCLUDED.attrs, value = EXCLUDED.value,
				version = dispatch_records.version + 1, updated_at = EXCLUDED.updated_at
			RETURNING version`,
			rec.Key, rec.Kind, attrs, rec.Value, now)
	case 0:
		row = s.pool.QueryRow(ctx, `
			INSERT INTO dispatch_records (key, kind, attrs, value, version, updated_at) VALUES ($1, $2, $3, $4, 1, $5)
			ON CONFLICT (key) DO NOTHING
			RETURNING version`,
			rec.Key, rec.Kind, attrs, rec.Value, now)
	default:
		row = s.pool.QueryRow(ctx, `
			UPDATE dispatch_records SET kind = $2, attrs = $3, value = $4, version = version + 1, updated_at = $5
			WHERE key = $1 AND version = $6
			RETURNING version`,
			rec.Key, rec.Kind, attrs, rec.Value, now, expectedVersion)
	}
	var version int64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Record{}, s.conflict(ctx, rec.Key, expectedVersion)
		}
		return store.Record{}, apperr.Transient("postgres put", err)
	}
	out := store.Clone(rec)
	out.Version = version
	out.UpdatedAt = now
	return out, nil
}

func (s *Store) conflict(ctx context.Context, key string, expected int64) error {
	var actual int64
	err := s.pool.QueryRow(ctx, `SELECT version FROM dispatch_records WHERE key = $1`, key).Scan(&actual)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return apperr.Transient("postgres put", err)
	}
	return store.VersionConflict(key, expected, actual)
}

func (s *Store) Get(ctx context.Context, key string) (store.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT key, kind, attrs, value, version, updated_at FROM dispatch_records WHERE key = $1`, key)
	rec, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.NotFound(key)
	}
	if err != nil {
		return store.Record{}, apperr.Transient("postgres get", err)
	}
	return rec, nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Record, error) {
	clauses := []string{"TRUE"}
	var args []any
	if q.Kind != "" {
		args = append(args, q.Kind)
		clauses = append(clauses, fmt.Sprintf("kind = $%d", len(args)))
	}
	for k, v := range q.Where {
		args = append(args, k, v)
		clauses = append(clauses, fmt.Sprintf("attrs->>($%d::text) = $%d::text", len(args)-1, len(args)))
	}
	rows, err := s.pool.Query(ctx,
		`SELECT key, kind, attrs, value, version, updated_at FROM dispatch_records WHERE `+strings.Join(clauses, " AND "), args...)
	if err != nil {
		return nil, apperr.Transient("postgres query", err)
	}
	defer rows.Close()
	var out []store.Record
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, apperr.Transient("postgres query", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("postgres query", err)
	}
	return store.Apply(out, q), nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scan(row pgx.Row) (store.Record, error) {
	var rec store.Record
	if err := row.Scan(&rec.Key, &rec.Kind, &rec.Attrs, &rec.Value, &rec.Version, &rec.UpdatedAt); err != nil {
		return store.Record{}, err
	}
	if len(rec.Attrs) == 0 {
		rec.Attrs = nil
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}
