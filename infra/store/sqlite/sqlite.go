// Package sqlite implements store.Store on an embedded SQLite database using
// the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	key TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	attrs TEXT NOT NULL DEFAULT '{}',
	value BLOB,
	version INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
`

// Store persists records in a single SQLite table.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps ":memory:"
	// databases shared between calls.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Put(ctx context.Context, rec store.Record, expectedVersion int64) (store.Record, error) {
	if err := store.Validate(rec, expectedVersion); err != nil {
		return store.Record{}, err
	}
	attrs, err := encodeAttrs(rec.Attrs)
	if err != nil {
		return store.Record{}, err
	}
	now := time.Now().UTC()
	var version int64
	switch expectedVersion {
	case store.Any:
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO records (key, kind, attrs, value, version, updated_at) VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT(key) DO UPDATE SET kind = excluded.kind, attrs = excluded.attrs, value = excluded.value,
				version = records.version + 1, updated_at = excluded.updated_at
			RETURNING version`,
			rec.Key, rec.Kind, attrs, rec.Value, now.UnixNano()).Scan(&version)
		if err != nil {
			return store.Record{}, apperr.Transient("sqlite put", err)
		}
	case 0:
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO records (key, kind, attrs, value, version, updated_at) VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT(key) DO NOTHING`,
			rec.Key, rec.Kind, attrs, rec.Value, now.UnixNano())
		if err != nil {
			return store.Record{}, apperr.Transient("sqlite put", err)
		}
		if err := s.checkAffected(ctx, res, rec.Key, expectedVersion); err != nil {
			return store.Record{}, err
		}
		version = 1
	default:
		res, err := s.db.ExecContext(ctx, `
			UPDATE records SET kind = ?, attrs = ?, value = ?, version = version + 1, updated_at = ?
			WHERE key = ? AND version = ?`,
			rec.Kind, attrs, rec.Value, now.UnixNano(), rec.Key, expectedVersion)
		if err != nil {
			return store.Record{}, apperr.Transient("sqlite put", err)
		}
		if err := s.checkAffected(ctx, res, rec.Key, expectedVersion); err != nil {
			return store.Record{}, err
		}
		version = expectedVersion + 1
	}
	out := store.Clone(rec)
	out.Version = version
	out.UpdatedAt = now
	return out, nil
}

func (s *Store) checkAffected(ctx context.Context, res sql.Result, key string, expected int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Transient("sqlite put", err)
	}
	if n == 1 {
		return nil
	}
	var actual int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM records WHERE key = ?`, key).Scan(&actual)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return apperr.Transient("sqlite put", err)
	}
	return store.VersionConflict(key, expected, actual)
}

func (s *Store) Get(ctx context.Context, key string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, kind, attrs, value, version, updated_at FROM records WHERE key = ?`, key)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.NotFound(key)
	}
	if err != nil {
		return store.Record{}, apperr.Transient("sqlite get", err)
	}
	return rec, nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Record, error) {
	var (
		clauses = []string{"1=1"}
		args    []any
	)
	if q.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, q.Kind)
	}
	for k, v := range q.Where {
		if !store.ValidAttr(k) {
			return nil, apperr.Validationf("invalid attribute name %q", k)
		}
		clauses = append(clauses, fmt.Sprintf("json_extract(attrs, '$.%s') = ?", k))
		args = append(args, v)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, kind, attrs, value, version, updated_at FROM records WHERE `+strings.Join(clauses, " AND "), args...)
	if err != nil {
		return nil, apperr.Transient("sqlite query", err)
	}
	defer func() { _ = rows.Close() }()
	var out []store.Record
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, apperr.Transient("sqlite query", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("sqlite query", err)
	}
	return store.Apply(out, q), nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (store.Record, error) {
	var (
		rec   store.Record
		attrs string
		ts    int64
	)
	if err := row.Scan(&rec.Key, &rec.Kind, &attrs, &rec.Value, &rec.Version, &ts); err != nil {
		return store.Record{}, err
	}
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &rec.Attrs); err != nil {
			return store.Record{}, fmt.Errorf("decode attrs of %s: %w", rec.Key, err)
		}
	}
	rec.UpdatedAt = time.Unix(0, ts).UTC()
	return rec, nil
}

func encodeAttrs(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attrs: %w", err)
	}
	return string(b), nil
}
