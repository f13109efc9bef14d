// Package catalog persists metadata about finished recordings in PostgreSQL
// so operators can find files later without walking the output directory.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ryliehm/cassette/internal/recorder"
)

// Schema is the SQL DDL for the recordings table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS recordings (
    id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    scope       TEXT NOT NULL,
    path        TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    ended_at    TIMESTAMPTZ NOT NULL,
    duration_ms BIGINT NOT NULL,
    bytes       BIGINT NOT NULL,
    incomplete  BOOLEAN NOT NULL DEFAULT FALSE,
    speakers    JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_recordings_scope ON recordings(scope, started_at DESC);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Entry is one catalogued recording.
type Entry struct {
	ID         int64                            `json:"id"`
	Scope      string                           `json:"scope"`
	Path       string                           `json:"path"`
	StartedAt  time.Time                        `json:"started_at"`
	EndedAt    time.Time                        `json:"ended_at"`
	Duration   time.Duration                    `json:"duration"`
	Bytes      int64                            `json:"bytes"`
	Incomplete bool                             `json:"incomplete"`
	Speakers   map[string]recorder.SpeakerStats `json:"speakers"`
	CreatedAt  time.Time                        `json:"created_at"`
}

// Store is the PostgreSQL-backed recording catalog. All operations are safe
// for concurrent use.
type Store struct {
	db   DB
	pool *pgxpool.Pool // set when the store owns the pool
}

// New establishes a connection pool to the PostgreSQL database at dsn and
// runs the schema migration. Close releases the pool.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB creates a Store on an existing connection or pool. The caller
// keeps ownership of the connection and is responsible for [Store.Migrate].
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL, creating the recordings table and index
// if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}

// Save inserts one finished recording's summary and returns its catalog ID.
func (s *Store) Save(ctx context.Context, res recorder.Result) (int64, error) {
	speakersJSON, err := json.Marshal(res.Speakers)
	if err != nil {
		return 0, fmt.Errorf("catalog: marshal speakers: %w", err)
	}

	const query = `
		INSERT INTO recordings (scope, path, started_at, ended_at, duration_ms, bytes, incomplete, speakers)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`

	var id int64
	err = s.db.QueryRow(ctx, query,
		res.Scope, res.Path, res.StartedAt, res.EndedAt,
		res.Duration.Milliseconds(), res.Bytes, res.Incomplete, speakersJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("catalog: save: %w", err)
	}
	return id, nil
}

// Recent returns the newest catalogued recordings for a scope, most recent
// first. An empty scope returns recordings across all scopes.
func (s *Store) Recent(ctx context.Context, scope string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	const query = `
		SELECT id, scope, path, started_at, ended_at, duration_ms, bytes, incomplete, speakers, created_at
		FROM recordings
		WHERE ($1 = '' OR scope = $1)
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var durationMS int64
		var speakersJSON []byte
		if err := rows.Scan(
			&e.ID, &e.Scope, &e.Path, &e.StartedAt, &e.EndedAt,
			&durationMS, &e.Bytes, &e.Incomplete, &speakersJSON, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("catalog: scan: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if err := json.Unmarshal(speakersJSON, &e.Speakers); err != nil {
			return nil, fmt.Errorf("catalog: unmarshal speakers: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: recent: %w", err)
	}
	return out, nil
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

// Close releases the connection pool if this store owns one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
