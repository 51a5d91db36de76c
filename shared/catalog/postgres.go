// Package catalog — Postgres implementation of Recorder (lib/pq).
//
// Schema is applied at startup with CREATE TABLE IF NOT EXISTS; there is no
// migration tool. Works on Postgres and CockroachDB.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS clips (
		key          TEXT PRIMARY KEY,
		captured_at  TIMESTAMPTZ,
		frame_count  INT NOT NULL DEFAULT 0,
		size_bytes   BIGINT NOT NULL DEFAULT 0,
		source       TEXT NOT NULL DEFAULT 'capture',
		merged_from  TEXT[] NOT NULL DEFAULT '{}',
		request_id   TEXT NOT NULL DEFAULT '',
		stored_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS clips_captured_at_idx ON clips (captured_at)`,
}

const upsertClip = `
INSERT INTO clips (key, captured_at, frame_count, size_bytes, source, merged_from, request_id, stored_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (key) DO UPDATE SET
	captured_at = EXCLUDED.captured_at,
	frame_count = EXCLUDED.frame_count,
	size_bytes  = EXCLUDED.size_bytes,
	source      = EXCLUDED.source,
	merged_from = EXCLUDED.merged_from,
	request_id  = EXCLUDED.request_id,
	stored_at   = now()`

const deleteClips = `DELETE FROM clips WHERE key = ANY($1)`

// PostgresRecorder implements Recorder on a *sql.DB opened with the "postgres" driver.
type PostgresRecorder struct {
	db *sql.DB
}

// OpenPostgres opens the database, checks connectivity and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresRecorder, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping catalog db: %w", err)
	}
	r := &PostgresRecorder{db: db}
	if err := r.applySchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *PostgresRecorder) applySchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (r *PostgresRecorder) RecordClip(ctx context.Context, e Entry) error {
	var capturedAt sql.NullTime
	if !e.CapturedAt.IsZero() {
		capturedAt = sql.NullTime{Time: e.CapturedAt.UTC(), Valid: true}
	}
	mergedFrom := e.MergedFrom
	if mergedFrom == nil {
		mergedFrom = []string{}
	}
	source := e.Source
	if source == "" {
		source = SourceCapture
	}
	_, err := r.db.ExecContext(ctx, upsertClip,
		e.Key, capturedAt, e.FrameCount, e.SizeBytes, source, pq.Array(mergedFrom), e.RequestID)
	if err != nil {
		return fmt.Errorf("record clip %s: %w", e.Key, err)
	}
	return nil
}

func (r *PostgresRecorder) RemoveClips(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, deleteClips, pq.Array(keys)); err != nil {
		return fmt.Errorf("remove clips: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) Close() error {
	return r.db.Close()
}

// Open connects the Postgres catalog for dsn, or returns Nop when dsn is empty.
func Open(ctx context.Context, dsn string) (Recorder, error) {
	if dsn == "" {
		return Nop{}, nil
	}
	r, err := OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return r, nil
}
