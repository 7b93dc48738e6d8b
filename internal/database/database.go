package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the pipeline tables if needed. Keeping the migration
// in code lets docker-compose bootstrap a working stack with no extra tooling.
// Every persisted field the pipeline touches (fingerprint, sync status,
// progress and log blobs) is modeled here directly.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS albums (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	visible BOOLEAN NOT NULL DEFAULT TRUE,
	fingerprint TEXT NOT NULL DEFAULT '',
	last_sync_at TIMESTAMPTZ,
	last_sync_status TEXT NOT NULL DEFAULT 'pending',
	safe_to_delete_local BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS media_assets (
	id TEXT PRIMARY KEY,
	album_id TEXT NOT NULL REFERENCES albums(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	file_name TEXT NOT NULL,
	local_path TEXT,
	object_key TEXT NOT NULL UNIQUE,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	captured_at TIMESTAMPTZ,
	metadata JSONB,
	blurhash TEXT NOT NULL DEFAULT '',
	uploaded_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (album_id, file_name)
);
CREATE INDEX IF NOT EXISTS idx_media_assets_album ON media_assets(album_id);

CREATE TABLE IF NOT EXISTS thumbnails (
	asset_id TEXT NOT NULL REFERENCES media_assets(id) ON DELETE CASCADE,
	tier TEXT NOT NULL,
	object_key TEXT NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (asset_id, tier)
);

CREATE TABLE IF NOT EXISTS sync_jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	album_filter TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	progress JSONB,
	logs JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
-- Single-flight: at most one pending/running job per sync type.
CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_jobs_singleflight
	ON sync_jobs(type) WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS idx_sync_jobs_created ON sync_jobs(created_at DESC);

CREATE TABLE IF NOT EXISTS queue_items (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload JSONB NOT NULL,
	dedupe_key TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	backoff_base_ms BIGINT NOT NULL DEFAULT 1000,
	not_before TIMESTAMPTZ NOT NULL,
	lease_expires_at TIMESTAMPTZ,
	last_error TEXT,
	enqueued_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_queue_items_dequeue
	ON queue_items(queue, not_before) WHERE status IN ('pending', 'leased');
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_dedupe
	ON queue_items(queue, dedupe_key)
	WHERE status IN ('pending', 'leased') AND dedupe_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS queue_state (
	queue TEXT PRIMARY KEY,
	paused BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL
);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
