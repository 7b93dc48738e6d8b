package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jtarkowski/albumforge/internal/model"
)

// SyncJobRepository persists sync run records, including the serialized
// per-album progress and log blobs.
type SyncJobRepository struct {
	pool *pgxpool.Pool
}

// NewSyncJobRepository constructs a repository.
func NewSyncJobRepository(pool *pgxpool.Pool) *SyncJobRepository {
	return &SyncJobRepository{pool: pool}
}

// CreateExclusive inserts a new pending job unless one of the same type is
// already pending or running, in which case ErrSyncAlreadyRunning is
// returned. The partial unique index on sync_jobs enforces the single-flight
// guarantee even across concurrent triggers.
func (r *SyncJobRepository) CreateExclusive(ctx context.Context, j *model.SyncJob) error {
	now := time.Now().UTC()
	j.Status = model.SyncPending
	j.CreatedAt = now
	j.UpdatedAt = now
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO sync_jobs (id, type, status, album_filter, progress, logs, created_at, updated_at)
		VALUES ($1,$2,$3,$4,'{}','[]',$5,$6)
		ON CONFLICT (type) WHERE status IN ('pending', 'running') DO NOTHING
	`, j.ID, j.Type, j.Status, j.AlbumFilter, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert sync job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSyncAlreadyRunning
	}
	return nil
}

// Get returns a job by id.
func (r *SyncJobRepository) Get(ctx context.Context, id string) (*model.SyncJob, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, type, status, album_filter, started_at, completed_at, progress, logs, created_at, updated_at
		FROM sync_jobs WHERE id=$1
	`, id)
	return scanSyncJob(row)
}

// Latest returns the most recent job of the given type, or of any type when
// jobType is empty.
func (r *SyncJobRepository) Latest(ctx context.Context, jobType model.SyncJobType) (*model.SyncJob, error) {
	query := `
		SELECT id, type, status, album_filter, started_at, completed_at, progress, logs, created_at, updated_at
		FROM sync_jobs`
	var row pgx.Row
	if jobType == "" {
		row = r.pool.QueryRow(ctx, query+` ORDER BY created_at DESC LIMIT 1`)
	} else {
		row = r.pool.QueryRow(ctx, query+` WHERE type=$1 ORDER BY created_at DESC LIMIT 1`, jobType)
	}
	return scanSyncJob(row)
}

// MarkRunning transitions pending -> running. Terminal jobs are left alone:
// transitions are monotonic.
func (r *SyncJobRepository) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE sync_jobs SET status='running', started_at=$2, updated_at=$2
		WHERE id=$1 AND status='pending'
	`, id, now)
	if err != nil {
		return fmt.Errorf("mark sync job running: %w", err)
	}
	return nil
}

// MarkFinished transitions a non-terminal job to completed or failed.
func (r *SyncJobRepository) MarkFinished(ctx context.Context, id string, status model.SyncStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("non-terminal status %q", status)
	}
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE sync_jobs SET status=$2, completed_at=$3, updated_at=$3
		WHERE id=$1 AND status IN ('pending', 'running')
	`, id, status, now)
	if err != nil {
		return fmt.Errorf("mark sync job finished: %w", err)
	}
	return nil
}

// SetProgress replaces one album's progress entry inside the progress blob.
func (r *SyncJobRepository) SetProgress(ctx context.Context, id string, p model.AlbumProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE sync_jobs
		SET progress = jsonb_set(COALESCE(progress, '{}'::jsonb), ARRAY[$2::text], $3::jsonb),
			updated_at = $4
		WHERE id=$1
	`, id, p.Path, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update sync job progress: %w", err)
	}
	return nil
}

// AppendLog appends structured log lines to the job's audit log.
func (r *SyncJobRepository) AppendLog(ctx context.Context, id string, lines ...model.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("marshal log lines: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE sync_jobs
		SET logs = COALESCE(logs, '[]'::jsonb) || $2::jsonb, updated_at = $3
		WHERE id=$1
	`, id, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append sync job log: %w", err)
	}
	return nil
}

func scanSyncJob(row pgx.Row) (*model.SyncJob, error) {
	var (
		j        model.SyncJob
		progress []byte
		logs     []byte
	)
	if err := row.Scan(&j.ID, &j.Type, &j.Status, &j.AlbumFilter, &j.StartedAt,
		&j.CompletedAt, &progress, &logs, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan sync job: %w", err)
	}
	// Progress and log blobs are internal-format text; legacy or corrupt
	// content degrades to empty rather than erroring.
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &j.Progress); err != nil {
			j.Progress = nil
		}
	}
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &j.Logs); err != nil {
			j.Logs = nil
		}
	}
	return &j, nil
}
