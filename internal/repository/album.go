package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jtarkowski/albumforge/internal/model"
)

// AlbumRepository persists album records.
type AlbumRepository struct {
	pool *pgxpool.Pool
}

// NewAlbumRepository constructs a repository.
func NewAlbumRepository(pool *pgxpool.Pool) *AlbumRepository {
	return &AlbumRepository{pool: pool}
}

const albumColumns = `id, path, name, description, enabled, visible, fingerprint,
	last_sync_at, last_sync_status, safe_to_delete_local, created_at, updated_at`

// Create inserts a new album discovered on disk.
func (r *AlbumRepository) Create(ctx context.Context, a *model.Album) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.LastSync == "" {
		a.LastSync = model.SyncPending
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO albums (id, path, name, description, enabled, visible, fingerprint,
			last_sync_at, last_sync_status, safe_to_delete_local, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, a.ID, a.Path, a.Name, a.Description, a.Enabled, a.Visible, a.Fingerprint,
		a.LastSyncAt, a.LastSync, a.SafeToDeleteLocal, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert album: %w", err)
	}
	return nil
}

// Get returns an album by id.
func (r *AlbumRepository) Get(ctx context.Context, id string) (*model.Album, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+albumColumns+` FROM albums WHERE id=$1`, id)
	return scanAlbum(row)
}

// GetByPath returns an album by its filesystem-relative path.
func (r *AlbumRepository) GetByPath(ctx context.Context, path string) (*model.Album, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+albumColumns+` FROM albums WHERE path=$1`, path)
	return scanAlbum(row)
}

// List returns all albums ordered by path.
func (r *AlbumRepository) List(ctx context.Context) ([]model.Album, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+albumColumns+` FROM albums ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("select albums: %w", err)
	}
	defer rows.Close()
	var out []model.Album
	for rows.Next() {
		a, err := scanAlbum(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateSyncResult records the outcome of a reconciliation pass. The
// fingerprint is only rewritten here, after a successful pass, never
// speculatively.
func (r *AlbumRepository) UpdateSyncResult(ctx context.Context, id, fingerprint string, status model.SyncStatus, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE albums
		SET fingerprint = CASE WHEN $2 = '' THEN fingerprint ELSE $2 END,
			last_sync_at = $3,
			last_sync_status = $4,
			updated_at = $5
		WHERE id = $1
	`, id, fingerprint, at, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update album sync result: %w", err)
	}
	return nil
}

// SetSafeToDeleteLocal flips the safe-delete flag.
func (r *AlbumRepository) SetSafeToDeleteLocal(ctx context.Context, id string, safe bool) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE albums SET safe_to_delete_local=$2, updated_at=$3 WHERE id=$1
	`, id, safe, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update album safe-delete flag: %w", err)
	}
	return nil
}

func scanAlbum(row pgx.Row) (*model.Album, error) {
	var a model.Album
	if err := row.Scan(&a.ID, &a.Path, &a.Name, &a.Description, &a.Enabled, &a.Visible,
		&a.Fingerprint, &a.LastSyncAt, &a.LastSync, &a.SafeToDeleteLocal,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan album: %w", err)
	}
	return &a, nil
}
