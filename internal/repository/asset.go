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

// AssetRepository persists media assets.
type AssetRepository struct {
	pool *pgxpool.Pool
}

// NewAssetRepository constructs a repository.
func NewAssetRepository(pool *pgxpool.Pool) *AssetRepository {
	return &AssetRepository{pool: pool}
}

const assetColumns = `id, album_id, kind, file_name, local_path, object_key, size_bytes,
	captured_at, metadata, blurhash, uploaded_at, created_at, updated_at`

// Create inserts an asset after its confirm-upload step succeeded.
func (r *AssetRepository) Create(ctx context.Context, a *model.MediaAsset) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO media_assets (id, album_id, kind, file_name, local_path, object_key,
			size_bytes, captured_at, metadata, blurhash, uploaded_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, a.ID, a.AlbumID, a.Kind, a.FileName, a.LocalPath, a.ObjectKey, a.SizeBytes,
		a.CapturedAt, a.Metadata, a.Blurhash, a.UploadedAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// Get returns an asset by id.
func (r *AssetRepository) Get(ctx context.Context, id string) (*model.MediaAsset, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM media_assets WHERE id=$1`, id)
	return scanAsset(row)
}

// ListByAlbum returns the album's assets ordered by file name.
func (r *AssetRepository) ListByAlbum(ctx context.Context, albumID string) ([]model.MediaAsset, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+assetColumns+` FROM media_assets WHERE album_id=$1 ORDER BY file_name`, albumID)
	if err != nil {
		return nil, fmt.Errorf("select assets: %w", err)
	}
	defer rows.Close()
	return collectAssets(rows)
}

// CountByAlbum returns how many assets of the given kind the album owns.
func (r *AssetRepository) CountByAlbum(ctx context.Context, albumID string, kind model.AssetKind) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM media_assets WHERE album_id=$1 AND kind=$2`, albumID, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count assets: %w", err)
	}
	return n, nil
}

// SetBlurhash stores the computed blurhash string on the asset.
func (r *AssetRepository) SetBlurhash(ctx context.Context, id, hash string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE media_assets SET blurhash=$2, updated_at=$3 WHERE id=$1`,
		id, hash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update asset blurhash: %w", err)
	}
	return nil
}

// SetMetadata stores the raw extracted metadata and, when available, the
// captured-at timestamp. A nil blob records "no metadata" explicitly.
func (r *AssetRepository) SetMetadata(ctx context.Context, id string, meta json.RawMessage, capturedAt *time.Time) error {
	if meta == nil {
		meta = json.RawMessage(`{}`)
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE media_assets
		SET metadata=$2, captured_at=COALESCE($3, captured_at), updated_at=$4
		WHERE id=$1
	`, id, meta, capturedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update asset metadata: %w", err)
	}
	return nil
}

// MarkUploaded records a verified object-store copy.
func (r *AssetRepository) MarkUploaded(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE media_assets SET uploaded_at=$2, updated_at=$3 WHERE id=$1`,
		id, at, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark asset uploaded: %w", err)
	}
	return nil
}

// ClearLocalPaths drops local path references for an album after its local
// files were deleted by an operator.
func (r *AssetRepository) ClearLocalPaths(ctx context.Context, albumID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE media_assets SET local_path=NULL, updated_at=$2 WHERE album_id=$1`,
		albumID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear asset local paths: %w", err)
	}
	return nil
}

// Delete removes an asset; thumbnails cascade.
func (r *AssetRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM media_assets WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMissingDerivative returns photo assets lacking the named derivative:
// "thumbnail" (no thumbnail row at all), "blurhash" or "metadata".
func (r *AssetRepository) ListMissingDerivative(ctx context.Context, derivative string) ([]model.MediaAsset, error) {
	var where string
	switch derivative {
	case "thumbnail":
		where = `NOT EXISTS (SELECT 1 FROM thumbnails t WHERE t.asset_id = a.id)`
	case "blurhash":
		where = `a.blurhash = ''`
	case "metadata":
		where = `a.metadata IS NULL`
	default:
		return nil, fmt.Errorf("unknown derivative %q", derivative)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+assetColumns+` FROM media_assets a
		WHERE a.kind = 'photo' AND `+where+` ORDER BY a.created_at`)
	if err != nil {
		return nil, fmt.Errorf("select assets missing %s: %w", derivative, err)
	}
	defer rows.Close()
	return collectAssets(rows)
}

// ListPhotos returns every photo asset, used by forced reprocessing.
func (r *AssetRepository) ListPhotos(ctx context.Context) ([]model.MediaAsset, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+assetColumns+` FROM media_assets WHERE kind='photo' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select photo assets: %w", err)
	}
	defer rows.Close()
	return collectAssets(rows)
}

func collectAssets(rows pgx.Rows) ([]model.MediaAsset, error) {
	var out []model.MediaAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAsset(row pgx.Row) (*model.MediaAsset, error) {
	var a model.MediaAsset
	if err := row.Scan(&a.ID, &a.AlbumID, &a.Kind, &a.FileName, &a.LocalPath, &a.ObjectKey,
		&a.SizeBytes, &a.CapturedAt, &a.Metadata, &a.Blurhash, &a.UploadedAt,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan asset: %w", err)
	}
	return &a, nil
}
