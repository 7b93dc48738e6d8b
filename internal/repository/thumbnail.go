package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jtarkowski/albumforge/internal/model"
)

// ThumbnailRepository persists generated thumbnail records.
type ThumbnailRepository struct {
	pool *pgxpool.Pool
}

// NewThumbnailRepository constructs a repository.
func NewThumbnailRepository(pool *pgxpool.Pool) *ThumbnailRepository {
	return &ThumbnailRepository{pool: pool}
}

// Upsert records a generated thumbnail. The (asset, tier) primary key makes
// redelivered jobs overwrite rather than duplicate.
func (r *ThumbnailRepository) Upsert(ctx context.Context, t *model.Thumbnail) error {
	t.CreatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO thumbnails (asset_id, tier, object_key, width, height, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (asset_id, tier) DO UPDATE
		SET object_key=EXCLUDED.object_key, width=EXCLUDED.width,
			height=EXCLUDED.height, created_at=EXCLUDED.created_at
	`, t.AssetID, t.Tier, t.ObjectKey, t.Width, t.Height, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert thumbnail: %w", err)
	}
	return nil
}

// ListByAsset returns the asset's thumbnails, smallest tier first.
func (r *ThumbnailRepository) ListByAsset(ctx context.Context, assetID string) ([]model.Thumbnail, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT asset_id, tier, object_key, width, height, created_at
		FROM thumbnails WHERE asset_id=$1 ORDER BY width
	`, assetID)
	if err != nil {
		return nil, fmt.Errorf("select thumbnails: %w", err)
	}
	defer rows.Close()
	var out []model.Thumbnail
	for rows.Next() {
		var t model.Thumbnail
		if err := rows.Scan(&t.AssetID, &t.Tier, &t.ObjectKey, &t.Width, &t.Height, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thumbnail: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
