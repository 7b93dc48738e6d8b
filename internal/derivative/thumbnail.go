package derivative

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/jtarkowski/albumforge/internal/metrics"
	"github.com/jtarkowski/albumforge/internal/model"
	"github.com/jtarkowski/albumforge/internal/objectstore"
)

// TierSpec pins one named size tier to its bounding box.
type TierSpec struct {
	Tier model.ThumbnailTier
	Box  int
}

// DefaultTiers returns the fixed tier set.
func DefaultTiers() []TierSpec {
	return []TierSpec{
		{Tier: model.TierSmall, Box: 256},
		{Tier: model.TierMedium, Box: 768},
		{Tier: model.TierLarge, Box: 1600},
	}
}

// ThumbnailStore is the persistence capability the generator needs.
type ThumbnailStore interface {
	Upsert(ctx context.Context, t *model.Thumbnail) error
}

// Thumbnailer renders the tiered thumbnail set for an asset.
type Thumbnailer struct {
	source  *Source
	store   objectstore.Gateway
	records ThumbnailStore
	tiers   []TierSpec
	quality int
	log     zerolog.Logger
}

// NewThumbnailer constructs a Thumbnailer with the default tier set.
func NewThumbnailer(source *Source, store objectstore.Gateway, records ThumbnailStore, quality int, log zerolog.Logger) *Thumbnailer {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &Thumbnailer{
		source:  source,
		store:   store,
		records: records,
		tiers:   DefaultTiers(),
		quality: quality,
		log:     log,
	}
}

// Generate renders every tier for the asset. Orientation metadata is applied
// before measuring so persisted dimensions reflect the final visual
// orientation; no tier ever upscales beyond the original. A tier failing
// does not abort the others; the job succeeds when at least one tier was
// produced and recorded.
func (t *Thumbnailer) Generate(ctx context.Context, assetID, localPath, objectKey string) error {
	started := time.Now()
	defer func() {
		metrics.DerivativeDuration.WithLabelValues("thumbnail").Observe(time.Since(started).Seconds())
	}()

	data, origin, err := t.source.Bytes(ctx, localPath, objectKey)
	if err != nil {
		return err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode source for asset %s: %w", assetID, err)
	}

	succeeded := 0
	var lastErr error
	for _, spec := range t.tiers {
		// Fit scales down to the bounding box preserving aspect ratio and
		// leaves smaller originals untouched.
		thumb := imaging.Fit(img, spec.Box, spec.Box, imaging.Lanczos)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: t.quality}); err != nil {
			lastErr = fmt.Errorf("encode %s tier: %w", spec.Tier, err)
			t.tierFailed(assetID, spec.Tier, lastErr)
			continue
		}
		key := DerivedKey(objectKey, string(spec.Tier))
		if err := t.store.Put(ctx, key, buf.Bytes(), "image/jpeg"); err != nil {
			lastErr = fmt.Errorf("upload %s tier: %w", spec.Tier, err)
			t.tierFailed(assetID, spec.Tier, lastErr)
			continue
		}
		bounds := thumb.Bounds()
		if err := t.records.Upsert(ctx, &model.Thumbnail{
			AssetID:   assetID,
			Tier:      spec.Tier,
			ObjectKey: key,
			Width:     bounds.Dx(),
			Height:    bounds.Dy(),
		}); err != nil {
			lastErr = fmt.Errorf("record %s tier: %w", spec.Tier, err)
			t.tierFailed(assetID, spec.Tier, lastErr)
			continue
		}
		metrics.ThumbnailTiersTotal.WithLabelValues(string(spec.Tier), "ok").Inc()
		succeeded++
	}

	if succeeded == 0 {
		return fmt.Errorf("all thumbnail tiers failed for asset %s: %w", assetID, lastErr)
	}
	t.log.Debug().
		Str("asset", assetID).
		Str("origin", origin).
		Int("tiers", succeeded).
		Msg("thumbnails generated")
	return nil
}

func (t *Thumbnailer) tierFailed(assetID string, tier model.ThumbnailTier, err error) {
	metrics.ThumbnailTiersTotal.WithLabelValues(string(tier), "error").Inc()
	t.log.Warn().Str("asset", assetID).Str("tier", string(tier)).Err(err).Msg("thumbnail tier failed")
}

// DerivedKey builds the object key for a derivative: the original key with
// its extension replaced by a suffix, e.g. "a/b.jpg" -> "a/b_small.jpg".
func DerivedKey(objectKey, suffix string) string {
	base := strings.TrimSuffix(objectKey, filepath.Ext(objectKey))
	return fmt.Sprintf("%s_%s.jpg", base, suffix)
}
