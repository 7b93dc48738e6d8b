package derivative

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/buckket/go-blurhash"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/jtarkowski/albumforge/internal/metrics"
)

const (
	// blurhash component counts; the encoded string length is fixed by these.
	blurhashXComponents = 4
	blurhashYComponents = 3
	// blurhashMaxDim bounds the downsample fed to the encoder; encoding cost
	// grows with pixel count while output fidelity does not.
	blurhashMaxDim = 64
)

// BlurhashStore is the persistence capability the hasher needs.
type BlurhashStore interface {
	SetBlurhash(ctx context.Context, id, hash string) error
}

// Hasher computes the compact perceptual placeholder string for an asset.
// The result lives directly on the asset record; no object-store write is
// involved.
type Hasher struct {
	source *Source
	assets BlurhashStore
	log    zerolog.Logger
}

// NewHasher constructs a Hasher.
func NewHasher(source *Source, assets BlurhashStore, log zerolog.Logger) *Hasher {
	return &Hasher{source: source, assets: assets, log: log}
}

// Generate computes and stores the asset's blurhash. Re-runs overwrite the
// previous value, so redelivery converges on the same end state.
func (h *Hasher) Generate(ctx context.Context, assetID, localPath, objectKey string) error {
	started := time.Now()
	defer func() {
		metrics.DerivativeDuration.WithLabelValues("blurhash").Observe(time.Since(started).Seconds())
	}()

	data, origin, err := h.source.Bytes(ctx, localPath, objectKey)
	if err != nil {
		return err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode source for asset %s: %w", assetID, err)
	}
	small := imaging.Fit(img, blurhashMaxDim, blurhashMaxDim, imaging.Lanczos)
	hash, err := blurhash.Encode(blurhashXComponents, blurhashYComponents, small)
	if err != nil {
		return fmt.Errorf("encode blurhash for asset %s: %w", assetID, err)
	}
	if err := h.assets.SetBlurhash(ctx, assetID, hash); err != nil {
		return err
	}
	h.log.Debug().Str("asset", assetID).Str("origin", origin).Msg("blurhash stored")
	return nil
}
