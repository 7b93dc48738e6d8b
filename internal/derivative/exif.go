package derivative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"github.com/jtarkowski/albumforge/internal/metrics"
)

// MetadataStore is the persistence capability the extractor needs.
type MetadataStore interface {
	SetMetadata(ctx context.Context, id string, meta json.RawMessage, capturedAt *time.Time) error
}

// Extractor parses embedded EXIF metadata and persists the raw structured
// result. Absence of metadata is not an error; it is recorded explicitly and
// the asset proceeds normally through the rest of the pipeline.
type Extractor struct {
	source *Source
	assets MetadataStore
	log    zerolog.Logger
}

// NewExtractor constructs an Extractor.
func NewExtractor(source *Source, assets MetadataStore, log zerolog.Logger) *Extractor {
	return &Extractor{source: source, assets: assets, log: log}
}

// Generate extracts and stores the asset's metadata and, when present, its
// captured-at timestamp.
func (e *Extractor) Generate(ctx context.Context, assetID, localPath, objectKey string) error {
	started := time.Now()
	defer func() {
		metrics.DerivativeDuration.WithLabelValues("metadata").Observe(time.Since(started).Seconds())
	}()

	data, _, err := e.source.Bytes(ctx, localPath, objectKey)
	if err != nil {
		return err
	}
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		// Not every source carries EXIF; record "no metadata" and move on.
		e.log.Debug().Str("asset", assetID).Msg("no embedded metadata")
		return e.assets.SetMetadata(ctx, assetID, nil, nil)
	}

	fields := make(fieldCollector)
	if err := x.Walk(fields); err != nil {
		return fmt.Errorf("walk metadata for asset %s: %w", assetID, err)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal metadata for asset %s: %w", assetID, err)
	}

	var capturedAt *time.Time
	if dt, err := x.DateTime(); err == nil {
		utc := dt.UTC()
		capturedAt = &utc
	}
	if err := e.assets.SetMetadata(ctx, assetID, raw, capturedAt); err != nil {
		return err
	}
	e.log.Debug().Str("asset", assetID).Int("fields", len(fields)).Msg("metadata stored")
	return nil
}

// fieldCollector gathers every tag into a flat name -> value map.
type fieldCollector map[string]string

func (f fieldCollector) Walk(name exif.FieldName, tag *tiff.Tag) error {
	f[string(name)] = strings.Trim(tag.String(), `"`)
	return nil
}
