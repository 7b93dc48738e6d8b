package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jtarkowski/albumforge/internal/derivative"
	"github.com/jtarkowski/albumforge/internal/model"
	"github.com/jtarkowski/albumforge/internal/queue"
	"github.com/jtarkowski/albumforge/internal/repository"
)

// Generator produces one derivative for an asset. Satisfied by the thumbnail,
// blurhash and metadata generators.
type Generator interface {
	Generate(ctx context.Context, assetID, localPath, objectKey string) error
}

// AssetGetter loads the current asset record so handlers work from live state
// rather than whatever the payload carried at enqueue time.
type AssetGetter interface {
	Get(ctx context.Context, id string) (*model.MediaAsset, error)
}

// SyncRunner executes sync runs on behalf of the sync queue.
type SyncRunner interface {
	RunScan(ctx context.Context, syncJobID, albumFilter string) error
	RunVerify(ctx context.Context, syncJobID, albumFilter string) error
}

// Processor owns the task handlers and wires them into a Mux.
type Processor struct {
	assets      AssetGetter
	thumbnailer Generator
	hasher      Generator
	extractor   Generator
	sync        SyncRunner
	log         zerolog.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(assets AssetGetter, thumbnailer, hasher, extractor Generator, sync SyncRunner, log zerolog.Logger) *Processor {
	return &Processor{
		assets:      assets,
		thumbnailer: thumbnailer,
		hasher:      hasher,
		extractor:   extractor,
		sync:        sync,
		log:         log,
	}
}

// Mux returns the handler table for every task kind the pipeline enqueues.
func (p *Processor) Mux() *Mux {
	m := NewMux()
	m.HandleFunc(queue.TaskThumbnail, p.derivativeHandler("thumbnail", p.thumbnailer))
	m.HandleFunc(queue.TaskBlurhash, p.derivativeHandler("blurhash", p.hasher))
	m.HandleFunc(queue.TaskMetadata, p.derivativeHandler("metadata", p.extractor))
	m.HandleFunc(queue.TaskFilesystemScan, p.handleFilesystemScan)
	m.HandleFunc(queue.TaskObjectStoreVerify, p.handleObjectStoreVerify)
	return m
}

func (p *Processor) derivativeHandler(kind string, gen Generator) HandlerFunc {
	return func(ctx context.Context, item *queue.Item) error {
		var payload queue.DerivativePayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", kind, err)
		}

		asset, err := p.assets.Get(ctx, payload.AssetID)
		if errors.Is(err, repository.ErrNotFound) {
			// Asset was deleted after the job was enqueued; nothing to do.
			p.log.Info().Str("asset", payload.AssetID).Str("kind", kind).Msg("asset gone, skipping derivative")
			return nil
		}
		if err != nil {
			return fmt.Errorf("load asset %s: %w", payload.AssetID, err)
		}

		localPath := ""
		if asset.LocalPath != nil {
			localPath = *asset.LocalPath
		}

		err = gen.Generate(ctx, asset.ID, localPath, asset.ObjectKey)
		if errors.Is(err, derivative.ErrSourceMissing) {
			// Retrying cannot conjure bytes that exist nowhere. Complete the
			// job; the next reconciliation surfaces the asset as an orphan.
			p.log.Error().
				Str("asset", asset.ID).
				Str("kind", kind).
				Str("object_key", asset.ObjectKey).
				Msg("source bytes missing locally and in object store")
			return nil
		}
		if err != nil {
			return fmt.Errorf("generate %s for asset %s: %w", kind, asset.ID, err)
		}
		return nil
	}
}

func (p *Processor) handleFilesystemScan(ctx context.Context, item *queue.Item) error {
	payload, err := decodeSyncPayload(item)
	if err != nil {
		return err
	}
	return p.sync.RunScan(ctx, payload.SyncJobID, payload.AlbumFilter)
}

func (p *Processor) handleObjectStoreVerify(ctx context.Context, item *queue.Item) error {
	payload, err := decodeSyncPayload(item)
	if err != nil {
		return err
	}
	return p.sync.RunVerify(ctx, payload.SyncJobID, payload.AlbumFilter)
}

func decodeSyncPayload(item *queue.Item) (queue.SyncPayload, error) {
	var payload queue.SyncPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode sync payload: %w", err)
	}
	return payload, nil
}
