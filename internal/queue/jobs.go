package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Task kinds carried on the named queues.
const (
	// Derivative fan-out, one independent job per derivative type.
	TaskThumbnail = "derivative:thumbnail"
	TaskBlurhash  = "derivative:blurhash"
	TaskMetadata  = "derivative:metadata"

	// Sync runs. Never retried by the queue: re-running a sync is itself
	// the recovery mechanism.
	TaskFilesystemScan    = "sync:filesystem-scan"
	TaskObjectStoreVerify = "sync:object-store-verify"
)

const (
	derivativeMaxAttempts = 3
	derivativeBackoffBase = time.Second
)

// DerivativePayload is serialized into derivative tasks so the worker knows
// which asset to process and where its source bytes might live.
type DerivativePayload struct {
	AssetID   string `json:"asset_id"`
	LocalPath string `json:"local_path,omitempty"`
	ObjectKey string `json:"object_key"`
}

// SyncPayload is serialized into sync tasks.
type SyncPayload struct {
	SyncJobID   string `json:"sync_job_id"`
	AlbumFilter string `json:"album_filter,omitempty"`
}

// EnqueueDerivative enqueues one derivative job for an asset. The dedupe key
// collapses repeated fan-outs for the same (asset, derivative) while one is
// still in flight.
func EnqueueDerivative(ctx context.Context, q Queue, kind string, payload DerivativePayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal derivative payload: %w", err)
	}
	id, err := q.Enqueue(ctx, Derivatives, kind, data, Options{
		MaxAttempts: derivativeMaxAttempts,
		BackoffBase: derivativeBackoffBase,
		DedupeKey:   kind + ":" + payload.AssetID,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s for asset %s: %w", kind, payload.AssetID, err)
	}
	return id, nil
}

// EnqueueFanOut enqueues the full derivative set (thumbnail, blurhash,
// metadata) for an asset. The jobs are independent and may complete in any
// order.
func EnqueueFanOut(ctx context.Context, q Queue, payload DerivativePayload) error {
	for _, kind := range []string{TaskThumbnail, TaskBlurhash, TaskMetadata} {
		if _, err := EnqueueDerivative(ctx, q, kind, payload); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueSync enqueues a sync run with a single delivery attempt.
func EnqueueSync(ctx context.Context, q Queue, kind string, payload SyncPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal sync payload: %w", err)
	}
	id, err := q.Enqueue(ctx, Sync, kind, data, Options{MaxAttempts: 1})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return id, nil
}
