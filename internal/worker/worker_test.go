package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jtarkowski/albumforge/internal/derivative"
	"github.com/jtarkowski/albumforge/internal/model"
	"github.com/jtarkowski/albumforge/internal/queue"
	"github.com/jtarkowski/albumforge/internal/repository"
)

type fakeGenerator struct {
	calls []string // assetID|localPath|objectKey
	err   error
}

func (f *fakeGenerator) Generate(_ context.Context, assetID, localPath, objectKey string) error {
	f.calls = append(f.calls, assetID+"|"+localPath+"|"+objectKey)
	return f.err
}

type fakeAssetGetter struct {
	asset *model.MediaAsset
}

func (f *fakeAssetGetter) Get(_ context.Context, id string) (*model.MediaAsset, error) {
	if f.asset == nil || f.asset.ID != id {
		return nil, repository.ErrNotFound
	}
	cp := *f.asset
	return &cp, nil
}

type fakeSyncRunner struct {
	scans    []string
	verifies []string
}

func (f *fakeSyncRunner) RunScan(_ context.Context, id, filter string) error {
	f.scans = append(f.scans, id+"|"+filter)
	return nil
}

func (f *fakeSyncRunner) RunVerify(_ context.Context, id, filter string) error {
	f.verifies = append(f.verifies, id+"|"+filter)
	return nil
}

func derivativeItem(t *testing.T, kind, assetID string) *queue.Item {
	t.Helper()
	payload, err := json.Marshal(queue.DerivativePayload{AssetID: assetID, ObjectKey: "stale/key.jpg"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.Item{ID: "item-1", Queue: queue.Derivatives, Kind: kind, Payload: payload}
}

func TestMuxRejectsUnknownKind(t *testing.T) {
	m := NewMux()
	err := m.Handle(context.Background(), &queue.Item{Kind: "derivative:unknown"})
	if err == nil {
		t.Fatalf("expected an error for an unregistered kind")
	}
}

func TestDerivativeHandlerUsesLiveAssetState(t *testing.T) {
	ctx := context.Background()
	local := "/media/family/a.jpg"
	gen := &fakeGenerator{}
	p := NewProcessor(
		&fakeAssetGetter{asset: &model.MediaAsset{ID: "ast-1", LocalPath: &local, ObjectKey: "family/a.jpg"}},
		gen, &fakeGenerator{}, &fakeGenerator{}, &fakeSyncRunner{}, zerolog.Nop(),
	)

	// The payload carries a stale object key; the handler must use the
	// record's current one.
	if err := p.Mux().Handle(ctx, derivativeItem(t, queue.TaskThumbnail, "ast-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(gen.calls) != 1 || gen.calls[0] != "ast-1|/media/family/a.jpg|family/a.jpg" {
		t.Fatalf("unexpected generator invocation: %v", gen.calls)
	}
}

func TestDerivativeHandlerSkipsDeletedAsset(t *testing.T) {
	gen := &fakeGenerator{}
	p := NewProcessor(&fakeAssetGetter{}, gen, gen, gen, &fakeSyncRunner{}, zerolog.Nop())

	if err := p.Mux().Handle(context.Background(), derivativeItem(t, queue.TaskBlurhash, "ast-gone")); err != nil {
		t.Fatalf("deleted asset should complete the job, got %v", err)
	}
	if len(gen.calls) != 0 {
		t.Fatalf("generator must not run for a deleted asset")
	}
}

func TestDerivativeHandlerCompletesOnMissingSource(t *testing.T) {
	gen := &fakeGenerator{err: derivative.ErrSourceMissing}
	p := NewProcessor(
		&fakeAssetGetter{asset: &model.MediaAsset{ID: "ast-1", ObjectKey: "family/a.jpg"}},
		gen, gen, gen, &fakeSyncRunner{}, zerolog.Nop(),
	)

	// Retrying cannot help; the handler reports success so the queue
	// completes the item, leaving the orphan to reconciliation.
	if err := p.Mux().Handle(context.Background(), derivativeItem(t, queue.TaskMetadata, "ast-1")); err != nil {
		t.Fatalf("expected nil for a missing source, got %v", err)
	}
}

func TestSyncHandlersDelegate(t *testing.T) {
	ctx := context.Background()
	runner := &fakeSyncRunner{}
	p := NewProcessor(&fakeAssetGetter{}, nil, nil, nil, runner, zerolog.Nop())
	m := p.Mux()

	payload, _ := json.Marshal(queue.SyncPayload{SyncJobID: "job-1", AlbumFilter: "trips"})
	if err := m.Handle(ctx, &queue.Item{Kind: queue.TaskFilesystemScan, Payload: payload}); err != nil {
		t.Fatalf("scan handler: %v", err)
	}
	if err := m.Handle(ctx, &queue.Item{Kind: queue.TaskObjectStoreVerify, Payload: payload}); err != nil {
		t.Fatalf("verify handler: %v", err)
	}
	if len(runner.scans) != 1 || runner.scans[0] != "job-1|trips" {
		t.Fatalf("scan not delegated: %v", runner.scans)
	}
	if len(runner.verifies) != 1 {
		t.Fatalf("verify not delegated: %v", runner.verifies)
	}
}

func TestPoolCompletesSuccessfulItem(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(time.Minute)
	id, err := q.Enqueue(ctx, queue.Derivatives, "derivative:noop", nil, queue.Options{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	m := NewMux()
	m.HandleFunc("derivative:noop", func(context.Context, *queue.Item) error { return nil })
	p := NewPool(q, []string{queue.Derivatives}, m, 1, time.Minute, zerolog.Nop())

	item, _ := q.Dequeue(ctx, queue.Derivatives)
	p.handle(ctx, item)

	// Completed: Complete again reports the terminal state.
	if err := q.Complete(ctx, id); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected the item to be completed, got %v", err)
	}
}

type heartbeatQueue struct {
	*queue.Memory
	extends atomic.Int32
}

func (h *heartbeatQueue) Extend(ctx context.Context, id string) error {
	h.extends.Add(1)
	return h.Memory.Extend(ctx, id)
}

func TestPoolRenewsLeaseDuringLongHandler(t *testing.T) {
	ctx := context.Background()
	lease := 60 * time.Millisecond
	q := &heartbeatQueue{Memory: queue.NewMemory(lease)}
	id, err := q.Enqueue(ctx, queue.Sync, queue.TaskFilesystemScan, nil, queue.Options{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	m := NewMux()
	m.HandleFunc(queue.TaskFilesystemScan, func(context.Context, *queue.Item) error {
		time.Sleep(2 * lease)
		return nil
	})
	p := NewPool(q, []string{queue.Sync}, m, 1, lease, zerolog.Nop())

	item, _ := q.Dequeue(ctx, queue.Sync)
	p.handle(ctx, item)

	// A handler outliving one lease window keeps its lease renewed, so the
	// item is never redelivered to a second worker mid-run.
	if q.extends.Load() == 0 {
		t.Fatalf("expected at least one lease extension while the handler ran")
	}
	if err := q.Complete(ctx, id); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected the item to be completed, got %v", err)
	}
}

func TestPoolFailsItemThroughRetryPolicy(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })

	if _, err := q.Enqueue(ctx, queue.Derivatives, "derivative:boom", nil,
		queue.Options{MaxAttempts: 2, BackoffBase: time.Second}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	m := NewMux()
	m.HandleFunc("derivative:boom", func(context.Context, *queue.Item) error {
		return errors.New("decode failed")
	})
	p := NewPool(q, []string{queue.Derivatives}, m, 1, time.Minute, zerolog.Nop())

	item, _ := q.Dequeue(ctx, queue.Derivatives)
	p.handle(ctx, item)

	// First failure: rescheduled with backoff.
	now = now.Add(2 * time.Second)
	item, _ = q.Dequeue(ctx, queue.Derivatives)
	if item == nil || item.Attempts != 1 {
		t.Fatalf("expected a retry with one recorded attempt, got %+v", item)
	}
	p.handle(ctx, item)

	// Second failure exhausts the attempts.
	dead, err := q.DeadItems(ctx, queue.Derivatives, 0)
	if err != nil {
		t.Fatalf("dead items: %v", err)
	}
	if len(dead) != 1 || dead[0].LastError != "decode failed" {
		t.Fatalf("expected a dead letter, got %+v", dead)
	}
}
