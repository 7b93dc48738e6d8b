package reconciler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jtarkowski/albumforge/internal/metrics"
	"github.com/jtarkowski/albumforge/internal/model"
)

// probeYield is the pause between existence-probe batches so verification
// never saturates the object store.
const probeYield = 10 * time.Millisecond

// Classify decides the advisory disposition of a DB-only album from its
// object-store coverage. priorSynced marks a previously completed sync, the
// evidence that full coverage actually means a recoverable album rather than
// a half-finished upload.
func Classify(totalAssets, withCopies int, priorSynced bool) model.OrphanClass {
	switch {
	case withCopies == 0:
		return model.OrphanCleanup
	case withCopies == totalAssets && priorSynced:
		return model.OrphanRecoverable
	default:
		return model.OrphanNeedsReview
	}
}

// classifyOrphan probes the object store for a DB-only album's assets and
// records the advisory classification. The album record itself is never
// touched; deletion is an operator decision.
func (r *Reconciler) classifyOrphan(ctx context.Context, syncJobID string, album *model.Album) {
	assets, err := r.assets.ListByAlbum(ctx, album.ID)
	if err != nil {
		r.albumFailed(ctx, syncJobID, album.Path, fmt.Errorf("list assets: %w", err))
		return
	}
	keys := make([]string, len(assets))
	for i, a := range assets {
		keys[i] = a.ObjectKey
	}
	found, err := r.probe(ctx, keys)
	if err != nil {
		r.albumFailed(ctx, syncJobID, album.Path, err)
		return
	}
	withCopies := 0
	for _, ok := range found {
		if ok {
			withCopies++
		}
	}

	priorSynced := album.LastSync == model.SyncCompleted && album.LastSyncAt != nil
	class := Classify(len(assets), withCopies, priorSynced)
	r.appendLog(ctx, syncJobID, "warn", album.Path,
		fmt.Sprintf("album directory missing: %d/%d assets have object copies, recommendation: %s",
			withCopies, len(assets), class))
	r.progress(ctx, syncJobID, model.AlbumProgress{
		Path:     album.Path,
		State:    "completed",
		Orphaned: len(assets) - withCopies,
		Message:  string(class),
	})
	metrics.AlbumsReconciledTotal.WithLabelValues("orphaned-" + string(class)).Inc()
}

// probe checks object existence for every key with bounded concurrency,
// yielding briefly between batches. Existence uses a metadata-only call.
func (r *Reconciler) probe(ctx context.Context, keys []string) (map[string]bool, error) {
	found := make([]bool, len(keys))
	for start := 0; start < len(keys); start += r.probes {
		end := min(start+r.probes, len(keys))
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				ok, err := r.store.Exists(gctx, keys[i])
				if err != nil {
					return fmt.Errorf("probe %s: %w", keys[i], err)
				}
				metrics.ObjectProbesTotal.Inc()
				found[i] = ok
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if end < len(keys) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(probeYield):
			}
		}
	}
	out := make(map[string]bool, len(keys))
	for i, k := range keys {
		out[k] = found[i]
	}
	return out, nil
}
