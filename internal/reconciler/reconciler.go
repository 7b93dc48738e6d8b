// Package reconciler implements the state reconciliation between the local
// filesystem, the database and the object store.
package reconciler

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jtarkowski/albumforge/internal/fingerprint"
	"github.com/jtarkowski/albumforge/internal/metrics"
	"github.com/jtarkowski/albumforge/internal/model"
	"github.com/jtarkowski/albumforge/internal/objectstore"
	"github.com/jtarkowski/albumforge/internal/queue"
	"github.com/jtarkowski/albumforge/internal/scanner"
)

// AlbumStore is the album persistence surface the reconciler needs.
type AlbumStore interface {
	List(ctx context.Context) ([]model.Album, error)
	Create(ctx context.Context, a *model.Album) error
	UpdateSyncResult(ctx context.Context, id, fingerprint string, status model.SyncStatus, at time.Time) error
	SetSafeToDeleteLocal(ctx context.Context, id string, safe bool) error
}

// AssetStore is the asset persistence surface the reconciler needs.
type AssetStore interface {
	Create(ctx context.Context, a *model.MediaAsset) error
	ListByAlbum(ctx context.Context, albumID string) ([]model.MediaAsset, error)
	CountByAlbum(ctx context.Context, albumID string, kind model.AssetKind) (int, error)
	MarkUploaded(ctx context.Context, id string, at time.Time) error
}

// JobLog records progress and audit lines on the owning sync job.
type JobLog interface {
	MarkRunning(ctx context.Context, id string) error
	MarkFinished(ctx context.Context, id string, status model.SyncStatus) error
	SetProgress(ctx context.Context, id string, p model.AlbumProgress) error
	AppendLog(ctx context.Context, id string, lines ...model.LogLine) error
}

// Reconciler drives sync runs: it diffs filesystem, database and object-store
// state, uploads new originals and fans out derivative jobs.
type Reconciler struct {
	scan    *scanner.Scanner
	albums  AlbumStore
	assets  AssetStore
	jobs    JobLog
	store   objectstore.Gateway
	queue   queue.Queue
	recency time.Duration
	probes  int
	log     zerolog.Logger
}

// New constructs a Reconciler. recency is the fingerprint short-circuit
// window; probes bounds concurrent object-store existence checks.
func New(scan *scanner.Scanner, albums AlbumStore, assets AssetStore, jobs JobLog,
	store objectstore.Gateway, q queue.Queue, recency time.Duration, probes int, log zerolog.Logger) *Reconciler {
	if probes <= 0 {
		probes = 4
	}
	return &Reconciler{
		scan:    scan,
		albums:  albums,
		assets:  assets,
		jobs:    jobs,
		store:   store,
		queue:   q,
		recency: recency,
		probes:  probes,
		log:     log,
	}
}

// RunScan executes one filesystem-scan reconciliation pass on behalf of the
// given sync job. A single album's failure is logged and does not abort the
// run; only whole-run failures (filesystem or database enumeration) mark the
// job failed.
func (r *Reconciler) RunScan(ctx context.Context, syncJobID, albumFilter string) error {
	if err := r.jobs.MarkRunning(ctx, syncJobID); err != nil {
		return fmt.Errorf("mark sync job running: %w", err)
	}
	err := r.runScan(ctx, syncJobID, albumFilter)
	return r.finish(ctx, syncJobID, model.JobFilesystemScan, err)
}

func (r *Reconciler) runScan(ctx context.Context, syncJobID, albumFilter string) error {
	onDisk, err := r.scan.ListAlbumPaths()
	if err != nil {
		return fmt.Errorf("enumerate filesystem albums: %w", err)
	}
	known, err := r.albums.List(ctx)
	if err != nil {
		return fmt.Errorf("enumerate database albums: %w", err)
	}
	onDisk = filterPaths(onDisk, albumFilter)

	diskSet := make(map[string]struct{}, len(onDisk))
	for _, p := range onDisk {
		diskSet[p] = struct{}{}
	}
	dbByPath := make(map[string]model.Album, len(known))
	for _, a := range known {
		if albumFilter != "" && a.Path != albumFilter {
			continue
		}
		dbByPath[a.Path] = a
	}

	// New albums: on disk with no database record.
	for _, p := range onDisk {
		if _, ok := dbByPath[p]; ok {
			continue
		}
		album := &model.Album{
			ID:      uuid.NewString(),
			Path:    p,
			Name:    path.Base(p),
			Enabled: true,
			Visible: true,
		}
		if err := r.albums.Create(ctx, album); err != nil {
			r.albumFailed(ctx, syncJobID, p, fmt.Errorf("create album: %w", err))
			continue
		}
		r.reconcileAlbum(ctx, syncJobID, album)
	}

	// Present albums: on disk and in the database.
	for _, p := range onDisk {
		album, ok := dbByPath[p]
		if !ok {
			continue
		}
		if r.unchanged(&album) {
			r.progress(ctx, syncJobID, model.AlbumProgress{Path: p, State: "skipped"})
			metrics.AlbumsReconciledTotal.WithLabelValues("skipped").Inc()
			continue
		}
		r.reconcileAlbum(ctx, syncJobID, &album)
	}

	// Orphaned albums: database records whose directory is gone.
	for _, album := range known {
		if albumFilter != "" && album.Path != albumFilter {
			continue
		}
		if _, ok := diskSet[album.Path]; ok {
			continue
		}
		r.classifyOrphan(ctx, syncJobID, &album)
	}
	return nil
}

// RunVerify executes one object-store-verify pass: every asset's object copy
// is probed, verified copies refresh the upload marker, and the safe-delete
// flag is recomputed with the count check done immediately before the write.
func (r *Reconciler) RunVerify(ctx context.Context, syncJobID, albumFilter string) error {
	if err := r.jobs.MarkRunning(ctx, syncJobID); err != nil {
		return fmt.Errorf("mark sync job running: %w", err)
	}
	err := r.runVerify(ctx, syncJobID, albumFilter)
	return r.finish(ctx, syncJobID, model.JobObjectStoreVerify, err)
}

func (r *Reconciler) runVerify(ctx context.Context, syncJobID, albumFilter string) error {
	known, err := r.albums.List(ctx)
	if err != nil {
		return fmt.Errorf("enumerate database albums: %w", err)
	}
	for _, album := range known {
		if albumFilter != "" && album.Path != albumFilter {
			continue
		}
		if err := r.verifyAlbum(ctx, syncJobID, &album); err != nil {
			r.albumFailed(ctx, syncJobID, album.Path, err)
		}
	}
	return nil
}

func (r *Reconciler) verifyAlbum(ctx context.Context, syncJobID string, album *model.Album) error {
	assets, err := r.assets.ListByAlbum(ctx, album.ID)
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}
	keys := make([]string, 0, len(assets))
	for _, a := range assets {
		keys = append(keys, a.ObjectKey)
	}
	found, err := r.probe(ctx, keys)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	verifiedPhotos := 0
	totalPhotos := 0
	missing := 0
	for _, a := range assets {
		if a.Kind == model.KindPhoto {
			totalPhotos++
		}
		if !found[a.ObjectKey] {
			missing++
			r.appendLog(ctx, syncJobID, "warn", album.Path,
				fmt.Sprintf("object copy missing for %s (%s)", a.FileName, a.ObjectKey))
			continue
		}
		if a.Kind == model.KindPhoto {
			verifiedPhotos++
		}
		if err := r.assets.MarkUploaded(ctx, a.ID, now); err != nil {
			return fmt.Errorf("mark %s uploaded: %w", a.FileName, err)
		}
	}

	// The count check runs immediately before the flag write. A concurrent
	// deletion can still invalidate it; the next pass corrects the flag.
	safe := false
	if totalPhotos > 0 && verifiedPhotos == totalPhotos {
		count, err := r.scan.CountMedia(album.Path)
		if err == nil && count.Photos == totalPhotos {
			safe = true
		}
	}
	if err := r.albums.SetSafeToDeleteLocal(ctx, album.ID, safe); err != nil {
		return fmt.Errorf("set safe-delete flag: %w", err)
	}

	state := "completed"
	if missing > 0 {
		state = "failed"
	}
	r.progress(ctx, syncJobID, model.AlbumProgress{
		Path:     album.Path,
		State:    state,
		Orphaned: missing,
	})
	return nil
}

// unchanged reports whether the album's stored fingerprint matches the fresh
// one and the last sync is recent enough to skip the file-level diff. Corrupt
// or legacy fingerprints never match.
func (r *Reconciler) unchanged(album *model.Album) bool {
	if album.LastSyncAt == nil || time.Since(*album.LastSyncAt) > r.recency {
		return false
	}
	previous, ok := fingerprint.Parse(album.Fingerprint)
	if !ok {
		return false
	}
	files, err := r.scan.ListFiles(album.Path)
	if err != nil {
		return false
	}
	current := fingerprint.Compute(files, album.Name, album.Description)
	return !fingerprint.Compare(current, previous).Changed
}

// reconcileAlbum runs the file-level diff for one album and records the
// outcome on both the album and the sync job.
func (r *Reconciler) reconcileAlbum(ctx context.Context, syncJobID string, album *model.Album) {
	r.progress(ctx, syncJobID, model.AlbumProgress{Path: album.Path, State: "scanning"})

	newAssets, orphanedAssets, fp, err := r.diffAlbum(ctx, syncJobID, album)
	now := time.Now().UTC()
	if err != nil {
		r.albumFailed(ctx, syncJobID, album.Path, err)
		if uerr := r.albums.UpdateSyncResult(ctx, album.ID, "", model.SyncFailed, now); uerr != nil {
			r.log.Error().Err(uerr).Str("album", album.Path).Msg("record failed sync")
		}
		return
	}

	if err := r.albums.UpdateSyncResult(ctx, album.ID, fp, model.SyncCompleted, now); err != nil {
		r.albumFailed(ctx, syncJobID, album.Path, fmt.Errorf("record sync result: %w", err))
		return
	}
	r.progress(ctx, syncJobID, model.AlbumProgress{
		Path:      album.Path,
		State:     "completed",
		NewAssets: newAssets,
		Orphaned:  orphanedAssets,
	})
	metrics.AlbumsReconciledTotal.WithLabelValues("completed").Inc()
}

func (r *Reconciler) diffAlbum(ctx context.Context, syncJobID string, album *model.Album) (newAssets, orphanedAssets int, fp string, err error) {
	files, err := r.scan.ListFiles(album.Path)
	if err != nil {
		return 0, 0, "", err
	}
	assets, err := r.assets.ListByAlbum(ctx, album.ID)
	if err != nil {
		return 0, 0, "", fmt.Errorf("list assets: %w", err)
	}

	onDisk := make(map[string]scanner.FileInfo, len(files))
	for _, f := range files {
		onDisk[f.Name] = f
	}
	inDB := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		inDB[a.FileName] = struct{}{}
	}

	for _, f := range files {
		if _, ok := inDB[f.Name]; ok {
			continue
		}
		if err := r.uploadNewAsset(ctx, album, f); err != nil {
			// One bad file should not sink the album; the next pass retries.
			r.appendLog(ctx, syncJobID, "error", album.Path,
				fmt.Sprintf("upload %s: %v", f.Name, err))
			continue
		}
		newAssets++
	}

	// Assets whose local file is gone: keep them when an object copy exists,
	// flag them for review when the bytes exist nowhere.
	var missingLocal []model.MediaAsset
	for _, a := range assets {
		if _, ok := onDisk[a.FileName]; !ok {
			missingLocal = append(missingLocal, a)
		}
	}
	if len(missingLocal) > 0 {
		keys := make([]string, len(missingLocal))
		for i, a := range missingLocal {
			keys[i] = a.ObjectKey
		}
		found, perr := r.probe(ctx, keys)
		if perr != nil {
			return 0, 0, "", perr
		}
		for _, a := range missingLocal {
			if found[a.ObjectKey] {
				r.appendLog(ctx, syncJobID, "info", album.Path,
					fmt.Sprintf("local copy of %s gone, object copy verified", a.FileName))
				continue
			}
			orphanedAssets++
			r.appendLog(ctx, syncJobID, "error", album.Path,
				fmt.Sprintf("asset %s has no local file and no object copy, operator review needed", a.FileName))
		}
	}

	return newAssets, orphanedAssets, fingerprint.Compute(files, album.Name, album.Description).String(), nil
}

// uploadNewAsset uploads the original and creates the asset record, then fans
// out the derivative jobs. The record is only created once the upload
// succeeded, so every persisted asset has an object copy from birth.
func (r *Reconciler) uploadNewAsset(ctx context.Context, album *model.Album, f scanner.FileInfo) error {
	localPath, err := r.scan.Abs(path.Join(album.Path, f.Name))
	if err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read original: %w", err)
	}
	objectKey := path.Join(album.Path, f.Name)
	if err := r.store.Put(ctx, objectKey, data, contentTypeFor(f.Name)); err != nil {
		return fmt.Errorf("upload original: %w", err)
	}

	now := time.Now().UTC()
	asset := &model.MediaAsset{
		ID:         uuid.NewString(),
		AlbumID:    album.ID,
		Kind:       f.Kind,
		FileName:   f.Name,
		LocalPath:  &localPath,
		ObjectKey:  objectKey,
		SizeBytes:  f.Size,
		UploadedAt: &now,
	}
	if err := r.assets.Create(ctx, asset); err != nil {
		return fmt.Errorf("create asset record: %w", err)
	}
	// Derivatives are photo-only: decoding video frames needs ffmpeg
	// bindings the worker does not carry. Videos are still uploaded,
	// verified and counted.
	if f.Kind != model.KindPhoto {
		return nil
	}
	return queue.EnqueueFanOut(ctx, r.queue, queue.DerivativePayload{
		AssetID:   asset.ID,
		LocalPath: localPath,
		ObjectKey: objectKey,
	})
}

func (r *Reconciler) finish(ctx context.Context, syncJobID string, jobType model.SyncJobType, err error) error {
	status := model.SyncCompleted
	if err != nil {
		status = model.SyncFailed
		r.appendLog(ctx, syncJobID, "error", "", err.Error())
	}
	metrics.SyncRunsTotal.WithLabelValues(string(jobType), string(status)).Inc()
	if merr := r.jobs.MarkFinished(ctx, syncJobID, status); merr != nil {
		r.log.Error().Err(merr).Str("job", syncJobID).Msg("mark sync job finished")
	}
	return err
}

func (r *Reconciler) albumFailed(ctx context.Context, syncJobID, path string, err error) {
	r.log.Warn().Err(err).Str("album", path).Msg("album reconciliation failed")
	r.appendLog(ctx, syncJobID, "error", path, err.Error())
	r.progress(ctx, syncJobID, model.AlbumProgress{Path: path, State: "failed", Message: err.Error()})
	metrics.AlbumsReconciledTotal.WithLabelValues("failed").Inc()
}

func (r *Reconciler) progress(ctx context.Context, syncJobID string, p model.AlbumProgress) {
	if err := r.jobs.SetProgress(ctx, syncJobID, p); err != nil {
		r.log.Warn().Err(err).Str("job", syncJobID).Msg("record progress")
	}
}

func (r *Reconciler) appendLog(ctx context.Context, syncJobID, level, album, message string) {
	line := model.LogLine{At: time.Now().UTC(), Level: level, Album: album, Message: message}
	if err := r.jobs.AppendLog(ctx, syncJobID, line); err != nil {
		r.log.Warn().Err(err).Str("job", syncJobID).Msg("append sync log")
	}
}

func filterPaths(paths []string, filter string) []string {
	if filter == "" {
		return paths
	}
	out := paths[:0]
	for _, p := range paths {
		if p == filter {
			out = append(out, p)
		}
	}
	return out
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
