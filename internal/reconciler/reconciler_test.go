package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jtarkowski/albumforge/internal/model"
	"github.com/jtarkowski/albumforge/internal/objectstore"
	"github.com/jtarkowski/albumforge/internal/queue"
	"github.com/jtarkowski/albumforge/internal/scanner"
)

type fakeAlbums struct {
	mu     sync.Mutex
	albums map[string]*model.Album
}

func newFakeAlbums() *fakeAlbums {
	return &fakeAlbums{albums: make(map[string]*model.Album)}
}

func (f *fakeAlbums) List(context.Context) ([]model.Album, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Album, 0, len(f.albums))
	for _, a := range f.albums {
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeAlbums) Create(_ context.Context, a *model.Album) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.albums[a.ID] = &cp
	return nil
}

func (f *fakeAlbums) UpdateSyncResult(_ context.Context, id, fp string, status model.SyncStatus, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.albums[id]
	if fp != "" {
		a.Fingerprint = fp
	}
	a.LastSync = status
	a.LastSyncAt = &at
	return nil
}

func (f *fakeAlbums) SetSafeToDeleteLocal(_ context.Context, id string, safe bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.albums[id].SafeToDeleteLocal = safe
	return nil
}

func (f *fakeAlbums) byPath(path string) *model.Album {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.albums {
		if a.Path == path {
			cp := *a
			return &cp
		}
	}
	return nil
}

type fakeAssets struct {
	mu     sync.Mutex
	assets []*model.MediaAsset
}

func (f *fakeAssets) Create(_ context.Context, a *model.MediaAsset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.assets = append(f.assets, &cp)
	return nil
}

func (f *fakeAssets) ListByAlbum(_ context.Context, albumID string) ([]model.MediaAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.MediaAsset
	for _, a := range f.assets {
		if a.AlbumID == albumID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAssets) CountByAlbum(_ context.Context, albumID string, kind model.AssetKind) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.assets {
		if a.AlbumID == albumID && a.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (f *fakeAssets) MarkUploaded(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.assets {
		if a.ID == id {
			a.UploadedAt = &at
			return nil
		}
	}
	return nil
}

type fakeJobLog struct {
	mu       sync.Mutex
	status   model.SyncStatus
	progress map[string]model.AlbumProgress
	logs     []model.LogLine
}

func newFakeJobLog() *fakeJobLog {
	return &fakeJobLog{progress: make(map[string]model.AlbumProgress)}
}

func (f *fakeJobLog) MarkRunning(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = model.SyncRunning
	return nil
}

func (f *fakeJobLog) MarkFinished(_ context.Context, _ string, status model.SyncStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	return nil
}

func (f *fakeJobLog) SetProgress(_ context.Context, _ string, p model.AlbumProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[p.Path] = p
	return nil
}

func (f *fakeJobLog) AppendLog(_ context.Context, _ string, lines ...model.LogLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, lines...)
	return nil
}

func writeMedia(t *testing.T, root string, parts ...string) {
	t.Helper()
	path := filepath.Join(append([]string{root}, parts...)...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("media-bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

type fixture struct {
	root   string
	albums *fakeAlbums
	assets *fakeAssets
	jobs   *fakeJobLog
	store  *objectstore.Memory
	queue  *queue.Memory
	rec    *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		root:   root,
		albums: newFakeAlbums(),
		assets: &fakeAssets{},
		jobs:   newFakeJobLog(),
		store:  objectstore.NewMemory(),
		queue:  queue.NewMemory(time.Minute),
	}
	f.rec = New(scanner.New(root), f.albums, f.assets, f.jobs, f.store, f.queue,
		time.Hour, 4, zerolog.Nop())
	return f
}

func drain(t *testing.T, q *queue.Memory, name string) []queue.Item {
	t.Helper()
	var out []queue.Item
	for {
		item, err := q.Dequeue(context.Background(), name)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if item == nil {
			return out
		}
		out = append(out, *item)
	}
}

func TestRunScanDiscoversNewAlbum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writeMedia(t, f.root, "trips/lisbon", "a.jpg")
	writeMedia(t, f.root, "trips/lisbon", "b.jpg")
	writeMedia(t, f.root, "trips/lisbon", "clip.mp4")

	if err := f.rec.RunScan(ctx, "job-1", ""); err != nil {
		t.Fatalf("run scan: %v", err)
	}
	if f.jobs.status != model.SyncCompleted {
		t.Fatalf("expected completed job, got %s", f.jobs.status)
	}

	album := f.albums.byPath("trips/lisbon")
	if album == nil {
		t.Fatalf("album not created")
	}
	if album.LastSync != model.SyncCompleted || album.Fingerprint == "" {
		t.Fatalf("album sync result not recorded: %+v", album)
	}

	assets, _ := f.assets.ListByAlbum(ctx, album.ID)
	if len(assets) != 3 {
		t.Fatalf("expected 3 assets, got %d", len(assets))
	}
	for _, a := range assets {
		if a.UploadedAt == nil {
			t.Fatalf("asset %s missing upload marker", a.FileName)
		}
		if ok, _ := f.store.Exists(ctx, a.ObjectKey); !ok {
			t.Fatalf("original %s not uploaded", a.ObjectKey)
		}
	}

	// Two photos fan out three derivative jobs each; the video gets none.
	items := drain(t, f.queue, queue.Derivatives)
	if len(items) != 6 {
		t.Fatalf("expected 6 derivative jobs, got %d", len(items))
	}

	p := f.jobs.progress["trips/lisbon"]
	if p.State != "completed" || p.NewAssets != 3 {
		t.Fatalf("unexpected progress: %+v", p)
	}
}

func TestRunScanIsIdempotentWithinRecency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writeMedia(t, f.root, "family", "a.jpg")

	if err := f.rec.RunScan(ctx, "job-1", ""); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	drain(t, f.queue, queue.Derivatives)

	// Unchanged directory inside the recency window: fingerprint
	// short-circuit, no uploads, no new jobs.
	if err := f.rec.RunScan(ctx, "job-2", ""); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if items := drain(t, f.queue, queue.Derivatives); len(items) != 0 {
		t.Fatalf("unchanged album enqueued %d jobs", len(items))
	}
	if p := f.jobs.progress["family"]; p.State != "skipped" {
		t.Fatalf("expected skipped progress, got %+v", p)
	}
	assets, _ := f.assets.ListByAlbum(ctx, f.albums.byPath("family").ID)
	if len(assets) != 1 {
		t.Fatalf("re-scan duplicated assets: %d", len(assets))
	}
}

func TestRunScanDetectsChangedAlbum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writeMedia(t, f.root, "family", "a.jpg")

	if err := f.rec.RunScan(ctx, "job-1", ""); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	drain(t, f.queue, queue.Derivatives)

	writeMedia(t, f.root, "family", "b.jpg")
	if err := f.rec.RunScan(ctx, "job-2", ""); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	assets, _ := f.assets.ListByAlbum(ctx, f.albums.byPath("family").ID)
	if len(assets) != 2 {
		t.Fatalf("expected the new file to be picked up, got %d assets", len(assets))
	}
	if items := drain(t, f.queue, queue.Derivatives); len(items) != 3 {
		t.Fatalf("expected a fan-out for the new photo only, got %d jobs", len(items))
	}
}

func TestRunScanFlagsAssetMissingEverywhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writeMedia(t, f.root, "family", "a.jpg")

	album := &model.Album{ID: "alb-1", Path: "family", Name: "family", Enabled: true}
	if err := f.albums.Create(ctx, album); err != nil {
		t.Fatalf("seed album: %v", err)
	}
	// DB asset with no local file and no object copy.
	ghost := &model.MediaAsset{ID: "ast-ghost", AlbumID: "alb-1", Kind: model.KindPhoto,
		FileName: "gone.jpg", ObjectKey: "family/gone.jpg"}
	if err := f.assets.Create(ctx, ghost); err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	if err := f.rec.RunScan(ctx, "job-1", ""); err != nil {
		t.Fatalf("run scan: %v", err)
	}

	p := f.jobs.progress["family"]
	if p.Orphaned != 1 {
		t.Fatalf("expected one orphaned asset, got %+v", p)
	}
	// The asset record survives; deletion is an operator decision.
	assets, _ := f.assets.ListByAlbum(ctx, "alb-1")
	if len(assets) != 2 {
		t.Fatalf("orphaned asset must not be deleted, got %d assets", len(assets))
	}
}

func TestRunScanClassifiesOrphanedAlbums(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	syncedAt := time.Now().UTC()
	album := &model.Album{ID: "alb-1", Path: "vanished", Name: "vanished",
		LastSync: model.SyncCompleted, LastSyncAt: &syncedAt}
	if err := f.albums.Create(ctx, album); err != nil {
		t.Fatalf("seed album: %v", err)
	}
	for _, name := range []string{"a.jpg", "b.jpg"} {
		key := "vanished/" + name
		if err := f.assets.Create(ctx, &model.MediaAsset{
			ID: "ast-" + name, AlbumID: "alb-1", Kind: model.KindPhoto,
			FileName: name, ObjectKey: key,
		}); err != nil {
			t.Fatalf("seed asset: %v", err)
		}
		if err := f.store.Put(ctx, key, []byte("bytes"), "image/jpeg"); err != nil {
			t.Fatalf("seed object: %v", err)
		}
	}

	if err := f.rec.RunScan(ctx, "job-1", ""); err != nil {
		t.Fatalf("run scan: %v", err)
	}
	p := f.jobs.progress["vanished"]
	if p.Message != string(model.OrphanRecoverable) {
		t.Fatalf("expected recoverable classification, got %+v", p)
	}
	if f.albums.byPath("vanished") == nil {
		t.Fatalf("orphaned album must never be auto-deleted")
	}
}

func TestClassifyBoundaries(t *testing.T) {
	cases := []struct {
		total, copies int
		priorSynced   bool
		want          model.OrphanClass
	}{
		{3, 3, true, model.OrphanRecoverable},
		{3, 3, false, model.OrphanNeedsReview},
		{3, 2, true, model.OrphanNeedsReview},
		{3, 0, true, model.OrphanCleanup},
		{0, 0, true, model.OrphanCleanup},
	}
	for _, tc := range cases {
		got := Classify(tc.total, tc.copies, tc.priorSynced)
		if got != tc.want {
			t.Fatalf("Classify(%d, %d, %v) = %s, want %s",
				tc.total, tc.copies, tc.priorSynced, got, tc.want)
		}
	}
}

func TestRunVerifySafeDeleteGating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writeMedia(t, f.root, "family", "a.jpg")
	writeMedia(t, f.root, "family", "b.jpg")

	if err := f.rec.RunScan(ctx, "job-1", ""); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := f.rec.RunVerify(ctx, "job-2", ""); err != nil {
		t.Fatalf("verify: %v", err)
	}
	album := f.albums.byPath("family")
	if !album.SafeToDeleteLocal {
		t.Fatalf("fully verified album should be safe to delete locally")
	}

	// Remove one object copy; the next verify must withdraw the flag.
	if err := f.store.Delete(ctx, "family/a.jpg"); err != nil {
		t.Fatalf("delete object: %v", err)
	}
	if err := f.rec.RunVerify(ctx, "job-3", ""); err != nil {
		t.Fatalf("second verify: %v", err)
	}
	album = f.albums.byPath("family")
	if album.SafeToDeleteLocal {
		t.Fatalf("missing object copy must clear the safe-delete flag")
	}
	if p := f.jobs.progress["family"]; p.State != "failed" || p.Orphaned != 1 {
		t.Fatalf("unexpected verify progress: %+v", p)
	}
}
