// Package pipeline exposes the operations the pipeline offers to the
// surrounding application: sync triggering, reprocessing, queue
// administration and the operator-driven local-file lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jtarkowski/albumforge/internal/model"
	"github.com/jtarkowski/albumforge/internal/objectstore"
	"github.com/jtarkowski/albumforge/internal/queue"
	"github.com/jtarkowski/albumforge/internal/repository"
	"github.com/jtarkowski/albumforge/internal/scanner"
)

// ErrNotSafeToDelete rejects ForgetLocal on albums whose safe-delete flag is
// not set.
var ErrNotSafeToDelete = errors.New("album local files are not marked safe to delete")

// Albums is the album persistence surface the service needs.
type Albums interface {
	Get(ctx context.Context, id string) (*model.Album, error)
	GetByPath(ctx context.Context, path string) (*model.Album, error)
	SetSafeToDeleteLocal(ctx context.Context, id string, safe bool) error
}

// Assets is the asset persistence surface the service needs.
type Assets interface {
	Get(ctx context.Context, id string) (*model.MediaAsset, error)
	ListByAlbum(ctx context.Context, albumID string) ([]model.MediaAsset, error)
	ListMissingDerivative(ctx context.Context, derivative string) ([]model.MediaAsset, error)
	ListPhotos(ctx context.Context) ([]model.MediaAsset, error)
	ClearLocalPaths(ctx context.Context, albumID string) error
}

// SyncJobs is the sync-job persistence surface the service needs.
type SyncJobs interface {
	CreateExclusive(ctx context.Context, j *model.SyncJob) error
	Get(ctx context.Context, id string) (*model.SyncJob, error)
	Latest(ctx context.Context, jobType model.SyncJobType) (*model.SyncJob, error)
}

// Service implements the produced pipeline operations.
type Service struct {
	albums  Albums
	assets  Assets
	jobs    SyncJobs
	queues  *queue.Registry
	scan    *scanner.Scanner
	store   objectstore.Gateway
	signTTL time.Duration
	log     zerolog.Logger
}

// New constructs a Service. signTTL bounds presigned download URLs.
func New(albums Albums, assets Assets, jobs SyncJobs, queues *queue.Registry, scan *scanner.Scanner,
	store objectstore.Gateway, signTTL time.Duration, log zerolog.Logger) *Service {
	return &Service{
		albums:  albums,
		assets:  assets,
		jobs:    jobs,
		queues:  queues,
		scan:    scan,
		store:   store,
		signTTL: signTTL,
		log:     log,
	}
}

// TriggerSync creates a sync job and enqueues the run, returning the job id
// immediately. At most one job per type may be pending or running;
// repository.ErrSyncAlreadyRunning reports a concurrent trigger.
func (s *Service) TriggerSync(ctx context.Context, jobType model.SyncJobType, albumFilter string) (string, error) {
	job := &model.SyncJob{
		ID:          uuid.NewString(),
		Type:        jobType,
		Status:      model.SyncPending,
		AlbumFilter: albumFilter,
	}
	if err := s.jobs.CreateExclusive(ctx, job); err != nil {
		return "", err
	}

	kind := queue.TaskFilesystemScan
	if jobType == model.JobObjectStoreVerify {
		kind = queue.TaskObjectStoreVerify
	}
	payload := queue.SyncPayload{SyncJobID: job.ID, AlbumFilter: albumFilter}
	if _, err := queue.EnqueueSync(ctx, s.queues.Backend(), kind, payload); err != nil {
		return "", fmt.Errorf("enqueue sync run: %w", err)
	}
	s.log.Info().Str("job", job.ID).Str("type", string(jobType)).Msg("sync triggered")
	return job.ID, nil
}

// SyncStatus returns the sync job by id, or the most recent job of the given
// type when id is empty.
func (s *Service) SyncStatus(ctx context.Context, id string, jobType model.SyncJobType) (*model.SyncJob, error) {
	if id != "" {
		return s.jobs.Get(ctx, id)
	}
	return s.jobs.Latest(ctx, jobType)
}

// Reprocess enqueues derivative jobs for assets lacking the given derivative
// kind, or for every photo when forced. It resumes the derivatives queue
// first so the enqueued work can actually drain. Returns the number of assets
// enqueued.
func (s *Service) Reprocess(ctx context.Context, kind string, forced bool) (int, error) {
	taskKind, derivativeName, err := taskForDerivative(kind)
	if err != nil {
		return 0, err
	}
	if err := s.queues.Derivatives().Resume(ctx); err != nil {
		return 0, fmt.Errorf("resume derivatives queue: %w", err)
	}

	var assets []model.MediaAsset
	if forced {
		assets, err = s.assets.ListPhotos(ctx)
	} else {
		assets, err = s.assets.ListMissingDerivative(ctx, derivativeName)
	}
	if err != nil {
		return 0, fmt.Errorf("list assets to reprocess: %w", err)
	}

	enqueued := 0
	for _, a := range assets {
		localPath := ""
		if a.LocalPath != nil {
			localPath = *a.LocalPath
		}
		_, err := queue.EnqueueDerivative(ctx, s.queues.Backend(), taskKind, queue.DerivativePayload{
			AssetID:   a.ID,
			LocalPath: localPath,
			ObjectKey: a.ObjectKey,
		})
		if err != nil {
			// The queue store failing mid-batch leaves already-enqueued work
			// valid; report what made it in alongside the error.
			return enqueued, err
		}
		enqueued++
	}
	s.log.Info().Str("kind", kind).Bool("forced", forced).Int("enqueued", enqueued).Msg("reprocess enqueued")
	return enqueued, nil
}

// PauseQueue pauses the named queue. Idempotent.
func (s *Service) PauseQueue(ctx context.Context, name string) error {
	return s.queues.Backend().Pause(ctx, name)
}

// ResumeQueue resumes the named queue. Idempotent.
func (s *Service) ResumeQueue(ctx context.Context, name string) error {
	return s.queues.Backend().Resume(ctx, name)
}

// DeadLetters returns dead items on the named queue for operator inspection.
func (s *Service) DeadLetters(ctx context.Context, name string, limit int) ([]queue.Item, error) {
	return s.queues.Backend().DeadItems(ctx, name, limit)
}

// AssetDownloadURL returns a short-lived presigned URL for the asset's
// original object.
func (s *Service) AssetDownloadURL(ctx context.Context, assetID string) (string, error) {
	asset, err := s.assets.Get(ctx, assetID)
	if err != nil {
		return "", err
	}
	url, err := s.store.PresignDownload(ctx, asset.ObjectKey, s.signTTL)
	if err != nil {
		return "", fmt.Errorf("presign download for asset %s: %w", assetID, err)
	}
	return url, nil
}

// VerifyAlbum triggers an object-store-verify run scoped to one album path.
func (s *Service) VerifyAlbum(ctx context.Context, albumPath string) (string, error) {
	if _, err := s.albums.GetByPath(ctx, albumPath); err != nil {
		return "", err
	}
	return s.TriggerSync(ctx, model.JobObjectStoreVerify, albumPath)
}

// ForgetLocal deletes an album's local files. Allowed only while the
// safe-delete flag is set; the flag is cleared immediately after deletion so
// a second call cannot run against already-removed files.
func (s *Service) ForgetLocal(ctx context.Context, albumID string) error {
	album, err := s.albums.Get(ctx, albumID)
	if err != nil {
		return err
	}
	if !album.SafeToDeleteLocal {
		return ErrNotSafeToDelete
	}

	assets, err := s.assets.ListByAlbum(ctx, album.ID)
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}
	for _, a := range assets {
		full, err := s.scan.Abs(path.Join(album.Path, a.FileName))
		if err != nil {
			return err
		}
		if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", a.FileName, err)
		}
	}
	if err := s.assets.ClearLocalPaths(ctx, album.ID); err != nil {
		return fmt.Errorf("clear local paths: %w", err)
	}
	if err := s.albums.SetSafeToDeleteLocal(ctx, album.ID, false); err != nil {
		return fmt.Errorf("reset safe-delete flag: %w", err)
	}
	s.log.Info().Str("album", album.Path).Int("assets", len(assets)).Msg("local files forgotten")
	return nil
}

// IsAlreadyRunning reports whether the error is the single-flight rejection
// from a concurrent sync trigger.
func IsAlreadyRunning(err error) bool {
	return errors.Is(err, repository.ErrSyncAlreadyRunning)
}

func taskForDerivative(kind string) (taskKind, derivativeName string, err error) {
	switch kind {
	case "thumbnail":
		return queue.TaskThumbnail, "thumbnail", nil
	case "blurhash":
		return queue.TaskBlurhash, "blurhash", nil
	case "metadata":
		return queue.TaskMetadata, "metadata", nil
	default:
		return "", "", fmt.Errorf("unknown derivative kind %q", kind)
	}
}
