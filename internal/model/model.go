// Package model contains the persisted entity definitions shared across the
// pipeline: albums, media assets, thumbnails and sync jobs.
package model

import (
	"encoding/json"
	"time"
)

// SyncStatus describes the outcome of the most recent reconciliation pass for
// an album, and the lifecycle of a SyncJob.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncRunning   SyncStatus = "running"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
	SyncCancelled SyncStatus = "cancelled"
)

// Terminal reports whether the status may never regress back to running.
func (s SyncStatus) Terminal() bool {
	return s == SyncCompleted || s == SyncFailed || s == SyncCancelled
}

// Album is a directory-backed collection of media, identified by its
// filesystem-relative path.
type Album struct {
	ID          string     `json:"id"`
	Path        string     `json:"path"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Enabled     bool       `json:"enabled"`
	Visible     bool       `json:"visible"`
	Fingerprint string     `json:"-"`
	LastSyncAt  *time.Time `json:"lastSyncAt,omitempty"`
	LastSync    SyncStatus `json:"lastSyncStatus"`
	// SafeToDeleteLocal is set only after every photo in the album has a
	// verified object-store copy and the on-disk count matches the database
	// count. It is cleared the moment local files are removed.
	SafeToDeleteLocal bool      `json:"safeToDeleteLocal"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// AssetKind distinguishes photos from videos.
type AssetKind string

const (
	KindPhoto AssetKind = "photo"
	KindVideo AssetKind = "video"
)

// MediaAsset is a single photo or video, the unit of derivative processing.
// LocalPath may be nil when the original only exists in object storage.
type MediaAsset struct {
	ID         string          `json:"id"`
	AlbumID    string          `json:"albumId"`
	Kind       AssetKind       `json:"kind"`
	FileName   string          `json:"fileName"`
	LocalPath  *string         `json:"-"`
	ObjectKey  string          `json:"objectKey"`
	SizeBytes  int64           `json:"sizeBytes"`
	CapturedAt *time.Time      `json:"capturedAt,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Blurhash   string          `json:"blurhash,omitempty"`
	// UploadedAt marks the confirm-upload step; a non-nil value means the
	// object-store copy was verified at least once.
	UploadedAt *time.Time `json:"uploadedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ThumbnailTier names the fixed set of derivative sizes.
type ThumbnailTier string

const (
	TierSmall  ThumbnailTier = "small"
	TierMedium ThumbnailTier = "medium"
	TierLarge  ThumbnailTier = "large"
)

// Tiers lists all tiers in ascending size order.
func Tiers() []ThumbnailTier {
	return []ThumbnailTier{TierSmall, TierMedium, TierLarge}
}

// Thumbnail is one generated rendition of an asset. At most one row exists
// per (asset, tier); re-generation overwrites in place.
type Thumbnail struct {
	AssetID   string        `json:"assetId"`
	Tier      ThumbnailTier `json:"tier"`
	ObjectKey string        `json:"objectKey"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	CreatedAt time.Time     `json:"createdAt"`
}

// SyncJobType selects which reconciliation pass a job runs.
type SyncJobType string

const (
	JobFilesystemScan    SyncJobType = "filesystem-scan"
	JobObjectStoreVerify SyncJobType = "object-store-verify"
)

// AlbumProgress is the per-album progress entry serialized onto a SyncJob.
type AlbumProgress struct {
	Path      string `json:"path"`
	State     string `json:"state"` // pending, scanning, skipped, completed, failed
	NewAssets int    `json:"newAssets,omitempty"`
	Orphaned  int    `json:"orphaned,omitempty"`
	Message   string `json:"message,omitempty"`
}

// LogLine is one structured entry in a SyncJob's audit log. Operator-visible
// failures are always a status plus one of these, never a stack trace.
type LogLine struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"` // info, warn, error
	Album   string    `json:"album,omitempty"`
	Message string    `json:"message"`
}

// SyncJob records one sync run. At most one job per type may be running at a
// time; status transitions are monotonic.
type SyncJob struct {
	ID          string                   `json:"id"`
	Type        SyncJobType              `json:"type"`
	Status      SyncStatus               `json:"status"`
	AlbumFilter string                   `json:"albumFilter,omitempty"`
	StartedAt   *time.Time               `json:"startedAt,omitempty"`
	CompletedAt *time.Time               `json:"completedAt,omitempty"`
	Progress    map[string]AlbumProgress `json:"progress,omitempty"`
	Logs        []LogLine                `json:"logs,omitempty"`
	CreatedAt   time.Time                `json:"createdAt"`
	UpdatedAt   time.Time                `json:"updatedAt"`
}

// OrphanClass is the advisory classification for a DB-only album.
type OrphanClass string

const (
	// OrphanCleanup: no asset has an object-store copy; nothing to recover.
	OrphanCleanup OrphanClass = "cleanup"
	// OrphanRecoverable: every asset has a verified object-store copy and a
	// prior completed sync; the local copy can safely be forgotten.
	OrphanRecoverable OrphanClass = "recoverable"
	// OrphanNeedsReview: partial object-store coverage, manual action needed.
	OrphanNeedsReview OrphanClass = "needs-review"
)
