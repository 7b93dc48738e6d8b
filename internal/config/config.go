// Package config centralizes how AlbumForge reads environment variables and
// exposes them as strongly typed values.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration shared by the api and worker
// binaries.
type Config struct {
	Address     string
	DatabaseURL string
	MediaRoot   string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool
	MediaBucket string

	// WorkerConcurrency bounds in-flight leases held by one worker process.
	WorkerConcurrency int
	// LeaseWindow is the visibility window a dequeued item is reserved for.
	LeaseWindow time.Duration
	// ProbeConcurrency caps concurrent object-store existence checks.
	ProbeConcurrency int
	// FingerprintRecency is how long a matching fingerprint short-circuits
	// a re-scan.
	FingerprintRecency time.Duration
	// CompletedRetention is how long completed queue items stay queryable.
	CompletedRetention time.Duration

	SignedURLTTL time.Duration
	JPEGQuality  int
	WatchEnabled bool
	LogLevel     string
}

const (
	defaultAddress            = ":8080"
	defaultWorkerConcurrency  = 4
	defaultLeaseWindow        = 2 * time.Minute
	defaultProbeConcurrency   = 4
	defaultFingerprintRecency = time.Hour
	defaultCompletedRetention = 24 * time.Hour
	defaultSignedTTL          = 5 * time.Minute
	defaultJPEGQuality        = 85
)

// Load reads configuration from environment variables falling back to
// defaults. DatabaseURL and MediaRoot have no sensible defaults and must be
// provided.
func Load() (*Config, error) {
	cfg := &Config{
		Address:            readEnv("ALBUMFORGE_ADDRESS", defaultAddress),
		DatabaseURL:        readEnv("ALBUMFORGE_DATABASE_URL", ""),
		MediaRoot:          readEnv("ALBUMFORGE_MEDIA_ROOT", ""),
		S3Endpoint:         readEnv("ALBUMFORGE_S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:        readEnv("ALBUMFORGE_S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:        readEnv("ALBUMFORGE_S3_SECRET_KEY", "minioadmin"),
		S3Region:           readEnv("ALBUMFORGE_S3_REGION", "us-east-1"),
		S3UseSSL:           parseBool("ALBUMFORGE_S3_USE_SSL", false),
		MediaBucket:        readEnv("ALBUMFORGE_S3_BUCKET", "albumforge-media"),
		WorkerConcurrency:  parseInt("ALBUMFORGE_WORKERS", defaultWorkerConcurrency),
		LeaseWindow:        parseDuration("ALBUMFORGE_LEASE_WINDOW", defaultLeaseWindow),
		ProbeConcurrency:   parseInt("ALBUMFORGE_PROBE_CONCURRENCY", defaultProbeConcurrency),
		FingerprintRecency: parseDuration("ALBUMFORGE_FINGERPRINT_RECENCY", defaultFingerprintRecency),
		CompletedRetention: parseDuration("ALBUMFORGE_COMPLETED_RETENTION", defaultCompletedRetention),
		SignedURLTTL:       parseDuration("ALBUMFORGE_SIGNED_TTL", defaultSignedTTL),
		JPEGQuality:        parseInt("ALBUMFORGE_JPEG_QUALITY", defaultJPEGQuality),
		WatchEnabled:       parseBool("ALBUMFORGE_WATCH", false),
		LogLevel:           readEnv("ALBUMFORGE_LOG_LEVEL", "info"),
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("ALBUMFORGE_DATABASE_URL is required")
	}
	if cfg.MediaRoot == "" {
		return nil, errors.New("ALBUMFORGE_MEDIA_ROOT is required")
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = defaultWorkerConcurrency
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = defaultProbeConcurrency
	}
	if cfg.LeaseWindow <= 0 {
		cfg.LeaseWindow = defaultLeaseWindow
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = defaultJPEGQuality
	}
	return cfg, nil
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
