// Package objectstore provides the capability interface over the remote blob
// store consumed by the reconciler and derivative workers, plus its MinIO
// implementation.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jtarkowski/albumforge/internal/config"
)

// ErrNotFound is returned by Get when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Gateway is the object-store capability. Exists is a metadata-only probe;
// it never fetches object bytes.
type Gateway interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	PresignUpload(ctx context.Context, key, contentType string) (string, error)
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Store wraps MinIO/S3 interactions for original and derivative objects.
type Store struct {
	client    *minio.Client
	bucket    string
	region    string
	uploadTTL time.Duration
	// maxElapsed bounds transient-failure retries per call.
	maxElapsed time.Duration
}

var _ Gateway = (*Store)(nil)

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Store, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Store{
		client:     client,
		bucket:     cfg.MediaBucket,
		region:     cfg.S3Region,
		uploadTTL:  cfg.SignedURLTTL,
		maxElapsed: 15 * time.Second,
	}, nil
}

// EnsureBucket makes sure the media bucket exists before use.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Put uploads an object.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	op := func() error {
		reader := bytes.NewReader(data)
		_, err := s.client.PutObject(ctx, s.bucket, key, reader, int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType})
		return classify(err)
	}
	if err := s.retry(ctx, op); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Get fetches the full object bytes.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	op := func() error {
		obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return classify(err)
		}
		defer obj.Close()
		buf, err := io.ReadAll(obj)
		if err != nil {
			return classify(err)
		}
		data = buf
		return nil
	}
	if err := s.retry(ctx, op); err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("get object %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return data, nil
}

// Exists runs a metadata-only probe for the key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	op := func() error {
		_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
		if err != nil {
			if isNoSuchKey(err) {
				found = false
				return nil
			}
			return classify(err)
		}
		found = true
		return nil
	}
	if err := s.retry(ctx, op); err != nil {
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return found, nil
}

// Delete removes an object.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// List returns all object keys under the prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// PresignUpload returns a signed PUT URL for direct client uploads.
func (s *Store) PresignUpload(ctx context.Context, key, contentType string) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, s.uploadTTL)
	if err != nil {
		return "", fmt.Errorf("presign upload %s: %w", key, err)
	}
	return u.String(), nil
}

// PresignDownload returns a signed GET URL.
func (s *Store) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign download %s: %w", key, err)
	}
	return u.String(), nil
}

// retry runs op with exponential backoff, bounded by maxElapsed. Permanent
// errors (missing keys, cancelled contexts) are surfaced immediately.
func (s *Store) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = s.maxElapsed
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// classify marks non-retryable failures permanent so backoff stops early.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isNoSuchKey(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return err
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(errors.Unwrap(err))
	if resp.Code == "" {
		resp = minio.ToErrorResponse(err)
	}
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}
