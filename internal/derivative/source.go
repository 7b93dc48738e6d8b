// Package derivative produces thumbnails, blurhash placeholders and EXIF
// metadata from source assets, writing outputs to object storage and the
// database.
package derivative

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jtarkowski/albumforge/internal/objectstore"
)

// ErrSourceMissing means the asset has neither a readable local file nor an
// object-store copy. Such assets are never retried; reconciliation surfaces
// them as orphans for operator review.
var ErrSourceMissing = errors.New("source bytes unavailable locally and in object store")

// Source origins, for audit logs.
const (
	OriginLocal       = "local"
	OriginObjectStore = "object-store"
)

// Source resolves an asset's original bytes. The local path is always tried
// first; the object store is the durable fallback, so a worker keeps running
// after local storage was cleaned up following a successful sync.
type Source struct {
	store objectstore.Gateway
}

// NewSource constructs a Source over the object-store gateway.
func NewSource(store objectstore.Gateway) *Source {
	return &Source{store: store}
}

// Bytes returns the original bytes and the origin they were read from. The
// object store's Get is never called when the local read succeeds.
func (s *Source) Bytes(ctx context.Context, localPath, objectKey string) ([]byte, string, error) {
	if localPath != "" {
		data, err := os.ReadFile(localPath)
		if err == nil {
			return data, OriginLocal, nil
		}
	}
	if objectKey == "" {
		return nil, "", ErrSourceMissing
	}
	data, err := s.store.Get(ctx, objectKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, "", ErrSourceMissing
		}
		return nil, "", fmt.Errorf("fetch source %s: %w", objectKey, err)
	}
	return data, OriginObjectStore, nil
}
