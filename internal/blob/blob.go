package blob

import (
	"context"
	"time"
)

// Store is the narrow blob-storage surface handlers and the kernel use to
// pass oversized intermediate data between stages by reference.
type Store interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Exists(ctx context.Context, path string) (bool, error)
	// SignedURL mints a time-limited read URL for external consumers.
	SignedURL(path string, ttl time.Duration) (string, error)
}
