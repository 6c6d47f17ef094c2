package cache

import (
	"context"
	"time"
)

// Backend is the storage interface shared by the memory and Redis caches.
// Values are opaque byte slices; callers own serialization.
type Backend interface {
	// Get retrieves a value. Returns (value, found, error).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// GetMultiple retrieves several values at once, returning only the
	// keys that were found.
	GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error)

	// SetMultiple stores several values with the same TTL.
	SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	// Close releases the backend's resources.
	Close() error
}
