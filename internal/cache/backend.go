package cache

import (
	"context"
	"time"
)

// Stats holds entry counts for one cache namespace.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

// Backend is the persistent cache tier. Implementations must be safe for
// concurrent use. Get returns a nil payload on miss rather than an error so
// that only genuine backend failures trip the degrade policy.
type Backend interface {
	Get(ctx context.Context, namespace, key string) (payload []byte, expiresAt time.Time, err error)
	Set(ctx context.Context, namespace, key string, payload []byte, expiresAt time.Time) error
	Delete(ctx context.Context, namespace, key string) error
	// Clear removes every entry in namespace; an empty namespace clears all.
	Clear(ctx context.Context, namespace string) error
	// Cleanup removes entries expired as of now and returns the count removed.
	Cleanup(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context, namespace string) (Stats, error)
	// Ping reports backend health; used by the probe degrade policy.
	Ping(ctx context.Context) error
}
