package port

import (
	"context"
	"time"
)

type CacheRepository interface {
	// Get returns the cached payload, or ok=false on a miss.
	Get(ctx context.Context, key string) (payload []byte, ok bool, err error)

	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error

	// DeleteByPrefix removes every entry whose key starts with prefix.
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)
}
