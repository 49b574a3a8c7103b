// Package cachemanager provides TTL caches used to avoid repeating slow
// lookups, such as probing the filesystem for the agent executable.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is a keyed cache with per-entry expiry.
type CacheManager[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K) error
}
