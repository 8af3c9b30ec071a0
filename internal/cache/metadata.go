package cache

import (
	"context"
	"time"
)

// MetadataCache is a read-through layer over a Cache. computeFn must be
// idempotent and free of side effects beyond its return value: concurrent
// callers may race to fill the same key and the last writer wins.
type MetadataCache struct {
	backend Cache
}

// NewMetadataCache wraps a backend cache.
func NewMetadataCache(backend Cache) *MetadataCache {
	return &MetadataCache{backend: backend}
}

// GetOrCompute returns the cached value for key, computing and storing it on
// a miss. A backend read error is treated as a miss; a backend write error
// does not fail the call since the computed value is already in hand.
func (m *MetadataCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, computeFn func(context.Context) ([]byte, error)) ([]byte, error) {
	value, err := m.backend.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	// Any backend failure is treated as a miss; the cache is never a source
	// of truth.
	value, err = computeFn(ctx)
	if err != nil {
		return nil, err
	}

	_ = m.backend.Put(ctx, key, value, ttl)
	return value, nil
}

// Invalidate drops the entry for key. Absent keys are a no-op.
func (m *MetadataCache) Invalidate(ctx context.Context, key string) error {
	return m.backend.Forget(ctx, key)
}

// Warm stores a value proactively, e.g. a freshly generated thumbnail.
func (m *MetadataCache) Warm(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.backend.Put(ctx, key, value, ttl)
}
