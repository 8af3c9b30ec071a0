package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned by Get when the key holds no live entry.
var ErrMiss = errors.New("cache miss")

// Cache is a byte-payload key/value store with TTLs. Entries are derived,
// disposable state: a miss always falls back to a storage read, so any
// implementation may evict at will.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

// Key hashes a path and modification time into a cache key. The modification
// time is part of the key, so overwriting a file orphans old entries instead
// of requiring in-place correction.
func Key(kind, path string, lastModified time.Time) string {
	return hash(fmt.Sprintf("%s|%s|%d", kind, path, lastModified.UnixNano()))
}

// ValidationKey keys validation verdicts by path alone; verdicts carry a
// short TTL instead of an mtime component.
func ValidationKey(path string) string {
	return hash("valid|" + path)
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
