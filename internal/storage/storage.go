package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Tier is one named storage backend. All tiers share the same contract;
// they differ in latency and durability. Paths are forward-slash relative
// keys, never absolute filesystem paths.
type Tier interface {
	Name() string
	Exists(ctx context.Context, path string) (bool, error)
	Size(ctx context.Context, path string) (int64, error)
	LastModified(ctx context.Context, path string) (time.Time, error)
	MimeType(ctx context.Context, path string) (string, error)
	ReadStream(ctx context.Context, path string) (io.ReadCloser, error)
	// ReadRange returns a reader positioned at offset delivering at most
	// length bytes. length < 0 means "to end of object".
	ReadRange(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error)
	// WriteStream consumes reader until EOF. size may be -1 when unknown.
	WriteStream(ctx context.Context, path string, reader io.Reader, size int64) error
	Delete(ctx context.Context, path string) error
	// DeleteAll removes every object stored under the prefix. Idempotent.
	DeleteAll(ctx context.Context, prefix string) error
}

// Resolver maps role names ("working", "durable") to tiers. It is built at
// startup and injected; components never reach for ambient configuration.
type Resolver struct {
	tiers map[string]Tier
}

// NewResolver registers tiers under their role names.
func NewResolver() *Resolver {
	return &Resolver{tiers: make(map[string]Tier)}
}

// Register binds a tier to a role. The last registration for a role wins.
func (r *Resolver) Register(role string, tier Tier) {
	r.tiers[role] = tier
}

// Tier returns the tier filling the given role.
func (r *Resolver) Tier(role string) (Tier, error) {
	tier, ok := r.tiers[role]
	if !ok {
		return nil, fmt.Errorf("no storage tier registered for role %q", role)
	}
	return tier, nil
}
