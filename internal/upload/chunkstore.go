package upload

import (
	"context"
	"fmt"
	"io"

	"github.com/hdaklue/marg-flows-sub003/internal/storage"
)

// ChunkStore persists uploaded fragments on the working tier under a
// session-scoped prefix. Writes are idempotent per (session, index): a
// duplicate upload replaces the prior bytes.
type ChunkStore struct {
	tier storage.Tier
}

// NewChunkStore binds the store to its working tier.
func NewChunkStore(tier storage.Tier) *ChunkStore {
	return &ChunkStore{tier: tier}
}

func chunkPath(sessionID string, index int) string {
	return fmt.Sprintf("chunks/%s/%d", sessionID, index)
}

func sessionPrefix(sessionID string) string {
	return fmt.Sprintf("chunks/%s", sessionID)
}

// Put stores one chunk, overwriting any previous bytes at the same index.
func (s *ChunkStore) Put(ctx context.Context, sessionID string, index int, reader io.Reader) error {
	if err := s.tier.WriteStream(ctx, chunkPath(sessionID, index), reader, -1); err != nil {
		return fmt.Errorf("failed to store chunk %d: %w", index, err)
	}
	return nil
}

// Exists reports whether a chunk has been stored for the index.
func (s *ChunkStore) Exists(ctx context.Context, sessionID string, index int) (bool, error) {
	return s.tier.Exists(ctx, chunkPath(sessionID, index))
}

// Size returns the stored byte length of one chunk.
func (s *ChunkStore) Size(ctx context.Context, sessionID string, index int) (int64, error) {
	return s.tier.Size(ctx, chunkPath(sessionID, index))
}

// ReadAllInOrder returns a reader that concatenates chunks 0..totalChunks-1.
// Every index is verified up front; a gap yields ErrIncompleteSession before
// any byte is read. At most one chunk is open at a time.
func (s *ChunkStore) ReadAllInOrder(ctx context.Context, sessionID string, totalChunks int) (io.ReadCloser, error) {
	for i := 0; i < totalChunks; i++ {
		exists, err := s.tier.Exists(ctx, chunkPath(sessionID, i))
		if err != nil {
			return nil, fmt.Errorf("failed to check chunk %d: %w", i, err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: chunk %d absent", ErrIncompleteSession, i)
		}
	}
	return &chunkSequenceReader{
		ctx:       ctx,
		store:     s,
		sessionID: sessionID,
		total:     totalChunks,
	}, nil
}

// DeleteSession removes every chunk stored for the session. Idempotent.
func (s *ChunkStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.tier.DeleteAll(ctx, sessionPrefix(sessionID))
}

// chunkSequenceReader streams chunks in ascending index order, opening the
// next chunk only after the current one is exhausted.
type chunkSequenceReader struct {
	ctx       context.Context
	store     *ChunkStore
	sessionID string
	total     int
	index     int
	current   io.ReadCloser
}

func (r *chunkSequenceReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.index >= r.total {
				return 0, io.EOF
			}
			rc, err := r.store.tier.ReadStream(r.ctx, chunkPath(r.sessionID, r.index))
			if err != nil {
				return 0, fmt.Errorf("failed to open chunk %d: %w", r.index, err)
			}
			r.current = rc
		}

		n, err := r.current.Read(p)
		if err == io.EOF {
			r.current.Close()
			r.current = nil
			r.index++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkSequenceReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}
