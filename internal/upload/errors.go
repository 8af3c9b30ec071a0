package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound means no live session exists for the id.
	ErrSessionNotFound = errors.New("upload session not found")
	// ErrSessionFailed means the session is terminally failed; all further
	// writes are rejected.
	ErrSessionFailed = errors.New("upload session failed")
	// ErrSessionExpired means the session outlived its TTL.
	ErrSessionExpired = errors.New("upload session expired")
	// ErrIncompleteSession means a read was attempted before every chunk
	// arrived.
	ErrIncompleteSession = errors.New("upload session incomplete")
	// ErrAlreadyAssembled means Assemble already succeeded for the session.
	ErrAlreadyAssembled = errors.New("session already assembled")
	// ErrAssemblyInProgress means another invocation holds the assembly
	// claim right now. Retryable once the holder finishes or releases.
	ErrAssemblyInProgress = errors.New("session assembly in progress")
	// ErrSourceUnreadable wraps working-tier read failures during migration.
	ErrSourceUnreadable = errors.New("migration source unreadable")
	// ErrDestinationWrite wraps durable-tier write failures during migration.
	ErrDestinationWrite = errors.New("migration destination write failed")
)

// MissingChunkError identifies the first gap found before assembly.
type MissingChunkError struct {
	Index int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("missing chunk %d", e.Index)
}

// ChunkIndexError rejects an index outside [0, totalChunks).
type ChunkIndexError struct {
	Index int
	Total int
}

func (e *ChunkIndexError) Error() string {
	return fmt.Sprintf("chunk index %d out of range [0, %d)", e.Index, e.Total)
}
