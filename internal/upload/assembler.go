package upload

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hdaklue/marg-flows-sub003/internal/storage"
)

// Assembler concatenates a completed session's chunks into one file on the
// working tier, strictly in index order, holding at most one chunk open at a
// time. Input chunks are left in place so a failed downstream step can retry
// from the same material.
type Assembler struct {
	chunks  *ChunkStore
	tracker *SessionTracker
	tier    storage.Tier
	logger  *slog.Logger
}

// NewAssembler wires the assembler to its chunk store, tracker and working
// tier.
func NewAssembler(chunks *ChunkStore, tracker *SessionTracker, tier storage.Tier, logger *slog.Logger) *Assembler {
	return &Assembler{chunks: chunks, tracker: tracker, tier: tier, logger: logger}
}

// Assemble produces the working-tier path of the concatenated file. Every
// expected index is verified before concatenation begins; the first gap is
// reported as MissingChunkError. Invocations are serialized through the
// tracker's assembly claim: while one runs, the rest get
// ErrAssemblyInProgress, and after one succeeds, ErrAlreadyAssembled.
func (a *Assembler) Assemble(ctx context.Context, sessionID, finalFilename string, totalChunks int) (string, error) {
	if err := a.tracker.ClaimAssembly(sessionID); err != nil {
		return "", err
	}
	// Harmless after SetAssembled; required after any failure so a retry
	// can claim again.
	defer a.tracker.ReleaseAssembly(sessionID)

	for i := 0; i < totalChunks; i++ {
		exists, err := a.chunks.Exists(ctx, sessionID, i)
		if err != nil {
			return "", fmt.Errorf("failed to check chunk %d: %w", i, err)
		}
		if !exists {
			return "", &MissingChunkError{Index: i}
		}
	}

	reader, err := a.chunks.ReadAllInOrder(ctx, sessionID, totalChunks)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	workingPath := fmt.Sprintf("assembled/%s/%s", sessionID, finalFilename)
	if err := a.tier.WriteStream(ctx, workingPath, reader, -1); err != nil {
		return "", fmt.Errorf("failed to write assembled file: %w", err)
	}

	if err := a.tracker.SetAssembled(sessionID, workingPath); err != nil {
		return "", err
	}

	a.logger.Info("session assembled",
		"session_id", sessionID,
		"chunks", totalChunks,
		"working_path", workingPath,
	)
	return workingPath, nil
}

// Cleanup removes a session's chunks and assembled scratch file. Explicitly
// separate from Assemble so retries never race their own input deletion.
// Idempotent.
func (a *Assembler) Cleanup(ctx context.Context, sessionID string) error {
	if err := a.chunks.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session chunks: %w", err)
	}
	if err := a.tier.DeleteAll(ctx, fmt.Sprintf("assembled/%s", sessionID)); err != nil {
		return fmt.Errorf("failed to delete assembled file: %w", err)
	}
	return nil
}
