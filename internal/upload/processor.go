package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hdaklue/marg-flows-sub003/internal/media"
	"github.com/hdaklue/marg-flows-sub003/internal/models"
	"github.com/hdaklue/marg-flows-sub003/pkg/pathutil"
)

// TaskProcessSession names the chained assemble -> migrate -> process task.
const TaskProcessSession = "upload.process_session"

// ProcessPayload is the queue payload for TaskProcessSession.
type ProcessPayload struct {
	SessionID   string `json:"session_id"`
	DocumentID  string `json:"document_id"`
	FileName    string `json:"file_name"`
	TotalChunks int    `json:"total_chunks"`
}

// AssetStore persists the durable asset record once processing succeeds.
type AssetStore interface {
	Create(ctx context.Context, asset *models.MediaAsset) error
}

// PathResolver supplies the destination directory for a document id. The
// upload pipeline treats it as an opaque path provider.
type PathResolver func(documentID string) string

// DefaultPathResolver files assets under documents/<id>.
func DefaultPathResolver(documentID string) string {
	return pathutil.Join("documents", documentID)
}

// Processor runs the post-upload pipeline for a completed session as one
// task with sequential internal steps, each step's success gating the next.
type Processor struct {
	tracker   *SessionTracker
	assembler *Assembler
	migrator  *Migrator
	pipeline  *media.Pipeline
	assets    AssetStore
	resolve   PathResolver
	logger    *slog.Logger
}

// NewProcessor wires the pipeline steps together.
func NewProcessor(tracker *SessionTracker, assembler *Assembler, migrator *Migrator, pipeline *media.Pipeline, assets AssetStore, resolve PathResolver, logger *slog.Logger) *Processor {
	if resolve == nil {
		resolve = DefaultPathResolver
	}
	return &Processor{
		tracker:   tracker,
		assembler: assembler,
		migrator:  migrator,
		pipeline:  pipeline,
		assets:    assets,
		resolve:   resolve,
		logger:    logger,
	}
}

// Run executes assemble -> migrate -> process for one session. Errors are
// returned to the dispatcher for retry; steps are written to tolerate
// re-execution after a partial failure.
func (p *Processor) Run(ctx context.Context, payload ProcessPayload) error {
	fileName := pathutil.SanitizeFilename(payload.FileName)

	workingPath, err := p.assembler.Assemble(ctx, payload.SessionID, fileName, payload.TotalChunks)
	switch {
	case errors.Is(err, ErrAlreadyAssembled):
		// A retry after a downstream failure: reuse the existing output.
		sess, getErr := p.tracker.Get(payload.SessionID)
		if getErr != nil {
			return getErr
		}
		workingPath = sess.AssembledTo
	case errors.Is(err, ErrAssemblyInProgress):
		// Another worker holds the claim; come back once its outcome is
		// recorded.
		return err
	case err != nil:
		return fmt.Errorf("assembly failed: %w", err)
	}

	destPath := pathutil.Join(p.resolve(payload.DocumentID), fileName)
	durablePath, err := p.migrator.Migrate(ctx, workingPath, destPath)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if err := p.tracker.SetStatus(payload.SessionID, models.StatusProcessing); err != nil {
		return err
	}

	result := p.pipeline.Process(ctx, durablePath)

	asset := &models.MediaAsset{
		ID:            uuid.New(),
		DocumentID:    payload.DocumentID,
		Path:          durablePath,
		Disk:          p.migrator.destination.Name(),
		Size:          result.Size,
		Duration:      result.Duration,
		Width:         result.Width,
		Height:        result.Height,
		AspectRatio:   result.AspectRatio,
		ThumbnailPath: result.ThumbnailPath,
		CreatedAt:     time.Now(),
	}
	if modTime, err := p.migrator.destination.LastModified(ctx, durablePath); err == nil {
		asset.LastModified = modTime
	}
	if mimeType, err := p.migrator.destination.MimeType(ctx, durablePath); err == nil {
		asset.MimeType = mimeType
	}

	if err := p.assets.Create(ctx, asset); err != nil {
		return fmt.Errorf("failed to record asset: %w", err)
	}

	if err := p.tracker.SetStatus(payload.SessionID, models.StatusComplete); err != nil {
		return err
	}

	// Chunks are folded into the durable asset; scratch space goes now.
	// Cleanup failures are logged, not fatal: the sweeper catches leftovers.
	if err := p.assembler.Cleanup(ctx, payload.SessionID); err != nil {
		p.logger.Warn("session cleanup failed", "session_id", payload.SessionID, "error", err)
	}

	p.logger.Info("upload session processed",
		"session_id", payload.SessionID,
		"asset_path", durablePath,
		"size", result.Size,
	)
	return nil
}

// Fail marks the session terminally failed with a recorded reason. Used as
// the dispatcher's failure hook when the retry budget or timeout is spent.
func (p *Processor) Fail(_ context.Context, payload ProcessPayload, cause error) {
	reason := "processing failed"
	if cause != nil {
		reason = cause.Error()
	}
	if err := p.tracker.Fail(payload.SessionID, reason); err != nil && !errors.Is(err, ErrSessionNotFound) {
		p.logger.Error("failed to mark session failed", "session_id", payload.SessionID, "error", err)
	}
	// The working-tier file stays in place for inspection and manual retry.
}
