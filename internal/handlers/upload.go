package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hdaklue/marg-flows-sub003/internal/media"
	"github.com/hdaklue/marg-flows-sub003/internal/models"
	"github.com/hdaklue/marg-flows-sub003/internal/queue"
	"github.com/hdaklue/marg-flows-sub003/internal/storage"
	"github.com/hdaklue/marg-flows-sub003/internal/upload"
	"github.com/hdaklue/marg-flows-sub003/pkg/pathutil"
)

// UploadLimits caps accepted file sizes per media family.
type UploadLimits struct {
	MaxVideoSize int64
	MaxImageSize int64
	// MaxChunkSize bounds a single chunk part. Zero disables the check.
	MaxChunkSize int64
	// MaxParallel caps in-flight chunk uploads. Zero means unlimited.
	MaxParallel int64
}

// UploadHandler accepts chunked and single-shot uploads.
type UploadHandler struct {
	tracker    *upload.SessionTracker
	chunks     *upload.ChunkStore
	dispatcher *queue.Dispatcher
	pipeline   *media.Pipeline
	durable    storage.Tier
	assets     upload.AssetStore
	resolve    upload.PathResolver
	limits     UploadLimits
	parallel   *semaphore.Weighted
	logger     *slog.Logger
}

// NewUploadHandler wires the upload surface.
func NewUploadHandler(tracker *upload.SessionTracker, chunks *upload.ChunkStore, dispatcher *queue.Dispatcher, pipeline *media.Pipeline, durable storage.Tier, assets upload.AssetStore, resolve upload.PathResolver, limits UploadLimits, logger *slog.Logger) *UploadHandler {
	if resolve == nil {
		resolve = upload.DefaultPathResolver
	}
	var parallel *semaphore.Weighted
	if limits.MaxParallel > 0 {
		parallel = semaphore.NewWeighted(limits.MaxParallel)
	}
	return &UploadHandler{
		tracker:    tracker,
		chunks:     chunks,
		dispatcher: dispatcher,
		pipeline:   pipeline,
		durable:    durable,
		assets:     assets,
		resolve:    resolve,
		limits:     limits,
		parallel:   parallel,
		logger:     logger,
	}
}

type chunkResponse struct {
	Success     bool    `json:"success"`
	Completed   bool    `json:"completed"`
	Chunk       int     `json:"chunk"`
	TotalChunks int     `json:"total_chunks"`
	Progress    float64 `json:"progress"`
	Processing  bool    `json:"processing"`
	Error       string  `json:"error,omitempty"`
}

// Chunk handles POST /upload/chunk. Expected failure modes come back as
// structured payloads, never bare 500s.
func (h *UploadHandler) Chunk(c *gin.Context) {
	if h.parallel != nil {
		if !h.parallel.TryAcquire(1) {
			c.JSON(http.StatusServiceUnavailable, chunkResponse{Error: "too many concurrent uploads"})
			return
		}
		defer h.parallel.Release(1)
	}

	sessionID := c.PostForm("sessionId")
	fileName := c.PostForm("fileName")
	documentID := c.PostForm("documentId")

	chunkIndex, err := strconv.Atoi(c.PostForm("chunkIndex"))
	if err != nil {
		c.JSON(http.StatusBadRequest, chunkResponse{Error: "invalid chunkIndex"})
		return
	}
	totalChunks, err := strconv.Atoi(c.PostForm("totalChunks"))
	if err != nil || totalChunks <= 0 {
		c.JSON(http.StatusBadRequest, chunkResponse{Error: "invalid totalChunks"})
		return
	}

	file, header, err := c.Request.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, chunkResponse{Error: "no chunk provided"})
		return
	}
	defer file.Close()

	if h.limits.MaxChunkSize > 0 && header.Size > h.limits.MaxChunkSize {
		c.JSON(http.StatusRequestEntityTooLarge, chunkResponse{
			Chunk: chunkIndex, TotalChunks: totalChunks, Error: "chunk exceeds maximum size",
		})
		return
	}

	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	progress, err := h.tracker.RecordChunkReceived(sessionID, documentID, fileName, chunkIndex, totalChunks)
	if err != nil {
		status, msg := chunkErrorStatus(err)
		c.JSON(status, chunkResponse{Chunk: chunkIndex, TotalChunks: totalChunks, Error: msg})
		return
	}

	if err := h.chunks.Put(c.Request.Context(), sessionID, chunkIndex, file); err != nil {
		// The index was recorded optimistically; forget it so completeness
		// never counts bytes that were not stored.
		h.tracker.DropChunk(sessionID, chunkIndex)
		h.logger.Error("chunk write failed", "session_id", sessionID, "chunk", chunkIndex, "error", err)
		c.JSON(http.StatusInternalServerError, chunkResponse{
			Chunk: chunkIndex, TotalChunks: totalChunks, Error: "failed to store chunk",
		})
		return
	}

	completed, err := h.tracker.IsComplete(sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, chunkResponse{Error: "session state unavailable"})
		return
	}

	processing := false
	if completed {
		started, err := h.startPipeline(sessionID, documentID, fileName, totalChunks)
		if err != nil {
			h.logger.Error("failed to start processing", "session_id", sessionID, "error", err)
			c.JSON(http.StatusServiceUnavailable, chunkResponse{
				Completed: true, Chunk: chunkIndex, TotalChunks: totalChunks,
				Progress: progress.Percent(), Error: "processing could not be scheduled",
			})
			return
		}
		processing = started
	}

	c.Header("X-Session-Id", sessionID)
	c.JSON(http.StatusOK, chunkResponse{
		Success:     true,
		Completed:   completed,
		Chunk:       chunkIndex,
		TotalChunks: totalChunks,
		Progress:    progress.Percent(),
		Processing:  processing,
	})
}

// startPipeline schedules the session's pipeline task exactly once. A
// duplicate of the final chunk finds the session already past uploading and
// enqueues nothing.
func (h *UploadHandler) startPipeline(sessionID, documentID, fileName string, totalChunks int) (bool, error) {
	started, err := h.tracker.StartProcessing(sessionID, fileName)
	if err != nil {
		return false, err
	}
	if !started {
		return false, nil
	}
	err = h.dispatcher.Enqueue(upload.TaskProcessSession, upload.ProcessPayload{
		SessionID:   sessionID,
		DocumentID:  documentID,
		FileName:    fileName,
		TotalChunks: totalChunks,
	})
	if err != nil {
		h.tracker.Fail(sessionID, "processing could not be scheduled: "+err.Error())
		return false, err
	}
	return true, nil
}

func chunkErrorStatus(err error) (int, string) {
	var indexErr *upload.ChunkIndexError
	switch {
	case errors.Is(err, upload.ErrSessionFailed):
		return http.StatusConflict, err.Error()
	case errors.Is(err, upload.ErrSessionExpired):
		return http.StatusGone, "session expired"
	case errors.As(err, &indexErr):
		return http.StatusBadRequest, indexErr.Error()
	default:
		return http.StatusBadRequest, err.Error()
	}
}

// Single handles POST /upload/single: direct upload of a small file with
// synchronous processing, returning the full asset payload.
func (h *UploadHandler) Single(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file provided"})
		return
	}
	defer file.Close()

	documentID := c.PostForm("documentId")
	fileName := pathutil.SanitizeFilename(header.Filename)

	if err := h.checkSize(fileName, header.Size); err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}

	destPath := pathutil.Join(h.resolve(documentID), fileName)
	ctx := c.Request.Context()
	if err := h.durable.WriteStream(ctx, destPath, file, header.Size); err != nil {
		h.logger.Error("single upload write failed", "path", destPath, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}

	result := h.pipeline.Process(ctx, destPath)

	asset := &models.MediaAsset{
		ID:            uuid.New(),
		DocumentID:    documentID,
		Path:          destPath,
		Disk:          h.durable.Name(),
		Size:          result.Size,
		Duration:      result.Duration,
		Width:         result.Width,
		Height:        result.Height,
		AspectRatio:   result.AspectRatio,
		ThumbnailPath: result.ThumbnailPath,
		CreatedAt:     time.Now(),
	}
	if modTime, err := h.durable.LastModified(ctx, destPath); err == nil {
		asset.LastModified = modTime
	}
	if mimeType, err := h.durable.MimeType(ctx, destPath); err == nil {
		asset.MimeType = mimeType
	}

	if err := h.assets.Create(ctx, asset); err != nil {
		h.logger.Error("failed to record asset", "path", destPath, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save asset record"})
		return
	}

	c.JSON(http.StatusCreated, asset)
}

func (h *UploadHandler) checkSize(fileName string, size int64) error {
	ext := pathutil.Ext(fileName)
	isImage := ext == ".jpg" || ext == ".jpeg" || ext == ".png" || ext == ".gif" || ext == ".webp"
	if isImage && h.limits.MaxImageSize > 0 && size > h.limits.MaxImageSize {
		return errors.New("image exceeds maximum size")
	}
	if !isImage && h.limits.MaxVideoSize > 0 && size > h.limits.MaxVideoSize {
		return errors.New("file exceeds maximum size")
	}
	return nil
}

type statusResponse struct {
	SessionID  string  `json:"session_id"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	FailReason string  `json:"fail_reason,omitempty"`
}

// Status handles GET /upload/status/:sessionId, the poll endpoint clients
// use after a completed chunk upload.
func (h *UploadHandler) Status(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("sessionId"))

	sess, err := h.tracker.Get(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	progress, err := h.tracker.Progress(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		SessionID:  sess.ID,
		Status:     string(sess.Status),
		Progress:   progress.Percent(),
		FailReason: sess.FailReason,
	})
}
