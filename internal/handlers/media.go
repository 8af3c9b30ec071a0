package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hdaklue/marg-flows-sub003/internal/models"
	"github.com/hdaklue/marg-flows-sub003/internal/storage"
	"github.com/hdaklue/marg-flows-sub003/internal/streaming"
	"github.com/hdaklue/marg-flows-sub003/internal/upload"
	"github.com/hdaklue/marg-flows-sub003/pkg/pathutil"
)

// AssetRecords is the persisted view the media surface needs: inventory per
// document and record removal on delete.
type AssetRecords interface {
	ListByDocument(ctx context.Context, documentID string) ([]models.MediaAsset, error)
	DeleteByPath(ctx context.Context, path string) error
}

// MediaHandler serves durable assets and handles listing and deletion.
type MediaHandler struct {
	server  *streaming.Server
	durable storage.Tier
	assets  AssetRecords
	resolve upload.PathResolver
	logger  *slog.Logger
}

// NewMediaHandler wires the serving surface.
func NewMediaHandler(server *streaming.Server, durable storage.Tier, assets AssetRecords, resolve upload.PathResolver, logger *slog.Logger) *MediaHandler {
	if resolve == nil {
		resolve = upload.DefaultPathResolver
	}
	return &MediaHandler{
		server:  server,
		durable: durable,
		assets:  assets,
		resolve: resolve,
		logger:  logger,
	}
}

// Serve handles GET/HEAD /media/:document/:filename with optional Range.
func (h *MediaHandler) Serve(c *gin.Context) {
	document := c.Param("document")
	filename := c.Param("filename")

	// The traversal guard runs again inside the streaming server, but the
	// raw params are rejected here first so a hostile document id never
	// reaches path resolution.
	if !pathutil.Safe(document) || !pathutil.Safe(filename) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	path := pathutil.Join(h.resolve(document), filename)
	h.server.Serve(c.Writer, c.Request, path)
}

// List handles GET /api/v1/media/:document, the asset inventory clients use
// to render a document's attachments.
func (h *MediaHandler) List(c *gin.Context) {
	document := c.Param("document")
	if !pathutil.Safe(document) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	assets, err := h.assets.ListByDocument(c.Request.Context(), document)
	if err != nil {
		h.logger.Error("asset listing failed", "document_id", document, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}
	if assets == nil {
		assets = []models.MediaAsset{}
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

type deleteRequest struct {
	Path string `json:"path" binding:"required"`
}

// Delete handles DELETE /media. Absence is not an error: the response just
// reports deleted=false.
func (h *MediaHandler) Delete(c *gin.Context) {
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	if !pathutil.Safe(req.Path) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	ctx := c.Request.Context()
	exists, err := h.durable.Exists(ctx, req.Path)
	if err != nil {
		h.logger.Error("delete existence check failed", "path", req.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	if !exists {
		c.JSON(http.StatusOK, gin.H{"deleted": false})
		return
	}

	// Capture the old mtime before the file goes: it keys the stale cache
	// entries that must be evicted.
	modTime, mtimeErr := h.durable.LastModified(ctx, req.Path)

	if err := h.durable.Delete(ctx, req.Path); err != nil {
		h.logger.Error("asset delete failed", "path", req.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}

	if mtimeErr == nil {
		h.server.Invalidate(ctx, req.Path, modTime)
	}
	if err := h.assets.DeleteByPath(ctx, req.Path); err != nil {
		h.logger.Warn("asset record delete failed", "path", req.Path, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
