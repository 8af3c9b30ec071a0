package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hdaklue/marg-flows-sub003/internal/cache"
	"github.com/hdaklue/marg-flows-sub003/internal/storage"
)

// Result carries whatever the pipeline could determine about an asset. The
// success flag per concern is expressed by pointer fields: nil means that
// measurement was unavailable. Size is always present.
type Result struct {
	Size          int64    `json:"size"`
	Duration      *float64 `json:"duration,omitempty"`
	Width         *int     `json:"width,omitempty"`
	Height        *int     `json:"height,omitempty"`
	AspectRatio   string   `json:"aspect_ratio"`
	ThumbnailPath string   `json:"thumbnail_path,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Pipeline extracts metadata and a thumbnail frame from a durable asset.
// Both steps are best effort and independent: a failure in one degrades the
// result, never aborts the other, and never surfaces as an error.
type Pipeline struct {
	durable    storage.Tier
	prober     Prober
	cache      *cache.MetadataCache
	contentTTL time.Duration
	logger     *slog.Logger
}

// NewPipeline wires the pipeline to the durable tier and content cache.
func NewPipeline(durable storage.Tier, prober Prober, metaCache *cache.MetadataCache, contentTTL time.Duration, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		durable:    durable,
		prober:     prober,
		cache:      metaCache,
		contentTTL: contentTTL,
		logger:     logger,
	}
}

// thumbnailAt picks the sample offset: 10% in for short clips, the 1-second
// mark otherwise. Sampling t=0 yields black frames on many encodings.
func thumbnailAt(duration float64) float64 {
	at := duration * 0.1
	if at > 1.0 {
		at = 1.0
	}
	return at
}

// Process measures the asset at assetPath. The returned Result always holds
// the byte size; other fields degrade to nil with a logged warning when
// extraction fails.
func (p *Pipeline) Process(ctx context.Context, assetPath string) Result {
	result := Result{AspectRatio: DefaultAspectRatio}

	size, err := p.durable.Size(ctx, assetPath)
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("size unavailable: %v", err))
		p.logger.Warn("failed to stat asset", "path", assetPath, "error", err)
		return result
	}
	result.Size = size

	localPath, cleanup, err := p.fetchLocal(ctx, assetPath)
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("asset fetch failed: %v", err))
		p.logger.Warn("failed to fetch asset for processing", "path", assetPath, "error", err)
		return result
	}
	defer cleanup()

	probe, probeErr := p.prober.Probe(ctx, localPath)
	if probeErr != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("metadata extraction failed: %v", probeErr))
		p.logger.Warn("metadata extraction failed", "path", assetPath, "error", probeErr)
	} else {
		if probe.Duration > 0 {
			duration := probe.Duration
			result.Duration = &duration
		}
		if probe.Width > 0 && probe.Height > 0 {
			width, height := probe.Width, probe.Height
			result.Width = &width
			result.Height = &height
			result.AspectRatio = AspectRatio(width, height)
		}
	}

	// Thumbnail generation proceeds even when probing failed; the offset
	// just falls back to the start-adjacent default.
	duration := 0.0
	if result.Duration != nil {
		duration = *result.Duration
	}
	thumbPath, thumbErr := p.generateThumbnail(ctx, assetPath, localPath, thumbnailAt(duration))
	if thumbErr != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("thumbnail generation failed: %v", thumbErr))
		p.logger.Warn("thumbnail generation failed", "path", assetPath, "error", thumbErr)
	} else {
		result.ThumbnailPath = thumbPath
	}

	return result
}

// fetchLocal copies the durable asset to a temp file for the prober.
func (p *Pipeline) fetchLocal(ctx context.Context, assetPath string) (string, func(), error) {
	reader, err := p.durable.ReadStream(ctx, assetPath)
	if err != nil {
		return "", nil, err
	}
	defer reader.Close()

	tmp, err := os.CreateTemp("", "mediaflow-probe-*"+filepath.Ext(assetPath))
	if err != nil {
		return "", nil, err
	}
	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, err
	}
	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}

// generateThumbnail writes a frame beside the asset under thumbnails/ and
// warms the content cache so the first display avoids a cold read.
func (p *Pipeline) generateThumbnail(ctx context.Context, assetPath, localPath string, atSeconds float64) (string, error) {
	tmp, err := os.CreateTemp("", "mediaflow-thumb-*.jpg")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	if err := p.prober.Thumbnail(ctx, localPath, atSeconds, tmpName); err != nil {
		return "", err
	}

	data, err := os.ReadFile(tmpName)
	if err != nil {
		return "", err
	}

	base := strings.TrimSuffix(filepath.Base(assetPath), filepath.Ext(assetPath))
	thumbPath := filepath.ToSlash(filepath.Join(filepath.Dir(assetPath), "thumbnails", base+".jpg"))
	if err := p.durable.WriteStream(ctx, thumbPath, bytes.NewReader(data), int64(len(data))); err != nil {
		return "", err
	}

	if modTime, err := p.durable.LastModified(ctx, thumbPath); err == nil {
		key := cache.Key("content", thumbPath, modTime)
		if err := p.cache.Warm(ctx, key, data, p.contentTTL); err != nil {
			p.logger.Warn("thumbnail cache warm failed", "path", thumbPath, "error", err)
		}
	}

	return thumbPath, nil
}
