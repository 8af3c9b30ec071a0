package streaming

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hdaklue/marg-flows-sub003/internal/cache"
	"github.com/hdaklue/marg-flows-sub003/internal/storage"
	"github.com/hdaklue/marg-flows-sub003/pkg/pathutil"
)

// DurationLookup reports the media duration in seconds for a served path,
// or 0 when unknown. Wired to the asset repository so the buffer policy can
// size windows by bitrate.
type DurationLookup func(ctx context.Context, path string) float64

// Options configures a Server.
type Options struct {
	CacheableSize int64
	ContentTTL    time.Duration
	MetadataTTL   time.Duration
	ValidationTTL time.Duration
	// AccelRedirectPrefix enables the nginx internal-redirect fast path.
	// Only honored when the backing tier is local disk.
	AccelRedirectPrefix string
	Policy              BufferPolicy
	DurationFor         DurationLookup
}

// Server answers media requests with byte-range semantics: full responses,
// 206 partials, an optional internal-redirect fast path, and layered
// metadata/content caching keyed by (path, last-modified).
type Server struct {
	tier   storage.Tier
	cache  *cache.MetadataCache
	opts   Options
	logger *slog.Logger
}

// NewServer builds a Server over the tier holding ready assets.
func NewServer(tier storage.Tier, metaCache *cache.MetadataCache, opts Options, logger *slog.Logger) *Server {
	if opts.Policy == (BufferPolicy{}) {
		opts.Policy = DefaultBufferPolicy()
	}
	return &Server{tier: tier, cache: metaCache, opts: opts, logger: logger}
}

// Serve runs the per-request state machine:
// Validate -> (FastPath | RangeServe | FullServe).
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, path string) {
	ctx := r.Context()

	// Traversal guard runs before any storage I/O.
	if !pathutil.Safe(path) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	mimeType, ok, err := s.validate(ctx, path)
	if err != nil {
		s.logger.Error("validation failed", "path", path, "error", err)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	size, err := s.tier.Size(ctx, path)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	modTime, err := s.tier.LastModified(ctx, path)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	s.writeCommonHeaders(w, path, mimeType, size, modTime)

	if _, isLocal := s.tier.(*storage.LocalTier); isLocal && s.opts.AccelRedirectPrefix != "" {
		s.serveFastPath(w, path, size)
		return
	}

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		s.serveRange(ctx, w, r, path, rangeHeader, size, modTime)
		return
	}
	s.serveFull(ctx, w, r, path, size, modTime)
}

// validate checks existence and media type, caching the verdict for a short
// TTL so repeated validation of hot paths is cheap.
func (s *Server) validate(ctx context.Context, path string) (string, bool, error) {
	key := cache.ValidationKey(path)
	payload, err := s.cache.GetOrCompute(ctx, key, s.opts.ValidationTTL, func(ctx context.Context) ([]byte, error) {
		exists, err := s.tier.Exists(ctx, path)
		if err != nil {
			return nil, err
		}
		if !exists {
			return []byte("!"), nil
		}
		mimeType, err := s.tier.MimeType(ctx, path)
		if err != nil {
			return nil, err
		}
		if !pathutil.AcceptedMediaType(mimeType) {
			return []byte("!"), nil
		}
		return []byte(mimeType), nil
	})
	if err != nil {
		return "", false, err
	}
	if string(payload) == "!" {
		return "", false, nil
	}
	return string(payload), true, nil
}

// writeCommonHeaders emits the headers every response carries. The CORS
// surface is what browser media elements need for seeking: Range must be
// allowed in, Content-Range exposed back out.
func (s *Server) writeCommonHeaders(w http.ResponseWriter, path, mimeType string, size int64, modTime time.Time) {
	h := w.Header()
	h.Set("Content-Type", mimeType)
	h.Set("Accept-Ranges", "bytes")
	h.Set("ETag", etag(path, modTime, size))
	h.Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	h.Set("Cache-Control", "public, max-age=3600")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Range, Content-Type")
	h.Set("Access-Control-Expose-Headers", "Content-Range, Content-Length, Accept-Ranges")
}

// serveFastPath hands the transfer to the fronting proxy: headers plus an
// internal-redirect instruction, no bytes from this process.
func (s *Server) serveFastPath(w http.ResponseWriter, path string, size int64) {
	w.Header().Set("X-Accel-Redirect", s.opts.AccelRedirectPrefix+"/"+path)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
}

// serveRange answers a Range request with exactly the requested window.
func (s *Server) serveRange(ctx context.Context, w http.ResponseWriter, r *http.Request, path, rangeHeader string, size int64, modTime time.Time) {
	byteRange, err := ParseRange(rangeHeader, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	reader, err := s.tier.ReadRange(ctx, path, byteRange.Start, byteRange.Length())
	if err != nil {
		s.logger.Error("range read failed", "path", path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Range", byteRange.ContentRange(size))
	w.Header().Set("Content-Length", strconv.FormatInt(byteRange.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)

	chunkSize := s.opts.Policy.BufferSize(size, s.duration(ctx, path, modTime))
	written, err := Copy(w, reader, byteRange.Length(), chunkSize, disconnected(r))
	if err != nil {
		s.logger.Warn("range stream aborted", "path", path, "written", written, "error", err)
	}
}

// serveFull answers a request without a Range header: cached read-through
// for small assets, a bounded streaming loop for everything else.
func (s *Server) serveFull(ctx context.Context, w http.ResponseWriter, r *http.Request, path string, size int64, modTime time.Time) {
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))

	if size <= s.opts.CacheableSize {
		key := cache.Key("content", path, modTime)
		data, err := s.cache.GetOrCompute(ctx, key, s.opts.ContentTTL, func(ctx context.Context) ([]byte, error) {
			return s.readAll(ctx, path, size)
		})
		if err == nil {
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
		s.logger.Warn("content cache read-through failed", "path", path, "error", err)
	}

	reader, err := s.tier.ReadStream(ctx, path)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer reader.Close()

	w.WriteHeader(http.StatusOK)
	chunkSize := s.opts.Policy.BufferSize(size, s.duration(ctx, path, modTime))
	written, err := Copy(w, reader, size, chunkSize, disconnected(r))
	if err != nil {
		s.logger.Warn("full stream aborted", "path", path, "written", written, "error", err)
	}
}

// Invalidate evicts every cache entry keyed by the old (path, lastModified)
// pair after the underlying file was mutated or removed. The new mtime forms
// new keys on its own; stale entries are orphaned, not corrected.
func (s *Server) Invalidate(ctx context.Context, path string, oldModTime time.Time) {
	_ = s.cache.Invalidate(ctx, cache.Key("content", path, oldModTime))
	_ = s.cache.Invalidate(ctx, cache.Key("meta", path, oldModTime))
	_ = s.cache.Invalidate(ctx, cache.ValidationKey(path))
}

func (s *Server) readAll(ctx context.Context, path string, size int64) ([]byte, error) {
	reader, err := s.tier.ReadStream(ctx, path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	// Bounded by CacheableSize, so a full read is safe here.
	data, err := io.ReadAll(io.LimitReader(reader, size))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// duration resolves the media duration through the metadata cache so hot
// paths do not query the asset store once per request. Keyed by mtime like
// every content entry; Invalidate evicts the same key.
func (s *Server) duration(ctx context.Context, path string, modTime time.Time) float64 {
	if s.opts.DurationFor == nil {
		return 0
	}
	key := cache.Key("meta", path, modTime)
	payload, err := s.cache.GetOrCompute(ctx, key, s.opts.MetadataTTL, func(ctx context.Context) ([]byte, error) {
		return strconv.AppendFloat(nil, s.opts.DurationFor(ctx, path), 'f', -1, 64), nil
	})
	if err != nil {
		return s.opts.DurationFor(ctx, path)
	}
	value, err := strconv.ParseFloat(string(payload), 64)
	if err != nil {
		return 0
	}
	return value
}

// disconnected adapts the request context into the copy loop's cancellation
// probe.
func disconnected(r *http.Request) func() bool {
	ctx := r.Context()
	return func() bool {
		return ctx.Err() != nil
	}
}

func etag(path string, modTime time.Time, size int64) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%d|%d", path, modTime.UnixNano(), size)))
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
