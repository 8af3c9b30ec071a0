package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdaklue/marg-flows-sub003/internal/cache"
	"github.com/hdaklue/marg-flows-sub003/internal/media"
	"github.com/hdaklue/marg-flows-sub003/internal/models"
	"github.com/hdaklue/marg-flows-sub003/internal/queue"
	"github.com/hdaklue/marg-flows-sub003/internal/storage"
	"github.com/hdaklue/marg-flows-sub003/internal/upload"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// noopProber satisfies media.Prober without shelling out.
type noopProber struct{}

func (noopProber) Probe(context.Context, string) (media.Probe, error) {
	return media.Probe{Duration: 10, Width: 1280, Height: 720}, nil
}

func (noopProber) Thumbnail(_ context.Context, _ string, _ float64, outPath string) error {
	return os.WriteFile(outPath, []byte("frame"), 0o644)
}

type fakeAssetStore struct {
	mu     sync.Mutex
	assets []*models.MediaAsset
}

func (f *fakeAssetStore) Create(_ context.Context, asset *models.MediaAsset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assets = append(f.assets, asset)
	return nil
}

// failingWriteTier refuses every write, standing in for a full working disk.
type failingWriteTier struct {
	storage.Tier
}

func (failingWriteTier) WriteStream(context.Context, string, io.Reader, int64) error {
	return errors.New("disk full")
}

// gatedWriteTier parks writes until released so a test can hold an upload
// slot open.
type gatedWriteTier struct {
	storage.Tier
	entered chan struct{}
	release chan struct{}
}

func (t *gatedWriteTier) WriteStream(ctx context.Context, path string, reader io.Reader, size int64) error {
	t.entered <- struct{}{}
	<-t.release
	return t.Tier.WriteStream(ctx, path, reader, size)
}

type uploadFixture struct {
	router  *gin.Engine
	tracker *upload.SessionTracker
	chunks  *upload.ChunkStore
	durable *storage.LocalTier
	assets  *fakeAssetStore
}

func newUploadFixture(t *testing.T, limits UploadLimits) *uploadFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	working, err := storage.NewLocalTier("working", t.TempDir())
	require.NoError(t, err)
	durable, err := storage.NewLocalTier("durable", t.TempDir())
	require.NoError(t, err)

	tracker := upload.NewSessionTracker(time.Hour)
	chunks := upload.NewChunkStore(working)

	// Depth 1 and no running workers: a session that tried to schedule its
	// pipeline twice would hit a full queue and turn into a 503.
	dispatcher := queue.NewDispatcher(queue.Options{Depth: 1}, testLogger())
	dispatcher.Register(upload.TaskProcessSession, func(context.Context, json.RawMessage) error {
		return nil
	})

	metaCache := cache.NewMetadataCache(cache.NewMemoryCache())
	pipeline := media.NewPipeline(durable, noopProber{}, metaCache, time.Minute, testLogger())

	assets := &fakeAssetStore{}
	handler := NewUploadHandler(tracker, chunks, dispatcher, pipeline, durable, assets, nil, limits, testLogger())

	router := gin.New()
	router.POST("/upload/chunk", handler.Chunk)
	router.POST("/upload/single", handler.Single)
	router.GET("/upload/status/:sessionId", handler.Status)

	return &uploadFixture{
		router:  router,
		tracker: tracker,
		chunks:  chunks,
		durable: durable,
		assets:  assets,
	}
}

func chunkForm(t *testing.T, fields map[string]string, chunk []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	if chunk != nil {
		part, err := writer.CreateFormFile("chunk", "blob")
		require.NoError(t, err)
		_, err = part.Write(chunk)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return &body, writer.FormDataContentType()
}

func postChunk(t *testing.T, router *gin.Engine, fields map[string]string, chunk []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := chunkForm(t, fields, chunk)
	req := httptest.NewRequest(http.MethodPost, "/upload/chunk", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeChunkResponse(t *testing.T, rec *httptest.ResponseRecorder) chunkResponse {
	t.Helper()
	var resp chunkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestUploadChunk(t *testing.T) {
	t.Run("should accept chunks and report progress", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{})

		rec := postChunk(t, fixture.router, map[string]string{
			"sessionId":   "s1",
			"documentId":  "d1",
			"fileName":    "clip.mp4",
			"chunkIndex":  "0",
			"totalChunks": "2",
		}, []byte("first"))

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeChunkResponse(t, rec)
		assert.True(t, resp.Success)
		assert.False(t, resp.Completed)
		assert.Equal(t, 0, resp.Chunk)
		assert.InDelta(t, 50.0, resp.Progress, 0.01)
		assert.Equal(t, "s1", rec.Header().Get("X-Session-Id"))
	})

	t.Run("should complete and schedule processing on the last chunk", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{})
		fields := func(index string) map[string]string {
			return map[string]string{
				"sessionId":   "s1",
				"documentId":  "d1",
				"fileName":    "clip.mp4",
				"chunkIndex":  index,
				"totalChunks": "2",
			}
		}

		postChunk(t, fixture.router, fields("1"), []byte("second"))
		rec := postChunk(t, fixture.router, fields("0"), []byte("first"))

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeChunkResponse(t, rec)
		assert.True(t, resp.Completed)
		assert.True(t, resp.Processing)
		assert.InDelta(t, 100.0, resp.Progress, 0.01)

		sess, err := fixture.tracker.Get("s1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusAssembling, sess.Status)
	})

	t.Run("should answer duplicates of the final chunk without rescheduling", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{})
		fields := func(index string) map[string]string {
			return map[string]string{
				"sessionId":   "s1",
				"documentId":  "d1",
				"fileName":    "clip.mp4",
				"chunkIndex":  index,
				"totalChunks": "2",
			}
		}

		postChunk(t, fixture.router, fields("0"), []byte("first"))
		rec := postChunk(t, fixture.router, fields("1"), []byte("second"))
		require.Equal(t, http.StatusOK, rec.Code)
		require.True(t, decodeChunkResponse(t, rec).Processing)

		// The network retried the final chunk. One pipeline task is already
		// queued; the duplicate must not schedule another or fail loudly.
		rec = postChunk(t, fixture.router, fields("1"), []byte("second"))
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeChunkResponse(t, rec)
		assert.True(t, resp.Success)
		assert.True(t, resp.Completed)
		assert.False(t, resp.Processing)

		sess, err := fixture.tracker.Get("s1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusAssembling, sess.Status)
	})

	t.Run("should answer a duplicate after completion benignly", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{})
		fields := func(index string) map[string]string {
			return map[string]string{
				"sessionId":   "s1",
				"documentId":  "d1",
				"fileName":    "clip.mp4",
				"chunkIndex":  index,
				"totalChunks": "1",
			}
		}

		rec := postChunk(t, fixture.router, fields("0"), []byte("only"))
		require.Equal(t, http.StatusOK, rec.Code)

		require.NoError(t, fixture.tracker.SetStatus("s1", models.StatusProcessing))
		require.NoError(t, fixture.tracker.SetStatus("s1", models.StatusComplete))

		rec = postChunk(t, fixture.router, fields("0"), []byte("only"))
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeChunkResponse(t, rec)
		assert.True(t, resp.Success)
		assert.True(t, resp.Completed)

		sess, err := fixture.tracker.Get("s1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusComplete, sess.Status, "a late duplicate must not disturb a finished session")
	})

	t.Run("should not count a chunk whose payload failed to store", func(t *testing.T) {
		gin.SetMode(gin.TestMode)
		base, err := storage.NewLocalTier("working", t.TempDir())
		require.NoError(t, err)

		tracker := upload.NewSessionTracker(time.Hour)
		chunks := upload.NewChunkStore(&failingWriteTier{Tier: base})
		dispatcher := queue.NewDispatcher(queue.Options{Depth: 1}, testLogger())
		dispatcher.Register(upload.TaskProcessSession, func(context.Context, json.RawMessage) error {
			return nil
		})
		handler := NewUploadHandler(tracker, chunks, dispatcher, nil, base, &fakeAssetStore{}, nil, UploadLimits{}, testLogger())
		router := gin.New()
		router.POST("/upload/chunk", handler.Chunk)

		rec := postChunk(t, router, map[string]string{
			"sessionId":   "s1",
			"documentId":  "d1",
			"fileName":    "clip.mp4",
			"chunkIndex":  "0",
			"totalChunks": "1",
		}, []byte("doomed"))
		require.Equal(t, http.StatusInternalServerError, rec.Code)

		progress, err := tracker.Progress("s1")
		require.NoError(t, err)
		assert.Equal(t, 0, progress.Received, "a failed store must not count toward completeness")

		complete, err := tracker.IsComplete("s1")
		require.NoError(t, err)
		assert.False(t, complete)
	})

	t.Run("should reject an oversized chunk", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{MaxChunkSize: 4})

		rec := postChunk(t, fixture.router, map[string]string{
			"sessionId":   "s1",
			"documentId":  "d1",
			"fileName":    "clip.mp4",
			"chunkIndex":  "0",
			"totalChunks": "2",
		}, []byte("oversized payload"))

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		_, err := fixture.tracker.Get("s1")
		assert.ErrorIs(t, err, upload.ErrSessionNotFound, "rejected bytes must not open a session")
	})

	t.Run("should cap concurrent chunk uploads", func(t *testing.T) {
		gin.SetMode(gin.TestMode)
		base, err := storage.NewLocalTier("working", t.TempDir())
		require.NoError(t, err)
		gated := &gatedWriteTier{Tier: base, entered: make(chan struct{}), release: make(chan struct{})}

		tracker := upload.NewSessionTracker(time.Hour)
		chunks := upload.NewChunkStore(gated)
		dispatcher := queue.NewDispatcher(queue.Options{Depth: 2}, testLogger())
		dispatcher.Register(upload.TaskProcessSession, func(context.Context, json.RawMessage) error {
			return nil
		})
		handler := NewUploadHandler(tracker, chunks, dispatcher, nil, base, &fakeAssetStore{}, nil, UploadLimits{MaxParallel: 1}, testLogger())
		router := gin.New()
		router.POST("/upload/chunk", handler.Chunk)

		fields := func(index string) map[string]string {
			return map[string]string{
				"sessionId":   "s1",
				"documentId":  "d1",
				"fileName":    "clip.mp4",
				"chunkIndex":  index,
				"totalChunks": "3",
			}
		}

		body, contentType := chunkForm(t, fields("0"), []byte("a"))
		firstCode := make(chan int, 1)
		go func() {
			req := httptest.NewRequest(http.MethodPost, "/upload/chunk", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			firstCode <- rec.Code
		}()

		// The first upload is parked inside its storage write; the budget of
		// one slot is spent.
		<-gated.entered
		rec := postChunk(t, router, fields("1"), []byte("b"))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		close(gated.release)
		assert.Equal(t, http.StatusOK, <-firstCode)
	})

	t.Run("should mint a session id when none is provided", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{})

		rec := postChunk(t, fixture.router, map[string]string{
			"documentId":  "d1",
			"fileName":    "clip.mp4",
			"chunkIndex":  "0",
			"totalChunks": "2",
		}, []byte("data"))

		require.Equal(t, http.StatusOK, rec.Code)
		minted := rec.Header().Get("X-Session-Id")
		require.NotEmpty(t, minted)

		_, err := fixture.tracker.Get(minted)
		assert.NoError(t, err)
	})

	t.Run("should reject a missing chunk part", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{})
		rec := postChunk(t, fixture.router, map[string]string{
			"sessionId":   "s1",
			"chunkIndex":  "0",
			"totalChunks": "2",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should reject malformed numbers", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{})
		rec := postChunk(t, fixture.router, map[string]string{
			"sessionId":   "s1",
			"chunkIndex":  "zero",
			"totalChunks": "2",
		}, []byte("data"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should reject an out-of-range index", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{})
		rec := postChunk(t, fixture.router, map[string]string{
			"sessionId":   "s1",
			"documentId":  "d1",
			"fileName":    "clip.mp4",
			"chunkIndex":  "5",
			"totalChunks": "2",
		}, []byte("data"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeChunkResponse(t, rec)
		assert.False(t, resp.Success)
		assert.NotEmpty(t, resp.Error)
	})

	t.Run("should answer 409 for a failed session", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{})
		_, err := fixture.tracker.RecordChunkReceived("s1", "d1", "clip.mp4", 0, 2)
		require.NoError(t, err)
		require.NoError(t, fixture.tracker.Fail("s1", "worker gave up"))

		rec := postChunk(t, fixture.router, map[string]string{
			"sessionId":   "s1",
			"documentId":  "d1",
			"fileName":    "clip.mp4",
			"chunkIndex":  "1",
			"totalChunks": "2",
		}, []byte("data"))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestUploadSingle(t *testing.T) {
	singleForm := func(t *testing.T, fileName string, content []byte) (*bytes.Buffer, string) {
		t.Helper()
		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		require.NoError(t, writer.WriteField("documentId", "d1"))
		part, err := writer.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
		require.NoError(t, writer.Close())
		return &body, writer.FormDataContentType()
	}

	t.Run("should store the file and return the asset", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{})
		body, contentType := singleForm(t, "clip.mp4", []byte("tiny video"))

		req := httptest.NewRequest(http.MethodPost, "/upload/single", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		fixture.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)

		var asset models.MediaAsset
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &asset))
		assert.Equal(t, "documents/d1/clip.mp4", asset.Path)
		assert.Equal(t, int64(10), asset.Size)
		assert.Equal(t, "video/mp4", asset.MimeType)
		require.Len(t, fixture.assets.assets, 1)

		reader, err := fixture.durable.ReadStream(context.Background(), "documents/d1/clip.mp4")
		require.NoError(t, err)
		defer reader.Close()
		data, err := io.ReadAll(reader)
		require.NoError(t, err)
		assert.Equal(t, "tiny video", string(data))
	})

	t.Run("should sanitize hostile filenames", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{})
		body, contentType := singleForm(t, "../../etc/clip.mp4", []byte("x"))

		req := httptest.NewRequest(http.MethodPost, "/upload/single", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		fixture.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		var asset models.MediaAsset
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &asset))
		assert.Equal(t, "documents/d1/clip.mp4", asset.Path)
	})

	t.Run("should enforce the video size limit", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{MaxVideoSize: 4})
		body, contentType := singleForm(t, "clip.mp4", []byte("too big"))

		req := httptest.NewRequest(http.MethodPost, "/upload/single", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		fixture.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Empty(t, fixture.assets.assets)
	})

	t.Run("should reject a request without a file", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{})
		req := httptest.NewRequest(http.MethodPost, "/upload/single", strings.NewReader(""))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
		rec := httptest.NewRecorder()
		fixture.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUploadStatus(t *testing.T) {
	t.Run("should report progress and status", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{})
		_, err := fixture.tracker.RecordChunkReceived("s1", "d1", "clip.mp4", 0, 4)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/upload/status/s1", nil)
		rec := httptest.NewRecorder()
		fixture.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp statusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "s1", resp.SessionID)
		assert.Equal(t, string(models.StatusUploading), resp.Status)
		assert.InDelta(t, 25.0, resp.Progress, 0.01)
	})

	t.Run("should surface the failure reason", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{})
		_, err := fixture.tracker.RecordChunkReceived("s1", "d1", "clip.mp4", 0, 1)
		require.NoError(t, err)
		require.NoError(t, fixture.tracker.Fail("s1", "assembly blew up"))

		req := httptest.NewRequest(http.MethodGet, "/upload/status/s1", nil)
		rec := httptest.NewRecorder()
		fixture.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp statusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, string(models.StatusFailed), resp.Status)
		assert.Equal(t, "assembly blew up", resp.FailReason)
	})

	t.Run("should 404 unknown sessions", func(t *testing.T) {
		fixture := newUploadFixture(t, UploadLimits{})
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/upload/status/%s", "ghost"), nil)
		rec := httptest.NewRecorder()
		fixture.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
