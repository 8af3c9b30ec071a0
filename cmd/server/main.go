package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/hdaklue/marg-flows-sub003/internal/cache"
	"github.com/hdaklue/marg-flows-sub003/internal/config"
	"github.com/hdaklue/marg-flows-sub003/internal/handlers"
	"github.com/hdaklue/marg-flows-sub003/internal/media"
	"github.com/hdaklue/marg-flows-sub003/internal/middleware"
	"github.com/hdaklue/marg-flows-sub003/internal/queue"
	"github.com/hdaklue/marg-flows-sub003/internal/repository"
	"github.com/hdaklue/marg-flows-sub003/internal/storage"
	"github.com/hdaklue/marg-flows-sub003/internal/streaming"
	"github.com/hdaklue/marg-flows-sub003/internal/upload"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver := storage.NewResolver()

	local, err := storage.NewLocalTier("local", cfg.WorkingDir)
	if err != nil {
		logger.Error("failed to init local storage", "error", err)
		os.Exit(1)
	}

	workingTier, err := buildTier(ctx, cfg, cfg.WorkingTier, local)
	if err != nil {
		logger.Error("failed to init working tier", "error", err)
		os.Exit(1)
	}
	resolver.Register("working", workingTier)

	durableTier, err := buildTier(ctx, cfg, cfg.DurableTier, local)
	if err != nil {
		logger.Error("failed to init durable tier", "error", err)
		os.Exit(1)
	}
	resolver.Register("durable", durableTier)

	working, _ := resolver.Tier("working")
	durable, _ := resolver.Tier("durable")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	metaCache := cache.NewMetadataCache(cache.NewRedisCache(redisClient, "mediaflow"))

	repo, err := repository.NewAssetRepository(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to init repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	tracker := upload.NewSessionTracker(cfg.SessionTTL)
	chunks := upload.NewChunkStore(working)
	assembler := upload.NewAssembler(chunks, tracker, working, logger)
	migrator := upload.NewMigrator(working, durable, cfg.MaxBuffer, logger)
	pipeline := media.NewPipeline(durable, media.NewFFmpegProber(), metaCache, cfg.ContentTTL, logger)
	processor := upload.NewProcessor(tracker, assembler, migrator, pipeline, repo, upload.DefaultPathResolver, logger)

	dispatcher := queue.NewDispatcher(queue.Options{
		Workers: cfg.Workers,
		Depth:   cfg.QueueDepth,
		Retries: cfg.TaskRetries,
		Timeout: cfg.TaskTimeout,
	}, logger)
	dispatcher.Register(upload.TaskProcessSession, func(ctx context.Context, payload json.RawMessage) error {
		var p upload.ProcessPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return processor.Run(ctx, p)
	})
	dispatcher.OnFailure(upload.TaskProcessSession, func(ctx context.Context, payload json.RawMessage, cause error) {
		var p upload.ProcessPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			logger.Error("unreadable failure payload", "error", err)
			return
		}
		processor.Fail(ctx, p, cause)
	})
	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			logger.Error("dispatcher stopped", "error", err)
		}
	}()

	sweeper := cron.New()
	sweeper.AddFunc("@every 15m", func() {
		for _, sessionID := range tracker.SweepExpired(cfg.SessionTTL) {
			if err := chunks.DeleteSession(context.Background(), sessionID); err != nil {
				logger.Warn("failed to sweep session chunks", "session_id", sessionID, "error", err)
			}
		}
	})
	sweeper.Start()
	defer sweeper.Stop()

	streamServer := streaming.NewServer(durable, metaCache, streaming.Options{
		CacheableSize:       cfg.CacheableSize,
		ContentTTL:          cfg.ContentTTL,
		MetadataTTL:         cfg.MetadataTTL,
		ValidationTTL:       cfg.ValidationTTL,
		AccelRedirectPrefix: cfg.AccelRedirectPrefix,
		Policy: streaming.BufferPolicy{
			Initial:   cfg.InitialBuffer,
			Min:       cfg.MinBuffer,
			Max:       cfg.MaxBuffer,
			SmallFile: cfg.CacheableSize,
		},
		DurationFor: func(ctx context.Context, path string) float64 {
			asset, err := repo.GetByPath(ctx, path)
			if err != nil || asset == nil || asset.Duration == nil {
				return 0
			}
			return *asset.Duration
		},
	}, logger)

	router := setupRouter(cfg, logger, tracker, chunks, dispatcher, pipeline, durable, repo, streamServer)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("server exited")
}

// buildTier maps a configured backend name to a tier. Both roles may share
// the minio bucket; their key prefixes keep them apart.
func buildTier(ctx context.Context, cfg *config.Config, backend string, local *storage.LocalTier) (storage.Tier, error) {
	if backend == "local" {
		return local, nil
	}
	return storage.NewMinioTier(ctx, "minio", storage.MinioOptions{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
}

func setupRouter(cfg *config.Config, logger *slog.Logger, tracker *upload.SessionTracker, chunks *upload.ChunkStore, dispatcher *queue.Dispatcher, pipeline *media.Pipeline, durable storage.Tier, repo *repository.AssetRepository, streamServer *streaming.Server) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.RateLimit(middleware.NewRateLimiter(cfg.RateLimitRPS)))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	limits := handlers.UploadLimits{
		MaxVideoSize: cfg.MaxVideoSize,
		MaxImageSize: cfg.MaxImageSize,
		MaxChunkSize: int64(cfg.ChunkSize),
		MaxParallel:  int64(cfg.MaxParallelUploads),
	}
	uploadHandler := handlers.NewUploadHandler(tracker, chunks, dispatcher, pipeline, durable, repo, upload.DefaultPathResolver, limits, logger)
	mediaHandler := handlers.NewMediaHandler(streamServer, durable, repo, upload.DefaultPathResolver, logger)

	api := router.Group("/api/v1")
	{
		api.POST("/upload/chunk", uploadHandler.Chunk)
		api.POST("/upload/single", uploadHandler.Single)
		api.GET("/upload/status/:sessionId", uploadHandler.Status)
		api.GET("/media/:document", mediaHandler.List)
	}

	router.GET("/media/:document/:filename", mediaHandler.Serve)
	router.HEAD("/media/:document/:filename", mediaHandler.Serve)
	router.DELETE("/media", mediaHandler.Delete)

	return router
}
