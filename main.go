package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docchat/internal/api"
	"docchat/internal/config"
	"docchat/internal/logger"
	"docchat/internal/metrics"
	"docchat/internal/redis"
	"docchat/internal/service/ai"
	"docchat/internal/service/assistant"
	"docchat/internal/service/pipeline"
	"docchat/internal/storage"
	"docchat/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("DOCCHAT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	isProd := cfg.BasicConfig.IsProduction()
	zlog := logger.New(cfg.BasicConfig.LogFilePath, isProd)
	defer zlog.Sync()
	if isProd {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbType := config.DBDriver()
	zlog.Info("opening database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		zlog.Fatal("open database", zap.Error(err))
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		zlog.Fatal("migrate database", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(ctx, cfg)
		if err != nil {
			zlog.Fatal("create redis client", zap.Error(err))
		}
		defer rdb.Close()
	}

	store := assistant.NewService(db, assistant.WithLogger(zlog), assistant.WithCache(rdb))
	sweepInterval := time.Duration(cfg.BasicConfig.OrphanCleanInterval) * time.Minute
	if sweepInterval <= 0 {
		sweepInterval = assistant.DefaultOrphanSweepInterval
	}
	store.StartOrphanSweeper(ctx, cfg.BasicConfig.FileBaseDir, sweepInterval)

	extractor, err := ai.NewDocumentExtractor(ctx)
	if err != nil {
		zlog.Fatal("init document extractor", zap.Error(err))
	}
	provider := cfg.ActiveProvider()
	creds := ai.NewCredentials(provider.APIKey)
	if !creds.Configured() {
		zlog.Warn("no model api key configured; /api/ask rejects requests until one is set",
			zap.String("provider", cfg.Pipeline.Provider))
	}
	registry := ai.NewRegistry(cfg.Pipeline.Provider, provider, creds, zlog)

	reg := metrics.New()
	lanes := worker.NewManager(worker.WithQueueLen(cfg.Pipeline.LaneQueueLen), worker.WithLogger(zlog))
	defer lanes.Stop()

	resolver := pipeline.NewResolver(store, extractor, pipeline.ResolverConfig{
		Policy:        cfg.Pipeline.ContextPolicy,
		ExcerptBudget: cfg.Pipeline.ExcerptBudget,
		ReadTimeout:   cfg.Pipeline.FileReadTimeout(),
	}, zlog)
	pipe := pipeline.New(store, registry, resolver, pipeline.Options{
		MaxTokens:         cfg.Pipeline.MaxTokens,
		FollowupMaxTokens: cfg.Pipeline.FollowupMaxTokens,
		HistoryLimit:      cfg.Pipeline.HistoryLimit,
		ModelTimeout:      cfg.Pipeline.ModelTimeout(),
	}, pipeline.WithLogger(zlog), pipeline.WithMetrics(reg), pipeline.WithSerializer(lanes))

	handlers := api.NewHandler(store, pipe, creds, api.Options{
		FileBaseDir:    cfg.BasicConfig.FileBaseDir,
		MaxUploadBytes: cfg.BasicConfig.MaxUploadBytes,
		AllowedOrigin:  cfg.BasicConfig.AllowedOrigin,
		Logger:         zlog,
		Metrics:        reg,
	})
	router := gin.New()
	router.Use(gin.Recovery())
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zlog.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("graceful shutdown failed", zap.Error(err))
	}
}
