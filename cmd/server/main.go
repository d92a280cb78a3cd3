package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/georgeshao/lucent-query/internal/api"
	"github.com/georgeshao/lucent-query/internal/config"
	"github.com/georgeshao/lucent-query/internal/dedup"
	"github.com/georgeshao/lucent-query/internal/dispatcher"
	"github.com/georgeshao/lucent-query/internal/optimistic"
	"github.com/georgeshao/lucent-query/internal/pipeline"
	"github.com/georgeshao/lucent-query/internal/storage"
	"github.com/georgeshao/lucent-query/internal/storage/pebbledb"
	"github.com/georgeshao/lucent-query/internal/storage/sqlite"
	"github.com/georgeshao/lucent-query/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	// Initialize storage
	store, err := openStore(cfg, zl)
	if err != nil {
		zl.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	// Registries shared by the pipeline, the dispatcher and the sweeper
	cache := dedup.New[*types.Result](dedup.Config{TTL: cfg.DedupTTL})
	updates := optimistic.New[any](optimistic.Config{
		TTL:             cfg.OptimisticTTL,
		RollbackExpired: cfg.OptimisticRollbackExpired,
	})

	p := pipeline.New(pipelineConfig(cfg, zl),
		pipeline.WithFetcher(newFetcher(cfg)),
		pipeline.WithDeduplicator(cache),
		pipeline.WithOptimistic(updates),
		pipeline.WithLogger(zl.Named("pipeline")),
	)

	// Initialize dispatcher
	d := dispatcher.New(store, p, updates, dispatcher.Config{
		MaxWorkers:        cfg.DispatchWorkers,
		RequestTimeout:    cfg.DispatchRequestTimeout,
		RequestsPerSecond: cfg.DispatchRPS,
	}, zl.Named("dispatcher"))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if cfg.SweepInterval > 0 {
		go sweep(ctx, cfg.SweepInterval, cache, updates, zl)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:           120 * time.Second,
		BodyLimit:             10 * 1024 * 1024, // 10MB
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Queue",
	}))

	// Setup routes
	api.SetupRoutes(app, store, p, d, zl.Named("api"))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		zl.Info("shutting down server")
		stop()
		if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
			zl.Error("error during shutdown", zap.Error(err))
		}
	}()

	// Start server
	zl.Info("starting lucent query gateway",
		zap.String("addr", cfg.Addr()),
		zap.String("storage", cfg.StorageDriver),
		zap.String("transport", cfg.Transport),
		zap.String("upstream", cfg.UpstreamBaseURL))
	if err := app.Listen(cfg.Addr()); err != nil {
		zl.Fatal("failed to start server", zap.Error(err))
	}

	// Let running dispatches settle before the store closes
	d.Wait()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func openStore(cfg *config.Config, zl *zap.Logger) (storage.Store, error) {
	switch cfg.StorageDriver {
	case "pebble":
		bw := pebbledb.DefaultBatchWriterConfig()
		bw.Logger = zl.Named("pebble")
		return pebbledb.New(cfg.StoragePath, cfg.PebbleBatch, bw)
	case "sqlite":
		return sqlite.New(cfg.StoragePath)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.StorageDriver)
	}
}

func newFetcher(cfg *config.Config) pipeline.Fetcher {
	if cfg.Transport == "fiber" {
		return pipeline.NewFiberFetcher()
	}
	return pipeline.NewHTTPFetcher(nil)
}

func pipelineConfig(cfg *config.Config, zl *zap.Logger) pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.BaseURL = cfg.UpstreamBaseURL
	pc.Timeout = cfg.RequestTimeout
	pc.MaxRetries = cfg.MaxRetries
	pc.EnableDeduplication = cfg.DedupEnabled
	pc.EnableOptimisticUpdates = cfg.OptimisticEnabled

	if cfg.BearerToken != "" {
		token := cfg.BearerToken
		pc.RequestInterceptors = append(pc.RequestInterceptors, pipeline.BearerToken(func() string { return token }))
	}
	if cfg.Development {
		pc.RequestInterceptors = append(pc.RequestInterceptors, pipeline.LogRequests(zl.Named("upstream")))
		pc.ResponseInterceptors = append(pc.ResponseInterceptors, pipeline.LogResponses(zl.Named("upstream")))
	}
	pc.ErrorInterceptors = append(pc.ErrorInterceptors, pipeline.LogErrors(zl.Named("upstream")))

	return pc
}

func sweep(ctx context.Context, interval time.Duration, cache *dedup.Deduplicator[*types.Result], updates *optimistic.Registry[any], zl *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cached := cache.Sweep()
			evicted := updates.Sweep()
			if cached > 0 || evicted > 0 {
				zl.Debug("swept expired entries", zap.Int("cache", cached), zap.Int("optimistic", evicted))
			}
		}
	}
}
