// Package main is the entry point for the AlbumForge worker binary.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jtarkowski/albumforge/internal/config"
	"github.com/jtarkowski/albumforge/internal/database"
	"github.com/jtarkowski/albumforge/internal/derivative"
	"github.com/jtarkowski/albumforge/internal/logging"
	"github.com/jtarkowski/albumforge/internal/objectstore"
	"github.com/jtarkowski/albumforge/internal/queue"
	"github.com/jtarkowski/albumforge/internal/reconciler"
	"github.com/jtarkowski/albumforge/internal/repository"
	"github.com/jtarkowski/albumforge/internal/scanner"
	"github.com/jtarkowski/albumforge/internal/worker"
)

// purgeInterval is how often completed queue items are swept.
const purgeInterval = time.Hour

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	store, err := objectstore.New(cfg)
	if err != nil {
		log.Fatalf("init object store: %v", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		log.Fatalf("ensure bucket: %v", err)
	}

	albums := repository.NewAlbumRepository(pool)
	assets := repository.NewAssetRepository(pool)
	thumbs := repository.NewThumbnailRepository(pool)
	jobs := repository.NewSyncJobRepository(pool)

	backend := queue.NewPostgres(pool, cfg.LeaseWindow)
	scan := scanner.New(cfg.MediaRoot)
	source := derivative.NewSource(store)
	rec := reconciler.New(scan, albums, assets, jobs, store, backend,
		cfg.FingerprintRecency, cfg.ProbeConcurrency, logger)

	processor := worker.NewProcessor(
		assets,
		derivative.NewThumbnailer(source, store, thumbs, cfg.JPEGQuality, logger),
		derivative.NewHasher(source, assets, logger),
		derivative.NewExtractor(source, assets, logger),
		rec,
		logger,
	)

	go purgeLoop(ctx, backend, cfg.CompletedRetention, logger)

	workers := worker.NewPool(backend, queue.Names(), processor.Mux(), cfg.WorkerConcurrency, cfg.LeaseWindow, logger)
	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker started")
	if err := workers.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
}

// purgeLoop sweeps completed queue items past their retention window.
func purgeLoop(ctx context.Context, q queue.Queue, retention time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := q.PurgeCompleted(ctx, retention)
			if err != nil {
				logger.Warn().Err(err).Msg("purge completed queue items")
				continue
			}
			if purged > 0 {
				logger.Info().Int("purged", purged).Msg("completed queue items swept")
			}
		}
	}
}
