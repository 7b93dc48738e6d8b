// Package main is the entry point for the AlbumForge API binary.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jtarkowski/albumforge/internal/api"
	"github.com/jtarkowski/albumforge/internal/config"
	"github.com/jtarkowski/albumforge/internal/database"
	"github.com/jtarkowski/albumforge/internal/logging"
	"github.com/jtarkowski/albumforge/internal/model"
	"github.com/jtarkowski/albumforge/internal/objectstore"
	"github.com/jtarkowski/albumforge/internal/pipeline"
	"github.com/jtarkowski/albumforge/internal/queue"
	"github.com/jtarkowski/albumforge/internal/repository"
	"github.com/jtarkowski/albumforge/internal/scanner"
)

// observerDebounce coalesces filesystem event bursts into one sync trigger.
const observerDebounce = 2 * time.Second

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
	jobs := repository.NewSyncJobRepository(pool)
	queues := queue.NewRegistry(queue.NewPostgres(pool, cfg.LeaseWindow))
	scan := scanner.New(cfg.MediaRoot)
	service := pipeline.New(albums, assets, jobs, queues, scan, store, cfg.SignedURLTTL, logger)

	if cfg.WatchEnabled {
		observer := scanner.NewObserver(cfg.MediaRoot, observerDebounce, func(ctx context.Context) {
			_, err := service.TriggerSync(ctx, model.JobFilesystemScan, "")
			if err != nil && !pipeline.IsAlreadyRunning(err) {
				logger.Warn().Err(err).Msg("watch-triggered sync failed")
			}
		}, logger)
		go func() {
			if err := observer.Run(ctx); err != nil {
				logger.Warn().Err(err).Msg("media-root observer stopped")
			}
		}()
	}

	srv := api.New(cfg, service, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("api stopped")
		os.Exit(1)
	}
}
