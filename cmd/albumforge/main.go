// Package main is the AlbumForge administration CLI. It talks to the same
// database and queue the services use, so it works even when the API is down.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

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

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "albumforge: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "albumforge",
		Short:        "AlbumForge administration CLI",
		Long:         `Administer the AlbumForge media pipeline: trigger and inspect sync runs, control the work queues, and manage local media copies.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newSyncCmd(),
		newQueueCmd(),
		newReprocessCmd(),
		newVerifyCmd(),
		newForgetLocalCmd(),
	)
	return cmd
}

// withService loads config, connects, and hands a ready pipeline service to
// the command body.
func withService(ctx context.Context, fn func(ctx context.Context, svc *pipeline.Service, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	store, err := objectstore.New(cfg)
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}

	albums := repository.NewAlbumRepository(pool)
	assets := repository.NewAssetRepository(pool)
	jobs := repository.NewSyncJobRepository(pool)
	queues := queue.NewRegistry(queue.NewPostgres(pool, cfg.LeaseWindow))
	scan := scanner.New(cfg.MediaRoot)
	svc := pipeline.New(albums, assets, jobs, queues, scan, store, cfg.SignedURLTTL, logging.New("warn"))
	return fn(ctx, svc, pool)
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Trigger and inspect sync runs",
	}
	cmd.AddCommand(newSyncTriggerCmd(), newSyncStatusCmd())
	return cmd
}

func newSyncTriggerCmd() *cobra.Command {
	var syncType string
	var albumFilter string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger a sync run",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType, err := parseSyncType(syncType)
			if err != nil {
				return err
			}
			return withService(cmd.Context(), func(ctx context.Context, svc *pipeline.Service, _ *pgxpool.Pool) error {
				id, err := svc.TriggerSync(ctx, jobType, albumFilter)
				if pipeline.IsAlreadyRunning(err) {
					return fmt.Errorf("a %s run is already pending or running", jobType)
				}
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&syncType, "type", "t", string(model.JobFilesystemScan), "Sync type (filesystem-scan or object-store-verify)")
	cmd.Flags().StringVar(&albumFilter, "album", "", "Restrict the run to one album path")
	return cmd
}

func newSyncStatusCmd() *cobra.Command {
	var syncType string
	var jobID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest sync job, or one by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType, err := parseSyncType(syncType)
			if err != nil {
				return err
			}
			return withService(cmd.Context(), func(ctx context.Context, svc *pipeline.Service, _ *pgxpool.Pool) error {
				job, err := svc.SyncStatus(ctx, jobID, jobType)
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
	cmd.Flags().StringVarP(&syncType, "type", "t", string(model.JobFilesystemScan), "Sync type (filesystem-scan or object-store-verify)")
	cmd.Flags().StringVar(&jobID, "id", "", "Specific sync job id")
	return cmd
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Control and inspect the work queues",
	}
	cmd.AddCommand(newQueuePauseCmd(), newQueueResumeCmd(), newQueueDeadCmd())
	return cmd
}

func newQueuePauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <queue>",
		Short: "Pause a named queue (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *pipeline.Service, _ *pgxpool.Pool) error {
				return svc.PauseQueue(ctx, args[0])
			})
		},
	}
}

func newQueueResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <queue>",
		Short: "Resume a named queue (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *pipeline.Service, _ *pgxpool.Pool) error {
				return svc.ResumeQueue(ctx, args[0])
			})
		},
	}
}

func newQueueDeadCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead <queue>",
		Short: "List dead-lettered items on a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *pipeline.Service, _ *pgxpool.Pool) error {
				items, err := svc.DeadLetters(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum items to list")
	return cmd
}

func newReprocessCmd() *cobra.Command {
	var forced bool
	cmd := &cobra.Command{
		Use:   "reprocess <thumbnail|blurhash|metadata>",
		Short: "Enqueue derivative jobs for assets missing one, or for all photos with --force",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *pipeline.Service, _ *pgxpool.Pool) error {
				enqueued, err := svc.Reprocess(ctx, args[0], forced)
				if err != nil {
					return err
				}
				fmt.Printf("enqueued %d jobs\n", enqueued)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&forced, "force", false, "Re-enqueue for every photo regardless of existing derivatives")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <album-path>",
		Short: "Trigger an object-store verification run for one album",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *pipeline.Service, _ *pgxpool.Pool) error {
				id, err := svc.VerifyAlbum(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
}

func newForgetLocalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget-local <album-id>",
		Short: "Delete an album's local files once they are marked safe to delete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *pipeline.Service, _ *pgxpool.Pool) error {
				return svc.ForgetLocal(ctx, args[0])
			})
		},
	}
}

func parseSyncType(raw string) (model.SyncJobType, error) {
	switch raw {
	case string(model.JobFilesystemScan):
		return model.JobFilesystemScan, nil
	case string(model.JobObjectStoreVerify):
		return model.JobObjectStoreVerify, nil
	default:
		return "", fmt.Errorf("unknown sync type %q", raw)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
