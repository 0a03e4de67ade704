package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"whitenote/worker/internal/app"
	"whitenote/worker/internal/config"
	"whitenote/worker/internal/queue"
)

var (
	cfg       config.Config
	logger    *slog.Logger
	closeLogs func() error
)

var rootCmd = &cobra.Command{
	Use:           "worker",
	Short:         "WhiteNote background worker",
	Long:          "Runs the job queue consumers, the markdown mirror watcher and the sync API.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		logger, closeLogs = config.SetupLogger(cfg.LogFile, config.ParseLogLevel(cfg.LogLevel))
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLogs != nil {
			_ = closeLogs()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context())
	},
}

var exportUser string

var exportAllCmd = &cobra.Command{
	Use:   "export-all",
	Short: "Write every note and comment of a user to the mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(cmd.Context(), func(ctx context.Context, c *components) error {
			result, err := c.service.ExportAll(ctx, exportUser)
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

var importAllCmd = &cobra.Command{
	Use:   "import-all",
	Short: "Import every mapped markdown file of the mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(cmd.Context(), func(ctx context.Context, c *components) error {
			summary, err := c.service.ImportAll(ctx)
			if err != nil {
				return err
			}
			return printJSON(summary)
		})
	},
}

var kbUser string

var syncKBCmd = &cobra.Command{
	Use:   "sync-kb",
	Short: "Push every note and comment of a user to the knowledge base",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(cmd.Context(), func(ctx context.Context, c *components) error {
			result, err := c.service.SyncAllToKnowledgeBase(ctx, kbUser)
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

var (
	enqueueDelay    time.Duration
	enqueuePriority int
	enqueueJobID    string
	enqueueRepeat   string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <kind> [json]",
	Short: "Queue a job",
	Long: `Queue a job of the given kind. The payload is a JSON object and defaults to {}.
With --repeat the job is registered on a five-field cron pattern instead.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data := json.RawMessage(`{}`)
		if len(args) == 2 {
			data = json.RawMessage(args[1])
		}
		payload, err := queue.Decode(args[0], data)
		if err != nil {
			return err
		}
		return withComponents(cmd.Context(), func(ctx context.Context, c *components) error {
			if enqueueRepeat != "" {
				key, err := c.queue.EnqueueRecurring(ctx, payload, enqueueRepeat)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", key)
				return nil
			}
			opts := []queue.Option{queue.WithDelay(enqueueDelay), queue.WithPriority(enqueuePriority)}
			if enqueueJobID != "" {
				opts = append(opts, queue.WithJobID(enqueueJobID))
			}
			id, err := c.queue.Enqueue(ctx, payload, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", id)
			return nil
		})
	},
}

func init() {
	exportAllCmd.Flags().StringVar(&exportUser, "user", "", "user id whose content is exported")
	_ = exportAllCmd.MarkFlagRequired("user")

	syncKBCmd.Flags().StringVar(&kbUser, "user", "", "user id whose content is pushed")
	_ = syncKBCmd.MarkFlagRequired("user")

	enqueueCmd.Flags().DurationVar(&enqueueDelay, "delay", 0, "wait before the job becomes available")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "0 is highest, 100 lowest")
	enqueueCmd.Flags().StringVar(&enqueueJobID, "job-id", "", "explicit job id; a duplicate id is ignored")
	enqueueCmd.Flags().StringVar(&enqueueRepeat, "repeat", "", "cron pattern for a recurring job")

	rootCmd.AddCommand(exportAllCmd)
	rootCmd.AddCommand(importAllCmd)
	rootCmd.AddCommand(syncKBCmd)
	rootCmd.AddCommand(enqueueCmd)
}

func withComponents(parent context.Context, fn func(context.Context, *components) error) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()
	return fn(ctx, c)
}

// runWorker starts the worker and the sync API and blocks until SIGINT or
// SIGTERM. The liveness record is cleared and in-flight jobs finish before
// the process exits.
func runWorker(parent context.Context) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.runtime.EnsureStarted(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(c.service, cfg.CORSOrigin, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sync api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout+10*time.Second)
		defer cancel()
		runtimeErr := c.runtime.Shutdown(shutdownCtx)
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Join(runtimeErr, fmt.Errorf("http shutdown: %w", err))
		}
		return runtimeErr
	})
	return g.Wait()
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
