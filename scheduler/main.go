package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fastflow-labs/fastflow/internal/platform/postgres"
	pgrepo "github.com/fastflow-labs/fastflow/internal/repo/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("fastflow failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fastflow",
		Short:         "Pipeline run scheduler and execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cfg, envErr := ConfigFromEnv()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler API and execution engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if envErr != nil {
				return envErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			level, _ := parseLogLevel(cfg.LogLevel)
			logger := newLogger(os.Stdout, level)
			logger.Info("starting", "addr", cfg.HTTPAddr, "executor", cfg.Executor, "store", cfg.Store, "concurrency_limit", cfg.ConcurrencyLimit)
			return serve(cmd.Context(), logger, cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for run logs, git checkout and secrets")
	flags.IntVar(&cfg.ConcurrencyLimit, "concurrency", cfg.ConcurrencyLimit, "maximum number of concurrently running runs")
	flags.StringVar(&cfg.Executor, "executor", cfg.Executor, "container backend: docker or kubernetes")
	flags.StringVar(&cfg.WorkerImage, "worker-image", cfg.WorkerImage, "default image for pipeline workloads")
	flags.StringVar(&cfg.Store, "store", cfg.Store, "run store: memory or postgres")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(os.Stdout, slog.LevelInfo)
			dbCfg, err := postgres.ConfigFromEnv()
			if err != nil {
				return err
			}
			if !dbCfg.Enabled() {
				return errors.New("DATABASE_URL is required")
			}
			db, err := postgres.Open(cmd.Context(), dbCfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if err := postgres.Migrate(cmd.Context(), db, pgrepo.Migrations, "migrations"); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}
