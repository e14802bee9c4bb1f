package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mspec/internal/cli"
	"mspec/internal/config"
	"mspec/internal/logging"
	"mspec/internal/pipeline"
	"mspec/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		log = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		log.Warn("file logging disabled", "dir", cfg.Logging.LogDir, "error", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Warn("job history disabled", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, cfg)
	defer p.Stop()

	return cli.NewRootCmd(cfg, log, store, p).ExecuteContext(ctx)
}
