// Command omni runs the document ingestion and embedding coordinator.
//
// Configuration comes from the environment (see internal/config). The
// process exits 1 on a configuration error before any loop starts, and 0 on
// a clean signal-driven shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/dydact/omni/internal/config"
	"github.com/dydact/omni/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "omni: %v\n", err)
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "omni",
		Level:      hclog.LevelFromString(cfg.LogLevel),
		JSONFormat: os.Getenv("LOG_FORMAT") == "json",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}

	logger.Info("starting coordinator",
		"port", cfg.Port,
		"storage_backend", cfg.StorageBackend,
		"embedding_provider", cfg.Embedding.Provider,
		"batch_inference", cfg.Batch.Enabled,
	)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}
