// Package server wires the coordinator together: database, storage,
// embedding provider, connector registry, sync manager, scheduler, batch
// orchestrator, event relay, and the HTTP API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/dydact/omni/internal/api"
	"github.com/dydact/omni/internal/config"
	"github.com/dydact/omni/pkg/batch"
	"github.com/dydact/omni/pkg/chunk"
	"github.com/dydact/omni/pkg/connector"
	"github.com/dydact/omni/pkg/connector/remote"
	"github.com/dydact/omni/pkg/content"
	"github.com/dydact/omni/pkg/database"
	"github.com/dydact/omni/pkg/embedding"
	"github.com/dydact/omni/pkg/embedding/bedrock"
	embedmock "github.com/dydact/omni/pkg/embedding/mock"
	"github.com/dydact/omni/pkg/embedding/openai"
	"github.com/dydact/omni/pkg/events"
	"github.com/dydact/omni/pkg/models"
	"github.com/dydact/omni/pkg/queue"
	"github.com/dydact/omni/pkg/storage"
	omnisync "github.com/dydact/omni/pkg/sync"
)

// Server holds the wired coordinator.
type Server struct {
	Config *config.Config
	Logger hclog.Logger

	DB       *gorm.DB
	Objects  storage.ObjectStore
	Contents *content.Store
	Queue    *queue.Queue
	Registry *connector.Registry
	Manager  *omnisync.Manager

	scheduler    *omnisync.Scheduler
	orchestrator *batch.Orchestrator
	relay        *events.Relay
	httpServer   *http.Server
}

// New builds the coordinator from configuration. Any error here is fatal;
// nothing has started yet.
func New(ctx context.Context, cfg *config.Config, logger hclog.Logger) (*Server, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	db, err := database.Connect(database.Config{URL: cfg.DatabaseURL}, logger)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(models.ModelsToAutoMigrate()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	objects, err := buildObjectStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	contents, err := content.New(db, cfg.StorageBackend, objects, logger)
	if err != nil {
		return nil, err
	}
	q := queue.New(db, logger)

	chunker, err := buildChunker(cfg)
	if err != nil {
		return nil, err
	}
	provider := embedding.NewCache(0, providerBuilder(ctx, cfg, objects, logger))
	// Fail fast on provider misconfiguration.
	if _, err := provider.Get(); err != nil {
		return nil, fmt.Errorf("failed to build embedding provider: %w", err)
	}

	registry := connector.NewRegistry()
	for sourceType, endpoint := range cfg.Connectors {
		client := remote.NewClient(endpoint, cfg.PublicURL, logger)
		if err := registry.Register(sourceType, client); err != nil {
			return nil, err
		}
		logger.Info("registered remote connector", "source_type", sourceType, "endpoint", endpoint)
	}

	manager := omnisync.NewManager(db, contents, q, registry, logger)
	scheduler := omnisync.NewScheduler(db, manager, cfg.SchedulerInterval, 0, logger)

	var relay *events.Relay
	if len(cfg.Events.Brokers) > 0 {
		relay, err = events.New(events.Config{
			DB:      db,
			Brokers: cfg.Events.Brokers,
			Topic:   cfg.Events.Topic,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
	}

	var orchestrator *batch.Orchestrator
	if cfg.Batch.Enabled {
		orchestrator = batch.New(db, q, contents, objects, provider, chunker, batch.Config{
			MinDocuments:        cfg.Batch.MinDocuments,
			MaxDocuments:        cfg.Batch.MaxDocuments,
			AccumulationTimeout: cfg.Batch.AccumulationTimeout,
			AccumulationPoll:    cfg.Batch.AccumulationPoll,
			MonitorPoll:         cfg.Batch.MonitorPoll,
		}, logger)
	}

	handler := api.New(db, manager, logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // sync callbacks and long polls manage their own deadlines
	}

	return &Server{
		Config:       cfg,
		Logger:       logger,
		DB:           db,
		Objects:      objects,
		Contents:     contents,
		Queue:        q,
		Registry:     registry,
		Manager:      manager,
		scheduler:    scheduler,
		orchestrator: orchestrator,
		relay:        relay,
		httpServer:   httpServer,
	}, nil
}

// Run starts the background loops and serves HTTP until the context is
// cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runLoops(runCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		cancel()
		<-done
		return err
	case <-ctx.Done():
	}

	s.Logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.Logger.Error("http shutdown failed", "error", err)
	}

	cancel()
	<-done
	// Cancel in-flight syncs and let them finalize.
	s.Manager.Stop()
	return nil
}

func (s *Server) runLoops(ctx context.Context) {
	var loops []func(context.Context)
	loops = append(loops, s.scheduler.Run)
	if s.orchestrator != nil {
		loops = append(loops, s.orchestrator.Run)
	}
	if s.relay != nil {
		loops = append(loops, s.relay.Run)
	}

	done := make(chan struct{}, len(loops))
	for _, loop := range loops {
		go func(run func(context.Context)) {
			run(ctx)
			done <- struct{}{}
		}(loop)
	}
	for range loops {
		<-done
	}
}

// buildObjectStore selects S3 when a bucket is configured, otherwise a
// filesystem store under ./data/objects for single-node deploys.
func buildObjectStore(ctx context.Context, cfg *config.Config, logger hclog.Logger) (storage.ObjectStore, error) {
	if cfg.ObjectStore.Bucket != "" {
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:    cfg.ObjectStore.Bucket,
			Region:    cfg.ObjectStore.Region,
			Prefix:    cfg.ObjectStore.Prefix,
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
		}, logger)
	}
	return storage.NewLocalStore(nil, "data/objects"), nil
}

func buildChunker(cfg *config.Config) (chunk.Chunker, error) {
	mode, err := chunk.ParseMode(cfg.Batch.ChunkMode)
	if err != nil {
		return nil, err
	}
	return chunk.New(mode, cfg.Batch.ChunkMaxChars, nil), nil
}

// providerBuilder returns the build function behind the provider cache. The
// openai job registry lives outside the closure so job state survives the
// cache rebuilding the provider.
func providerBuilder(ctx context.Context, cfg *config.Config, objects storage.ObjectStore, logger hclog.Logger) func() (embedding.Provider, error) {
	jobs := openai.NewJobRegistry()
	return func() (embedding.Provider, error) {
		switch cfg.Embedding.Provider {
		case config.ProviderBedrock:
			return bedrock.New(ctx, bedrock.Config{
				Region:  cfg.ObjectStore.Region,
				ModelID: cfg.Embedding.Model,
				RoleARN: cfg.Embedding.RoleARN,
				Bucket:  cfg.ObjectStore.Bucket,
				Logger:  logger,
			})
		case config.ProviderOpenAI:
			return openai.New(openai.Config{
				BaseURL:    cfg.Embedding.BaseURL,
				APIKey:     cfg.Embedding.APIKey,
				Model:      cfg.Embedding.Model,
				Dimensions: cfg.Embedding.Dimensions,
				Logger:     logger,
				Jobs:       jobs,
			}, objects)
		case config.ProviderMock:
			return embedmock.New(objects, cfg.Embedding.Dimensions), nil
		default:
			return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
		}
	}
}
