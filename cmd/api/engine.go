package main

import (
	"context"
	"database/sql"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"household/backend/internal/brave"
	"household/backend/internal/config"
	"household/backend/internal/db"
	"household/backend/internal/durable"
	"household/backend/internal/httpapi"
	"household/backend/internal/logging"
	"household/backend/internal/openrouter"
	"household/backend/internal/research"
	"household/backend/internal/serper"
	"household/backend/internal/store"
)

// engine is the research stack shared by the serve and worker commands.
type engine struct {
	cfg          config.Config
	logger       *zap.Logger
	database     *sql.DB
	store        store.Store
	planner      research.Planner
	orchestrator *research.Orchestrator
}

func loadEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Migrate(database, "up", 0, logger); err != nil {
		_ = database.Close()
		return nil, err
	}
	runStore := store.New(database)

	openRouterClient := openrouter.NewClient(cfg, nil)
	responder := httpapi.NewOpenRouterResponder(openRouterClient)
	if responder == nil {
		logger.Warn("research model not configured, deterministic fallbacks will be used")
	}

	registry := research.NewSearchRegistry(cfg.SearchProviders, searchProviders(cfg, openRouterClient, logger), cfg.SearchMinInterval, logger)
	reader := research.NewHTTPReader(research.ReaderConfig{
		RequestTimeout: cfg.SourceFetchTimeout,
		MaxBytes:       cfg.SourceMaxBytes,
	}, nil)

	orchestrator := research.NewOrchestrator(runStore, registry, reader, responder, research.OrchestratorConfig{
		Concurrency:    cfg.ResearchConcurrency,
		TrustedDomains: cfg.TrustedDomains,
	}, logger)
	if cfg.ReportArchiveBucket != "" {
		archive, err := httpapi.NewGCSReportArchive(ctx, cfg.ReportArchiveBucket)
		if err != nil {
			logger.Warn("report archive disabled", zap.String("bucket", cfg.ReportArchiveBucket), zap.Error(err))
		} else {
			orchestrator.WithArchiver(archive)
		}
	}

	return &engine{
		cfg:          cfg,
		logger:       logger,
		database:     database,
		store:        runStore,
		planner:      research.NewPlanner(responder, logger),
		orchestrator: orchestrator,
	}, nil
}

func (e *engine) Close() {
	_ = e.database.Close()
	_ = e.logger.Sync()
}

func searchProviders(cfg config.Config, openRouterClient openrouter.Client, logger *zap.Logger) []research.SearchProvider {
	providers := make([]research.SearchProvider, 0, 3)
	if cfg.BraveAPIKey != "" {
		providers = append(providers, research.NewBraveProvider(brave.NewClient(cfg, nil)))
	} else {
		logger.Info("search provider disabled", zap.String("provider", research.ProviderBrave))
	}
	if cfg.SerperAPIKey != "" {
		providers = append(providers, research.NewSerperProvider(serper.NewClient(cfg, nil)))
	} else {
		logger.Info("search provider disabled", zap.String("provider", research.ProviderSerper))
	}
	if openRouterClient.Configured() {
		providers = append(providers, research.NewModelWebSearchProvider(openRouterClient))
	} else {
		logger.Info("search provider disabled", zap.String("provider", research.ProviderOpenRouterWeb))
	}
	return providers
}

func dialTemporal(cfg config.Config, logger *zap.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHostPort,
		Namespace: cfg.TemporalNamespace,
		Logger:    durable.NewZapAdapter(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal %s: %w", cfg.TemporalHostPort, err)
	}
	return c, nil
}
