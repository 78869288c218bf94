package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/marcofalcone/engram/internal/config"
	"github.com/marcofalcone/engram/internal/consolidate"
	"github.com/marcofalcone/engram/internal/httpapi"
	"github.com/marcofalcone/engram/internal/indexer"
	"github.com/marcofalcone/engram/internal/logger"
	"github.com/marcofalcone/engram/internal/observability"
	"github.com/marcofalcone/engram/internal/provider"
	"github.com/marcofalcone/engram/internal/scheduler"
	"github.com/marcofalcone/engram/internal/store"
	"github.com/marcofalcone/engram/internal/tier"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Store     store.Store
	Indexer   *indexer.Indexer
	Engine    *consolidate.Engine
	Tiers     *tier.Maintainer
	Scheduler *scheduler.Cron
	Metrics   *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.NewStore(ctx, cfg.DatabaseURL, cfg.MemoryEmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	providerCfg := provider.Config{
		OllamaBaseURL: cfg.OllamaBaseURL,
		OllamaModel:   cfg.OllamaModel,
		GatewayURL:    cfg.GatewayWSURL,
		GatewayToken:  cfg.GatewayToken,
		GatewayModel:  cfg.GatewayModel,
	}

	ix := indexer.New(
		st,
		embedder,
		indexer.NewCatalog(cfg.TranscriptsRoot, logger.ForComponent("catalog")),
		indexer.NewSizeCache(),
		indexer.NewGate(cfg.IndexMaxConcurrent),
		cfg.TranscriptsRoot,
		cfg.IndexBatchSize,
		metrics,
		logger.ForComponent("indexer"),
	)

	engine := consolidate.New(st, embedder, providerCfg, cfg.ExtractionProvider, cfg.DedupThreshold, metrics, logger.ForComponent("consolidate"))
	tiers := tier.New(st, logger.ForComponent("tier"))

	var sched *scheduler.Cron
	if cfg.ScheduleIndexCron != "" || cfg.ScheduleConsolidate != "" {
		sched = scheduler.NewCron(
			cfg.Agents,
			cfg.ScheduleIndexCron,
			cfg.ScheduleConsolidate,
			func(ctx context.Context, agent indexer.Agent) error {
				_, err := ix.RunDelta(ctx, agent, indexer.RunOptions{})
				return err
			},
			func(ctx context.Context, agentID string) error {
				_, err := engine.Consolidate(ctx, agentID, consolidate.Options{})
				return err
			},
			logger.ForComponent("scheduler"),
		)
	}

	var schedSub scheduler.Subsystem
	if sched != nil {
		schedSub = sched
	}
	api := httpapi.New(cfg, st, embedder, ix, engine, tiers, schedSub, metrics)

	cleanup := func() error {
		var errs []string
		if sched != nil {
			sched.Stop()
		}
		if err := st.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Store:     st,
		Indexer:   ix,
		Engine:    engine,
		Tiers:     tiers,
		Scheduler: sched,
		Metrics:   metrics,
		Cleanup:   cleanup,
	}, nil
}

// buildEmbedder returns the HTTP embedder when a base URL is configured and
// the deterministic mock otherwise, so the daemon runs end to end without
// any external embedding service.
func buildEmbedder(cfg config.Config) (provider.Embedder, error) {
	if strings.TrimSpace(cfg.EmbeddingBaseURL) == "" {
		return provider.NewMockEmbedder(cfg.MemoryEmbeddingDim), nil
	}
	embedder, err := provider.NewHTTPEmbedder(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.MemoryEmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("embedder init failed: %w", err)
	}
	return embedder, nil
}
