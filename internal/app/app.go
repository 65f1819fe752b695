// Package app assembles the pipeline from configuration. Both the server and
// pipelinectl build their components here so they share one wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dandantas/reelforge/internal/binding"
	"github.com/dandantas/reelforge/internal/cache"
	"github.com/dandantas/reelforge/internal/collaborator"
	"github.com/dandantas/reelforge/internal/config"
	"github.com/dandantas/reelforge/internal/cost"
	"github.com/dandantas/reelforge/internal/database"
	"github.com/dandantas/reelforge/internal/eta"
	"github.com/dandantas/reelforge/internal/events"
	"github.com/dandantas/reelforge/internal/joblock"
	"github.com/dandantas/reelforge/internal/memstore"
	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/orchestrator"
	"github.com/dandantas/reelforge/internal/queue"
	"github.com/dandantas/reelforge/internal/recovery"
	"github.com/dandantas/reelforge/internal/retry"
	"github.com/dandantas/reelforge/internal/stagemachine"
	"github.com/dandantas/reelforge/internal/store"
)

// Stores are the persistence backends of one deployment
type Stores struct {
	Backend string
	Jobs    store.JobStore
	Stages  store.StageStore
	Costs   store.CostStore
	Queue   store.QueueStore
	Cache   store.CacheStore
	Pinger  store.Pinger

	close func(ctx context.Context) error
}

// Close releases the backend connection
func (s *Stores) Close(ctx context.Context) error {
	if s.close == nil {
		return nil
	}
	return s.close(ctx)
}

// OpenStores connects the configured store backend
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		slog.Warn("Using the in-memory store; state is lost on exit")
		mem := memstore.New()
		return &Stores{
			Backend: config.StoreMemory,
			Jobs:    mem,
			Stages:  mem,
			Costs:   mem,
			Queue:   mem,
			Cache:   mem,
			Pinger:  mem,
		}, nil

	case config.StoreMongo:
		db, err := database.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoTimeout)
		if err != nil {
			return nil, err
		}
		if err := database.CreateIndexes(ctx, db); err != nil {
			db.Disconnect(context.Background())
			return nil, fmt.Errorf("failed to create indexes: %w", err)
		}
		return &Stores{
			Backend: config.StoreMongo,
			Jobs: database.NewJobRepository(db, database.JobRepositoryOptions{
				Transactions: cfg.MongoTransactions,
				StageRetries: cfg.StoreRetryAttempts,
			}),
			Stages: database.NewStageRepository(db),
			Costs:  database.NewCostRepository(db),
			Queue:  database.NewQueueRepository(db),
			Cache:  database.NewCacheRepository(db),
			Pinger: db,
			close:  db.Disconnect,
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// App is a fully wired pipeline
type App struct {
	Config       *config.Config
	Stores       *Stores
	Pipeline     *config.Pipeline
	Queue        *queue.WorkQueue
	Locks        *joblock.Manager
	Costs        *cost.Tracker
	Cache        *cache.Cache
	Orchestrator *orchestrator.Orchestrator
	Inspector    *recovery.Inspector
	Publisher    *events.Publisher
}

// Build wires every component on top of stores. The event publisher is
// created but not started.
func Build(ctx context.Context, cfg *config.Config, stores *Stores) (*App, error) {
	pipeline, err := config.LoadPipeline(cfg.PipelineProfilePath)
	if err != nil {
		return nil, err
	}
	profile, err := pipeline.Profiles.For(cfg.Environment)
	if err != nil {
		return nil, err
	}

	storeRetry := retry.Config{MaxAttempts: cfg.StoreRetryAttempts}
	storeStrategy := retry.NewStrategy(storeRetry)

	publisher := events.NewPublisher(newSink(cfg), cfg.EventBufferSize)

	q := queue.New(stores.Queue, cfg.Environment, storeStrategy)
	locks := joblock.NewManager(stores.Jobs)
	tracker := cost.NewTracker(stores.Jobs, stores.Costs, cost.NewKeyedMutex(), publisher, storeStrategy)

	resultCache := cache.New(stores.Cache, newResolver(ctx, cfg), cache.Config{
		FastMaxEntries: cfg.CacheMemoryEntries,
		DefaultTTL:     cfg.CacheTTL,
	})

	registry, err := newRegistry(cfg, profile)
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Jobs:     stores.Jobs,
		Stages:   stores.Stages,
		Queue:    q,
		Locks:    locks,
		Costs:    tracker,
		Cache:    resultCache,
		Bindings: binding.NewResolver(pipeline.Bindings),
		Registry: registry,
		Profile:  profile,
		Events:   publisher,
	}, orchestrator.Config{
		BudgetLimit:       model.AmountFromFloat(cfg.BudgetLimit),
		StageRetry:        retry.Config{MaxAttempts: cfg.StageRetryAttempts, InitialDelay: 2 * time.Second, MaxDelay: time.Minute},
		StoreRetry:        storeRetry,
		ProgressInterval:  cfg.ProgressInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		CacheTTL:          cfg.CacheTTL,
	})
	if err != nil {
		return nil, err
	}

	inspector := recovery.NewInspector(stores.Jobs, q, locks, recovery.Config{
		Threshold:      cfg.StaleThreshold,
		RequeueStalled: cfg.RecoveryRequeueStalled,
	})

	return &App{
		Config:       cfg,
		Stores:       stores,
		Pipeline:     pipeline,
		Queue:        q,
		Locks:        locks,
		Costs:        tracker,
		Cache:        resultCache,
		Orchestrator: orch,
		Inspector:    inspector,
		Publisher:    publisher,
	}, nil
}

func newSink(cfg *config.Config) events.Sink {
	if cfg.EventWebhookURL == "" {
		return events.LogSink{}
	}
	slog.Info("Publishing job events to webhook", "url", cfg.EventWebhookURL)
	return events.NewWebhookSink(events.WebhookConfig{
		URL:     cfg.EventWebhookURL,
		Timeout: cfg.EventWebhookTimeout,
	})
}

// newResolver hashes http(s) references and, when AWS configuration can be
// loaded, s3 references
func newResolver(ctx context.Context, cfg *config.Config) *cache.Resolver {
	fetchers := []cache.Fetcher{cache.NewHTTPFetcher(cfg.CollaboratorTimeout)}

	s3Fetcher, err := cache.NewS3Fetcher(ctx, cache.S3Config{
		Region:         cfg.S3Region,
		Endpoint:       cfg.S3Endpoint,
		ForcePathStyle: cfg.S3ForcePathStyle,
	})
	if err != nil {
		slog.Warn("S3 references will not be cached", "error", err)
	} else {
		fetchers = append(fetchers, s3Fetcher)
	}

	return cache.NewResolver(cfg.CacheMaxDownload, fetchers...)
}

// newRegistry reserves each stage's profile estimate before every remote call
func newRegistry(cfg *config.Config, profile *eta.Profile) (collaborator.Registry, error) {
	if cfg.CollaboratorBaseURL != "" {
		return collaborator.NewHTTPRegistry(
			collaborator.NewHTTPClient(cfg.CollaboratorTimeout),
			collaborator.HTTPConfig{BaseURL: cfg.CollaboratorBaseURL},
			stagemachine.Sequence(),
			profile.EstimatedCost,
		), nil
	}
	if cfg.Environment == eta.EnvProduction {
		return nil, errors.New("COLLABORATOR_BASE_URL is required in production")
	}
	slog.Warn("COLLABORATOR_BASE_URL not set, using local stage stubs")
	return collaborator.LocalRegistry(), nil
}
