// Package app initializes and holds long-lived services, acting as the
// dependency injection container for the harvester.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dhkim0920/termharvest/internal/api"
	"github.com/dhkim0920/termharvest/internal/cache"
	"github.com/dhkim0920/termharvest/internal/clock/system"
	"github.com/dhkim0920/termharvest/internal/config"
	"github.com/dhkim0920/termharvest/internal/credential"
	"github.com/dhkim0920/termharvest/internal/harvest"
	"github.com/dhkim0920/termharvest/internal/metrics"
	"github.com/dhkim0920/termharvest/internal/naverapi"
	"github.com/dhkim0920/termharvest/internal/orchestrator"
	"github.com/dhkim0920/termharvest/internal/pipeline"
	memorypub "github.com/dhkim0920/termharvest/internal/publisher/memory"
	nooppub "github.com/dhkim0920/termharvest/internal/publisher/noop"
	pubsubpub "github.com/dhkim0920/termharvest/internal/publisher/pubsub"
	memorystore "github.com/dhkim0920/termharvest/internal/store/memory"
	"github.com/dhkim0920/termharvest/internal/store/postgres"
	"github.com/dhkim0920/termharvest/internal/writer"
)

// App holds the shared, long-lived services. It is built once at startup and
// handed to the commands that need it.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Store        harvest.RecordStore
	Settings     harvest.SettingsStore
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *orchestrator.Scheduler
	Server       *api.Server

	closers []func()
}

// New builds the full service graph from configuration. It fails fast when a
// critical dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	clk := system.New()
	a := &App{Config: cfg, Logger: logger}

	store, settings, err := a.buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.Settings = settings

	relatedPool := credential.NewPool("searchad", cfg.Credentials.SearchAd, cfg.Cooldown(), clk)
	docsPool := credential.NewPool("openapi", cfg.Credentials.OpenAPI, cfg.Cooldown(), clk)
	if relatedPool.Size() == 0 {
		logger.Warn("no searchad credentials configured; expansion will fail fast")
	}
	if docsPool.Size() == 0 {
		logger.Warn("no openapi credentials configured; doc fill will fail fast")
	}

	client := naverapi.New(naverapi.Config{
		SearchAdBaseURL: cfg.NaverAPI.SearchAdBaseURL,
		OpenAPIBaseURL:  cfg.NaverAPI.OpenAPIBaseURL,
		MaxAttempts:     cfg.NaverAPI.MaxAttempts,
		RequestsPerSec:  cfg.NaverAPI.RequestsPerSec,
		Burst:           cfg.NaverAPI.Burst,
		Timeout:         cfg.APITimeout(),
	}, relatedPool, docsPool, clk, logger)

	membership := cache.New()
	if err := membership.Bootstrap(ctx, store, cfg.Cache.PageSize, logger); err != nil {
		return nil, fmt.Errorf("bootstrap membership cache: %w", err)
	}

	pipe := pipeline.New(client, client, harvest.NewDenylist(cfg.Denylist),
		pipeline.Config{DocFanout: cfg.NaverAPI.DocFanout}, logger)
	bulk := writer.New(membership, store, cfg.DB.UpsertChunk, logger)

	publisher, err := a.buildPublisher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.Orchestrator = orchestrator.New(store, settings, pipe, client, bulk,
		relatedPool, docsPool, publisher, cfg.Publisher.Topic, clk,
		orchestrator.Config{
			LaneMultiplier:    cfg.Batch.LaneMultiplier,
			MaxLanes:          cfg.Batch.MaxLanes,
			MaxRunDuration:    time.Duration(cfg.Batch.MaxRunSeconds) * time.Second,
			StartMargin:       time.Duration(cfg.Batch.StartMarginSec) * time.Second,
			LaneStagger:       time.Duration(cfg.Batch.LaneStaggerMs) * time.Millisecond,
			JitterMin:         time.Duration(cfg.Batch.JitterMinMs) * time.Millisecond,
			JitterMax:         time.Duration(cfg.Batch.JitterMaxMs) * time.Millisecond,
			ExpandTopClaim:    cfg.Batch.ExpandTopClaim,
			ExpandRandomClaim: cfg.Batch.ExpandRandomClaim,
			DocFillClaim:      cfg.Batch.DocFillClaim,
			MinVolume:         cfg.Batch.MinVolume,
			DocFetchLimit:     cfg.Batch.DocFetchLimit,
			MaxCandidates:     cfg.Batch.MaxCandidates,
			GraceWindow:       cfg.GraceWindow(),
			SeedFanout:        cfg.Batch.SeedFanout,
		}, logger)

	a.Scheduler = orchestrator.NewScheduler(a.Orchestrator, settings, orchestrator.SchedulerConfig{
		Rest:    time.Duration(cfg.Scheduler.RestSeconds) * time.Second,
		Poll:    time.Duration(cfg.Scheduler.PollSeconds) * time.Second,
		Backoff: time.Duration(cfg.Scheduler.BackoffSeconds) * time.Second,
	}, logger)

	a.Server = api.NewServer(a.Orchestrator, store, settings, cfg, logger)

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Provider),
		zap.String("publisher", cfg.Publisher.Provider),
		zap.Int("searchad_credentials", relatedPool.Size()),
		zap.Int("openapi_credentials", docsPool.Size()),
	)
	return a, nil
}

func (a *App) buildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.RecordStore, harvest.SettingsStore, error) {
	switch cfg.Store.Provider {
	case "postgres":
		logger.Info("connecting to postgres")
		store, err := postgres.NewRecordStore(ctx, postgres.Config{
			DSN:              cfg.DB.DSN,
			MaxConns:         int32(cfg.DB.MaxConns),
			MinConns:         int32(cfg.DB.MinConns),
			MaxConnLifetime:  time.Duration(cfg.DB.ConnLifetimeSec) * time.Second,
			StatementTimeout: time.Duration(cfg.DB.StatementTimeoutMs) * time.Millisecond,
			TransitionChunk:  cfg.DB.TransitionChunk,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, store, nil
	case "memory":
		logger.Info("using in-memory store; data is lost on exit")
		store := memorystore.NewRecordStore()
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown store provider: %s", cfg.Store.Provider)
	}
}

func (a *App) buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.Publisher, error) {
	switch cfg.Publisher.Provider {
	case "pubsub":
		logger.Info("connecting to pub/sub",
			zap.String("project", cfg.Publisher.ProjectID),
			zap.String("topic", cfg.Publisher.Topic),
		)
		pub, err := pubsubpub.New(ctx, cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, func() {
			if cerr := pub.Close(); cerr != nil {
				logger.Warn("close pubsub publisher", zap.Error(cerr))
			}
		})
		return pub, nil
	case "memory":
		return memorypub.New(), nil
	case "noop":
		return nooppub.New(), nil
	default:
		return nil, fmt.Errorf("unknown publisher provider: %s", cfg.Publisher.Provider)
	}
}

// Close shuts down all services in reverse initialization order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.Logger.Sync()
}
