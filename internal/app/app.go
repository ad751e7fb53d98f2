// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/fineweb-news/internal/api"
	"github.com/JakeFAU/fineweb-news/internal/cache"
	"github.com/JakeFAU/fineweb-news/internal/catalog"
	"github.com/JakeFAU/fineweb-news/internal/clock/system"
	"github.com/JakeFAU/fineweb-news/internal/config"
	"github.com/JakeFAU/fineweb-news/internal/extract"
	"github.com/JakeFAU/fineweb-news/internal/filter"
	"github.com/JakeFAU/fineweb-news/internal/hash/sha256"
	"github.com/JakeFAU/fineweb-news/internal/hub"
	"github.com/JakeFAU/fineweb-news/internal/id/uuid"
	"github.com/JakeFAU/fineweb-news/internal/metrics"
	pubsubnotify "github.com/JakeFAU/fineweb-news/internal/notify/pubsub"
	"github.com/JakeFAU/fineweb-news/internal/orchestrator"
	gcsregistry "github.com/JakeFAU/fineweb-news/internal/registry/gcs"
	memregistry "github.com/JakeFAU/fineweb-news/internal/registry/memory"
	"github.com/JakeFAU/fineweb-news/internal/store"
	memstore "github.com/JakeFAU/fineweb-news/internal/store/memory"
	"github.com/JakeFAU/fineweb-news/internal/store/postgres"
	"github.com/JakeFAU/fineweb-news/internal/telemetry"
)

// Version is reported in traces; overridden at build time with -ldflags.
var Version = "dev"

// App holds all the shared, long-lived services for the application.
// It is initialized once per command and closed when the command returns.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	hub      *hub.Client
	cache    *cache.Store
	registry extract.Registry
	notifier extract.Notifier
	ledger   store.Repository
	metrics  *metrics.Recorder
	closers  []func()
}

// Options overrides collaborators that are otherwise built from configuration.
type Options struct {
	// HTTPClient is used for hub requests when set.
	HTTPClient *http.Client
	// SpanExporter receives finished spans when set; otherwise tracing.endpoint
	// decides.
	SpanExporter sdktrace.SpanExporter
}

// New creates the services described by cfg. It fails fast if any configured
// backend cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, metrics: metrics.New()}

	exporter := opts.SpanExporter
	if exporter == nil {
		var err error
		exporter, err = telemetry.NewExporter(ctx, cfg.Tracing.Endpoint)
		if err != nil {
			return nil, err
		}
	}
	tp, err := telemetry.InitTracerProvider(ctx, Version, exporter)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("Error shutting down tracer provider", zap.Error(err))
		}
	})

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HubTimeout()}
	}
	hubClient, err := hub.New(hub.Config{
		Endpoint:       cfg.Hub.Endpoint,
		Revision:       cfg.Dataset.Revision,
		ResultRevision: cfg.Result.Revision,
		Token:          cfg.Hub.Token,
		Timeout:        cfg.HubTimeout(),
		MaxAttempts:    cfg.Hub.MaxRetries + 1,
	}, telemetry.HTTPClient(httpClient), logger.Named("hub"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize hub client: %w", err)
	}
	a.hub = hubClient

	a.cache, err = cache.Open(cache.Config{
		Root:      cfg.Cache.Root,
		Identity:  cfg.Dataset.Identity,
		BatchSize: cfg.Cache.BatchSize,
	}, sha256.New(), logger.Named("cache"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := a.cache.Close(); err != nil {
			logger.Warn("Error releasing cache lock", zap.Error(err))
		}
	})

	if err := a.initRegistry(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initNotifier(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initLedger(ctx); err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("Application services initialized",
		zap.String("dataset", cfg.Dataset.Identity),
		zap.String("registry", cfg.Registry.Backend),
		zap.String("cache_dir", a.cache.Dir()),
	)
	return a, nil
}

func (a *App) initRegistry(ctx context.Context) error {
	switch a.cfg.Registry.Backend {
	case config.BackendHub:
		a.registry = a.hub
	case config.BackendMemory:
		a.logger.Info("Using in-memory registry. Published subsets will be discarded.")
		a.registry = memregistry.New()
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("Error closing storage client", zap.Error(err))
			}
		})
		reg, err := gcsregistry.New(client, gcsregistry.Config{
			Bucket: a.cfg.Registry.GCS.Bucket,
			Prefix: a.cfg.Registry.GCS.Prefix,
		}, a.logger.Named("gcs"))
		if err != nil {
			return fmt.Errorf("failed to initialize gcs registry: %w", err)
		}
		a.registry = reg
	default:
		return fmt.Errorf("unknown registry backend: %s", a.cfg.Registry.Backend)
	}
	return nil
}

func (a *App) initNotifier(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to create pubsub client: %w", err)
	}
	notifier := pubsubnotify.New(client.Topic(a.cfg.PubSub.TopicName))
	a.notifier = notifier
	a.closers = append(a.closers, func() {
		notifier.Stop()
		if err := client.Close(); err != nil {
			a.logger.Warn("Error closing pubsub client", zap.Error(err))
		}
	})
	a.logger.Info("Publishing subset notifications", zap.String("topic", a.cfg.PubSub.TopicName))
	return nil
}

func (a *App) initLedger(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.ledger = memstore.New()
		return nil
	}
	ledger, err := postgres.New(ctx, postgres.Config{DSN: a.cfg.DB.DSN, MaxConns: a.cfg.DB.MaxConns})
	if err != nil {
		return fmt.Errorf("failed to initialize run ledger: %w", err)
	}
	a.ledger = ledger
	a.closers = append(a.closers, ledger.Close)
	return nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the services were built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Cache returns the locked cache directory of the source dataset.
func (a *App) Cache() *cache.Store {
	return a.cache
}

// Catalog builds the shard catalog of the source dataset.
func (a *App) Catalog() (*catalog.Catalog, error) {
	c, err := catalog.New(a.hub, a.cache.Dir(), catalog.Config{
		Dataset:           a.cfg.Dataset.Identity,
		ExcludePartitions: a.cfg.Catalog.ExcludePartitions,
	}, a.logger.Named("catalog"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}
	return c, nil
}

// Orchestrator wires the catalog, cache, filter and registry into a run.
func (a *App) Orchestrator() (*orchestrator.Orchestrator, error) {
	cat, err := a.Catalog()
	if err != nil {
		return nil, err
	}
	rules, err := filter.NewRules(a.cfg.Filter.TargetLanguage, a.cfg.Filter.DomainPattern, a.cfg.Filter.NewsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter rules: %w", err)
	}
	return orchestrator.New(orchestrator.Config{
		Dataset:      a.cfg.Dataset.Identity,
		Result:       a.cfg.Result.Identity,
		Visibility:   a.cfg.Visibility(),
		SubsetLimit:  a.cfg.Run.SubsetLimit,
		ReverseOrder: a.cfg.Run.ReverseOrder,
		Subsets:      a.cfg.Run.Subsets,
		Concurrency:  a.cfg.Run.Concurrency,
		KeepCache:    a.cfg.Run.KeepCache,
	}, orchestrator.Deps{
		Catalog:  cat,
		Cache:    a.cache,
		Filter:   filter.New(a.hub, rules, a.cfg.Cache.BatchSize, a.logger.Named("filter")),
		Registry: a.registry,
		Notifier: a.notifier,
		Ledger:   a.ledger,
		Metrics:  a.metrics,
		Clock:    system.New(),
		IDs:      uuid.NewGenerator(),
	}, a.logger.Named("orchestrator"))
}

// Status returns the status server over the run ledger and metrics.
func (a *App) Status() *api.Server {
	return api.NewServer(a.ledger, a.metrics, a.logger.Named("api"))
}

// Close shuts down services in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
