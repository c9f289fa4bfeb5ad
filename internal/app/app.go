// Package app is the composition root of the directory indexer. It owns the
// index store, the storage and indexer managers, and whichever optional
// backends the configuration enables, and it tears them down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/auth/clientcert"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/auth/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/businesscard"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/events"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/index"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/indexer"
	intakehandler "github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/intake/handler"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/intake/router"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/searcher/cache"
	searchhandler "github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/sml"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/worklog"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/redis"
)

// IndexerFactory builds the indexer manager. Tests swap it to wrap or
// instrument the manager.
type IndexerFactory func(cfg indexer.Config, store *storage.Manager, fetcher businesscard.Fetcher, opts ...indexer.Option) *indexer.Manager

type options struct {
	fetcher        businesscard.Fetcher
	validator      clientcert.Validator
	registerer     prometheus.Registerer
	indexerFactory IndexerFactory
	observers      []indexer.Observer
}

type Option func(*options)

// WithFetcher replaces the SMP fetcher.
func WithFetcher(f businesscard.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithValidator replaces the validator derived from the intake config.
func WithValidator(v clientcert.Validator) Option {
	return func(o *options) { o.validator = v }
}

// WithRegisterer registers metrics somewhere other than the default
// registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

func WithIndexerFactory(f IndexerFactory) Option {
	return func(o *options) { o.indexerFactory = f }
}

// WithObserver adds an outcome observer next to the built-in ones.
func WithObserver(obs indexer.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Metrics    *metrics.Metrics
	Store      *index.Store
	Storage    *storage.Manager
	Indexer    *indexer.Manager
	Cache      *cache.QueryCache
	Health     *health.Checker
	Validator  clientcert.Validator
	TrustStore *clientcert.TrustStore
	Limiter    *ratelimit.Limiter
	WorkLog    *worklog.Log
	Refresher  *sml.Refresher

	fetcher   businesscard.Fetcher
	redis     *pkgredis.Client
	pg        *postgres.Client
	producer  *kafka.Producer
	publisher *events.Publisher
	feed      *kafka.Consumer

	cancel     context.CancelFunc
	loops      []<-chan struct{}
	wg         sync.WaitGroup
	started    bool
	closeOnce  sync.Once
	closeError error
}

// New opens the index and connects the configured backends. Nothing runs
// until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	o := options{indexerFactory: indexer.NewManager}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: slog.Default().With("component", "app")}
	defer func() {
		if err != nil {
			a.closeBackends()
		}
	}()

	a.Metrics = metrics.New(o.registerer)
	a.Health = health.NewChecker(0)

	if err := cfg.CheckDataPath(); err != nil {
		return nil, err
	}
	a.Store, err = storage.OpenStore(cfg.DataPath, index.WithMetrics(a.Metrics))
	if err != nil {
		return nil, err
	}
	a.Storage = storage.NewManager(a.Store)
	a.Health.Register("index", indexCheck(a.Store))

	a.Validator = o.validator
	if a.Validator == nil {
		a.Validator, a.TrustStore, err = clientcert.FromConfig(cfg.Intake)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Intake.AllowAllForTests {
		a.logger.Warn("client certificate validation is disabled, every request is accepted as " + clientcert.TestModeOwnerID)
	}
	a.Limiter = ratelimit.New(cfg.Intake.RateLimit, cfg.Intake.RateWindow)

	a.fetcher = o.fetcher
	if a.fetcher == nil {
		smp := businesscard.NewSMPFetcher(cfg.SMP, businesscard.WithBreakerMetrics(a.Metrics))
		a.Health.Register("smp", health.BreakerCheck(smp.Breaker()))
		a.fetcher = smp
	}

	if err := a.openCache(ctx); err != nil {
		return nil, err
	}
	if err := a.openPostgres(ctx); err != nil {
		return nil, err
	}
	if cfg.Kafka.Enabled {
		a.producer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexEvents)
		a.publisher = events.NewPublisher(a.producer, 100, 0)
	}

	indexerOpts := []indexer.Option{indexer.WithMetrics(a.Metrics)}
	if a.Cache != nil {
		indexerOpts = append(indexerOpts, indexer.WithObserver(a.Cache))
	}
	if a.publisher != nil {
		indexerOpts = append(indexerOpts, indexer.WithObserver(a.publisher))
	}
	if a.WorkLog != nil {
		indexerOpts = append(indexerOpts, indexer.WithObserver(a.WorkLog))
	}
	for _, obs := range o.observers {
		indexerOpts = append(indexerOpts, indexer.WithObserver(obs))
	}
	a.Indexer = o.indexerFactory(indexer.Config{
		DataPath:         cfg.DataPath,
		RetryInterval:    cfg.RetryInterval(),
		MaxRetryDuration: cfg.MaxRetryDuration(),
		FetchTimeout:     cfg.Indexer.FetchTimeout,
	}, a.Storage, a.fetcher, indexerOpts...)

	if cfg.SML.Enabled {
		if a.pg == nil {
			return nil, errors.New("sml.enabled requires postgres.enabled")
		}
		a.Refresher = sml.NewRefresher(sml.NewPostgresLister(a.pg.DB), a.Indexer)
	}
	if cfg.SML.FeedEnabled {
		if !cfg.Kafka.Enabled {
			return nil, errors.New("sml.feedEnabled requires kafka.enabled")
		}
		feed := sml.NewFeedHandler(a.Indexer)
		a.feed = kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.SMLChanges, feed.Handle)
	}
	return a, nil
}

func (a *App) openCache(ctx context.Context) error {
	var backend cache.Backend
	if a.cfg.Redis.Enabled {
		client, err := pkgredis.NewClient(ctx, a.cfg.Redis)
		if err != nil {
			a.logger.Warn("redis unavailable, using in-process search cache", "error", err)
		} else {
			a.redis = client
			backend = client
			a.Health.Register("redis", health.PingCheck(client.Ping, true))
			a.logger.Info("search cache enabled", "backend", "redis", "addr", a.cfg.Redis.Addr, "ttl", a.cfg.Redis.CacheTTL)
		}
	}
	if backend == nil {
		if a.cfg.Search.CacheSize <= 0 {
			a.logger.Info("search cache disabled")
			return nil
		}
		local, err := cache.NewLocal(a.cfg.Search.CacheSize)
		if err != nil {
			return fmt.Errorf("creating search cache: %w", err)
		}
		backend = local
	}
	a.Cache = cache.New(backend, a.cfg.Redis.CacheTTL, a.Metrics)
	return nil
}

func (a *App) openPostgres(ctx context.Context) error {
	if !a.cfg.Postgres.Enabled {
		return nil
	}
	client, err := postgres.New(ctx, a.cfg.Postgres)
	if err != nil {
		return err
	}
	a.pg = client
	schema := append([]string{}, worklog.Schema...)
	if a.cfg.SML.Enabled {
		schema = append(schema, sml.Schema...)
	}
	if err := client.Migrate(ctx, schema...); err != nil {
		return err
	}
	a.WorkLog = worklog.New(client.DB, 0)
	a.Health.Register("postgres", health.PingCheck(client.Ping, true))
	return nil
}

// indexState is the part of *index.Store the readiness check reads.
type indexState interface {
	IsCorrupt() bool
	IsClosing() bool
	DocCount() (uint64, error)
}

func indexCheck(store indexState) health.Check {
	return func(context.Context) health.ComponentHealth {
		switch {
		case store.IsCorrupt():
			return health.Down("index corrupt, mutations refused")
		case store.IsClosing():
			return health.Down("index closing")
		}
		n, err := store.DocCount()
		if err != nil {
			return health.Down(err.Error())
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d documents", n)}
	}
}

// Start reloads the persisted queue and starts the worker and every
// background loop. The loops stop on Close, not on ctx.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.started = true

	if a.WorkLog != nil {
		a.WorkLog.Start(ctx)
	}
	if a.publisher != nil {
		a.publisher.Start(ctx)
	}
	a.Indexer.Start()
	a.loops = append(a.loops, a.Indexer.StartScheduler(ctx, a.cfg.Indexer.TickInterval))

	if a.TrustStore != nil {
		if err := a.TrustStore.Watch(ctx); err != nil {
			a.logger.Warn("trust store hot reload disabled", "error", err)
		}
	}
	if a.Refresher != nil {
		a.loops = append(a.loops, a.Refresher.Start(ctx, a.cfg.SML.RefreshInterval))
	}
	if a.feed != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.feed.Start(ctx); err != nil {
				a.logger.Error("sml change feed stopped", "error", err)
			}
		}()
	}
	a.logger.Info("directory indexer started",
		"data_path", a.cfg.DataPath,
		"retry_interval", a.cfg.RetryInterval(),
		"max_retry_duration", a.cfg.MaxRetryDuration(),
	)
}

// PublicHandler is the intake and query surface.
func (a *App) PublicHandler() http.Handler {
	return router.New(router.Deps{
		Intake:       intakehandler.New(a.Indexer),
		Query:        searchhandler.New(a.Storage, a.Cache, a.Metrics, a.cfg.Search.DefaultLimit, a.cfg.Search.MaxResults),
		Validator:    a.Validator,
		Limiter:      a.Limiter,
		Metrics:      a.Metrics,
		QueryTimeout: a.cfg.Server.WriteTimeout,
		CORSOrigins:  a.cfg.Search.CORSOrigins,

		TrustProxyHeaders: a.cfg.Server.TrustProxyHeaders,
	})
}

// Close stops the background loops, then the indexer manager (persisting
// its pending work), then the index store and the backends. HTTP servers
// must already be shut down.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		for _, done := range a.loops {
			<-done
		}
		a.wg.Wait()

		var errs []error
		if a.started {
			if err := a.Indexer.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stopping indexer: %w", err))
			}
			if a.publisher != nil {
				a.publisher.Close()
			}
			if a.WorkLog != nil {
				a.WorkLog.Close()
			}
		}
		if err := a.closeBackends(); err != nil {
			errs = append(errs, err)
		}
		a.closeError = errors.Join(errs...)
		a.logger.Info("directory indexer stopped")
	})
	return a.closeError
}

func (a *App) closeBackends() error {
	var errs []error
	if a.feed != nil {
		if err := a.feed.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing sml feed: %w", err))
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing kafka producer: %w", err))
		}
	}
	if a.Limiter != nil {
		a.Limiter.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing index: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing postgres: %w", err))
		}
	}
	return errors.Join(errs...)
}
