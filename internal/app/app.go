// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bmorrisey/threadfall/internal/api"
	clocksystem "github.com/bmorrisey/threadfall/internal/clock/system"
	"github.com/bmorrisey/threadfall/internal/config"
	"github.com/bmorrisey/threadfall/internal/coordinator"
	"github.com/bmorrisey/threadfall/internal/crawl"
	"github.com/bmorrisey/threadfall/internal/enrich"
	"github.com/bmorrisey/threadfall/internal/logging"
	"github.com/bmorrisey/threadfall/internal/metrics"
	pubnoop "github.com/bmorrisey/threadfall/internal/publisher/noop"
	pubgcp "github.com/bmorrisey/threadfall/internal/publisher/pubsub"
	"github.com/bmorrisey/threadfall/internal/queue"
	queuememory "github.com/bmorrisey/threadfall/internal/queue/memory"
	queuepostgres "github.com/bmorrisey/threadfall/internal/queue/postgres"
	"github.com/bmorrisey/threadfall/internal/source"
	storagememory "github.com/bmorrisey/threadfall/internal/storage/memory"
	storagepostgres "github.com/bmorrisey/threadfall/internal/storage/postgres"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and fails fast if any critical service cannot
// be built.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Records      crawl.RecordStore
	FetchLedger  crawl.RetryLedger
	EnrichLedger crawl.RetryLedger
	Broker       queue.Broker
	Consumer     *queue.Consumer
	Coordinator  *coordinator.Coordinator
	Source       *source.Client
	API          *api.Server

	closers []func() error
}

// New builds the full service graph from configuration.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	metrics.Init()

	a := &App{Config: cfg, Logger: logger}
	clock := clocksystem.New()

	if err := a.initStorage(ctx, cfg); err != nil {
		return nil, err
	}
	if err := a.initBroker(ctx, cfg); err != nil {
		return nil, err
	}
	publisher, err := a.initPublisher(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sampler := enrich.NewSampler(enrich.Config{
		Endpoint:   cfg.Enrich.Endpoint,
		Token:      cfg.Enrich.Token,
		SampleRate: cfg.Enrich.SampleRate,
		MaxRetries: cfg.Enrich.MaxRetries,
		MaxTextLen: cfg.Enrich.MaxTextLen,
	}, clock, logger.Named("enrich"))

	a.Source = source.NewClient(source.Config{
		BaseURL:           cfg.Source.BaseURL,
		AuthURL:           cfg.Source.AuthURL,
		ClientID:          cfg.Source.ClientID,
		ClientSecret:      cfg.Source.ClientSecret,
		Username:          cfg.Source.Username,
		Password:          cfg.Source.Password,
		UserAgent:         cfg.Source.UserAgent,
		PageSize:          cfg.Source.PageSize,
		PostLimit:         cfg.Crawl.PostLimit,
		RateLimitFloor:    time.Duration(cfg.Source.RateLimitFloorSeconds) * time.Second,
		ErrorBackoff:      time.Duration(cfg.Source.ErrorBackoffSeconds) * time.Second,
		MaxPageAttempts:   cfg.Source.MaxPageAttempts,
		RequestsPerSecond: cfg.Source.RequestsPerSecond,
	}, a.Records, a.FetchLedger, sampler, clock, logger.Named("source"))

	a.Coordinator = coordinator.NewCoordinator(coordinator.Config{
		DiscoverInterval: cfg.Crawl.DiscoverInterval(),
		EmptyInterval:    cfg.Crawl.EmptyInterval(),
		ErrorInterval:    cfg.Crawl.ErrorInterval(),
		RedriveInterval:  cfg.Crawl.RedriveInterval(),
		MaxFetchAttempts: cfg.Crawl.MaxFetchAttempts,
		RedriveBatch:     cfg.Crawl.RedriveBatch,
		BackfillBatch:    cfg.Crawl.BackfillBatch,
		CompletionTopic:  cfg.Crawl.CompletionTopic,
	}, a.Broker, a.Source, a.Records, a.FetchLedger, a.EnrichLedger,
		sampler, publisher, clock, logger.Named("coordinator"))

	a.Consumer = queue.NewConsumer(a.Broker, []string{
		coordinator.QueueDiscover,
		coordinator.QueueFetch,
		coordinator.QueueRetry,
	}, cfg.Queue.Concurrency, logger.Named("consumer"))
	if err := a.Coordinator.Register(a.Consumer); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	a.API = api.NewServer(a.Records, a.FetchLedger, a.EnrichLedger, a.Coordinator, logger.Named("api"))

	logger.Info("application services initialized",
		zap.String("storage", cfg.Providers.Storage),
		zap.String("queue", cfg.Providers.Queue),
		zap.String("publisher", cfg.Providers.Publisher),
	)
	return a, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

func (a *App) initStorage(ctx context.Context, cfg config.Config) error {
	switch cfg.Providers.Storage {
	case "postgres":
		records, err := storagepostgres.NewRecordStore(ctx, storagepostgres.RecordStoreConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxConns),
		})
		if err != nil {
			return fmt.Errorf("init record store: %w", err)
		}
		a.Records = records
		a.closers = append(a.closers, func() error { records.Close(); return nil })

		fetchLedger, err := storagepostgres.NewLedger(ctx, storagepostgres.LedgerConfig{
			DSN: cfg.DB.DSN, Table: "failed_fetches",
		})
		if err != nil {
			return fmt.Errorf("init fetch ledger: %w", err)
		}
		a.FetchLedger = fetchLedger
		a.closers = append(a.closers, func() error { fetchLedger.Close(); return nil })

		enrichLedger, err := storagepostgres.NewLedger(ctx, storagepostgres.LedgerConfig{
			DSN: cfg.DB.DSN, Table: "failed_enrichments",
		})
		if err != nil {
			return fmt.Errorf("init enrich ledger: %w", err)
		}
		a.EnrichLedger = enrichLedger
		a.closers = append(a.closers, func() error { enrichLedger.Close(); return nil })
	case "memory":
		a.Logger.Warn("using in-memory storage; records will not survive restarts")
		a.Records = storagememory.NewRecordStore()
		a.FetchLedger = storagememory.NewLedger()
		a.EnrichLedger = storagememory.NewLedger()
	default:
		return fmt.Errorf("unknown storage provider: %s", cfg.Providers.Storage)
	}
	return nil
}

func (a *App) initBroker(ctx context.Context, cfg config.Config) error {
	switch cfg.Providers.Queue {
	case "postgres":
		broker, err := queuepostgres.NewBroker(ctx, queuepostgres.Config{
			DSN:                cfg.DB.DSN,
			Table:              cfg.Queue.Table,
			ReservationTimeout: time.Duration(cfg.Queue.ReservationTimeoutSeconds) * time.Second,
			RetryDelay:         time.Duration(cfg.Queue.RetryDelaySeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("init queue broker: %w", err)
		}
		a.Broker = broker
	case "memory":
		a.Logger.Warn("using in-memory queue; scheduled jobs will not survive restarts")
		a.Broker = queuememory.NewBroker()
	default:
		return fmt.Errorf("unknown queue provider: %s", cfg.Providers.Queue)
	}
	a.closers = append(a.closers, a.Broker.Close)
	return nil
}

func (a *App) initPublisher(ctx context.Context, cfg config.Config) (crawl.Publisher, error) {
	switch cfg.Providers.Publisher {
	case "pubsub":
		publisher, err := pubgcp.NewPublisher(ctx, cfg.PubSub.ProjectID, a.Logger.Named("publisher"))
		if err != nil {
			return nil, fmt.Errorf("init publisher: %w", err)
		}
		a.closers = append(a.closers, publisher.Close)
		return publisher, nil
	case "noop":
		return pubnoop.NewPublisher(), nil
	default:
		return nil, fmt.Errorf("unknown publisher provider: %s", cfg.Providers.Publisher)
	}
}

// Run serves HTTP and consumes queue jobs until the context finishes.
func (a *App) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		a.Logger.Info("http server listening", zap.Int("port", a.Config.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		a.Logger.Info("consumer running", zap.Int("concurrency", a.Config.Queue.Concurrency))
		if err := a.Consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("consumer: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("http shutdown", zap.Error(err))
	}
	return runErr
}

// Close shuts down all services in reverse initialization order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close service", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}
