package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/utafrali/selfscan-checkout/internal/backend/httpapi"
	"github.com/utafrali/selfscan-checkout/internal/checkout"
	"github.com/utafrali/selfscan-checkout/internal/config"
	"github.com/utafrali/selfscan-checkout/internal/event"
	handler "github.com/utafrali/selfscan-checkout/internal/handler/http"
	"github.com/utafrali/selfscan-checkout/internal/repository/memory"
	"github.com/utafrali/selfscan-checkout/internal/repository/postgres"
	redisrepo "github.com/utafrali/selfscan-checkout/internal/repository/redis"
	"github.com/utafrali/selfscan-checkout/internal/retry"
	"github.com/utafrali/selfscan-checkout/internal/service"
	"github.com/utafrali/selfscan-checkout/migrations"
	"github.com/utafrali/selfscan-checkout/pkg/database"
	"github.com/utafrali/selfscan-checkout/pkg/health"
	"github.com/utafrali/selfscan-checkout/pkg/httpclient"
	pkgkafka "github.com/utafrali/selfscan-checkout/pkg/kafka"
	"github.com/utafrali/selfscan-checkout/pkg/tracing"
)

// App wires together all dependencies and runs the checkout coordinator.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *goredis.Client
	producer       *pkgkafka.Producer
	consumer       *pkgkafka.Consumer
	backend        *httpapi.Client
	checkouts      *service.CheckoutService
	retries        *service.RetryQueues
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
	workers        sync.WaitGroup
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    handler.ServiceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.tracerShutdown = tracerShutdown

	healthHandler := health.NewHandler()

	store, err := a.openStore(ctx, healthHandler)
	if err != nil {
		a.closeStores()
		return nil, err
	}

	// HTTP client with circuit breaker for backend calls.
	baseClient := httpclient.New(httpclient.Config{
		Timeout:         cfg.BackendTimeout,
		MaxRetries:      cfg.BackendMaxRetries,
		RetryWaitMin:    200 * time.Millisecond,
		RetryWaitMax:    time.Second,
		MaxConnsPerHost: 50,
	})
	cbCfg := httpclient.CircuitBreakerConfig{
		Name:         "checkout-backend",
		MaxRequests:  cfg.CBMaxRequests,
		Interval:     time.Duration(cfg.CBInterval) * time.Second,
		Timeout:      time.Duration(cfg.CBTimeout) * time.Second,
		FailureRatio: cfg.CBFailureRatio,
		MinRequests:  cfg.CBMinRequests,
	}
	cbClient := httpclient.NewCircuitBreakerClient(baseClient, cbCfg, logger)
	logger.Info("circuit breaker initialized",
		slog.String("name", cbCfg.Name),
		slog.Uint64("max_requests", uint64(cbCfg.MaxRequests)),
		slog.Int("timeout_seconds", cfg.CBTimeout),
	)

	backend, err := httpapi.New(cbClient, httpapi.Config{
		BaseURL:     cfg.BackendURL,
		ClientToken: cfg.BackendClientToken,
		HealthPath:  cfg.BackendHealthPath,
	}, logger)
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("create backend client: %w", err)
	}
	a.backend = backend
	backends := func(projectID string) checkout.Backend { return backend.ForProject(projectID) }

	a.retries = service.NewRetryQueues(store, backends, backend, logger).
		WithResendRate(cfg.RetryResendRate, cfg.RetryResendBurst)

	// Events are optional. Without brokers the coordinator runs standalone.
	var sink service.EventSink
	if cfg.EventsEnabled() {
		a.producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		sink = event.NewProducer(a.producer, logger)

		flushConsumer := event.NewConsumer(a.retries, logger)
		a.consumer = pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
			Brokers:  cfg.KafkaBrokers,
			GroupID:  cfg.KafkaConsumerGroup,
			Topic:    event.TopicFlushRequested,
			MinBytes: 1,
			MaxBytes: 1 << 20,
		}, flushConsumer.HandleFlushRequested, logger)

		producer := a.producer
		healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
			return producer.Ping(ctx)
		})
		logger.Info("kafka initialized", slog.Any("brokers", cfg.KafkaBrokers))
	} else {
		logger.Warn("no kafka brokers configured, checkout events disabled")
	}

	a.checkouts = service.NewCheckoutService(backends, a.retries, sink, logger, service.Config{
		StartTimeout:  cfg.CheckoutInfoTimeout,
		AllowFallback: cfg.OfflineFallback,
		PollInterval:  cfg.PollInterval,
		IdleTTL:       cfg.IdleContextTTL,
	})

	healthHandler.RegisterNonCritical("backend", func(ctx context.Context) error {
		if !backend.Online(ctx) {
			return errors.New("checkout backend unreachable")
		}
		return nil
	})

	router := handler.NewRouter(a.checkouts, a.retries, healthHandler, logger)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// openStore connects the saved cart store selected by RETRY_STORE and
// registers its health check.
func (a *App) openStore(ctx context.Context, healthHandler *health.Handler) (retry.Store, error) {
	cfg := a.cfg
	switch cfg.RetryStore {
	case config.StoreRedis:
		client, err := database.NewRedisClient(ctx, database.RedisConfig{
			Host:        cfg.RedisHost,
			Port:        cfg.RedisPort,
			Password:    cfg.RedisPass,
			DB:          cfg.RedisDB,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = client
		a.logger.Info("connected to Redis",
			slog.String("host", cfg.RedisHost),
			slog.Int("port", cfg.RedisPort),
		)
		healthHandler.RegisterCritical("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		return redisrepo.NewSavedCartStore(client), nil

	case config.StorePostgres:
		pool, err := database.NewPostgresPool(ctx, &database.PostgresConfig{
			Host:            cfg.PostgresHost,
			Port:            cfg.PostgresPort,
			User:            cfg.PostgresUser,
			Password:        cfg.PostgresPass,
			DBName:          cfg.PostgresDB,
			SSLMode:         cfg.PostgresSSL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			MaxConnLifetime: time.Duration(cfg.DBMaxConnLifetimeMins) * time.Minute,
			MaxConnIdleTime: time.Duration(cfg.DBMaxConnIdleTimeMins) * time.Minute,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		a.pool = pool
		a.logger.Info("connected to PostgreSQL",
			slog.String("host", cfg.PostgresHost),
			slog.Int("port", cfg.PostgresPort),
			slog.String("database", cfg.PostgresDB),
		)
		if err := database.RegisterPoolMetrics(pool, handler.ServiceName); err != nil {
			a.logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
		}

		if err := database.RunMigrations(ctx, pool, migrations.FS, a.logger); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		a.logger.Info("database migrations completed")

		if cfg.SlowQueryThresholdMs > 0 {
			database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, a.logger)
		}
		healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
			return pool.Ping(ctx)
		})
		return postgres.NewSavedCartStore(pool), nil

	default:
		a.logger.Warn("using in-memory retry store, saved carts are lost on restart")
		return memory.NewSavedCartStore(), nil
	}
}

// Run starts the HTTP server and the background workers and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	a.workers.Add(2)
	go func() {
		defer a.workers.Done()
		a.checkouts.RunSweeper(workerCtx, a.cfg.SweepInterval)
	}()
	go func() {
		defer a.workers.Done()
		a.runFlushLoop(workerCtx)
	}()

	if a.consumer != nil {
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			if err := a.consumer.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("flush request consumer stopped", slog.String("error", err.Error()))
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		stopWorkers()
		a.workers.Wait()
		return errors.Join(err, a.Shutdown())
	}

	stopWorkers()
	a.workers.Wait()
	return a.Shutdown()
}

// runFlushLoop flushes every retry queue on a fixed interval and as soon as
// the backend comes back online.
func (a *App) runFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RetryFlushInterval)
	defer ticker.Stop()

	probe := time.NewTicker(a.cfg.PollInterval)
	defer probe.Stop()

	online := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.retries.FlushAll(ctx); err != nil {
				a.logger.Warn("periodic retry flush failed", slog.String("error", err.Error()))
			}
		case <-probe.C:
			now := a.backend.Online(ctx)
			if now && !online {
				a.logger.Info("checkout backend reachable again, flushing retry queues")
				if err := a.retries.FlushAll(ctx); err != nil {
					a.logger.Warn("reconnect retry flush failed", slog.String("error", err.Error()))
				}
			}
			online = now
		}
	}
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Shopping contexts (stop polling, cancel backend calls)
// 3. Tracer (flush pending spans)
// 4. Kafka consumer and producer
// 5. Saved cart store
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	a.checkouts.Close()
	a.backend.Cancel()

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.logger.Error("kafka consumer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if err := a.closeStores(); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var err error
	if a.redis != nil {
		if cerr := a.redis.Close(); cerr != nil {
			a.logger.Error("redis close error", slog.String("error", cerr.Error()))
			err = cerr
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return err
}
