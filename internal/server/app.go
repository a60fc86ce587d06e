// Package server builds the application's dependencies from config and runs
// the HTTP front end and the generation worker.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/contentgen-pipeline/internal/access"
	"github.com/JakeFAU/contentgen-pipeline/internal/admission"
	"github.com/JakeFAU/contentgen-pipeline/internal/api"
	"github.com/JakeFAU/contentgen-pipeline/internal/clock/system"
	"github.com/JakeFAU/contentgen-pipeline/internal/config"
	"github.com/JakeFAU/contentgen-pipeline/internal/generator/headless"
	"github.com/JakeFAU/contentgen-pipeline/internal/id/uuid"
	"github.com/JakeFAU/contentgen-pipeline/internal/logging"
	"github.com/JakeFAU/contentgen-pipeline/internal/metrics"
	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
	"github.com/JakeFAU/contentgen-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/contentgen-pipeline/internal/publisher"
	"github.com/JakeFAU/contentgen-pipeline/internal/queue"
	amqpqueue "github.com/JakeFAU/contentgen-pipeline/internal/queue/amqp"
	memoryqueue "github.com/JakeFAU/contentgen-pipeline/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/contentgen-pipeline/internal/queue/pubsub"
	gcsstorage "github.com/JakeFAU/contentgen-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/contentgen-pipeline/internal/storage/local"
	memorystorage "github.com/JakeFAU/contentgen-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/contentgen-pipeline/internal/storage/postgres"
	s3storage "github.com/JakeFAU/contentgen-pipeline/internal/storage/s3"
	sqlitestore "github.com/JakeFAU/contentgen-pipeline/internal/storage/sqlite"
	"github.com/JakeFAU/contentgen-pipeline/internal/telemetry"
	"github.com/JakeFAU/contentgen-pipeline/internal/webhook"
	"github.com/JakeFAU/contentgen-pipeline/internal/worker"
)

// RunOptions selects which halves of the pipeline this process runs.
type RunOptions struct {
	HTTP   bool
	Worker bool
}

// brokerConnectTimeout bounds the startup dial made before the API listens.
const brokerConnectTimeout = 10 * time.Second

type closer struct {
	name string
	fn   func() error
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	ledger    access.Ledger
	broker    queue.Broker
	apiServer *api.Server
	worker    *worker.Worker

	// closed in reverse order of registration once the broker is down
	closers        []closer
	tracerShutdown func(context.Context) error
}

// Build creates the logger and every dependency named by cfg.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return assemble(ctx, cfg, logger)
}

func assemble(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if app.broker != nil {
				_ = app.broker.Close()
			}
			app.closeInfrastructure()
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("ledger", cfg.Ledger.Backend),
		zap.String("ratelimit", cfg.RateLimit.Backend),
		zap.String("broker", cfg.Broker.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("generator", cfg.Generator.Driver),
	)

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.SampleRatio)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	metrics.Init()

	clock := system.New()
	ids := uuid.New()

	if app.ledger, err = setupLedger(ctx, app, clock, ids); err != nil {
		return nil, err
	}
	limiter, err := setupLimiter(ctx, app)
	if err != nil {
		return nil, err
	}
	if app.broker, err = setupBroker(app); err != nil {
		return nil, err
	}
	archive, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}
	generator, err := setupGenerator(app)
	if err != nil {
		return nil, err
	}

	gate, err := admission.New(admission.Options{
		Ledger:  app.ledger,
		Limiter: limiter,
		Rules:   rulesFromConfig(cfg),
		Logger:  logger.Named("admission"),
	})
	if err != nil {
		return nil, fmt.Errorf("admission gate init failed: %w", err)
	}

	pub, err := publisher.New(app.broker, ids, clock, logger.Named("publisher"))
	if err != nil {
		return nil, fmt.Errorf("publisher init failed: %w", err)
	}

	app.apiServer = api.NewServer(gate, app.ledger, pub, app.broker, api.Config{
		AdminSecret:    cfg.Auth.AdminSecret,
		TrustForwarded: cfg.Server.TrustForwarded,
		RequestTimeout: cfg.RequestTimeout(),
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	}, logger.Named("api"))

	notifier := webhook.New(webhook.Config{
		Timeout:   cfg.WebhookTimeout(),
		UserAgent: cfg.Webhook.UserAgent,
	}, nil, logger.Named("webhook"))

	app.worker, err = worker.New(app.broker, generator, notifier, archive, workerConfig(cfg), logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("worker init failed: %w", err)
	}
	return app, nil
}

func rulesFromConfig(cfg config.Config) ratelimit.Rules {
	window := cfg.RateWindow()
	return ratelimit.Rules{
		Article: ratelimit.Rule{Name: string(pipeline.KindArticle), Limit: cfg.RateLimit.ArticleLimit, Window: window},
		Novel:   ratelimit.Rule{Name: string(pipeline.KindNovel), Limit: cfg.RateLimit.NovelLimit, Window: window},
		Access:  ratelimit.Rule{Name: "access", Limit: cfg.RateLimit.AccessLimit, Window: window},
	}
}

func workerConfig(cfg config.Config) worker.Config {
	return worker.Config{
		MaxRetries:                   cfg.Worker.MaxRetries,
		RetryBaseDelay:               cfg.RetryBaseDelay(),
		ArticleTimeout:               cfg.ArticleTimeout(),
		NovelBaseTimeout:             cfg.NovelBaseTimeout(),
		NovelTimeoutPerThousandWords: cfg.NovelTimeoutPerThousandWords(),
		NovelMaxTimeout:              cfg.NovelMaxTimeout(),
		WebhookTimeout:               cfg.WebhookTimeout(),
		ReconnectInterval:            cfg.ReconnectInterval(),
		ArchivePrefix:                cfg.Worker.ArchivePrefix,
	}
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func setupLedger(ctx context.Context, app *App, clock pipeline.Clock, ids pipeline.IDGenerator) (access.Ledger, error) {
	switch app.cfg.Ledger.Backend {
	case "postgres":
		app.logger.Info("using postgres access ledger", zap.String("table", app.cfg.Database.Table))
		ledger, err := openPostgres(ctx, app.cfg, clock, ids)
		if err != nil {
			return nil, err
		}
		app.onClose("postgres ledger", func() error {
			ledger.Close()
			return nil
		})
		if app.cfg.Database.AutoMigrate {
			applied, err := ledger.Migrate(ctx)
			if err != nil {
				return nil, fmt.Errorf("ledger migration failed: %w", err)
			}
			app.logger.Info("ledger migrations applied", zap.Strings("versions", applied))
		}
		return ledger, nil
	case "sqlite":
		app.logger.Info("using sqlite access ledger", zap.String("path", app.cfg.SQLite.Path))
		ledger, err := sqlitestore.Open(ctx, app.cfg.SQLite.Path, clock, ids)
		if err != nil {
			return nil, fmt.Errorf("sqlite ledger init failed: %w", err)
		}
		app.onClose("sqlite ledger", ledger.Close)
		return ledger, nil
	default:
		app.logger.Info("using in-memory access ledger")
		return memorystorage.NewLedger(clock, ids), nil
	}
}

func openPostgres(ctx context.Context, cfg config.Config, clock pipeline.Clock, ids pipeline.IDGenerator) (*pgstore.Ledger, error) {
	ledger, err := pgstore.NewLedger(ctx, pgstore.LedgerConfig{
		DSN:             cfg.Database.DSN,
		Table:           cfg.Database.Table,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.DBMaxConnLifetime(),
	}, clock, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres ledger init failed: %w", err)
	}
	return ledger, nil
}

func setupLimiter(ctx context.Context, app *App) (ratelimit.Limiter, error) {
	if app.cfg.RateLimit.Backend != "redis" {
		app.logger.Info("using in-memory rate limiter")
		return ratelimit.NewMemory(time.Now), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     app.cfg.Redis.Addr,
		Password: app.cfg.Redis.Password,
		DB:       app.cfg.Redis.DB,
	})
	app.onClose("redis client", client.Close)
	// An unreachable Redis is not fatal: the gate fails open per request.
	if err := client.Ping(ctx).Err(); err != nil {
		app.logger.Warn("redis ping failed", zap.String("addr", app.cfg.Redis.Addr), zap.Error(err))
	}
	limiter, err := ratelimit.NewRedis(client, app.cfg.Redis.KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("redis limiter init failed: %w", err)
	}
	app.logger.Info("using redis rate limiter", zap.String("addr", app.cfg.Redis.Addr))
	return limiter, nil
}

func setupBroker(app *App) (queue.Broker, error) {
	cfg := app.cfg.Broker
	switch cfg.Backend {
	case "amqp":
		manager, err := amqpqueue.NewManager(amqpqueue.Config{
			URL:                cfg.AMQP.URL,
			Exchange:           cfg.AMQP.Exchange,
			Queue:              cfg.AMQP.Queue,
			RoutingKey:         cfg.AMQP.RoutingKey,
			DeadLetterExchange: cfg.AMQP.DeadLetterExchange,
			DeadLetterQueue:    cfg.AMQP.DeadLetterQueue,
			Prefetch:           cfg.AMQP.Prefetch,
			DialTimeout:        time.Duration(cfg.AMQP.DialTimeoutSeconds) * time.Second,
		}, app.logger.Named("amqp"))
		if err != nil {
			return nil, fmt.Errorf("amqp manager init failed: %w", err)
		}
		broker, err := amqpqueue.NewBroker(manager, app.logger.Named("broker"))
		if err != nil {
			return nil, fmt.Errorf("amqp broker init failed: %w", err)
		}
		app.logger.Info("using amqp broker", zap.String("queue", cfg.AMQP.Queue))
		return broker, nil
	case "pubsub":
		manager, err := pubsubqueue.NewManager(pubsubqueue.Config{
			ProjectID:       cfg.PubSub.ProjectID,
			Topic:           cfg.PubSub.Topic,
			Subscription:    cfg.PubSub.Subscription,
			DeadLetterTopic: cfg.PubSub.DeadLetterTopic,
			CreateIfMissing: cfg.PubSub.CreateIfMissing,
			AckDeadline:     time.Duration(cfg.PubSub.AckDeadlineSeconds) * time.Second,
			MaxExtension:    time.Duration(cfg.PubSub.MaxExtensionMinute) * time.Minute,
		}, app.logger.Named("pubsub"))
		if err != nil {
			return nil, fmt.Errorf("pubsub manager init failed: %w", err)
		}
		broker, err := pubsubqueue.NewBroker(manager, app.logger.Named("broker"))
		if err != nil {
			return nil, fmt.Errorf("pubsub broker init failed: %w", err)
		}
		app.logger.Info("using pubsub broker",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("subscription", cfg.PubSub.Subscription),
		)
		return broker, nil
	default:
		app.logger.Info("using in-memory broker")
		return memoryqueue.NewBroker(), nil
	}
}

// setupArchive returns nil when archiving is disabled.
func setupArchive(ctx context.Context, app *App) (pipeline.BlobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case "memory":
		app.logger.Info("using in-memory result archive")
		return memorystorage.NewBlobStore(), nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local result archive", zap.String("path", cfg.Local.BaseDir))
		return store, nil
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:       cfg.GCS.Bucket,
			Endpoint:     cfg.GCS.Endpoint,
			VerifyBucket: true,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.onClose("gcs client", store.Close)
		app.logger.Info("using gcs result archive", zap.String("bucket", cfg.GCS.Bucket))
		return store, nil
	case "s3":
		store, err := s3storage.Open(ctx, s3storage.Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		app.logger.Info("using s3 result archive", zap.String("bucket", cfg.S3.Bucket))
		return store, nil
	default:
		app.logger.Info("result archiving disabled")
		return nil, nil
	}
}

func setupGenerator(app *App) (pipeline.Generator, error) {
	if app.cfg.Generator.Driver != "headless" {
		app.logger.Warn("using noop generator; every job will fail and dead-letter")
		return headless.NewNoop(), nil
	}
	h := app.cfg.Generator.Headless
	gen, err := headless.NewChromedp(headless.Config{
		URL:              h.URL,
		ProfileRoot:      h.ProfileRoot,
		UserAgent:        h.UserAgent,
		Headless:         h.Headless,
		PromptSelector:   h.PromptSelector,
		SubmitSelector:   h.SubmitSelector,
		ResponseSelector: h.ResponseSelector,
		DoneSelector:     h.DoneSelector,
		SettleDelay:      time.Duration(h.SettleDelayMs) * time.Millisecond,
		NavigationWait:   time.Duration(h.NavigationTimeoutSeconds) * time.Second,
	}, app.logger.Named("generator"))
	if err != nil {
		return nil, fmt.Errorf("headless generator init failed: %w", err)
	}
	return gen, nil
}

// Handler exposes the HTTP router, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the selected components and blocks until ctx is canceled, a
// signal arrives or a component fails. Shutdown drains HTTP first, then the
// consumer, and only then closes the broker.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	if !opts.HTTP && !opts.Worker {
		return fmt.Errorf("nothing to run: enable the HTTP server, the worker or both")
	}
	a.logger.Info("application started", zap.Bool("http", opts.HTTP), zap.Bool("worker", opts.Worker))
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)

	var srv *http.Server
	if opts.HTTP {
		a.connectBroker(ctx)
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				errCh <- fmt.Errorf("http server: %w", err)
				stop()
			}
		}()
	}

	// The consumer outlives ctx so HTTP can drain before it stops.
	workerCtx, cancelWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorker()
	workerDone := make(chan struct{})
	if opts.Worker {
		go func() {
			defer close(workerDone)
			a.logger.Info("worker started")
			if err := a.worker.Run(workerCtx); err != nil {
				a.logger.Error("worker stopped", zap.Error(err))
				errCh <- fmt.Errorf("worker: %w", err)
				stop()
			}
		}()
	} else {
		close(workerDone)
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}

	cancelWorker()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("worker did not stop before the shutdown deadline")
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-errCh:
		return err
	default:
		return closeErr
	}
}

// connectBroker dials the broker before the API accepts traffic. Failure is
// logged and tolerated; Publish reconnects on demand.
func (a *App) connectBroker(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, brokerConnectTimeout)
	defer cancel()
	if err := a.broker.EnsureReady(ctx); err != nil {
		a.logger.Warn("broker not reachable at startup, publishing will retry the connection",
			zap.String("backend", a.cfg.Broker.Backend), zap.Error(err))
		return
	}
	a.logger.Info("broker connected", zap.String("backend", a.cfg.Broker.Backend))
}

// Close releases the broker, then storage clients, then tracing and the logger.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.broker != nil {
		if cerr := a.broker.Close(); cerr != nil {
			a.logger.Warn("broker close failed", zap.Error(cerr))
			err = fmt.Errorf("close broker: %w", cerr)
		}
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	// Sync on stderr-backed loggers reports EINVAL on some platforms.
	_ = a.logger.Sync()
}

// Migrate applies ledger schema migrations without building the rest of the
// pipeline. Only the postgres ledger has migrations; sqlite creates its schema
// on open and memory needs none.
func Migrate(ctx context.Context, cfg config.Config, logger *zap.Logger) ([]string, error) {
	if cfg.Ledger.Backend != "postgres" {
		logger.Info("ledger backend has no migrations", zap.String("backend", cfg.Ledger.Backend))
		return nil, nil
	}
	ledger, err := openPostgres(ctx, cfg, system.New(), uuid.New())
	if err != nil {
		return nil, err
	}
	defer ledger.Close()

	applied, err := ledger.Migrate(ctx)
	if err != nil {
		return applied, fmt.Errorf("ledger migration failed: %w", err)
	}
	logger.Info("ledger migrations applied", zap.Strings("versions", applied))
	return applied, nil
}
