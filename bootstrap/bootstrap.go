// Package bootstrap wires all dependencies and starts the application.
// Configuration comes from config.Config; the log level and job retry
// policy can be changed at runtime through ApplyConfig.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/artpar/apimeter/adapters/clock"
	"github.com/artpar/apimeter/adapters/gateway"
	"github.com/artpar/apimeter/adapters/hasher"
	apihttp "github.com/artpar/apimeter/adapters/http"
	"github.com/artpar/apimeter/adapters/idgen"
	"github.com/artpar/apimeter/adapters/memory"
	"github.com/artpar/apimeter/adapters/metrics"
	"github.com/artpar/apimeter/adapters/payment"
	"github.com/artpar/apimeter/adapters/redis"
	"github.com/artpar/apimeter/adapters/s3"
	"github.com/artpar/apimeter/adapters/sqlite"
	"github.com/artpar/apimeter/app"
	"github.com/artpar/apimeter/config"
	"github.com/artpar/apimeter/ports"
)

const shutdownTimeout = 30 * time.Second

// App represents the running application.
type App struct {
	Config     *config.Config
	Logger     zerolog.Logger
	DB         *sqlite.DB
	Queue      ports.JobQueue
	Metrics    *metrics.Collector
	HTTPServer *http.Server

	Scheduler *app.Scheduler
	Runner    *app.JobRunner
	Plans     *app.PlanService
	Invoices  *app.InvoiceService

	closeOnce sync.Once
	closeErr  error
}

// Options overrides process-wide defaults, mostly for tests.
type Options struct {
	// Registry receives the metrics when metrics are enabled. Defaults to
	// the global Prometheus registry.
	Registry prometheus.Registerer

	// Clock defaults to the wall clock.
	Clock ports.Clock

	// LogOutput defaults to stdout.
	LogOutput io.Writer
}

// New creates and initializes the application.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

// NewWithOptions creates and initializes the application with overrides.
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stdout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	logger := SetupLogger(cfg.Logging, opts.LogOutput)
	logger.Info().Str("version", apihttp.BuildVersion).Msg("initializing apimeter")

	a := &App{Config: cfg, Logger: logger}

	if cfg.Metrics.Enabled {
		if opts.Registry != nil {
			a.Metrics = metrics.NewWithRegistry(opts.Registry)
		} else {
			a.Metrics = metrics.New()
		}
		logger.Info().Msg("prometheus metrics enabled")
	}

	if err := a.initDatabase(); err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := a.initQueue(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("init queue: %w", err)
	}
	if err := a.initServices(ctx, opts.Clock); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *App) initDatabase() error {
	db, err := sqlite.Open(a.Config.Database.DSN)
	if err != nil {
		return err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	a.DB = db
	a.Logger.Info().Str("dsn", a.Config.Database.DSN).Msg("database ready")
	return nil
}

func (a *App) initQueue(ctx context.Context) error {
	rc := a.Config.Redis
	if !rc.Enabled {
		a.Queue = memory.NewQueue()
		a.Logger.Warn().Msg("using in-memory job queue; pending jobs are lost on restart")
		return nil
	}

	q, err := redis.Dial(ctx, rc.Addr, rc.Password, rc.DB, redis.Options{Prefix: rc.Prefix, Poll: rc.Poll})
	if err != nil {
		return err
	}
	recovered, err := q.Recover(ctx)
	if err != nil {
		q.Close()
		return err
	}
	a.Queue = q
	a.Logger.Info().Str("addr", rc.Addr).Int("recovered", recovered).Msg("redis job queue ready")
	return nil
}

func (a *App) initServices(ctx context.Context, clk ports.Clock) error {
	cfg := a.Config
	logger := a.Logger
	ids := idgen.UUID{}

	provider, err := payment.NewProvider(payment.Config{
		Provider:      cfg.Payment.Provider,
		ClientID:      cfg.Payment.ClientID,
		ClientSecret:  cfg.Payment.ClientSecret,
		WebhookSecret: cfg.Payment.WebhookSecret,
		Sandbox:       cfg.Payment.Sandbox,
		BaseURL:       cfg.Payment.BaseURL,
		ReturnURL:     cfg.Payment.ReturnURL,
		CancelURL:     cfg.Payment.CancelURL,
		PublicURL:     cfg.Server.PublicURL,
		Timeout:       cfg.Payment.Timeout,
	})
	if err != nil {
		return fmt.Errorf("init payment provider: %w", err)
	}
	logger.Info().Str("provider", provider.Name()).Bool("sandbox", cfg.Payment.Sandbox).Msg("payment provider ready")

	var gw ports.GatewayConfigurator = gateway.Noop{}
	if cfg.Gateway.AdminURL != "" {
		gw = gateway.New(gateway.Config{
			BaseURL: cfg.Gateway.AdminURL,
			APIKey:  cfg.Gateway.AdminKey,
			Timeout: cfg.Gateway.Timeout,
			Headers: cfg.Gateway.Headers,
		})
		logger.Info().Str("admin_url", cfg.Gateway.AdminURL).Msg("gateway sync enabled")
	} else {
		logger.Warn().Msg("gateway.admin_url not set; consumer policies are not pushed")
	}

	var archive ports.ObjectStore
	if s3c := cfg.Export.S3; s3c.Bucket != "" {
		store, err := s3.New(ctx, s3.Config{
			Bucket:       s3c.Bucket,
			Region:       s3c.Region,
			Endpoint:     s3c.Endpoint,
			AccessKey:    s3c.AccessKey,
			SecretKey:    s3c.SecretKey,
			UsePathStyle: s3c.UsePathStyle,
			Prefix:       s3c.Prefix,
		})
		if err != nil {
			return fmt.Errorf("init invoice archive: %w", err)
		}
		archive = store
		logger.Info().Str("bucket", s3c.Bucket).Msg("invoice archive enabled")
	}

	subs := sqlite.NewSubscriptionStore(a.DB)
	plans := sqlite.NewPlanStore(a.DB)
	apis := sqlite.NewAPIStore(a.DB)
	usageStore := sqlite.NewUsageStore(a.DB)
	invoices := sqlite.NewInvoiceStore(a.DB)
	jobs := sqlite.NewJobStore(a.DB)
	events := sqlite.NewWebhookEventStore(a.DB)

	lifecycle := app.NewLifecycleManager(app.LifecycleDeps{
		Subscriptions: subs,
		Plans:         plans,
		StatusWriter:  subs,
		Metrics:       a.Metrics,
		Logger:        logger,
	}, cfg.Billing.MaxFailedPayments)

	settlement := app.NewSettlement(app.SettlementDeps{
		Subscriptions: subs,
		Plans:         plans,
		Invoices:      invoices,
		Lifecycle:     lifecycle,
		IDGen:         ids,
		Metrics:       a.Metrics,
		Logger:        logger,
	})

	a.Scheduler = app.NewScheduler(app.SchedulerDeps{
		Subscriptions: subs,
		Jobs:          jobs,
		Queue:         a.Queue,
		Clock:         clk,
		Metrics:       a.Metrics,
		Logger:        logger,
	}, app.SchedulerConfig{
		Enabled:         cfg.Scheduler.Enabled,
		AggregationSpec: cfg.Scheduler.AggregationSpec,
		BillingSpec:     cfg.Scheduler.BillingSpec,
	})

	billingSvc := app.NewBillingService(app.BillingDeps{
		Subscriptions: subs,
		Plans:         plans,
		APIs:          apis,
		Usage:         usageStore,
		Invoices:      invoices,
		Tx:            a.DB,
		Payments:      provider,
		Gateway:       gw,
		Settlement:    settlement,
		IDGen:         ids,
		Clock:         clk,
		Metrics:       a.Metrics,
		Logger:        logger,
	}, cfg.Payment.Timeout)

	a.Runner = app.NewJobRunner(app.RunnerDeps{
		Queue:   a.Queue,
		Jobs:    jobs,
		Handler: billingSvc,
		Clock:   clk,
		Metrics: a.Metrics,
		Logger:  logger,
	}, app.RunnerConfig{
		Workers:    cfg.Jobs.Workers,
		JobTimeout: cfg.Jobs.Timeout,
		Retry:      cfg.Jobs.RetryPolicy(),
	})

	a.Plans = app.NewPlanService(app.PlanDeps{
		Plans:    plans,
		APIs:     apis,
		Payments: provider,
		IDGen:    ids,
		Clock:    clk,
		Metrics:  a.Metrics,
		Logger:   logger,
	})

	a.Invoices = app.NewInvoiceService(app.InvoiceDeps{
		Invoices: invoices,
		Archive:  archive,
		Clock:    clk,
		Metrics:  a.Metrics,
		Logger:   logger,
	})

	usageSvc := app.NewUsageService(app.UsageDeps{
		Usage:         usageStore,
		APIs:          apis,
		Subscriptions: subs,
		Events:        events,
		Tx:            a.DB,
		Clock:         clk,
		Fingerprint:   hasher.Fingerprint,
		Metrics:       a.Metrics,
		Logger:        logger,
	}, app.UsageConfig{
		Concurrency: cfg.Gateway.Concurrency,
		CacheSize:   cfg.Gateway.CacheSize,
		CacheTTL:    cfg.Gateway.CacheTTL,
	})

	reconciler := app.NewReconciler(app.ReconcilerDeps{
		Subscriptions: subs,
		Events:        events,
		Tx:            a.DB,
		Payments:      provider,
		Lifecycle:     lifecycle,
		Settlement:    settlement,
		Enqueuer:      a.Scheduler,
		IDGen:         ids,
		Clock:         clk,
		Metrics:       a.Metrics,
		Logger:        logger,
	}, cfg.Webhooks.Secret)

	checkout := app.NewCheckoutService(app.CheckoutDeps{
		Subscriptions: subs,
		Plans:         plans,
		APIs:          apis,
		Payments:      provider,
		Lifecycle:     lifecycle,
		Enqueuer:      a.Scheduler,
		Keys:          idgen.Keys{},
		Fingerprint:   hasher.Fingerprint,
		IDGen:         ids,
		Clock:         clk,
		Metrics:       a.Metrics,
		Logger:        logger,
	}, app.CheckoutConfig{
		ReturnURL: cfg.Payment.ReturnURL,
		CancelURL: cfg.Payment.CancelURL,
	})

	bc := hasher.NewBcrypt(bcrypt.DefaultCost)
	operatorHash, err := bc.Hash(cfg.Scheduler.TriggerSecret)
	if err != nil {
		return fmt.Errorf("hash trigger secret: %w", err)
	}

	handler := apihttp.NewHandler(apihttp.HandlerDeps{
		Usage:      usageSvc,
		Overage:    app.NewOverageService(subs, plans, usageStore, clk),
		Scheduler:  a.Scheduler,
		Reconciler: reconciler,
		Checkout:   checkout,
		Plans:      a.Plans,
		Invoices:   a.Invoices,
		Jobs:       jobs,
		Hasher:     bc,
		Clock:      clk,
		Logger:     logger,
	}, apihttp.HandlerConfig{
		OperatorSecretHash: operatorHash,
		IngestToken:        cfg.Gateway.LogToken,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
	})
	if cfg.Gateway.LogToken == "" {
		logger.Warn().Msg("gateway.log_token not set; /gateway/logs must only be reachable from the gateway network")
	}

	checks := map[string]apihttp.HealthChecker{"database": a.DB}
	if hc, ok := a.Queue.(apihttp.HealthChecker); ok {
		checks["queue"] = hc
	}

	router := apihttp.NewRouter(handler, apihttp.NewHealthHandler(checks), logger, apihttp.RouterConfig{
		Metrics:        a.Metrics,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	a.HTTPServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	return nil
}

// WatchConfig applies reloadable settings whenever holder reloads.
func (a *App) WatchConfig(holder *config.Holder) {
	if a.Metrics != nil {
		holder.SetMetrics(a.Metrics)
	}
	holder.OnChange(a.ApplyConfig)
}

// ApplyConfig applies the reloadable subset of cfg to the running app.
func (a *App) ApplyConfig(cfg *config.Config) {
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	a.Runner.SetRetryPolicy(cfg.Jobs.RetryPolicy())
}

// Run starts the scheduler, the job workers and the HTTP server, and blocks
// until ctx is cancelled, SIGINT or SIGTERM arrives, or a component fails.
// Resources are released before Run returns.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Scheduler.Start(ctx); err != nil {
		a.Close()
		return fmt.Errorf("start scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Runner.Run(gctx)
	})

	g.Go(func() error {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		a.Scheduler.Stop(shutdownCtx)
		if err := a.HTTPServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	return errors.Join(err, a.Close())
}

// Close releases the queue and the database. It is safe to call more than
// once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.Queue != nil {
			if err := a.Queue.Close(); err != nil {
				a.Logger.Error().Err(err).Msg("queue close error")
				errs = append(errs, err)
			}
		}
		if a.DB != nil {
			if err := a.DB.Close(); err != nil {
				a.Logger.Error().Err(err).Msg("database close error")
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
		a.Logger.Info().Msg("shutdown complete")
	})
	return a.closeErr
}

// SetupLogger builds the process logger and sets the global level.
func SetupLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}
