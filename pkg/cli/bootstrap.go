package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerpulse/ledgerpulse/pkg/admin"
	"github.com/ledgerpulse/ledgerpulse/pkg/auth"
	"github.com/ledgerpulse/ledgerpulse/pkg/config"
	"github.com/ledgerpulse/ledgerpulse/pkg/errorreport"
	"github.com/ledgerpulse/ledgerpulse/pkg/failures"
	"github.com/ledgerpulse/ledgerpulse/pkg/failures/bunstore"
	failurespostgres "github.com/ledgerpulse/ledgerpulse/pkg/failures/postgres"
	"github.com/ledgerpulse/ledgerpulse/pkg/health"
	"github.com/ledgerpulse/ledgerpulse/pkg/idempotency"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs/builtin"
	jobsfactory "github.com/ledgerpulse/ledgerpulse/pkg/jobs/factory"
	"github.com/ledgerpulse/ledgerpulse/pkg/monitor"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/tracing"
	"github.com/ledgerpulse/ledgerpulse/pkg/scheduler"
	"github.com/ledgerpulse/ledgerpulse/pkg/server"
	"github.com/ledgerpulse/ledgerpulse/pkg/version"
)

const (
	healthCheckTimeout = 3 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// AppOptions customizes NewApp.
type AppOptions struct {
	RegisterJobs func(registry *jobs.Registry, cfg *config.Config, log logger.Logger) error
}

// App is the wired application graph shared by every command.
type App struct {
	Config     *config.Config
	Logger     logger.Logger
	Registry   *jobs.Registry
	Runtime    *jobs.Runtime
	Failures   *failures.Service
	Guard      *idempotency.Guard
	Reporter   errorreport.Reporter
	HTTP5xx    *monitor.Monitor
	Health     *health.Registry
	Aggregator *admin.Aggregator
	Actions    *admin.Actions

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func(ctx context.Context) error
}

// NewApp wires every component from cfg. On error the parts already built
// are released.
func NewApp(ctx context.Context, cfg *config.Config, log logger.Logger, opts AppOptions) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	app := &App{Config: cfg, Logger: log, Health: health.NewRegistry()}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	info := version.Current(cfg.Service.Name)
	provider, err := tracing.NewProvider(ctx, tracing.ProviderConfig{
		ServiceName:    firstNonEmpty(cfg.Tracing.ServiceName, cfg.Service.Name),
		ServiceVersion: info.Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("create tracing provider: %w", err)
	}
	app.addCloser("tracing", provider.Shutdown)

	app.Reporter, err = errorreport.New(errorreport.SentryConfig{
		DSN:         cfg.ErrorReporting.SentryDSN,
		Environment: firstNonEmpty(cfg.ErrorReporting.Environment, cfg.Service.Environment),
		Release:     info.Version,
	}, cfg.ErrorReporting.RatePerMinute, log)
	if err != nil {
		return nil, fmt.Errorf("create error reporter: %w", err)
	}

	store, err := newFailureStore(ctx, cfg.DLQ, log)
	if err != nil {
		return nil, err
	}
	app.Failures, err = failures.NewService(store, log, failures.Config{
		RetentionDays:  cfg.DLQ.RetentionDays,
		SpikeThreshold: cfg.Monitoring.FailureSpikeThreshold,
		SpikeWindow:    cfg.Monitoring.FailureSpikeWindow,
		DisableAlerts:  !cfg.Monitoring.Enabled,
	}, failures.WithSpikeHandler(app.reportFailureSpike))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create failure service: %w", err)
	}
	app.addCloser("failures", func(context.Context) error { return app.Failures.Close() })
	app.Health.Register(health.NewOptionalChecker("failures-store", app.Failures, healthCheckTimeout))

	app.HTTP5xx, err = monitor.New(monitor.Config{
		Name:      monitor.HTTP5xxAlertName,
		Window:    cfg.Monitoring.HTTP5xxWindow,
		Threshold: cfg.Monitoring.HTTP5xxThreshold,
		Enabled:   cfg.Monitoring.Enabled,
	}, log, monitor.WithAlertFunc(app.reportAlert))
	if err != nil {
		return nil, fmt.Errorf("create http 5xx monitor: %w", err)
	}

	if err := app.buildGuard(cfg); err != nil {
		return nil, err
	}

	app.Registry = jobs.NewRegistry()
	if err := builtin.Register(app.Registry, builtin.Options{Failures: app.Failures, Guard: app.Guard}); err != nil {
		return nil, fmt.Errorf("register built-in jobs: %w", err)
	}
	if opts.RegisterJobs != nil {
		if err := opts.RegisterJobs(app.Registry, cfg, log); err != nil {
			return nil, fmt.Errorf("register jobs: %w", err)
		}
	}

	app.Runtime, err = jobsfactory.NewRuntime(ctx, cfg.Jobs, jobs.Dependencies{
		Registry: app.Registry,
		Failures: app.Failures,
		Reporter: app.Reporter,
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("create jobs runtime: %w", err)
	}
	app.addCloser("jobs runtime", func(context.Context) error { return app.Runtime.Close() })

	staleAfter := admin.StaleAfter(cfg.Jobs.PollInterval, cfg.Jobs.LeaseDuration)
	app.Health.Register(jobs.NewBrokerHealthChecker("", app.Runtime, healthCheckTimeout))
	app.Health.Register(jobs.NewWorkerHealthChecker("", app.Runtime, staleAfter))

	app.Aggregator, err = admin.NewAggregator(app.Runtime, app.Failures, log, admin.AggregatorConfig{
		StaleAfter:            staleAfter,
		FailureSpikeThreshold: cfg.Monitoring.FailureSpikeThreshold,
	}, admin.WithHealthRegistry(app.Health))
	if err != nil {
		return nil, fmt.Errorf("create admin aggregator: %w", err)
	}
	app.Actions, err = admin.NewActions(app.Runtime, app.Failures, log)
	if err != nil {
		return nil, fmt.Errorf("create admin actions: %w", err)
	}

	log.Info("application wired",
		"mode", app.Runtime.Mode(),
		"reason", app.Runtime.Decision().Reason,
		"jobs", app.Registry.Names(),
		"dlqDriver", cfg.DLQ.Driver,
	)
	return app, nil
}

func newFailureStore(ctx context.Context, cfg config.DLQConfig, log logger.Logger) (failures.Store, error) {
	switch cfg.Driver {
	case config.DLQDriverMemory, "":
		return failures.NewMemoryStore(), nil
	case config.DLQDriverPostgres:
		store, err := failurespostgres.New(failurespostgres.Config{URL: cfg.URL, Table: cfg.Table}, log)
		if err != nil {
			return nil, fmt.Errorf("open postgres failure store: %w", err)
		}
		return store, nil
	case config.DLQDriverBunPostgres, config.DLQDriverBunSQLite:
		store, err := bunstore.Open(ctx, cfg.URL, log)
		if err != nil {
			return nil, fmt.Errorf("open %s failure store: %w", cfg.Driver, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported dlq.driver %q", cfg.Driver)
	}
}

func (a *App) buildGuard(cfg *config.Config) error {
	var store idempotency.Store
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendRedis:
		redisStore, err := idempotency.NewRedisStore(idempotency.RedisConfig{URL: cfg.IdempotencyRedisURL()})
		if err != nil {
			return fmt.Errorf("create idempotency store: %w", err)
		}
		store = redisStore
	default:
		store = idempotency.NewMemoryStore(nil)
	}
	a.addCloser("idempotency", func(context.Context) error { return store.Close() })

	guard, err := idempotency.NewGuard(store, a.Logger, idempotency.Config{
		TTL:        cfg.Idempotency.TTL,
		PendingTTL: cfg.Idempotency.PendingTTL,
	})
	if err != nil {
		return fmt.Errorf("create idempotency guard: %w", err)
	}
	a.Guard = guard
	return nil
}

// NewScheduler builds the scheduler with the configured tasks and registers
// its lock checker. It returns nil when no task is configured.
func (a *App) NewScheduler() (*scheduler.Scheduler, error) {
	cfg := a.Config.Scheduler
	tasks, err := scheduler.BuildTasks(cfg, a.Registry)
	if err != nil {
		return nil, fmt.Errorf("build scheduler tasks: %w", err)
	}
	if len(tasks) == 0 {
		a.Logger.Info("scheduler has no tasks")
		return nil, nil
	}

	locks, err := scheduler.NewLockProvider(cfg, a.Config.SchedulerLockURL(), a.Logger)
	if err != nil {
		return nil, fmt.Errorf("create scheduler lock provider: %w", err)
	}
	a.addCloser("scheduler locks", func(context.Context) error { return locks.Close() })
	a.Health.Register(scheduler.NewLockHealthChecker("", locks, healthCheckTimeout))

	s, err := scheduler.New(a.Runtime, locks, a.Logger, scheduler.Config{
		DispatchTimeout: cfg.DispatchTimeout,
		DefaultLockTTL:  cfg.LockTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	for _, task := range tasks {
		if err := s.Register(task); err != nil {
			return nil, fmt.Errorf("register scheduler task %s: %w", task.Name, err)
		}
	}
	return s, nil
}

// NewAdminServer builds the admin HTTP server. A missing JWT secret leaves
// /admin unauthenticated.
func (a *App) NewAdminServer() (*server.Server, error) {
	cfg := a.Config.Admin
	var validator auth.JWTValidator
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		v, err := auth.NewHMACValidator(cfg.JWTSecret, a.Logger)
		if err != nil {
			return nil, err
		}
		validator = v
	}
	router, err := admin.NewRouter(admin.RouterOptions{
		Aggregator: a.Aggregator,
		Actions:    a.Actions,
		Health:     a.Health,
		Validator:  validator,
		HTTP5xx:    a.HTTP5xx,
		Logger:     a.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create admin router: %w", err)
	}
	return server.NewServer(server.Config{
		Address:         cfg.Address,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: shutdownTimeout,
	}, router, a.Logger), nil
}

// Close releases components in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.Logger.Error("failed to close component", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) addCloser(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

func (a *App) reportAlert(alert monitor.Alert) {
	if a.Reporter == nil {
		return
	}
	a.Reporter.Capture(context.Background(),
		fmt.Errorf("%s: %d events in %s (threshold %d)", alert.Name, alert.Count, alert.Window, alert.Threshold),
		map[string]string{"alert": alert.Name})
}

func (a *App) reportFailureSpike(alert failures.SpikeAlert) {
	if a.Reporter == nil {
		return
	}
	a.Reporter.Capture(context.Background(),
		fmt.Errorf("JOB_FAILURE_SPIKE: %d failures in %s (threshold %d)", alert.Count, alert.Window, alert.Threshold),
		map[string]string{"alert": "JOB_FAILURE_SPIKE", "queue": alert.Queue})
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
