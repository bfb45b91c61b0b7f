package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/common"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/jobs"
	"github.com/ternarybob/relay/internal/models"
	"github.com/ternarybob/relay/internal/orchestrator"
	"github.com/ternarybob/relay/internal/providers"
	"github.com/ternarybob/relay/internal/queue"
	"github.com/ternarybob/relay/internal/resilience"
	"github.com/ternarybob/relay/internal/services/events"
	storage "github.com/ternarybob/relay/internal/storage/badger"
	"github.com/ternarybob/relay/internal/workers"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage layer
	DB         *storage.BadgerDB
	Queue      interfaces.MessageQueue
	DeadLetter *storage.DeadLetterStorage

	// Event-driven services
	EventService interfaces.EventService

	// AI backends
	Registry *providers.Registry

	// Resilience layer
	Breaker  *resilience.CircuitBreaker
	Monitor  *resilience.HealthMonitor
	Fallback *resilience.FallbackManager

	// Job execution
	Handler      *jobs.InferenceHandler
	Adapter      *jobs.QueueAdapter
	Orchestrator *orchestrator.Orchestrator

	ctx       context.Context
	cancelCtx context.CancelFunc
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}
	app.ctx, app.cancelCtx = context.WithCancel(context.Background())

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	app.EventService = events.NewService(app.Logger)

	if err := app.initProviders(); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	app.initResilience()

	if err := app.initJobs(); err != nil {
		return nil, fmt.Errorf("failed to initialize job pipeline: %w", err)
	}

	logger.Info().
		Int("providers", len(app.Registry.Providers())).
		Str("badger_path", cfg.Storage.Badger.Path).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage opens the Badger connection and builds the message queue
// and dead-letter archive on top of it.
func (a *App) initStorage() error {
	db, err := storage.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to open badger: %w", err)
	}
	a.DB = db

	visibility := common.ParseDurationOr(a.Config.Queue.VisibilityTimeout, 5*time.Minute)
	q, err := queue.NewBadgerQueue(db.DB(), visibility, a.Logger)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create message queue: %w", err)
	}
	a.Queue = q

	a.DeadLetter = storage.NewDeadLetterStorage(db, a.Logger)

	a.Logger.Debug().
		Str("path", a.Config.Storage.Badger.Path).
		Str("visibility_timeout", visibility.String()).
		Msg("Storage layer initialized")

	return nil
}

// initProviders registers every backend that has an API key configured.
func (a *App) initProviders() error {
	a.Registry = providers.NewRegistry(a.Logger)

	if a.Config.Claude.APIKey != "" {
		backend, err := providers.NewClaudeBackend(&a.Config.Claude, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to create claude backend: %w", err)
		}
		a.Registry.Register(backend, a.Config.Claude.RateLimit)
	}

	if a.Config.Gemini.APIKey != "" {
		backend, err := providers.NewGeminiBackend(&a.Config.Gemini, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to create gemini backend: %w", err)
		}
		a.Registry.Register(backend, a.Config.Gemini.RateLimit)
	}

	if len(a.Registry.Providers()) == 0 {
		return fmt.Errorf("no providers configured: set ANTHROPIC_API_KEY or GEMINI_API_KEY")
	}

	return nil
}

// initResilience wires the circuit breaker, health monitor, and
// fallback chains around the registered backends.
func (a *App) initResilience() {
	rc := a.Config.Resilience

	a.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: rc.FailureThreshold,
		SuccessThreshold: rc.SuccessThreshold,
		CooldownPeriod:   common.ParseDurationOr(rc.CooldownPeriod, 30*time.Second),
	}, a.EventService, a.Logger)

	a.Monitor = resilience.NewHealthMonitor(resilience.HealthMonitorConfig{
		WindowSize:         rc.HealthWindowSize,
		UnhealthyThreshold: rc.UnhealthyThreshold,
		RecoveryThreshold:  rc.RecoveryThreshold,
		MinSamples:         rc.HealthMinSamples,
		CheckInterval:      common.ParseDurationOr(rc.CheckInterval, 30*time.Second),
	}, a.EventService, a.Logger)

	for _, provider := range a.Registry.Providers() {
		p := provider
		a.Monitor.RegisterProbe(p, func(ctx context.Context) error {
			return a.Registry.HealthCheck(ctx, p)
		})
	}

	a.Fallback = resilience.NewFallbackManager(a.Breaker, a.Monitor, a.EventService, a.Logger)

	// Default chain covers every registered backend in registration
	// order; configured chains override per use case.
	a.Fallback.RegisterChain(models.ProviderChain{
		Name:      models.DefaultChainName,
		Providers: a.Registry.Providers(),
		Retry:     models.DefaultRetryPolicy(),
	})

	for _, cc := range a.Config.Chains {
		chain := models.ProviderChain{
			Name:                   cc.Name,
			Providers:              make([]models.ProviderType, 0, len(cc.Providers)),
			FailoverOnNonRetryable: cc.FailoverOnNonRetryable,
			Retry:                  models.DefaultRetryPolicy(),
		}
		for _, name := range cc.Providers {
			chain.Providers = append(chain.Providers, models.ProviderType(name))
		}
		if cc.MaxRetries > 0 {
			chain.Retry.MaxRetries = cc.MaxRetries
		}
		chain.Retry.InitialBackoff = common.ParseDurationOr(cc.InitialBackoff, chain.Retry.InitialBackoff)
		chain.Retry.MaxBackoff = common.ParseDurationOr(cc.MaxBackoff, chain.Retry.MaxBackoff)
		a.Fallback.RegisterChain(chain)
	}
}

// initJobs builds the inference handler, queue adapter, and orchestrator.
func (a *App) initJobs() error {
	a.Handler = jobs.NewInferenceHandler(a.Registry, a.Fallback, a.Logger)

	wc := a.Config.Workers
	poolConfig := workers.DefaultPoolConfig()
	if wc.MinWorkers > 0 {
		poolConfig.MinWorkers = wc.MinWorkers
	}
	if wc.MaxWorkers > 0 {
		poolConfig.MaxWorkers = wc.MaxWorkers
	}
	if wc.DefaultWorkers > 0 {
		poolConfig.DefaultWorkers = wc.DefaultWorkers
	}
	poolConfig.AutoScale = wc.AutoScale
	if wc.ScaleUpThreshold > 0 {
		poolConfig.ScaleUpThreshold = wc.ScaleUpThreshold
	}
	if wc.ScaleDownThreshold > 0 {
		poolConfig.ScaleDownThreshold = wc.ScaleDownThreshold
	}
	if wc.ScaleStep > 0 {
		poolConfig.ScaleUpStep = wc.ScaleStep
		poolConfig.ScaleDownStep = wc.ScaleStep
	}
	poolConfig.HealthSweepInterval = common.ParseDurationOr(wc.SweepInterval, poolConfig.HealthSweepInterval)
	poolConfig.Worker.Timeout = common.ParseDurationOr(wc.JobTimeout, poolConfig.Worker.Timeout)
	poolConfig.Worker.HeartbeatInterval = common.ParseDurationOr(wc.HeartbeatInterval, poolConfig.Worker.HeartbeatInterval)
	if wc.MemoryLimitMB > 0 {
		poolConfig.Worker.MemoryLimitMB = uint64(wc.MemoryLimitMB)
	}

	adapter, err := jobs.NewQueueAdapter(
		jobs.AdapterConfigFromCommon(a.Config.Queue),
		poolConfig,
		a.Queue,
		a.Handler.Handle,
		a.Fallback,
		a.DeadLetter,
		a.EventService,
		a.Logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create queue adapter: %w", err)
	}
	a.Adapter = adapter

	a.Orchestrator = orchestrator.New(orchestrator.DefaultConfig(), a.Adapter, a.EventService, a.Logger)

	return nil
}

// Start brings up the background components: health probing, queue
// polling with the worker pool, and the cron scheduler.
func (a *App) Start() error {
	a.Monitor.Start()

	if err := a.Adapter.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start queue adapter: %w", err)
	}

	a.Orchestrator.Start()

	a.Logger.Info().
		Int("workers", a.Adapter.Pool().Size()).
		Msg("Application started")

	return nil
}

// Close shuts components down in reverse dependency order.
func (a *App) Close() {
	a.Logger.Info().Msg("Shutting down application")

	if a.Orchestrator != nil {
		a.Orchestrator.Stop()
	}
	if a.Adapter != nil {
		a.Adapter.Stop()
	}
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Event service close failed")
		}
	}
	if a.Registry != nil {
		if err := a.Registry.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Registry close failed")
		}
	}
	a.cancelCtx()
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Badger close failed")
		}
	}

	a.Logger.Info().Msg("Application stopped")
}
