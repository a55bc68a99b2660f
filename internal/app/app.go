// Package app assembles the scheduling engine from configuration for both the HTTP API and
// the fleetctl command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/internal/dto"
	"github.com/noah-isme/fleet-scheduler-api/internal/models"
	"github.com/noah-isme/fleet-scheduler-api/internal/repository"
	"github.com/noah-isme/fleet-scheduler-api/internal/service"
	"github.com/noah-isme/fleet-scheduler-api/pkg/cache"
	"github.com/noah-isme/fleet-scheduler-api/pkg/config"
	"github.com/noah-isme/fleet-scheduler-api/pkg/database"
	"github.com/noah-isme/fleet-scheduler-api/pkg/export"
	"github.com/noah-isme/fleet-scheduler-api/pkg/jobs"
	"github.com/noah-isme/fleet-scheduler-api/pkg/storage"
)

// Options select how runs are dispatched.
type Options struct {
	// Inline keeps queued runs in memory until RunInline executes them on the caller's goroutine.
	Inline bool
}

// App holds the wired scheduling components.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	DB         *sqlx.DB
	Redis      *redis.Client
	Metrics    *service.MetricsService
	Tokens     *service.TokenService
	Scheduling *service.SchedulingService
	Worker     *service.SchedulingWorker
	Exports    *service.ExportService
	Continuous *service.ContinuousScheduler
	Queue      *jobs.Queue

	inventory *repository.InventoryRepository
	notifier  *service.AMQPNotifier
	inline    *inlineDispatcher
}

// New connects to the stores and wires every service.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings, err := service.SettingsFromConfig(cfg.Scheduler)
	if err != nil {
		return nil, err
	}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := repository.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	a := &App{
		Config:    cfg,
		Logger:    logger,
		DB:        db,
		Redis:     redisClient,
		Metrics:   service.NewMetricsService(),
		Tokens:    service.NewTokenService(cfg.JWT.Secret),
		inventory: repository.NewInventoryRepository(db),
	}
	if err := a.wire(settings, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(settings service.SchedulingSettings, opts Options) error {
	cfg := a.Config
	runs := repository.NewRunRepository(a.DB)
	trips := repository.NewTripRepository(a.DB)
	locks := repository.NewDepotLockRepository(a.Redis, cfg.Scheduler.LockTTL, a.Logger)

	var events service.EventBroker = service.NewMemoryBroker()
	if a.Redis != nil {
		events = service.NewRedisBroker(a.Redis, a.Logger)
	}
	tracker := service.NewRunTracker(events)
	engine := service.NewRunEngine(a.inventory, settings)
	writer := service.NewScheduleWriter(trips, a.inventory, cfg.Scheduler.CommitBatchSize, a.Logger)

	var notifier service.RunNotifier = service.NoopNotifier{}
	if cfg.Messaging.Enabled {
		amqpNotifier, err := service.NewAMQPNotifier(cfg.Messaging.AMQPURL, cfg.Messaging.Queue, cfg.Messaging.PublishTimeout, a.Logger)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		a.notifier = amqpNotifier
		notifier = amqpNotifier
	}

	a.Worker = service.NewSchedulingWorker(runs, engine, writer, tracker, locks, notifier, a.Metrics, a.Logger, service.SchedulingWorkerConfig{
		WatchdogInterval: cfg.Scheduler.WatchdogInterval,
	})

	var dispatcher interface{ Enqueue(jobs.Job) error }
	if opts.Inline {
		a.inline = &inlineDispatcher{}
		dispatcher = a.inline
	} else {
		a.Queue = jobs.NewQueue("scheduling-runs", a.Worker.Handle, jobs.QueueConfig{
			Workers:    cfg.Scheduler.WorkerConcurrency,
			MaxRetries: -1,
			Logger:     a.Logger,
		})
		a.Metrics.RegisterQueueDepth(a.Queue.Depth)
		dispatcher = a.Queue
	}

	a.Scheduling = service.NewSchedulingService(runs, a.inventory, locks, dispatcher, engine, tracker, writer, events, a.Metrics, validator.New(), a.Logger, service.SchedulingServiceConfig{
		WatchdogInterval: cfg.Scheduler.WatchdogInterval,
		WatchdogTick:     cfg.Scheduler.WatchdogTick,
	})

	if a.Redis != nil && cfg.Scheduler.StatsCacheTTL > 0 {
		statsCache := service.NewCacheService(repository.NewCacheRepository(a.Redis), a.Metrics, cfg.Scheduler.StatsCacheTTL, a.Logger)
		a.Scheduling.UseCache(statsCache)
		a.Worker.UseCache(statsCache)
	}

	if cfg.Scheduler.Continuous.Enabled {
		a.Continuous = service.NewContinuousScheduler(a.Scheduling, a.inventory, service.ContinuousConfig{
			Interval:    cfg.Scheduler.Continuous.Interval,
			HorizonDays: cfg.Scheduler.Continuous.HorizonDays,
			Depots:      cfg.Scheduler.Continuous.Depots,
			Location:    settings.Location,
		}, a.Logger)
	}

	fileStore, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
	if err != nil {
		return fmt.Errorf("init export storage: %w", err)
	}
	a.Exports = service.NewExportService(
		a.Scheduling,
		fileStore,
		storage.NewSignedURLSigner(cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL),
		service.ExportConfig{APIPrefix: cfg.APIPrefix, ResultTTL: cfg.Reports.SignedURLTTL, CleanupInterval: cfg.Reports.CleanupInterval},
		a.Logger,
		export.NewCSVExporter(),
		export.NewPDFExporter(),
	)
	return nil
}

// Start launches the run queue workers. They stop with ctx or Close.
func (a *App) Start(ctx context.Context) {
	if a.Queue != nil {
		a.Queue.Start(ctx)
	}
}

// StartMaintenance recovers runs left by a previous process and launches the watchdog,
// export cleanup and continuous scheduling loops. Only one instance should run them.
func (a *App) StartMaintenance(ctx context.Context) {
	a.Scheduling.RecoverPendingRuns(ctx)
	a.Scheduling.StartWatchdog(ctx)
	a.Exports.StartCleanup(ctx)
	if a.Continuous != nil {
		a.Continuous.Start(ctx)
	}
}

// RunInline starts a run and executes it before returning its final status.
func (a *App) RunInline(ctx context.Context, req dto.StartRunRequest, actorID string) (*dto.RunStatusResponse, error) {
	if a.inline == nil {
		return nil, errors.New("app was not built for inline runs")
	}
	accepted, err := a.Scheduling.Start(ctx, req, actorID)
	if err != nil {
		return nil, err
	}
	job, ok := a.inline.take(accepted.RunID)
	if !ok {
		return nil, fmt.Errorf("run %s was not queued", accepted.RunID)
	}

	// Cancelling ctx requests a cooperative stop; the run still finishes its bookkeeping.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if _, err := a.Scheduling.Stop(context.WithoutCancel(ctx), accepted.RunID); err != nil {
				a.Logger.Sugar().Warnw("failed to stop inline run", "run_id", accepted.RunID, "error", err)
			}
		case <-done:
		}
	}()

	bg := context.WithoutCancel(ctx)
	if err := a.Worker.Handle(bg, job); err != nil {
		return nil, err
	}
	return a.Scheduling.Status(bg, accepted.RunID)
}

// ReadinessChecks pings the database and, when enabled, Redis.
func (a *App) ReadinessChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{"postgres": a.DB.PingContext}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Depots lists every depot known to the inventory.
func (a *App) Depots(ctx context.Context) ([]models.Depot, error) {
	return a.inventory.ListDepots(ctx, nil)
}

// Close stops the queue and releases connections.
func (a *App) Close() error {
	if a.Queue != nil {
		a.Queue.Stop()
	}
	var errs []error
	if a.notifier != nil {
		errs = append(errs, a.notifier.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// inlineDispatcher parks jobs for RunInline.
type inlineDispatcher struct {
	mu     sync.Mutex
	parked map[string]jobs.Job
}

func (d *inlineDispatcher) Enqueue(job jobs.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.parked == nil {
		d.parked = make(map[string]jobs.Job)
	}
	d.parked[job.ID] = job
	return nil
}

func (d *inlineDispatcher) take(id string) (jobs.Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.parked[id]
	delete(d.parked, id)
	return job, ok
}
