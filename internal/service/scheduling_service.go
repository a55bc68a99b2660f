package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/internal/dto"
	"github.com/noah-isme/fleet-scheduler-api/internal/models"
	"github.com/noah-isme/fleet-scheduler-api/internal/repository"
	"github.com/noah-isme/fleet-scheduler-api/internal/scheduler"
	appErrors "github.com/noah-isme/fleet-scheduler-api/pkg/errors"
	"github.com/noah-isme/fleet-scheduler-api/pkg/jobs"
)

// JobTypeSchedulingRun is the queue job type of a scheduling run.
const JobTypeSchedulingRun = "scheduling_run"

type runStore interface {
	Create(ctx context.Context, run *models.SchedulingRun) error
	GetByID(ctx context.Context, id string) (*models.SchedulingRun, error)
	Update(ctx context.Context, id string, params repository.UpdateRunParams) error
	List(ctx context.Context, filter models.RunFilter) ([]models.SchedulingRun, int, error)
	ListByStatus(ctx context.Context, statuses []models.RunStatus, limit int) ([]models.SchedulingRun, error)
}

type depotLocker interface {
	Acquire(ctx context.Context, owner string, depotIDs []string) error
	Release(ctx context.Context, owner string, depotIDs []string)
	Refresh(ctx context.Context, owner string, depotIDs []string) error
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

// SchedulingServiceConfig governs the run lifecycle around the engine.
type SchedulingServiceConfig struct {
	WatchdogInterval time.Duration
	WatchdogTick     time.Duration
}

// SchedulingService is the run controller: it validates and starts runs, answers status
// and report queries, stops runs and clears scheduled trips.
type SchedulingService struct {
	runs      runStore
	inventory inventoryStore
	locks     depotLocker
	queue     jobDispatcher
	engine    *RunEngine
	tracker   *RunTracker
	writer    *ScheduleWriter
	events    EventBroker
	metrics   *MetricsService
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       SchedulingServiceConfig
	now       func() time.Time
}

// NewSchedulingService wires the run controller.
func NewSchedulingService(
	runs runStore,
	inventory inventoryStore,
	locks depotLocker,
	queue jobDispatcher,
	engine *RunEngine,
	tracker *RunTracker,
	writer *ScheduleWriter,
	events EventBroker,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg SchedulingServiceConfig,
) *SchedulingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 5 * time.Minute
	}
	if cfg.WatchdogTick <= 0 {
		cfg.WatchdogTick = 15 * time.Second
	}
	return &SchedulingService{
		runs:      runs,
		inventory: inventory,
		locks:     locks,
		queue:     queue,
		engine:    engine,
		tracker:   tracker,
		writer:    writer,
		events:    events,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// UseCache enables caching of fleet stats.
func (s *SchedulingService) UseCache(cache *CacheService) {
	s.cache = cache
}

// Preview estimates the workload of a range without planning it.
func (s *SchedulingService) Preview(ctx context.Context, req dto.DateRangeRequest) (*dto.PreviewResponse, error) {
	depots, err := s.validateRange(ctx, req)
	if err != nil {
		return nil, err
	}
	rc := s.normalize(dto.StartRunRequest{StartDate: req.StartDate, EndDate: req.EndDate, Depots: depots})
	cfg, err := s.engine.Config(rc)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid date range")
	}
	snap, err := s.engine.Snapshot(ctx, cfg, false)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSystem.Code, appErrors.ErrSystem.Status, "failed to load inventory")
	}
	planner := scheduler.NewPlanner(cfg, snap, scheduler.Hooks{})

	resp := &dto.PreviewResponse{
		Days:                   len(cfg.Dates()),
		EstimatedTripsPerDepot: make(map[string]int, len(depots)),
	}
	for _, id := range depots {
		inv, ok := snap.Depot(id)
		if !ok {
			continue
		}
		for _, b := range inv.Buses {
			if b.Schedulable() {
				resp.TotalBuses++
			}
		}
		for _, m := range inv.Crew {
			if m.Schedulable() {
				resp.TotalCrew++
			}
		}
		resp.TotalRoutes += len(inv.ActiveRoutes())
		n, err := planner.EstimateSlots(id)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrSystem.Code, appErrors.ErrSystem.Status, "failed to estimate slots")
		}
		resp.EstimatedTripsPerDepot[id] = n
		resp.EstimatedTrips += n
	}
	return resp, nil
}

// Start validates the config, locks the depots, persists an idle run and queues it.
func (s *SchedulingService) Start(ctx context.Context, req dto.StartRunRequest, actorID string) (*dto.StartRunResponse, error) {
	depots, err := s.validateStart(ctx, req)
	if err != nil {
		return nil, err
	}
	req.Depots = depots
	rc := s.normalize(req)

	runID := uuid.NewString()
	locked := rc.Mode != models.RunModeManual
	if locked {
		if err := s.acquire(ctx, runID, rc.Depots); err != nil {
			return nil, err
		}
	}

	run := &models.SchedulingRun{
		ID:          runID,
		Config:      rc,
		Status:      models.RunStatusIdle,
		ActivityLog: models.ActivityLog{{At: s.now(), Level: "info", Message: fmt.Sprintf("run queued for %d depot(s), %s to %s", len(rc.Depots), rc.StartDate, rc.EndDate)}},
		CreatedBy:   actorID,
		CreatedAt:   s.now(),
	}
	if err := s.runs.Create(ctx, run); err != nil {
		if locked {
			s.locks.Release(ctx, runID, rc.Depots)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrSystem.Code, appErrors.ErrSystem.Status, "failed to create scheduling run")
	}
	if err := s.queue.Enqueue(jobs.Job{ID: runID, Type: JobTypeSchedulingRun}); err != nil {
		if locked {
			s.locks.Release(ctx, runID, rc.Depots)
		}
		s.markFailed(ctx, runID, "failed to enqueue run")
		if errors.Is(err, jobs.ErrQueueFull) {
			return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "run queue is full, retry later")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrSystem.Code, appErrors.ErrSystem.Status, "failed to enqueue scheduling run")
	}
	s.logger.Sugar().Infow("scheduling run queued", "run_id", runID, "mode", rc.Mode, "depots", rc.Depots, "created_by", actorID)
	return &dto.StartRunResponse{RunID: runID}, nil
}

// Status returns the run state, with live progress when the run executes in this process.
func (s *SchedulingService) Status(ctx context.Context, runID string) (*dto.RunStatusResponse, error) {
	run, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	resp := &dto.RunStatusResponse{
		RunID:            run.ID,
		Status:           run.Status,
		Progress:         run.Progress,
		CurrentOperation: run.CurrentOperation,
		Log:              run.ActivityLog,
		HasWarnings:      run.Report.HasWarnings(),
		Error:            run.ErrorMessage,
		StartedAt:        run.StartedAt,
		FinishedAt:       run.FinishedAt,
	}
	if !run.Status.Terminal() {
		if live, ok := s.tracker.Snapshot(runID); ok {
			resp.Progress = live.Progress
			resp.CurrentOperation = live.Operation
			resp.Log = live.Log
			resp.HasWarnings = hasWarnEntries(live.Log)
		}
	}
	if resp.Log == nil {
		resp.Log = []models.ActivityEntry{}
	}
	return resp, nil
}

// Stop asks a run to stop. A run executing here is stopped cooperatively between slots
// and reports running until its partial plan is committed; a queued run is stopped at once.
func (s *SchedulingService) Stop(ctx context.Context, runID string) (*dto.StopRunResponse, error) {
	run, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return &dto.StopRunResponse{Status: run.Status}, nil
	}
	if s.tracker.RequestStop(runID) {
		s.tracker.Log(runID, "warn", "stop requested")
		return &dto.StopRunResponse{Status: models.RunStatusRunning}, nil
	}
	if run.Status == models.RunStatusRunning {
		return nil, appErrors.Clone(appErrors.ErrConflict, "run is executing on another instance")
	}

	stopped := models.RunStatusStopped
	now := s.now()
	log := append(run.ActivityLog, models.ActivityEntry{At: now, Level: "warn", Message: "stopped before execution"})
	if err := s.runs.Update(ctx, runID, repository.UpdateRunParams{
		Status:      &stopped,
		ActivityLog: &log,
		FinishedAt:  &now,
	}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSystem.Code, appErrors.ErrSystem.Status, "failed to stop scheduling run")
	}
	if run.Config.Mode != models.RunModeManual {
		s.locks.Release(ctx, runID, run.Config.Depots)
	}
	s.tracker.PublishStatus(runID, stopped, run.Progress, false)
	s.logger.Sugar().Infow("scheduling run stopped before execution", "run_id", runID)
	return &dto.StopRunResponse{Status: stopped}, nil
}

// Clear deletes scheduled trips of the depots over the range. It takes the depot locks
// for its duration, so it never races a committing run.
func (s *SchedulingService) Clear(ctx context.Context, req dto.DateRangeRequest) (*dto.ClearResponse, error) {
	depots, err := s.validateRange(ctx, req)
	if err != nil {
		return nil, err
	}
	owner := "clear:" + uuid.NewString()
	if err := s.acquire(ctx, owner, depots); err != nil {
		return nil, err
	}
	defer s.locks.Release(context.WithoutCancel(ctx), owner, depots)

	removed, err := s.writer.Clear(ctx, depots, req.StartDate, req.EndDate)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSystem.Code, appErrors.ErrSystem.Status, "failed to clear scheduled trips")
	}
	if removed > 0 {
		s.cache.Invalidate(ctx, statsCachePattern)
	}
	return &dto.ClearResponse{RemovedCount: removed}, nil
}

// Report returns the final report of a run.
func (s *SchedulingService) Report(ctx context.Context, runID string) (*models.RunReport, error) {
	run, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Report == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "report not available yet")
	}
	return run.Report, nil
}

// List returns run history newest first.
func (s *SchedulingService) List(ctx context.Context, filter models.RunFilter) ([]dto.RunSummary, int, error) {
	if filter.Status != nil && !validStatus(*filter.Status) {
		return nil, 0, appErrors.Clone(appErrors.ErrValidation, "unknown run status")
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	runs, total, err := s.runs.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrSystem.Code, appErrors.ErrSystem.Status, "failed to list scheduling runs")
	}
	out := make([]dto.RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, dto.RunSummary{
			RunID:       run.ID,
			Status:      run.Status,
			Mode:        run.Config.Mode,
			StartDate:   run.Config.StartDate,
			EndDate:     run.Config.EndDate,
			Depots:      run.Config.Depots,
			Progress:    run.Progress,
			HasWarnings: run.Report.HasWarnings(),
			CreatedBy:   run.CreatedBy,
			CreatedAt:   run.CreatedAt,
			FinishedAt:  run.FinishedAt,
		})
	}
	return out, total, nil
}

// Stats summarises fleet and trip totals for today's service date.
func (s *SchedulingService) Stats(ctx context.Context) (*models.SchedulerStats, error) {
	now := s.now()
	today := scheduler.DateKey(now.In(s.engine.Settings().Location))
	key := "stats:" + today
	var cached models.SchedulerStats
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	stats, err := s.inventory.Stats(ctx, today)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSystem.Code, appErrors.ErrSystem.Status, "failed to load scheduler stats")
	}
	if stats.ActiveBuses > 0 {
		stats.Utilization = math.Round(float64(stats.BusesInServiceToday)/float64(stats.ActiveBuses)*10000) / 100
	}
	stats.GeneratedAt = now
	s.cache.Set(ctx, key, stats)
	return stats, nil
}

// Subscribe opens the run's event stream and returns the status at subscription time.
func (s *SchedulingService) Subscribe(ctx context.Context, runID string) (<-chan RunEvent, func(), *dto.RunStatusResponse, error) {
	if s.events == nil {
		return nil, nil, nil, appErrors.Clone(appErrors.ErrSystem, "run event stream unavailable")
	}
	status, err := s.Status(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	ch, cancel := s.events.Subscribe(ctx, runID)
	return ch, cancel, status, nil
}

// RecoverPendingRuns requeues idle runs and fails runs left running by a previous process.
func (s *SchedulingService) RecoverPendingRuns(ctx context.Context) {
	pending, err := s.runs.ListByStatus(ctx, []models.RunStatus{models.RunStatusIdle, models.RunStatusRunning}, 100)
	if err != nil {
		s.logger.Sugar().Warnw("failed to recover scheduling runs", "error", err)
		return
	}
	for _, run := range pending {
		locked := run.Config.Mode != models.RunModeManual
		if run.Status == models.RunStatusRunning {
			s.markFailed(ctx, run.ID, "interrupted by restart")
			if locked {
				s.locks.Release(ctx, run.ID, run.Config.Depots)
			}
			continue
		}
		if locked {
			if err := s.locks.Acquire(ctx, run.ID, run.Config.Depots); err != nil {
				s.logger.Sugar().Warnw("failed to relock recovered run", "run_id", run.ID, "error", err)
				s.markFailed(ctx, run.ID, "depots locked by another run")
				continue
			}
		}
		if err := s.queue.Enqueue(jobs.Job{ID: run.ID, Type: JobTypeSchedulingRun}); err != nil && !errors.Is(err, jobs.ErrDuplicate) {
			s.logger.Sugar().Warnw("failed to requeue scheduling run", "run_id", run.ID, "error", err)
		}
	}
}

// StartWatchdog expires runs without activity for the watchdog interval and keeps the
// depot locks of live runs from lapsing.
func (s *SchedulingService) StartWatchdog(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchdogTick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.watchdogTick(ctx)
			}
		}
	}()
}

func (s *SchedulingService) watchdogTick(ctx context.Context) {
	for _, id := range s.tracker.Expire(s.cfg.WatchdogInterval) {
		s.logger.Sugar().Warnw("scheduling run timed out", "run_id", id, "idle", s.cfg.WatchdogInterval)
	}
	for id, depots := range s.tracker.Active() {
		if err := s.locks.Refresh(ctx, id, depots); err != nil {
			s.logger.Sugar().Warnw("failed to refresh depot locks", "run_id", id, "error", err)
		}
	}
}

func (s *SchedulingService) acquire(ctx context.Context, owner string, depots []string) error {
	err := s.locks.Acquire(ctx, owner, depots)
	if err == nil {
		return nil
	}
	var locked *repository.DepotLockedError
	if errors.As(err, &locked) {
		s.metrics.LockConflict()
		return appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status,
			fmt.Sprintf("depot %s is being scheduled or cleared", locked.DepotID))
	}
	return appErrors.Wrap(err, appErrors.ErrSystem.Code, appErrors.ErrSystem.Status, "failed to lock depots")
}

func (s *SchedulingService) load(ctx context.Context, runID string) (*models.SchedulingRun, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "scheduling run not found")
	}
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "scheduling run not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrSystem.Code, appErrors.ErrSystem.Status, "failed to load scheduling run")
	}
	return run, nil
}

func (s *SchedulingService) markFailed(ctx context.Context, runID, msg string) {
	failed := models.RunStatusFailed
	progress := progressDone
	now := s.now()
	if err := s.runs.Update(ctx, runID, repository.UpdateRunParams{
		Status:       &failed,
		Progress:     &progress,
		ErrorMessage: &msg,
		FinishedAt:   &now,
	}); err != nil {
		s.logger.Sugar().Warnw("failed to mark run failed", "run_id", runID, "error", err)
	}
}

func (s *SchedulingService) validateRange(ctx context.Context, req dto.DateRangeRequest) ([]string, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	return s.checkRangeAndDepots(ctx, req.StartDate, req.EndDate, req.Depots)
}

func (s *SchedulingService) validateStart(ctx context.Context, req dto.StartRunRequest) ([]string, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	seasons := scheduler.DefaultSeasons()
	for k := range req.SeasonalMultipliers {
		if _, ok := seasons[strings.ToLower(k)]; !ok {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown season %q", k))
		}
	}
	for k := range req.HolidayMultipliers {
		if _, err := time.Parse("2006-01-02", k); err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("holiday %q is not a YYYY-MM-DD date", k))
		}
	}
	return s.checkRangeAndDepots(ctx, req.StartDate, req.EndDate, req.Depots)
}

// checkRangeAndDepots returns the deduplicated depot ids once they all exist.
func (s *SchedulingService) checkRangeAndDepots(ctx context.Context, startRaw, endRaw string, depotIDs []string) ([]string, error) {
	loc := s.engine.Settings().Location
	start, err := scheduler.ParseDate(startRaw, loc)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "startDate must be YYYY-MM-DD")
	}
	end, err := scheduler.ParseDate(endRaw, loc)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "endDate must be YYYY-MM-DD")
	}
	if end.Before(start) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "startDate must not be after endDate")
	}
	maxDays := s.engine.Settings().MaxRangeDays
	if days := int(end.Sub(start).Hours()/24+0.5) + 1; days > maxDays {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("date range exceeds %d days", maxDays))
	}

	depots := make([]string, 0, len(depotIDs))
	seen := make(map[string]bool, len(depotIDs))
	for _, id := range depotIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		depots = append(depots, id)
	}
	if len(depots) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "at least one depot is required")
	}
	found, err := s.inventory.ListDepots(ctx, depots)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrSystem.Code, appErrors.ErrSystem.Status, "failed to load depots")
	}
	known := make(map[string]bool, len(found))
	for _, d := range found {
		known[d.ID] = true
	}
	for _, id := range depots {
		if !known[id] {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("depot %s does not exist", id))
		}
	}
	return depots, nil
}

// normalize applies server defaults once; the result is what the run persists.
func (s *SchedulingService) normalize(req dto.StartRunRequest) models.RunConfig {
	settings := s.engine.Settings()
	rc := models.RunConfig{
		StartDate:            req.StartDate,
		EndDate:              req.EndDate,
		Depots:               append([]string(nil), req.Depots...),
		Mode:                 models.RunMode(req.Mode),
		Priority:             models.RunPriority(req.Priority),
		MaxTripsPerRoute:     settings.DefaultMaxTripsPerRoute,
		TimeGapMinutes:       int(settings.DefaultTimeGap / time.Minute),
		AutoAssignCrew:       true,
		AutoAssignBuses:      true,
		AllowFatigueOverride: req.AllowFatigueOverride,
		RotationContinuity:   req.RotationContinuity,
		BusCapacityHint:      req.BusCapacityHint,
		SeasonalMultipliers:  map[string]float64{},
		HolidayMultipliers:   map[string]float64{},
	}
	if rc.Mode == "" {
		rc.Mode = models.RunModeAuto
	}
	if rc.Priority == "" {
		rc.Priority = models.RunPriorityBalanced
	}
	if req.MaxTripsPerRoute != nil {
		rc.MaxTripsPerRoute = *req.MaxTripsPerRoute
	}
	if req.TimeGap != nil {
		rc.TimeGapMinutes = *req.TimeGap
	}
	if req.AutoAssignCrew != nil {
		rc.AutoAssignCrew = *req.AutoAssignCrew
	}
	if req.AutoAssignBuses != nil {
		rc.AutoAssignBuses = *req.AutoAssignBuses
	}
	if req.WeekendMultiplier != nil {
		w := *req.WeekendMultiplier
		rc.WeekendMultiplier = &w
	}
	for k, v := range req.SeasonalMultipliers {
		rc.SeasonalMultipliers[strings.ToLower(k)] = v
	}
	for k, v := range req.HolidayMultipliers {
		rc.HolidayMultipliers[k] = v
	}
	return rc
}

func validStatus(s models.RunStatus) bool {
	switch s {
	case models.RunStatusIdle, models.RunStatusRunning, models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusStopped:
		return true
	}
	return false
}

func hasWarnEntries(log models.ActivityLog) bool {
	for _, e := range log {
		if e.Level == "warn" || e.Level == "error" {
			return true
		}
	}
	return false
}
