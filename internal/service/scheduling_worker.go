package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
	"github.com/noah-isme/fleet-scheduler-api/internal/repository"
	"github.com/noah-isme/fleet-scheduler-api/internal/scheduler"
	appErrors "github.com/noah-isme/fleet-scheduler-api/pkg/errors"
	"github.com/noah-isme/fleet-scheduler-api/pkg/jobs"
)

// SchedulingWorkerConfig tunes run execution.
type SchedulingWorkerConfig struct {
	// FlushInterval is how often live progress is persisted to the run row.
	FlushInterval    time.Duration
	WatchdogInterval time.Duration
}

// SchedulingWorker executes queued runs: snapshot, plan, commit per depot, report.
type SchedulingWorker struct {
	runs     runStore
	engine   *RunEngine
	writer   *ScheduleWriter
	tracker  *RunTracker
	locks    depotLocker
	notifier RunNotifier
	metrics  *MetricsService
	cache    *CacheService
	logger   *zap.Logger
	cfg      SchedulingWorkerConfig
	now      func() time.Time
}

// NewSchedulingWorker constructs a worker.
func NewSchedulingWorker(runs runStore, engine *RunEngine, writer *ScheduleWriter, tracker *RunTracker, locks depotLocker, notifier RunNotifier, metrics *MetricsService, logger *zap.Logger, cfg SchedulingWorkerConfig) *SchedulingWorker {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 5 * time.Minute
	}
	return &SchedulingWorker{
		runs:     runs,
		engine:   engine,
		writer:   writer,
		tracker:  tracker,
		locks:    locks,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// UseCache lets finished runs invalidate cached fleet stats.
func (w *SchedulingWorker) UseCache(cache *CacheService) {
	w.cache = cache
}

// Handle processes a queue job.
func (w *SchedulingWorker) Handle(ctx context.Context, job jobs.Job) error {
	return w.Execute(ctx, job.ID)
}

// runOutcome collects what execution produced, even when it ended early.
type runOutcome struct {
	snap    *scheduler.Snapshot
	plan    *scheduler.Plan
	commits map[string]*CommitResult
	err     error
}

// Execute runs an idle run to a terminal status. Runs that are no longer idle, or were
// stopped while queued, are skipped.
func (w *SchedulingWorker) Execute(ctx context.Context, runID string) error {
	run, err := w.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("load scheduling run %s: %w", runID, err)
	}
	if run.Status != models.RunStatusIdle {
		w.logger.Sugar().Infow("skipping scheduling run", "run_id", runID, "status", run.Status)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !w.tracker.Begin(runID, run.Config.Depots, run.ActivityLog, cancel) {
		w.logger.Sugar().Infow("scheduling run stopped before it began", "run_id", runID)
		return nil
	}
	defer w.tracker.End(runID)

	started := w.now()
	running := models.RunStatusRunning
	zero := 0
	if err := w.runs.Update(ctx, runID, repository.UpdateRunParams{Status: &running, Progress: &zero, StartedAt: &started}); err != nil {
		w.logger.Sugar().Warnw("failed to mark run running", "run_id", runID, "error", err)
	}
	w.metrics.RunStarted(string(run.Config.Mode))
	w.tracker.PublishStatus(runID, running, 0, false)
	w.tracker.Log(runID, "info", fmt.Sprintf("run started in %s mode", run.Config.Mode))

	stopFlusher := w.startFlusher(ctx, runID)
	out := w.run(runCtx, run)
	stopFlusher()

	w.finish(ctx, run, out, started)
	return nil
}

func (w *SchedulingWorker) run(ctx context.Context, run *models.SchedulingRun) runOutcome {
	var out runOutcome
	runID := run.ID

	cfg, err := w.engine.Config(run.Config)
	if err != nil {
		out.err = err
		return out
	}

	w.tracker.SetOperation(runID, progressSnapshot, "loading inventory snapshot")
	out.snap, err = w.engine.Snapshot(ctx, cfg, true)
	if err != nil {
		out.err = fmt.Errorf("load inventory snapshot: %w", err)
		return out
	}

	planner := scheduler.NewPlanner(cfg, out.snap, scheduler.Hooks{
		Cancelled: func() bool { return w.tracker.StopRequested(runID) },
		SlotDone: func(depotID string, processed, _ int) {
			w.tracker.SlotDone(runID, depotID, processed)
		},
		Activity: func(depotID, message string) {
			w.tracker.Log(runID, "info", fmt.Sprintf("[%s] %s", w.depotCode(out.snap, depotID), message))
		},
	})
	total := 0
	for _, id := range cfg.Depots {
		n, err := planner.EstimateSlots(id)
		if err != nil {
			out.err = err
			return out
		}
		total += n
	}
	w.tracker.SetSlotTotal(runID, total)
	w.tracker.SetOperation(runID, progressPlanStart, fmt.Sprintf("planning %d slots", total))

	out.plan, err = planner.Plan(ctx)
	if err != nil {
		out.err = fmt.Errorf("plan assignments: %w", err)
		return out
	}
	if run.Config.Mode == models.RunModeManual {
		w.tracker.Log(runID, "info", "manual mode: plan not written")
		return out
	}

	out.commits = make(map[string]*CommitResult, len(out.plan.Depots))
	for i, dp := range out.plan.Depots {
		if err := ctx.Err(); err != nil {
			out.err = err
			return out
		}
		code := w.depotCode(out.snap, dp.DepotID)
		progress := progressCommitStart + (progressReport-progressCommitStart)*i/len(out.plan.Depots)
		w.tracker.SetOperation(runID, progress, fmt.Sprintf("committing depot %s", code))
		res, err := w.writer.Commit(ctx, runID, dp)
		if res != nil {
			out.commits[dp.DepotID] = res
		}
		if err != nil {
			if res != nil && res.Written > 0 {
				w.tracker.Log(runID, "warn", fmt.Sprintf("[%s] commit aborted after %d trip(s) written", code, res.Written))
			}
			out.err = fmt.Errorf("commit depot %s: %w", code, err)
			return out
		}
		w.tracker.Log(runID, "info", fmt.Sprintf("[%s] %d trip(s) written, %d stale slot(s) retried", code, res.Written, res.Retried))
		if len(res.Dropped) > 0 {
			w.tracker.Log(runID, "warn", fmt.Sprintf("[%s] %d slot(s) dropped after stale retry", code, len(res.Dropped)))
		}
	}
	return out
}

func (w *SchedulingWorker) finish(ctx context.Context, run *models.SchedulingRun, out runOutcome, started time.Time) {
	runID := run.ID
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	status := models.RunStatusCompleted
	var errMsg *string
	var runErrors []models.RunMessage
	switch {
	case out.err != nil:
		status = models.RunStatusFailed
		msg := out.err.Error()
		if w.tracker.TimedOut(runID) {
			msg = fmt.Sprintf("run timed out: no activity for %s", w.cfg.WatchdogInterval)
		} else if errors.Is(out.err, context.Canceled) {
			msg = "run cancelled by shutdown"
		}
		errMsg = &msg
		runErrors = append(runErrors, models.RunMessage{Code: appErrors.ErrSystem.Code, Message: msg})
	case w.tracker.StopRequested(runID) || planStopped(out.plan):
		status = models.RunStatusStopped
	}

	w.tracker.SetOperation(runID, progressReport, "building report")
	report := buildRunReport(reportInput{
		mode:    run.Config.Mode,
		snap:    out.snap,
		plan:    out.plan,
		commits: out.commits,
		errors:  runErrors,
	})

	level := "info"
	if status != models.RunStatusCompleted {
		level = "warn"
	}
	w.tracker.Log(runID, level, fmt.Sprintf("run %s: %d trip(s) created, %d slot(s) unscheduled", status, report.TripsCreated, report.UnscheduledSlots))
	w.tracker.SetOperation(runID, progressDone, string(status))
	live, _ := w.tracker.Snapshot(runID)

	finished := w.now()
	progress := progressDone
	operation := string(status)
	if err := w.runs.Update(ctx, runID, repository.UpdateRunParams{
		Status:           &status,
		Progress:         &progress,
		CurrentOperation: &operation,
		ActivityLog:      &live.Log,
		Report:           report,
		ErrorMessage:     errMsg,
		FinishedAt:       &finished,
	}); err != nil {
		w.logger.Sugar().Errorw("failed to persist run result", "run_id", runID, "error", err)
	}

	if run.Config.Mode != models.RunModeManual {
		w.locks.Release(ctx, runID, run.Config.Depots)
	}

	w.metrics.RunFinished(string(run.Config.Mode), string(status), finished.Sub(started))
	staleRetried := 0
	unscheduled := make(map[string]int)
	for _, d := range report.Depots {
		staleRetried += d.StaleRetried
		for reason, n := range d.UnscheduledByReason {
			unscheduled[reason] += n
		}
	}
	w.metrics.RecordCommit(report.TripsCreated, staleRetried, len(report.FatigueOverrides), unscheduled)
	if report.TripsCreated > 0 {
		w.cache.Invalidate(ctx, statsCachePattern)
	}

	note := RunNotification{
		RunID:            runID,
		Status:           status,
		Mode:             run.Config.Mode,
		Depots:           run.Config.Depots,
		StartDate:        run.Config.StartDate,
		EndDate:          run.Config.EndDate,
		TripsCreated:     report.TripsCreated,
		UnscheduledSlots: report.UnscheduledSlots,
		HasWarnings:      report.HasWarnings(),
		FinishedAt:       finished,
	}
	if errMsg != nil {
		note.Error = *errMsg
	}
	if err := w.notifier.NotifyRunFinished(ctx, note); err != nil {
		w.logger.Sugar().Warnw("failed to notify run finished", "run_id", runID, "error", err)
	}

	w.tracker.PublishStatus(runID, status, progressDone, report.HasWarnings())
	w.logger.Sugar().Infow("scheduling run finished",
		"run_id", runID,
		"status", status,
		"trips_created", report.TripsCreated,
		"unscheduled", report.UnscheduledSlots,
		"duration", finished.Sub(started),
	)
}

// startFlusher persists changed progress until the returned func is called.
func (w *SchedulingWorker) startFlusher(ctx context.Context, runID string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				w.flush(ctx, runID)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (w *SchedulingWorker) flush(ctx context.Context, runID string) {
	p, ok := w.tracker.TakeDirty(runID)
	if !ok {
		return
	}
	if err := w.runs.Update(context.WithoutCancel(ctx), runID, repository.UpdateRunParams{
		Progress:         &p.Progress,
		CurrentOperation: &p.Operation,
		ActivityLog:      &p.Log,
	}); err != nil {
		w.logger.Sugar().Warnw("failed to persist run progress", "run_id", runID, "error", err)
	}
}

func (w *SchedulingWorker) depotCode(snap *scheduler.Snapshot, depotID string) string {
	if snap != nil {
		if inv, ok := snap.Depot(depotID); ok && inv.Depot.Code != "" {
			return inv.Depot.Code
		}
	}
	return depotID
}

func planStopped(plan *scheduler.Plan) bool {
	if plan == nil {
		return false
	}
	for _, dp := range plan.Depots {
		if dp.Stopped {
			return true
		}
	}
	return false
}
