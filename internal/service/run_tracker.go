package service

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

// Progress milestones of a run. Planning fills the band between planStart and commitStart
// in proportion to processed slots.
const (
	progressSnapshot    = 2
	progressPlanStart   = 5
	progressCommitStart = 85
	progressReport      = 95
	progressDone        = 100

	maxActivityEntries = 1000
)

// RunProgress is a point-in-time copy of a tracked run.
type RunProgress struct {
	Progress      int
	Operation     string
	Log           models.ActivityLog
	LastActivity  time.Time
	StopRequested bool
}

type trackedRun struct {
	depots       []string
	cancel       context.CancelFunc
	stop         bool
	timedOut     bool
	progress     int
	operation    string
	log          models.ActivityLog
	lastActivity time.Time
	dirty        bool
	slotsTotal   int
	slotsDone    map[string]int
}

// RunTracker holds the live state of runs executing in this process: cooperative stop
// flags, progress, the activity log and the last time the run showed activity.
type RunTracker struct {
	mu           sync.Mutex
	runs         map[string]*trackedRun
	pendingStops map[string]bool
	events       EventBroker
	now          func() time.Time
}

// NewRunTracker constructs a tracker publishing to events, which may be nil.
func NewRunTracker(events EventBroker) *RunTracker {
	return &RunTracker{
		runs:         make(map[string]*trackedRun),
		pendingStops: make(map[string]bool),
		events:       events,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Begin starts tracking a run. It returns false when the run was stopped before it
// started, in which case the caller must not execute it.
func (t *RunTracker) Begin(runID string, depots []string, log models.ActivityLog, cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pendingStops[runID] {
		delete(t.pendingStops, runID)
		return false
	}
	t.runs[runID] = &trackedRun{
		depots:       append([]string(nil), depots...),
		cancel:       cancel,
		log:          append(models.ActivityLog(nil), log...),
		lastActivity: t.now(),
		slotsDone:    make(map[string]int),
	}
	return true
}

// End stops tracking a run.
func (t *RunTracker) End(runID string) {
	t.mu.Lock()
	delete(t.runs, runID)
	t.mu.Unlock()
}

// RequestStop raises the stop flag of an active run and reports true. For a run that has
// not begun it records a pending stop so Begin refuses it, and reports false.
func (t *RunTracker) RequestStop(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[runID]; ok {
		r.stop = true
		return true
	}
	t.pendingStops[runID] = true
	return false
}

// StopRequested reports whether a stop was requested for the run.
func (t *RunTracker) StopRequested(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[runID]
	return ok && r.stop
}

// TimedOut reports whether the watchdog expired the run.
func (t *RunTracker) TimedOut(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[runID]
	return ok && r.timedOut
}

// Log appends an activity entry and publishes it.
func (t *RunTracker) Log(runID, level, message string) {
	t.mu.Lock()
	r, ok := t.runs[runID]
	if !ok {
		t.mu.Unlock()
		return
	}
	entry := models.ActivityEntry{At: t.now(), Level: level, Message: message}
	r.log = append(r.log, entry)
	if len(r.log) > maxActivityEntries {
		r.log = r.log[len(r.log)-maxActivityEntries:]
	}
	r.lastActivity = entry.At
	r.dirty = true
	evt := RunEvent{RunID: runID, Type: RunEventLog, Progress: r.progress, Operation: r.operation, Entry: &entry, At: entry.At}
	t.mu.Unlock()
	t.publish(evt)
}

// SetOperation moves the run to a new operation label and progress value.
func (t *RunTracker) SetOperation(runID string, progress int, operation string) {
	t.mu.Lock()
	r, ok := t.runs[runID]
	if !ok {
		t.mu.Unlock()
		return
	}
	r.progress = progress
	r.operation = operation
	r.lastActivity = t.now()
	r.dirty = true
	evt := RunEvent{RunID: runID, Type: RunEventProgress, Progress: progress, Operation: operation, At: r.lastActivity}
	t.mu.Unlock()
	t.publish(evt)
}

// SetSlotTotal records the expected number of slots over all depots of the run.
func (t *RunTracker) SetSlotTotal(runID string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[runID]; ok {
		r.slotsTotal = total
	}
}

// SlotDone records planning progress of one depot. Progress events fire only when the
// overall percentage changes.
func (t *RunTracker) SlotDone(runID, depotID string, processed int) {
	t.mu.Lock()
	r, ok := t.runs[runID]
	if !ok {
		t.mu.Unlock()
		return
	}
	r.slotsDone[depotID] = processed
	r.lastActivity = t.now()
	done := 0
	for _, n := range r.slotsDone {
		done += n
	}
	pct := progressPlanStart
	if r.slotsTotal > 0 {
		pct += (progressCommitStart - progressPlanStart) * done / r.slotsTotal
	}
	if pct > progressCommitStart {
		pct = progressCommitStart
	}
	if pct == r.progress {
		t.mu.Unlock()
		return
	}
	r.progress = pct
	r.dirty = true
	evt := RunEvent{RunID: runID, Type: RunEventProgress, Progress: pct, Operation: r.operation, At: r.lastActivity}
	t.mu.Unlock()
	t.publish(evt)
}

// Touch marks activity without changing progress.
func (t *RunTracker) Touch(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[runID]; ok {
		r.lastActivity = t.now()
	}
}

// Snapshot returns a copy of the run's live state.
func (t *RunTracker) Snapshot(runID string) (RunProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[runID]
	if !ok {
		return RunProgress{}, false
	}
	return r.copy(), true
}

// TakeDirty returns the run's state if it changed since the previous call.
func (t *RunTracker) TakeDirty(runID string) (RunProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[runID]
	if !ok || !r.dirty {
		return RunProgress{}, false
	}
	r.dirty = false
	return r.copy(), true
}

// Expire flags and cancels every run without activity for longer than idle and returns
// their ids.
func (t *RunTracker) Expire(idle time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-idle)
	var expired []string
	for id, r := range t.runs {
		if r.timedOut || !r.lastActivity.Before(cutoff) {
			continue
		}
		r.timedOut = true
		if r.cancel != nil {
			r.cancel()
		}
		expired = append(expired, id)
	}
	return expired
}

// Active lists the runs being tracked with their depots.
func (t *RunTracker) Active() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]string, len(t.runs))
	for id, r := range t.runs {
		out[id] = append([]string(nil), r.depots...)
	}
	return out
}

// PublishStatus announces a status transition.
func (t *RunTracker) PublishStatus(runID string, status models.RunStatus, progress int, hasWarnings bool) {
	t.publish(RunEvent{RunID: runID, Type: RunEventStatus, Status: status, Progress: progress, HasWarnings: hasWarnings, At: t.now()})
}

func (t *RunTracker) publish(evt RunEvent) {
	if t.events != nil {
		t.events.Publish(context.Background(), evt)
	}
}

func (r *trackedRun) copy() RunProgress {
	return RunProgress{
		Progress:      r.progress,
		Operation:     r.operation,
		Log:           append(models.ActivityLog(nil), r.log...),
		LastActivity:  r.lastActivity,
		StopRequested: r.stop,
	}
}
