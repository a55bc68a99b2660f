package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/internal/dto"
	"github.com/noah-isme/fleet-scheduler-api/internal/models"
	"github.com/noah-isme/fleet-scheduler-api/internal/repository"
	"github.com/noah-isme/fleet-scheduler-api/internal/scheduler"
	"github.com/noah-isme/fleet-scheduler-api/pkg/jobs"
)

var testLoc = time.FixedZone("IST", 5*3600+1800)

// fleetStore is an in-memory inventory and trip table with the upsert semantics of
// the SQL repositories.
type fleetStore struct {
	mu     sync.Mutex
	depots []models.Depot
	routes []models.Route
	buses  []models.Bus
	crew   []models.CrewMember
	trips  map[string]*models.Trip

	upserts   int
	upsertErr error
	// beforeUpsert runs under the store lock ahead of each batch.
	beforeUpsert func(f *fleetStore, call int)
}

func newFleetStore() *fleetStore {
	return &fleetStore{trips: map[string]*models.Trip{}}
}

// depot adds a depot whose routes run 06:00-10:00 with one-hour trips.
func (f *fleetStore) depot(id string, routes, buses, pairs int) *fleetStore {
	f.depots = append(f.depots, models.Depot{ID: id, Code: "DEP-" + id, Name: "Depot " + id})
	for i := 1; i <= routes; i++ {
		f.routes = append(f.routes, models.Route{
			ID:              fmt.Sprintf("%s-route-%02d", id, i),
			DepotID:         id,
			RouteNumber:     fmt.Sprintf("%d", i),
			IsActive:        true,
			OperatingStart:  "06:00",
			OperatingEnd:    "10:00",
			DurationMinutes: 60,
			DistanceKm:      20,
		})
	}
	for i := 1; i <= buses; i++ {
		f.buses = append(f.buses, models.Bus{
			ID: fmt.Sprintf("%s-bus-%02d", id, i), DepotID: id, Capacity: 40, Status: models.BusStatusActive, Version: 1,
		})
	}
	for i := 1; i <= pairs; i++ {
		f.crew = append(f.crew,
			models.CrewMember{ID: fmt.Sprintf("%s-drv-%02d", id, i), DepotID: id, Role: models.CrewRoleDriver, Status: models.CrewStatusAvailable, Version: 1},
			models.CrewMember{ID: fmt.Sprintf("%s-con-%02d", id, i), DepotID: id, Role: models.CrewRoleConductor, Status: models.CrewStatusAvailable, Version: 1},
		)
	}
	return f
}

func (f *fleetStore) addTrip(t models.Trip) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	f.trips[tripKey(t.RouteID, t.ServiceDate.Format("2006-01-02"), t.DepartureTime)] = &t
}

func (f *fleetStore) allTrips() []models.Trip {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Trip, 0, len(f.trips))
	for _, t := range f.trips {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepartureTime.Before(out[j].DepartureTime) })
	return out
}

func (f *fleetStore) bumpBus(id string) {
	for i := range f.buses {
		if f.buses[i].ID == id {
			f.buses[i].Version++
		}
	}
}

func tripKey(routeID, date string, departure time.Time) string {
	return routeID + "|" + date + "|" + departure.UTC().Format(time.RFC3339)
}

func inSet(ids []string, id string) bool {
	if len(ids) == 0 {
		return true
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (f *fleetStore) ListDepots(ctx context.Context, ids []string) ([]models.Depot, error) {
	var out []models.Depot
	for _, d := range f.depots {
		if inSet(ids, d.ID) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fleetStore) ListRoutes(ctx context.Context, depotIDs []string) ([]models.Route, error) {
	var out []models.Route
	for _, r := range f.routes {
		if inSet(depotIDs, r.DepotID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fleetStore) ListBuses(ctx context.Context, depotIDs []string) ([]models.Bus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Bus
	for _, b := range f.buses {
		if inSet(depotIDs, b.DepotID) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fleetStore) ListCrew(ctx context.Context, depotIDs []string) ([]models.CrewMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CrewMember
	for _, m := range f.crew {
		if inSet(depotIDs, m.DepotID) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fleetStore) ListTrips(ctx context.Context, depotIDs []string, from, to string) ([]models.Trip, error) {
	var out []models.Trip
	for _, t := range f.allTrips() {
		day := t.ServiceDate.Format("2006-01-02")
		if inSet(depotIDs, t.DepotID) && day >= from && day <= to {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fleetStore) ListBusesByIDs(ctx context.Context, ids []string) ([]models.Bus, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Bus
	for _, b := range f.buses {
		if inSet(ids, b.ID) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fleetStore) ListCrewByIDs(ctx context.Context, ids []string) ([]models.CrewMember, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CrewMember
	for _, m := range f.crew {
		if inSet(ids, m.ID) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fleetStore) Stats(ctx context.Context, today string) (*models.SchedulerStats, error) {
	stats := &models.SchedulerStats{
		TotalDepots: len(f.depots),
		TotalBuses:  len(f.buses),
		TotalRoutes: len(f.routes),
		TotalCrew:   len(f.crew),
	}
	for _, b := range f.buses {
		if b.Status == models.BusStatusActive {
			stats.ActiveBuses++
		}
	}
	inService := map[string]bool{}
	for _, t := range f.allTrips() {
		stats.TotalTrips++
		if t.Status == models.TripStatusInProgress {
			stats.ActiveTrips++
		}
		if t.ServiceDate.Format("2006-01-02") == today && t.Status != models.TripStatusCancelled {
			stats.TripsScheduledToday++
			if t.BusID != nil {
				inService[*t.BusID] = true
			}
		}
	}
	stats.BusesInServiceToday = len(inService)
	return stats, nil
}

func (f *fleetStore) current(w repository.TripWrite) bool {
	if w.BusID != "" {
		ok := false
		for _, b := range f.buses {
			if b.ID == w.BusID {
				ok = b.Version == w.BusVersion && b.Schedulable()
			}
		}
		if !ok {
			return false
		}
	}
	for _, pair := range []struct {
		id      string
		version int64
	}{{w.DriverID, w.DriverVersion}, {w.ConductorID, w.ConductorVersion}} {
		if pair.id == "" {
			continue
		}
		ok := false
		for _, m := range f.crew {
			if m.ID == pair.id {
				ok = m.Version == pair.version && m.Schedulable()
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (f *fleetStore) UpsertBatch(ctx context.Context, runID string, writes []repository.TripWrite) (repository.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.beforeUpsert != nil {
		f.beforeUpsert(f, f.upserts)
	}
	if f.upsertErr != nil {
		return repository.BatchResult{}, f.upsertErr
	}
	var res repository.BatchResult
	for i, w := range writes {
		if !f.current(w) {
			res.Stale = append(res.Stale, i)
			continue
		}
		key := tripKey(w.RouteID, w.ServiceDate, w.Departure)
		bus, driver, conductor := optional(w.BusID), optional(w.DriverID), optional(w.ConductorID)
		if t, ok := f.trips[key]; ok {
			if t.Status != models.TripStatusScheduled {
				continue
			}
			if deref(t.BusID) == w.BusID && deref(t.DriverID) == w.DriverID && deref(t.ConductorID) == w.ConductorID && t.ArrivalTime.Equal(w.Arrival) {
				continue
			}
			t.BusID, t.DriverID, t.ConductorID, t.ArrivalTime = bus, driver, conductor, w.Arrival
			res.Written++
			continue
		}
		day, _ := time.Parse("2006-01-02", w.ServiceDate)
		run := runID
		f.trips[key] = &models.Trip{
			ID:              uuid.NewString(),
			RouteID:         w.RouteID,
			DepotID:         w.DepotID,
			ServiceDate:     day,
			DepartureTime:   w.Departure,
			ArrivalTime:     w.Arrival,
			BusID:           bus,
			DriverID:        driver,
			ConductorID:     conductor,
			Status:          models.TripStatusScheduled,
			OriginRunID:     &run,
			FatigueOverride: w.FatigueOverride,
		}
		res.Written++
	}
	return res, nil
}

func (f *fleetStore) Clear(ctx context.Context, depotIDs []string, from, to string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for key, t := range f.trips {
		day := t.ServiceDate.Format("2006-01-02")
		if t.Status == models.TripStatusScheduled && inSet(depotIDs, t.DepotID) && day >= from && day <= to {
			delete(f.trips, key)
			removed++
		}
	}
	return removed, nil
}

func optional(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type runStoreStub struct {
	mu   sync.Mutex
	runs map[string]*models.SchedulingRun
}

func newRunStoreStub() *runStoreStub {
	return &runStoreStub{runs: map[string]*models.SchedulingRun{}}
}

func (r *runStoreStub) Create(ctx context.Context, run *models.SchedulingRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

func (r *runStoreStub) GetByID(ctx context.Context, id string) (*models.SchedulingRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("get scheduling run: %w", sql.ErrNoRows)
	}
	cp := *run
	cp.ActivityLog = append(models.ActivityLog(nil), run.ActivityLog...)
	return &cp, nil
}

func (r *runStoreStub) Update(ctx context.Context, id string, params repository.UpdateRunParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return sql.ErrNoRows
	}
	if params.Status != nil {
		run.Status = *params.Status
	}
	if params.Progress != nil {
		run.Progress = *params.Progress
	}
	if params.CurrentOperation != nil {
		run.CurrentOperation = *params.CurrentOperation
	}
	if params.ActivityLog != nil {
		run.ActivityLog = append(models.ActivityLog(nil), (*params.ActivityLog)...)
	}
	if params.Report != nil {
		run.Report = params.Report
	}
	if params.ErrorMessage != nil {
		run.ErrorMessage = params.ErrorMessage
	}
	if params.StartedAt != nil {
		run.StartedAt = params.StartedAt
	}
	if params.FinishedAt != nil {
		run.FinishedAt = params.FinishedAt
	}
	return nil
}

func (r *runStoreStub) List(ctx context.Context, filter models.RunFilter) ([]models.SchedulingRun, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SchedulingRun
	for _, run := range r.runs {
		if filter.Status == nil || run.Status == *filter.Status {
			out = append(out, *run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}

func (r *runStoreStub) ListByStatus(ctx context.Context, statuses []models.RunStatus, limit int) ([]models.SchedulingRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SchedulingRun
	for _, run := range r.runs {
		for _, s := range statuses {
			if run.Status == s {
				out = append(out, *run)
			}
		}
	}
	return out, nil
}

func (r *runStoreStub) get(t *testing.T, id string) *models.SchedulingRun {
	t.Helper()
	run, err := r.GetByID(context.Background(), id)
	require.NoError(t, err)
	return run
}

type runQueueStub struct {
	jobs []jobs.Job
	err  error
}

func (q *runQueueStub) Enqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type notifierStub struct {
	mu    sync.Mutex
	notes []RunNotification
}

func (n *notifierStub) NotifyRunFinished(ctx context.Context, note RunNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

type schedulingHarness struct {
	store    *fleetStore
	runs     *runStoreStub
	queue    *runQueueStub
	tracker  *RunTracker
	locks    *repository.DepotLockRepository
	notifier *notifierStub
	engine   *RunEngine
	svc      *SchedulingService
	worker   *SchedulingWorker
}

func testSettings() SchedulingSettings {
	return SchedulingSettings{
		Location:                testLoc,
		MaxRangeDays:            31,
		DefaultMaxTripsPerRoute: 4,
		DefaultTimeGap:          30 * time.Minute,
		RotationCycleDays:       7,
		Limits:                  scheduler.Limits{MaxDriverHours: 12, MinRestHours: 8, MaxConsecutiveDays: 6},
		DepotConcurrency:        2,
		OptimizeBudget:          500 * time.Millisecond,
		OptimizeMaxIterations:   100,
	}
}

func newSchedulingHarness(t *testing.T, store *fleetStore, events EventBroker, tweak func(*SchedulingSettings)) *schedulingHarness {
	t.Helper()
	settings := testSettings()
	if tweak != nil {
		tweak(&settings)
	}
	h := &schedulingHarness{
		store:    store,
		runs:     newRunStoreStub(),
		queue:    &runQueueStub{},
		tracker:  NewRunTracker(events),
		locks:    repository.NewDepotLockRepository(nil, time.Hour, zap.NewNop()),
		notifier: &notifierStub{},
	}
	h.engine = NewRunEngine(store, settings)
	h.engine.now = func() time.Time { return time.Date(2025, time.March, 4, 12, 0, 0, 0, time.UTC) }
	writer := NewScheduleWriter(store, store, 3, zap.NewNop())
	h.worker = NewSchedulingWorker(h.runs, h.engine, writer, h.tracker, h.locks, h.notifier, nil, zap.NewNop(), SchedulingWorkerConfig{FlushInterval: 10 * time.Millisecond})
	h.svc = NewSchedulingService(h.runs, store, h.locks, h.queue, h.engine, h.tracker, writer, events, nil, nil, zap.NewNop(), SchedulingServiceConfig{})
	return h
}

// run starts a run and executes it synchronously.
func (h *schedulingHarness) run(t *testing.T, req dto.StartRunRequest) *models.SchedulingRun {
	t.Helper()
	resp, err := h.svc.Start(context.Background(), req, "admin-1")
	require.NoError(t, err)
	require.NoError(t, h.worker.Execute(context.Background(), resp.RunID))
	return h.runs.get(t, resp.RunID)
}
