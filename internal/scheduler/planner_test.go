package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

var testLoc = time.FixedZone("IST", 5*3600+1800)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, testLoc)
}

func testConfig(start, end time.Time, depots ...string) Config {
	return Config{
		StartDate:             start,
		EndDate:               end,
		Location:              testLoc,
		Depots:                depots,
		Mode:                  models.RunModeAuto,
		Priority:              models.RunPriorityBalanced,
		MaxTripsPerRoute:      4,
		TimeGap:               30 * time.Minute,
		AutoAssignCrew:        true,
		AutoAssignBuses:       true,
		Limits:                Limits{MaxDriverHours: 12, MinRestHours: 8, MaxConsecutiveDays: 6},
		Fatigue:               FatigueModel{HoursWeight: 0.5, DistanceWeight: 0.3, RecoveryWeight: 0.2, DistanceNormKm: 400, FullRecoveryHours: 12, MediumThreshold: 30, HighThreshold: 60},
		DepotConcurrency:      2,
		OptimizeBudget:        500 * time.Millisecond,
		OptimizeMaxIterations: 200,
	}
}

type fixture struct {
	takenAt time.Time
	depots  []models.Depot
	routes  []models.Route
	buses   []models.Bus
	crew    []models.CrewMember
	trips   []models.Trip
}

func newFixture(takenAt time.Time) *fixture {
	return &fixture{takenAt: takenAt}
}

// depot adds a depot with routes operating 06:00-10:00, one-hour trips, and the given
// number of buses and driver/conductor pairs.
func (f *fixture) depot(id string, routes, buses, pairs int) *fixture {
	f.depots = append(f.depots, models.Depot{ID: id, Code: id})
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
			ID:       fmt.Sprintf("%s-bus-%02d", id, i),
			DepotID:  id,
			Capacity: 40,
			Status:   models.BusStatusActive,
			Version:  1,
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

func (f *fixture) snapshot() *Snapshot {
	return NewSnapshot(f.takenAt, f.depots, f.routes, f.buses, f.crew, f.trips)
}

func createdOf(plan *DepotPlan) []Assignment {
	var out []Assignment
	for _, a := range plan.Assignments {
		if !a.Existing {
			out = append(out, a)
		}
	}
	return out
}

// assertPlanInvariants checks every hard rule against the created assignments.
func assertPlanInvariants(t *testing.T, cfg Config, plans ...*DepotPlan) {
	t.Helper()
	type span struct {
		start, end time.Time
		day        string
	}
	busSpans := map[string][]span{}
	crewSpans := map[string][]span{}
	routeDeps := map[string][]time.Time{}
	for _, plan := range plans {
		for _, a := range createdOf(plan) {
			s := span{start: a.Slot.Departure, end: a.Slot.Arrival, day: a.Slot.DateKey}
			if a.BusID != "" {
				busSpans[a.BusID] = append(busSpans[a.BusID], s)
			}
			if a.DriverID != "" {
				crewSpans[a.DriverID] = append(crewSpans[a.DriverID], s)
			}
			if a.ConductorID != "" {
				crewSpans[a.ConductorID] = append(crewSpans[a.ConductorID], s)
			}
			key := a.Slot.RouteID + "|" + a.Slot.DateKey
			routeDeps[key] = append(routeDeps[key], a.Slot.Departure)
		}
	}
	sortSpans := func(list []span) {
		sort.Slice(list, func(i, j int) bool { return list[i].start.Before(list[j].start) })
	}
	for id, list := range busSpans {
		sortSpans(list)
		for i := 1; i < len(list); i++ {
			assert.False(t, list[i].start.Before(list[i-1].end), "bus %s double-booked", id)
		}
	}
	maxHours := cfg.Limits.MaxDriverHours
	minRest := time.Duration(cfg.Limits.MinRestHours * float64(time.Hour))
	for id, list := range crewSpans {
		sortSpans(list)
		for i := 1; i < len(list); i++ {
			assert.False(t, list[i].start.Before(list[i-1].end), "crew %s double-booked", id)
		}
		windowHours := func(from time.Time) float64 {
			to := from.Add(24 * time.Hour)
			var total time.Duration
			for _, s := range list {
				total += overlap(s.start, s.end, from, to)
			}
			return total.Hours()
		}
		for _, s := range list {
			assert.LessOrEqual(t, windowHours(s.start), maxHours+1e-9, "crew %s over hours from %s", id, s.start)
			assert.LessOrEqual(t, windowHours(s.end.Add(-24*time.Hour)), maxHours+1e-9, "crew %s over hours before %s", id, s.end)
		}
		duties := map[string]*span{}
		var days []string
		for _, s := range list {
			d, ok := duties[s.day]
			if !ok {
				cp := s
				duties[s.day] = &cp
				days = append(days, s.day)
				continue
			}
			if s.end.After(d.end) {
				d.end = s.end
			}
		}
		sort.Strings(days)
		run := 1
		for i := 1; i < len(days); i++ {
			prev, next := duties[days[i-1]], duties[days[i]]
			assert.GreaterOrEqual(t, next.start.Sub(prev.end), minRest, "crew %s rest between %s and %s", id, prev.day, next.day)
			p, _ := time.Parse(dateLayout, days[i-1])
			n, _ := time.Parse(dateLayout, days[i])
			if n.Sub(p) == 24*time.Hour {
				run++
			} else {
				run = 1
			}
			assert.LessOrEqual(t, run, cfg.Limits.MaxConsecutiveDays, "crew %s consecutive days", id)
		}
	}
	for key, deps := range routeDeps {
		assert.LessOrEqual(t, len(deps), cfg.MaxTripsPerRoute, "route-day %s over cap", key)
		sort.Slice(deps, func(i, j int) bool { return deps[i].Before(deps[j]) })
		for i := 1; i < len(deps); i++ {
			assert.GreaterOrEqual(t, deps[i].Sub(deps[i-1]), cfg.TimeGap, "route-day %s gap", key)
		}
	}
}

func TestPlannerFillsEverySlotWithSufficientResources(t *testing.T) {
	date := day(2025, time.March, 5)
	f := newFixture(date.Add(-12 * time.Hour)).depot("d1", 2, 5, 5)
	cfg := testConfig(date, date, "d1")

	plan, err := NewPlanner(cfg, f.snapshot(), Hooks{}).Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, plan.Depots, 1)
	dp := plan.Depots[0]

	assert.Equal(t, 8, dp.TotalSlots)
	assert.Len(t, dp.Assignments, 8)
	assert.Empty(t, dp.Unscheduled)
	assertPlanInvariants(t, cfg, dp)

	byDeparture := map[time.Time]map[string]int{}
	for _, a := range dp.Assignments {
		if byDeparture[a.Slot.Departure] == nil {
			byDeparture[a.Slot.Departure] = map[string]int{}
		}
		byDeparture[a.Slot.Departure][a.BusID]++
		byDeparture[a.Slot.Departure][a.DriverID]++
		byDeparture[a.Slot.Departure][a.ConductorID]++
	}
	assert.Len(t, byDeparture, 4)
	for dep, used := range byDeparture {
		for id, n := range used {
			assert.Equal(t, 1, n, "%s used twice at %s", id, dep)
		}
	}
}

func TestPlannerMarksFatiguedCrewUnscheduled(t *testing.T) {
	date := day(2025, time.March, 5)
	f := newFixture(date.Add(-12 * time.Hour)).depot("d1", 2, 5, 5)
	cfg := testConfig(date, date, "d1")
	cfg.Fatigue.MediumThreshold = 0
	cfg.Fatigue.HighThreshold = 0

	plan, err := NewPlanner(cfg, f.snapshot(), Hooks{}).Plan(context.Background())
	require.NoError(t, err)
	dp := plan.Depots[0]

	assert.Empty(t, dp.Assignments)
	require.Len(t, dp.Unscheduled, dp.TotalSlots)
	for _, u := range dp.Unscheduled {
		assert.Equal(t, ReasonFatigueExceeded, u.Reason)
	}
}

func TestPlannerFatigueOverrideFlagsAssignments(t *testing.T) {
	date := day(2025, time.March, 5)
	f := newFixture(date.Add(-12 * time.Hour)).depot("d1", 1, 2, 2)
	cfg := testConfig(date, date, "d1")
	cfg.Fatigue.MediumThreshold = 0
	cfg.Fatigue.HighThreshold = 0
	cfg.AllowFatigueOverride = true

	plan, err := NewPlanner(cfg, f.snapshot(), Hooks{}).Plan(context.Background())
	require.NoError(t, err)
	dp := plan.Depots[0]

	require.Len(t, dp.Assignments, 4)
	for _, a := range dp.Assignments {
		assert.True(t, a.FatigueOverride)
		assert.Equal(t, RiskHigh, a.DriverFatigue.Risk)
	}
}

func TestPlannerStopsBetweenSlots(t *testing.T) {
	date := day(2025, time.March, 5)
	f := newFixture(date.Add(-12 * time.Hour)).depot("d1", 2, 5, 5)
	cfg := testConfig(date, date, "d1")

	var done int32
	hooks := Hooks{
		SlotDone:  func(string, int, int) { atomic.AddInt32(&done, 1) },
		Cancelled: func() bool { return atomic.LoadInt32(&done) >= 3 },
	}
	plan, err := NewPlanner(cfg, f.snapshot(), hooks).Plan(context.Background())
	require.NoError(t, err)
	dp := plan.Depots[0]

	assert.True(t, dp.Stopped)
	assert.Equal(t, 3, dp.Processed)
	assert.Len(t, dp.Assignments, 3)
	assert.Empty(t, dp.Unscheduled)
}

func TestPlannerReturnsContextErrorWithPartialPlan(t *testing.T) {
	date := day(2025, time.March, 5)
	f := newFixture(date.Add(-12 * time.Hour)).depot("d1", 1, 2, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dp, err := NewPlanner(testConfig(date, date, "d1"), f.snapshot(), Hooks{}).PlanDepot(ctx, "d1")
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, dp)
	assert.True(t, dp.Stopped)
	assert.Zero(t, dp.Processed)
}

func TestPlannerIsDeterministic(t *testing.T) {
	start := day(2025, time.June, 2)
	end := day(2025, time.June, 6)
	f := newFixture(start.Add(-12*time.Hour)).depot("d1", 3, 3, 3).depot("d2", 2, 4, 2)
	cfg := testConfig(start, end, "d1", "d2")

	first, err := NewPlanner(cfg, f.snapshot(), Hooks{}).Plan(context.Background())
	require.NoError(t, err)
	second, err := NewPlanner(cfg, f.snapshot(), Hooks{}).Plan(context.Background())
	require.NoError(t, err)

	require.Len(t, second.Depots, len(first.Depots))
	for i := range first.Depots {
		assert.Equal(t, first.Depots[i].Assignments, second.Depots[i].Assignments)
		assert.Equal(t, first.Depots[i].Unscheduled, second.Depots[i].Unscheduled)
	}
}

func TestPlannerHonoursDutyRulesUnderScarcity(t *testing.T) {
	start := day(2025, time.July, 7)
	end := day(2025, time.July, 13)
	f := newFixture(start.Add(-6 * time.Hour)).depot("d1", 2, 3, 3)
	for i := range f.routes {
		f.routes[i].OperatingStart = "05:00"
		f.routes[i].OperatingEnd = "23:00"
		f.routes[i].DurationMinutes = 90
	}
	f.crew[0].DutyLog = models.DutyLog{{Date: "2025-07-06", Hours: 7, DistanceKm: 180}}
	f.crew[0].RestHoursSinceLastDuty = 4
	cfg := testConfig(start, end, "d1")
	cfg.MaxTripsPerRoute = 10
	cfg.Limits = Limits{MaxDriverHours: 8, MinRestHours: 10, MaxConsecutiveDays: 3, MaxBusTripsPerDay: 5}

	plan, err := NewPlanner(cfg, f.snapshot(), Hooks{}).Plan(context.Background())
	require.NoError(t, err)
	dp := plan.Depots[0]

	assert.NotEmpty(t, dp.Assignments)
	assert.NotEmpty(t, dp.Unscheduled)
	assert.Equal(t, dp.TotalSlots, len(dp.Assignments)+len(dp.Unscheduled))
	assertPlanInvariants(t, cfg, dp)

	perBusDay := map[string]int{}
	for _, a := range dp.Assignments {
		perBusDay[a.BusID+"|"+a.Slot.DateKey]++
	}
	for key, n := range perBusDay {
		assert.LessOrEqual(t, n, 5, key)
	}
}

func TestPlannerOptimizedModeStaysValid(t *testing.T) {
	start := day(2025, time.July, 7)
	end := day(2025, time.July, 9)
	f := newFixture(start.Add(-6*time.Hour)).depot("d1", 3, 3, 3)
	cfg := testConfig(start, end, "d1")
	cfg.Limits.MaxDriverHours = 3

	auto, err := NewPlanner(cfg, f.snapshot(), Hooks{}).PlanDepot(context.Background(), "d1")
	require.NoError(t, err)

	cfg.Mode = models.RunModeOptimized
	cfg.OptimizeBudget = 200 * time.Millisecond
	optimized, err := NewPlanner(cfg, f.snapshot(), Hooks{}).PlanDepot(context.Background(), "d1")
	require.NoError(t, err)

	assert.LessOrEqual(t, len(optimized.Unscheduled), len(auto.Unscheduled))
	assert.Equal(t, optimized.TotalSlots, len(optimized.Assignments)+len(optimized.Unscheduled))
	assert.LessOrEqual(t, optimized.Optimizer.Iterations, cfg.OptimizeMaxIterations)
	assertPlanInvariants(t, cfg, optimized)
}

func TestPlannerExcludesUnavailableResources(t *testing.T) {
	date := day(2025, time.March, 5)
	f := newFixture(date.Add(-12 * time.Hour)).depot("d1", 1, 3, 3)
	f.buses[0].Status = models.BusStatusMaintenance
	f.buses[1].Status = models.BusStatusRetired
	f.crew[0].Status = models.CrewStatusSuspended
	f.crew[3].Status = models.CrewStatusResting
	cfg := testConfig(date, date, "d1")

	dp, err := NewPlanner(cfg, f.snapshot(), Hooks{}).PlanDepot(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, dp.Assignments, 4)
	for _, a := range dp.Assignments {
		assert.Equal(t, "d1-bus-03", a.BusID)
		assert.NotEqual(t, "d1-drv-01", a.DriverID)
		assert.NotEqual(t, "d1-con-02", a.ConductorID)
	}
}

func TestPlannerReasonCodes(t *testing.T) {
	date := day(2025, time.March, 5)

	cases := []struct {
		name   string
		mutate func(f *fixture)
		reason Reason
	}{
		{
			name: "no bus",
			mutate: func(f *fixture) {
				for i := range f.buses {
					f.buses[i].Status = models.BusStatusMaintenance
				}
			},
			reason: ReasonNoBus,
		},
		{
			name: "no driver",
			mutate: func(f *fixture) {
				for i := range f.crew {
					if f.crew[i].Role == models.CrewRoleDriver {
						f.crew[i].Status = models.CrewStatusSuspended
					}
				}
			},
			reason: ReasonNoDriver,
		},
		{
			name: "no conductor",
			mutate: func(f *fixture) {
				for i := range f.crew {
					if f.crew[i].Role == models.CrewRoleConductor {
						f.crew[i].Status = models.CrewStatusResting
					}
				}
			},
			reason: ReasonNoConductor,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(date.Add(-12*time.Hour)).depot("d1", 1, 2, 2)
			tc.mutate(f)
			dp, err := NewPlanner(testConfig(date, date, "d1"), f.snapshot(), Hooks{}).PlanDepot(context.Background(), "d1")
			require.NoError(t, err)
			require.Len(t, dp.Unscheduled, 4)
			for _, u := range dp.Unscheduled {
				assert.Equal(t, tc.reason, u.Reason)
			}
		})
	}
}

func TestPlannerWithoutAutoAssignmentCreatesBareTrips(t *testing.T) {
	date := day(2025, time.March, 5)
	f := newFixture(date.Add(-12 * time.Hour)).depot("d1", 1, 0, 0)
	cfg := testConfig(date, date, "d1")
	cfg.AutoAssignBuses = false
	cfg.AutoAssignCrew = false

	dp, err := NewPlanner(cfg, f.snapshot(), Hooks{}).PlanDepot(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, dp.Assignments, 4)
	for _, a := range dp.Assignments {
		assert.Empty(t, a.BusID)
		assert.Empty(t, a.DriverID)
	}
}

func TestPlannerRotationContinuityReusesPair(t *testing.T) {
	date := day(2025, time.March, 5)
	f := newFixture(date.Add(-12 * time.Hour)).depot("d1", 1, 3, 3)
	cfg := testConfig(date, date, "d1")
	cfg.RotationContinuity = true

	dp, err := NewPlanner(cfg, f.snapshot(), Hooks{}).PlanDepot(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, dp.Assignments, 4)
	for _, a := range dp.Assignments[1:] {
		assert.Equal(t, dp.Assignments[0].DriverID, a.DriverID)
		assert.Equal(t, dp.Assignments[0].ConductorID, a.ConductorID)
	}

	cfg.RotationContinuity = false
	dp, err = NewPlanner(cfg, f.snapshot(), Hooks{}).PlanDepot(context.Background(), "d1")
	require.NoError(t, err)
	assert.NotEqual(t, dp.Assignments[0].DriverID, dp.Assignments[1].DriverID)
}

func TestPlannerAdoptsTripsAlreadyOnRecord(t *testing.T) {
	date := day(2025, time.March, 5)
	f := newFixture(date.Add(-12 * time.Hour)).depot("d1", 2, 5, 5)
	cfg := testConfig(date, date, "d1")

	first, err := NewPlanner(cfg, f.snapshot(), Hooks{}).PlanDepot(context.Background(), "d1")
	require.NoError(t, err)
	for i, a := range first.Assignments {
		bus, drv, con := a.BusID, a.DriverID, a.ConductorID
		f.trips = append(f.trips, models.Trip{
			ID:            fmt.Sprintf("trip-%d", i),
			RouteID:       a.Slot.RouteID,
			DepotID:       "d1",
			ServiceDate:   a.Slot.Date,
			DepartureTime: a.Slot.Departure,
			ArrivalTime:   a.Slot.Arrival,
			BusID:         &bus,
			DriverID:      &drv,
			ConductorID:   &con,
			Status:        models.TripStatusScheduled,
		})
	}
	f.trips[0].Status = models.TripStatusCompleted

	second, err := NewPlanner(cfg, f.snapshot(), Hooks{}).PlanDepot(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, second.Assignments, 8)
	assert.Empty(t, createdOf(second))
	for _, a := range second.Assignments {
		assert.True(t, a.Existing)
		assert.NotEmpty(t, a.TripID)
	}
}

func TestPlannerDoesNotAdoptCancelledTrips(t *testing.T) {
	date := day(2025, time.March, 5)
	f := newFixture(date.Add(-12 * time.Hour)).depot("d1", 2, 5, 5)
	cfg := testConfig(date, date, "d1")

	first, err := NewPlanner(cfg, f.snapshot(), Hooks{}).PlanDepot(context.Background(), "d1")
	require.NoError(t, err)
	for i, a := range first.Assignments {
		bus, drv, con := a.BusID, a.DriverID, a.ConductorID
		f.trips = append(f.trips, models.Trip{
			ID:            fmt.Sprintf("trip-%d", i),
			RouteID:       a.Slot.RouteID,
			DepotID:       "d1",
			ServiceDate:   a.Slot.Date,
			DepartureTime: a.Slot.Departure,
			ArrivalTime:   a.Slot.Arrival,
			BusID:         &bus,
			DriverID:      &drv,
			ConductorID:   &con,
			Status:        models.TripStatusScheduled,
		})
	}
	f.trips[0].Status = models.TripStatusCancelled
	cancelledAt := f.trips[0].DepartureTime

	for _, mode := range []models.RunMode{models.RunModeAuto, models.RunModeOptimized} {
		t.Run(string(mode), func(t *testing.T) {
			cfg.Mode = mode
			second, err := NewPlanner(cfg, f.snapshot(), Hooks{}).PlanDepot(context.Background(), "d1")
			require.NoError(t, err)

			assert.Len(t, second.Assignments, 7)
			for _, a := range second.Assignments {
				assert.True(t, a.Existing)
				assert.False(t, a.Slot.Departure.Equal(cancelledAt))
			}
			require.Len(t, second.Unscheduled, 1)
			assert.Equal(t, ReasonCancelledTrip, second.Unscheduled[0].Reason)
			assert.True(t, second.Unscheduled[0].Slot.Departure.Equal(cancelledAt))
		})
	}
}

func TestDepotPlanRetryMovesOffStaleBus(t *testing.T) {
	date := day(2025, time.March, 5)
	f := newFixture(date.Add(-12 * time.Hour)).depot("d1", 1, 2, 2)
	cfg := testConfig(date, date, "d1")

	dp, err := NewPlanner(cfg, f.snapshot(), Hooks{}).PlanDepot(context.Background(), "d1")
	require.NoError(t, err)

	var stale []Assignment
	for _, a := range dp.Assignments {
		if a.BusID == "d1-bus-01" {
			stale = append(stale, a)
		}
	}
	require.NotEmpty(t, stale)

	fresh := f.buses[0]
	fresh.Status = models.BusStatusMaintenance
	fresh.Version = 2
	retried, failed := dp.Retry(stale, []models.Bus{fresh}, nil)

	assert.Empty(t, failed)
	require.Len(t, retried, len(stale))
	for _, a := range retried {
		assert.Equal(t, "d1-bus-02", a.BusID)
	}
	bus, ok := dp.Bus("d1-bus-01")
	require.True(t, ok)
	assert.Equal(t, int64(2), bus.Version)
	assert.Len(t, dp.Assignments, 4)
	assertPlanInvariants(t, cfg, dp)
}

func TestPlannerEstimateSlots(t *testing.T) {
	start := day(2025, time.March, 3)
	end := day(2025, time.March, 4)
	f := newFixture(start).depot("d1", 3, 1, 1)
	p := NewPlanner(testConfig(start, end, "d1"), f.snapshot(), Hooks{})

	n, err := p.EstimateSlots("d1")
	require.NoError(t, err)
	assert.Equal(t, 24, n)

	_, err = p.EstimateSlots("missing")
	require.Error(t, err)
}
