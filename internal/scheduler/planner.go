package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

// Reason explains why a slot stayed unscheduled.
type Reason string

const (
	ReasonNoBus           Reason = "no_bus"
	ReasonNoDriver        Reason = "no_driver"
	ReasonNoConductor     Reason = "no_conductor"
	ReasonFatigueExceeded Reason = "fatigue_exceeded"
	// ReasonCancelledTrip marks a slot whose departure is held by a cancelled trip. The
	// trip key is taken and cancelled trips are never rewritten.
	ReasonCancelledTrip Reason = "cancelled_trip"
)

// Assignment binds a slot to a bus and a crew pair. Existing assignments are trips
// already on record that the plan adopts instead of creating.
type Assignment struct {
	Slot             Slot
	Existing         bool
	TripID           string
	BusID            string
	DriverID         string
	ConductorID      string
	DriverFatigue    FatigueScore
	ConductorFatigue FatigueScore
	FatigueOverride  bool
}

// UnscheduledSlot is a slot the planner could not fill.
type UnscheduledSlot struct {
	Slot   Slot
	Reason Reason
}

// DepotPlan is the outcome of planning one depot.
type DepotPlan struct {
	DepotID     string
	Assignments []Assignment
	Unscheduled []UnscheduledSlot
	TotalSlots  int
	Processed   int
	Stopped     bool
	Warnings    []string
	Optimizer   models.OptimizerStats

	state *depotState
}

// Plan is the outcome of planning every depot of a run, in requested depot order.
type Plan struct {
	Depots []*DepotPlan
}

// Hooks lets the caller observe and cancel planning. Every hook is optional and may be
// called from several depot goroutines at once.
type Hooks struct {
	// Cancelled is polled before each slot.
	Cancelled func() bool
	// SlotDone fires after each slot is filled or marked unscheduled.
	SlotDone func(depotID string, processed, total int)
	// Activity receives human-readable progress notes.
	Activity func(depotID, message string)
}

// Planner expands routes into slots and greedily binds each slot to a bus and crew pair.
type Planner struct {
	cfg   Config
	snap  *Snapshot
	hooks Hooks
}

// NewPlanner builds a planner over a frozen snapshot.
func NewPlanner(cfg Config, snap *Snapshot, hooks Hooks) *Planner {
	return &Planner{cfg: cfg, snap: snap, hooks: hooks}
}

// Plan plans every configured depot, running up to DepotConcurrency depots at once.
// Depot pools are disjoint, so depots never share reservations. Plans gathered before an
// error are still returned.
func (p *Planner) Plan(ctx context.Context) (*Plan, error) {
	workers := p.cfg.DepotConcurrency
	if workers <= 0 {
		workers = 1
	}
	plans := make([]*DepotPlan, len(p.cfg.Depots))
	errs := make([]error, len(p.cfg.Depots))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, depotID := range p.cfg.Depots {
		wg.Add(1)
		go func(i int, depotID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			plans[i], errs[i] = p.PlanDepot(ctx, depotID)
		}(i, depotID)
	}
	wg.Wait()

	out := &Plan{}
	var firstErr error
	for i, dp := range plans {
		if dp != nil {
			out.Depots = append(out.Depots, dp)
		}
		if errs[i] != nil && firstErr == nil {
			firstErr = errs[i]
		}
	}
	return out, firstErr
}

// PlanDepot runs the greedy pass for one depot, then the local search in optimized mode.
// A cancellation observed between slots ends the pass with Stopped set; the slots filled
// so far stay in the plan.
func (p *Planner) PlanDepot(ctx context.Context, depotID string) (*DepotPlan, error) {
	inv, ok := p.snap.Depot(depotID)
	if !ok {
		return nil, fmt.Errorf("depot %s not in snapshot", depotID)
	}
	state := newDepotState(&p.cfg, inv, p.snap.TakenAt)
	plan := &DepotPlan{DepotID: depotID, state: state}

	slots, warnings := p.expand(depotID, inv)
	plan.Warnings = warnings
	plan.TotalSlots = len(slots)
	p.activity(depotID, fmt.Sprintf("planning %d slots over %d routes", len(slots), len(inv.ActiveRoutes())))

	for _, slot := range slots {
		if err := ctx.Err(); err != nil {
			plan.Stopped = true
			return plan, err
		}
		if p.hooks.Cancelled != nil && p.hooks.Cancelled() {
			plan.Stopped = true
			p.activity(depotID, fmt.Sprintf("stop observed after %d of %d slots", plan.Processed, plan.TotalSlots))
			break
		}
		if a, ok := state.adopt(slot); ok {
			plan.Assignments = append(plan.Assignments, a)
		} else if state.heldByCancelled(slot) {
			plan.Unscheduled = append(plan.Unscheduled, UnscheduledSlot{Slot: slot, Reason: ReasonCancelledTrip})
		} else if a, reason, ok := state.assign(slot); ok {
			plan.Assignments = append(plan.Assignments, a)
		} else {
			plan.Unscheduled = append(plan.Unscheduled, UnscheduledSlot{Slot: slot, Reason: reason})
		}
		plan.Processed++
		if p.hooks.SlotDone != nil {
			p.hooks.SlotDone(depotID, plan.Processed, plan.TotalSlots)
		}
	}

	if p.cfg.Mode == models.RunModeOptimized && !plan.Stopped {
		p.optimize(ctx, plan)
	}
	return plan, nil
}

// EstimateSlots counts the slots a depot would get without assigning anything.
func (p *Planner) EstimateSlots(depotID string) (int, error) {
	inv, ok := p.snap.Depot(depotID)
	if !ok {
		return 0, fmt.Errorf("depot %s not in snapshot", depotID)
	}
	total := 0
	for _, date := range p.cfg.Dates() {
		for _, route := range inv.ActiveRoutes() {
			n, err := SlotCount(route, date, &p.cfg)
			if err != nil {
				continue
			}
			total += n
		}
	}
	return total, nil
}

// expand lists the depot's slots in processing order: service date, route number, departure.
func (p *Planner) expand(depotID string, inv *DepotInventory) ([]Slot, []string) {
	var (
		slots    []Slot
		warnings []string
		skipped  = make(map[string]bool)
	)
	routes := inv.ActiveRoutes()
	for _, date := range p.cfg.Dates() {
		for _, route := range routes {
			if skipped[route.ID] {
				continue
			}
			built, err := BuildSlots(depotID, route, date, &p.cfg)
			if err != nil {
				skipped[route.ID] = true
				warnings = append(warnings, fmt.Sprintf("route %s skipped: %v", route.RouteNumber, err))
				continue
			}
			slots = append(slots, built...)
		}
	}
	return slots, warnings
}

func (p *Planner) activity(depotID, msg string) {
	if p.hooks.Activity != nil {
		p.hooks.Activity(depotID, msg)
	}
}

// depotState is the mutable planning state of one depot.
type depotState struct {
	cfg        *Config
	inv        *DepotInventory
	buses      []models.Bus
	drivers    []models.CrewMember
	conductors []models.CrewMember
	base       *Ledger
	ledger     *Ledger
	scorer     *FatigueScorer
	existing   map[string][]models.Trip
	adopted    map[string]bool
}

func newDepotState(cfg *Config, inv *DepotInventory, takenAt time.Time) *depotState {
	s := &depotState{
		cfg:      cfg,
		inv:      inv,
		buses:    append([]models.Bus(nil), inv.Buses...),
		scorer:   NewFatigueScorer(cfg.Fatigue, cfg.Limits.MaxDriverHours, takenAt),
		existing: make(map[string][]models.Trip),
		adopted:  make(map[string]bool),
	}
	for _, m := range inv.Crew {
		switch m.Role {
		case models.CrewRoleDriver:
			s.drivers = append(s.drivers, m)
		case models.CrewRoleConductor:
			s.conductors = append(s.conductors, m)
		}
	}
	for _, t := range inv.Trips {
		key := t.RouteID + "|" + t.ServiceDate.Format(dateLayout)
		s.existing[key] = append(s.existing[key], t)
	}
	s.base = seedLedger(inv, takenAt)
	s.ledger = s.base.clone()
	return s
}

func (s *depotState) resolver(l *Ledger) *Resolver {
	return &Resolver{
		buses:         s.buses,
		drivers:       s.drivers,
		conductors:    s.conductors,
		ledger:        l,
		scorer:        s.scorer,
		limits:        s.cfg.Limits,
		allowOverride: s.cfg.AllowFatigueOverride,
	}
}

// adopt claims a trip already on record for slot: the exact departure first, otherwise the
// nearest unclaimed trip of the same route and day closer than the route gap. Cancelled
// trips run no service and are never adopted. Adopted trips are never rewritten. Their
// resources were seeded into the ledger.
func (s *depotState) adopt(slot Slot) (Assignment, bool) {
	trips := s.existing[slot.RouteID+"|"+slot.DateKey]
	if len(trips) == 0 {
		return Assignment{}, false
	}
	best := -1
	var bestDiff time.Duration
	for i, t := range trips {
		if s.adopted[t.ID] || !t.OccupiesResources() {
			continue
		}
		diff := t.DepartureTime.Sub(slot.Departure)
		if diff < 0 {
			diff = -diff
		}
		if diff != 0 && diff >= s.cfg.TimeGap {
			continue
		}
		if best == -1 || diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	if best == -1 {
		return Assignment{}, false
	}
	t := trips[best]
	s.adopted[t.ID] = true
	return Assignment{
		Slot:            slot,
		Existing:        true,
		TripID:          t.ID,
		BusID:           deref(t.BusID),
		DriverID:        deref(t.DriverID),
		ConductorID:     deref(t.ConductorID),
		FatigueOverride: t.FatigueOverride,
	}, true
}

// heldByCancelled reports whether a cancelled trip sits on the slot's exact departure.
func (s *depotState) heldByCancelled(slot Slot) bool {
	for _, t := range s.existing[slot.RouteID+"|"+slot.DateKey] {
		if !t.OccupiesResources() && t.DepartureTime.Equal(slot.Departure) {
			return true
		}
	}
	return false
}

// assign selects resources for slot against the live ledger and reserves them.
func (s *depotState) assign(slot Slot) (Assignment, Reason, bool) {
	a, reason, ok := s.selectFor(slot, s.ledger)
	if ok {
		s.reserve(s.ledger, a)
	}
	return a, reason, ok
}

// selectFor picks the least-used bus and the lowest-fatigue crew pair for slot.
func (s *depotState) selectFor(slot Slot, l *Ledger) (Assignment, Reason, bool) {
	cands := s.resolver(l).Available(slot, s.cfg.BusCapacityHint)
	a := Assignment{Slot: slot}

	if s.cfg.AutoAssignBuses {
		if len(cands.Buses) == 0 {
			return a, ReasonNoBus, false
		}
		best := cands.Buses[0]
		for _, b := range cands.Buses[1:] {
			if l.busTripsOn(b.ID, slot.DateKey) < l.busTripsOn(best.ID, slot.DateKey) {
				best = b
			}
		}
		a.BusID = best.ID
	}

	if s.cfg.AutoAssignCrew {
		if len(cands.Drivers) == 0 {
			if cands.FatigueBlockedDrivers > 0 {
				return a, ReasonFatigueExceeded, false
			}
			return a, ReasonNoDriver, false
		}
		if len(cands.Conductors) == 0 {
			if cands.FatigueBlockedConductors > 0 {
				return a, ReasonFatigueExceeded, false
			}
			return a, ReasonNoConductor, false
		}
		pair, havePair := crewPair{}, false
		if s.cfg.RotationContinuity {
			pair, havePair = l.pair(slot.RouteID, slot.DateKey)
		}
		driver := pickCrew(cands.Drivers, pair.driver, havePair)
		conductor := pickCrew(cands.Conductors, pair.conductor, havePair)
		a.DriverID, a.DriverFatigue = driver.Member.ID, driver.Fatigue
		a.ConductorID, a.ConductorFatigue = conductor.Member.ID, conductor.Fatigue
		a.FatigueOverride = driver.Fatigue.Risk == RiskHigh || conductor.Fatigue.Risk == RiskHigh
	}
	return a, "", true
}

// pickCrew returns the ranked head, or the preferred member when continuity applies and
// the member is not high risk.
func pickCrew(ranked []CrewCandidate, preferred string, prefer bool) CrewCandidate {
	if prefer && preferred != "" {
		for _, c := range ranked {
			if c.Member.ID == preferred && c.Fatigue.Risk != RiskHigh {
				return c
			}
		}
	}
	return ranked[0]
}

func (s *depotState) reserve(l *Ledger, a Assignment) {
	iv := interval{
		key:      a.Slot.Key(),
		day:      a.Slot.DateKey,
		start:    a.Slot.Departure,
		end:      a.Slot.Arrival,
		distance: a.Slot.DistanceKm,
	}
	if a.BusID != "" {
		l.reserveBus(a.BusID, iv)
	}
	if a.DriverID != "" {
		l.reserveCrew(a.DriverID, iv)
	}
	if a.ConductorID != "" {
		l.reserveCrew(a.ConductorID, iv)
	}
	if a.DriverID != "" && a.ConductorID != "" {
		l.notePair(a.Slot.RouteID, a.Slot.DateKey, a.DriverID, a.ConductorID)
	}
}

func (s *depotState) release(l *Ledger, a Assignment) {
	key := a.Slot.Key()
	if a.BusID != "" {
		l.releaseBus(a.BusID, key)
	}
	if a.DriverID != "" {
		l.releaseCrew(a.DriverID, key)
	}
	if a.ConductorID != "" {
		l.releaseCrew(a.ConductorID, key)
	}
}

// refresh replaces inventory rows with their current versions.
func (s *depotState) refresh(buses []models.Bus, crew []models.CrewMember) {
	freshBus := make(map[string]models.Bus, len(buses))
	for _, b := range buses {
		freshBus[b.ID] = b
	}
	for i := range s.buses {
		if b, ok := freshBus[s.buses[i].ID]; ok {
			s.buses[i] = b
		}
	}
	freshCrew := make(map[string]models.CrewMember, len(crew))
	for _, m := range crew {
		freshCrew[m.ID] = m
	}
	for _, pool := range [][]models.CrewMember{s.drivers, s.conductors} {
		for i := range pool {
			if m, ok := freshCrew[pool[i].ID]; ok {
				pool[i] = m
			}
		}
	}
}

// Bus returns the bus row the plan currently holds for id.
func (d *DepotPlan) Bus(id string) (models.Bus, bool) {
	for _, b := range d.state.buses {
		if b.ID == id {
			return b, true
		}
	}
	return models.Bus{}, false
}

// Crew returns the crew row the plan currently holds for id.
func (d *DepotPlan) Crew(id string) (models.CrewMember, bool) {
	for _, pool := range [][]models.CrewMember{d.state.drivers, d.state.conductors} {
		for _, m := range pool {
			if m.ID == id {
				return m, true
			}
		}
	}
	return models.CrewMember{}, false
}

// Retry applies refreshed resource rows, releases the stale assignments and refills
// each of their slots once against the updated availability.
func (d *DepotPlan) Retry(stale []Assignment, buses []models.Bus, crew []models.CrewMember) ([]Assignment, []UnscheduledSlot) {
	s := d.state
	s.refresh(buses, crew)
	staleKeys := make(map[string]bool, len(stale))
	for _, a := range stale {
		staleKeys[a.Slot.Key()] = true
		s.release(s.ledger, a)
	}
	kept := d.Assignments[:0]
	for _, a := range d.Assignments {
		if a.Existing || !staleKeys[a.Slot.Key()] {
			kept = append(kept, a)
		}
	}
	d.Assignments = kept

	ordered := append([]Assignment(nil), stale...)
	sort.SliceStable(ordered, func(i, j int) bool { return slotLess(ordered[i].Slot, ordered[j].Slot) })
	var (
		retried []Assignment
		failed  []UnscheduledSlot
	)
	for _, a := range ordered {
		next, reason, ok := s.assign(a.Slot)
		if !ok {
			failed = append(failed, UnscheduledSlot{Slot: a.Slot, Reason: reason})
			continue
		}
		retried = append(retried, next)
	}
	d.Assignments = append(d.Assignments, retried...)
	d.Unscheduled = append(d.Unscheduled, failed...)
	return retried, failed
}

// slotLess is the processing order of slots within a depot.
func slotLess(a, b Slot) bool {
	if a.DateKey != b.DateKey {
		return a.DateKey < b.DateKey
	}
	if a.RouteNumber != b.RouteNumber {
		return routeNumberLess(a.RouteNumber, b.RouteNumber)
	}
	if a.RouteID != b.RouteID {
		return a.RouteID < b.RouteID
	}
	return a.Departure.Before(b.Departure)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
