package scheduler

import (
	"context"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

// objective is compared lexicographically: unscheduled slots first, then the
// priority-specific secondary term. Lower is better on both.
type objective struct {
	unscheduled int
	secondary   float64
}

func (o objective) better(than objective) bool {
	if o.unscheduled != than.unscheduled {
		return o.unscheduled < than.unscheduled
	}
	return o.secondary < than.secondary-1e-9
}

type swapKind int

const (
	swapDriver swapKind = iota
	swapConductor
	swapBus
)

// optimize runs a bounded local search over the greedy plan. Each move swaps one resource
// between chronologically adjacent assignments, revalidates the whole depot and then tries
// to fill the remaining unscheduled slots. A move is kept only if the objective improves.
func (p *Planner) optimize(ctx context.Context, plan *DepotPlan) {
	s := plan.state
	started := time.Now()
	deadline := started.Add(p.cfg.OptimizeBudget)
	maxIter := p.cfg.OptimizeMaxIterations

	current := s.objective(plan.Assignments, len(plan.Unscheduled), p.cfg.Priority)
	stats := &plan.Optimizer
	defer func() { stats.DurationMs = time.Since(started).Milliseconds() }()

	for improved := true; improved; {
		improved = false
		created := createdAssignments(plan.Assignments)
		for i := 0; i+1 < len(created); i++ {
			for _, kind := range []swapKind{swapDriver, swapConductor, swapBus} {
				if ctx.Err() != nil || time.Now().After(deadline) || (maxIter > 0 && stats.Iterations >= maxIter) {
					return
				}
				candidate, ok := swapped(created, i, kind)
				if !ok {
					continue
				}
				stats.Iterations++
				ledger, validated, ok := s.rebuild(candidate)
				if !ok {
					continue
				}
				filled, remaining := s.refill(ledger, plan.Unscheduled)
				next := append(existingAssignments(plan.Assignments), append(validated, filled...)...)
				score := s.objective(next, len(remaining), p.cfg.Priority)
				if !score.better(current) {
					continue
				}
				current = score
				s.ledger = ledger
				plan.Assignments = next
				plan.Unscheduled = remaining
				stats.Improvements++
				improved = true
				created = createdAssignments(plan.Assignments)
			}
		}
	}
}

// swapped returns a copy of list with the chosen resource exchanged between i and i+1.
func swapped(list []Assignment, i int, kind swapKind) ([]Assignment, bool) {
	a, b := list[i], list[i+1]
	switch kind {
	case swapDriver:
		if a.DriverID == "" || b.DriverID == "" || a.DriverID == b.DriverID {
			return nil, false
		}
		a.DriverID, b.DriverID = b.DriverID, a.DriverID
	case swapConductor:
		if a.ConductorID == "" || b.ConductorID == "" || a.ConductorID == b.ConductorID {
			return nil, false
		}
		a.ConductorID, b.ConductorID = b.ConductorID, a.ConductorID
	case swapBus:
		if a.BusID == "" || b.BusID == "" || a.BusID == b.BusID {
			return nil, false
		}
		a.BusID, b.BusID = b.BusID, a.BusID
	}
	out := append([]Assignment(nil), list...)
	out[i], out[i+1] = a, b
	return out, true
}

// rebuild replays created assignments in departure order over the seeded ledger,
// rejecting the set if any assignment breaks a hard rule or an unallowed fatigue risk.
func (s *depotState) rebuild(created []Assignment) (*Ledger, []Assignment, bool) {
	l := s.base.clone()
	res := s.resolver(l)
	ordered := append([]Assignment(nil), created...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Slot.Departure.Equal(ordered[j].Slot.Departure) {
			return ordered[i].Slot.Departure.Before(ordered[j].Slot.Departure)
		}
		return slotLess(ordered[i].Slot, ordered[j].Slot)
	})
	for i := range ordered {
		a := &ordered[i]
		if a.BusID != "" {
			bus, ok := findBus(s.buses, a.BusID)
			if !ok || !res.busEligible(bus, a.Slot, s.cfg.BusCapacityHint) {
				return nil, nil, false
			}
		}
		a.FatigueOverride = false
		if a.DriverID != "" {
			score, ok := s.checkCrew(res, s.drivers, a.DriverID, a.Slot)
			if !ok {
				return nil, nil, false
			}
			a.DriverFatigue = score
			a.FatigueOverride = score.Risk == RiskHigh
		}
		if a.ConductorID != "" {
			score, ok := s.checkCrew(res, s.conductors, a.ConductorID, a.Slot)
			if !ok {
				return nil, nil, false
			}
			a.ConductorFatigue = score
			a.FatigueOverride = a.FatigueOverride || score.Risk == RiskHigh
		}
		s.reserve(l, *a)
	}
	return l, ordered, true
}

func (s *depotState) checkCrew(res *Resolver, pool []models.CrewMember, id string, slot Slot) (FatigueScore, bool) {
	for i := range pool {
		if pool[i].ID != id {
			continue
		}
		score, verdict := res.crewEligibility(&pool[i], slot)
		return score, verdict == crewEligible
	}
	return FatigueScore{}, false
}

// refill tries every unscheduled slot again against l, reserving what fits.
func (s *depotState) refill(l *Ledger, unscheduled []UnscheduledSlot) ([]Assignment, []UnscheduledSlot) {
	var (
		filled    []Assignment
		remaining []UnscheduledSlot
	)
	for _, u := range unscheduled {
		if u.Reason == ReasonCancelledTrip {
			remaining = append(remaining, u)
			continue
		}
		a, reason, ok := s.selectFor(u.Slot, l)
		if !ok {
			remaining = append(remaining, UnscheduledSlot{Slot: u.Slot, Reason: reason})
			continue
		}
		s.reserve(l, a)
		filled = append(filled, a)
	}
	return filled, remaining
}

// objective scores a full depot assignment set for priority.
func (s *depotState) objective(assignments []Assignment, unscheduled int, priority models.RunPriority) objective {
	o := objective{unscheduled: unscheduled}
	switch priority {
	case models.RunPriorityBalanced:
		o.secondary = s.hoursVariance(assignments)
	case models.RunPriorityEfficiency:
		buses := make(map[string]struct{})
		for _, a := range assignments {
			if a.BusID != "" {
				buses[a.BusID] = struct{}{}
			}
		}
		o.secondary = float64(len(buses))
	}
	return o
}

// hoursVariance is the variance of planned hours across every crew member of the depot,
// including members with no trips.
func (s *depotState) hoursVariance(assignments []Assignment) float64 {
	hours := make(map[string]float64, len(s.drivers)+len(s.conductors))
	for _, m := range s.drivers {
		hours[m.ID] = 0
	}
	for _, m := range s.conductors {
		hours[m.ID] = 0
	}
	for _, a := range assignments {
		h := a.Slot.Arrival.Sub(a.Slot.Departure).Hours()
		if a.DriverID != "" {
			hours[a.DriverID] += h
		}
		if a.ConductorID != "" {
			hours[a.ConductorID] += h
		}
	}
	if len(hours) < 2 {
		return 0
	}
	ids := make([]string, 0, len(hours))
	for id := range hours {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	values := make([]float64, len(ids))
	for i, id := range ids {
		values[i] = hours[id]
	}
	return stat.Variance(values, nil)
}

// MeanFatigue averages the fatigue scores attached to created assignments.
func MeanFatigue(assignments []Assignment) float64 {
	var scores []float64
	for _, a := range assignments {
		if a.Existing {
			continue
		}
		if a.DriverID != "" {
			scores = append(scores, a.DriverFatigue.Score)
		}
		if a.ConductorID != "" {
			scores = append(scores, a.ConductorFatigue.Score)
		}
	}
	if len(scores) == 0 {
		return 0
	}
	return stat.Mean(scores, nil)
}

func createdAssignments(list []Assignment) []Assignment {
	out := make([]Assignment, 0, len(list))
	for _, a := range list {
		if !a.Existing {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Slot.Departure.Equal(out[j].Slot.Departure) {
			return out[i].Slot.Departure.Before(out[j].Slot.Departure)
		}
		return slotLess(out[i].Slot, out[j].Slot)
	})
	return out
}

func existingAssignments(list []Assignment) []Assignment {
	var out []Assignment
	for _, a := range list {
		if a.Existing {
			out = append(out, a)
		}
	}
	return out
}

func findBus(buses []models.Bus, id string) (*models.Bus, bool) {
	for i := range buses {
		if buses[i].ID == id {
			return &buses[i], true
		}
	}
	return nil, false
}
