package scheduler

import (
	"sort"
	"time"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

// CrewCandidate is an eligible crew member with the score used to rank it.
type CrewCandidate struct {
	Member  *models.CrewMember
	Fatigue FatigueScore
}

// Candidates is the availability of one slot. Drivers and conductors are resolved
// independently and ranked by fatigue, then id.
type Candidates struct {
	Buses      []*models.Bus
	Drivers    []CrewCandidate
	Conductors []CrewCandidate
	// FatigueBlocked* count members who passed every hard rule but were held back as high risk.
	FatigueBlockedDrivers    int
	FatigueBlockedConductors int
}

// Resolver answers availability queries against the frozen inventory plus the ledger.
// It never mutates either.
type Resolver struct {
	buses         []models.Bus
	drivers       []models.CrewMember
	conductors    []models.CrewMember
	ledger        *Ledger
	scorer        *FatigueScorer
	limits        Limits
	allowOverride bool
}

// crewVerdict explains why a member can or cannot take a slot.
type crewVerdict int

const (
	crewEligible crewVerdict = iota
	crewFatigued
	crewBlocked
)

// Available returns the buses and crew free for slot. Buses below capacityHint or the
// route's minimum capacity are skipped.
func (r *Resolver) Available(slot Slot, capacityHint int) Candidates {
	var out Candidates
	for i := range r.buses {
		if r.busEligible(&r.buses[i], slot, capacityHint) {
			out.Buses = append(out.Buses, &r.buses[i])
		}
	}
	out.Drivers, out.FatigueBlockedDrivers = r.rankCrew(r.drivers, slot)
	out.Conductors, out.FatigueBlockedConductors = r.rankCrew(r.conductors, slot)
	return out
}

func (r *Resolver) rankCrew(pool []models.CrewMember, slot Slot) ([]CrewCandidate, int) {
	var (
		ranked  []CrewCandidate
		blocked int
	)
	for i := range pool {
		score, verdict := r.crewEligibility(&pool[i], slot)
		switch verdict {
		case crewEligible:
			ranked = append(ranked, CrewCandidate{Member: &pool[i], Fatigue: score})
		case crewFatigued:
			blocked++
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Fatigue.Score != ranked[j].Fatigue.Score {
			return ranked[i].Fatigue.Score < ranked[j].Fatigue.Score
		}
		return ranked[i].Member.ID < ranked[j].Member.ID
	})
	return ranked, blocked
}

func (r *Resolver) busEligible(bus *models.Bus, slot Slot, capacityHint int) bool {
	if !bus.Schedulable() {
		return false
	}
	need := slot.MinCapacity
	if capacityHint > need {
		need = capacityHint
	}
	if bus.Capacity < need {
		return false
	}
	if r.limits.MaxBusTripsPerDay > 0 && r.ledger.busTripsOn(bus.ID, slot.DateKey) >= r.limits.MaxBusTripsPerDay {
		return false
	}
	return r.ledger.busFree(bus.ID, slot.Departure, slot.Arrival)
}

// crewEligibility applies the hard duty rules, then fatigue.
func (r *Resolver) crewEligibility(m *models.CrewMember, slot Slot) (FatigueScore, crewVerdict) {
	if !m.Schedulable() {
		return FatigueScore{}, crewBlocked
	}
	if !r.ledger.crewFree(m.ID, slot.Departure, slot.Arrival) {
		return FatigueScore{}, crewBlocked
	}
	cand := interval{day: slot.DateKey, start: slot.Departure, end: slot.Arrival, distance: slot.DistanceKm}
	if r.ledger.maxRollingHours(m.ID, cand) > r.limits.MaxDriverHours+1e-9 {
		return FatigueScore{}, crewBlocked
	}
	minRest := time.Duration(r.limits.MinRestHours * float64(time.Hour))
	if !r.ledger.restHolds(m.ID, cand, minRest) {
		return FatigueScore{}, crewBlocked
	}
	if r.limits.MaxConsecutiveDays > 0 && r.ledger.consecutiveDays(m.ID, slot.DateKey) > r.limits.MaxConsecutiveDays {
		return FatigueScore{}, crewBlocked
	}
	score := r.scorer.Score(*m, r.ledger, slot.Departure)
	if score.Risk == RiskHigh && !r.allowOverride {
		return score, crewFatigued
	}
	return score, crewEligible
}
