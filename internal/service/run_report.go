package service

import (
	"fmt"
	"math"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
	"github.com/noah-isme/fleet-scheduler-api/internal/scheduler"
	appErrors "github.com/noah-isme/fleet-scheduler-api/pkg/errors"
)

const (
	maxReportWarnings = 500

	// reasonStaleResource marks slots whose resources kept changing during commit.
	reasonStaleResource = "stale_resource"
	// reasonNotWritten marks planned slots left unwritten when a commit aborted.
	reasonNotWritten = "not_written"
)

// reportInput is everything a run produced. commits is nil when nothing was written.
type reportInput struct {
	mode    models.RunMode
	snap    *scheduler.Snapshot
	plan    *scheduler.Plan
	commits map[string]*CommitResult
	errors  []models.RunMessage
}

type reportBuilder struct {
	report *models.RunReport
}

func (b *reportBuilder) warn(msg models.RunMessage) {
	if len(b.report.Warnings) >= maxReportWarnings {
		b.report.WarningsTruncated++
		return
	}
	b.report.Warnings = append(b.report.Warnings, msg)
}

// buildRunReport aggregates plans and commit outcomes into the final report. Manual runs
// write nothing, so their assigned counts are estimates and tripsCreated stays zero. For
// other modes only committed slots count as assigned; a depot without a commit result
// never reached the store.
func buildRunReport(in reportInput) *models.RunReport {
	b := &reportBuilder{report: &models.RunReport{
		Warnings:         []models.RunMessage{},
		Errors:           append([]models.RunMessage{}, in.errors...),
		Depots:           []models.DepotReport{},
		FatigueOverrides: []models.FatigueOverride{},
	}}
	r := b.report
	if in.plan == nil {
		r.SuccessRate = 100
		return r
	}

	buses := make(map[string]bool)
	drivers := make(map[string]bool)
	conductors := make(map[string]bool)
	var created []scheduler.Assignment
	var optimizer models.OptimizerStats
	filled := 0

	for _, dp := range in.plan.Depots {
		dr := models.DepotReport{
			DepotID:             dp.DepotID,
			TotalSlots:          dp.TotalSlots,
			UnscheduledByReason: map[string]int{},
			Stopped:             dp.Stopped,
		}
		if in.snap != nil {
			if inv, ok := in.snap.Depot(dp.DepotID); ok {
				dr.DepotCode = inv.Depot.Code
			}
		}
		commit := in.commits[dp.DepotID]
		dropped := make(map[string]bool)
		unwritten := make(map[string]bool)
		uncommitted := in.mode != models.RunModeManual && commit == nil
		if commit != nil {
			dr.TripsCreated = commit.Written
			dr.StaleRetried = commit.Retried
			for _, a := range commit.Dropped {
				dropped[a.Slot.Key()] = true
			}
			for _, a := range commit.Unwritten {
				unwritten[a.Slot.Key()] = true
			}
		}

		depotBuses := make(map[string]bool)
		depotDrivers := make(map[string]bool)
		depotConductors := make(map[string]bool)
		for _, a := range dp.Assignments {
			if dropped[a.Slot.Key()] {
				continue
			}
			if a.Existing {
				dr.ExistingTrips++
				continue
			}
			if uncommitted || unwritten[a.Slot.Key()] {
				dr.UnscheduledSlots++
				dr.UnscheduledByReason[reasonNotWritten]++
				continue
			}
			dr.AssignedSlots++
			created = append(created, a)
			if a.BusID != "" {
				depotBuses[a.BusID] = true
				buses[a.BusID] = true
			}
			if a.DriverID != "" {
				depotDrivers[a.DriverID] = true
				drivers[a.DriverID] = true
			}
			if a.ConductorID != "" {
				depotConductors[a.ConductorID] = true
				conductors[a.ConductorID] = true
			}
			if a.FatigueOverride {
				r.FatigueOverrides = append(r.FatigueOverrides, overridesOf(a)...)
			}
		}
		dr.BusesAssigned = len(depotBuses)
		dr.DriversAssigned = len(depotDrivers)
		dr.ConductorsAssigned = len(depotConductors)

		for _, u := range dp.Unscheduled {
			dr.UnscheduledSlots++
			dr.UnscheduledByReason[string(u.Reason)]++
			b.warn(models.RunMessage{
				Code:    appErrors.ErrResourceExhausted.Code,
				Reason:  string(u.Reason),
				Message: fmt.Sprintf("route %s departure %s left unscheduled", u.Slot.RouteNumber, u.Slot.Departure.Format("15:04")),
				DepotID: dp.DepotID,
				RouteID: u.Slot.RouteID,
				Date:    u.Slot.DateKey,
			})
		}
		if commit != nil {
			for _, a := range commit.Dropped {
				dr.UnscheduledSlots++
				dr.UnscheduledByReason[reasonStaleResource]++
				b.warn(models.RunMessage{
					Code:    appErrors.ErrConflict.Code,
					Reason:  reasonStaleResource,
					Message: fmt.Sprintf("route %s departure %s dropped: resources changed twice during commit", a.Slot.RouteNumber, a.Slot.Departure.Format("15:04")),
					DepotID: dp.DepotID,
					RouteID: a.Slot.RouteID,
					Date:    a.Slot.DateKey,
				})
			}
		}
		if n := dr.UnscheduledByReason[reasonNotWritten]; n > 0 {
			b.warn(models.RunMessage{
				Code:    appErrors.ErrSystem.Code,
				Reason:  reasonNotWritten,
				Message: fmt.Sprintf("%d planned slot(s) not written: commit aborted", n),
				DepotID: dp.DepotID,
			})
		}
		for _, w := range dp.Warnings {
			b.warn(models.RunMessage{Code: appErrors.ErrValidation.Code, Message: w, DepotID: dp.DepotID})
		}
		if dp.Stopped {
			b.warn(models.RunMessage{
				Code:    "STOPPED",
				Message: fmt.Sprintf("planning stopped after %d of %d slots", dp.Processed, dp.TotalSlots),
				DepotID: dp.DepotID,
			})
		}

		r.TotalSlots += dr.TotalSlots
		r.ExistingTrips += dr.ExistingTrips
		r.UnscheduledSlots += dr.UnscheduledSlots
		r.TripsCreated += dr.TripsCreated
		filled += dr.AssignedSlots + dr.ExistingTrips
		optimizer.Iterations += dp.Optimizer.Iterations
		optimizer.Improvements += dp.Optimizer.Improvements
		optimizer.DurationMs += dp.Optimizer.DurationMs
		r.Depots = append(r.Depots, dr)
	}

	r.BusesAssigned = len(buses)
	r.DriversAssigned = len(drivers)
	r.ConductorsAssigned = len(conductors)
	r.MeanFatigueScore = round2(scheduler.MeanFatigue(created))
	if r.TotalSlots == 0 {
		r.SuccessRate = 100
	} else {
		r.SuccessRate = round2(float64(filled) / float64(r.TotalSlots) * 100)
	}
	if in.mode == models.RunModeOptimized {
		r.Optimizer = &optimizer
	}
	return r
}

func overridesOf(a scheduler.Assignment) []models.FatigueOverride {
	var out []models.FatigueOverride
	if a.DriverID != "" && a.DriverFatigue.Risk == scheduler.RiskHigh {
		out = append(out, models.FatigueOverride{
			CrewID: a.DriverID, Role: models.CrewRoleDriver, DepotID: a.Slot.DepotID,
			RouteID: a.Slot.RouteID, Departure: a.Slot.Departure, Score: a.DriverFatigue.Score,
		})
	}
	if a.ConductorID != "" && a.ConductorFatigue.Risk == scheduler.RiskHigh {
		out = append(out, models.FatigueOverride{
			CrewID: a.ConductorID, Role: models.CrewRoleConductor, DepotID: a.Slot.DepotID,
			RouteID: a.Slot.RouteID, Departure: a.Slot.Departure, Score: a.ConductorFatigue.Score,
		})
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
