package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
	"github.com/noah-isme/fleet-scheduler-api/internal/repository"
	"github.com/noah-isme/fleet-scheduler-api/internal/scheduler"
)

type tripStore interface {
	UpsertBatch(ctx context.Context, runID string, writes []repository.TripWrite) (repository.BatchResult, error)
	Clear(ctx context.Context, depotIDs []string, from, to string) (int64, error)
}

type resourceReader interface {
	ListBusesByIDs(ctx context.Context, ids []string) ([]models.Bus, error)
	ListCrewByIDs(ctx context.Context, ids []string) ([]models.CrewMember, error)
}

// WriteResult is the outcome of writing a list of assignments.
type WriteResult struct {
	Written int
	Stale   []scheduler.Assignment
	// Unwritten are the assignments of the failed batch and every batch after it.
	Unwritten []scheduler.Assignment
}

// CommitResult is the outcome of committing a depot plan, stale retry included.
type CommitResult struct {
	Written int
	// Retried counts slots found stale on the first pass.
	Retried int
	// Reassigned are the retried slots that found fresh resources.
	Reassigned []scheduler.Assignment
	// Failed are retried slots that stayed unfillable; the plan lists them as unscheduled.
	Failed []scheduler.UnscheduledSlot
	// Dropped are reassigned slots that were stale again on the second write.
	Dropped []scheduler.Assignment
	// Unwritten are planned slots that never reached the store because the commit
	// aborted. Written still counts the batches committed before the error.
	Unwritten []scheduler.Assignment
}

// ScheduleWriter persists plans as trips. Every write is an idempotent upsert on the trip
// natural key, so re-committing a plan only touches rows that changed.
type ScheduleWriter struct {
	trips     tripStore
	resources resourceReader
	batchSize int
	logger    *zap.Logger
}

// NewScheduleWriter constructs a writer.
func NewScheduleWriter(trips tripStore, resources resourceReader, batchSize int, logger *zap.Logger) *ScheduleWriter {
	if batchSize <= 0 {
		batchSize = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduleWriter{trips: trips, resources: resources, batchSize: batchSize, logger: logger}
}

// Write upserts the assignments in batches, each in its own transaction. Assignments whose
// bus or crew changed since the plan's view of them are skipped and returned as stale.
// Batches committed before an error stay committed.
func (w *ScheduleWriter) Write(ctx context.Context, runID string, plan *scheduler.DepotPlan, assignments []scheduler.Assignment) (WriteResult, error) {
	var result WriteResult
	for start := 0; start < len(assignments); start += w.batchSize {
		end := start + w.batchSize
		if end > len(assignments) {
			end = len(assignments)
		}
		batch := assignments[start:end]
		writes := make([]repository.TripWrite, 0, len(batch))
		for _, a := range batch {
			writes = append(writes, tripWrite(plan, a))
		}
		res, err := w.trips.UpsertBatch(ctx, runID, writes)
		if err != nil {
			result.Unwritten = append(result.Unwritten, assignments[start:]...)
			return result, fmt.Errorf("write trips for depot %s: %w", plan.DepotID, err)
		}
		result.Written += res.Written
		for _, i := range res.Stale {
			result.Stale = append(result.Stale, batch[i])
		}
	}
	return result, nil
}

// Commit writes the plan's new assignments. Stale slots get their resource rows
// refreshed and are reassigned once against the fresh availability; a slot that is still
// stale after that is dropped. On error the partial result is returned alongside it.
func (w *ScheduleWriter) Commit(ctx context.Context, runID string, plan *scheduler.DepotPlan) (*CommitResult, error) {
	created := make([]scheduler.Assignment, 0, len(plan.Assignments))
	for _, a := range plan.Assignments {
		if !a.Existing {
			created = append(created, a)
		}
	}

	first, err := w.Write(ctx, runID, plan, created)
	result := &CommitResult{Written: first.Written, Retried: len(first.Stale)}
	if err != nil {
		result.Unwritten = append(append(result.Unwritten, first.Stale...), first.Unwritten...)
		return result, err
	}
	if len(first.Stale) == 0 {
		return result, nil
	}

	busIDs, crewIDs := staleResourceIDs(first.Stale)
	buses, err := w.resources.ListBusesByIDs(ctx, busIDs)
	if err != nil {
		result.Unwritten = first.Stale
		return result, fmt.Errorf("refresh stale buses: %w", err)
	}
	crew, err := w.resources.ListCrewByIDs(ctx, crewIDs)
	if err != nil {
		result.Unwritten = first.Stale
		return result, fmt.Errorf("refresh stale crew: %w", err)
	}
	w.logger.Sugar().Infow("retrying stale slots", "run_id", runID, "depot_id", plan.DepotID, "slots", len(first.Stale))

	reassigned, failed := plan.Retry(first.Stale, buses, crew)
	result.Failed = failed
	if len(reassigned) == 0 {
		return result, nil
	}
	second, err := w.Write(ctx, runID, plan, reassigned)
	result.Written += second.Written
	result.Dropped = second.Stale
	result.Unwritten = second.Unwritten
	skipped := make(map[string]bool, len(second.Stale)+len(second.Unwritten))
	for _, a := range second.Stale {
		skipped[a.Slot.Key()] = true
	}
	for _, a := range second.Unwritten {
		skipped[a.Slot.Key()] = true
	}
	for _, a := range reassigned {
		if !skipped[a.Slot.Key()] {
			result.Reassigned = append(result.Reassigned, a)
		}
	}
	return result, err
}

// Clear removes scheduled trips of the depots in the inclusive date range.
func (w *ScheduleWriter) Clear(ctx context.Context, depotIDs []string, from, to string) (int64, error) {
	removed, err := w.trips.Clear(ctx, depotIDs, from, to)
	if err != nil {
		return 0, err
	}
	w.logger.Sugar().Infow("cleared scheduled trips", "depots", depotIDs, "from", from, "to", to, "removed", removed)
	return removed, nil
}

func tripWrite(plan *scheduler.DepotPlan, a scheduler.Assignment) repository.TripWrite {
	w := repository.TripWrite{
		RouteID:         a.Slot.RouteID,
		DepotID:         a.Slot.DepotID,
		ServiceDate:     a.Slot.DateKey,
		Departure:       a.Slot.Departure.UTC(),
		Arrival:         a.Slot.Arrival.UTC(),
		BusID:           a.BusID,
		DriverID:        a.DriverID,
		ConductorID:     a.ConductorID,
		FatigueOverride: a.FatigueOverride,
	}
	if b, ok := plan.Bus(a.BusID); ok {
		w.BusVersion = b.Version
	}
	if m, ok := plan.Crew(a.DriverID); ok {
		w.DriverVersion = m.Version
	}
	if m, ok := plan.Crew(a.ConductorID); ok {
		w.ConductorVersion = m.Version
	}
	return w
}

func staleResourceIDs(stale []scheduler.Assignment) (buses, crew []string) {
	seenBus := make(map[string]bool)
	seenCrew := make(map[string]bool)
	for _, a := range stale {
		if a.BusID != "" && !seenBus[a.BusID] {
			seenBus[a.BusID] = true
			buses = append(buses, a.BusID)
		}
		for _, id := range []string{a.DriverID, a.ConductorID} {
			if id != "" && !seenCrew[id] {
				seenCrew[id] = true
				crew = append(crew, id)
			}
		}
	}
	return buses, crew
}
