package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

// TripWrite is one planned trip together with the resource versions it was planned
// against. Empty resource ids are written as NULL and skip the version check.
type TripWrite struct {
	RouteID          string
	DepotID          string
	ServiceDate      string
	Departure        time.Time
	Arrival          time.Time
	BusID            string
	DriverID         string
	ConductorID      string
	FatigueOverride  bool
	BusVersion       int64
	DriverVersion    int64
	ConductorVersion int64
}

// BatchResult reports the outcome of one committed batch. Stale holds the indexes of
// writes skipped because a referenced resource changed since the snapshot.
type BatchResult struct {
	Written int
	Stale   []int
}

type resourceStamp struct {
	ID      string `db:"id"`
	Version int64  `db:"version"`
	Status  string `db:"status"`
}

// TripRepository writes and clears planned trips.
type TripRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewTripRepository constructs the repository.
func NewTripRepository(db *sqlx.DB) *TripRepository {
	return &TripRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const upsertTripQuery = `INSERT INTO trips (id, route_id, depot_id, service_date, departure_time, arrival_time, bus_id, driver_id, conductor_id,
status, origin_run_id, fatigue_override, created_at, updated_at)
VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, 'scheduled', $10, $11, $12, $12)
ON CONFLICT (route_id, service_date, departure_time) DO UPDATE
SET bus_id = EXCLUDED.bus_id, driver_id = EXCLUDED.driver_id, conductor_id = EXCLUDED.conductor_id,
arrival_time = EXCLUDED.arrival_time, fatigue_override = EXCLUDED.fatigue_override,
origin_run_id = EXCLUDED.origin_run_id, updated_at = EXCLUDED.updated_at
WHERE trips.status = 'scheduled'
AND (trips.bus_id, trips.driver_id, trips.conductor_id, trips.arrival_time)
IS DISTINCT FROM (EXCLUDED.bus_id, EXCLUDED.driver_id, EXCLUDED.conductor_id, EXCLUDED.arrival_time)`

// UpsertBatch writes the batch in one transaction. Referenced buses and crew are locked
// FOR SHARE and compared against the planned versions; writes whose resources moved are
// skipped and reported as stale. Rows that would not change, or that are no longer in
// scheduled status, are left untouched and not counted.
func (r *TripRepository) UpsertBatch(ctx context.Context, runID string, writes []TripWrite) (result BatchResult, err error) {
	if len(writes) == 0 {
		return BatchResult{}, nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return BatchResult{}, fmt.Errorf("begin trip batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	busIDs, crewIDs := batchResourceIDs(writes)
	buses, err := lockStamps(ctx, tx, `SELECT id, version, status FROM buses WHERE id = ANY($1) FOR SHARE`, busIDs)
	if err != nil {
		return BatchResult{}, fmt.Errorf("lock buses: %w", err)
	}
	crew, err := lockStamps(ctx, tx, `SELECT id, version, status FROM crew_members WHERE id = ANY($1) FOR SHARE`, crewIDs)
	if err != nil {
		return BatchResult{}, fmt.Errorf("lock crew: %w", err)
	}

	now := r.now()
	for i, w := range writes {
		if !busCurrent(buses, w.BusID, w.BusVersion) ||
			!crewCurrent(crew, w.DriverID, w.DriverVersion) ||
			!crewCurrent(crew, w.ConductorID, w.ConductorVersion) {
			result.Stale = append(result.Stale, i)
			continue
		}
		res, execErr := tx.ExecContext(ctx, upsertTripQuery,
			uuid.NewString(), w.RouteID, w.DepotID, w.ServiceDate, w.Departure, w.Arrival,
			nullable(w.BusID), nullable(w.DriverID), nullable(w.ConductorID),
			runID, w.FatigueOverride, now)
		if execErr != nil {
			err = fmt.Errorf("upsert trip: %w", execErr)
			return BatchResult{}, err
		}
		affected, affErr := res.RowsAffected()
		if affErr != nil {
			err = fmt.Errorf("upsert trip rows affected: %w", affErr)
			return BatchResult{}, err
		}
		result.Written += int(affected)
	}

	if err = tx.Commit(); err != nil {
		return BatchResult{}, fmt.Errorf("commit trip batch: %w", err)
	}
	return result, nil
}

// Clear deletes scheduled trips of the depots whose service date falls in [from, to].
// Trips in any other status are kept.
func (r *TripRepository) Clear(ctx context.Context, depotIDs []string, from, to string) (int64, error) {
	const query = `DELETE FROM trips WHERE status = 'scheduled' AND depot_id = ANY($1) AND service_date BETWEEN $2::date AND $3::date`
	res, err := r.db.ExecContext(ctx, query, pq.Array(depotIDs), from, to)
	if err != nil {
		return 0, fmt.Errorf("clear trips: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear trips rows affected: %w", err)
	}
	return removed, nil
}

func batchResourceIDs(writes []TripWrite) (buses, crew []string) {
	seenBus := make(map[string]bool)
	seenCrew := make(map[string]bool)
	for _, w := range writes {
		if w.BusID != "" && !seenBus[w.BusID] {
			seenBus[w.BusID] = true
			buses = append(buses, w.BusID)
		}
		for _, id := range []string{w.DriverID, w.ConductorID} {
			if id != "" && !seenCrew[id] {
				seenCrew[id] = true
				crew = append(crew, id)
			}
		}
	}
	return buses, crew
}

func lockStamps(ctx context.Context, tx *sqlx.Tx, query string, ids []string) (map[string]resourceStamp, error) {
	stamps := make(map[string]resourceStamp, len(ids))
	if len(ids) == 0 {
		return stamps, nil
	}
	var rows []resourceStamp
	if err := tx.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, err
	}
	for _, row := range rows {
		stamps[row.ID] = row
	}
	return stamps, nil
}

func busCurrent(stamps map[string]resourceStamp, id string, version int64) bool {
	if id == "" {
		return true
	}
	s, ok := stamps[id]
	return ok && s.Version == version && models.BusStatus(s.Status) == models.BusStatusActive
}

func crewCurrent(stamps map[string]resourceStamp, id string, version int64) bool {
	if id == "" {
		return true
	}
	s, ok := stamps[id]
	if !ok || s.Version != version {
		return false
	}
	status := models.CrewStatus(s.Status)
	return status != models.CrewStatusResting && status != models.CrewStatusSuspended
}

func nullable(id string) interface{} {
	if id == "" {
		return nil
	}
	return id
}
