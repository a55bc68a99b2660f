package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

const (
	depotColumns = `id, code, name, location, created_at`
	routeColumns = `id, depot_id, route_number, name, origin, destination, is_active, operating_start, operating_end,
duration_minutes, distance_km, max_trips_per_day, min_gap_minutes, min_capacity`
	busColumns  = `id, depot_id, registration_no, capacity, status, version, updated_at`
	crewColumns = `id, depot_id, name, role, status, duty_log, rest_hours_since_last_duty, version, updated_at`
	tripColumns = `id, route_id, depot_id, service_date, departure_time, arrival_time, bus_id, driver_id, conductor_id,
status, origin_run_id, fatigue_override, created_at, updated_at`
)

// InventoryRepository reads depots, routes, buses, crew and trips for planning.
type InventoryRepository struct {
	db *sqlx.DB
}

// NewInventoryRepository constructs the repository.
func NewInventoryRepository(db *sqlx.DB) *InventoryRepository {
	return &InventoryRepository{db: db}
}

// ListDepots returns the depots with the given ids, or every depot when ids is empty.
func (r *InventoryRepository) ListDepots(ctx context.Context, ids []string) ([]models.Depot, error) {
	var (
		depots []models.Depot
		err    error
	)
	if len(ids) == 0 {
		err = r.db.SelectContext(ctx, &depots, `SELECT `+depotColumns+` FROM depots ORDER BY code ASC`)
	} else {
		err = r.db.SelectContext(ctx, &depots, `SELECT `+depotColumns+` FROM depots WHERE id = ANY($1) ORDER BY code ASC`, pq.Array(ids))
	}
	if err != nil {
		return nil, fmt.Errorf("list depots: %w", err)
	}
	return depots, nil
}

// ListRoutes returns every route of the depots, active or not.
func (r *InventoryRepository) ListRoutes(ctx context.Context, depotIDs []string) ([]models.Route, error) {
	var routes []models.Route
	query := `SELECT ` + routeColumns + ` FROM routes WHERE depot_id = ANY($1) ORDER BY depot_id, route_number`
	if err := r.db.SelectContext(ctx, &routes, query, pq.Array(depotIDs)); err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	return routes, nil
}

// ListBuses returns the fleet of the depots regardless of status.
func (r *InventoryRepository) ListBuses(ctx context.Context, depotIDs []string) ([]models.Bus, error) {
	var buses []models.Bus
	query := `SELECT ` + busColumns + ` FROM buses WHERE depot_id = ANY($1) ORDER BY id`
	if err := r.db.SelectContext(ctx, &buses, query, pq.Array(depotIDs)); err != nil {
		return nil, fmt.Errorf("list buses: %w", err)
	}
	return buses, nil
}

// ListCrew returns drivers and conductors of the depots regardless of status.
func (r *InventoryRepository) ListCrew(ctx context.Context, depotIDs []string) ([]models.CrewMember, error) {
	var crew []models.CrewMember
	query := `SELECT ` + crewColumns + ` FROM crew_members WHERE depot_id = ANY($1) ORDER BY id`
	if err := r.db.SelectContext(ctx, &crew, query, pq.Array(depotIDs)); err != nil {
		return nil, fmt.Errorf("list crew: %w", err)
	}
	return crew, nil
}

// ListTrips returns trips of the depots whose service date falls in [from, to].
// Dates are YYYY-MM-DD.
func (r *InventoryRepository) ListTrips(ctx context.Context, depotIDs []string, from, to string) ([]models.Trip, error) {
	var trips []models.Trip
	query := `SELECT ` + tripColumns + ` FROM trips
WHERE depot_id = ANY($1) AND service_date BETWEEN $2::date AND $3::date
ORDER BY departure_time, id`
	if err := r.db.SelectContext(ctx, &trips, query, pq.Array(depotIDs), from, to); err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	return trips, nil
}

// ListBusesByIDs re-reads bus rows, used to refresh stale reservations.
func (r *InventoryRepository) ListBusesByIDs(ctx context.Context, ids []string) ([]models.Bus, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var buses []models.Bus
	if err := r.db.SelectContext(ctx, &buses, `SELECT `+busColumns+` FROM buses WHERE id = ANY($1) ORDER BY id`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("list buses by id: %w", err)
	}
	return buses, nil
}

// ListCrewByIDs re-reads crew rows, used to refresh stale reservations.
func (r *InventoryRepository) ListCrewByIDs(ctx context.Context, ids []string) ([]models.CrewMember, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var crew []models.CrewMember
	if err := r.db.SelectContext(ctx, &crew, `SELECT `+crewColumns+` FROM crew_members WHERE id = ANY($1) ORDER BY id`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("list crew by id: %w", err)
	}
	return crew, nil
}

// Stats aggregates fleet and trip totals. today is the operator's current service date.
func (r *InventoryRepository) Stats(ctx context.Context, today string) (*models.SchedulerStats, error) {
	const query = `SELECT
  (SELECT COUNT(*) FROM depots) AS total_depots,
  (SELECT COUNT(*) FROM buses) AS total_buses,
  (SELECT COUNT(*) FROM buses WHERE status = 'active') AS active_buses,
  (SELECT COUNT(*) FROM routes WHERE is_active) AS total_routes,
  (SELECT COUNT(*) FROM crew_members) AS total_crew,
  (SELECT COUNT(*) FROM trips) AS total_trips,
  (SELECT COUNT(*) FROM trips WHERE service_date = $1::date AND status <> 'cancelled') AS trips_scheduled_today,
  (SELECT COUNT(*) FROM trips WHERE status = 'in_progress') AS active_trips,
  (SELECT COUNT(DISTINCT bus_id) FROM trips WHERE service_date = $1::date AND status <> 'cancelled' AND bus_id IS NOT NULL) AS buses_in_service_today`
	var stats models.SchedulerStats
	if err := r.db.GetContext(ctx, &stats, query, today); err != nil {
		return nil, fmt.Errorf("scheduler stats: %w", err)
	}
	return &stats, nil
}
