package models

import "time"

// TripStatus captures the operational lifecycle of a trip.
type TripStatus string

const (
	TripStatusScheduled  TripStatus = "scheduled"
	TripStatusInProgress TripStatus = "in_progress"
	TripStatusCompleted  TripStatus = "completed"
	TripStatusCancelled  TripStatus = "cancelled"
)

// Trip is one departure of a route on a service date. The natural key is
// (RouteID, ServiceDate, DepartureTime).
type Trip struct {
	ID              string     `db:"id" json:"id"`
	RouteID         string     `db:"route_id" json:"routeId"`
	DepotID         string     `db:"depot_id" json:"depotId"`
	ServiceDate     time.Time  `db:"service_date" json:"serviceDate"`
	DepartureTime   time.Time  `db:"departure_time" json:"departureTime"`
	ArrivalTime     time.Time  `db:"arrival_time" json:"arrivalTime"`
	BusID           *string    `db:"bus_id" json:"busId,omitempty"`
	DriverID        *string    `db:"driver_id" json:"driverId,omitempty"`
	ConductorID     *string    `db:"conductor_id" json:"conductorId,omitempty"`
	Status          TripStatus `db:"status" json:"status"`
	OriginRunID     *string    `db:"origin_run_id" json:"originRunId,omitempty"`
	FatigueOverride bool       `db:"fatigue_override" json:"fatigueOverride"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updatedAt"`
}

// OccupiesResources reports whether the trip blocks its bus and crew.
func (t Trip) OccupiesResources() bool {
	return t.Status != TripStatusCancelled
}

// SchedulerStats summarises fleet and trip totals for dashboards.
type SchedulerStats struct {
	TotalDepots         int       `db:"total_depots" json:"totalDepots"`
	TotalBuses          int       `db:"total_buses" json:"totalBuses"`
	ActiveBuses         int       `db:"active_buses" json:"activeBuses"`
	TotalRoutes         int       `db:"total_routes" json:"totalRoutes"`
	TotalCrew           int       `db:"total_crew" json:"totalCrew"`
	TotalTrips          int       `db:"total_trips" json:"totalTrips"`
	TripsScheduledToday int       `db:"trips_scheduled_today" json:"tripsScheduledToday"`
	ActiveTrips         int       `db:"active_trips" json:"activeTrips"`
	BusesInServiceToday int       `db:"buses_in_service_today" json:"busesInServiceToday"`
	Utilization         float64   `db:"-" json:"utilization"`
	GeneratedAt         time.Time `db:"-" json:"generatedAt"`
}
