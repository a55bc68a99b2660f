package models

// Route is a depot-serviced line with an operating window.
// OperatingStart and OperatingEnd are wall-clock times in "HH:MM" or "HH:MM:SS".
type Route struct {
	ID              string  `db:"id" json:"id"`
	DepotID         string  `db:"depot_id" json:"depotId"`
	RouteNumber     string  `db:"route_number" json:"routeNumber"`
	Name            string  `db:"name" json:"name"`
	Origin          string  `db:"origin" json:"origin"`
	Destination     string  `db:"destination" json:"destination"`
	IsActive        bool    `db:"is_active" json:"isActive"`
	OperatingStart  string  `db:"operating_start" json:"operatingStart"`
	OperatingEnd    string  `db:"operating_end" json:"operatingEnd"`
	DurationMinutes int     `db:"duration_minutes" json:"durationMinutes"`
	DistanceKm      float64 `db:"distance_km" json:"distanceKm"`
	MaxTripsPerDay  int     `db:"max_trips_per_day" json:"maxTripsPerDay"`
	MinGapMinutes   int     `db:"min_gap_minutes" json:"minGapMinutes"`
	MinCapacity     int     `db:"min_capacity" json:"minCapacity"`
}
