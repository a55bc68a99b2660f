package models

import "time"

// BusStatus enumerates fleet availability states.
type BusStatus string

const (
	BusStatusActive      BusStatus = "active"
	BusStatusMaintenance BusStatus = "maintenance"
	BusStatusRetired     BusStatus = "retired"
)

// Bus is a vehicle owned by a depot. Version increments on every external edit.
type Bus struct {
	ID             string    `db:"id" json:"id"`
	DepotID        string    `db:"depot_id" json:"depotId"`
	RegistrationNo string    `db:"registration_no" json:"registrationNo"`
	Capacity       int       `db:"capacity" json:"capacity"`
	Status         BusStatus `db:"status" json:"status"`
	Version        int64     `db:"version" json:"version"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// Schedulable reports whether the bus may receive new trips.
func (b Bus) Schedulable() bool {
	return b.Status == BusStatusActive
}
