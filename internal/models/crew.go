package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// CrewRole distinguishes drivers from conductors.
type CrewRole string

const (
	CrewRoleDriver    CrewRole = "driver"
	CrewRoleConductor CrewRole = "conductor"
)

// CrewStatus enumerates crew availability states.
type CrewStatus string

const (
	CrewStatusAvailable CrewStatus = "available"
	CrewStatusOnDuty    CrewStatus = "on_duty"
	CrewStatusResting   CrewStatus = "resting"
	CrewStatusSuspended CrewStatus = "suspended"
)

// CrewMember is a driver or conductor attached to a depot.
type CrewMember struct {
	ID                     string     `db:"id" json:"id"`
	DepotID                string     `db:"depot_id" json:"depotId"`
	Name                   string     `db:"name" json:"name"`
	Role                   CrewRole   `db:"role" json:"role"`
	Status                 CrewStatus `db:"status" json:"status"`
	DutyLog                DutyLog    `db:"duty_log" json:"dutyLog"`
	RestHoursSinceLastDuty float64    `db:"rest_hours_since_last_duty" json:"restHoursSinceLastDuty"`
	Version                int64      `db:"version" json:"version"`
	UpdatedAt              time.Time  `db:"updated_at" json:"updatedAt"`
}

// Schedulable reports whether the member may be considered for new trips.
func (m CrewMember) Schedulable() bool {
	return m.Status != CrewStatusResting && m.Status != CrewStatusSuspended
}

// DutyEntry is one day of the rolling duty log. Date is formatted YYYY-MM-DD.
type DutyEntry struct {
	Date       string  `json:"date"`
	Hours      float64 `json:"hours"`
	DistanceKm float64 `json:"distanceKm"`
}

// DutyLog holds the last rotation cycle of duty entries, persisted as JSONB.
type DutyLog []DutyEntry

// Value marshals the log for persistence.
func (l DutyLog) Value() (driver.Value, error) {
	if l == nil {
		l = DutyLog{}
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal duty log: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSONB payloads into the log.
func (l *DutyLog) Scan(value interface{}) error {
	data, err := jsonBytes(value, "DutyLog")
	if err != nil {
		return err
	}
	if len(data) == 0 {
		*l = DutyLog{}
		return nil
	}
	if err := json.Unmarshal(data, l); err != nil {
		return fmt.Errorf("unmarshal duty log: %w", err)
	}
	return nil
}

func jsonBytes(value interface{}, target string) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T for %s", value, target)
	}
}
