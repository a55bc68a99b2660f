package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus is the state of a scheduling run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusStopped
}

// RunMode selects how a run plans and whether it writes.
type RunMode string

const (
	RunModeAuto      RunMode = "auto"
	RunModeOptimized RunMode = "optimized"
	RunModeManual    RunMode = "manual"
)

// RunPriority selects the optimizer's secondary objective.
type RunPriority string

const (
	RunPriorityBalanced   RunPriority = "balanced"
	RunPriorityEfficiency RunPriority = "efficiency"
	RunPriorityCoverage   RunPriority = "coverage"
)

// RunConfig is the normalized configuration persisted with a run.
type RunConfig struct {
	StartDate            string             `json:"startDate"`
	EndDate              string             `json:"endDate"`
	Depots               []string           `json:"depots"`
	Mode                 RunMode            `json:"mode"`
	Priority             RunPriority        `json:"priority"`
	MaxTripsPerRoute     int                `json:"maxTripsPerRoute"`
	TimeGapMinutes       int                `json:"timeGap"`
	AutoAssignCrew       bool               `json:"autoAssignCrew"`
	AutoAssignBuses      bool               `json:"autoAssignBuses"`
	AllowFatigueOverride bool               `json:"allowFatigueOverride"`
	RotationContinuity   bool               `json:"rotationContinuity"`
	BusCapacityHint      int                `json:"busCapacityHint"`
	SeasonalMultipliers  map[string]float64 `json:"seasonalMultipliers"`
	HolidayMultipliers   map[string]float64 `json:"holidayMultipliers"`
	WeekendMultiplier    *float64           `json:"weekendMultiplier,omitempty"`
}

// Value marshals the config to JSON for persistence.
func (c RunConfig) Value() (driver.Value, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal run config: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the config.
func (c *RunConfig) Scan(value interface{}) error {
	data, err := jsonBytes(value, "RunConfig")
	if err != nil {
		return err
	}
	if len(data) == 0 {
		*c = RunConfig{}
		return nil
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("unmarshal run config: %w", err)
	}
	return nil
}

// ActivityEntry is one line of a run's activity log.
type ActivityEntry struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// ActivityLog is the ordered activity of a run, persisted as JSONB.
type ActivityLog []ActivityEntry

// Value marshals the log for persistence.
func (l ActivityLog) Value() (driver.Value, error) {
	if l == nil {
		l = ActivityLog{}
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal activity log: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSONB payloads into the log.
func (l *ActivityLog) Scan(value interface{}) error {
	data, err := jsonBytes(value, "ActivityLog")
	if err != nil {
		return err
	}
	if len(data) == 0 {
		*l = ActivityLog{}
		return nil
	}
	if err := json.Unmarshal(data, l); err != nil {
		return fmt.Errorf("unmarshal activity log: %w", err)
	}
	return nil
}

// RunMessage is a warning or error attached to a report.
type RunMessage struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	DepotID string `json:"depotId,omitempty"`
	RouteID string `json:"routeId,omitempty"`
	Date    string `json:"date,omitempty"`
}

// DepotReport breaks run counters down per depot.
type DepotReport struct {
	DepotID             string         `json:"depotId"`
	DepotCode           string         `json:"depotCode"`
	TotalSlots          int            `json:"totalSlots"`
	AssignedSlots       int            `json:"assignedSlots"`
	ExistingTrips       int            `json:"existingTrips"`
	UnscheduledSlots    int            `json:"unscheduledSlots"`
	TripsCreated        int            `json:"tripsCreated"`
	StaleRetried        int            `json:"staleRetried"`
	BusesAssigned       int            `json:"busesAssigned"`
	DriversAssigned     int            `json:"driversAssigned"`
	ConductorsAssigned  int            `json:"conductorsAssigned"`
	UnscheduledByReason map[string]int `json:"unscheduledByReason"`
	Stopped             bool           `json:"stopped"`
}

// FatigueOverride lists a trip staffed by a high-risk crew member.
type FatigueOverride struct {
	CrewID    string    `json:"crewId"`
	Role      CrewRole  `json:"role"`
	DepotID   string    `json:"depotId"`
	RouteID   string    `json:"routeId"`
	Departure time.Time `json:"departure"`
	Score     float64   `json:"score"`
}

// OptimizerStats summarises the local-search pass of an optimized run.
type OptimizerStats struct {
	Iterations   int   `json:"iterations"`
	Improvements int   `json:"improvements"`
	DurationMs   int64 `json:"durationMs"`
}

// RunReport is the final report of a run.
type RunReport struct {
	TripsCreated       int               `json:"tripsCreated"`
	BusesAssigned      int               `json:"busesAssigned"`
	DriversAssigned    int               `json:"driversAssigned"`
	ConductorsAssigned int               `json:"conductorsAssigned"`
	UnscheduledSlots   int               `json:"unscheduledSlots"`
	TotalSlots         int               `json:"totalSlots"`
	ExistingTrips      int               `json:"existingTrips"`
	SuccessRate        float64           `json:"successRate"`
	MeanFatigueScore   float64           `json:"meanFatigueScore"`
	Warnings           []RunMessage      `json:"warnings"`
	WarningsTruncated  int               `json:"warningsTruncated,omitempty"`
	Errors             []RunMessage      `json:"errors"`
	Depots             []DepotReport     `json:"depots"`
	FatigueOverrides   []FatigueOverride `json:"fatigueOverrides"`
	Optimizer          *OptimizerStats   `json:"optimizer,omitempty"`
}

// HasWarnings reports whether the run finished with anything to review.
func (r *RunReport) HasWarnings() bool {
	return r != nil && (len(r.Warnings) > 0 || r.WarningsTruncated > 0 || r.UnscheduledSlots > 0)
}

// Value marshals the report to JSON for persistence.
func (r RunReport) Value() (driver.Value, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal run report: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the report.
func (r *RunReport) Scan(value interface{}) error {
	data, err := jsonBytes(value, "RunReport")
	if err != nil {
		return err
	}
	if len(data) == 0 {
		*r = RunReport{}
		return nil
	}
	if err := json.Unmarshal(data, r); err != nil {
		return fmt.Errorf("unmarshal run report: %w", err)
	}
	return nil
}

// SchedulingRun is one execution of the engine over a date range and depot set.
type SchedulingRun struct {
	ID               string      `db:"id" json:"id"`
	Config           RunConfig   `db:"config" json:"config"`
	Status           RunStatus   `db:"status" json:"status"`
	Progress         int         `db:"progress" json:"progress"`
	CurrentOperation string      `db:"current_operation" json:"currentOperation"`
	ActivityLog      ActivityLog `db:"activity_log" json:"log"`
	Report           *RunReport  `db:"report" json:"report,omitempty"`
	ErrorMessage     *string     `db:"error_message" json:"errorMessage,omitempty"`
	CreatedBy        string      `db:"created_by" json:"createdBy"`
	CreatedAt        time.Time   `db:"created_at" json:"createdAt"`
	StartedAt        *time.Time  `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt       *time.Time  `db:"finished_at" json:"finishedAt,omitempty"`
}

// RunFilter narrows run history listings.
type RunFilter struct {
	Status *RunStatus
	Limit  int
	Offset int
}
