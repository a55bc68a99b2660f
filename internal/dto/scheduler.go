package dto

import (
	"time"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

// StartRunRequest configures a scheduling run. Optional fields fall back to server defaults.
type StartRunRequest struct {
	StartDate            string             `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate              string             `json:"endDate" validate:"required,datetime=2006-01-02"`
	Depots               []string           `json:"depots" validate:"required,min=1,dive,required"`
	Mode                 string             `json:"mode" validate:"omitempty,oneof=auto optimized manual"`
	Priority             string             `json:"priority" validate:"omitempty,oneof=balanced efficiency coverage"`
	MaxTripsPerRoute     *int               `json:"maxTripsPerRoute" validate:"omitempty,min=1"`
	TimeGap              *int               `json:"timeGap" validate:"omitempty,min=1"`
	AutoAssignCrew       *bool              `json:"autoAssignCrew"`
	AutoAssignBuses      *bool              `json:"autoAssignBuses"`
	AllowFatigueOverride bool               `json:"allowFatigueOverride"`
	RotationContinuity   bool               `json:"rotationContinuity"`
	BusCapacityHint      int                `json:"busCapacityHint" validate:"min=0"`
	SeasonalMultipliers  map[string]float64 `json:"seasonalMultipliers" validate:"omitempty,dive,gte=0"`
	HolidayMultipliers   map[string]float64 `json:"holidayMultipliers" validate:"omitempty,dive,gte=0"`
	WeekendMultiplier    *float64           `json:"weekendMultiplier" validate:"omitempty,gte=0"`
}

// DateRangeRequest selects depots over an inclusive service date range.
type DateRangeRequest struct {
	StartDate string   `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate   string   `json:"endDate" validate:"required,datetime=2006-01-02"`
	Depots    []string `json:"depots" validate:"required,min=1,dive,required"`
}

// StartRunResponse acknowledges an accepted run.
type StartRunResponse struct {
	RunID string `json:"runId"`
}

// PreviewResponse estimates the workload of a range before running it.
type PreviewResponse struct {
	TotalBuses             int            `json:"totalBuses"`
	TotalRoutes            int            `json:"totalRoutes"`
	TotalCrew              int            `json:"totalCrew"`
	Days                   int            `json:"days"`
	EstimatedTripsPerDepot map[string]int `json:"estimatedTripsPerDepot"`
	EstimatedTrips         int            `json:"estimatedTrips"`
}

// RunStatusResponse is the pollable state of a run.
type RunStatusResponse struct {
	RunID            string                 `json:"runId"`
	Status           models.RunStatus       `json:"status"`
	Progress         int                    `json:"progress"`
	CurrentOperation string                 `json:"currentOperation"`
	Log              []models.ActivityEntry `json:"log"`
	HasWarnings      bool                   `json:"hasWarnings"`
	Error            *string                `json:"error,omitempty"`
	StartedAt        *time.Time             `json:"startedAt,omitempty"`
	FinishedAt       *time.Time             `json:"finishedAt,omitempty"`
}

// StopRunResponse reports the status after a stop request.
type StopRunResponse struct {
	Status models.RunStatus `json:"status"`
}

// ClearResponse reports how many scheduled trips were removed.
type ClearResponse struct {
	RemovedCount int64 `json:"removedCount"`
}

// ExportRunRequest selects the rendering of a run report.
type ExportRunRequest struct {
	Format string `json:"format" validate:"required,oneof=csv pdf"`
}

// ExportRunResponse carries the signed download location.
type ExportRunResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RunSummary is one line of the run history.
type RunSummary struct {
	RunID       string           `json:"runId"`
	Status      models.RunStatus `json:"status"`
	Mode        models.RunMode   `json:"mode"`
	StartDate   string           `json:"startDate"`
	EndDate     string           `json:"endDate"`
	Depots      []string         `json:"depots"`
	Progress    int              `json:"progress"`
	HasWarnings bool             `json:"hasWarnings"`
	CreatedBy   string           `json:"createdBy"`
	CreatedAt   time.Time        `json:"createdAt"`
	FinishedAt  *time.Time       `json:"finishedAt,omitempty"`
}
