package scheduler

import (
	"time"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

const dateLayout = "2006-01-02"

// Limits are the hard crew and fleet constraints honoured by every plan.
type Limits struct {
	MaxDriverHours     float64
	MinRestHours       float64
	MaxConsecutiveDays int
	// MaxBusTripsPerDay caps trips per bus and service date; 0 disables the cap.
	MaxBusTripsPerDay int
}

// FatigueModel tunes the advisory fatigue score.
type FatigueModel struct {
	HoursWeight       float64
	DistanceWeight    float64
	RecoveryWeight    float64
	DistanceNormKm    float64
	FullRecoveryHours float64
	MediumThreshold   float64
	HighThreshold     float64
}

// Config is the fully normalized engine input. Every field is expected to be set by the caller.
type Config struct {
	StartDate time.Time
	EndDate   time.Time
	Location  *time.Location
	Depots    []string

	Mode     models.RunMode
	Priority models.RunPriority

	MaxTripsPerRoute     int
	TimeGap              time.Duration
	AutoAssignCrew       bool
	AutoAssignBuses      bool
	AllowFatigueOverride bool
	RotationContinuity   bool
	BusCapacityHint      int

	Calendar Calendar
	Limits   Limits
	Fatigue  FatigueModel

	DepotConcurrency      int
	OptimizeBudget        time.Duration
	OptimizeMaxIterations int
}

// Dates returns every service date of the range, midnight in the configured location.
func (c Config) Dates() []time.Time {
	loc := c.location()
	start := dateIn(c.StartDate, loc)
	end := dateIn(c.EndDate, loc)
	var dates []time.Time
	for d := start; !d.After(end); d = time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, loc) {
		dates = append(dates, d)
	}
	return dates
}

func (c Config) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

func dateIn(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// DateKey formats a service date as YYYY-MM-DD.
func DateKey(t time.Time) string {
	return t.Format(dateLayout)
}

// ParseDate parses a YYYY-MM-DD service date in loc.
func ParseDate(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(dateLayout, raw, loc)
}
