package service

import (
	"context"
	"fmt"
	"time"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
	"github.com/noah-isme/fleet-scheduler-api/internal/scheduler"
	"github.com/noah-isme/fleet-scheduler-api/pkg/config"
)

type inventoryStore interface {
	ListDepots(ctx context.Context, ids []string) ([]models.Depot, error)
	ListRoutes(ctx context.Context, depotIDs []string) ([]models.Route, error)
	ListBuses(ctx context.Context, depotIDs []string) ([]models.Bus, error)
	ListCrew(ctx context.Context, depotIDs []string) ([]models.CrewMember, error)
	ListTrips(ctx context.Context, depotIDs []string, from, to string) ([]models.Trip, error)
	Stats(ctx context.Context, today string) (*models.SchedulerStats, error)
}

// SchedulingSettings are the process-wide engine settings a run config is completed with.
type SchedulingSettings struct {
	Location                *time.Location
	MaxRangeDays            int
	DefaultMaxTripsPerRoute int
	DefaultTimeGap          time.Duration
	RotationCycleDays       int
	Calendar                scheduler.Calendar
	Limits                  scheduler.Limits
	Fatigue                 scheduler.FatigueModel
	DepotConcurrency        int
	OptimizeBudget          time.Duration
	OptimizeMaxIterations   int
}

// SettingsFromConfig resolves the timezone and calendar of the scheduler configuration.
// A calendar file, when configured, overrides the env multipliers entry by entry.
func SettingsFromConfig(cfg config.SchedulerConfig) (SchedulingSettings, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return SchedulingSettings{}, fmt.Errorf("load scheduler timezone: %w", err)
		}
		loc = l
	}

	seasonal := scheduler.DefaultSeasons()
	for k, v := range cfg.SeasonalMultipliers {
		seasonal[k] = v
	}
	cal := scheduler.Calendar{Seasonal: seasonal, Weekend: cfg.WeekendMultiplier, Holidays: map[string]float64{}}
	if cfg.CalendarFile != "" {
		file, err := scheduler.LoadCalendar(cfg.CalendarFile)
		if err != nil {
			return SchedulingSettings{}, err
		}
		cal = cal.Merge(file)
	}

	s := SchedulingSettings{
		Location:                loc,
		MaxRangeDays:            cfg.MaxRangeDays,
		DefaultMaxTripsPerRoute: cfg.DefaultMaxTripsPerRoute,
		DefaultTimeGap:          cfg.DefaultTimeGap,
		RotationCycleDays:       cfg.RotationCycleDays,
		Calendar:                cal,
		Limits: scheduler.Limits{
			MaxDriverHours:     cfg.MaxDriverHours,
			MinRestHours:       cfg.MinRestHours,
			MaxConsecutiveDays: cfg.MaxConsecutiveDays,
			MaxBusTripsPerDay:  cfg.MaxBusTripsPerDay,
		},
		Fatigue: scheduler.FatigueModel{
			HoursWeight:       cfg.Fatigue.HoursWeight,
			DistanceWeight:    cfg.Fatigue.DistanceWeight,
			RecoveryWeight:    cfg.Fatigue.RecoveryWeight,
			DistanceNormKm:    cfg.Fatigue.DistanceNormKm,
			FullRecoveryHours: cfg.Fatigue.FullRecoveryHours,
			MediumThreshold:   cfg.Fatigue.MediumThreshold,
			HighThreshold:     cfg.Fatigue.HighThreshold,
		},
		DepotConcurrency:      cfg.DepotConcurrency,
		OptimizeBudget:        cfg.OptimizeBudget,
		OptimizeMaxIterations: cfg.OptimizeMaxIterations,
	}
	return s.withDefaults(), nil
}

func (s SchedulingSettings) withDefaults() SchedulingSettings {
	if s.Location == nil {
		s.Location = time.UTC
	}
	if s.MaxRangeDays <= 0 {
		s.MaxRangeDays = 366
	}
	if s.DefaultMaxTripsPerRoute <= 0 {
		s.DefaultMaxTripsPerRoute = 30
	}
	if s.DefaultTimeGap <= 0 {
		s.DefaultTimeGap = 30 * time.Minute
	}
	if s.RotationCycleDays <= 0 {
		s.RotationCycleDays = 7
	}
	if s.Calendar.Seasonal == nil {
		s.Calendar.Seasonal = scheduler.DefaultSeasons()
	}
	if s.Limits.MaxDriverHours <= 0 {
		s.Limits.MaxDriverHours = 12
	}
	if s.Limits.MinRestHours <= 0 {
		s.Limits.MinRestHours = 8
	}
	if s.Limits.MaxConsecutiveDays <= 0 {
		s.Limits.MaxConsecutiveDays = 6
	}
	if s.Fatigue == (scheduler.FatigueModel{}) {
		s.Fatigue = scheduler.FatigueModel{
			HoursWeight:       0.5,
			DistanceWeight:    0.3,
			RecoveryWeight:    0.2,
			DistanceNormKm:    400,
			FullRecoveryHours: 12,
			MediumThreshold:   30,
			HighThreshold:     60,
		}
	}
	if s.DepotConcurrency <= 0 {
		s.DepotConcurrency = 4
	}
	if s.OptimizeBudget <= 0 {
		s.OptimizeBudget = 10 * time.Second
	}
	if s.OptimizeMaxIterations <= 0 {
		s.OptimizeMaxIterations = 500
	}
	return s
}

// RunEngine turns persisted run configs into engine inputs.
type RunEngine struct {
	inventory inventoryStore
	settings  SchedulingSettings
	now       func() time.Time
}

// NewRunEngine constructs the engine adapter.
func NewRunEngine(inventory inventoryStore, settings SchedulingSettings) *RunEngine {
	return &RunEngine{
		inventory: inventory,
		settings:  settings.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Settings returns the normalized settings.
func (e *RunEngine) Settings() SchedulingSettings {
	return e.settings
}

// Config builds the engine config of a normalized run config. Run-level calendar
// tables override the process calendar entry by entry.
func (e *RunEngine) Config(rc models.RunConfig) (scheduler.Config, error) {
	loc := e.settings.Location
	start, err := scheduler.ParseDate(rc.StartDate, loc)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("start date: %w", err)
	}
	end, err := scheduler.ParseDate(rc.EndDate, loc)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("end date: %w", err)
	}
	cal := e.settings.Calendar.Merge(scheduler.Calendar{
		Seasonal: rc.SeasonalMultipliers,
		Weekend:  rc.WeekendMultiplier,
		Holidays: rc.HolidayMultipliers,
	})
	return scheduler.Config{
		StartDate:             start,
		EndDate:               end,
		Location:              loc,
		Depots:                append([]string(nil), rc.Depots...),
		Mode:                  rc.Mode,
		Priority:              rc.Priority,
		MaxTripsPerRoute:      rc.MaxTripsPerRoute,
		TimeGap:               time.Duration(rc.TimeGapMinutes) * time.Minute,
		AutoAssignCrew:        rc.AutoAssignCrew,
		AutoAssignBuses:       rc.AutoAssignBuses,
		AllowFatigueOverride:  rc.AllowFatigueOverride,
		RotationContinuity:    rc.RotationContinuity,
		BusCapacityHint:       rc.BusCapacityHint,
		Calendar:              cal,
		Limits:                e.settings.Limits,
		Fatigue:               e.settings.Fatigue,
		DepotConcurrency:      e.settings.DepotConcurrency,
		OptimizeBudget:        e.settings.OptimizeBudget,
		OptimizeMaxIterations: e.settings.OptimizeMaxIterations,
	}, nil
}

// Snapshot freezes the inventory of the configured depots. With trips set it also loads
// the trips from one rotation cycle before the range to the day after it, so duty rules
// see the work already on record around the range.
func (e *RunEngine) Snapshot(ctx context.Context, cfg scheduler.Config, withTrips bool) (*scheduler.Snapshot, error) {
	takenAt := e.now()
	depots, err := e.inventory.ListDepots(ctx, cfg.Depots)
	if err != nil {
		return nil, err
	}
	routes, err := e.inventory.ListRoutes(ctx, cfg.Depots)
	if err != nil {
		return nil, err
	}
	buses, err := e.inventory.ListBuses(ctx, cfg.Depots)
	if err != nil {
		return nil, err
	}
	crew, err := e.inventory.ListCrew(ctx, cfg.Depots)
	if err != nil {
		return nil, err
	}
	var trips []models.Trip
	if withTrips {
		from := cfg.StartDate.AddDate(0, 0, -e.settings.RotationCycleDays)
		to := cfg.EndDate.AddDate(0, 0, 1)
		trips, err = e.inventory.ListTrips(ctx, cfg.Depots, scheduler.DateKey(from), scheduler.DateKey(to))
		if err != nil {
			return nil, err
		}
	}
	return scheduler.NewSnapshot(takenAt, depots, routes, buses, crew, trips), nil
}
