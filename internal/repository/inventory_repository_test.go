package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

func TestInventoryRepositoryListDepots(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()
	repo := NewInventoryRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, code, name, location, created_at FROM depots WHERE id = ANY($1) ORDER BY code ASC")).
		WithArgs(pq.Array([]string{"dep-a", "dep-x"})).
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "name", "location", "created_at"}).
			AddRow("dep-a", "NRT", "North", "Pune", time.Now()))

	depots, err := repo.ListDepots(context.Background(), []string{"dep-a", "dep-x"})
	require.NoError(t, err)
	require.Len(t, depots, 1)
	require.Equal(t, "NRT", depots[0].Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInventoryRepositoryListCrewDecodesDutyLog(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()
	repo := NewInventoryRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM crew_members WHERE depot_id = ANY($1) ORDER BY id")).
		WithArgs(pq.Array([]string{"dep-a"})).
		WillReturnRows(sqlmock.NewRows([]string{"id", "depot_id", "name", "role", "status", "duty_log", "rest_hours_since_last_duty", "version", "updated_at"}).
			AddRow("drv-1", "dep-a", "Asha", "driver", "available", `[{"date":"2025-03-04","hours":8,"distanceKm":210}]`, 14.5, 3, time.Now()))

	crew, err := repo.ListCrew(context.Background(), []string{"dep-a"})
	require.NoError(t, err)
	require.Len(t, crew, 1)
	require.Equal(t, models.CrewRoleDriver, crew[0].Role)
	require.Equal(t, models.DutyLog{{Date: "2025-03-04", Hours: 8, DistanceKm: 210}}, crew[0].DutyLog)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInventoryRepositoryListTripsByServiceDate(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()
	repo := NewInventoryRepository(db)

	dep := time.Date(2025, time.March, 5, 6, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE depot_id = ANY($1) AND service_date BETWEEN $2::date AND $3::date")).
		WithArgs(pq.Array([]string{"dep-a"}), "2025-02-27", "2025-03-07").
		WillReturnRows(sqlmock.NewRows([]string{"id", "route_id", "depot_id", "service_date", "departure_time", "arrival_time", "bus_id", "driver_id", "conductor_id", "status", "origin_run_id", "fatigue_override", "created_at", "updated_at"}).
			AddRow("trip-1", "route-1", "dep-a", dep.Truncate(24*time.Hour), dep, dep.Add(time.Hour), "bus-1", "drv-1", nil, "completed", nil, false, dep, dep))

	trips, err := repo.ListTrips(context.Background(), []string{"dep-a"}, "2025-02-27", "2025-03-07")
	require.NoError(t, err)
	require.Len(t, trips, 1)
	require.Equal(t, "bus-1", *trips[0].BusID)
	require.Nil(t, trips[0].ConductorID)
	require.True(t, trips[0].OccupiesResources())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInventoryRepositoryRefreshSkipsEmptyIDs(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()
	repo := NewInventoryRepository(db)

	buses, err := repo.ListBusesByIDs(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, buses)
	crew, err := repo.ListCrewByIDs(context.Background(), []string{})
	require.NoError(t, err)
	require.Nil(t, crew)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInventoryRepositoryStats(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()
	repo := NewInventoryRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("(SELECT COUNT(*) FROM depots) AS total_depots")).
		WithArgs("2025-03-05").
		WillReturnRows(sqlmock.NewRows([]string{"total_depots", "total_buses", "active_buses", "total_routes", "total_crew", "total_trips", "trips_scheduled_today", "active_trips", "buses_in_service_today"}).
			AddRow(2, 20, 18, 6, 60, 400, 48, 5, 12))

	stats, err := repo.Stats(context.Background(), "2025-03-05")
	require.NoError(t, err)
	require.Equal(t, 18, stats.ActiveBuses)
	require.Equal(t, 12, stats.BusesInServiceToday)
	require.NoError(t, mock.ExpectationsWereMet())
}
