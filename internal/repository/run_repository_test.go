package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

func newSQLMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var runRowColumns = []string{"id", "config", "status", "progress", "current_operation", "activity_log", "report", "error_message", "created_by", "created_at", "started_at", "finished_at"}

func TestRunRepositoryCreateAndGet(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewRunRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scheduling_runs")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "idle", 0, "", sqlmock.AnyArg(), nil, nil, "user-1", sqlmock.AnyArg(), nil, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	run := &models.SchedulingRun{
		Config:    models.RunConfig{StartDate: "2025-03-01", EndDate: "2025-03-01", Depots: []string{"dep-a"}, Mode: models.RunModeAuto},
		CreatedBy: "user-1",
	}
	require.NoError(t, repo.Create(context.Background(), run))
	require.NotEmpty(t, run.ID)

	rows := sqlmock.NewRows(runRowColumns).
		AddRow(run.ID, `{"startDate":"2025-03-01","endDate":"2025-03-01","depots":["dep-a"],"mode":"auto"}`, "completed", 100, "done",
			`[{"at":"2025-03-01T00:00:00Z","level":"info","message":"run started"}]`, `{"tripsCreated":8,"successRate":100}`, nil, "user-1", time.Now(), time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, config, status, progress, current_operation, activity_log, report, error_message, created_by, created_at, started_at, finished_at FROM scheduling_runs WHERE id = $1")).
		WithArgs(run.ID).
		WillReturnRows(rows)

	fetched, err := repo.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCompleted, fetched.Status)
	require.Equal(t, []string{"dep-a"}, fetched.Config.Depots)
	require.Len(t, fetched.ActivityLog, 1)
	require.NotNil(t, fetched.Report)
	require.Equal(t, 8, fetched.Report.TripsCreated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepositoryUpdate(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()
	repo := NewRunRepository(db)

	now := time.Now()
	status := models.RunStatusStopped
	progress := 40
	mock.ExpectExec(regexp.QuoteMeta("UPDATE scheduling_runs SET status = $1, progress = $2, finished_at = $3 WHERE id = $4")).
		WithArgs(status, progress, now, "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Update(context.Background(), "run-1", UpdateRunParams{
		Status:     &status,
		Progress:   &progress,
		FinishedAt: &now,
	})
	require.NoError(t, err)
	require.NoError(t, repo.Update(context.Background(), "run-1", UpdateRunParams{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepositoryListFiltersByStatus(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()
	repo := NewRunRepository(db)

	status := models.RunStatusFailed
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM scheduling_runs WHERE status = $1")).
		WithArgs(status).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("FROM scheduling_runs WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3")).
		WithArgs(status, 2, 0).
		WillReturnRows(sqlmock.NewRows(runRowColumns).
			AddRow("run-1", `{}`, "failed", 10, "", `[]`, nil, "timeout", "user-1", time.Now(), nil, time.Now()))

	runs, total, err := repo.List(context.Background(), models.RunFilter{Status: &status, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, runs, 1)
	require.Nil(t, runs[0].Report)
	require.Equal(t, "timeout", *runs[0].ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepositoryListByStatus(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()
	repo := NewRunRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM scheduling_runs WHERE status = ANY($1) ORDER BY created_at ASC LIMIT $2")).
		WithArgs(pq.Array([]string{"idle", "running"}), 20).
		WillReturnRows(sqlmock.NewRows(runRowColumns).
			AddRow("run-1", `{}`, "running", 10, "planning", `[]`, nil, nil, "user-1", time.Now(), time.Now(), nil))

	runs, err := repo.ListByStatus(context.Background(), []models.RunStatus{models.RunStatusIdle, models.RunStatusRunning}, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
