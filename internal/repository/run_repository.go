package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

const runColumns = `id, config, status, progress, current_operation, activity_log, report, error_message, created_by, created_at, started_at, finished_at`

// RunRepository persists scheduling runs.
type RunRepository struct {
	db *sqlx.DB
}

// NewRunRepository constructs the repository.
func NewRunRepository(db *sqlx.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a new run row with generated defaults.
func (r *RunRepository) Create(ctx context.Context, run *models.SchedulingRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunStatusIdle
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.ActivityLog == nil {
		run.ActivityLog = models.ActivityLog{}
	}
	const query = `INSERT INTO scheduling_runs (id, config, status, progress, current_operation, activity_log, report, error_message, created_by, created_at, started_at, finished_at)
VALUES (:id, :config, :status, :progress, :current_operation, :activity_log, :report, :error_message, :created_by, :created_at, :started_at, :finished_at)`
	if _, err := r.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("create scheduling run: %w", err)
	}
	return nil
}

// GetByID returns a run by its identifier.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.SchedulingRun, error) {
	query := `SELECT ` + runColumns + ` FROM scheduling_runs WHERE id = $1`
	var run models.SchedulingRun
	if err := r.db.GetContext(ctx, &run, query, id); err != nil {
		return nil, fmt.Errorf("get scheduling run: %w", err)
	}
	return &run, nil
}

// UpdateRunParams defines the mutable fields of a run.
type UpdateRunParams struct {
	Status           *models.RunStatus
	Progress         *int
	CurrentOperation *string
	ActivityLog      *models.ActivityLog
	Report           *models.RunReport
	ErrorMessage     *string
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// Update persists the provided changes for a run.
func (r *RunRepository) Update(ctx context.Context, id string, params UpdateRunParams) error {
	set := make([]string, 0, 8)
	args := make([]interface{}, 0, 9)
	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if params.Status != nil {
		add("status", *params.Status)
	}
	if params.Progress != nil {
		add("progress", *params.Progress)
	}
	if params.CurrentOperation != nil {
		add("current_operation", *params.CurrentOperation)
	}
	if params.ActivityLog != nil {
		add("activity_log", *params.ActivityLog)
	}
	if params.Report != nil {
		add("report", *params.Report)
	}
	if params.ErrorMessage != nil {
		add("error_message", *params.ErrorMessage)
	}
	if params.StartedAt != nil {
		add("started_at", *params.StartedAt)
	}
	if params.FinishedAt != nil {
		add("finished_at", *params.FinishedAt)
	}

	if len(set) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE scheduling_runs SET %s WHERE id = $%d", strings.Join(set, ", "), len(args))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update scheduling run: %w", err)
	}
	return nil
}

// List returns runs newest first together with the total matching the filter.
func (r *RunRepository) List(ctx context.Context, filter models.RunFilter) ([]models.SchedulingRun, int, error) {
	where := ""
	args := make([]interface{}, 0, 3)
	if filter.Status != nil {
		args = append(args, *filter.Status)
		where = fmt.Sprintf(" WHERE status = $%d", len(args))
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM scheduling_runs"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count scheduling runs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf("SELECT %s FROM scheduling_runs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d", runColumns, where, len(args)-1, len(args))
	var runs []models.SchedulingRun
	if err := r.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list scheduling runs: %w", err)
	}
	return runs, total, nil
}

// ListByStatus fetches runs in any of the statuses, oldest first (used for cold start recovery).
func (r *RunRepository) ListByStatus(ctx context.Context, statuses []models.RunStatus, limit int) ([]models.SchedulingRun, error) {
	if limit <= 0 {
		limit = 20
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	query := `SELECT ` + runColumns + ` FROM scheduling_runs WHERE status = ANY($1) ORDER BY created_at ASC LIMIT $2`
	var runs []models.SchedulingRun
	if err := r.db.SelectContext(ctx, &runs, query, pq.Array(values), limit); err != nil {
		return nil, fmt.Errorf("list scheduling runs by status: %w", err)
	}
	return runs, nil
}
