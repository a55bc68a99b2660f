package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/internal/dto"
	"github.com/noah-isme/fleet-scheduler-api/internal/models"
	"github.com/noah-isme/fleet-scheduler-api/internal/scheduler"
	appErrors "github.com/noah-isme/fleet-scheduler-api/pkg/errors"
)

// ContinuousActor is recorded as the creator of rolling-horizon runs.
const ContinuousActor = "system:continuous"

type runStarter interface {
	Start(ctx context.Context, req dto.StartRunRequest, actorID string) (*dto.StartRunResponse, error)
}

type depotLister interface {
	ListDepots(ctx context.Context, ids []string) ([]models.Depot, error)
}

// ContinuousConfig drives the rolling-horizon scheduler.
type ContinuousConfig struct {
	Interval    time.Duration
	HorizonDays int
	// Depots to keep scheduled; empty means every depot.
	Depots   []string
	Location *time.Location
}

// ContinuousScheduler periodically starts an auto run that keeps the next HorizonDays
// service dates scheduled, beginning tomorrow.
type ContinuousScheduler struct {
	runs   runStarter
	depots depotLister
	cfg    ContinuousConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewContinuousScheduler constructs the scheduler.
func NewContinuousScheduler(runs runStarter, depots depotLister, cfg ContinuousConfig, logger *zap.Logger) *ContinuousScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = 7
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContinuousScheduler{runs: runs, depots: depots, cfg: cfg, logger: logger, now: time.Now}
}

// Start ticks once immediately and then every interval until ctx is done.
func (c *ContinuousScheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		c.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Tick(ctx)
			}
		}
	}()
}

// Tick starts one horizon run and returns its id. Locked depots skip the tick silently
// and return an empty id.
func (c *ContinuousScheduler) Tick(ctx context.Context) string {
	depots := c.cfg.Depots
	if len(depots) == 0 {
		all, err := c.depots.ListDepots(ctx, nil)
		if err != nil {
			c.logger.Sugar().Warnw("continuous scheduling: failed to list depots", "error", err)
			return ""
		}
		for _, d := range all {
			depots = append(depots, d.ID)
		}
	}
	if len(depots) == 0 {
		return ""
	}

	today := c.now().In(c.cfg.Location)
	start := time.Date(today.Year(), today.Month(), today.Day()+1, 0, 0, 0, 0, c.cfg.Location)
	end := start.AddDate(0, 0, c.cfg.HorizonDays-1)
	resp, err := c.runs.Start(ctx, dto.StartRunRequest{
		StartDate: scheduler.DateKey(start),
		EndDate:   scheduler.DateKey(end),
		Depots:    depots,
		Mode:      string(models.RunModeAuto),
	}, ContinuousActor)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrConflict) {
			c.logger.Sugar().Debugw("continuous scheduling skipped: depots locked", "error", err)
			return ""
		}
		c.logger.Sugar().Warnw("continuous scheduling run failed to start", "error", err)
		return ""
	}
	c.logger.Sugar().Infow("continuous scheduling run started", "run_id", resp.RunID, "from", scheduler.DateKey(start), "to", scheduler.DateKey(end))
	return resp.RunID
}
