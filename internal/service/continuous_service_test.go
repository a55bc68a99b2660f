package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/internal/dto"
	"github.com/noah-isme/fleet-scheduler-api/internal/models"
	appErrors "github.com/noah-isme/fleet-scheduler-api/pkg/errors"
)

type runStarterStub struct {
	reqs   []dto.StartRunRequest
	actors []string
	err    error
}

func (s *runStarterStub) Start(_ context.Context, req dto.StartRunRequest, actorID string) (*dto.StartRunResponse, error) {
	s.reqs = append(s.reqs, req)
	s.actors = append(s.actors, actorID)
	if s.err != nil {
		return nil, s.err
	}
	return &dto.StartRunResponse{RunID: "run-1"}, nil
}

func TestContinuousSchedulerTickStartsHorizonRun(t *testing.T) {
	starter := &runStarterStub{}
	store := newFleetStore().depot("d1", 1, 1, 1).depot("d2", 1, 1, 1)
	c := NewContinuousScheduler(starter, store, ContinuousConfig{HorizonDays: 7, Location: testLoc}, zap.NewNop())
	// 20:00 UTC on the 4th is already the 5th in IST.
	c.now = func() time.Time { return time.Date(2025, time.March, 4, 20, 0, 0, 0, time.UTC) }

	id := c.Tick(context.Background())

	assert.Equal(t, "run-1", id)
	require.Len(t, starter.reqs, 1)
	req := starter.reqs[0]
	assert.Equal(t, "2025-03-06", req.StartDate)
	assert.Equal(t, "2025-03-12", req.EndDate)
	assert.Equal(t, []string{"d1", "d2"}, req.Depots)
	assert.Equal(t, string(models.RunModeAuto), req.Mode)
	assert.Equal(t, ContinuousActor, starter.actors[0])
}

func TestContinuousSchedulerConfiguredDepots(t *testing.T) {
	starter := &runStarterStub{}
	c := NewContinuousScheduler(starter, newFleetStore(), ContinuousConfig{Depots: []string{"d7"}}, nil)

	c.Tick(context.Background())

	require.Len(t, starter.reqs, 1)
	assert.Equal(t, []string{"d7"}, starter.reqs[0].Depots)
}

func TestContinuousSchedulerSkipsQuietly(t *testing.T) {
	starter := &runStarterStub{err: appErrors.Clone(appErrors.ErrConflict, "depot d1 is being scheduled or cleared")}
	c := NewContinuousScheduler(starter, newFleetStore().depot("d1", 1, 1, 1), ContinuousConfig{}, zap.NewNop())
	assert.Empty(t, c.Tick(context.Background()))

	starter.err = errors.New("database down")
	assert.Empty(t, c.Tick(context.Background()))

	empty := NewContinuousScheduler(starter, newFleetStore(), ContinuousConfig{}, zap.NewNop())
	assert.Empty(t, empty.Tick(context.Background()))
	assert.Len(t, starter.reqs, 2, "no depots means no run")
}

func TestContinuousSchedulerAgainstService(t *testing.T) {
	h := newSchedulingHarness(t, newFleetStore().depot("d1", 1, 1, 1), nil, nil)
	c := NewContinuousScheduler(h.svc, h.store, ContinuousConfig{HorizonDays: 2, Location: testLoc}, zap.NewNop())
	c.now = func() time.Time { return time.Date(2025, time.March, 4, 6, 0, 0, 0, time.UTC) }

	first := c.Tick(context.Background())
	require.NotEmpty(t, first)
	assert.Empty(t, c.Tick(context.Background()), "the depot is still locked by the first run")

	run := h.runs.get(t, first)
	assert.Equal(t, ContinuousActor, run.CreatedBy)
	assert.Equal(t, "2025-03-05", run.Config.StartDate)
	assert.Equal(t, "2025-03-06", run.Config.EndDate)
}
