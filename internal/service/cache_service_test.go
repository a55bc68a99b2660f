package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/internal/dto"
	"github.com/noah-isme/fleet-scheduler-api/internal/models"
	"github.com/noah-isme/fleet-scheduler-api/internal/repository"
)

func newRedisCache(t *testing.T, ttl time.Duration) (*CacheService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCacheService(repository.NewCacheRepository(client), NewMetricsService(), ttl, zap.NewNop()), mr
}

func TestSchedulingServiceStatsAreCachedUntilCleared(t *testing.T) {
	store := newFleetStore().depot("d1", 1, 4, 1)
	day := time.Date(2025, time.March, 5, 0, 0, 0, 0, time.UTC)
	scheduled := func(hour int) models.Trip {
		return models.Trip{
			RouteID:       "d1-route-01",
			DepotID:       "d1",
			ServiceDate:   day,
			DepartureTime: day.Add(time.Duration(hour) * time.Hour),
			Status:        models.TripStatusScheduled,
		}
	}
	store.addTrip(scheduled(1))
	h := newSchedulingHarness(t, store, nil, nil)
	h.svc.now = func() time.Time { return time.Date(2025, time.March, 5, 6, 0, 0, 0, time.UTC) }
	cache, mr := newRedisCache(t, time.Minute)
	h.svc.UseCache(cache)
	ctx := context.Background()

	first, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.TripsScheduledToday)
	assert.True(t, mr.Exists("fleet:cache:stats:2025-03-05"))

	store.addTrip(scheduled(2))
	cached, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cached.TripsScheduledToday, "served from cache")

	_, err = h.svc.Clear(ctx, dto.DateRangeRequest{StartDate: "2025-03-05", EndDate: "2025-03-05", Depots: []string{"d1"}})
	require.NoError(t, err)
	assert.False(t, mr.Exists("fleet:cache:stats:2025-03-05"))

	fresh, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.TripsScheduledToday)
}

func TestCacheServiceDegradesWhenStoreFails(t *testing.T) {
	cache, mr := newRedisCache(t, time.Minute)
	mr.SetError("READONLY")

	var dest map[string]int
	assert.False(t, cache.Get(context.Background(), "stats:x", &dest))
	cache.Set(context.Background(), "stats:x", map[string]int{"a": 1})
	cache.Invalidate(context.Background(), statsCachePattern)
}

func TestCacheServiceDisabled(t *testing.T) {
	var nilCache *CacheService
	assert.False(t, nilCache.Enabled())
	assert.False(t, nilCache.Get(context.Background(), "k", &struct{}{}))
	nilCache.Set(context.Background(), "k", 1)

	zeroTTL := NewCacheService(failingStore{}, nil, 0, nil)
	assert.False(t, zeroTTL.Enabled())
	assert.False(t, zeroTTL.Get(context.Background(), "k", &struct{}{}))
}

type failingStore struct{}

func (failingStore) Get(context.Context, string, interface{}) error { return errors.New("boom") }
func (failingStore) Set(context.Context, string, interface{}, time.Duration) error {
	return errors.New("boom")
}
func (failingStore) DeleteByPattern(context.Context, string) error { return errors.New("boom") }
