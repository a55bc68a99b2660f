package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, "Asia/Kolkata", cfg.Scheduler.Timezone)
	assert.Equal(t, 6*time.Hour, cfg.Scheduler.LockTTL)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.DefaultTimeGap)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.StatsCacheTTL)
	assert.Equal(t, 1.2, cfg.Scheduler.SeasonalMultipliers["summer"])
	assert.Nil(t, cfg.Scheduler.WeekendMultiplier, "unset weekend factor leaves slot counts unscaled")
	assert.False(t, cfg.Scheduler.Continuous.Enabled)
	assert.Nil(t, cfg.CORS.AllowedOrigins)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENV", EnvProduction)
	t.Setenv("ALLOWED_ORIGINS", " https://ops.example.com , ,https://depot.example.com")
	t.Setenv("SCHEDULER_LOCK_TTL", "90m")
	t.Setenv("SCHEDULER_WATCHDOG_INTERVAL", "not-a-duration")
	t.Setenv("SCHEDULER_SEASONAL_MULTIPLIERS", "Winter=0.5,broken,summer=-1,autumn=x")
	t.Setenv("CONTINUOUS_SCHEDULING_DEPOTS", "north,south")
	t.Setenv("RATE_LIMIT_RPS", "0.5")
	t.Setenv("SCHEDULER_WEEKEND_MULTIPLIER", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvProduction, cfg.Env)
	assert.Equal(t, []string{"https://ops.example.com", "https://depot.example.com"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 90*time.Minute, cfg.Scheduler.LockTTL)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.WatchdogInterval, "unparseable durations fall back")
	assert.Equal(t, map[string]float64{"winter": 0.5}, cfg.Scheduler.SeasonalMultipliers)
	assert.Equal(t, []string{"north", "south"}, cfg.Scheduler.Continuous.Depots)
	assert.Equal(t, 0.5, cfg.RateLimit.RPS)
	require.NotNil(t, cfg.Scheduler.WeekendMultiplier)
	assert.Equal(t, 0.0, *cfg.Scheduler.WeekendMultiplier)
}
