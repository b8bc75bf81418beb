package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.EventBus.Transport)
	assert.Equal(t, 8, cfg.EventBus.Partitions)
	assert.Equal(t, 2*time.Second, cfg.EventBus.PublishTimeout)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	assert.Equal(t, 75, cfg.Challenges.JobReward)
	assert.Equal(t, time.UTC, cfg.Location)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JOBQUEST_HTTP_PORT", "9090")
	t.Setenv("JOBQUEST_APP_TIMEZONE", "Europe/Berlin")
	t.Setenv("JOBQUEST_EVENTBUS_HANDLER_TIMEOUT", "5s")
	t.Setenv("JOBQUEST_CHALLENGES_JOB_TARGET", "5")

	cfg, err := LoadFrom(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "Europe/Berlin", cfg.Location.String())
	assert.Equal(t, 5*time.Second, cfg.EventBus.HandlerTimeout)
	assert.Equal(t, 5, cfg.Challenges.JobTarget)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  url: postgres://localhost/jobquest
redis:
  enabled: true
eventbus:
  transport: redis
scheduler:
  reconcile_schedule: "@every 30s"
`), 0o600))

	t.Setenv(FileEnv, path)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "redis", cfg.EventBus.Transport)
	assert.Equal(t, "@every 30s", cfg.Scheduler.ReconcileSchedule)
	assert.Equal(t, "@every 1m", cfg.Scheduler.ReplaySchedule)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := LoadFrom(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_ReportsEverything(t *testing.T) {
	t.Setenv("JOBQUEST_DATABASE_DRIVER", "postgres")
	t.Setenv("JOBQUEST_EVENTBUS_TRANSPORT", "redis")
	t.Setenv("JOBQUEST_HTTP_PORT", "0")

	_, err := LoadFrom(viper.New(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url is required")
	assert.Contains(t, err.Error(), "requires redis.enabled")
	assert.Contains(t, err.Error(), "http.port")
}

func TestValidate_SQLiteNotInProduction(t *testing.T) {
	t.Setenv("JOBQUEST_APP_ENV", "production")
	_, err := LoadFrom(viper.New(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed in production")
}

func TestLoad_BadTimezone(t *testing.T) {
	t.Setenv("JOBQUEST_APP_TIMEZONE", "Mars/Olympus")
	_, err := LoadFrom(viper.New(), "")
	assert.Error(t, err)
}
