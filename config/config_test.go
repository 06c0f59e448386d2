package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "DEV", cfg.Env)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "dues.db", cfg.DB.Path)
	assert.Equal(t, 3, cfg.Billing.GraceDays)
	assert.True(t, cfg.Billing.CoercePending)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 30*time.Second, cfg.Cache.StatsTTL)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "0 6 * * *", cfg.Scheduler.ReclassifyCron)
	assert.NotEmpty(t, cfg.HTTP.CORSOrigins)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("DUES_HTTP_PORT", "9090")
	t.Setenv("DUES_BILLING_GRACE_DAYS", "5")
	t.Setenv("DUES_BILLING_COERCE_PENDING", "false")
	t.Setenv("DUES_CACHE_STATS_TTL", "2m")
	t.Setenv("DUES_SCHEDULER_ENABLED", "true")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 5, cfg.Billing.GraceDays)
	assert.False(t, cfg.Billing.CoercePending)
	assert.Equal(t, 2*time.Minute, cfg.Cache.StatsTTL)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ENV", "test")
	// Registered so the value godotenv sets is cleared after the test.
	t.Setenv("DUES_DB_PATH", "")
	os.Unsetenv("DUES_DB_PATH")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.test"), []byte("DUES_DB_PATH=/tmp/test-dues.db\n"), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "TEST", cfg.Env)
	assert.Equal(t, "/tmp/test-dues.db", cfg.DB.Path)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("DUES_BILLING_GRACE_DAYS", "-1")

	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestConfig_Logger(t *testing.T) {
	cfg := &Config{Env: "PROD"}
	cfg.Log.Level = "warn"
	logger, err := cfg.Logger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1), "debug is off at warn")

	cfg.Log.Level = "loud"
	_, err = cfg.Logger()
	assert.Error(t, err)
}
