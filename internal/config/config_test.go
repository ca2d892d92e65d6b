package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "composite.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 5.0, cfg.Compare.TotalScore, 1e-9)
	assert.InDelta(t, 2.0, cfg.Compare.PerComponent, 1e-9)
	assert.InDelta(t, 1e-4, cfg.Compare.Tolerance, 1e-12)
	assert.Equal(t, "zero_fill", cfg.Aggregate.DenominatorPolicy)
	assert.InDelta(t, 1.0, cfg.Ingest.ImpurityThreshold, 1e-9)
	assert.Equal(t, 90, cfg.Review.PeriodDays)
	assert.Equal(t, 30, cfg.Review.DraftTTLDays)
	assert.Equal(t, 3, cfg.Retry.ConflictAttempts)
	assert.Equal(t, 30, cfg.FTP.TimeoutSecs)
	assert.Empty(t, cfg.Monitoring.WebhookURL)

	assert.NoError(t, cfg.Validate("cli"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/composites
log:
  level: debug
  format: console
compare:
  total_score: 7.5
aggregate:
  denominator_policy: present_only
monitoring:
  webhook_url: https://hooks.example.com/drift
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.InDelta(t, 7.5, cfg.Compare.TotalScore, 1e-9)
	assert.Equal(t, "present_only", cfg.Aggregate.DenominatorPolicy)
	// Defaults still apply for unset values
	assert.InDelta(t, 2.0, cfg.Compare.PerComponent, 1e-9)
	assert.NoError(t, cfg.Validate("redeliver"))
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("COMPOSITE_STORE_DRIVER", "postgres")
	t.Setenv("COMPOSITE_LOG_LEVEL", "warn")
	t.Setenv("COMPOSITE_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func validDefaults(t *testing.T) *Config {
	t.Helper()
	chdirTemp(t)
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestValidate_Enumerations(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Store.Driver = "mysql"
	cfg.Aggregate.DenominatorPolicy = "mean"

	err := cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be one of [sqlite postgres], got mysql")
	assert.Contains(t, err.Error(), "aggregate.denominator_policy must be one of")
}

func TestValidate_Ranges(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Compare.TotalScore = -1
	cfg.Ingest.ImpurityThreshold = 101
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compare.total_score must be gte 0")
	assert.Contains(t, err.Error(), "ingest.impurity_threshold must be lte 100")
	assert.Contains(t, err.Error(), "server.port must be min 1")
}

func TestValidate_RequiredDatabaseURL(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_WebhookURL(t *testing.T) {
	cfg := validDefaults(t)

	err := cfg.Validate("redeliver")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.webhook_url is required")

	cfg.Monitoring.WebhookURL = "not a url"
	err = cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.webhook_url must be a URL")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults(t)
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
