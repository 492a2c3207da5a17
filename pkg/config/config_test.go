package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/config"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/finance"
)

var envKeys = []string{
	"PORT", "LOG_LEVEL", "EXECUTOR_TIMEOUT_MS", "MAX_INVOKE_DEPTH", "CEL_COST_LIMIT",
	"DISK_QUOTA_BYTES", "MINT_INTERVAL", "MINT_PER_POINT", "MINT_MINIMUM_BID",
	"ORACLE_PROVIDER", "ORACLE_API_KEY", "REDIS_ADDR", "CHECKPOINT_BACKEND",
	"CHECKPOINT_DSN", "JWT_SECRET", "ALLOW_UNAUTHENTICATED", "ACTIONS_PER_MINUTE", "GENESIS_BALANCES",
	"OTEL_EXPORTER_OTLP_ENDPOINT", config.FileEnv,
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies that Load() boots with safe defaults when no
// environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, int64(5000), cfg.Executor.TimeLimitMs)
	assert.Equal(t, 5, cfg.Executor.MaxInvokeDepth)
	assert.Equal(t, time.Minute, cfg.Mint.Interval)
	assert.Equal(t, int64(10), cfg.Mint.MintPerPoint)
	assert.Equal(t, "static", cfg.Oracle.Provider)
	assert.Empty(t, cfg.Checkpoint.Backend)
	assert.Empty(t, cfg.Auth.JWTSecret)
	assert.False(t, cfg.Auth.AllowUnauthenticated)
	assert.Nil(t, cfg.Limits)
	assert.Nil(t, cfg.Balances)
}

// TestLoad_Overrides verifies that environment variables override defaults.
func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("EXECUTOR_TIMEOUT_MS", "250")
	t.Setenv("MINT_INTERVAL", "30s")
	t.Setenv("ORACLE_PROVIDER", "anthropic")
	t.Setenv("ORACLE_API_KEY", "sk-test")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("CHECKPOINT_BACKEND", "sqlite")
	t.Setenv("CHECKPOINT_DSN", "/tmp/e.db")
	t.Setenv("ACTIONS_PER_MINUTE", "30")
	t.Setenv("GENESIS_BALANCES", "alice=100, bob=50")
	t.Setenv("ALLOW_UNAUTHENTICATED", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, int64(250), cfg.Executor.TimeLimitMs)
	assert.Equal(t, 30*time.Second, cfg.Mint.Interval)
	assert.Equal(t, "anthropic", cfg.Oracle.Provider)
	assert.Equal(t, "sk-test", cfg.Oracle.APIKey)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Backend)
	assert.Equal(t, "/tmp/e.db", cfg.Checkpoint.DSN)
	require.Contains(t, cfg.Limits, "actions")
	assert.Equal(t, 30.0, cfg.Limits["actions"].MaxPerWindow)
	assert.Equal(t, time.Minute, cfg.Limits["actions"].Window)
	assert.Equal(t, map[string]int64{"alice": 100, "bob": 50}, cfg.Balances)
	assert.True(t, cfg.Auth.AllowUnauthenticated)
}

func TestLoad_BadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXECUTOR_TIMEOUT_MS", "soon")
	t.Setenv("MINT_INTERVAL", "often")
	t.Setenv("ALLOW_UNAUTHENTICATED", "sometimes")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXECUTOR_TIMEOUT_MS")
	assert.Contains(t, err.Error(), "MINT_INTERVAL")
	assert.Contains(t, err.Error(), "ALLOW_UNAUTHENTICATED")

	clearEnv(t)
	t.Setenv("CHECKPOINT_BACKEND", "tape")
	_, err = config.Load()
	assert.ErrorContains(t, err, "unknown checkpoint backend")
}

func TestLoad_FileOverlay(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("MINT_PER_POINT", "3")

	path := filepath.Join(t.TempDir(), "ecology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: WARN
executor:
  time_limit_ms: 1500
  max_invoke_depth: 3
  cost_limit: 5000
  memory_limit_bytes: 1048576
disk_quota_bytes: 4096
limits:
  actions:
    max_per_window: 10
    window: 1m
  cpu_seconds:
    max_per_window: 2.5
    window: 30s
cost_model:
  cpu_seconds:
    resource: compute
    per_unit: 0.5
balances:
  alice: 200
mint:
  interval: 2m
checkpoint:
  backend: blob
  blob_type: s3
  s3_bucket: snapshots
`), 0o600))
	t.Setenv(config.FileEnv, path)

	cfg, err := config.Load()
	require.NoError(t, err)

	// Keys absent from the file keep their environment value.
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(3), cfg.Mint.MintPerPoint)

	assert.Equal(t, "WARN", cfg.LogLevel)
	assert.Equal(t, int64(1500), cfg.Executor.TimeLimitMs)
	assert.Equal(t, 3, cfg.Executor.MaxInvokeDepth)
	assert.Equal(t, uint64(5000), cfg.Executor.CostLimit)
	assert.Equal(t, int64(4096), cfg.DiskQuotaBytes)
	assert.Equal(t, 30*time.Second, cfg.Limits["cpu_seconds"].Window)
	assert.Equal(t, 2.5, cfg.Limits["cpu_seconds"].MaxPerWindow)
	assert.Equal(t, finance.CostModel{"cpu_seconds": {Resource: "compute", PerUnit: finance.FromFloat(0.5)}}, cfg.CostModel)
	assert.Equal(t, map[string]int64{"alice": 200}, cfg.Balances)
	assert.Equal(t, 2*time.Minute, cfg.Mint.Interval)
	assert.Equal(t, "blob", cfg.Checkpoint.Backend)
	assert.Equal(t, "s3", cfg.Checkpoint.BlobType)
	assert.Equal(t, "snapshots", cfg.Checkpoint.S3Bucket)
}

func TestLoad_FileErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv(config.FileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := config.Load()
	assert.ErrorContains(t, err, "load config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limits:\n  actions:\n    max_per_window: 0\n    window: 1m\n"), 0o600))
	t.Setenv(config.FileEnv, path)
	_, err = config.Load()
	assert.ErrorContains(t, err, `limit "actions"`)
}

func TestParseBalances(t *testing.T) {
	got, err := config.ParseBalances("alice=1,,bob=2")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 1, "bob": 2}, got)

	for _, bad := range []string{"alice", "=5", "alice=-1", "alice=ten"} {
		_, err := config.ParseBalances(bad)
		assert.Error(t, err, bad)
	}
}
