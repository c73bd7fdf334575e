package relay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":4000"
upstream_dsn: "https://public@sentry.example.com/42"
flush_interval: 10s
blocked_releases: ["backend@1.0.0"]
sample_rates:
  transaction: 0.5
rate_limits:
  error:
    per_second: 10
    burst: 20
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.ListenAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 10*time.Second, cfg.FlushInterval)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, []string{"backend@1.0.0"}, cfg.BlockedReleases)
	assert.Equal(t, map[string]float64{"transaction": 0.5}, cfg.SampleRates)
	assert.Equal(t, map[string]RateLimit{"error": {PerSecond: 10, Burst: 20}}, cfg.RateLimits)
}

func TestLoadConfigEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
upstream_dsn: "https://public@sentry.example.com/42"
flush_interval: 10s
`)
	t.Setenv("OUTCOME_RELAY_FLUSH_INTERVAL", "1m")
	t.Setenv("OUTCOME_RELAY_BLOCKED_ERROR_MESSAGES", "timeout,reset")
	t.Setenv("OUTCOME_RELAY_SAMPLE_RATES", "error:0.1")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.FlushInterval)
	assert.Equal(t, []string{"timeout", "reset"}, cfg.BlockedErrorMessages)
	assert.Equal(t, map[string]float64{"error": 0.1}, cfg.SampleRates)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	t.Setenv("OUTCOME_RELAY_UPSTREAM_DSN", "https://public@sentry.example.com/42")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().ListenAddr, cfg.ListenAddr)
	assert.Equal(t, "https://public@sentry.example.com/42", cfg.UpstreamDSN)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorContains(t, err, "failed to read config file")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "listen_addr: [\n"))
		assert.ErrorContains(t, err, "failed to parse config file")
	})

	t.Run("invalid environment", func(t *testing.T) {
		t.Setenv("OUTCOME_RELAY_QUEUE_SIZE", "lots")
		_, err := LoadConfig(writeConfig(t, `upstream_dsn: "https://public@sentry.example.com/42"`))
		assert.ErrorContains(t, err, "failed to process environment")
	})
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = ""
	cfg.FlushInterval = 0
	cfg.MaxBodyBytes = -1
	cfg.SampleRates = map[string]float64{"error": 1.5}
	cfg.RateLimits = map[string]RateLimit{"error": {PerSecond: -1}}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"listen_addr is required",
		"upstream_dsn is required",
		"flush_interval must be positive",
		"max_body_bytes must be positive",
		"sample_rates[error]",
		"rate_limits[error]",
	} {
		assert.ErrorContains(t, err, want)
	}

	cfg = DefaultConfig()
	cfg.UpstreamDSN = "not a dsn"
	assert.ErrorContains(t, cfg.Validate(), "upstream_dsn:")

	cfg.UpstreamDSN = "https://public@sentry.example.com/42"
	assert.NoError(t, cfg.Validate())
}
