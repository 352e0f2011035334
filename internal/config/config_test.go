package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexus-trading/lanetrader/internal/execution"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/sentinel"
	"github.com/nexus-trading/lanetrader/internal/venue/jupiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "lanetrader-config-*.yaml")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	_, err = tmpFile.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())
	return tmpFile.Name()
}

func TestLoadConfig(t *testing.T) {
	yaml := `
general:
  instance_id: "test-node"
  environment: "staging"
  log_level: "debug"
  log_format: "console"
  mode: "LIVE"

portfolio:
  starting_equity_usd: 2500
  lane_cap_pct:
    SAFE: 0.5

lanes:
  priority: [SAFE, GIANT]

sentinel:
  strictness: hard

venues:
  enabled: [rpc]
  primary:
    slippage_bps: 150

market:
  source: kafka

storage:
  backend: sqlite
  sqlite_path: /tmp/lanetrader-test.db

kafka:
  enabled: true
  brokers:
    - "localhost:19092"
`
	cfg, err := Load(writeTemp(t, yaml))
	require.NoError(t, err)

	assert.Equal(t, "test-node", cfg.General.InstanceID)
	assert.Equal(t, "staging", cfg.General.Environment)
	assert.Equal(t, "console", cfg.General.LogFormat)
	assert.Equal(t, execution.ModeLive, cfg.Execution.Mode)
	assert.Equal(t, 2500.0, cfg.Portfolio.StartingEquityUSD)
	assert.Equal(t, 0.5, cfg.Portfolio.LaneCapPct[position.LaneSafe])
	assert.Equal(t, 0.30, cfg.Portfolio.LaneCapPct[position.LaneGiant], "unset lanes keep their default cap")
	assert.Equal(t, []position.Lane{position.LaneSafe, position.LaneGiant}, cfg.Lanes.Priority)
	assert.Equal(t, sentinel.StrictnessHard, cfg.Sentinel.Strictness)
	assert.Equal(t, []jupiter.RouteMode{jupiter.RouteRPC}, cfg.Venues.Enabled)
	assert.Equal(t, 150, cfg.Venues.Primary.SlippageBps)
	assert.Equal(t, SourceKafka, cfg.Market.Source)
	assert.Equal(t, "test-node", cfg.Market.GroupID)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"localhost:19092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "test-node", cfg.Lifecycle.Producer)

	p := cfg.Kafka.Producer(cfg.General.InstanceID)
	assert.Equal(t, "test-node", p.InstanceID)
	assert.Equal(t, cfg.Kafka.Brokers, p.Brokers)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := Load(writeTemp(t, "general:\n  environment: development\n"))
	require.NoError(t, err)

	assert.Equal(t, "lanetrader-1", cfg.General.InstanceID)
	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, "json", cfg.General.LogFormat)
	assert.Equal(t, ":8080", cfg.General.HTTPAddr)
	assert.Equal(t, execution.ModePaper, cfg.Execution.Mode)
	assert.Equal(t, SourceWebSocket, cfg.Market.Source)
	assert.Equal(t, "md.tokens.events", cfg.Market.Topic)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "lanetrader", cfg.Metrics.Namespace)
	assert.Equal(t, sentinel.StrictnessBalanced, cfg.Sentinel.Strictness)
	assert.Equal(t, jupiter.RouteJito, cfg.Venues.Primary.Route)
	assert.Equal(t, jupiter.RouteRPC, cfg.Venues.Fallback.Route)
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("LANETRADER_TEST_DSN", "postgres://bot:secret@db:5432/lanes")

	yaml := `
storage:
  backend: postgres
  postgres_dsn: "${LANETRADER_TEST_DSN}"
`
	cfg, err := Load(writeTemp(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, "postgres://bot:secret@db:5432/lanes", cfg.Storage.PostgresDSN)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("LANETRADER_TEST_WALLET=abc123\n"), 0o600))
	t.Setenv("LANETRADER_TEST_WALLET", "")
	os.Unsetenv("LANETRADER_TEST_WALLET")

	require.NoError(t, LoadEnv(filepath.Join(dir, "missing.env"), path))

	v := VenuesConfig{WalletKeyEnv: "LANETRADER_TEST_WALLET"}
	assert.Equal(t, "abc123", v.WalletKey())
	assert.Empty(t, VenuesConfig{}.WalletKey())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{"mode", func(c *Config) { c.Execution.Mode = "simulate" }, "execution.mode"},
		{"log format", func(c *Config) { c.General.LogFormat = "xml" }, "log_format"},
		{"market source", func(c *Config) { c.Market.Source = "grpc" }, "market.source"},
		{"ws endpoint", func(c *Config) { c.Market.WebSocket.Endpoint = "" }, "market.websocket.endpoint"},
		{"storage backend", func(c *Config) { c.Storage.Backend = "mongo" }, "storage.backend"},
		{"postgres dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "postgres_dsn"},
		{"floor", func(c *Config) { c.Portfolio.FloorFraction = 1 }, "floor_fraction"},
		{"global cap", func(c *Config) { c.Portfolio.GlobalCapPct = 0 }, "global_cap_pct"},
		{"lane cap", func(c *Config) { c.Portfolio.LaneCapPct[position.LaneGiant] = 1.5 }, "lane_cap_pct[GIANT]"},
		{"lane priority", func(c *Config) { c.Lanes.Priority = []position.Lane{"MOON"} }, "lanes.priority"},
		{"strictness", func(c *Config) { c.Sentinel.Strictness = "yolo" }, "sentinel.strictness"},
		{"route", func(c *Config) { c.Venues.Enabled = []jupiter.RouteMode{"tpu"} }, "venues.enabled"},
		{"fee ceiling", func(c *Config) { c.Execution.FeeCeilingPct = 0 }, "fee_ceiling_pct"},
		{"call timeout", func(c *Config) { c.Execution.CallTimeout = 0 }, "call_timeout"},
		{"panic backoff", func(c *Config) { c.Execution.PanicBackoffInitial = 0 }, "panic_backoff_initial"},
		{"negative panic backoff", func(c *Config) { c.Execution.PanicBackoffInitial = -time.Second }, "panic_backoff_initial"},
		{"panic backoff factor", func(c *Config) { c.Execution.PanicBackoffFactor = 0.5 }, "panic_backoff_factor"},
		{"panic backoff max", func(c *Config) { c.Execution.PanicBackoffMax = time.Millisecond }, "panic_backoff_max"},
	}

	require.NoError(t, Default().Validate())

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.substr)
		})
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	_, err := Parse([]byte("general: [unterminated"))
	require.Error(t, err)

	_, err = Parse([]byte("general:\n  mode: sideways\n"))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
