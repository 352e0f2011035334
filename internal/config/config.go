// Package config loads the process configuration: a YAML file with ${VAR}
// expansion, optionally preceded by a .env file, layered over the
// defaults of every subsystem.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/clickhouse"
	"github.com/nexus-trading/lanetrader/internal/execution"
	"github.com/nexus-trading/lanetrader/internal/lane"
	"github.com/nexus-trading/lanetrader/internal/lifecycle"
	"github.com/nexus-trading/lanetrader/internal/market"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/profit"
	"github.com/nexus-trading/lanetrader/internal/scoring"
	"github.com/nexus-trading/lanetrader/internal/sentinel"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/nexus-trading/lanetrader/internal/store"
	"github.com/nexus-trading/lanetrader/internal/venue/jupiter"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	General    GeneralConfig     `yaml:"general"`
	Scoring    scoring.Config    `yaml:"scoring"`
	Lanes      lane.Config       `yaml:"lanes"`
	Portfolio  portfolio.Config  `yaml:"portfolio"`
	Execution  execution.Config  `yaml:"execution"`
	Venues     VenuesConfig      `yaml:"venues"`
	Sentinel   sentinel.Config   `yaml:"sentinel"`
	Profit     profit.Config     `yaml:"profit"`
	Lifecycle  lifecycle.Config  `yaml:"lifecycle"`
	Market     MarketConfig      `yaml:"market"`
	Storage    store.Config      `yaml:"storage"`
	Kafka      KafkaConfig       `yaml:"kafka"`
	ClickHouse clickhouse.Config `yaml:"clickhouse"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|console
	// Mode overrides execution.mode when set: paper|live.
	Mode     string `yaml:"mode"`
	HTTPAddr string `yaml:"http_addr"`
}

// VenuesConfig configures the Jupiter venues. The primary routes through
// Jito bundles, the fallback through plain RPC submission.
type VenuesConfig struct {
	Enabled  []jupiter.RouteMode `yaml:"enabled"`
	Jupiter  jupiter.APIConfig   `yaml:"jupiter"`
	Primary  jupiter.Config      `yaml:"primary"`
	Fallback jupiter.Config      `yaml:"fallback"`
	RPC      solana.RPCConfig    `yaml:"rpc"`
	Jito     solana.JitoConfig   `yaml:"jito"`
	// WalletKeyEnv names the environment variable holding the signing key
	// (JSON byte array or base58). Without a key the venues quote only.
	WalletKeyEnv string `yaml:"wallet_key_env"`
}

// WalletKey returns the signing key from the environment, or "".
func (v VenuesConfig) WalletKey() string {
	if v.WalletKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(v.WalletKeyEnv))
}

// Market data sources.
const (
	SourceWebSocket = "websocket"
	SourceKafka     = "kafka"
)

type MarketConfig struct {
	Source    string            `yaml:"source"` // websocket|kafka
	Book      market.BookConfig `yaml:"book"`
	WebSocket market.WSConfig   `yaml:"websocket"`
	Topic     string            `yaml:"topic"`
	GroupID   string            `yaml:"group_id"`
	FromStart bool              `yaml:"from_start"`
	Buffer    int               `yaml:"buffer"`
}

type KafkaConfig struct {
	// Enabled publishes lifecycle events; the market source may use the
	// brokers independently.
	Enabled            bool          `yaml:"enabled"`
	Brokers            []string      `yaml:"brokers"`
	Linger             time.Duration `yaml:"linger"`
	MaxBufferedRecords int           `yaml:"max_buffered_records"`
	// AuditBuffer is how many recent lifecycle events are kept in memory.
	AuditBuffer int `yaml:"audit_buffer"`
}

// Producer returns the lifecycle event producer configuration.
func (k KafkaConfig) Producer(instanceID string) bus.ProducerConfig {
	return bus.ProducerConfig{
		Brokers:            k.Brokers,
		InstanceID:         instanceID,
		MaxBufferedRecords: k.MaxBufferedRecords,
		Linger:             k.Linger,
	}
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Namespace      string        `yaml:"namespace"`
	HealthInterval time.Duration `yaml:"health_interval"`
	StatsInterval  time.Duration `yaml:"stats_interval"`
}

// Default returns the full default configuration.
func Default() *Config {
	ws := market.DefaultWSConfig()
	ws.Endpoint = "ws://localhost:8900/v1/tokens"

	return &Config{
		General: GeneralConfig{
			InstanceID:  "lanetrader-1",
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "json",
			HTTPAddr:    ":8080",
		},
		Scoring:   scoring.DefaultConfig(),
		Lanes:     lane.DefaultConfig(),
		Portfolio: portfolio.DefaultConfig(),
		Execution: execution.DefaultConfig(),
		Venues: VenuesConfig{
			Enabled:      []jupiter.RouteMode{jupiter.RouteJito, jupiter.RouteRPC},
			Jupiter:      jupiter.DefaultAPIConfig(),
			Primary:      jupiter.DefaultConfig(jupiter.RouteJito),
			Fallback:     jupiter.DefaultConfig(jupiter.RouteRPC),
			RPC:          solana.DefaultRPCConfig(),
			Jito:         solana.DefaultJitoConfig(),
			WalletKeyEnv: "WALLET_PRIVATE_KEY",
		},
		Sentinel:  sentinel.DefaultConfig(),
		Profit:    profit.DefaultConfig(),
		Lifecycle: lifecycle.DefaultConfig(),
		Market: MarketConfig{
			Source:    SourceWebSocket,
			Book:      market.DefaultBookConfig(),
			WebSocket: ws,
			Topic:     bus.Topics.MarketEvents(),
			Buffer:    1024,
		},
		Storage: store.DefaultConfig(),
		Kafka: KafkaConfig{
			Brokers:            []string{"localhost:9092"},
			Linger:             5 * time.Millisecond,
			MaxBufferedRecords: 10000,
			AuditBuffer:        10000,
		},
		ClickHouse: clickhouse.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:        true,
			Namespace:      "lanetrader",
			HealthInterval: 10 * time.Second,
			StatsInterval:  time.Minute,
		},
	}
}

// LoadEnv loads .env style files into the process environment. Missing
// files are skipped; variables already set win.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// Load reads and parses a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration over the defaults.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "lanetrader-1"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.General.HTTPAddr == "" {
		cfg.General.HTTPAddr = ":8080"
	}
	if cfg.General.Mode != "" {
		cfg.Execution.Mode = execution.Mode(strings.ToLower(cfg.General.Mode))
	}
	if cfg.Lifecycle.Producer == "" || cfg.Lifecycle.Producer == lifecycle.DefaultConfig().Producer {
		cfg.Lifecycle.Producer = cfg.General.InstanceID
	}
	if cfg.Market.Source == "" {
		cfg.Market.Source = SourceWebSocket
	}
	if cfg.Market.Topic == "" {
		cfg.Market.Topic = bus.Topics.MarketEvents()
	}
	if cfg.Market.GroupID == "" {
		cfg.Market.GroupID = cfg.General.InstanceID
	}
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "lanetrader"
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if _, err := execution.ParseMode(string(c.Execution.Mode)); err != nil {
		add("execution.mode: %w", err)
	}
	switch c.General.LogFormat {
	case "json", "console":
	default:
		add("general.log_format: %q is not json or console", c.General.LogFormat)
	}
	switch c.Market.Source {
	case SourceWebSocket:
		if c.Market.WebSocket.Endpoint == "" {
			add("market.websocket.endpoint is required for the websocket source")
		}
	case SourceKafka:
		if len(c.Kafka.Brokers) == 0 {
			add("kafka.brokers is required for the kafka source")
		}
	default:
		add("market.source: unknown source %q", c.Market.Source)
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			add("storage.postgres_dsn is required for the postgres backend")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			add("storage.sqlite_path is required for the sqlite backend")
		}
	default:
		add("storage.backend: unknown backend %q", c.Storage.Backend)
	}

	p := c.Portfolio
	if p.StartingEquityUSD <= 0 {
		add("portfolio.starting_equity_usd must be positive")
	}
	if p.FloorFraction < 0 || p.FloorFraction >= 1 {
		add("portfolio.floor_fraction must be in [0, 1)")
	}
	if p.GlobalCapPct <= 0 || p.GlobalCapPct > 1 {
		add("portfolio.global_cap_pct must be in (0, 1]")
	}
	for l, v := range p.LaneCapPct {
		if v < 0 || v > 1 {
			add("portfolio.lane_cap_pct[%s] must be in [0, 1]", l)
		}
	}
	for _, l := range c.Lanes.Priority {
		switch l {
		case position.LaneSafe, position.LaneGiant, position.LaneInsider:
		default:
			add("lanes.priority: unknown lane %q", l)
		}
	}
	switch c.Sentinel.Strictness {
	case sentinel.StrictnessHard, sentinel.StrictnessBalanced, sentinel.StrictnessDegen:
	default:
		add("sentinel.strictness: unknown preset %q", c.Sentinel.Strictness)
	}
	for _, r := range c.Venues.Enabled {
		if r != jupiter.RouteJito && r != jupiter.RouteRPC {
			add("venues.enabled: unknown route %q", r)
		}
	}
	e := c.Execution
	if e.FeeCeilingPct <= 0 {
		add("execution.fee_ceiling_pct must be positive")
	}
	if e.CallTimeout <= 0 {
		add("execution.call_timeout must be positive")
	}
	if e.PanicBackoffInitial <= 0 {
		add("execution.panic_backoff_initial must be positive")
	}
	if e.PanicBackoffFactor < 1 {
		add("execution.panic_backoff_factor must be at least 1")
	}
	if e.PanicBackoffMax > 0 && e.PanicBackoffMax < e.PanicBackoffInitial {
		add("execution.panic_backoff_max must not be below panic_backoff_initial")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(problems...))
	}
	return nil
}
