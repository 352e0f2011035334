package lifecycle

import "time"

// Config configures the coordinator.
type Config struct {
	// Workers is the number of shards market events and ticks are hashed
	// onto. One token always lands on the same shard.
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	// TickInterval drives the monitor loop; each position is evaluated at
	// its sentinel tier's interval, never faster than this.
	TickInterval time.Duration `yaml:"tick_interval"`
	// EvaluateEvery is the minimum gap between two admission evaluations
	// of the same token.
	EvaluateEvery time.Duration `yaml:"evaluate_every"`
	// ExecTimeout bounds one non-panic instruction. Panic exits run until
	// filled or shutdown.
	ExecTimeout     time.Duration `yaml:"exec_timeout"`
	CommitTimeout   time.Duration `yaml:"commit_timeout"`
	TrancheInterval time.Duration `yaml:"tranche_interval"`
	// ReentryCooldown keeps a closed token out of admission for a while.
	ReentryCooldown time.Duration `yaml:"reentry_cooldown"`

	PruneInterval time.Duration `yaml:"prune_interval"`
	PruneAfter    time.Duration `yaml:"prune_after"`

	// CreatorDumpUSD of net creator selling inside the window counts as a
	// creator dump.
	CreatorDumpUSD float64 `yaml:"creator_dump_usd"`
	MaxSlippagePct float64 `yaml:"max_slippage_pct"`

	// Producer is stamped on every lifecycle event.
	Producer string `yaml:"producer"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       256,
		TickInterval:    500 * time.Millisecond,
		EvaluateEvery:   5 * time.Second,
		ExecTimeout:     45 * time.Second,
		CommitTimeout:   5 * time.Second,
		TrancheInterval: 2 * time.Second,
		ReentryCooldown: 30 * time.Minute,
		PruneInterval:   time.Minute,
		PruneAfter:      30 * time.Minute,
		CreatorDumpUSD:  250,
		MaxSlippagePct:  15,
		Producer:        "lifecycle",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = d.ExecTimeout
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = d.CommitTimeout
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = d.PruneInterval
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = d.PruneAfter
	}
	if c.Producer == "" {
		c.Producer = d.Producer
	}
}
