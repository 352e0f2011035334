package sentinel

import (
	"fmt"
	"math"
	"time"

	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Rug Sentinel: per-position tier state machine
// Escalates monotonically; resets to Normal only after a quiet cooldown.
// ---------------------------------------------------------------------------

// Strictness scales every trigger threshold.
type Strictness string

const (
	StrictnessHard     Strictness = "hard"
	StrictnessBalanced Strictness = "balanced"
	StrictnessDegen    Strictness = "degen"
)

// Thresholds are the tier triggers. Fractions are 0..1, pct fields 0..100.
type Thresholds struct {
	WatchLiquidityDrop float64 `yaml:"watch_liquidity_drop"`
	WatchClusterJump   float64 `yaml:"watch_cluster_jump"`
	WarnLiquidityDrop  float64 `yaml:"warn_liquidity_drop"`
	WarnSellDominance  float64 `yaml:"warn_sell_dominance"`
	WarnExodusPct      float64 `yaml:"warn_exodus_pct"`
	PanicLiquidityDrop float64 `yaml:"panic_liquidity_drop"`
	PanicClusterMetric float64 `yaml:"panic_cluster_metric"`
	PanicFeeSpikePct   float64 `yaml:"panic_fee_spike_pct"`
	PanicExodusPct     float64 `yaml:"panic_exodus_pct"`
}

// DefaultThresholds returns the balanced thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WatchLiquidityDrop: 0.15,
		WatchClusterJump:   0.10,
		WarnLiquidityDrop:  0.30,
		WarnSellDominance:  0.60,
		WarnExodusPct:      20,
		PanicLiquidityDrop: 0.50,
		PanicClusterMetric: 0.60,
		PanicFeeSpikePct:   10,
		PanicExodusPct:     40,
	}
}

// scaled returns thresholds multiplied by f, keeping fractions within 0..1.
func (t Thresholds) scaled(f float64) Thresholds {
	frac := func(v float64) float64 { return math.Min(v*f, 1) }
	return Thresholds{
		WatchLiquidityDrop: frac(t.WatchLiquidityDrop),
		WatchClusterJump:   frac(t.WatchClusterJump),
		WarnLiquidityDrop:  frac(t.WarnLiquidityDrop),
		WarnSellDominance:  frac(t.WarnSellDominance),
		WarnExodusPct:      math.Min(t.WarnExodusPct*f, 100),
		PanicLiquidityDrop: frac(t.PanicLiquidityDrop),
		PanicClusterMetric: frac(t.PanicClusterMetric),
		PanicFeeSpikePct:   math.Min(t.PanicFeeSpikePct*f, 100),
		PanicExodusPct:     math.Min(t.PanicExodusPct*f, 100),
	}
}

// Config configures the sentinel.
type Config struct {
	Strictness     Strictness    `yaml:"strictness"`
	Thresholds     Thresholds    `yaml:"thresholds"`
	ConfirmTicks   int           `yaml:"confirm_ticks"`
	Cooldown       time.Duration `yaml:"cooldown"`
	NormalInterval time.Duration `yaml:"normal_interval"`
	WatchInterval  time.Duration `yaml:"watch_interval"`
	WarnInterval   time.Duration `yaml:"warn_interval"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Strictness:     StrictnessBalanced,
		Thresholds:     DefaultThresholds(),
		ConfirmTicks:   2,
		Cooldown:       10 * time.Minute,
		NormalInterval: 5 * time.Second,
		WatchInterval:  2 * time.Second,
		WarnInterval:   time.Second,
	}
}

// Observation is one tick of live risk signals for a position.
type Observation struct {
	At                time.Time
	LiquidityUSD      float64
	EntryLiquidityUSD float64
	Cluster           float64 // current holder cluster metric, 0..1
	ClusterKnown      bool
	EntryCluster      float64
	ExodusPct         float64 // holder count drop from peak, pct
	SellDominance     float64 // sell share of recent volume, 0..1
	FeeTaxPct         float64
	CreatorDump       bool
	// Stale observations neither escalate nor count as quiet time.
	Stale bool
}

// LiquidityDrop returns the fractional liquidity loss since entry.
func (o Observation) LiquidityDrop() float64 {
	if o.EntryLiquidityUSD <= 0 || !finite(o.LiquidityUSD) {
		return 0
	}
	return math.Max(0, 1-o.LiquidityUSD/o.EntryLiquidityUSD)
}

// State is the persisted per-position sentinel state.
type State struct {
	Tier        Tier      `json:"tier"`
	Confirm     int       `json:"confirm"` // consecutive warn ticks seen
	LastRedFlag time.Time `json:"last_red_flag"`
	Since       time.Time `json:"since"`
	Reason      string    `json:"reason,omitempty"`
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Tier         Tier
	Previous     Tier
	Changed      bool
	Panic        bool // issue a full-size panic exit
	TightenTrail bool
	Reason       string
}

// Sentinel evaluates observations against thresholds. It is stateless; the
// caller owns each position's State.
type Sentinel struct {
	config     Config
	thresholds Thresholds
}

// New creates a sentinel, applying the strictness preset.
func New(config Config) *Sentinel {
	if config.ConfirmTicks < 1 {
		config.ConfirmTicks = 1
	}
	var f float64
	switch config.Strictness {
	case StrictnessHard:
		f = 0.75
	case StrictnessDegen:
		f = 1.5
	default:
		f = 1
	}
	return &Sentinel{config: config, thresholds: config.Thresholds.scaled(f)}
}

// Thresholds returns the effective thresholds after strictness scaling.
func (s *Sentinel) Thresholds() Thresholds { return s.thresholds }

// Interval returns the monitoring interval for a tier.
func (s *Sentinel) Interval(t Tier) time.Duration {
	switch t {
	case TierNormal:
		return s.config.NormalInterval
	case TierC:
		return s.config.WatchInterval
	default:
		return s.config.WarnInterval
	}
}

// Evaluate folds one observation into prev and returns the new state.
func (s *Sentinel) Evaluate(prev State, obs Observation) (State, Verdict) {
	next := prev
	if obs.At.IsZero() {
		obs.At = time.Now()
	}
	v := Verdict{Previous: prev.Tier}

	if obs.Stale {
		v.Tier = next.Tier
		v.Panic = next.Tier == TierA
		v.TightenTrail = next.Tier >= TierB
		return next, v
	}

	raw, reason := s.classify(obs)
	if raw > TierNormal {
		next.LastRedFlag = obs.At
	}

	target := raw
	switch raw {
	case TierA:
	case TierB:
		next.Confirm++
		if next.Confirm < s.config.ConfirmTicks {
			target = TierC
			reason = "unconfirmed_" + reason
		}
	default:
		next.Confirm = 0
	}

	switch {
	case target > next.Tier:
		next.Tier = target
		next.Since = obs.At
		next.Reason = reason
	case raw == TierNormal && next.Tier != TierNormal &&
		!next.LastRedFlag.IsZero() && obs.At.Sub(next.LastRedFlag) >= s.config.Cooldown:
		next.Tier = TierNormal
		next.Since = obs.At
		next.Reason = "cooldown"
		next.Confirm = 0
	}

	v.Tier = next.Tier
	v.Changed = next.Tier != prev.Tier
	v.Panic = next.Tier == TierA
	v.TightenTrail = next.Tier >= TierB
	v.Reason = next.Reason

	if v.Changed {
		ev := log.Info()
		if next.Tier >= TierB {
			ev = log.Warn()
		}
		ev.Str("from", prev.Tier.String()).
			Str("to", next.Tier.String()).
			Str("reason", next.Reason).
			Msg("sentinel: tier changed")
	}
	return next, v
}

// Classify returns the raw tier obs supports, without confirmation or
// state. A stale observation classifies as Normal.
func (s *Sentinel) Classify(obs Observation) (Tier, string) {
	if obs.Stale {
		return TierNormal, ""
	}
	return s.classify(obs)
}

// classify maps an observation to the highest tier its signals support.
func (s *Sentinel) classify(obs Observation) (Tier, string) {
	th := s.thresholds
	drop := obs.LiquidityDrop()

	switch {
	case obs.CreatorDump:
		return TierA, "creator_dump"
	case th.PanicLiquidityDrop > 0 && drop >= th.PanicLiquidityDrop:
		return TierA, fmt.Sprintf("lp_drain_%.0f%%", drop*100)
	case obs.ClusterKnown && th.PanicClusterMetric > 0 && obs.Cluster >= th.PanicClusterMetric:
		return TierA, fmt.Sprintf("cluster_dump_%.2f", obs.Cluster)
	case th.PanicFeeSpikePct > 0 && obs.FeeTaxPct >= th.PanicFeeSpikePct:
		return TierA, fmt.Sprintf("fee_spike_%.1f%%", obs.FeeTaxPct)
	case th.PanicExodusPct > 0 && obs.ExodusPct >= th.PanicExodusPct:
		return TierA, fmt.Sprintf("holder_exodus_%.0f%%", obs.ExodusPct)
	}

	switch {
	case th.WarnLiquidityDrop > 0 && drop >= th.WarnLiquidityDrop:
		return TierB, fmt.Sprintf("lp_drop_%.0f%%", drop*100)
	case th.WarnSellDominance > 0 && obs.SellDominance >= th.WarnSellDominance:
		return TierB, fmt.Sprintf("sellers_%.0f%%", obs.SellDominance*100)
	case th.WarnExodusPct > 0 && obs.ExodusPct >= th.WarnExodusPct:
		return TierB, fmt.Sprintf("holder_exodus_%.0f%%", obs.ExodusPct)
	}

	switch {
	case th.WatchLiquidityDrop > 0 && drop >= th.WatchLiquidityDrop:
		return TierC, fmt.Sprintf("lp_drop_%.0f%%", drop*100)
	case obs.ClusterKnown && th.WatchClusterJump > 0 && obs.Cluster-obs.EntryCluster >= th.WatchClusterJump:
		return TierC, fmt.Sprintf("cluster_jump_%.2f", obs.Cluster-obs.EntryCluster)
	}
	return TierNormal, ""
}

// Escalate raises st to tier directly, e.g. on an operator-issued panic.
// A lower tier is refused with ErrSentinelTierRegression.
func Escalate(st State, tier Tier, at time.Time, reason string) (State, error) {
	if tier < st.Tier {
		return st, fmt.Errorf("sentinel: %s -> %s: %w", st.Tier, tier, errs.ErrSentinelTierRegression)
	}
	if tier == st.Tier {
		return st, nil
	}
	st.Tier = tier
	st.Since = at
	st.LastRedFlag = at
	st.Reason = reason
	return st, nil
}

// CheckTransition verifies that moving from prev to next respects
// monotonicity; a drop is only legal as a cooldown reset to Normal.
func (s *Sentinel) CheckTransition(prev, next State) error {
	if next.Tier >= prev.Tier {
		return nil
	}
	if next.Tier == TierNormal && !prev.LastRedFlag.IsZero() &&
		next.Since.Sub(prev.LastRedFlag) >= s.config.Cooldown {
		return nil
	}
	return fmt.Errorf("sentinel: %s -> %s without cooldown: %w", prev.Tier, next.Tier, errs.ErrSentinelTierRegression)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
