package profit

import (
	"fmt"
	"time"

	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/scoring"
	"github.com/nexus-trading/lanetrader/internal/sentinel"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Profit Engine: trim ladders, trailing regimes, floors, momentum hold,
// insider hold window
// ---------------------------------------------------------------------------

// TrimLevel sells Fraction of remaining size once price reaches Multiple
// of cost basis (1.5 = +50%).
type TrimLevel struct {
	Multiple float64 `yaml:"multiple"`
	Fraction float64 `yaml:"fraction"`
}

// Floor arms once price reaches 1+Gain of cost basis. From then on the
// remaining size is force-exited below 1+Lock of cost basis and the trail
// widens to Trail.
type Floor struct {
	Gain  float64 `yaml:"gain"`
	Lock  float64 `yaml:"lock"`
	Trail float64 `yaml:"trail"`
}

// LaneProfile is the exit policy of one lane. Trail distances are fractions
// below the high-water mark.
type LaneProfile struct {
	Ladder []TrimLevel `yaml:"ladder"`

	Trail           float64 `yaml:"trail"` // runner regime
	RocketTrail     float64 `yaml:"rocket_trail"`
	RocketMultiple  float64 `yaml:"rocket_multiple"`
	ExhaustionTrail float64 `yaml:"exhaustion_trail"`
	ExhaustionROC   float64 `yaml:"exhaustion_roc"` // momentum at or below this
	TightTrail      float64 `yaml:"tight_trail"` // sentinel TierB
	TrailActivation float64 `yaml:"trail_activation"`

	StopLoss float64 `yaml:"stop_loss"` // fraction below cost basis
	Floors   []Floor `yaml:"floors"`

	// Insider lane only.
	HoldBase          time.Duration `yaml:"hold_base"`
	HoldMin           time.Duration `yaml:"hold_min"`
	HoldMax           time.Duration `yaml:"hold_max"`
	HoldExtend        time.Duration `yaml:"hold_extend"`
	HoldShorten       time.Duration `yaml:"hold_shorten"`
	HoldScore         float64       `yaml:"hold_score"`
	ClusterDumpMetric float64       `yaml:"cluster_dump_metric"`
}

// Config configures the profit engine.
type Config struct {
	Safe            LaneProfile `yaml:"safe"`
	Giant           LaneProfile `yaml:"giant"`
	Insider         LaneProfile `yaml:"insider"`
	MomentumHold    bool        `yaml:"momentum_hold"`
	MomentumHoldROC float64     `yaml:"momentum_hold_roc"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	ladder := []TrimLevel{
		{Multiple: 1.5, Fraction: 0.25},
		{Multiple: 2.0, Fraction: 0.25},
		{Multiple: 3.0, Fraction: 0.25},
	}
	return Config{
		Safe: LaneProfile{
			Ladder:          ladder,
			Trail:           0.22,
			RocketTrail:     0.28,
			RocketMultiple:  3,
			ExhaustionTrail: 0.18,
			ExhaustionROC:   -0.03,
			TightTrail:      0.12,
			TrailActivation: 1.3,
			StopLoss:        0.35,
		},
		Giant: LaneProfile{
			Ladder: []TrimLevel{
				{Multiple: 1.5, Fraction: 0.15},
				{Multiple: 2.0, Fraction: 0.15},
				{Multiple: 3.0, Fraction: 0.15},
			},
			Trail:           0.30,
			RocketTrail:     0.35,
			RocketMultiple:  3,
			ExhaustionTrail: 0.22,
			ExhaustionROC:   -0.05,
			TightTrail:      0.15,
			TrailActivation: 1.5,
			StopLoss:        0.40,
			Floors: []Floor{
				{Gain: 1, Lock: 0, Trail: 0.35},
				{Gain: 3, Lock: 1, Trail: 0.30},
				{Gain: 6, Lock: 3, Trail: 0.28},
			},
		},
		Insider: LaneProfile{
			Ladder: []TrimLevel{
				{Multiple: 1.3, Fraction: 0.30},
				{Multiple: 1.7, Fraction: 0.30},
			},
			Trail:             0.15,
			RocketTrail:       0.25,
			RocketMultiple:    2,
			ExhaustionTrail:   0.12,
			ExhaustionROC:     -0.03,
			TightTrail:        0.10,
			TrailActivation:   1.2,
			StopLoss:          0.30,
			HoldBase:          12 * time.Hour,
			HoldMin:           6 * time.Hour,
			HoldMax:           18 * time.Hour,
			HoldExtend:        2 * time.Hour,
			HoldShorten:       time.Hour,
			HoldScore:         60,
			ClusterDumpMetric: 0.45,
		},
		MomentumHold:    true,
		MomentumHoldROC: 0.05,
	}
}

// Profile returns the profile for lane.
func (c Config) Profile(lane position.Lane) LaneProfile {
	switch lane {
	case position.LaneGiant:
		return c.Giant
	case position.LaneInsider:
		return c.Insider
	default:
		return c.Safe
	}
}

// Tick carries the live inputs for one evaluation.
type Tick struct {
	At       time.Time
	Price    decimal.Decimal
	ROC      float64 // price momentum over the lookback, fraction
	ROCKnown bool
	Sentinel sentinel.Verdict
	Insider  scoring.Score
	Cluster  scoring.Score
}

// Decision is the outcome of one evaluation. Exit is nil to hold.
type Decision struct {
	Exit     *position.ExitInstruction
	Deferred bool // a trim or trail tightening was suppressed by momentum hold
	Trail    float64 // trail distance in effect
}

// Engine evaluates positions. All per-position state lives on the
// Position; Evaluate mutates only the profit fields of the value it is
// given, so callers pass a clone and commit it.
type Engine struct {
	config Config
}

// NewEngine creates a profit engine.
func NewEngine(config Config) *Engine {
	return &Engine{config: config}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.config }

// Evaluate runs the exit checks in priority order: sentinel, floor, stop
// loss, trim ladder, trailing stop, insider hold window, insider cluster
// dump.
func (e *Engine) Evaluate(pos *position.Position, tick Tick) Decision {
	if !pos.Remaining.IsPositive() {
		return Decision{}
	}
	switch pos.State {
	case position.StateOpen:
	case position.StateExiting:
		// Only a panic may supersede an exit in flight.
		if tick.Sentinel.Panic && pos.ExitKind != position.ExitPanic {
			return panicDecision(tick.Sentinel.Reason)
		}
		return Decision{}
	default:
		return Decision{}
	}

	if tick.Sentinel.Panic {
		return panicDecision(tick.Sentinel.Reason)
	}
	if !tick.Price.IsPositive() || !pos.CostBasis.IsPositive() {
		return Decision{}
	}

	prof := e.config.Profile(pos.Lane)
	pos.Mark(tick.Price, tick.At)
	mult := pos.Multiple(tick.Price)
	highMult := pos.Multiple(pos.HighWater)

	// Floors.
	for pos.FloorLevel < len(prof.Floors) && highMult >= 1+prof.Floors[pos.FloorLevel].Gain {
		pos.FloorLevel++
		log.Info().Str("mint", pos.Mint.Short()).Int("level", pos.FloorLevel).Msg("profit: floor armed")
	}
	if pos.FloorLevel > 0 {
		f := prof.Floors[pos.FloorLevel-1]
		if mult <= 1+f.Lock {
			return exit(position.FullExit(fmt.Sprintf("FLOOR_L%d", pos.FloorLevel)))
		}
	}

	if prof.StopLoss > 0 && mult <= 1-prof.StopLoss {
		return exit(position.FullExit("STOP_LOSS"))
	}

	// Trim ladder.
	for i, lvl := range prof.Ladder {
		if pos.LadderFired(i) || mult < lvl.Multiple {
			continue
		}
		if e.config.MomentumHold && !pos.MomentumHold && tick.ROCKnown && tick.ROC >= e.config.MomentumHoldROC {
			pos.MomentumHold = true
			log.Debug().Str("mint", pos.Mint.Short()).Int("level", i+1).Float64("roc", tick.ROC).
				Msg("profit: momentum hold, trim deferred")
			return Decision{Deferred: true}
		}
		pos.MomentumHold = false
		return exit(position.ExitInstruction{
			Fraction: decimal.NewFromFloat(lvl.Fraction),
			Urgency:  position.UrgencyNormal,
			Reason:   fmt.Sprintf("TRIM_L%d", i+1),
			Level:    i,
		})
	}

	// Trailing stop.
	trail, deferred := e.trailDistance(pos, prof, tick, highMult)
	active := tick.Sentinel.TightenTrail || pos.FloorLevel > 0 || len(pos.Trims) > 0 ||
		(prof.TrailActivation > 0 && highMult >= prof.TrailActivation)
	if active && trail > 0 {
		stop := pos.HighWater.Mul(decimal.NewFromFloat(1 - trail))
		if tick.Price.LessThanOrEqual(stop) {
			d := exit(position.FullExit("TRAILING_STOP"))
			d.Trail = trail
			return d
		}
	}
	if deferred {
		return Decision{Deferred: true, Trail: trail}
	}

	if pos.Lane == position.LaneInsider {
		if e.updateHoldWindow(pos, prof, tick) {
			return Decision{Exit: ptr(position.FullExit("HOLD_EXPIRED")), Trail: trail}
		}
		if tick.Cluster.Sufficient && prof.ClusterDumpMetric > 0 && tick.Cluster.Value >= prof.ClusterDumpMetric {
			return Decision{Exit: ptr(position.FullExit("CLUSTER_DUMP")), Trail: trail}
		}
	}

	return Decision{Trail: trail}
}

// trailDistance picks the trailing regime. A tightening against the last
// applied trail is held back once while momentum is strong, sharing the
// trim ladder's hold flag. Sentinel TierB tightening is applied last and is
// never suppressed.
func (e *Engine) trailDistance(pos *position.Position, prof LaneProfile, tick Tick, highMult float64) (float64, bool) {
	trail := prof.Trail
	if prof.RocketMultiple > 0 && highMult >= prof.RocketMultiple && prof.RocketTrail > 0 {
		trail = prof.RocketTrail
	}
	if pos.FloorLevel > 0 {
		trail = prof.Floors[pos.FloorLevel-1].Trail
	}
	if tick.ROCKnown && tick.ROC <= prof.ExhaustionROC && prof.ExhaustionTrail > 0 && prof.ExhaustionTrail < trail {
		trail = prof.ExhaustionTrail
	}

	deferred := false
	if prev := pos.TrailApplied; prev > 0 && trail < prev {
		if e.config.MomentumHold && !pos.MomentumHold && tick.ROCKnown && tick.ROC >= e.config.MomentumHoldROC {
			pos.MomentumHold = true
			deferred = true
			log.Debug().Str("mint", pos.Mint.Short()).Float64("from", prev).Float64("to", trail).Float64("roc", tick.ROC).
				Msg("profit: momentum hold, trail tightening deferred")
			trail = prev
		} else {
			pos.MomentumHold = false
		}
	}
	pos.TrailApplied = trail

	if tick.Sentinel.TightenTrail && prof.TightTrail > 0 && prof.TightTrail < trail {
		trail = prof.TightTrail
	}
	return trail, deferred
}

// updateHoldWindow adapts the insider hold deadline and reports expiry.
// Continued accumulation pushes the deadline out to At+HoldExtend; its
// absence pulls it in to At+HoldShorten. Either way it stays within
// [HoldMin, HoldMax] of the open time.
func (e *Engine) updateHoldWindow(pos *position.Position, prof LaneProfile, tick Tick) bool {
	if prof.HoldBase <= 0 {
		return false
	}
	at := tick.At
	if at.IsZero() {
		at = time.Now()
	}
	lo := pos.OpenedAt.Add(prof.HoldMin)
	hi := pos.OpenedAt.Add(prof.HoldMax)
	if pos.HoldUntil.IsZero() {
		pos.HoldUntil = pos.OpenedAt.Add(prof.HoldBase)
	}

	if tick.Insider.Sufficient && tick.Insider.Value >= prof.HoldScore {
		if ext := at.Add(prof.HoldExtend); ext.After(pos.HoldUntil) {
			pos.HoldUntil = ext
		}
	} else if short := at.Add(prof.HoldShorten); short.Before(pos.HoldUntil) {
		pos.HoldUntil = short
	}
	if pos.HoldUntil.Before(lo) {
		pos.HoldUntil = lo
	}
	if pos.HoldUntil.After(hi) {
		pos.HoldUntil = hi
	}
	return !at.Before(pos.HoldUntil)
}

func panicDecision(reason string) Decision {
	if reason == "" {
		reason = "SENTINEL_PANIC"
	}
	return exit(position.PanicExit(reason))
}

func exit(i position.ExitInstruction) Decision { return Decision{Exit: &i} }

func ptr(i position.ExitInstruction) *position.ExitInstruction { return &i }
