package lane

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/nexus-trading/lanetrader/internal/market"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/scoring"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Lane Router: admission and tranche sizing
// ---------------------------------------------------------------------------

// Reason codes carried on a rejected Decision.
const (
	ReasonDataInsufficient = "DATA_INSUFFICIENT"
	ReasonPoolTooSmall     = "POOL_TOO_SMALL"
	ReasonMaxOpen          = "MAX_OPEN_POSITIONS"
	ReasonNoLane           = "NO_LANE"
	ReasonCapBelowDust     = "CAP_BELOW_DUST"
	ReasonPoolBelowDust    = "POOL_BELOW_DUST"
)

// Config configures admission thresholds and sizing.
type Config struct {
	// Priority is the order lanes are tried in; the first that admits wins.
	Priority   []position.Lane `yaml:"priority"`
	MinPoolUSD float64         `yaml:"min_pool_usd"`

	SafeMinScore          float64       `yaml:"safe_min_score"`
	GiantMinScore         float64       `yaml:"giant_min_score"`
	InsiderMinScore       float64       `yaml:"insider_min_score"`
	InsiderMinSafety      float64       `yaml:"insider_min_safety"`
	InsiderMinObservation time.Duration `yaml:"insider_min_observation"`
	InsiderMaxCluster     float64       `yaml:"insider_max_cluster"`

	Sizing SizingConfig `yaml:"sizing"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Priority:              []position.Lane{position.LaneInsider, position.LaneGiant, position.LaneSafe},
		MinPoolUSD:            20000,
		SafeMinScore:          70,
		GiantMinScore:         80,
		InsiderMinScore:       60,
		InsiderMinSafety:      60,
		InsiderMinObservation: 15 * time.Minute,
		InsiderMaxCluster:     0.60,
		Sizing:                DefaultSizingConfig(),
	}
}

// Decision is the router's verdict on one candidate.
type Decision struct {
	Lane      position.Lane      `json:"lane"`
	Plan      []position.Tranche `json:"plan,omitempty"`
	Urgency   position.Urgency   `json:"urgency"`
	BudgetUSD decimal.Decimal    `json:"budget_usd"`
	Reason    string             `json:"reason"`
	// Rejections records why each higher-priority lane did not admit.
	Rejections map[position.Lane]string `json:"rejections,omitempty"`
}

// Admitted is true when a lane was chosen and a plan sized.
func (d Decision) Admitted() bool { return d.Lane != position.LaneNone && len(d.Plan) > 0 }

// Err returns nil for an admitted decision, otherwise an error wrapping
// errs.ErrDataInsufficient or errs.ErrAdmissionRejected.
func (d Decision) Err() error {
	switch {
	case d.Admitted():
		return nil
	case d.Reason == ReasonDataInsufficient:
		return fmt.Errorf("%w: %s", errs.ErrDataInsufficient, d.Reason)
	default:
		return fmt.Errorf("%w: %s", errs.ErrAdmissionRejected, d.Reason)
	}
}

// Router picks a lane and sizes the entry.
type Router struct {
	config    Config
	portfolio portfolio.Config

	admitted [4]atomic.Int64
	rejected atomic.Int64
}

// NewRouter creates a router.
func NewRouter(config Config, pcfg portfolio.Config) *Router {
	if len(config.Priority) == 0 {
		config.Priority = DefaultConfig().Priority
	}
	return &Router{config: config, portfolio: pcfg}
}

// Config returns the router configuration.
func (r *Router) Config() Config { return r.config }

// Route decides the lane and tranche plan for c. It is pure apart from
// counters.
func (r *Router) Route(c market.CandidateToken, s scoring.ScoreSet, st portfolio.State) Decision {
	d := r.route(c, s, st)
	if d.Admitted() {
		r.admitted[laneIndex(d.Lane)].Add(1)
		log.Info().
			Str("mint", c.Mint.Short()).
			Str("lane", string(d.Lane)).
			Str("budget", d.BudgetUSD.StringFixed(2)).
			Int("tranches", len(d.Plan)).
			Msg("lane: admitted")
	} else {
		r.rejected.Add(1)
		log.Debug().Str("mint", c.Mint.Short()).Str("reason", d.Reason).Msg("lane: rejected")
	}
	return d
}

func (r *Router) route(c market.CandidateToken, s scoring.ScoreSet, st portfolio.State) Decision {
	d := Decision{Lane: position.LaneNone, Urgency: position.UrgencyNormal, BudgetUSD: decimal.Zero}

	if !s.AllSufficient() || c.Stale {
		d.Reason = ReasonDataInsufficient
		return d
	}
	if c.LiquidityUSD < r.config.MinPoolUSD {
		d.Reason = ReasonPoolTooSmall
		return d
	}
	if r.portfolio.MaxOpenPositions > 0 && st.OpenPositions >= r.portfolio.MaxOpenPositions {
		d.Reason = ReasonMaxOpen
		return d
	}

	for _, lane := range r.config.Priority {
		reason := r.admit(lane, c, s)
		if reason == "" {
			d.Lane = lane
			break
		}
		if d.Rejections == nil {
			d.Rejections = make(map[position.Lane]string)
		}
		d.Rejections[lane] = reason
	}
	if d.Lane == position.LaneNone {
		d.Reason = ReasonNoLane
		return d
	}

	// The chosen lane is final; a sizing failure rejects the candidate
	// rather than falling through to a lower-priority lane.
	plan, budget, reason := r.config.Sizing.plan(d.Lane, c.LiquidityUSD, st, r.portfolio)
	d.BudgetUSD = budget
	if reason != "" {
		d.Reason = reason
		return d
	}
	d.Plan = plan
	d.Reason = "ADMITTED_" + string(d.Lane)
	return d
}

// TrancheLimit returns the largest tranche a pool holding liquidityUSD may
// take. A non-empty reason means the pool no longer admits any tranche.
func (r *Router) TrancheLimit(liquidityUSD float64) (decimal.Decimal, string) {
	if liquidityUSD < r.config.MinPoolUSD {
		return decimal.Zero, ReasonPoolTooSmall
	}
	limit := r.config.Sizing.poolCap(liquidityUSD)
	if limit.LessThan(decimal.NewFromFloat(r.config.Sizing.MinTrancheUSD)) || !limit.IsPositive() {
		return decimal.Zero, ReasonPoolBelowDust
	}
	return limit, ""
}

// admit returns "" when lane admits the candidate, else a reason code.
func (r *Router) admit(lane position.Lane, c market.CandidateToken, s scoring.ScoreSet) string {
	cfg := r.config
	switch lane {
	case position.LaneSafe:
		if s.Safety.Value < cfg.SafeMinScore {
			return fmt.Sprintf("SAFETY_LOW:%.1f<%.1f", s.Safety.Value, cfg.SafeMinScore)
		}
	case position.LaneGiant:
		if s.Safety.Value < cfg.SafeMinScore {
			return fmt.Sprintf("SAFETY_LOW:%.1f<%.1f", s.Safety.Value, cfg.SafeMinScore)
		}
		if s.Giant.Value < cfg.GiantMinScore {
			return fmt.Sprintf("GIANT_LOW:%.1f<%.1f", s.Giant.Value, cfg.GiantMinScore)
		}
	case position.LaneInsider:
		if c.ObservedFor < cfg.InsiderMinObservation {
			return fmt.Sprintf("OBSERVATION_SHORT:%s<%s", c.ObservedFor.Truncate(time.Second), cfg.InsiderMinObservation)
		}
		if s.Safety.Value < cfg.InsiderMinSafety {
			return fmt.Sprintf("SAFETY_LOW:%.1f<%.1f", s.Safety.Value, cfg.InsiderMinSafety)
		}
		if s.Cluster.Value > cfg.InsiderMaxCluster {
			return fmt.Sprintf("CLUSTER_HIGH:%.2f>%.2f", s.Cluster.Value, cfg.InsiderMaxCluster)
		}
		if s.Insider.Value < cfg.InsiderMinScore {
			return fmt.Sprintf("INSIDER_LOW:%.1f<%.1f", s.Insider.Value, cfg.InsiderMinScore)
		}
	default:
		return "UNKNOWN_LANE:" + strings.ToUpper(string(lane))
	}
	return ""
}

func laneIndex(l position.Lane) int {
	switch l {
	case position.LaneSafe:
		return 1
	case position.LaneGiant:
		return 2
	case position.LaneInsider:
		return 3
	}
	return 0
}

// Stats reports admission counters.
type Stats struct {
	AdmittedSafe    int64 `json:"admitted_safe"`
	AdmittedGiant   int64 `json:"admitted_giant"`
	AdmittedInsider int64 `json:"admitted_insider"`
	Rejected        int64 `json:"rejected"`
}

func (r *Router) Stats() Stats {
	return Stats{
		AdmittedSafe:    r.admitted[1].Load(),
		AdmittedGiant:   r.admitted[2].Load(),
		AdmittedInsider: r.admitted[3].Load(),
		Rejected:        r.rejected.Load(),
	}
}
