package scoring

import (
	"math"
	"time"

	"github.com/nexus-trading/lanetrader/internal/market"
)

// ---------------------------------------------------------------------------
// Scoring Engine: Safety, Giant, Insider and holder-cluster scores
// ---------------------------------------------------------------------------

// Score is a bounded value that may be missing. An insufficient score never
// admits a token into any lane.
type Score struct {
	Value      float64 `json:"value"`
	Sufficient bool    `json:"sufficient"`
}

// Insufficient returns the "not enough data" sentinel.
func Insufficient() Score { return Score{} }

func scored(v, lo, hi float64) Score {
	return Score{Value: clamp(v, lo, hi), Sufficient: true}
}

// ScoreSet is the full evaluation of one candidate.
type ScoreSet struct {
	Safety  Score `json:"safety"`
	Giant   Score `json:"giant"`
	Insider Score `json:"insider"`
	// Cluster is the supply share (0..1) held by the largest linked
	// holder cluster.
	Cluster            Score    `json:"cluster"`
	ClusterCount       int      `json:"cluster_count"`
	LargestClusterSize int      `json:"largest_cluster_size"`
	Reasons            []string `json:"reasons,omitempty"`
}

// AllSufficient reports whether every sub-score carries data.
func (s ScoreSet) AllSufficient() bool {
	return s.Safety.Sufficient && s.Giant.Sufficient && s.Insider.Sufficient && s.Cluster.Sufficient
}

// SafetyWeights are the additive SafetyScore components.
type SafetyWeights struct {
	LPLocked         float64 `yaml:"lp_locked"`
	RugcheckClean    float64 `yaml:"rugcheck_clean"`
	RugcheckFlagged  float64 `yaml:"rugcheck_flagged"`
	SellsOK          float64 `yaml:"sells_ok"`
	SellsBlocked     float64 `yaml:"sells_blocked"`
	Top10UnderCap    float64 `yaml:"top10_under_cap"`
	LowSlippage      float64 `yaml:"low_slippage"`
	AuthorityNone    float64 `yaml:"authority_none"`
	AuthorityActive  float64 `yaml:"authority_active"`
	NoToken2022      float64 `yaml:"no_token2022"`
	Token2022Present float64 `yaml:"token2022_present"`
	AgeBonus         float64 `yaml:"age_bonus"`
	CreatorRug       float64 `yaml:"creator_rug"` // per previous rug
}

// DefaultSafetyWeights returns the production weights.
func DefaultSafetyWeights() SafetyWeights {
	return SafetyWeights{
		LPLocked:         30,
		RugcheckClean:    20,
		RugcheckFlagged:  -40,
		SellsOK:          15,
		SellsBlocked:     -100,
		Top10UnderCap:    10,
		LowSlippage:      10,
		AuthorityNone:    5,
		AuthorityActive:  -100,
		NoToken2022:      5,
		Token2022Present: -40,
		AgeBonus:         5,
		CreatorRug:       -25,
	}
}

// GiantWeights are the GiantScore component maxima.
type GiantWeights struct {
	Velocity        float64 `yaml:"velocity"`
	LiquidityGrowth float64 `yaml:"liquidity_growth"`
	VolumeLiquidity float64 `yaml:"volume_liquidity"`
	Social          float64 `yaml:"social"`
}

// DefaultGiantWeights returns the production weights.
func DefaultGiantWeights() GiantWeights {
	return GiantWeights{
		Velocity:        35,
		LiquidityGrowth: 25,
		VolumeLiquidity: 25,
		Social:          15,
	}
}

// InsiderWeights are the InsiderScore component maxima.
type InsiderWeights struct {
	Accumulation float64 `yaml:"accumulation"`
	CohortGate   float64 `yaml:"cohort_gate"`
	LockedPool   float64 `yaml:"locked_pool"`
	Diversity    float64 `yaml:"diversity"`
}

// DefaultInsiderWeights returns the production weights.
func DefaultInsiderWeights() InsiderWeights {
	return InsiderWeights{
		Accumulation: 55,
		CohortGate:   15,
		LockedPool:   15,
		Diversity:    15,
	}
}

// Config configures the scoring engine.
type Config struct {
	Safety  SafetyWeights  `yaml:"safety"`
	Giant   GiantWeights   `yaml:"giant"`
	Insider InsiderWeights `yaml:"insider"`

	MinLPLockedPct float64       `yaml:"min_lp_locked_pct"` // LP counts as locked at or above
	Top10CapPct    float64       `yaml:"top10_cap_pct"`
	MaxSlippagePct float64       `yaml:"max_slippage_pct"`
	MinAge         time.Duration `yaml:"min_age"`

	ClusterPenaltyThreshold float64 `yaml:"cluster_penalty_threshold"` // 0..1
	ClusterPenaltyWeight    float64 `yaml:"cluster_penalty_weight"`

	VelocityTarget        float64 `yaml:"velocity_target"` // recent/previous trade ratio for full credit
	LiquidityGrowthTarget float64 `yaml:"liquidity_growth_target"` // pct
	VolumeLiquidityTarget float64 `yaml:"volume_liquidity_target"` // volume / liquidity

	CohortMaxWallets     int           `yaml:"cohort_max_wallets"`
	CohortCoverage       float64       `yaml:"cohort_coverage"` // share of net buying the cohort must explain
	CohortHolderSharePct float64       `yaml:"cohort_holder_share_pct"` // cohort wallets as pct of holders
	MaxInsiderCluster    float64       `yaml:"max_insider_cluster"` // 0..1
	InsiderMinLiquidity  float64       `yaml:"insider_min_liquidity_usd"`
	MinObservation       time.Duration `yaml:"min_observation"`

	DustThresholdUSD float64  `yaml:"dust_threshold_usd"` // links below this are ignored
	ExtraCEXWallets  []string `yaml:"extra_cex_wallets"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Safety:  DefaultSafetyWeights(),
		Giant:   DefaultGiantWeights(),
		Insider: DefaultInsiderWeights(),

		MinLPLockedPct: 90,
		Top10CapPct:    35,
		MaxSlippagePct: 5,
		MinAge:         10 * time.Minute,

		ClusterPenaltyThreshold: 0.20,
		ClusterPenaltyWeight:    40,

		VelocityTarget:        3,
		LiquidityGrowthTarget: 100,
		VolumeLiquidityTarget: 3,

		CohortMaxWallets:     10,
		CohortCoverage:       0.5,
		CohortHolderSharePct: 25,
		MaxInsiderCluster:    0.60,
		InsiderMinLiquidity:  20_000,
		MinObservation:       15 * time.Minute,

		DustThresholdUSD: 2,
	}
}

// Engine computes ScoreSets. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	config Config
	cex    map[string]string
}

// NewEngine creates a scoring engine.
func NewEngine(config Config) *Engine {
	cex := make(map[string]string, len(cexWallets)+len(config.ExtraCEXWallets))
	for addr, name := range cexWallets {
		cex[addr] = name
	}
	for _, addr := range config.ExtraCEXWallets {
		cex[addr] = "configured"
	}
	return &Engine{config: config, cex: cex}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.config }

// Score evaluates a candidate. Malformed or missing features degrade only
// the sub-scores that depend on them.
func (e *Engine) Score(c market.CandidateToken) ScoreSet {
	var set ScoreSet
	if !c.Mint.Valid() {
		set.Reasons = append(set.Reasons, "invalid_mint")
		return set
	}
	if c.Stale {
		set.Reasons = append(set.Reasons, "stale_data")
		return set
	}

	cl := e.cluster(c)
	set.Cluster = cl.metric
	set.ClusterCount = cl.count
	set.LargestClusterSize = cl.largestSize
	if !cl.metric.Sufficient {
		set.Reasons = append(set.Reasons, "cluster: "+cl.reason)
	}

	var reason string
	set.Safety, reason = e.safety(c, cl.metric)
	if reason != "" {
		set.Reasons = append(set.Reasons, "safety: "+reason)
	}
	set.Giant, reason = e.giant(c)
	if reason != "" {
		set.Reasons = append(set.Reasons, "giant: "+reason)
	}
	set.Insider, reason = e.insider(c, cl.metric)
	if reason != "" {
		set.Reasons = append(set.Reasons, "insider: "+reason)
	}
	return set
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func validPct(v float64) bool { return finite(v) && v >= 0 && v <= 100 }

func validUSD(v float64) bool { return finite(v) && v >= 0 }

// ratio maps v onto 0..1 of target.
func ratio(v, target float64) float64 {
	if target <= 0 {
		return 0
	}
	return clamp(v/target, 0, 1)
}
