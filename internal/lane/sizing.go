package lane

import (
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/shopspring/decimal"
)

// TrancheWeights split the risk budget across the entry tranches.
type TrancheWeights struct {
	Dust float64 `yaml:"dust"`
	Core float64 `yaml:"core"`
	Add  float64 `yaml:"add"`
}

// SizingConfig configures entry sizing.
type SizingConfig struct {
	// RiskFraction is the share of the active stack a lane may commit
	// to one position.
	RiskFraction map[position.Lane]float64 `yaml:"risk_fraction"`
	// MaxPositionUSD caps one position's total plan; 0 disables.
	MaxPositionUSD float64        `yaml:"max_position_usd"`
	MinTrancheUSD  float64        `yaml:"min_tranche_usd"`
	Weights        TrancheWeights `yaml:"weights"`
	// MaxTranchePoolFraction bounds each tranche against pool liquidity.
	MaxTranchePoolFraction float64 `yaml:"max_tranche_pool_fraction"`
}

// DefaultSizingConfig returns production defaults.
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		RiskFraction: map[position.Lane]float64{
			position.LaneSafe:    0.10,
			position.LaneGiant:   0.15,
			position.LaneInsider: 0.12,
		},
		MaxPositionUSD:         250,
		MinTrancheUSD:          5,
		Weights:                TrancheWeights{Dust: 0.10, Core: 0.60, Add: 0.30},
		MaxTranchePoolFraction: 0.0025,
	}
}

// plan sizes the tranches for lane. A non-empty reason means rejection.
//
// The dust tranche is at least MinTrancheUSD; core and add take their
// weighted shares of what is left and are dropped when they would fall
// below MinTrancheUSD. Every tranche is capped at the pool fraction and
// the plan never exceeds the budget.
func (c SizingConfig) plan(lane position.Lane, poolUSD float64, st portfolio.State, pcfg portfolio.Config) ([]position.Tranche, decimal.Decimal, string) {
	budget := st.ActiveStack().Mul(decimal.NewFromFloat(c.RiskFraction[lane]))
	if c.MaxPositionUSD > 0 {
		budget = decimal.Min(budget, decimal.NewFromFloat(c.MaxPositionUSD))
	}
	budget = decimal.Min(budget, st.Headroom(pcfg, lane)).RoundDown(2)

	minTranche := decimal.NewFromFloat(c.MinTrancheUSD)
	poolCap := c.poolCap(poolUSD)

	if budget.LessThan(minTranche) || !budget.IsPositive() {
		return nil, budget, ReasonCapBelowDust
	}
	if poolCap.LessThan(minTranche) || !poolCap.IsPositive() {
		return nil, budget, ReasonPoolBelowDust
	}

	dust := decimal.Max(budget.Mul(decimal.NewFromFloat(c.Weights.Dust)), minTranche)
	dust = decimal.Min(dust, poolCap, budget).RoundDown(2)
	plan := []position.Tranche{{Kind: position.TrancheDust, SizeUSD: dust}}
	left := budget.Sub(dust)

	for _, t := range []struct {
		kind   position.TrancheKind
		weight float64
	}{
		{position.TrancheCore, c.Weights.Core},
		{position.TrancheAdd, c.Weights.Add},
	} {
		size := decimal.Min(budget.Mul(decimal.NewFromFloat(t.weight)), poolCap, left).RoundDown(2)
		if size.LessThan(minTranche) || !size.IsPositive() {
			continue
		}
		plan = append(plan, position.Tranche{Kind: t.kind, SizeUSD: size})
		left = left.Sub(size)
	}
	return plan, budget, ""
}

func (c SizingConfig) poolCap(poolUSD float64) decimal.Decimal {
	return decimal.NewFromFloat(poolUSD).Mul(decimal.NewFromFloat(c.MaxTranchePoolFraction)).RoundDown(2)
}

// PlanTotal sums the planned tranche sizes.
func PlanTotal(plan []position.Tranche) decimal.Decimal {
	total := decimal.Zero
	for _, t := range plan {
		total = total.Add(t.SizeUSD)
	}
	return total
}
