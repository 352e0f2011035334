package scoring

import (
	"github.com/nexus-trading/lanetrader/internal/market"
)

// giant scores breakout potential on 0..100 from trade acceleration,
// liquidity growth, turnover and social attention.
func (e *Engine) giant(c market.CandidateToken) (Score, string) {
	switch {
	case !c.HasPool:
		return Insufficient(), "no_pool"
	case !validUSD(c.LiquidityUSD) || c.LiquidityUSD == 0:
		return Insufficient(), "bad_liquidity"
	case !validUSD(c.VolumeUSD):
		return Insufficient(), "bad_volume"
	case !finite(c.LiquidityGrowthPct):
		return Insufficient(), "bad_growth"
	case !validPct(c.SocialScore):
		return Insufficient(), "bad_social"
	case c.TradesRecent+c.TradesPrevious == 0:
		return Insufficient(), "no_trades"
	}

	w := e.config.Giant
	score := 0.0

	prev := c.TradesPrevious
	if prev < 1 {
		prev = 1
	}
	accel := float64(c.TradesRecent) / float64(prev)
	if e.config.VelocityTarget > 1 {
		score += w.Velocity * ratio(accel-1, e.config.VelocityTarget-1)
	}

	score += w.LiquidityGrowth * ratio(c.LiquidityGrowthPct, e.config.LiquidityGrowthTarget)
	score += w.VolumeLiquidity * ratio(c.VolumeUSD/c.LiquidityUSD, e.config.VolumeLiquidityTarget)
	score += w.Social * ratio(c.SocialScore, 100)

	return scored(score, 0, 100), ""
}
