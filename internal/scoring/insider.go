package scoring

import (
	"github.com/nexus-trading/lanetrader/internal/market"
)

// insider scores coordinated accumulation on 0..100: how much of recent
// buying is explained by a small cohort of net buyers, discounted by sell
// pressure. Requires MinObservation of history.
func (e *Engine) insider(c market.CandidateToken, cluster Score) (Score, string) {
	switch {
	case !c.HasPool:
		return Insufficient(), "no_pool"
	case !c.HasHolders || c.Holders <= 0:
		return Insufficient(), "no_holders"
	case c.ObservedFor < e.config.MinObservation:
		return Insufficient(), "short_observation"
	case !validUSD(c.LiquidityUSD):
		return Insufficient(), "bad_liquidity"
	case !validPct(c.LPLockedPct):
		return Insufficient(), "bad_pct"
	case !cluster.Sufficient:
		return Insufficient(), "no_cluster"
	}

	w := e.config.Insider
	cohort, cohortNet := e.cohort(c.WalletFlows)

	var buys, sells float64
	for _, f := range c.WalletFlows {
		if !validUSD(f.BuyUSD) || !validUSD(f.SellUSD) {
			return Insufficient(), "bad_flows"
		}
		buys += f.BuyUSD
		sells += f.SellUSD
	}

	score := 0.0
	if buys > 0 && cohortNet > 0 {
		share := clamp(cohortNet/buys, 0, 1)
		pressure := sells / (buys + sells)
		score += w.Accumulation * share * (1 - pressure)
	}

	cohortHolderPct := float64(cohort) / float64(c.Holders) * 100
	if cohort > 0 && cohortHolderPct <= e.config.CohortHolderSharePct && cluster.Value <= e.config.MaxInsiderCluster {
		score += w.CohortGate
	}
	if c.LPLockedPct >= e.config.MinLPLockedPct && c.LiquidityUSD >= e.config.InsiderMinLiquidity {
		score += w.LockedPool
	}
	score += w.Diversity * (1 - cluster.Value)

	return scored(score, 0, 100), ""
}

// cohort returns the smallest set of net buyers (largest first) whose net
// buying reaches CohortCoverage of all net buying, capped at
// CohortMaxWallets. flows must be sorted by net descending.
func (e *Engine) cohort(flows []market.WalletFlow) (int, float64) {
	total := 0.0
	for _, f := range flows {
		if n := f.Net(); n > 0 && finite(n) {
			total += n
		}
	}
	if total <= 0 {
		return 0, 0
	}

	n, sum := 0, 0.0
	for _, f := range flows {
		net := f.Net()
		if net <= 0 || !finite(net) || n >= e.config.CohortMaxWallets {
			break
		}
		n++
		sum += net
		if sum >= total*e.config.CohortCoverage {
			break
		}
	}
	return n, sum
}
