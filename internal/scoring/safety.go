package scoring

import (
	"github.com/nexus-trading/lanetrader/internal/market"
)

// safety scores contract and pool hygiene on 0..100. Unknown mint or
// freeze authority is insufficient; other unknown flags earn nothing and
// only an explicit bad fact is penalized.
func (e *Engine) safety(c market.CandidateToken, cluster Score) (Score, string) {
	switch {
	case !c.HasPool:
		return Insufficient(), "no_pool"
	case !c.HasHolders:
		return Insufficient(), "no_holders"
	case !validUSD(c.LiquidityUSD):
		return Insufficient(), "bad_liquidity"
	case !validPct(c.LPLockedPct), !validPct(c.SlippagePct), !validPct(c.FeeTaxPct), !validPct(c.Top10Pct):
		return Insufficient(), "bad_pct"
	case !cluster.Sufficient:
		return Insufficient(), "no_cluster"
	case c.MintRenounced == market.FlagUnknown || c.FreezeRenounced == market.FlagUnknown:
		return Insufficient(), "authority_unknown"
	}

	w := e.config.Safety
	score := 0.0

	if c.LPLockedPct >= e.config.MinLPLockedPct {
		score += w.LPLocked
	}

	switch c.RugcheckFlagged {
	case market.FlagNo:
		score += w.RugcheckClean
	case market.FlagYes:
		score += w.RugcheckFlagged
	}

	switch c.SellsOK {
	case market.FlagYes:
		score += w.SellsOK
	case market.FlagNo:
		score += w.SellsBlocked
	}

	if c.Top10Pct <= e.config.Top10CapPct {
		score += w.Top10UnderCap
	}
	if c.SlippagePct <= e.config.MaxSlippagePct {
		score += w.LowSlippage
	}

	switch {
	case c.MintRenounced == market.FlagNo || c.FreezeRenounced == market.FlagNo:
		score += w.AuthorityActive
	case c.MintRenounced == market.FlagYes && c.FreezeRenounced == market.FlagYes:
		score += w.AuthorityNone
	}

	switch c.Token2022Ext {
	case market.FlagNo:
		score += w.NoToken2022
	case market.FlagYes:
		score += w.Token2022Present
	}

	if e.config.MinAge > 0 && c.Age >= e.config.MinAge {
		score += w.AgeBonus
	}
	if c.CreatorRugs > 0 {
		score += w.CreatorRug * float64(c.CreatorRugs)
	}
	if cluster.Value > e.config.ClusterPenaltyThreshold {
		score -= e.config.ClusterPenaltyWeight * cluster.Value
	}

	return scored(score, 0, 100), ""
}
