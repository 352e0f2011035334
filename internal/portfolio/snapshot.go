package portfolio

import (
	"sort"
	"time"

	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/shopspring/decimal"
)

// PositionView is the read-only summary of one position in a Snapshot.
type PositionView struct {
	ID          string          `json:"id"`
	Mint        string          `json:"mint"`
	Lane        position.Lane   `json:"lane"`
	State       position.State  `json:"state"`
	ExitKind    string          `json:"exit_kind,omitempty"`
	Remaining   decimal.Decimal `json:"remaining"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	LastPrice   decimal.Decimal `json:"last_price"`
	InvestedUSD decimal.Decimal `json:"invested_usd"`
	RealizedUSD decimal.Decimal `json:"realized_usd"`
	PnLPct      float64         `json:"pnl_pct"`
	Tier        string          `json:"sentinel_tier"`
	OpenedAt    time.Time       `json:"opened_at"`
}

// LaneView is one lane's exposure against its cap.
type LaneView struct {
	Exposure decimal.Decimal `json:"exposure"`
	Cap      decimal.Decimal `json:"cap"`
	Headroom decimal.Decimal `json:"headroom"`
}

// Snapshot is a point-in-time, read-only view of the portfolio.
type Snapshot struct {
	Mode          string                     `json:"mode"`
	Equity        decimal.Decimal            `json:"equity"`
	Cash          decimal.Decimal            `json:"cash"`
	Floor         decimal.Decimal            `json:"floor"`
	PeakEquity    decimal.Decimal            `json:"peak_equity"`
	ActiveStack   decimal.Decimal            `json:"active_stack"`
	TotalExposure decimal.Decimal            `json:"total_exposure"`
	GlobalCap     decimal.Decimal            `json:"global_cap"`
	Lanes         map[position.Lane]LaneView `json:"lanes"`
	RealizedUSD   decimal.Decimal            `json:"realized_usd"`
	UnrealizedUSD decimal.Decimal            `json:"unrealized_usd"`
	FeesUSD       decimal.Decimal            `json:"fees_usd"`
	OpenPositions int                        `json:"open_positions"`
	Positions     []PositionView             `json:"positions"`
	Guard         GuardStats                 `json:"guard"`
	Version       int64                      `json:"version"`
	At            time.Time                  `json:"at"`
}

// BuildSnapshot assembles a snapshot from committed state and the live
// positions. Positions are cloned by the caller.
func BuildSnapshot(cfg Config, st State, positions []*position.Position, at time.Time) Snapshot {
	s := Snapshot{
		Equity:        st.Equity(),
		Cash:          st.Cash,
		Floor:         st.Floor,
		PeakEquity:    st.PeakEquity,
		ActiveStack:   st.ActiveStack(),
		TotalExposure: st.TotalExposure(),
		GlobalCap:     st.GlobalCap(cfg),
		Lanes:         make(map[position.Lane]LaneView, len(position.Lanes)),
		RealizedUSD:   st.RealizedUSD,
		UnrealizedUSD: decimal.Zero,
		FeesUSD:       st.FeesUSD,
		OpenPositions: st.OpenPositions,
		Version:       st.Version,
		At:            at,
	}
	for _, lane := range position.Lanes {
		s.Lanes[lane] = LaneView{
			Exposure: st.LaneExposure(lane),
			Cap:      st.LaneCap(cfg, lane),
			Headroom: st.Headroom(cfg, lane),
		}
	}
	for _, p := range positions {
		if p.State == position.StateClosed {
			continue
		}
		s.UnrealizedUSD = s.UnrealizedUSD.Add(p.UnrealizedUSD(p.LastPrice))
		s.Positions = append(s.Positions, PositionView{
			ID:          p.ID,
			Mint:        string(p.Mint),
			Lane:        p.Lane,
			State:       p.State,
			ExitKind:    string(p.ExitKind),
			Remaining:   p.Remaining,
			CostBasis:   p.CostBasis,
			LastPrice:   p.LastPrice,
			InvestedUSD: p.InvestedUSD,
			RealizedUSD: p.RealizedUSD,
			PnLPct:      p.PnLPct(p.LastPrice),
			Tier:        p.Sentinel.Tier.String(),
			OpenedAt:    p.OpenedAt,
		})
	}
	sort.Slice(s.Positions, func(i, j int) bool { return s.Positions[i].OpenedAt.Before(s.Positions[j].OpenedAt) })
	return s
}
