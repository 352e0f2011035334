package position

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/lanetrader/internal/sentinel"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Position: one token holding from first tranche to close
// ---------------------------------------------------------------------------

// Lane is the entry strategy a position was admitted under.
type Lane string

const (
	LaneNone    Lane = ""
	LaneSafe    Lane = "SAFE"
	LaneGiant   Lane = "GIANT"
	LaneInsider Lane = "INSIDER"
)

// Lanes lists every tradable lane.
var Lanes = []Lane{LaneSafe, LaneGiant, LaneInsider}

// ExitKind distinguishes profit-taking exits from sentinel panics.
type ExitKind string

const (
	ExitNone    ExitKind = ""
	ExitPartial ExitKind = "PARTIAL"
	ExitPanic   ExitKind = "PANIC"
)

// Fill is an executed buy or sell against the position.
type Fill struct {
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	FeeUSD   decimal.Decimal `json:"fee_usd"`
	Venue    string          `json:"venue"`
	OrderID  string          `json:"order_id"`
	At       time.Time       `json:"at"`
}

// NotionalUSD returns quantity × price.
func (f Fill) NotionalUSD() decimal.Decimal { return f.Quantity.Mul(f.Price) }

// TrancheKind names a split-fill step.
type TrancheKind string

const (
	TrancheDust TrancheKind = "dust"
	TrancheCore TrancheKind = "core"
	TrancheAdd  TrancheKind = "add"
)

// Tranche is one planned entry step and, once filled, its fill.
type Tranche struct {
	Kind    TrancheKind     `json:"kind"`
	SizeUSD decimal.Decimal `json:"size_usd"`
	Fill    *Fill           `json:"fill,omitempty"`
}

// Trim is an executed partial exit.
type Trim struct {
	Level  int    `json:"level"` // ladder index, -1 for non-ladder exits
	Reason string `json:"reason"`
	Fill   Fill   `json:"fill"`
}

// Position is the durable record of one token holding. Values are mutated
// only on a Clone by the lifecycle coordinator and swapped in after the
// paired durable write succeeds.
type Position struct {
	ID       string        `json:"id"`
	Mint     solana.Pubkey `json:"mint"`
	Pool     string        `json:"pool"`
	Lane     Lane          `json:"lane"`
	State    State         `json:"state"`
	ExitKind ExitKind      `json:"exit_kind,omitempty"`

	// CostBasis is the weighted average entry price. Sells never change it.
	CostBasis   decimal.Decimal `json:"cost_basis"`
	EntryQty    decimal.Decimal `json:"entry_qty"`
	InvestedUSD decimal.Decimal `json:"invested_usd"`
	Remaining   decimal.Decimal `json:"remaining"`
	RealizedUSD decimal.Decimal `json:"realized_usd"`
	FeesUSD     decimal.Decimal `json:"fees_usd"`
	HighWater   decimal.Decimal `json:"high_water"`
	LastPrice   decimal.Decimal `json:"last_price"`

	Tranches []Tranche `json:"tranches"`
	Trims    []Trim    `json:"trims"`

	// Profit engine state.
	LadderHit    []bool    `json:"ladder_hit"`
	FloorLevel   int       `json:"floor_level"` // giant floors armed so far
	MomentumHold bool      `json:"momentum_hold"`
	TrailApplied float64   `json:"trail_applied,omitempty"` // last trail before sentinel tightening
	HoldUntil    time.Time `json:"hold_until,omitempty"`

	Sentinel          sentinel.State `json:"sentinel"`
	EntryLiquidityUSD float64        `json:"entry_liquidity_usd"`
	EntryCluster      float64        `json:"entry_cluster"`
	EntryFeeTaxPct    float64        `json:"entry_fee_tax_pct"`

	Version     int64      `json:"version"`
	OpenedAt    time.Time  `json:"opened_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
}

// New creates a position in the Entering state with the given tranche plan.
func New(mint solana.Pubkey, pool string, lane Lane, plan []Tranche, at time.Time) *Position {
	tranches := make([]Tranche, len(plan))
	copy(tranches, plan)
	return &Position{
		ID:          uuid.New().String(),
		Mint:        mint,
		Pool:        pool,
		Lane:        lane,
		State:       StateEntering,
		CostBasis:   decimal.Zero,
		EntryQty:    decimal.Zero,
		InvestedUSD: decimal.Zero,
		Remaining:   decimal.Zero,
		RealizedUSD: decimal.Zero,
		FeesUSD:     decimal.Zero,
		HighWater:   decimal.Zero,
		LastPrice:   decimal.Zero,
		Tranches:    tranches,
		OpenedAt:    at,
		UpdatedAt:   at,
	}
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	c.Tranches = make([]Tranche, len(p.Tranches))
	for i, t := range p.Tranches {
		c.Tranches[i] = t
		if t.Fill != nil {
			f := *t.Fill
			c.Tranches[i].Fill = &f
		}
	}
	c.Trims = append([]Trim(nil), p.Trims...)
	c.LadderHit = append([]bool(nil), p.LadderHit...)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// IsOpen reports whether the position still holds or may acquire tokens.
func (p *Position) IsOpen() bool { return p.State != StateClosed }

// NextTranche returns the index of the first unfilled tranche, or -1.
func (p *Position) NextTranche() int {
	for i, t := range p.Tranches {
		if t.Fill == nil {
			return i
		}
	}
	return -1
}

// ApplyBuy records a tranche fill. Buys are only accepted while entering,
// so remaining size never grows once the position is open.
func (p *Position) ApplyBuy(tranche int, f Fill) error {
	if p.State != StateEntering {
		return fmt.Errorf("position %s: buy in state %s", p.ID, p.State)
	}
	if tranche < 0 || tranche >= len(p.Tranches) || p.Tranches[tranche].Fill != nil {
		return fmt.Errorf("position %s: tranche %d not fillable", p.ID, tranche)
	}
	if !f.Quantity.IsPositive() || !f.Price.IsPositive() {
		return fmt.Errorf("position %s: invalid buy fill", p.ID)
	}

	totalCost := p.CostBasis.Mul(p.EntryQty).Add(f.Price.Mul(f.Quantity))
	p.EntryQty = p.EntryQty.Add(f.Quantity)
	p.CostBasis = totalCost.Div(p.EntryQty)
	p.InvestedUSD = p.InvestedUSD.Add(f.NotionalUSD())
	p.Remaining = p.Remaining.Add(f.Quantity)
	p.FeesUSD = p.FeesUSD.Add(f.FeeUSD)
	p.markPrice(f.Price)

	fill := f
	p.Tranches[tranche].Fill = &fill
	p.touch(f.At)
	return nil
}

// ApplySell records an exit fill and returns the realized PnL of the sold
// quantity net of its fee.
func (p *Position) ApplySell(f Fill) (decimal.Decimal, error) {
	if p.State != StateExiting {
		return decimal.Zero, fmt.Errorf("position %s: sell in state %s", p.ID, p.State)
	}
	if !f.Quantity.IsPositive() || f.Quantity.GreaterThan(p.Remaining) {
		return decimal.Zero, fmt.Errorf("position %s: sell %s of remaining %s", p.ID, f.Quantity, p.Remaining)
	}

	realized := f.Price.Sub(p.CostBasis).Mul(f.Quantity).Sub(f.FeeUSD)
	p.Remaining = p.Remaining.Sub(f.Quantity)
	p.RealizedUSD = p.RealizedUSD.Add(realized)
	p.FeesUSD = p.FeesUSD.Add(f.FeeUSD)
	p.LastPrice = f.Price
	p.touch(f.At)
	return realized, nil
}

// RecordTrim appends a trim and marks its ladder level as fired.
func (p *Position) RecordTrim(level int, reason string, f Fill) {
	p.Trims = append(p.Trims, Trim{Level: level, Reason: reason, Fill: f})
	p.MarkLadder(level)
}

// MarkLadder marks ladder level as fired.
func (p *Position) MarkLadder(level int) {
	if level < 0 {
		return
	}
	for len(p.LadderHit) <= level {
		p.LadderHit = append(p.LadderHit, false)
	}
	p.LadderHit[level] = true
}

// LadderFired reports whether ladder level already fired.
func (p *Position) LadderFired(level int) bool {
	return level >= 0 && level < len(p.LadderHit) && p.LadderHit[level]
}

// WriteOff zeroes remaining size without a fill, used when an operator
// confirms the tokens are gone.
func (p *Position) WriteOff(reason string, at time.Time) {
	if p.Remaining.IsPositive() {
		p.RealizedUSD = p.RealizedUSD.Sub(p.CostBasis.Mul(p.Remaining))
		p.Remaining = decimal.Zero
	}
	p.CloseReason = reason
	p.touch(at)
}

// Mark updates the last price and high-water mark.
func (p *Position) Mark(price decimal.Decimal, at time.Time) {
	if !price.IsPositive() {
		return
	}
	p.markPrice(price)
	p.UpdatedAt = at
}

func (p *Position) markPrice(price decimal.Decimal) {
	p.LastPrice = price
	if price.GreaterThan(p.HighWater) {
		p.HighWater = price
	}
}

// Multiple returns price / cost basis (1.5 = +50%).
func (p *Position) Multiple(price decimal.Decimal) float64 {
	if !p.CostBasis.IsPositive() {
		return 0
	}
	m, _ := price.Div(p.CostBasis).Float64()
	return m
}

// PnLPct returns the unrealized change versus cost basis in percent.
func (p *Position) PnLPct(price decimal.Decimal) float64 {
	if !p.CostBasis.IsPositive() {
		return 0
	}
	return (p.Multiple(price) - 1) * 100
}

// CostUSD returns the cost of the remaining size at cost basis.
func (p *Position) CostUSD() decimal.Decimal { return p.CostBasis.Mul(p.Remaining) }

// ValueUSD returns the remaining size marked at price.
func (p *Position) ValueUSD(price decimal.Decimal) decimal.Decimal { return price.Mul(p.Remaining) }

// UnrealizedUSD returns ValueUSD minus CostUSD.
func (p *Position) UnrealizedUSD(price decimal.Decimal) decimal.Decimal {
	return p.ValueUSD(price).Sub(p.CostUSD())
}

func (p *Position) touch(at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	p.UpdatedAt = at
}
