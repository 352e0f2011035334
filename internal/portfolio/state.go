package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Portfolio state: equity, protected floor, per-lane exposure
// ---------------------------------------------------------------------------

// Config configures capital and exposure limits. Pct fields are fractions
// of equity.
type Config struct {
	StartingEquityUSD float64                   `yaml:"starting_equity_usd"`
	FloorFraction     float64                   `yaml:"floor_fraction"` // of peak equity
	GlobalCapPct      float64                   `yaml:"global_cap_pct"`
	LaneCapPct        map[position.Lane]float64 `yaml:"lane_cap_pct"`
	MaxOpenPositions  int                       `yaml:"max_open_positions"`
	CashReservePct    float64                   `yaml:"cash_reserve_pct"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StartingEquityUSD: 1000,
		FloorFraction:     0.5,
		GlobalCapPct:      0.75,
		LaneCapPct: map[position.Lane]float64{
			position.LaneSafe:    0.40,
			position.LaneGiant:   0.30,
			position.LaneInsider: 0.25,
		},
		MaxOpenPositions: 3,
		CashReservePct:   0.25,
	}
}

// State is the portfolio at one point in time. It is a value: Apply*
// methods return a new State and leave the receiver untouched, so the
// coordinator can discard the result if the durable write fails.
type State struct {
	Cash          decimal.Decimal                   `json:"cash"`
	Exposure      map[position.Lane]decimal.Decimal `json:"exposure"` // at cost
	RealizedUSD   decimal.Decimal                   `json:"realized_usd"`
	FeesUSD       decimal.Decimal                   `json:"fees_usd"`
	PeakEquity    decimal.Decimal                   `json:"peak_equity"`
	Floor         decimal.Decimal                   `json:"floor"`
	OpenPositions int                               `json:"open_positions"`
	Version       int64                             `json:"version"`
	UpdatedAt     time.Time                         `json:"updated_at"`
}

// NewState returns the initial state for cfg.
func NewState(cfg Config, at time.Time) State {
	eq := decimal.NewFromFloat(cfg.StartingEquityUSD)
	return State{
		Cash:        eq,
		Exposure:    make(map[position.Lane]decimal.Decimal),
		RealizedUSD: decimal.Zero,
		FeesUSD:     decimal.Zero,
		PeakEquity:  eq,
		Floor:       eq.Mul(decimal.NewFromFloat(cfg.FloorFraction)),
		UpdatedAt:   at,
	}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	c.Exposure = make(map[position.Lane]decimal.Decimal, len(s.Exposure))
	for k, v := range s.Exposure {
		c.Exposure[k] = v
	}
	return c
}

// TotalExposure sums exposure across lanes.
func (s State) TotalExposure() decimal.Decimal {
	total := decimal.Zero
	for _, v := range s.Exposure {
		total = total.Add(v)
	}
	return total
}

// LaneExposure returns exposure for lane.
func (s State) LaneExposure(lane position.Lane) decimal.Decimal {
	if v, ok := s.Exposure[lane]; ok {
		return v
	}
	return decimal.Zero
}

// Equity is cash plus open exposure at cost.
func (s State) Equity() decimal.Decimal { return s.Cash.Add(s.TotalExposure()) }

// ActiveStack is equity above the protected floor.
func (s State) ActiveStack() decimal.Decimal {
	a := s.Equity().Sub(s.Floor)
	if a.IsNegative() {
		return decimal.Zero
	}
	return a
}

// ApplyBuy returns the state after spending notional plus fee on lane.
func (s State) ApplyBuy(cfg Config, lane position.Lane, notional, fee decimal.Decimal, opens bool, at time.Time) (State, error) {
	cost := notional.Add(fee)
	if cost.GreaterThan(s.Cash) {
		return s, fmt.Errorf("portfolio: buy %s exceeds cash %s", cost.StringFixed(2), s.Cash.StringFixed(2))
	}
	n := s.Clone()
	n.Cash = n.Cash.Sub(cost)
	n.Exposure[lane] = n.LaneExposure(lane).Add(notional)
	n.RealizedUSD = n.RealizedUSD.Sub(fee)
	n.FeesUSD = n.FeesUSD.Add(fee)
	if opens {
		n.OpenPositions++
	}
	n.settle(cfg, at)
	return n, nil
}

// ApplySell returns the state after selling a slice of a position whose
// cost basis portion is costRemoved.
func (s State) ApplySell(cfg Config, lane position.Lane, costRemoved, proceeds, fee decimal.Decimal, closes bool, at time.Time) State {
	n := s.Clone()
	exp := n.LaneExposure(lane).Sub(costRemoved)
	if exp.IsNegative() {
		exp = decimal.Zero
	}
	n.Exposure[lane] = exp
	n.Cash = n.Cash.Add(proceeds).Sub(fee)
	n.RealizedUSD = n.RealizedUSD.Add(proceeds.Sub(costRemoved).Sub(fee))
	n.FeesUSD = n.FeesUSD.Add(fee)
	if closes && n.OpenPositions > 0 {
		n.OpenPositions--
	}
	n.settle(cfg, at)
	return n
}

// settle ratchets peak equity and the floor; the floor never moves down.
func (s *State) settle(cfg Config, at time.Time) {
	eq := s.Equity()
	if eq.GreaterThan(s.PeakEquity) {
		s.PeakEquity = eq
	}
	floor := s.PeakEquity.Mul(decimal.NewFromFloat(cfg.FloorFraction))
	if floor.GreaterThan(s.Floor) {
		s.Floor = floor
	}
	s.Version++
	s.UpdatedAt = at
}

// LaneCap returns the exposure cap for lane.
func (s State) LaneCap(cfg Config, lane position.Lane) decimal.Decimal {
	return s.Equity().Mul(decimal.NewFromFloat(cfg.LaneCapPct[lane]))
}

// GlobalCap returns the total exposure cap.
func (s State) GlobalCap(cfg Config) decimal.Decimal {
	return s.Equity().Mul(decimal.NewFromFloat(cfg.GlobalCapPct))
}

// Headroom returns how much more exposure lane may take: the smaller of
// lane cap, global cap and spendable cash above the reserve.
func (s State) Headroom(cfg Config, lane position.Lane) decimal.Decimal {
	laneRoom := s.LaneCap(cfg, lane).Sub(s.LaneExposure(lane))
	global := s.GlobalCap(cfg).Sub(s.TotalExposure())
	cash := s.Cash.Sub(s.Equity().Mul(decimal.NewFromFloat(cfg.CashReservePct)))
	h := decimal.Min(laneRoom, global, cash)
	if h.IsNegative() {
		return decimal.Zero
	}
	return h
}

// ---------------------------------------------------------------------------
// Book: single-writer holder of the current State
// ---------------------------------------------------------------------------

// Book holds the committed portfolio state. Only the lifecycle coordinator
// calls Commit; everyone else reads snapshots.
type Book struct {
	config Config

	mu    sync.RWMutex
	state State
}

// NewBook creates a book starting from state.
func NewBook(config Config, state State) *Book {
	return &Book{config: config, state: state.Clone()}
}

// Config returns the portfolio configuration.
func (b *Book) Config() Config { return b.config }

// Current returns a copy of the committed state.
func (b *Book) Current() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Clone()
}

// Commit replaces the committed state. Callers must have persisted next.
func (b *Book) Commit(next State) {
	b.mu.Lock()
	b.state = next.Clone()
	b.mu.Unlock()
}
