package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/shopspring/decimal"
)

// fakeVenue is a scriptable Venue.
type fakeVenue struct {
	name  string
	price decimal.Decimal
	// fees[i] is used for the i-th quote; the last entry repeats.
	fees     []Fees
	quoteErr error
	ttl      time.Duration

	// The first failSubmits submissions return submitErr.
	failSubmits int
	submitErr   error
	// timeoutLands makes a failing ErrTimeout submission land anyway.
	timeoutLands bool
	// pendingPolls is how many Status calls report pending first;
	// negative means forever.
	pendingPolls int
	// partial fills this fraction and returns ErrPartialFill.
	partial decimal.Decimal

	mu          sync.Mutex
	quoteCalls  int
	statusCalls int
	submitted   []Instruction
	landed      map[string]FillResult
}

func newFakeVenue(name string, feePct float64) *fakeVenue {
	return &fakeVenue{
		name:      name,
		price:     decimal.NewFromInt(2),
		fees:      []Fees{feesPct(feePct)},
		ttl:       time.Minute,
		submitErr: errs.ErrVenueUnavailable,
		landed:    make(map[string]FillResult),
	}
}

// feesPct splits a total percentage across the fee components.
func feesPct(pct float64) Fees {
	total := decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100))
	quarter := total.Div(decimal.NewFromInt(4))
	return Fees{Base: quarter, LP: quarter, Router: quarter, Priority: total.Sub(quarter.Mul(decimal.NewFromInt(3)))}
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) Quote(_ context.Context, ins Instruction) (RouteQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.quoteCalls
	f.quoteCalls++
	if f.quoteErr != nil {
		return RouteQuote{}, f.quoteErr
	}
	if i >= len(f.fees) {
		i = len(f.fees) - 1
	}
	now := time.Now()
	return RouteQuote{
		Venue:     f.name,
		QuoteID:   fmt.Sprintf("%s-q%d", f.name, f.quoteCalls),
		Price:     f.price,
		Fees:      f.fees[i],
		QuotedAt:  now,
		ExpiresAt: now.Add(f.ttl),
	}, nil
}

func (f *fakeVenue) fill(ins Instruction, q RouteQuote) FillResult {
	qty := ins.Quantity
	if ins.Side == SideBuy {
		qty = ins.AmountUSD.DivRound(q.Price, 12)
	}
	return FillResult{
		ClientOrderID: ins.ClientOrderID,
		OrderID:       "sig-" + ins.ClientOrderID,
		Venue:         f.name,
		Mint:          ins.Mint,
		Side:          ins.Side,
		Quantity:      qty,
		Price:         q.Price,
		FeeUSD:        qty.Mul(q.Price).Mul(q.Fees.Total()),
		At:            time.Now(),
	}
}

func (f *fakeVenue) Submit(_ context.Context, ins Instruction, q RouteQuote) (FillResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.landed[ins.ClientOrderID]; ok {
		return prev, nil
	}
	f.submitted = append(f.submitted, ins)
	if len(f.submitted) <= f.failSubmits {
		if f.timeoutLands {
			f.landed[ins.ClientOrderID] = f.fill(ins, q)
		}
		return FillResult{}, f.submitErr
	}
	res := f.fill(ins, q)
	if f.partial.IsPositive() {
		res.Quantity = res.Quantity.Mul(f.partial)
		res.Partial = true
		f.landed[ins.ClientOrderID] = res
		return res, fmt.Errorf("%s: %w", f.name, errs.ErrPartialFill)
	}
	f.landed[ins.ClientOrderID] = res
	return res, nil
}

func (f *fakeVenue) Status(_ context.Context, clientOrderID string) (StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.pendingPolls < 0 || f.statusCalls <= f.pendingPolls {
		return StatusReport{Status: StatusPending}, nil
	}
	if res, ok := f.landed[clientOrderID]; ok {
		return StatusReport{Status: StatusFilled, Fill: &res}, nil
	}
	return StatusReport{Status: StatusUnknown}, nil
}

func (f *fakeVenue) submissions() []Instruction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Instruction(nil), f.submitted...)
}

func (f *fakeVenue) quotes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quoteCalls
}
