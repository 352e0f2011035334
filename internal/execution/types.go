package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/shopspring/decimal"
)

// Side of a swap relative to the traded token.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Mode selects real or simulated submission.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// ParseMode parses "paper" or "live".
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePaper:
		return ModePaper, nil
	case ModeLive:
		return ModeLive, nil
	}
	return "", fmt.Errorf("execution: unknown mode %q", s)
}

// Instruction is one order the gateway must fill. Buys are sized in USD,
// sells in token quantity.
type Instruction struct {
	ClientOrderID string           `json:"client_order_id"`
	Mint          solana.Pubkey    `json:"mint"`
	Side          Side             `json:"side"`
	AmountUSD     decimal.Decimal  `json:"amount_usd"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Urgency       position.Urgency `json:"urgency"`
	// RefPriceUSD and PoolLiquidityUSD drive exit chunking.
	RefPriceUSD      decimal.Decimal `json:"ref_price_usd"`
	PoolLiquidityUSD float64         `json:"pool_liquidity_usd"`
	MaxSlippagePct   float64         `json:"max_slippage_pct"`
	Reason           string          `json:"reason,omitempty"`
}

// Panic reports whether the instruction is a sentinel panic exit.
func (i Instruction) Panic() bool { return i.Urgency == position.UrgencyPanic }

// NotionalUSD estimates the order size in USD.
func (i Instruction) NotionalUSD() decimal.Decimal {
	if i.Side == SideBuy {
		return i.AmountUSD
	}
	return i.Quantity.Mul(i.RefPriceUSD)
}

func (i Instruction) validate() error {
	if !i.Mint.Valid() {
		return fmt.Errorf("execution: invalid mint %q", i.Mint)
	}
	switch i.Side {
	case SideBuy:
		if !i.AmountUSD.IsPositive() {
			return fmt.Errorf("execution: buy without amount")
		}
	case SideSell:
		if !i.Quantity.IsPositive() {
			return fmt.Errorf("execution: sell without quantity")
		}
	default:
		return fmt.Errorf("execution: side %q", i.Side)
	}
	return nil
}

// Fees are the quoted cost components as fractions of the order notional.
type Fees struct {
	Base     decimal.Decimal `json:"base"`
	LP       decimal.Decimal `json:"lp"`
	Router   decimal.Decimal `json:"router"`
	Priority decimal.Decimal `json:"priority"`
}

// Total is base + LP + router + priority.
func (f Fees) Total() decimal.Decimal {
	return f.Base.Add(f.LP).Add(f.Router).Add(f.Priority)
}

// RouteQuote is one venue's price and fee breakdown for an instruction.
type RouteQuote struct {
	Venue       string          `json:"venue"`
	QuoteID     string          `json:"quote_id"`
	Route       string          `json:"route,omitempty"`
	Price       decimal.Decimal `json:"price"` // USD per token
	Fees        Fees            `json:"fees"`
	SlippagePct float64         `json:"slippage_pct"`
	QuotedAt    time.Time       `json:"quoted_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	// PriorityMicroLamports is the compute unit price the fees were quoted
	// with. Submit pays exactly this price.
	PriorityMicroLamports uint64 `json:"priority_micro_lamports,omitempty"`
	// Raw carries the venue's own quote payload back into Submit.
	Raw []byte `json:"-"`
}

// FeePct returns the total fee in percent.
func (q RouteQuote) FeePct() float64 {
	f, _ := q.Fees.Total().Mul(decimal.NewFromInt(100)).Float64()
	return f
}

// Expired reports whether the quote can no longer be submitted.
func (q RouteQuote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && !now.Before(q.ExpiresAt)
}

// FillResult is what an order actually did.
type FillResult struct {
	ClientOrderID string          `json:"client_order_id"`
	OrderID       string          `json:"order_id"`
	Venue         string          `json:"venue"`
	Mint          solana.Pubkey   `json:"mint"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	FeeUSD        decimal.Decimal `json:"fee_usd"`
	Partial       bool            `json:"partial"`
	Paper         bool            `json:"paper"`
	Chunks        int             `json:"chunks"`
	Attempts      int             `json:"attempts"`
	// Estimated marks a fill taken from the quote because the settled
	// transaction could not be read.
	Estimated bool      `json:"estimated,omitempty"`
	At        time.Time `json:"at"`
}

// NotionalUSD is quantity × price.
func (f FillResult) NotionalUSD() decimal.Decimal { return f.Quantity.Mul(f.Price) }

// Filled reports whether any quantity changed hands.
func (f FillResult) Filled() bool { return f.Quantity.IsPositive() }

// Fill converts the result into the position's fill record.
func (f FillResult) Fill() position.Fill {
	return position.Fill{
		Quantity: f.Quantity,
		Price:    f.Price,
		FeeUSD:   f.FeeUSD,
		Venue:    f.Venue,
		OrderID:  f.OrderID,
		At:       f.At,
	}
}

// OrderStatus is a venue's view of a previously submitted order.
type OrderStatus string

const (
	StatusFilled  OrderStatus = "filled"
	StatusPending OrderStatus = "pending"
	// StatusFailed and StatusUnknown both mean nothing landed and the
	// order may be resubmitted.
	StatusFailed  OrderStatus = "failed"
	StatusUnknown OrderStatus = "unknown"
)

// StatusReport answers a Status query. Fill is set for StatusFilled.
type StatusReport struct {
	Status OrderStatus `json:"status"`
	Fill   *FillResult `json:"fill,omitempty"`
}

// Venue is one route to the market.
type Venue interface {
	Name() string
	Quote(ctx context.Context, ins Instruction) (RouteQuote, error)
	// Submit must be idempotent per ins.ClientOrderID.
	Submit(ctx context.Context, ins Instruction, q RouteQuote) (FillResult, error)
	Status(ctx context.Context, clientOrderID string) (StatusReport, error)
}

// Alert is raised when a panic exit keeps failing.
type Alert struct {
	Mint     solana.Pubkey `json:"mint"`
	OrderID  string        `json:"client_order_id"`
	Attempts int           `json:"attempts"`
	Err      string        `json:"error"`
	At       time.Time     `json:"at"`
}

// Observer receives gateway measurements.
type Observer interface {
	ObserveFill(venue string, side string, paper bool, latency time.Duration)
	ObserveFeeRejected(venue string)
	ObserveFailover(from, to string)
	ObservePanicRetry()
	ObservePanicAlert()
}

type nopObserver struct{}

func (nopObserver) ObserveFill(string, string, bool, time.Duration) {}
func (nopObserver) ObserveFeeRejected(string)                       {}
func (nopObserver) ObserveFailover(string, string)                  {}
func (nopObserver) ObservePanicRetry()                              {}
func (nopObserver) ObservePanicAlert()                              {}
