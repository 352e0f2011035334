package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PriceSource returns the last observed USD price for a mint.
type PriceSource func(mint solana.Pubkey) (decimal.Decimal, bool)

// PaperConfig configures simulated execution.
type PaperConfig struct {
	SlippageBps float64       `yaml:"slippage_bps"`
	FillDelay   time.Duration `yaml:"fill_delay"`
	QuoteTTL    time.Duration `yaml:"quote_ttl"`
	// Fee schedule used when the paper venue quotes by itself, as
	// fractions of notional.
	BaseFee     float64 `yaml:"base_fee"`
	LPFee       float64 `yaml:"lp_fee"`
	RouterFee   float64 `yaml:"router_fee"`
	PriorityFee float64 `yaml:"priority_fee"`
}

// DefaultPaperConfig returns defaults.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		SlippageBps: 50,
		QuoteTTL:    10 * time.Second,
		BaseFee:     0.0005,
		LPFee:       0.0025,
		PriorityFee: 0.001,
	}
}

// PaperVenue simulates fills. Submissions fill immediately (after an
// optional delay) at the quoted price adjusted by slippage, paying the
// quoted fees. It also quotes by itself from a PriceSource so paper runs
// need no network.
//
// Submit is idempotent per client order id.
type PaperVenue struct {
	config PaperConfig
	prices PriceSource

	mu          sync.Mutex
	results     map[string]FillResult
	fills       []FillResult
	nextOrderID atomic.Int64
}

// NewPaperVenue creates a paper venue. prices may be nil when the venue is
// only used to simulate submissions against real quotes.
func NewPaperVenue(config PaperConfig, prices PriceSource) *PaperVenue {
	pv := &PaperVenue{
		config:  config,
		prices:  prices,
		results: make(map[string]FillResult),
	}
	pv.nextOrderID.Store(1)
	log.Info().
		Float64("slippage_bps", config.SlippageBps).
		Dur("fill_delay", config.FillDelay).
		Msg("paper venue initialized")
	return pv
}

func (pv *PaperVenue) Name() string { return "paper" }

// Quote prices the instruction from the price source.
func (pv *PaperVenue) Quote(_ context.Context, ins Instruction) (RouteQuote, error) {
	if pv.prices == nil {
		return RouteQuote{}, fmt.Errorf("paper: no price source: %w", errs.ErrVenueUnavailable)
	}
	price, ok := pv.prices(ins.Mint)
	if !ok || !price.IsPositive() {
		return RouteQuote{}, fmt.Errorf("paper: no price for %s: %w", ins.Mint.Short(), errs.ErrVenueUnavailable)
	}
	now := time.Now()
	return RouteQuote{
		Venue:   pv.Name(),
		QuoteID: uuid.NewString(),
		Route:   "simulated",
		Price:   price,
		Fees: Fees{
			Base:     decimal.NewFromFloat(pv.config.BaseFee),
			LP:       decimal.NewFromFloat(pv.config.LPFee),
			Router:   decimal.NewFromFloat(pv.config.RouterFee),
			Priority: decimal.NewFromFloat(pv.config.PriorityFee),
		},
		SlippagePct: pv.config.SlippageBps / 100,
		QuotedAt:    now,
		ExpiresAt:   now.Add(pv.config.QuoteTTL),
	}, nil
}

// Submit fills ins against q. A repeated client order id returns the
// original fill.
func (pv *PaperVenue) Submit(ctx context.Context, ins Instruction, q RouteQuote) (FillResult, error) {
	pv.mu.Lock()
	if prev, ok := pv.results[ins.ClientOrderID]; ok {
		pv.mu.Unlock()
		log.Debug().Str("client_order_id", ins.ClientOrderID).Msg("paper venue: duplicate submission, returning original fill")
		return prev, nil
	}
	pv.mu.Unlock()

	if !q.Price.IsPositive() {
		return FillResult{}, fmt.Errorf("paper: quote without price: %w", errs.ErrQuoteExpired)
	}
	if pv.config.FillDelay > 0 {
		select {
		case <-time.After(pv.config.FillDelay):
		case <-ctx.Done():
			return FillResult{}, ctx.Err()
		}
	}

	price := pv.applySlippage(q.Price, ins.Side)
	qty := ins.Quantity
	if ins.Side == SideBuy {
		qty = ins.AmountUSD.DivRound(price, 12)
	}
	res := FillResult{
		ClientOrderID: ins.ClientOrderID,
		OrderID:       fmt.Sprintf("PAPER-%d", pv.nextOrderID.Add(1)-1),
		Venue:         q.Venue,
		Mint:          ins.Mint,
		Side:          ins.Side,
		Quantity:      qty,
		Price:         price,
		FeeUSD:        qty.Mul(price).Mul(q.Fees.Total()).Round(6),
		Paper:         true,
		At:            time.Now(),
	}

	pv.mu.Lock()
	if prev, ok := pv.results[ins.ClientOrderID]; ok {
		pv.mu.Unlock()
		return prev, nil
	}
	pv.results[ins.ClientOrderID] = res
	pv.fills = append(pv.fills, res)
	pv.mu.Unlock()

	log.Info().
		Str("client_order_id", ins.ClientOrderID).
		Str("order_id", res.OrderID).
		Str("mint", ins.Mint.Short()).
		Str("side", string(ins.Side)).
		Str("qty", qty.String()).
		Str("price", price.String()).
		Str("quote_venue", q.Venue).
		Msg("paper venue: order filled")
	return res, nil
}

// Status reports fills by client order id. Unknown ids were never filled.
func (pv *PaperVenue) Status(_ context.Context, clientOrderID string) (StatusReport, error) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	if res, ok := pv.results[clientOrderID]; ok {
		r := res
		return StatusReport{Status: StatusFilled, Fill: &r}, nil
	}
	return StatusReport{Status: StatusUnknown}, nil
}

// applySlippage adjusts a price by the configured slippage.
// Buyers pay more; sellers receive less.
func (pv *PaperVenue) applySlippage(price decimal.Decimal, side Side) decimal.Decimal {
	if pv.config.SlippageBps == 0 {
		return price
	}
	factor := decimal.NewFromFloat(pv.config.SlippageBps).Div(decimal.NewFromInt(10000))
	switch side {
	case SideBuy:
		return price.Mul(decimal.NewFromInt(1).Add(factor))
	case SideSell:
		return price.Mul(decimal.NewFromInt(1).Sub(factor))
	default:
		return price
	}
}

// Fills returns a snapshot of all simulated fills.
func (pv *PaperVenue) Fills() []FillResult {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	out := make([]FillResult, len(pv.fills))
	copy(out, pv.fills)
	return out
}
