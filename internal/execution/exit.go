package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// aggregate folds several fills of one instruction into one result.
type aggregate struct {
	ins       Instruction
	qty       decimal.Decimal
	notional  decimal.Decimal
	fees      decimal.Decimal
	venues    []string
	orderIDs  []string
	chunks    int
	attempts  int
	paper     bool
	estimated bool
	at        time.Time
}

func newAggregate(ins Instruction) *aggregate {
	return &aggregate{ins: ins, qty: decimal.Zero, notional: decimal.Zero, fees: decimal.Zero}
}

func (a *aggregate) add(res FillResult) {
	a.qty = a.qty.Add(res.Quantity)
	a.notional = a.notional.Add(res.NotionalUSD())
	a.fees = a.fees.Add(res.FeeUSD)
	if len(a.venues) == 0 || a.venues[len(a.venues)-1] != res.Venue {
		a.venues = append(a.venues, res.Venue)
	}
	a.orderIDs = append(a.orderIDs, res.OrderID)
	a.chunks++
	a.attempts += res.Attempts
	a.paper = a.paper || res.Paper
	a.estimated = a.estimated || res.Estimated
	a.at = res.At
}

func (a *aggregate) filled() bool { return a.qty.IsPositive() }

func (a *aggregate) result(partial bool) FillResult {
	price := decimal.Zero
	if a.qty.IsPositive() {
		price = a.notional.DivRound(a.qty, 12)
	}
	return FillResult{
		ClientOrderID: a.ins.ClientOrderID,
		OrderID:       strings.Join(a.orderIDs, ","),
		Venue:         strings.Join(a.venues, ","),
		Mint:          a.ins.Mint,
		Side:          a.ins.Side,
		Quantity:      a.qty,
		Price:         price,
		FeeUSD:        a.fees,
		Partial:       partial,
		Paper:         a.paper,
		Chunks:        a.chunks,
		Attempts:      a.attempts,
		Estimated:     a.estimated,
		At:            a.at,
	}
}

func (g *Gateway) shouldChunk(ins Instruction) bool {
	if g.config.ExitChunks <= 1 || ins.PoolLiquidityUSD <= 0 || !ins.RefPriceUSD.IsPositive() {
		return false
	}
	limit := decimal.NewFromFloat(ins.PoolLiquidityUSD * g.config.ChunkPoolFraction)
	return ins.NotionalUSD().GreaterThan(limit)
}

// executeChunked splits a non-panic sell into equal chunks, each quoted and
// fee-checked on its own. It stops at the first failing chunk and reports
// what was sold so far as a partial fill.
func (g *Gateway) executeChunked(ctx context.Context, ins Instruction) (FillResult, error) {
	n := g.config.ExitChunks
	size := ins.Quantity.Div(decimal.NewFromInt(int64(n))).RoundDown(9)
	agg := newAggregate(ins)

	log.Info().
		Str("mint", ins.Mint.Short()).
		Int("chunks", n).
		Str("qty", ins.Quantity.String()).
		Msg("gateway: chunking exit")

	for i := 0; i < n; i++ {
		qty := size
		if i == n-1 {
			qty = ins.Quantity.Sub(size.Mul(decimal.NewFromInt(int64(n - 1))))
		}
		if !qty.IsPositive() {
			continue
		}
		if i > 0 {
			if err := g.sleep(ctx, g.config.ChunkInterval); err != nil {
				return g.partialOrErr(agg, fmt.Errorf("gateway: chunked exit interrupted: %w", err))
			}
		}

		sub := ins
		sub.Quantity = qty
		sub.ClientOrderID = fmt.Sprintf("%s-c%d", ins.ClientOrderID, i+1)
		res, err := g.executeOnce(ctx, sub)
		if res.Filled() {
			agg.add(res)
		}
		if err != nil {
			return g.partialOrErr(agg, fmt.Errorf("gateway: chunk %d/%d: %w", i+1, n, err))
		}
	}
	return agg.result(false), nil
}

func (g *Gateway) partialOrErr(agg *aggregate, err error) (FillResult, error) {
	if !agg.filled() {
		return FillResult{}, err
	}
	g.partials.Add(1)
	if errors.Is(err, errs.ErrPartialFill) {
		return agg.result(true), err
	}
	return agg.result(true), errors.Join(errs.ErrPartialFill, err)
}

// executePanic submits the full remaining size, never chunked, and keeps
// retrying with backoff until it is filled or ctx is cancelled. Failing
// PanicMaxAttempts times raises the alert once.
func (g *Gateway) executePanic(ctx context.Context, ins Instruction) (FillResult, error) {
	agg := newAggregate(ins)
	remaining := ins.Quantity
	backoff := g.config.PanicBackoffInitial
	alerted := false
	var pending *UnresolvedError

	for attempt := 1; ; attempt++ {
		var res FillResult
		var err error
		if pending != nil {
			res, err = g.Resolve(ctx, pending)
			pending = nil
		} else {
			sub := ins
			sub.Quantity = remaining
			sub.ClientOrderID = fmt.Sprintf("%s-p%d", ins.ClientOrderID, attempt)
			res, err = g.executeOnce(ctx, sub)
		}
		if res.Filled() {
			agg.add(res)
			remaining = remaining.Sub(res.Quantity)
		}
		if !remaining.IsPositive() {
			return agg.result(false), nil
		}
		errors.As(err, &pending)

		if ctx.Err() != nil {
			return g.partialOrErr(agg, fmt.Errorf("gateway: panic exit abandoned: %w", ctx.Err()))
		}

		g.panicRetries.Add(1)
		g.observer.ObservePanicRetry()
		log.Error().Err(err).
			Str("mint", ins.Mint.Short()).
			Int("attempt", attempt).
			Str("remaining", remaining.String()).
			Dur("backoff", backoff).
			Msg("gateway: panic exit failed, retrying")

		if attempt >= g.config.PanicMaxAttempts && !alerted {
			alerted = true
			g.raiseAlert(ins, attempt, err)
		}

		if err := g.sleep(ctx, backoff); err != nil {
			return g.partialOrErr(agg, fmt.Errorf("gateway: panic exit abandoned: %w", err))
		}
		backoff = time.Duration(float64(backoff) * g.config.PanicBackoffFactor)
		if g.config.PanicBackoffMax > 0 && backoff > g.config.PanicBackoffMax {
			backoff = g.config.PanicBackoffMax
		}
	}
}

func (g *Gateway) raiseAlert(ins Instruction, attempts int, err error) {
	g.alerts.Add(1)
	g.observer.ObservePanicAlert()
	a := Alert{
		Mint:     ins.Mint,
		OrderID:  ins.ClientOrderID,
		Attempts: attempts,
		At:       g.now(),
	}
	if err != nil {
		a.Err = err.Error()
	}
	log.Error().
		Str("mint", string(ins.Mint)).
		Int("attempts", attempts).
		Str("error", a.Err).
		Msg("gateway: ALERT panic exit failing, still retrying")
	if g.onAlert != nil {
		g.onAlert(a)
	}
}
