package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/nexus-trading/lanetrader/internal/execution"
	"github.com/nexus-trading/lanetrader/internal/observability"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/nexus-trading/lanetrader/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Durable transitions
// ---------------------------------------------------------------------------

// change is one transition: the next position value, an optional portfolio
// update and the events describing it.
type change struct {
	op        string
	pos       *position.Position
	portfolio func(portfolio.State) (portfolio.State, error)
	// settled runs under the portfolio lock after the write landed.
	settled func()
	events  []bus.LifecycleEvent
}

// commit writes ch atomically and only then swaps it into memory. On any
// error the committed position, the portfolio and the reservations are
// exactly as before. Must be called with the token lock held.
func (c *Coordinator) commit(ctx context.Context, ch change) error {
	next := ch.pos
	mint := next.Mint
	prev := c.position(mint)
	if prev != nil && prev.ID == next.ID {
		next.Version = prev.Version + 1
	} else {
		next.Version = 1
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CommitTimeout)
	defer cancel()

	var st *portfolio.State
	locked := false
	unlock := func() {
		if locked {
			c.pmu.Unlock()
			locked = false
		}
	}
	defer unlock()

	if ch.portfolio != nil {
		c.pmu.Lock()
		locked = true
		s, err := ch.portfolio(c.book.Current())
		if err != nil {
			return fmt.Errorf("lifecycle: %s: %w", ch.op, err)
		}
		st = &s
	}

	err := c.deps.Store.CommitTransition(cctx, store.Transition{
		Position:  next,
		Portfolio: st,
		Events:    ch.events,
	})
	if err != nil {
		unlock()
		c.commitFailed(ctx, ch.op, mint, err)
		return fmt.Errorf("lifecycle: %s: %w", ch.op, err)
	}

	if st != nil {
		c.book.Commit(*st)
	}
	if ch.settled != nil {
		if !locked {
			c.pmu.Lock()
			locked = true
		}
		ch.settled()
	}
	unlock()

	c.mu.Lock()
	if next.State == position.StateClosed {
		delete(c.positions, mint)
		if ts, ok := c.tokens[mint]; ok {
			ts.closedAt = c.now()
		}
	} else {
		c.positions[mint] = next
	}
	c.mu.Unlock()

	if c.storeDegraded.CompareAndSwap(true, false) {
		c.health.Report(ComponentStore, observability.StatusHealthy, "commits succeeding")
		log.Info().Msg("lifecycle: store recovered")
	}
	if st != nil {
		c.observer.ObservePortfolio(*st)
	}
	c.publish(ctx, ch.events...)
	return nil
}

// commitFailed records a rolled-back transition.
func (c *Coordinator) commitFailed(ctx context.Context, op string, mint solana.Pubkey, err error) {
	c.storageErrors.Add(1)
	c.observer.ObserveStorageError()

	if !errors.Is(err, errs.ErrStorageUnavailable) {
		log.Error().Err(err).Str("op", op).Str("mint", mint.Short()).Msg("lifecycle: transition rejected by store")
		return
	}
	log.Error().Err(err).Str("op", op).Str("mint", mint.Short()).Msg("lifecycle: transition rolled back")
	if c.storeDegraded.CompareAndSwap(false, true) {
		c.health.Report(ComponentStore, observability.StatusDegraded, err.Error())
		ev := bus.NewLifecycleEvent(c.config.Producer, bus.EventStorageDegraded, string(mint))
		ev.Reason = string(errs.KindStorageUnavailable)
		c.publish(ctx, ev.WithDetail("op", op).WithDetail("error", err.Error()))
	}
}

// appendEvent writes an operational event that carries no state change and
// publishes it even when the write fails.
func (c *Coordinator) appendEvent(ctx context.Context, ev bus.LifecycleEvent) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CommitTimeout)
	defer cancel()
	if err := c.deps.Store.AppendEvent(cctx, ev); err != nil {
		c.commitFailed(ctx, "append "+string(ev.Type), solana.Pubkey(ev.Mint), err)
	}
	c.publish(ctx, ev)
}

func (c *Coordinator) publish(ctx context.Context, events ...bus.LifecycleEvent) {
	for _, ev := range events {
		c.sink.Record(ctx, ev)
		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}
}

// event builds a lifecycle event describing p.
func (c *Coordinator) event(typ bus.EventType, p *position.Position, reason string) bus.LifecycleEvent {
	ev := bus.NewLifecycleEvent(c.config.Producer, typ, string(p.Mint))
	ev.PositionID = p.ID
	ev.Lane = string(p.Lane)
	ev.State = string(p.State)
	ev.Tier = p.Sentinel.Tier.String()
	ev.Reason = reason
	ev.SizeUSD = p.CostUSD()
	ev.Price = p.LastPrice
	return ev
}

// ---------------------------------------------------------------------------
// Blocked tokens
// ---------------------------------------------------------------------------

// block parks a fill that could not be made durable. Nothing else happens
// for the token until retry succeeds.
func (c *Coordinator) block(ts *tokenState, op string, retry func(ctx context.Context) error) {
	if ts.pending == nil {
		c.blocked.Add(1)
		ts.pending = &pendingCommit{op: op, since: c.now()}
	}
	ts.pending.op = op
	ts.pending.retry = retry
}

// retryPending retries a parked commit and reports whether the token is
// free again.
func (c *Coordinator) retryPending(ctx context.Context, mint solana.Pubkey, ts *tokenState) bool {
	p := ts.pending
	if p == nil {
		return true
	}
	p.attempts++
	err := p.retry(ctx)
	if err == nil {
		ts.pending = nil
		c.blocked.Add(-1)
		log.Info().Str("mint", mint.Short()).Str("op", p.op).Int("attempts", p.attempts).
			Dur("blocked_for", c.now().Sub(p.since)).Msg("lifecycle: blocked transition committed")
		return true
	}
	if !errors.Is(err, errs.ErrStorageUnavailable) {
		ts.pending = nil
		c.blocked.Add(-1)
		log.Error().Err(err).Str("mint", mint.Short()).Str("op", p.op).Msg("lifecycle: blocked transition dropped")
		return true
	}
	log.Warn().Err(err).Str("mint", mint.Short()).Str("op", p.op).Int("attempts", p.attempts).
		Msg("lifecycle: blocked transition still failing")
	return false
}

// ---------------------------------------------------------------------------
// Execution helpers
// ---------------------------------------------------------------------------

// execute runs ins and settles an unresolved outcome through the executor
// when it can.
func (c *Coordinator) execute(ctx context.Context, ins execution.Instruction) (execution.FillResult, error) {
	res, err := c.deps.Executor.Execute(ctx, ins)
	var u *execution.UnresolvedError
	if err == nil || !errors.As(err, &u) {
		return res, err
	}
	r, ok := c.deps.Executor.(resolver)
	if !ok {
		return res, err
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.ExecTimeout)
	defer cancel()
	log.Warn().Str("client_order_id", u.ClientOrderID).Str("venue", u.Venue).Msg("lifecycle: resolving order outcome")
	return r.Resolve(rctx, u)
}

// executionFailed reports a failed instruction.
func (c *Coordinator) executionFailed(ctx context.Context, p *position.Position, mint solana.Pubkey, side execution.Side, urgency position.Urgency, err error) {
	kind := errs.KindOf(err)
	c.observer.ObserveExecutionFailure(string(kind))

	ev := bus.NewLifecycleEvent(c.config.Producer, bus.EventExecutionFailed, string(mint))
	ev.Reason = string(kind)
	if p != nil {
		ev.PositionID = p.ID
		ev.Lane = string(p.Lane)
		ev.State = string(p.State)
		ev.Tier = p.Sentinel.Tier.String()
	}
	ev = ev.WithDetail("side", string(side)).WithDetail("urgency", string(urgency)).WithDetail("error", err.Error())

	l := log.Warn()
	if urgency == position.UrgencyPanic {
		l = log.Error()
	}
	l.Err(err).Str("mint", mint.Short()).Str("side", string(side)).Str("kind", string(kind)).
		Msg("lifecycle: execution failed")
	c.appendEvent(ctx, ev)
}

func (c *Coordinator) archiveFill(ctx context.Context, positionID string, res execution.FillResult) {
	if c.archive == nil {
		return
	}
	if err := c.archive.WriteFill(ctx, positionID, res); err != nil {
		log.Warn().Err(err).Str("order_id", res.OrderID).Msg("lifecycle: archive fill failed")
	}
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

// effectiveStateLocked is the committed state with every open reservation
// counted as exposure. Caller holds pmu.
func (c *Coordinator) effectiveStateLocked() portfolio.State {
	st := c.book.Current()
	for _, r := range c.reserved {
		if r.slot {
			st.OpenPositions++
		}
		if r.remaining.IsPositive() {
			st.Exposure[r.lane] = st.LaneExposure(r.lane).Add(r.remaining)
			st.Cash = st.Cash.Sub(r.remaining)
		}
	}
	return st
}

func (c *Coordinator) release(mint solana.Pubkey) {
	c.pmu.Lock()
	delete(c.reserved, mint)
	c.pmu.Unlock()
}

// consumeReservation shrinks mint's reservation by a committed tranche.
// Caller holds pmu.
func (c *Coordinator) consumeReservation(mint solana.Pubkey, size decimal.Decimal, opened bool) {
	r, ok := c.reserved[mint]
	if !ok {
		return
	}
	r.remaining = r.remaining.Sub(size)
	if r.remaining.IsNegative() {
		r.remaining = decimal.Zero
	}
	if opened {
		r.slot = false
	}
}

// sleepCtx waits d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
