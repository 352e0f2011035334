package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/execution"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/sentinel"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Operator controls
// ---------------------------------------------------------------------------

var (
	ErrNoPosition      = errors.New("lifecycle: no open position")
	ErrEntryInFlight   = errors.New("lifecycle: entry in progress")
	ErrTokenBlocked    = errors.New("lifecycle: token blocked on a pending commit")
	ErrModeUnsupported = errors.New("lifecycle: executor has no paper/live toggle")
)

// Panic escalates mint's position to TierA and issues a full panic exit,
// preempting any partial exit in flight.
func (c *Coordinator) Panic(ctx context.Context, mint solana.Pubkey, reason string) error {
	unlock := c.locks.Lock(mint)
	defer unlock()

	ts := c.token(mint)
	if ts.pending != nil && !c.retryPending(ctx, mint, ts) {
		return ErrTokenBlocked
	}
	pos := c.position(mint)
	if pos == nil {
		return ErrNoPosition
	}
	if pos.State == position.StateEntering {
		return ErrEntryInFlight
	}
	if pos.State == position.StateExiting && pos.ExitKind == position.ExitPanic {
		return nil
	}

	now := c.now()
	next := pos.Clone()
	st, err := sentinel.Escalate(next.Sentinel, sentinel.TierA, now, "manual")
	if err != nil {
		return err
	}
	var events []bus.LifecycleEvent
	if st.Tier != next.Sentinel.Tier {
		c.observer.ObserveTierChange(st.Tier.String())
		events = append(events, c.event(bus.EventTierChanged, next, "manual").
			WithDetail("from", next.Sentinel.Tier.String()))
	}
	next.Sentinel = st

	log.Warn().Str("mint", mint.Short()).Str("reason", reason).Msg("lifecycle: manual panic")
	c.beginExit(ctx, mint, ts, next, position.PanicExit("MANUAL:"+reason), events)
	if c.position(mint) == pos {
		return fmt.Errorf("lifecycle: panic for %s not committed", mint.Short())
	}
	return nil
}

// OverrideClose writes off mint's remaining size without selling, for
// tokens an operator confirmed are gone. Any exit in flight is cancelled.
func (c *Coordinator) OverrideClose(ctx context.Context, mint solana.Pubkey, reason string) error {
	unlock := c.locks.Lock(mint)
	defer unlock()

	ts := c.token(mint)
	if ts.pending != nil && !c.retryPending(ctx, mint, ts) {
		return ErrTokenBlocked
	}
	pos := c.position(mint)
	if pos == nil {
		return ErrNoPosition
	}
	if pos.State == position.StateEntering {
		return ErrEntryInFlight
	}

	now := c.now()
	next := pos.Clone()
	if next.State == position.StateOpen {
		if err := next.BeginExit(position.ExitPanic, now); err != nil {
			return err
		}
	}
	costRemoved := next.CostUSD()
	closes := next.EntryQty.IsPositive()
	next.WriteOff("OVERRIDE:"+reason, now)
	if err := next.Transition(position.StateClosed, now); err != nil {
		return err
	}

	ev := c.event(bus.EventPositionClosed, next, next.CloseReason)
	ev.SizeUSD = costRemoved
	err := c.commit(ctx, change{
		op:  "override close",
		pos: next,
		portfolio: func(st portfolio.State) (portfolio.State, error) {
			return st.ApplySell(c.pconfig, next.Lane, costRemoved, decimal.Zero, decimal.Zero, closes, now), nil
		},
		events: []bus.LifecycleEvent{ev},
	})
	if err != nil {
		return err
	}
	if ts.exit != nil {
		ts.exit.cancel()
		ts.exit = nil
	}
	log.Warn().Str("mint", mint.Short()).Str("reason", reason).Str("written_off", costRemoved.StringFixed(2)).
		Msg("lifecycle: position closed by override")
	return nil
}

// Halt stops all new entries. Open positions keep being managed.
func (c *Coordinator) Halt(ctx context.Context, reason string) {
	c.deps.Guard.Freeze(reason)
	c.observer.SetEntryHalted(true)
	ev := bus.NewLifecycleEvent(c.config.Producer, bus.EventEntryHalted, "")
	ev.Reason = reason
	c.appendEvent(ctx, ev.WithDetail("scope", "global"))
}

// Resume lifts a Halt. A kill switch stays engaged.
func (c *Coordinator) Resume(ctx context.Context) {
	c.deps.Guard.Resume()
	active := c.deps.Guard.IsActive()
	c.observer.SetEntryHalted(!active)
	ev := bus.NewLifecycleEvent(c.config.Producer, bus.EventEntryHalted, "")
	ev.Reason = "RESUMED"
	c.appendEvent(ctx, ev.WithDetail("scope", "global").WithDetail("active", strconv.FormatBool(active)))
}

// ClearHalt lifts a per-token halt, e.g. after a sentinel regression was
// investigated.
func (c *Coordinator) ClearHalt(mint solana.Pubkey) bool {
	ok := c.deps.Guard.ClearToken(mint)
	if ok {
		log.Info().Str("mint", mint.Short()).Msg("lifecycle: token halt cleared")
	}
	return ok
}

// Mode returns the executor's submission mode, or paper when it has none.
func (c *Coordinator) Mode() execution.Mode {
	if ms, ok := c.deps.Executor.(ModeSwitcher); ok {
		return ms.Mode()
	}
	return execution.ModePaper
}

// SetMode toggles paper and live submission.
func (c *Coordinator) SetMode(ctx context.Context, m execution.Mode) error {
	ms, ok := c.deps.Executor.(ModeSwitcher)
	if !ok {
		return ErrModeUnsupported
	}
	prev := ms.Mode()
	if err := ms.SetMode(m); err != nil {
		return err
	}
	if prev != m {
		ev := bus.NewLifecycleEvent(c.config.Producer, bus.EventModeChanged, "")
		ev.Reason = string(m)
		c.appendEvent(ctx, ev.WithDetail("from", string(prev)))
	}
	return nil
}

// HandleAlert turns an exhausted panic exit into the high-priority alert
// event. Wire it to the gateway's SetOnAlert.
func (c *Coordinator) HandleAlert(a execution.Alert) {
	ev := bus.NewLifecycleEvent(c.config.Producer, bus.EventPanicExitFailed, string(a.Mint))
	ev.Reason = a.Err
	if pos := c.position(a.Mint); pos != nil {
		ev.PositionID = pos.ID
		ev.Lane = string(pos.Lane)
		ev.State = string(pos.State)
		ev.Tier = pos.Sentinel.Tier.String()
		ev.SizeUSD = pos.CostUSD()
	}
	ev = ev.WithDetail("client_order_id", a.OrderID).WithDetail("attempts", strconv.Itoa(a.Attempts))
	log.Error().Str("mint", a.Mint.Short()).Int("attempts", a.Attempts).Str("error", a.Err).
		Msg("lifecycle: panic exit failing")
	c.appendEvent(c.baseCtx, ev)
}

// ---------------------------------------------------------------------------
// Read side
// ---------------------------------------------------------------------------

// Positions returns copies of every live position, oldest first.
func (c *Coordinator) Positions() []*position.Position {
	c.mu.RLock()
	out := make([]*position.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p.Clone())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Position returns a copy of mint's live position.
func (c *Coordinator) Position(mint solana.Pubkey) (*position.Position, bool) {
	p := c.position(mint)
	if p == nil {
		return nil, false
	}
	return p.Clone(), true
}

// Portfolio returns the committed portfolio state.
func (c *Coordinator) Portfolio() portfolio.State { return c.book.Current() }

// Snapshot returns the read-only portfolio view.
func (c *Coordinator) Snapshot() portfolio.Snapshot {
	s := portfolio.BuildSnapshot(c.pconfig, c.Portfolio(), c.Positions(), c.now())
	s.Mode = string(c.Mode())
	s.Guard = c.deps.Guard.Stats()
	return s
}
