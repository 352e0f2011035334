package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/nexus-trading/lanetrader/internal/execution"
	"github.com/nexus-trading/lanetrader/internal/market"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/profit"
	"github.com/nexus-trading/lanetrader/internal/scoring"
	"github.com/nexus-trading/lanetrader/internal/sentinel"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ReasonPanicResume is used when a panic exit left unfinished by a restart
// or a failed sell is resubmitted.
const ReasonPanicResume = "PANIC_RESUME"

// ---------------------------------------------------------------------------
// Open → Exiting
// ---------------------------------------------------------------------------

// tick runs the sentinel and the profit engine for mint's position. Caller
// holds the token lock.
func (c *Coordinator) tick(ctx context.Context, mint solana.Pubkey, now time.Time, force bool) {
	ts := c.token(mint)
	if ts.pending != nil && !c.retryPending(ctx, mint, ts) {
		return
	}
	pos := c.position(mint)
	if pos == nil {
		return
	}

	switch pos.State {
	case position.StateEntering:
		if !ts.entering {
			c.finishEntry(ctx, mint)
		}
		return
	case position.StateExiting:
		if ts.exit == nil {
			c.resumeExit(ctx, mint, ts, pos)
			return
		}
	}

	if !force && !ts.lastTick.IsZero() && now.Sub(ts.lastTick) < c.deps.Sentinel.Interval(pos.Sentinel.Tier) {
		return
	}
	ts.lastTick = now

	cand, ok := c.deps.Book.Candidate(mint, now)
	var scores scoring.ScoreSet
	if ok && cand.HasPool && !cand.Stale {
		scores = c.deps.Scorer.Score(cand)
	}

	next := pos.Clone()
	obs := c.observe(pos, cand, ok, scores, now)
	st, verdict := c.deps.Sentinel.Evaluate(pos.Sentinel, obs)
	if err := c.deps.Sentinel.CheckTransition(pos.Sentinel, st); err != nil {
		c.tierRegression(ctx, pos, err)
		st = pos.Sentinel
		verdict = sentinel.Verdict{Tier: st.Tier, Previous: st.Tier, Panic: st.Tier == sentinel.TierA, TightenTrail: st.Tier >= sentinel.TierB}
	}
	next.Sentinel = st

	var events []bus.LifecycleEvent
	if verdict.Changed {
		c.observer.ObserveTierChange(verdict.Tier.String())
		ev := c.event(bus.EventTierChanged, next, verdict.Reason).WithDetail("from", verdict.Previous.String())
		events = append(events, ev)
	}

	t := profit.Tick{At: now, Sentinel: verdict, Insider: scores.Insider, Cluster: scores.Cluster}
	if !obs.Stale && cand.PriceUSD > 0 {
		t.Price = decimal.NewFromFloat(cand.PriceUSD)
		t.ROC, t.ROCKnown = c.deps.Book.Momentum().ROC(mint)
	}
	d := c.deps.Profit.Evaluate(next, t)

	if d.Exit != nil {
		c.beginExit(ctx, mint, ts, next, *d.Exit, events)
		return
	}
	if len(events) > 0 || durableChange(pos, next) {
		_ = c.commit(ctx, change{op: "monitor", pos: next, events: events})
		return
	}

	// Marks alone are not transitions.
	c.mu.Lock()
	if c.positions[mint] == pos {
		c.positions[mint] = next
	}
	c.mu.Unlock()
}

// observe builds the sentinel's view of pos from the book.
func (c *Coordinator) observe(pos *position.Position, cand market.CandidateToken, ok bool, scores scoring.ScoreSet, now time.Time) sentinel.Observation {
	obs := sentinel.Observation{
		At:                now,
		EntryLiquidityUSD: pos.EntryLiquidityUSD,
		EntryCluster:      pos.EntryCluster,
		Stale:             !ok || cand.Stale || !cand.HasPool,
	}
	if obs.Stale {
		return obs
	}
	obs.LiquidityUSD = cand.LiquidityUSD
	obs.Cluster = scores.Cluster.Value
	obs.ClusterKnown = scores.Cluster.Sufficient
	obs.ExodusPct = cand.HolderExodusPct()
	obs.SellDominance = cand.SellDominance()
	obs.FeeTaxPct = cand.FeeTaxPct
	obs.CreatorDump = creatorDumped(cand, c.config.CreatorDumpUSD)
	return obs
}

func creatorDumped(cand market.CandidateToken, threshold float64) bool {
	if cand.Creator == "" || threshold <= 0 {
		return false
	}
	for _, f := range cand.WalletFlows {
		if f.Wallet == cand.Creator && -f.Net() >= threshold {
			return true
		}
	}
	return false
}

// durableChange reports whether next differs from prev in anything the
// sentinel or the profit engine must find again after a restart.
func durableChange(prev, next *position.Position) bool {
	a, b := prev.Sentinel, next.Sentinel
	if a.Tier != b.Tier || a.Confirm != b.Confirm || !a.LastRedFlag.Equal(b.LastRedFlag) || !a.Since.Equal(b.Since) {
		return true
	}
	if prev.FloorLevel != next.FloorLevel || prev.MomentumHold != next.MomentumHold || prev.TrailApplied != next.TrailApplied ||
		!prev.HoldUntil.Equal(next.HoldUntil) {
		return true
	}
	return !prev.HighWater.Equal(next.HighWater)
}

// tierRegression halts entries for a token whose sentinel tried to step
// down without a cooldown. The previous state is kept.
func (c *Coordinator) tierRegression(ctx context.Context, pos *position.Position, err error) {
	c.deps.Guard.HaltToken(pos.Mint, string(errs.KindSentinelTierRegression), c.now())
	log.Error().Err(err).Str("mint", pos.Mint.Short()).Str("position", pos.ID).
		Msg("lifecycle: sentinel regression, entries halted for token")
	ev := c.event(bus.EventEntryHalted, pos, string(errs.KindSentinelTierRegression))
	c.appendEvent(ctx, ev.WithDetail("error", err.Error()))
}

// beginExit commits the move into Exiting and launches the sell. A panic
// cancels an in-flight partial exit first; its fill is still booked when
// it returns.
func (c *Coordinator) beginExit(ctx context.Context, mint solana.Pubkey, ts *tokenState, next *position.Position, ins position.ExitInstruction, events []bus.LifecycleEvent) {
	now := c.now()
	kind, typ := position.ExitPartial, bus.EventExitStarted
	if ins.IsPanic() {
		kind, typ = position.ExitPanic, bus.EventPanicExit
	}
	if err := next.BeginExit(kind, now); err != nil {
		log.Debug().Err(err).Str("mint", mint.Short()).Msg("lifecycle: exit not started")
		return
	}
	ev := c.event(typ, next, ins.Reason).
		WithDetail("fraction", ins.Fraction.String()).
		WithDetail("urgency", string(ins.Urgency))
	if err := c.commit(ctx, change{op: "begin exit", pos: next, events: append(events, ev)}); err != nil {
		return
	}

	var after <-chan struct{}
	if ins.IsPanic() && ts.exit != nil && !ts.exit.panic {
		ts.exit.cancel()
		after = ts.exit.done
		ts.exit = nil
		c.preemptions.Add(1)
		log.Warn().Str("mint", mint.Short()).Str("reason", ins.Reason).Msg("lifecycle: panic preempted exit in flight")
	}

	label := ins.Reason
	if ins.IsPanic() {
		c.panics.Add(1)
		label = string(position.ExitPanic)
	} else {
		c.exits.Add(1)
	}
	c.observer.ObserveExit(next.Lane, label)
	log.Info().
		Str("mint", mint.Short()).
		Str("lane", string(next.Lane)).
		Str("reason", ins.Reason).
		Str("fraction", ins.Fraction.String()).
		Bool("panic", ins.IsPanic()).
		Msg("lifecycle: exit started")

	c.launchExit(mint, ts, ins, after)
}

// resumeExit handles an Exiting position with no sell in flight: a panic
// is resubmitted, a partial exit goes back to Open and is re-decided.
func (c *Coordinator) resumeExit(ctx context.Context, mint solana.Pubkey, ts *tokenState, pos *position.Position) {
	if pos.ExitKind == position.ExitPanic {
		log.Warn().Str("mint", mint.Short()).Str("remaining", pos.Remaining.String()).Msg("lifecycle: resubmitting panic exit")
		c.launchExit(mint, ts, position.PanicExit(ReasonPanicResume), nil)
		return
	}
	c.reopen(ctx, pos)
}

func (c *Coordinator) reopen(ctx context.Context, pos *position.Position) {
	next := pos.Clone()
	if err := next.Transition(position.StateOpen, c.now()); err != nil {
		log.Error().Err(err).Str("mint", pos.Mint.Short()).Msg("lifecycle: reopen")
		return
	}
	_ = c.commit(ctx, change{op: "reopen", pos: next})
}

// launchExit starts the sell goroutine. Panics run until filled or
// shutdown; other exits are bounded by ExecTimeout. A sell launched over a
// preempted one waits for it to return so the quantity is taken from what
// is actually left.
func (c *Coordinator) launchExit(mint solana.Pubkey, ts *tokenState, ins position.ExitInstruction, after <-chan struct{}) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if ins.IsPanic() {
		ctx, cancel = context.WithCancel(c.baseCtx)
	} else {
		ctx, cancel = context.WithTimeout(c.baseCtx, c.config.ExecTimeout)
	}
	id := c.exitSeq.Add(1)
	done := make(chan struct{})
	ts.exit = &inflightExit{id: id, panic: ins.IsPanic(), cancel: cancel, done: done}

	c.flights.Add(1)
	go c.runExit(ctx, cancel, mint, id, ins, done, after)
}

func (c *Coordinator) runExit(ctx context.Context, cancel context.CancelFunc, mint solana.Pubkey, id uint64, ins position.ExitInstruction, done chan struct{}, after <-chan struct{}) {
	defer c.flights.Done()
	defer close(done)
	defer cancel()

	if after != nil {
		select {
		case <-after:
		case <-ctx.Done():
		}
	}
	order, ok := c.exitOrder(mint, id, ins)
	if !ok {
		return
	}

	res, err := c.execute(ctx, order)

	unlock := c.locks.Lock(mint)
	defer unlock()
	c.finishExit(c.baseCtx, mint, id, ins, res, err)
}

// exitOrder sizes the sell from the committed position.
func (c *Coordinator) exitOrder(mint solana.Pubkey, id uint64, ins position.ExitInstruction) (execution.Instruction, bool) {
	unlock := c.locks.Lock(mint)
	defer unlock()

	ts := c.token(mint)
	if ts.exit == nil || ts.exit.id != id {
		return execution.Instruction{}, false
	}
	pos := c.position(mint)
	if pos == nil || pos.State != position.StateExiting || !pos.Remaining.IsPositive() {
		ts.exit = nil
		return execution.Instruction{}, false
	}

	var liq float64
	if cand, ok := c.deps.Book.Candidate(mint, c.now()); ok {
		liq = cand.LiquidityUSD
	}
	return execution.Instruction{
		ClientOrderID:    fmt.Sprintf("%s-x%d", pos.ID, id),
		Mint:             mint,
		Side:             execution.SideSell,
		Quantity:         ins.Quantity(pos.Remaining),
		Urgency:          ins.Urgency,
		RefPriceUSD:      pos.LastPrice,
		PoolLiquidityUSD: liq,
		MaxSlippagePct:   c.config.MaxSlippagePct,
		Reason:           ins.Reason,
	}, true
}

// ---------------------------------------------------------------------------
// Exiting → Open | Closed
// ---------------------------------------------------------------------------

// finishExit books a sell result. Caller holds the token lock.
func (c *Coordinator) finishExit(ctx context.Context, mint solana.Pubkey, id uint64, ins position.ExitInstruction, res execution.FillResult, err error) {
	ts := c.token(mint)
	current := ts.exit != nil && ts.exit.id == id
	if current {
		ts.exit = nil
	}

	if res.Filled() {
		if cerr := c.recordSell(ctx, mint, ins, res, current); cerr != nil {
			if errors.Is(cerr, errs.ErrStorageUnavailable) {
				c.block(ts, "record sell", func(ctx context.Context) error {
					return c.recordSell(ctx, mint, ins, res, current)
				})
				return
			}
			log.Error().Err(cerr).Str("mint", mint.Short()).Str("order_id", res.OrderID).Msg("lifecycle: sell fill not booked")
		}
	}

	if err == nil {
		return
	}
	pos := c.position(mint)
	if errors.Is(err, context.Canceled) && (!current || c.baseCtx.Err() != nil) {
		log.Info().Str("mint", mint.Short()).Bool("preempted", !current).Msg("lifecycle: exit cancelled")
		return
	}
	c.executionFailed(ctx, pos, mint, execution.SideSell, ins.Urgency, err)
	if current && !ins.IsPanic() && pos != nil && pos.State == position.StateExiting && pos.ExitKind != position.ExitPanic {
		c.reopen(ctx, pos)
	}
}

// recordSell books an exit fill. current is false when the exit was
// superseded by a panic, in which case the position stays Exiting.
func (c *Coordinator) recordSell(ctx context.Context, mint solana.Pubkey, ins position.ExitInstruction, res execution.FillResult, current bool) error {
	cur := c.position(mint)
	if cur == nil {
		return fmt.Errorf("lifecycle: sell fill for %s without position", mint.Short())
	}
	next := cur.Clone()
	fill := res.Fill()
	if fill.At.IsZero() {
		fill.At = c.now()
	}
	if fill.Quantity.GreaterThan(next.Remaining) {
		log.Warn().Str("mint", mint.Short()).Str("filled", fill.Quantity.String()).
			Str("remaining", next.Remaining.String()).Msg("lifecycle: sell overfilled, clamped")
		fill.Quantity = next.Remaining
	}
	costRemoved := next.CostBasis.Mul(fill.Quantity)
	if _, err := next.ApplySell(fill); err != nil {
		return err
	}
	next.RecordTrim(ins.Level, ins.Reason, fill)
	closes := next.Remaining.IsZero()

	typ := bus.EventPositionTrimmed
	switch {
	case closes:
		next.CloseReason = ins.Reason
		if err := next.Transition(position.StateClosed, fill.At); err != nil {
			return err
		}
		typ = bus.EventPositionClosed
	case current && !ins.IsPanic() && next.ExitKind != position.ExitPanic:
		if err := next.Transition(position.StateOpen, fill.At); err != nil {
			return err
		}
	}

	proceeds := fill.NotionalUSD()
	ev := c.event(typ, next, ins.Reason)
	ev.SizeUSD = proceeds
	ev.Price = fill.Price
	ev.FeeUSD = fill.FeeUSD
	ev.Venue = fill.Venue
	ev = ev.WithDetail("order_id", res.OrderID).WithDetail("realized_usd", next.RealizedUSD.StringFixed(2))
	if res.Partial {
		ev = ev.WithDetail("partial", "true")
	}
	if res.Estimated {
		ev = ev.WithDetail("estimated", "true")
	}

	err := c.commit(ctx, change{
		op:  "record sell",
		pos: next,
		portfolio: func(st portfolio.State) (portfolio.State, error) {
			return st.ApplySell(c.pconfig, next.Lane, costRemoved, proceeds, fill.FeeUSD, closes, fill.At), nil
		},
		events: []bus.LifecycleEvent{ev},
	})
	if err != nil {
		return err
	}
	c.archiveFill(ctx, next.ID, res)

	l := log.Info()
	if closes {
		l = l.Str("close_reason", next.CloseReason)
	}
	l.Str("mint", mint.Short()).
		Str("lane", string(next.Lane)).
		Str("reason", ins.Reason).
		Str("sold", fill.Quantity.String()).
		Str("price", fill.Price.String()).
		Str("realized", next.RealizedUSD.StringFixed(2)).
		Str("state", string(next.State)).
		Msg("lifecycle: exit filled")
	return nil
}
