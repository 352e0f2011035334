package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/nexus-trading/lanetrader/internal/execution"
	"github.com/nexus-trading/lanetrader/internal/lane"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/scoring"
	"github.com/nexus-trading/lanetrader/internal/sentinel"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Reason codes the coordinator adds to the router's.
const (
	ReasonEntryHalted   = "ENTRY_HALTED"
	ReasonEntryUnfilled = "ENTRY_UNFILLED"
)

// ---------------------------------------------------------------------------
// Candidate → Evaluating → Entering
// ---------------------------------------------------------------------------

// evaluate runs admission for a token without a position. Caller holds the
// token lock.
func (c *Coordinator) evaluate(ctx context.Context, mint solana.Pubkey, now time.Time) {
	ts := c.token(mint)
	if ts.pending != nil && !c.retryPending(ctx, mint, ts) {
		return
	}
	if ts.entering || c.position(mint) != nil {
		return
	}
	if !ts.closedAt.IsZero() && now.Sub(ts.closedAt) < c.config.ReentryCooldown {
		return
	}
	if !ts.lastEval.IsZero() && now.Sub(ts.lastEval) < c.config.EvaluateEvery {
		return
	}
	cand, ok := c.deps.Book.Candidate(mint, now)
	if !ok || !cand.HasPool {
		return
	}
	ts.lastEval = now
	c.evaluations.Add(1)

	if err := c.deps.Guard.Allow(mint); err != nil {
		c.observer.ObserveAdmission(position.LaneNone, ReasonEntryHalted)
		c.rejected(ctx, ts, mint, ReasonEntryHalted, err, nil)
		return
	}

	scores := c.deps.Scorer.Score(cand)

	c.pmu.Lock()
	d := c.deps.Router.Route(cand, scores, c.effectiveStateLocked())
	if d.Admitted() {
		c.reserved[mint] = &reservation{lane: d.Lane, remaining: lane.PlanTotal(d.Plan), slot: true}
	}
	c.pmu.Unlock()

	c.observer.ObserveAdmission(d.Lane, d.Reason)
	if !d.Admitted() {
		c.rejected(ctx, ts, mint, d.Reason, d.Err(), &scores)
		return
	}
	ts.lastReject = ""

	pos := position.New(mint, cand.Pool, d.Lane, d.Plan, now)
	pos.EntryLiquidityUSD = cand.LiquidityUSD
	pos.EntryFeeTaxPct = cand.FeeTaxPct
	if scores.Cluster.Sufficient {
		pos.EntryCluster = scores.Cluster.Value
	}
	pos.Sentinel = sentinel.State{Tier: sentinel.TierNormal, Since: now}

	ev := c.event(bus.EventEntering, pos, d.Reason)
	ev.SizeUSD = d.BudgetUSD
	ev = withScores(ev, scores).WithDetail("tranches", strconv.Itoa(len(d.Plan)))

	if err := c.commit(ctx, change{op: "enter", pos: pos, events: []bus.LifecycleEvent{ev}}); err != nil {
		c.release(mint)
		return
	}

	ts.entering = true
	c.entries.Add(1)
	c.flights.Add(1)
	go c.runEntry(c.baseCtx, mint, pos.ID, d.Plan)
}

// rejected reports a candidate the router or the guard turned away. The
// event is emitted only when the reason changes.
func (c *Coordinator) rejected(ctx context.Context, ts *tokenState, mint solana.Pubkey, reason string, err error, scores *scoring.ScoreSet) {
	if reason == ts.lastReject {
		return
	}
	ts.lastReject = reason
	ev := bus.NewLifecycleEvent(c.config.Producer, bus.EventCandidateRejected, string(mint))
	ev.State = string(position.StateCandidate)
	ev.Reason = reason
	if err != nil {
		ev = ev.WithDetail("kind", string(errs.KindOf(err)))
	}
	if scores != nil {
		ev = withScores(ev, *scores)
	}
	c.publish(ctx, ev)
}

func withScores(ev bus.LifecycleEvent, s scoring.ScoreSet) bus.LifecycleEvent {
	f := func(sc scoring.Score) string {
		if !sc.Sufficient {
			return "insufficient"
		}
		return strconv.FormatFloat(sc.Value, 'f', 2, 64)
	}
	return ev.WithDetail("safety", f(s.Safety)).
		WithDetail("giant", f(s.Giant)).
		WithDetail("insider", f(s.Insider)).
		WithDetail("cluster", f(s.Cluster))
}

// ---------------------------------------------------------------------------
// Tranches
// ---------------------------------------------------------------------------

// runEntry fills the tranche plan outside the token lock. A tranche that
// fails or fills partially ends the entry with what was bought.
func (c *Coordinator) runEntry(ctx context.Context, mint solana.Pubkey, positionID string, plan []position.Tranche) {
	defer c.flights.Done()

	for i, tr := range plan {
		size := tr.SizeUSD
		if i > 0 {
			if err := sleepCtx(ctx, c.config.TrancheInterval); err != nil {
				break
			}
			var ok bool
			if size, ok = c.nextTranche(ctx, mint, i, tr); !ok {
				break
			}
		}
		ins := execution.Instruction{
			ClientOrderID:  fmt.Sprintf("%s-t%d", positionID, i),
			Mint:           mint,
			Side:           execution.SideBuy,
			AmountUSD:      size,
			Urgency:        position.UrgencyNormal,
			MaxSlippagePct: c.config.MaxSlippagePct,
			Reason:         "ENTRY_" + strings.ToUpper(string(tr.Kind)),
		}
		ectx, cancel := context.WithTimeout(ctx, c.config.ExecTimeout)
		res, err := c.execute(ectx, ins)
		cancel()
		if !c.afterBuy(ctx, mint, i, res, err) {
			break
		}
	}

	unlock := c.locks.Lock(mint)
	defer unlock()
	ts := c.token(mint)
	ts.entering = false
	if ts.pending == nil {
		c.finishEntry(ctx, mint)
	}
}

// nextTranche re-runs the admission checks against the live book before
// tranche i and returns the size to buy. A sentinel signal at TierB or
// above aborts the entry.
func (c *Coordinator) nextTranche(ctx context.Context, mint solana.Pubkey, i int, tr position.Tranche) (decimal.Decimal, bool) {
	unlock := c.locks.Lock(mint)
	defer unlock()
	logger := log.With().Str("mint", mint.Short()).Int("tranche", i).Logger()

	if err := c.deps.Guard.Allow(mint); err != nil {
		logger.Info().Err(err).Msg("lifecycle: entry stopped early")
		return decimal.Zero, false
	}
	pos := c.position(mint)
	if pos == nil || pos.State != position.StateEntering {
		return decimal.Zero, false
	}
	now := c.now()
	cand, ok := c.deps.Book.Candidate(mint, now)
	if !ok || cand.Stale || !cand.HasPool {
		logger.Info().Msg("lifecycle: entry stopped on stale data")
		return decimal.Zero, false
	}

	obs := c.observe(pos, cand, ok, c.deps.Scorer.Score(cand), now)
	if tier, reason := c.deps.Sentinel.Classify(obs); tier >= sentinel.TierB {
		c.abortEntry(ctx, pos, tier, reason, now)
		return decimal.Zero, false
	}

	limit, reason := c.deps.Router.TrancheLimit(cand.LiquidityUSD)
	if reason != "" {
		logger.Info().Str("reason", reason).Float64("liquidity_usd", cand.LiquidityUSD).
			Msg("lifecycle: entry stopped, pool no longer admits")
		return decimal.Zero, false
	}
	size := decimal.Min(tr.SizeUSD, limit)
	if size.LessThan(tr.SizeUSD) {
		logger.Info().Str("planned", tr.SizeUSD.StringFixed(2)).Str("size", size.StringFixed(2)).
			Msg("lifecycle: tranche cut to pool limit")
	}
	return size, true
}

// abortEntry escalates an entering position to TierA. finishEntry then
// opens it and its forced tick panic-exits whatever was filled. Caller
// holds the token lock.
func (c *Coordinator) abortEntry(ctx context.Context, pos *position.Position, raw sentinel.Tier, reason string, now time.Time) {
	st, err := sentinel.Escalate(pos.Sentinel, sentinel.TierA, now, reason)
	if err != nil {
		log.Error().Err(err).Str("mint", pos.Mint.Short()).Msg("lifecycle: escalate entering position")
		return
	}
	next := pos.Clone()
	next.Sentinel = st

	ev := c.event(bus.EventTierChanged, next, reason).
		WithDetail("from", pos.Sentinel.Tier.String()).
		WithDetail("signal", raw.String()).
		WithDetail("during", "entry")
	if err := c.commit(ctx, change{op: "abort entry", pos: next, events: []bus.LifecycleEvent{ev}}); err != nil {
		return
	}
	c.observer.ObserveTierChange(st.Tier.String())
	log.Warn().
		Str("mint", pos.Mint.Short()).
		Str("reason", reason).
		Str("filled", next.EntryQty.String()).
		Msg("lifecycle: entry aborted by sentinel")
}

// afterBuy records one tranche result and reports whether the entry may
// continue.
func (c *Coordinator) afterBuy(ctx context.Context, mint solana.Pubkey, tranche int, res execution.FillResult, err error) bool {
	unlock := c.locks.Lock(mint)
	defer unlock()
	ts := c.token(mint)

	if res.Filled() {
		if cerr := c.recordBuy(ctx, mint, tranche, res); cerr != nil {
			if errors.Is(cerr, errs.ErrStorageUnavailable) {
				c.block(ts, "record buy", func(ctx context.Context) error {
					return c.recordBuy(ctx, mint, tranche, res)
				})
			} else {
				log.Error().Err(cerr).Str("mint", mint.Short()).Str("order_id", res.OrderID).
					Msg("lifecycle: buy fill not booked, freezing entries")
				c.deps.Guard.Freeze("UNBOOKED_FILL")
				c.observer.SetEntryHalted(true)
			}
			return false
		}
	}
	if err != nil {
		c.executionFailed(ctx, c.position(mint), mint, execution.SideBuy, position.UrgencyNormal, err)
		return false
	}
	return res.Filled()
}

// recordBuy books a tranche fill on the position and the portfolio.
func (c *Coordinator) recordBuy(ctx context.Context, mint solana.Pubkey, tranche int, res execution.FillResult) error {
	cur := c.position(mint)
	if cur == nil || cur.State != position.StateEntering {
		return fmt.Errorf("lifecycle: buy fill for %s without entering position", mint.Short())
	}
	next := cur.Clone()
	fill := res.Fill()
	if fill.At.IsZero() {
		fill.At = c.now()
	}
	if err := next.ApplyBuy(tranche, fill); err != nil {
		return err
	}
	opens := !cur.EntryQty.IsPositive()
	notional := fill.NotionalUSD()
	planned := next.Tranches[tranche].SizeUSD

	ev := c.event(bus.EventTrancheFilled, next, string(next.Tranches[tranche].Kind))
	ev.SizeUSD = notional
	ev.Price = fill.Price
	ev.FeeUSD = fill.FeeUSD
	ev.Venue = fill.Venue
	ev = ev.WithDetail("tranche", strconv.Itoa(tranche)).WithDetail("order_id", res.OrderID)
	if res.Partial {
		ev = ev.WithDetail("partial", "true")
	}
	if res.Estimated {
		ev = ev.WithDetail("estimated", "true")
	}

	err := c.commit(ctx, change{
		op:  "record buy",
		pos: next,
		portfolio: func(st portfolio.State) (portfolio.State, error) {
			return st.ApplyBuy(c.pconfig, next.Lane, notional, fill.FeeUSD, opens, fill.At)
		},
		settled: func() { c.consumeReservation(mint, planned, opens) },
		events:  []bus.LifecycleEvent{ev},
	})
	if err != nil {
		return err
	}
	c.archiveFill(ctx, next.ID, res)
	return nil
}

// finishEntry moves an entering position to Open, or closes it when no
// tranche filled. Caller holds the token lock.
func (c *Coordinator) finishEntry(ctx context.Context, mint solana.Pubkey) {
	cur := c.position(mint)
	if cur == nil || cur.State != position.StateEntering {
		c.release(mint)
		return
	}
	now := c.now()
	next := cur.Clone()

	var ev bus.LifecycleEvent
	if next.EntryQty.IsPositive() {
		if err := next.Transition(position.StateOpen, now); err != nil {
			log.Error().Err(err).Msg("lifecycle: open position")
			return
		}
		ev = c.event(bus.EventPositionOpened, next, "")
		ev.SizeUSD = next.InvestedUSD
		ev.Price = next.CostBasis
		ev = ev.WithDetail("tranches_filled", strconv.Itoa(filledTranches(next)))
	} else {
		next.CloseReason = ReasonEntryUnfilled
		if err := next.Transition(position.StateClosed, now); err != nil {
			log.Error().Err(err).Msg("lifecycle: close unfilled entry")
			return
		}
		ev = c.event(bus.EventPositionClosed, next, ReasonEntryUnfilled)
	}

	if err := c.commit(ctx, change{op: "finish entry", pos: next, events: []bus.LifecycleEvent{ev}}); err != nil {
		return
	}
	c.release(mint)

	if next.State == position.StateOpen {
		log.Info().
			Str("mint", mint.Short()).
			Str("lane", string(next.Lane)).
			Str("invested", next.InvestedUSD.StringFixed(2)).
			Str("cost_basis", next.CostBasis.String()).
			Msg("lifecycle: position opened")
		c.tick(ctx, mint, now, true)
	}
}

func filledTranches(p *position.Position) int {
	n := 0
	for _, t := range p.Tranches {
		if t.Fill != nil {
			n++
		}
	}
	return n
}
