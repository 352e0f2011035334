package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/nexus-trading/lanetrader/internal/execution"
	"github.com/nexus-trading/lanetrader/internal/lane"
	"github.com/nexus-trading/lanetrader/internal/market"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/profit"
	"github.com/nexus-trading/lanetrader/internal/scoring"
	"github.com/nexus-trading/lanetrader/internal/sentinel"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/nexus-trading/lanetrader/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMint = solana.USDCMint

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func usd(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixedScorer scoring.ScoreSet

func (s fixedScorer) Score(market.CandidateToken) scoring.ScoreSet { return scoring.ScoreSet(s) }

func safeScores() fixedScorer {
	return fixedScorer{
		Safety:  scoring.Score{Value: 90, Sufficient: true},
		Giant:   scoring.Score{Value: 50, Sufficient: true},
		Insider: scoring.Score{Value: 10, Sufficient: true},
		Cluster: scoring.Score{Value: 0.1, Sufficient: true},
	}
}

// fakeExecutor fills buys and sells at a settable price. With holdSells,
// non-panic sells block until cancelled and then report a half fill.
type fakeExecutor struct {
	mu        sync.Mutex
	price     decimal.Decimal
	mode      execution.Mode
	calls     []execution.Instruction
	buyErr    error
	holdSells bool
	onExecute func(ins execution.Instruction)
	held      chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{price: usd(0.01), mode: execution.ModePaper, held: make(chan struct{}, 4)}
}

func (f *fakeExecutor) Execute(ctx context.Context, ins execution.Instruction) (execution.FillResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ins)
	price, buyErr, hold, hook := f.price, f.buyErr, f.holdSells, f.onExecute
	f.mu.Unlock()
	if hook != nil {
		hook(ins)
	}

	res := execution.FillResult{
		ClientOrderID: ins.ClientOrderID,
		OrderID:       "ord-" + ins.ClientOrderID,
		Venue:         "fake",
		Mint:          ins.Mint,
		Side:          ins.Side,
		Price:         price,
		FeeUSD:        decimal.Zero,
	}
	if ins.Side == execution.SideBuy {
		if buyErr != nil {
			return execution.FillResult{}, buyErr
		}
		res.Quantity = ins.AmountUSD.Div(price)
		return res, nil
	}
	if hold && ins.Urgency != position.UrgencyPanic {
		f.held <- struct{}{}
		<-ctx.Done()
		res.Quantity = ins.Quantity.Div(decimal.NewFromInt(2))
		res.Partial = true
		return res, fmt.Errorf("%w: %w", errs.ErrPartialFill, ctx.Err())
	}
	res.Quantity = ins.Quantity
	return res, nil
}

func (f *fakeExecutor) Mode() execution.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fakeExecutor) SetMode(m execution.Mode) error {
	f.mu.Lock()
	f.mode = m
	f.mu.Unlock()
	return nil
}

func (f *fakeExecutor) setPrice(p decimal.Decimal) {
	f.mu.Lock()
	f.price = p
	f.mu.Unlock()
}

func (f *fakeExecutor) orders(side execution.Side) []execution.Instruction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []execution.Instruction
	for _, ins := range f.calls {
		if ins.Side == side {
			out = append(out, ins)
		}
	}
	return out
}

// plainExecutor hides the fake's mode toggle.
type plainExecutor struct{ Executor }

type recorder struct {
	mu     sync.Mutex
	events []bus.LifecycleEvent
}

func (r *recorder) add(ev bus.LifecycleEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []bus.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) find(typ bus.EventType) (bus.LifecycleEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return bus.LifecycleEvent{}, false
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	t      *testing.T
	ctx    context.Context
	c      *Coordinator
	store  *store.Memory
	exec   *fakeExecutor
	guard  *portfolio.Guard
	clock  *testClock
	events *recorder
	seq    uint64
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, store.NewMemory(), newFakeExecutor())
}

func newHarnessWith(t *testing.T, st *store.Memory, exec Executor) *harness {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.EvaluateEvery = 0
	cfg.TrancheInterval = 0
	cfg.ReentryCooldown = 0

	pcfg := portfolio.DefaultConfig()
	pc := profit.DefaultConfig()
	pc.MomentumHold = false
	guard := portfolio.NewGuard()

	c := New(cfg, pcfg, Deps{
		Book:     market.NewTokenBook(market.DefaultBookConfig()),
		Scorer:   safeScores(),
		Router:   lane.NewRouter(lane.DefaultConfig(), pcfg),
		Sentinel: sentinel.New(sentinel.DefaultConfig()),
		Profit:   profit.NewEngine(pc),
		Guard:    guard,
		Executor: exec,
		Store:    st,
	})
	clock := &testClock{now: t0}
	c.now = clock.Now
	rec := &recorder{}
	c.SetOnEvent(rec.add)

	h := &harness{t: t, ctx: context.Background(), c: c, store: st, guard: guard, clock: clock, events: rec}
	if f, ok := exec.(*fakeExecutor); ok {
		h.exec = f
	}
	require.NoError(t, c.Recover(h.ctx))
	return h
}

func (h *harness) poolEvent(seq uint64, liq, price float64) market.Event {
	now := h.clock.Now()
	return market.Event{
		Kind:      market.KindPool,
		Mint:      testMint,
		Seq:       seq,
		Timestamp: now,
		Pool: &market.PoolUpdate{
			Pool:         "pool-1",
			DEX:          "raydium",
			LiquidityUSD: liq,
			PriceUSD:     price,
			CreatedAt:    now.Add(-time.Hour),
		},
	}
}

// pool delivers the next pool update and moves the fake's fill price with
// it.
func (h *harness) pool(liq, price float64) {
	h.seq++
	if h.exec != nil {
		h.exec.setPrice(usd(price))
	}
	h.c.HandleEvent(h.ctx, h.poolEvent(h.seq, liq, price))
}

func (h *harness) open() *position.Position {
	h.t.Helper()
	h.pool(50000, 0.01)
	h.c.WaitIdle()
	pos, ok := h.c.Position(testMint)
	require.True(h.t, ok, "position opened")
	require.Equal(h.t, position.StateOpen, pos.State)
	return pos
}

func (h *harness) reservations() int {
	h.c.pmu.Lock()
	defer h.c.pmu.Unlock()
	return len(h.c.reserved)
}

func (h *harness) stored(id string) *position.Position {
	h.t.Helper()
	p, err := h.store.Position(id)
	require.NoError(h.t, err)
	return p
}

func waitHeld(t *testing.T, f *fakeExecutor) {
	t.Helper()
	select {
	case <-f.held:
	case <-time.After(2 * time.Second):
		t.Fatal("sell never reached the venue")
	}
}

// ---------------------------------------------------------------------------
// Entry
// ---------------------------------------------------------------------------

func TestCoordinator_EntryFillsPlan(t *testing.T) {
	h := newHarness(t)
	pos := h.open()

	assert.Equal(t, position.LaneSafe, pos.Lane)
	assert.True(t, pos.InvestedUSD.Equal(usd(50)), pos.InvestedUSD.String())
	assert.True(t, pos.EntryQty.Equal(usd(5000)), pos.EntryQty.String())
	assert.Equal(t, 3, filledTranches(pos))
	assert.Equal(t, int64(5), pos.Version)

	buys := h.exec.orders(execution.SideBuy)
	require.Len(t, buys, 3)
	for i, want := range []float64{5, 30, 15} {
		assert.Equal(t, fmt.Sprintf("%s-t%d", pos.ID, i), buys[i].ClientOrderID)
		assert.True(t, buys[i].AmountUSD.Equal(usd(want)), buys[i].AmountUSD.String())
	}

	st := h.c.Portfolio()
	assert.True(t, st.Cash.Equal(usd(950)), st.Cash.String())
	assert.True(t, st.LaneExposure(position.LaneSafe).Equal(usd(50)))
	assert.Equal(t, 1, st.OpenPositions)
	assert.Equal(t, 0, h.reservations())

	assert.Equal(t, []bus.EventType{
		bus.EventEntering,
		bus.EventTrancheFilled,
		bus.EventTrancheFilled,
		bus.EventTrancheFilled,
		bus.EventPositionOpened,
	}, h.events.types())

	assert.Equal(t, position.StateOpen, h.stored(pos.ID).State)
	assert.Equal(t, int64(1), h.c.Stats().Entries)
}

// drainAfterFirstTranche moves the pool to liq while the dust buy is at the
// venue.
func (h *harness) drainAfterFirstTranche(liq float64) {
	h.exec.onExecute = func(ins execution.Instruction) {
		if strings.HasSuffix(ins.ClientOrderID, "-t0") {
			h.c.HandleEvent(h.ctx, h.poolEvent(99, liq, 0.01))
		}
	}
}

func TestCoordinator_EntryAbortsOnLiquidityDrain(t *testing.T) {
	h := newHarness(t)
	h.drainAfterFirstTranche(5000)

	h.pool(50000, 0.01)
	h.c.WaitIdle()

	require.Len(t, h.exec.orders(execution.SideBuy), 1, "no tranche after the drain")
	sells := h.exec.orders(execution.SideSell)
	require.Len(t, sells, 1)
	assert.Equal(t, position.UrgencyPanic, sells[0].Urgency)
	assert.True(t, sells[0].Quantity.Equal(usd(500)), sells[0].Quantity.String())

	_, ok := h.c.Position(testMint)
	assert.False(t, ok, "position closed")

	tier, ok := h.events.find(bus.EventTierChanged)
	require.True(t, ok)
	assert.Equal(t, "lp_drain_90%", tier.Reason)
	assert.Equal(t, "entry", tier.Details["during"])
	assert.Equal(t, "TIER_A", tier.Details["signal"])

	closed, ok := h.events.find(bus.EventPositionClosed)
	require.True(t, ok)
	assert.Equal(t, "lp_drain_90%", h.stored(closed.PositionID).CloseReason)

	st := h.c.Portfolio()
	assert.Equal(t, 0, st.OpenPositions)
	assert.True(t, st.TotalExposure().IsZero())
	assert.Equal(t, 0, h.reservations())
	assert.Equal(t, int64(1), h.c.Stats().Panics)
}

func TestCoordinator_EntryAbortsOnUnconfirmedWarning(t *testing.T) {
	h := newHarness(t)
	h.drainAfterFirstTranche(32000)

	h.pool(50000, 0.01)
	h.c.WaitIdle()

	assert.Len(t, h.exec.orders(execution.SideBuy), 1)
	sells := h.exec.orders(execution.SideSell)
	require.Len(t, sells, 1)
	assert.Equal(t, position.UrgencyPanic, sells[0].Urgency)

	tier, ok := h.events.find(bus.EventTierChanged)
	require.True(t, ok)
	assert.Equal(t, "lp_drop_36%", tier.Reason)
	assert.Equal(t, "TIER_B", tier.Details["signal"])

	_, ok = h.c.Position(testMint)
	assert.False(t, ok)
}

func TestCoordinator_EntryStopsWhenPoolFallsBelowMinimum(t *testing.T) {
	h := newHarness(t)
	h.drainAfterFirstTranche(19900)

	h.pool(28000, 0.01)
	h.c.WaitIdle()

	pos, ok := h.c.Position(testMint)
	require.True(t, ok)
	assert.Equal(t, position.StateOpen, pos.State)
	assert.Equal(t, 1, filledTranches(pos))
	assert.True(t, pos.InvestedUSD.Equal(usd(5)), pos.InvestedUSD.String())
	assert.Len(t, h.exec.orders(execution.SideBuy), 1)
	assert.Empty(t, h.exec.orders(execution.SideSell))
	assert.Equal(t, 0, h.reservations())
	assert.Equal(t, int64(0), h.c.Stats().Panics)
}

func TestCoordinator_DuplicateAndInvalidEvents(t *testing.T) {
	h := newHarness(t)
	ev := h.poolEvent(1, 10000, 0.01)
	h.c.HandleEvent(h.ctx, ev)
	h.c.HandleEvent(h.ctx, ev)
	h.c.HandleEvent(h.ctx, market.Event{Kind: market.KindPool, Mint: testMint})

	s := h.c.Stats()
	assert.Equal(t, int64(1), s.EventsApplied)
	assert.Equal(t, int64(1), s.Duplicates)
	assert.Equal(t, int64(1), s.Invalid)
	assert.Equal(t, int64(1), s.Evaluations)

	rej, ok := h.events.find(bus.EventCandidateRejected)
	require.True(t, ok)
	assert.Equal(t, lane.ReasonPoolTooSmall, rej.Reason)
}

func TestCoordinator_RejectionReportedOncePerReason(t *testing.T) {
	h := newHarness(t)
	h.pool(10000, 0.01)
	h.pool(10000, 0.01)
	h.pool(10000, 0.01)

	n := 0
	for _, typ := range h.events.types() {
		if typ == bus.EventCandidateRejected {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(3), h.c.Stats().Evaluations)
}

func TestCoordinator_EnterCommitFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.store.SetFailNext(1)

	h.pool(50000, 0.01)
	h.c.WaitIdle()

	_, ok := h.c.Position(testMint)
	assert.False(t, ok)
	assert.Equal(t, 0, h.reservations())
	assert.Empty(t, h.exec.orders(execution.SideBuy))
	assert.Equal(t, int64(1), h.c.Stats().StorageErrors)
	_, degraded := h.events.find(bus.EventStorageDegraded)
	assert.True(t, degraded)
	assert.True(t, h.c.Portfolio().Cash.Equal(usd(1000)))

	// The next update retries admission from scratch.
	h.open()
}

func TestCoordinator_UnbookedBuyBlocksToken(t *testing.T) {
	h := newHarness(t)
	h.exec.onExecute = func(ins execution.Instruction) {
		if strings.HasSuffix(ins.ClientOrderID, "-t0") {
			h.store.SetFailNext(1)
		}
	}

	h.pool(50000, 0.01)
	h.c.WaitIdle()

	pos, ok := h.c.Position(testMint)
	require.True(t, ok)
	assert.Equal(t, position.StateEntering, pos.State)
	assert.True(t, pos.EntryQty.IsZero(), "fill not visible before it is durable")
	assert.Len(t, h.exec.orders(execution.SideBuy), 1, "entry stops on an unbooked fill")
	assert.Equal(t, int64(1), h.c.Stats().Blocked)
	assert.True(t, h.c.Portfolio().Cash.Equal(usd(1000)))

	h.c.TickToken(h.ctx, testMint, true)
	h.c.WaitIdle()

	pos, ok = h.c.Position(testMint)
	require.True(t, ok)
	assert.Equal(t, position.StateOpen, pos.State)
	assert.True(t, pos.InvestedUSD.Equal(usd(5)), pos.InvestedUSD.String())
	assert.Equal(t, 1, filledTranches(pos))
	assert.Equal(t, int64(0), h.c.Stats().Blocked)
	assert.True(t, h.c.Portfolio().Cash.Equal(usd(995)))
	assert.Equal(t, 0, h.reservations())
}

func TestCoordinator_ExecutionFailureClosesUnfilledEntry(t *testing.T) {
	h := newHarness(t)
	h.exec.buyErr = fmt.Errorf("venue: %w", errs.ErrFeeExceeded)

	h.pool(50000, 0.01)
	h.c.WaitIdle()

	_, ok := h.c.Position(testMint)
	assert.False(t, ok)

	failed, ok := h.events.find(bus.EventExecutionFailed)
	require.True(t, ok)
	assert.Equal(t, string(errs.KindFeeExceeded), failed.Reason)

	closed, ok := h.events.find(bus.EventPositionClosed)
	require.True(t, ok)
	assert.Equal(t, ReasonEntryUnfilled, closed.Reason)
	assert.Equal(t, position.StateClosed, h.stored(closed.PositionID).State)

	st := h.c.Portfolio()
	assert.True(t, st.Cash.Equal(usd(1000)))
	assert.Equal(t, 0, st.OpenPositions)
	assert.Equal(t, 0, h.reservations())
}

func TestCoordinator_HaltBlocksEntries(t *testing.T) {
	h := newHarness(t)
	h.c.Halt(h.ctx, "ops")

	h.pool(50000, 0.01)
	h.c.WaitIdle()
	_, ok := h.c.Position(testMint)
	assert.False(t, ok)

	rej, ok := h.events.find(bus.EventCandidateRejected)
	require.True(t, ok)
	assert.Equal(t, ReasonEntryHalted, rej.Reason)
	halted, ok := h.events.find(bus.EventEntryHalted)
	require.True(t, ok)
	assert.Equal(t, "ops", halted.Reason)

	h.c.Resume(h.ctx)
	h.open()
}

func TestCoordinator_TierRegressionHaltsToken(t *testing.T) {
	h := newHarness(t)
	pos := h.open()

	h.c.tierRegression(h.ctx, pos, fmt.Errorf("sentinel: TierB -> Normal: %w", errs.ErrSentinelTierRegression))

	err := h.guard.Allow(testMint)
	require.ErrorIs(t, err, errs.ErrAdmissionRejected)
	assert.Contains(t, err.Error(), "TOKEN_HALTED:"+string(errs.KindSentinelTierRegression))
	assert.NoError(t, h.guard.Allow(solana.SOLMint), "other tokens unaffected")

	ev, ok := h.events.find(bus.EventEntryHalted)
	require.True(t, ok)
	assert.Equal(t, pos.ID, ev.PositionID)
	assert.Equal(t, string(errs.KindSentinelTierRegression), ev.Reason)

	after, ok := h.c.Position(testMint)
	require.True(t, ok)
	assert.Equal(t, position.StateOpen, after.State, "position keeps being managed")

	assert.True(t, h.c.ClearHalt(testMint))
	assert.NoError(t, h.guard.Allow(testMint))
}

// ---------------------------------------------------------------------------
// Exits
// ---------------------------------------------------------------------------

func TestCoordinator_TrimOnceAndReopen(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.clock.Advance(6 * time.Second)
	h.pool(50000, 0.015)
	h.c.WaitIdle()

	pos, ok := h.c.Position(testMint)
	require.True(t, ok)
	assert.Equal(t, position.StateOpen, pos.State)
	assert.True(t, pos.Remaining.Equal(usd(3750)), pos.Remaining.String())
	require.Len(t, pos.Trims, 1)
	assert.Equal(t, "TRIM_L1", pos.Trims[0].Reason)
	assert.True(t, pos.RealizedUSD.Equal(usd(6.25)), pos.RealizedUSD.String())

	st := h.c.Portfolio()
	assert.True(t, st.Cash.Equal(usd(968.75)), st.Cash.String())
	assert.True(t, st.LaneExposure(position.LaneSafe).Equal(usd(37.5)))
	assert.Equal(t, 1, st.OpenPositions)

	_, started := h.events.find(bus.EventExitStarted)
	assert.True(t, started)
	_, trimmed := h.events.find(bus.EventPositionTrimmed)
	assert.True(t, trimmed)

	// The same level never fires twice.
	h.clock.Advance(6 * time.Second)
	h.pool(50000, 0.015)
	h.c.WaitIdle()
	assert.Len(t, h.exec.orders(execution.SideSell), 1)
	assert.Equal(t, int64(1), h.c.Stats().Exits)
}

func TestCoordinator_PanicPreemptsPartialExit(t *testing.T) {
	h := newHarness(t)
	pos := h.open()
	h.exec.holdSells = true

	h.clock.Advance(6 * time.Second)
	h.pool(50000, 0.015)
	waitHeld(t, h.exec)

	// Liquidity drops 60% while the trim is stuck at the venue.
	h.clock.Advance(6 * time.Second)
	h.pool(20000, 0.015)
	h.c.WaitIdle()

	_, ok := h.c.Position(testMint)
	assert.False(t, ok, "position closed")

	sells := h.exec.orders(execution.SideSell)
	require.Len(t, sells, 2)
	assert.Equal(t, position.UrgencyNormal, sells[0].Urgency)
	assert.Equal(t, position.UrgencyPanic, sells[1].Urgency)
	assert.True(t, sells[1].Quantity.Equal(usd(4375)), "panic sells what the preempted trim left: %s", sells[1].Quantity)

	closed := h.stored(pos.ID)
	assert.Equal(t, position.StateClosed, closed.State)
	assert.Len(t, closed.Trims, 2, "both fills booked")
	assert.True(t, strings.HasPrefix(closed.CloseReason, "lp_drain"), closed.CloseReason)

	st := h.c.Portfolio()
	assert.Equal(t, 0, st.OpenPositions)
	assert.True(t, st.TotalExposure().IsZero())
	assert.True(t, st.Cash.Equal(usd(1025)), st.Cash.String())

	s := h.c.Stats()
	assert.Equal(t, int64(1), s.Preemptions)
	assert.Equal(t, int64(1), s.Panics)

	types := h.events.types()
	assert.Contains(t, types, bus.EventTierChanged)
	assert.Contains(t, types, bus.EventPanicExit)
	assert.Contains(t, types, bus.EventPositionClosed)
	assert.NotContains(t, types, bus.EventExecutionFailed)
}

func TestCoordinator_ManualPanic(t *testing.T) {
	h := newHarness(t)
	pos := h.open()

	require.NoError(t, h.c.Panic(h.ctx, testMint, "ops"))
	h.c.WaitIdle()

	_, ok := h.c.Position(testMint)
	assert.False(t, ok)
	sells := h.exec.orders(execution.SideSell)
	require.Len(t, sells, 1)
	assert.Equal(t, position.UrgencyPanic, sells[0].Urgency)
	assert.True(t, sells[0].Quantity.Equal(usd(5000)))
	assert.Equal(t, "MANUAL:ops", h.stored(pos.ID).CloseReason)

	types := h.events.types()
	assert.Contains(t, types, bus.EventTierChanged)
	assert.Contains(t, types, bus.EventPanicExit)

	assert.ErrorIs(t, h.c.Panic(h.ctx, testMint, "again"), ErrNoPosition)
}

func TestCoordinator_OverrideCloseWritesOff(t *testing.T) {
	h := newHarness(t)
	pos := h.open()

	require.NoError(t, h.c.OverrideClose(h.ctx, testMint, "rugged"))

	_, ok := h.c.Position(testMint)
	assert.False(t, ok)
	assert.Empty(t, h.exec.orders(execution.SideSell))

	stored := h.stored(pos.ID)
	assert.Equal(t, position.StateClosed, stored.State)
	assert.Equal(t, "OVERRIDE:rugged", stored.CloseReason)

	st := h.c.Portfolio()
	assert.True(t, st.Cash.Equal(usd(950)))
	assert.True(t, st.TotalExposure().IsZero())
	assert.True(t, st.RealizedUSD.Equal(usd(-50)), st.RealizedUSD.String())
	assert.Equal(t, 0, st.OpenPositions)

	assert.ErrorIs(t, h.c.OverrideClose(h.ctx, testMint, "again"), ErrNoPosition)
}

// ---------------------------------------------------------------------------
// Recovery
// ---------------------------------------------------------------------------

func TestCoordinator_RecoverKeepsOpenPosition(t *testing.T) {
	first := newHarness(t)
	pos := first.open()

	h := newHarnessWith(t, first.store, newFakeExecutor())
	got := h.c.Positions()
	require.Len(t, got, 1)
	assert.Equal(t, pos.ID, got[0].ID)
	assert.Equal(t, position.StateOpen, got[0].State)

	st := h.c.Portfolio()
	assert.True(t, st.Cash.Equal(usd(950)))
	assert.Equal(t, 1, st.OpenPositions)

	h.pool(50000, 0.01)
	h.c.WaitIdle()
	assert.Empty(t, h.exec.orders(execution.SideBuy), "no second entry for a held token")
}

func exitingPanic(t *testing.T, st *store.Memory) *position.Position {
	t.Helper()
	plan := []position.Tranche{{Kind: position.TrancheCore, SizeUSD: usd(20)}}
	pos := position.New(testMint, "pool-1", position.LaneSafe, plan, t0.Add(-time.Hour))
	require.NoError(t, pos.ApplyBuy(0, position.Fill{Quantity: usd(2000), Price: usd(0.01), At: t0.Add(-time.Hour)}))
	require.NoError(t, pos.Transition(position.StateOpen, t0.Add(-time.Hour)))
	require.NoError(t, pos.BeginExit(position.ExitPanic, t0.Add(-time.Minute)))
	pos.Version = 3

	pcfg := portfolio.DefaultConfig()
	ps, err := portfolio.NewState(pcfg, t0).ApplyBuy(pcfg, position.LaneSafe, usd(20), decimal.Zero, true, t0)
	require.NoError(t, err)
	require.NoError(t, st.CommitTransition(context.Background(), store.Transition{Position: pos, Portfolio: &ps}))
	return pos
}

func TestCoordinator_RecoverResumesPanicExit(t *testing.T) {
	st := store.NewMemory()
	pos := exitingPanic(t, st)

	exec := newFakeExecutor()
	h := newHarnessWith(t, st, exec)
	got, ok := h.c.Position(testMint)
	require.True(t, ok)
	assert.Equal(t, position.StateExiting, got.State)
	assert.True(t, h.c.Portfolio().Cash.Equal(usd(980)))

	h.pool(50000, 0.01)
	h.c.WaitIdle()

	sells := exec.orders(execution.SideSell)
	require.Len(t, sells, 1)
	assert.Equal(t, position.UrgencyPanic, sells[0].Urgency)
	assert.True(t, sells[0].Quantity.Equal(usd(2000)))

	closed := h.stored(pos.ID)
	assert.Equal(t, position.StateClosed, closed.State)
	assert.Equal(t, ReasonPanicResume, closed.CloseReason)
	assert.True(t, h.c.Portfolio().Cash.Equal(usd(1000)))
}

func TestCoordinator_RecoverDuplicateMintHaltsToken(t *testing.T) {
	st := store.NewMemory()
	kept := exitingPanic(t, st)

	dup := position.New(testMint, "pool-2", position.LaneGiant, nil, t0)
	require.NoError(t, st.CommitTransition(context.Background(), store.Transition{Position: dup}))

	h := newHarnessWith(t, st, newFakeExecutor())
	got := h.c.Positions()
	require.Len(t, got, 1)
	assert.Equal(t, kept.ID, got[0].ID)
	assert.Contains(t, h.guard.Halted(), testMint)
	assert.Error(t, h.guard.Allow(testMint))
}

// ---------------------------------------------------------------------------
// Operator surface
// ---------------------------------------------------------------------------

func TestCoordinator_SetMode(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, execution.ModePaper, h.c.Mode())

	require.NoError(t, h.c.SetMode(h.ctx, execution.ModeLive))
	assert.Equal(t, execution.ModeLive, h.c.Mode())
	ev, ok := h.events.find(bus.EventModeChanged)
	require.True(t, ok)
	assert.Equal(t, string(execution.ModeLive), ev.Reason)

	plain := newHarnessWith(t, nil, plainExecutor{newFakeExecutor()})
	assert.ErrorIs(t, plain.c.SetMode(plain.ctx, execution.ModeLive), ErrModeUnsupported)
	assert.Equal(t, execution.ModePaper, plain.c.Mode())
}

func TestCoordinator_HandleAlert(t *testing.T) {
	h := newHarness(t)
	pos := h.open()

	h.c.HandleAlert(execution.Alert{Mint: testMint, OrderID: "x-1", Attempts: 5, Err: "venue down", At: t0})

	ev, ok := h.events.find(bus.EventPanicExitFailed)
	require.True(t, ok)
	assert.Equal(t, pos.ID, ev.PositionID)
	assert.Equal(t, "venue down", ev.Reason)

	stored, err := h.store.Events(h.ctx, string(testMint), 0)
	require.NoError(t, err)
	var found bool
	for _, e := range stored {
		found = found || e.Type == bus.EventPanicExitFailed
	}
	assert.True(t, found, "alert is durable")
}

func TestCoordinator_SnapshotAndPrune(t *testing.T) {
	h := newHarness(t)
	h.open()

	snap := h.c.Snapshot()
	assert.Equal(t, string(execution.ModePaper), snap.Mode)

	// Held tokens survive pruning; idle ones are forgotten.
	h.clock.Advance(time.Hour)
	h.c.Prune(h.clock.Now())
	_, ok := h.c.deps.Book.Candidate(testMint, h.clock.Now())
	assert.True(t, ok)
	assert.Equal(t, 1, h.c.Stats().Tokens)

	require.NoError(t, h.c.OverrideClose(h.ctx, testMint, "done"))
	h.c.Prune(h.clock.Now().Add(time.Hour))
	assert.Equal(t, 0, h.c.Stats().Tokens)
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

func TestCoordinator_PaperGatewayEntry(t *testing.T) {
	var h *harness
	prices := func(m solana.Pubkey) (decimal.Decimal, bool) {
		cand, ok := h.c.deps.Book.Candidate(m, h.clock.Now())
		if !ok || cand.PriceUSD <= 0 {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(cand.PriceUSD), true
	}
	gw := execution.NewGateway(execution.DefaultConfig(), nil,
		execution.NewPaperVenue(execution.DefaultPaperConfig(), prices))
	h = newHarnessWith(t, nil, gw)

	h.pool(50000, 0.01)
	h.c.WaitIdle()

	pos, ok := h.c.Position(testMint)
	require.True(t, ok)
	assert.Equal(t, position.StateOpen, pos.State)
	assert.Equal(t, 3, filledTranches(pos))
	assert.Equal(t, "paper", pos.Tranches[0].Fill.Venue)

	st := h.c.Portfolio()
	assert.True(t, st.Cash.LessThan(usd(950)), "fees are paid: %s", st.Cash)
	assert.True(t, st.Cash.GreaterThan(usd(949)), st.Cash.String())
	assert.Equal(t, execution.ModePaper, h.c.Mode())
}

func TestCoordinator_RunConsumesStream(t *testing.T) {
	h := newHarness(t)
	stream := market.NewSliceStream([]market.Event{h.poolEvent(1, 50000, 0.01)}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.c.Run(ctx, stream) }()

	require.Eventually(t, func() bool {
		p, ok := h.c.Position(testMint)
		return ok && p.State == position.StateOpen
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
