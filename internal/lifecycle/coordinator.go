// Package lifecycle owns the position state machine. It ties the token
// book, scoring, lane routing, the sentinel, the profit engine and the
// execution gateway together, serializes every decision per token and
// makes each transition durable before it becomes visible.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/execution"
	"github.com/nexus-trading/lanetrader/internal/lane"
	"github.com/nexus-trading/lanetrader/internal/market"
	"github.com/nexus-trading/lanetrader/internal/observability"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/profit"
	"github.com/nexus-trading/lanetrader/internal/scoring"
	"github.com/nexus-trading/lanetrader/internal/sentinel"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/nexus-trading/lanetrader/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Executor turns instructions into fills. *execution.Gateway implements it.
type Executor interface {
	Execute(ctx context.Context, ins execution.Instruction) (execution.FillResult, error)
}

// resolver is implemented by executors that can settle an order whose
// outcome was left unknown.
type resolver interface {
	Resolve(ctx context.Context, u *execution.UnresolvedError) (execution.FillResult, error)
}

// ModeSwitcher toggles paper and live submission.
type ModeSwitcher interface {
	Mode() execution.Mode
	SetMode(m execution.Mode) error
}

// Scorer scores a candidate. *scoring.Engine implements it.
type Scorer interface {
	Score(c market.CandidateToken) scoring.ScoreSet
}

// EventSink receives every lifecycle event once it is durable.
// *audit.Trail implements it.
type EventSink interface {
	Record(ctx context.Context, ev bus.LifecycleEvent)
}

// FillArchiver receives every fill for reporting. *clickhouse.ArchiveWriter
// implements it.
type FillArchiver interface {
	WriteFill(ctx context.Context, positionID string, f execution.FillResult) error
}

// HealthReporter receives component status pushes.
type HealthReporter interface {
	Report(name string, status observability.ComponentStatus, message string)
}

// Observer receives coordinator measurements. *observability.Metrics
// implements it.
type Observer interface {
	ObserveAdmission(lane position.Lane, reason string)
	ObserveTierChange(tier string)
	ObserveMarketEvent(kind, outcome string)
	ObserveExit(lane position.Lane, reason string)
	ObserveExecutionFailure(kind string)
	ObserveStorageError()
	SetEntryHalted(halted bool)
	ObservePortfolio(st portfolio.State)
}

type nopObserver struct{}

func (nopObserver) ObserveAdmission(position.Lane, string) {}
func (nopObserver) ObserveTierChange(string)               {}
func (nopObserver) ObserveMarketEvent(string, string)      {}
func (nopObserver) ObserveExit(position.Lane, string)      {}
func (nopObserver) ObserveExecutionFailure(string)         {}
func (nopObserver) ObserveStorageError()                   {}
func (nopObserver) SetEntryHalted(bool)                    {}
func (nopObserver) ObservePortfolio(portfolio.State)       {}

type nopSink struct{}

func (nopSink) Record(context.Context, bus.LifecycleEvent) {}

type nopHealth struct{}

func (nopHealth) Report(string, observability.ComponentStatus, string) {}

// Health component names pushed by the coordinator.
const (
	ComponentStore  = "store"
	ComponentMarket = "market"
)

// Deps are the required collaborators.
type Deps struct {
	Book     *market.TokenBook
	Scorer   Scorer
	Router   *lane.Router
	Sentinel *sentinel.Sentinel
	Profit   *profit.Engine
	Guard    *portfolio.Guard
	Executor Executor
	Store    store.Store
}

// ---------------------------------------------------------------------------
// Coordinator
// ---------------------------------------------------------------------------

// tokenState is the coordinator's per-token bookkeeping. Fields are only
// touched while the token's lock is held.
type tokenState struct {
	lastEval   time.Time
	lastTick   time.Time
	lastReject string
	closedAt   time.Time
	entering   bool
	exit       *inflightExit
	pending    *pendingCommit
}

// inflightExit is a sell running outside the token lock.
type inflightExit struct {
	id     uint64
	panic  bool
	cancel context.CancelFunc
	done   <-chan struct{}
}

// pendingCommit is a transition recording an external fact (a fill) whose
// durable write failed. The token is blocked until it lands.
type pendingCommit struct {
	op       string
	since    time.Time
	attempts int
	retry    func(ctx context.Context) error
}

// reservation holds admission capacity for an entry until its tranches
// are committed.
type reservation struct {
	lane      position.Lane
	remaining decimal.Decimal
	slot      bool
}

type task struct {
	mint solana.Pubkey
	ev   *market.Event
}

// Coordinator is the single decision authority per token and the single
// writer of the portfolio state.
type Coordinator struct {
	config  Config
	pconfig portfolio.Config
	deps    Deps

	sink     EventSink
	archive  FillArchiver
	observer Observer
	health   HealthReporter
	onEvent  func(bus.LifecycleEvent)

	locks *keyedLocks

	// pmu serializes portfolio read-modify-commit cycles and guards
	// reserved.
	pmu      sync.Mutex
	book     *portfolio.Book
	reserved map[solana.Pubkey]*reservation

	mu        sync.RWMutex
	positions map[solana.Pubkey]*position.Position
	tokens    map[solana.Pubkey]*tokenState

	shards  []chan task
	baseCtx context.Context
	started atomic.Bool
	workers sync.WaitGroup
	flights sync.WaitGroup

	now     func() time.Time
	exitSeq atomic.Uint64

	blocked        atomic.Int64
	storeDegraded  atomic.Bool
	marketDegraded atomic.Bool

	eventsApplied atomic.Int64
	duplicates    atomic.Int64
	invalid       atomic.Int64
	evaluations   atomic.Int64
	entries       atomic.Int64
	exits         atomic.Int64
	panics        atomic.Int64
	preemptions   atomic.Int64
	storageErrors atomic.Int64
	ticksDropped  atomic.Int64
}

// New creates a coordinator with an empty portfolio at the configured
// starting equity. Call Recover before Start to load durable state.
func New(config Config, pconfig portfolio.Config, deps Deps) *Coordinator {
	config.applyDefaults()
	c := &Coordinator{
		config:    config,
		pconfig:   pconfig,
		deps:      deps,
		sink:      nopSink{},
		observer:  nopObserver{},
		health:    nopHealth{},
		locks:     newKeyedLocks(),
		reserved:  make(map[solana.Pubkey]*reservation),
		positions: make(map[solana.Pubkey]*position.Position),
		tokens:    make(map[solana.Pubkey]*tokenState),
		baseCtx:   context.Background(),
		now:       time.Now,
	}
	c.book = portfolio.NewBook(pconfig, portfolio.NewState(pconfig, c.now()))
	c.shards = make([]chan task, config.Workers)
	for i := range c.shards {
		c.shards[i] = make(chan task, config.QueueSize)
	}
	return c
}

// SetEventSink installs the audit trail.
func (c *Coordinator) SetEventSink(s EventSink) {
	if s != nil {
		c.sink = s
	}
}

// SetArchive installs the fill archive.
func (c *Coordinator) SetArchive(a FillArchiver) { c.archive = a }

// SetObserver installs a metrics observer.
func (c *Coordinator) SetObserver(o Observer) {
	if o != nil {
		c.observer = o
	}
}

// SetHealth installs the health reporter.
func (c *Coordinator) SetHealth(h HealthReporter) {
	if h != nil {
		c.health = h
	}
}

// SetOnEvent sets a callback invoked for every published lifecycle event.
func (c *Coordinator) SetOnEvent(fn func(bus.LifecycleEvent)) { c.onEvent = fn }

// ---------------------------------------------------------------------------
// Recovery
// ---------------------------------------------------------------------------

// Recover loads the portfolio state and every open position from the
// store. Positions left Entering or Exiting are finished or resumed by
// their first tick.
func (c *Coordinator) Recover(ctx context.Context) error {
	st, err := c.deps.Store.LoadPortfolioState(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = portfolio.NewState(c.pconfig, c.now())
		if err := c.deps.Store.SavePortfolioState(ctx, st); err != nil {
			return fmt.Errorf("lifecycle: save initial portfolio: %w", err)
		}
		log.Info().Str("equity", st.Equity().StringFixed(2)).Msg("lifecycle: initialized portfolio")
	case err != nil:
		return fmt.Errorf("lifecycle: load portfolio: %w", err)
	}

	open, err := c.deps.Store.LoadOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: load positions: %w", err)
	}

	c.pmu.Lock()
	c.book.Commit(st)
	c.pmu.Unlock()

	c.mu.Lock()
	for _, p := range open {
		if prev, dup := c.positions[p.Mint]; dup {
			log.Error().Str("mint", p.Mint.Short()).Str("kept", prev.ID).Str("dropped", p.ID).
				Msg("lifecycle: two open positions for one token, halting entries")
			c.deps.Guard.HaltToken(p.Mint, "DUPLICATE_OPEN_POSITION", c.now())
			continue
		}
		c.positions[p.Mint] = p
	}
	n := len(c.positions)
	c.mu.Unlock()

	c.observer.ObservePortfolio(st)
	log.Info().
		Int("open_positions", n).
		Str("equity", st.Equity().StringFixed(2)).
		Str("floor", st.Floor.StringFixed(2)).
		Int64("version", st.Version).
		Msg("lifecycle: recovered")
	return nil
}

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

// Start launches the shard workers, the monitor ticker and the prune loop.
// They stop when ctx is cancelled; Wait blocks until they have.
func (c *Coordinator) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.baseCtx = ctx
	for i := range c.shards {
		c.workers.Add(1)
		go c.worker(ctx, c.shards[i])
	}
	c.workers.Add(2)
	go c.tickLoop(ctx)
	go c.pruneLoop(ctx)
	log.Info().
		Int("workers", len(c.shards)).
		Dur("tick_interval", c.config.TickInterval).
		Msg("lifecycle: coordinator started")
}

// Run starts the coordinator and feeds it from stream until ctx ends.
func (c *Coordinator) Run(ctx context.Context, stream market.Stream) error {
	events, err := stream.Events(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: open market stream: %w", err)
	}
	c.Start(ctx)

	for ev := range events {
		c.Dispatch(ctx, ev)
	}
	if ctx.Err() == nil {
		log.Error().Msg("lifecycle: market stream ended, positions are managed on stale data")
		c.health.Report(ComponentMarket, observability.StatusUnhealthy, "stream ended")
		<-ctx.Done()
	}
	c.Wait()
	return nil
}

// Dispatch routes ev to its token's shard. Gaps are applied directly.
func (c *Coordinator) Dispatch(ctx context.Context, ev market.Event) {
	if ev.Kind == market.KindGap {
		c.HandleEvent(ctx, ev)
		return
	}
	select {
	case c.shardFor(ev.Mint) <- task{mint: ev.Mint, ev: &ev}:
	case <-ctx.Done():
	}
}

// Wait blocks until the workers and every in-flight entry and exit have
// returned.
func (c *Coordinator) Wait() {
	c.workers.Wait()
	c.flights.Wait()
}

// WaitIdle blocks until every in-flight entry and exit has returned.
func (c *Coordinator) WaitIdle() { c.flights.Wait() }

func (c *Coordinator) shardFor(mint solana.Pubkey) chan task {
	h := fnv.New32a()
	h.Write([]byte(mint))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *Coordinator) worker(ctx context.Context, in <-chan task) {
	defer c.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-in:
			if t.ev != nil {
				c.HandleEvent(ctx, *t.ev)
			} else {
				c.TickToken(ctx, t.mint, false)
			}
		}
	}
}

func (c *Coordinator) tickLoop(ctx context.Context) {
	defer c.workers.Done()
	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, mint := range c.monitored() {
				select {
				case c.shardFor(mint) <- task{mint: mint}:
				default:
					c.ticksDropped.Add(1)
				}
			}
		}
	}
}

// monitored lists tokens that need ticks: open positions and tokens with
// a pending commit.
func (c *Coordinator) monitored() []solana.Pubkey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]solana.Pubkey, 0, len(c.positions))
	for mint := range c.positions {
		out = append(out, mint)
	}
	for mint, ts := range c.tokens {
		if _, ok := c.positions[mint]; !ok && ts.pending != nil {
			out = append(out, mint)
		}
	}
	return out
}

func (c *Coordinator) pruneLoop(ctx context.Context) {
	defer c.workers.Done()
	ticker := time.NewTicker(c.config.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Prune(c.now())
		}
	}
}

// Prune forgets book data and bookkeeping for tokens idle since before
// now-PruneAfter that hold no position.
func (c *Coordinator) Prune(now time.Time) int {
	cutoff := now.Add(-c.config.PruneAfter)
	n := c.deps.Book.Prune(cutoff, c.hasPosition)

	c.mu.RLock()
	mints := make([]solana.Pubkey, 0, len(c.tokens))
	for m := range c.tokens {
		mints = append(mints, m)
	}
	c.mu.RUnlock()

	dropped := 0
	for _, mint := range mints {
		unlock := c.locks.Lock(mint)
		c.mu.Lock()
		ts := c.tokens[mint]
		_, open := c.positions[mint]
		if ts != nil && !open && !ts.entering && ts.exit == nil && ts.pending == nil &&
			ts.lastEval.Before(cutoff) && now.Sub(ts.closedAt) >= c.config.ReentryCooldown {
			delete(c.tokens, mint)
			dropped++
		}
		c.mu.Unlock()
		unlock()
	}
	if n > 0 || dropped > 0 {
		log.Debug().Int("book", n).Int("tokens", dropped).Msg("lifecycle: pruned idle tokens")
	}
	return n
}

func (c *Coordinator) hasPosition(mint solana.Pubkey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.positions[mint]
	return ok
}

// token returns the bookkeeping for mint, creating it.
func (c *Coordinator) token(mint solana.Pubkey) *tokenState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.tokens[mint]
	if !ok {
		ts = &tokenState{}
		c.tokens[mint] = ts
	}
	return ts
}

// position returns the committed position for mint, or nil.
func (c *Coordinator) position(mint solana.Pubkey) *position.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.positions[mint]
}

// ---------------------------------------------------------------------------
// Market events
// ---------------------------------------------------------------------------

// HandleEvent applies one market event under its token's lock and runs the
// resulting evaluation: a tick for an open position, an admission check
// otherwise. Duplicate deliveries are dropped by sequence.
func (c *Coordinator) HandleEvent(ctx context.Context, ev market.Event) {
	kind := string(ev.Kind)
	if err := ev.Validate(); err != nil {
		c.invalid.Add(1)
		c.observer.ObserveMarketEvent(kind, "invalid")
		log.Debug().Err(err).Msg("lifecycle: invalid market event dropped")
		return
	}

	if ev.Kind == market.KindGap {
		c.deps.Book.Apply(ev)
		c.observer.ObserveMarketEvent(kind, "gap")
		reason := "gap"
		if ev.Gap != nil && ev.Gap.Reason != "" {
			reason = ev.Gap.Reason
		}
		if ev.Mint == "" {
			c.marketDegraded.Store(true)
			c.health.Report(ComponentMarket, observability.StatusDegraded, "data gap: "+reason)
		}
		return
	}

	unlock := c.locks.Lock(ev.Mint)
	defer unlock()

	if !c.deps.Book.Apply(ev) {
		c.duplicates.Add(1)
		c.observer.ObserveMarketEvent(kind, "duplicate")
		return
	}
	c.eventsApplied.Add(1)
	c.observer.ObserveMarketEvent(kind, "applied")
	if c.marketDegraded.CompareAndSwap(true, false) {
		c.health.Report(ComponentMarket, observability.StatusHealthy, "receiving events")
	}

	now := c.now()
	if c.position(ev.Mint) != nil {
		c.tick(ctx, ev.Mint, now, false)
		return
	}
	c.evaluate(ctx, ev.Mint, now)
}

// TickToken runs one monitor evaluation for mint. force ignores the tier
// interval.
func (c *Coordinator) TickToken(ctx context.Context, mint solana.Pubkey, force bool) {
	unlock := c.locks.Lock(mint)
	defer unlock()
	c.tick(ctx, mint, c.now(), force)
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats reports coordinator counters.
type Stats struct {
	OpenPositions int   `json:"open_positions"`
	Tokens        int   `json:"tokens"`
	Locks         int   `json:"locks"`
	Blocked       int64 `json:"blocked_tokens"`
	EventsApplied int64 `json:"events_applied"`
	Duplicates    int64 `json:"duplicates"`
	Invalid       int64 `json:"invalid"`
	Evaluations   int64 `json:"evaluations"`
	Entries       int64 `json:"entries"`
	Exits         int64 `json:"exits"`
	Panics        int64 `json:"panics"`
	Preemptions   int64 `json:"preemptions"`
	StorageErrors int64 `json:"storage_errors"`
	TicksDropped  int64 `json:"ticks_dropped"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	open, tokens := len(c.positions), len(c.tokens)
	c.mu.RUnlock()
	return Stats{
		OpenPositions: open,
		Tokens:        tokens,
		Locks:         c.locks.Len(),
		Blocked:       c.blocked.Load(),
		EventsApplied: c.eventsApplied.Load(),
		Duplicates:    c.duplicates.Load(),
		Invalid:       c.invalid.Load(),
		Evaluations:   c.evaluations.Load(),
		Entries:       c.entries.Load(),
		Exits:         c.exits.Load(),
		Panics:        c.panics.Load(),
		Preemptions:   c.preemptions.Load(),
		StorageErrors: c.storageErrors.Load(),
		TicksDropped:  c.ticksDropped.Load(),
	}
}
