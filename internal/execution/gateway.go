package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Execution Gateway: fee ceiling, failover, reconciliation
// ---------------------------------------------------------------------------

// Config configures the gateway.
type Config struct {
	Mode          Mode    `yaml:"mode"`
	FeeCeilingPct float64 `yaml:"fee_ceiling_pct"`
	// PrimaryRetries is how many extra submissions the first venue gets
	// before failing over.
	PrimaryRetries   int           `yaml:"primary_retries"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	ReconcileTimeout time.Duration `yaml:"reconcile_timeout"`
	ReconcilePoll    time.Duration `yaml:"reconcile_poll"`

	PanicBackoffInitial time.Duration `yaml:"panic_backoff_initial"`
	PanicBackoffMax     time.Duration `yaml:"panic_backoff_max"`
	PanicBackoffFactor  float64       `yaml:"panic_backoff_factor"`
	// PanicMaxAttempts failures raise the alert; retries continue.
	PanicMaxAttempts int `yaml:"panic_max_attempts"`

	// Non-panic sells larger than ChunkPoolFraction of pool liquidity are
	// split into ExitChunks pieces.
	ChunkPoolFraction float64       `yaml:"chunk_pool_fraction"`
	ExitChunks        int           `yaml:"exit_chunks"`
	ChunkInterval     time.Duration `yaml:"chunk_interval"`

	OrderHistory int         `yaml:"order_history"`
	Paper        PaperConfig `yaml:"paper"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                ModePaper,
		FeeCeilingPct:       3,
		PrimaryRetries:      1,
		CallTimeout:         8 * time.Second,
		ReconcileTimeout:    20 * time.Second,
		ReconcilePoll:       time.Second,
		PanicBackoffInitial: 500 * time.Millisecond,
		PanicBackoffMax:     10 * time.Second,
		PanicBackoffFactor:  2,
		PanicMaxAttempts:    5,
		ChunkPoolFraction:   0.02,
		ExitChunks:          3,
		ChunkInterval:       2 * time.Second,
		OrderHistory:        1000,
		Paper:               DefaultPaperConfig(),
	}
}

// UnresolvedError is returned when a submission's outcome is still unknown
// after reconciliation. The order must not be resubmitted until Status
// resolves it.
type UnresolvedError struct {
	ClientOrderID string
	Venue         string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("order %s on %s unresolved", e.ClientOrderID, e.Venue)
}

func (e *UnresolvedError) Unwrap() error { return errs.ErrTimeout }

// Gateway turns instructions into fills. Thread-safe.
//
// Invariants:
//   - Nothing is submitted when the cheapest quote exceeds the fee ceiling.
//   - A venue whose own quote exceeds the ceiling is never submitted to.
//   - An ambiguous submission is reconciled via Status before any retry.
//   - Panic exits are never chunked and are retried until filled or ctx ends.
type Gateway struct {
	config   Config
	venues   []Venue
	paper    *PaperVenue
	observer Observer
	onAlert  func(Alert)

	mu   sync.RWMutex
	mode Mode

	ordersMu sync.Mutex
	orders   []*Order

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	executions   atomic.Int64
	fills        atomic.Int64
	partials     atomic.Int64
	feeRejected  atomic.Int64
	failovers    atomic.Int64
	reconciles   atomic.Int64
	panicRetries atomic.Int64
	alerts       atomic.Int64
}

// NewGateway creates a gateway. venues are tried in order: the first is the
// primary. paper simulates submissions in paper mode and quotes when no
// venue is configured.
func NewGateway(config Config, venues []Venue, paper *PaperVenue) *Gateway {
	if config.Mode == "" {
		config.Mode = ModePaper
	}
	if paper == nil {
		paper = NewPaperVenue(config.Paper, nil)
	}
	g := &Gateway{
		config:   config,
		venues:   venues,
		paper:    paper,
		observer: nopObserver{},
		mode:     config.Mode,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	if g.mode == ModeLive && !g.hasLiveVenue() {
		log.Warn().Msg("gateway: live mode requested without live venues, starting in paper mode")
		g.mode = ModePaper
	}
	return g
}

// SetObserver installs a metrics observer.
func (g *Gateway) SetObserver(o Observer) {
	if o != nil {
		g.observer = o
	}
}

// SetOnAlert sets the callback for exhausted panic retries.
func (g *Gateway) SetOnAlert(fn func(Alert)) { g.onAlert = fn }

// Mode returns the current submission mode.
func (g *Gateway) Mode() Mode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// SetMode switches between paper and live submission. In-flight orders
// finish in the mode they started in.
func (g *Gateway) SetMode(m Mode) error {
	if m != ModePaper && m != ModeLive {
		return fmt.Errorf("gateway: unknown mode %q", m)
	}
	if m == ModeLive && !g.hasLiveVenue() {
		return fmt.Errorf("gateway: no live venue configured")
	}
	g.mu.Lock()
	prev := g.mode
	g.mode = m
	g.mu.Unlock()
	if prev != m {
		log.Warn().Str("from", string(prev)).Str("to", string(m)).Msg("gateway: mode changed")
	}
	return nil
}

// liveVenue is implemented by venues that can run quote-only.
type liveVenue interface {
	Live() bool
}

func (g *Gateway) hasLiveVenue() bool {
	for _, v := range g.venues {
		if _, paper := v.(*PaperVenue); paper {
			continue
		}
		if lv, ok := v.(liveVenue); ok && !lv.Live() {
			continue
		}
		return true
	}
	return false
}

// Execute fills ins. A partially filled order returns the filled part
// together with an error wrapping errs.ErrPartialFill.
func (g *Gateway) Execute(ctx context.Context, ins Instruction) (FillResult, error) {
	if err := ins.validate(); err != nil {
		return FillResult{}, err
	}
	if ins.ClientOrderID == "" {
		ins.ClientOrderID = uuid.NewString()
	}
	g.executions.Add(1)

	switch {
	case ins.Panic():
		return g.executePanic(ctx, ins)
	case ins.Side == SideSell && g.shouldChunk(ins):
		return g.executeChunked(ctx, ins)
	default:
		res, err := g.executeOnce(ctx, ins)
		if res.Filled() {
			res.Chunks = 1
		}
		return res, err
	}
}

type quoted struct {
	venue Venue
	quote RouteQuote
	err   error
}

func (g *Gateway) quoteVenues() []Venue {
	if len(g.venues) == 0 {
		return []Venue{g.paper}
	}
	return g.venues
}

// quoteAll quotes every venue concurrently, preserving venue order.
func (g *Gateway) quoteAll(ctx context.Context, ins Instruction) []quoted {
	venues := g.quoteVenues()
	out := make([]quoted, len(venues))
	var wg sync.WaitGroup
	for i, v := range venues {
		wg.Add(1)
		go func(i int, v Venue) {
			defer wg.Done()
			q, err := g.quoteOne(ctx, v, ins)
			out[i] = quoted{venue: v, quote: q, err: err}
		}(i, v)
	}
	wg.Wait()
	return out
}

func (g *Gateway) quoteOne(ctx context.Context, v Venue, ins Instruction) (RouteQuote, error) {
	qctx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
	defer cancel()
	q, err := v.Quote(qctx, ins)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%s quote: %w", v.Name(), errs.ErrTimeout)
		}
		return RouteQuote{}, err
	}
	if q.Venue == "" {
		q.Venue = v.Name()
	}
	if q.QuotedAt.IsZero() {
		q.QuotedAt = g.now()
	}
	return q, nil
}

func (g *Gateway) ceiling() decimal.Decimal {
	return decimal.NewFromFloat(g.config.FeeCeilingPct).Div(decimal.NewFromInt(100))
}

// executeOnce is one pass over the venues for one instruction.
func (g *Gateway) executeOnce(ctx context.Context, ins Instruction) (FillResult, error) {
	quotes := g.quoteAll(ctx, ins)
	if ctx.Err() != nil {
		return FillResult{}, ctx.Err()
	}

	cheapest := -1
	var lastErr error
	for i, q := range quotes {
		if q.err != nil {
			lastErr = q.err
			log.Debug().Err(q.err).Str("venue", q.venue.Name()).Msg("gateway: quote failed")
			continue
		}
		if cheapest < 0 || q.quote.Fees.Total().LessThan(quotes[cheapest].quote.Fees.Total()) {
			cheapest = i
		}
	}
	if cheapest < 0 {
		switch {
		case lastErr == nil:
			lastErr = errs.ErrVenueUnavailable
		case !errs.Retryable(lastErr):
			lastErr = fmt.Errorf("%v: %w", lastErr, errs.ErrVenueUnavailable)
		}
		return FillResult{}, fmt.Errorf("gateway: no quote for %s: %w", ins.Mint.Short(), lastErr)
	}

	ceiling := g.ceiling()
	best := quotes[cheapest]
	if best.quote.Fees.Total().GreaterThan(ceiling) {
		g.feeRejected.Add(1)
		g.observer.ObserveFeeRejected(best.venue.Name())
		order := NewOrder(ins.ClientOrderID, ins, best.quote)
		_ = order.Transition(EventReject, string(errs.KindFeeExceeded))
		g.track(order)
		log.Warn().
			Str("mint", ins.Mint.Short()).
			Str("venue", best.venue.Name()).
			Float64("fee_pct", best.quote.FeePct()).
			Float64("ceiling_pct", g.config.FeeCeilingPct).
			Msg("gateway: cheapest route exceeds fee ceiling, not submitting")
		return FillResult{}, fmt.Errorf("gateway: fee %.2f%% on %s exceeds %.2f%%: %w",
			best.quote.FeePct(), best.venue.Name(), g.config.FeeCeilingPct, errs.ErrFeeExceeded)
	}

	attempt := 0
	prev := ""
	for i, qv := range quotes {
		name := qv.venue.Name()
		if prev != "" {
			g.failovers.Add(1)
			g.observer.ObserveFailover(prev, name)
			log.Warn().Str("from", prev).Str("to", name).Str("mint", ins.Mint.Short()).Msg("gateway: failing over")
		}
		prev = name

		if qv.err != nil {
			continue
		}
		q := qv.quote
		if q.Fees.Total().GreaterThan(ceiling) {
			g.observer.ObserveFeeRejected(name)
			log.Info().Str("venue", name).Float64("fee_pct", q.FeePct()).Msg("gateway: venue over fee ceiling, skipping")
			lastErr = fmt.Errorf("%s fee %.2f%%: %w", name, q.FeePct(), errs.ErrFeeExceeded)
			continue
		}

		tries := 1
		if i == 0 {
			tries += g.config.PrimaryRetries
		}
		for try := 0; try < tries; try++ {
			if ctx.Err() != nil {
				return FillResult{}, ctx.Err()
			}
			if try > 0 || q.Expired(g.now()) {
				fresh, err := g.quoteOne(ctx, qv.venue, ins)
				if err != nil {
					lastErr = err
					continue
				}
				if fresh.Fees.Total().GreaterThan(ceiling) {
					lastErr = fmt.Errorf("%s fee %.2f%%: %w", name, fresh.FeePct(), errs.ErrFeeExceeded)
					g.observer.ObserveFeeRejected(name)
					break
				}
				q = fresh
			}

			attempt++
			start := g.now()
			res, err := g.submit(ctx, ins, qv.venue, q, attempt)
			if res.Filled() {
				res.Attempts = attempt
				g.observer.ObserveFill(res.Venue, string(ins.Side), res.Paper, g.now().Sub(start))
				return res, err
			}
			lastErr = err
			var unresolved *UnresolvedError
			if errors.As(err, &unresolved) || ctx.Err() != nil {
				return FillResult{}, err
			}
			log.Warn().Err(err).Str("venue", name).Int("attempt", attempt).Str("mint", ins.Mint.Short()).Msg("gateway: submission failed")
		}
	}

	if lastErr == nil {
		lastErr = errs.ErrVenueUnavailable
	}
	return FillResult{}, fmt.Errorf("gateway: all venues failed for %s: %w", ins.Mint.Short(), lastErr)
}

// submit sends one attempt and resolves ambiguous outcomes.
func (g *Gateway) submit(ctx context.Context, ins Instruction, v Venue, q RouteQuote, attempt int) (FillResult, error) {
	sub := ins
	sub.ClientOrderID = fmt.Sprintf("%s-%d", ins.ClientOrderID, attempt)

	order := NewOrder(sub.ClientOrderID, sub, q)
	g.track(order)
	_ = order.Transition(EventSubmit, nil)

	paper := g.Mode() == ModePaper
	var target Venue = v
	if paper {
		target = g.paper
	}

	callCtx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
	res, err := target.Submit(callCtx, sub, q)
	cancel()

	switch {
	case err == nil && res.Filled():
		g.finish(&res, sub, q, paper)
		_ = order.Transition(EventFill, &res)
		g.fills.Add(1)
		log.Info().
			Str("mint", ins.Mint.Short()).
			Str("side", string(ins.Side)).
			Str("venue", res.Venue).
			Str("qty", res.Quantity.String()).
			Str("price", res.Price.String()).
			Bool("paper", paper).
			Msg("gateway: filled")
		return res, nil

	case errors.Is(err, errs.ErrPartialFill) && res.Filled():
		g.finish(&res, sub, q, paper)
		res.Partial = true
		_ = order.Transition(EventPartialFill, &res)
		g.partials.Add(1)
		return res, err

	case err == nil, isAmbiguous(ctx, err):
		// A nil error without a fill, a deadline, or our own cancellation
		// mid-flight all leave the outcome unknown.
		reason := "empty result"
		if err != nil {
			reason = err.Error()
		}
		_ = order.Transition(EventTimeout, reason)
		return g.reconcile(ctx, target, order, sub, q, paper)

	default:
		_ = order.Transition(EventReject, err.Error())
		return FillResult{}, fmt.Errorf("%s submit: %w", v.Name(), err)
	}
}

func (g *Gateway) finish(res *FillResult, ins Instruction, q RouteQuote, paper bool) {
	if res.ClientOrderID == "" {
		res.ClientOrderID = ins.ClientOrderID
	}
	if res.Venue == "" {
		res.Venue = q.Venue
	}
	if res.Mint == "" {
		res.Mint = ins.Mint
	}
	if res.Side == "" {
		res.Side = ins.Side
	}
	if res.At.IsZero() {
		res.At = g.now()
	}
	res.Paper = paper
}

func isAmbiguous(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errs.KindOf(err) == errs.KindTimeout {
		return true
	}
	// Preempted while in flight.
	return errors.Is(err, context.Canceled) && ctx.Err() != nil
}

// reconcile polls Status until the order resolves or ReconcileTimeout
// passes. It runs even when ctx was cancelled: an order that landed must
// be reported.
func (g *Gateway) reconcile(ctx context.Context, v Venue, order *Order, ins Instruction, q RouteQuote, paper bool) (FillResult, error) {
	g.reconciles.Add(1)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.ReconcileTimeout)
	defer cancel()

	for {
		rep, err := v.Status(rctx, ins.ClientOrderID)
		if err == nil {
			switch rep.Status {
			case StatusFilled:
				if rep.Fill != nil && rep.Fill.Filled() {
					res := *rep.Fill
					g.finish(&res, ins, q, paper)
					_ = order.Transition(EventFill, &res)
					g.fills.Add(1)
					log.Info().Str("client_order_id", ins.ClientOrderID).Str("venue", res.Venue).Msg("gateway: reconciled as filled")
					return res, nil
				}
			case StatusFailed, StatusUnknown:
				_ = order.Transition(EventReject, "reconciled "+string(rep.Status))
				log.Info().Str("client_order_id", ins.ClientOrderID).Str("status", string(rep.Status)).Msg("gateway: reconciled as not landed")
				return FillResult{}, fmt.Errorf("%s: order %s did not land: %w", v.Name(), ins.ClientOrderID, errs.ErrTimeout)
			}
		} else {
			log.Debug().Err(err).Str("client_order_id", ins.ClientOrderID).Msg("gateway: status query failed")
		}

		if err := g.sleep(rctx, g.config.ReconcilePoll); err != nil {
			_ = order.Transition(EventTimeout, "reconcile timeout")
			log.Error().Str("client_order_id", ins.ClientOrderID).Str("venue", v.Name()).Msg("gateway: order outcome unresolved")
			return FillResult{}, &UnresolvedError{ClientOrderID: ins.ClientOrderID, Venue: v.Name()}
		}
	}
}

// Resolve re-queries a previously unresolved order.
func (g *Gateway) Resolve(ctx context.Context, u *UnresolvedError) (FillResult, error) {
	var v Venue = g.paper
	for _, candidate := range g.venues {
		if candidate.Name() == u.Venue {
			v = candidate
		}
	}
	order := g.findOrder(u.ClientOrderID)
	if order == nil {
		order = NewOrder(u.ClientOrderID, Instruction{}, RouteQuote{Venue: u.Venue})
		_ = order.Transition(EventSubmit, nil)
		_ = order.Transition(EventTimeout, "resolve")
	}
	ins := Instruction{ClientOrderID: u.ClientOrderID, Side: order.Side}
	return g.reconcile(ctx, v, order, ins, order.Quote, g.Mode() == ModePaper)
}

func (g *Gateway) track(o *Order) {
	g.ordersMu.Lock()
	defer g.ordersMu.Unlock()
	g.orders = append(g.orders, o)
	if n := g.config.OrderHistory; n > 0 && len(g.orders) > n {
		g.orders = g.orders[len(g.orders)-n:]
	}
}

func (g *Gateway) findOrder(clientOrderID string) *Order {
	g.ordersMu.Lock()
	defer g.ordersMu.Unlock()
	for i := len(g.orders) - 1; i >= 0; i-- {
		if g.orders[i].ClientOrderID == clientOrderID {
			return g.orders[i]
		}
	}
	return nil
}

// Orders returns views of the recent orders, oldest first.
func (g *Gateway) Orders() []OrderView {
	g.ordersMu.Lock()
	defer g.ordersMu.Unlock()
	out := make([]OrderView, len(g.orders))
	for i, o := range g.orders {
		out[i] = o.View()
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports gateway counters.
type Stats struct {
	Mode         Mode  `json:"mode"`
	Executions   int64 `json:"executions"`
	Fills        int64 `json:"fills"`
	Partials     int64 `json:"partials"`
	FeeRejected  int64 `json:"fee_rejected"`
	Failovers    int64 `json:"failovers"`
	Reconciles   int64 `json:"reconciles"`
	PanicRetries int64 `json:"panic_retries"`
	Alerts       int64 `json:"alerts"`
}

func (g *Gateway) Stats() Stats {
	return Stats{
		Mode:         g.Mode(),
		Executions:   g.executions.Load(),
		Fills:        g.fills.Load(),
		Partials:     g.partials.Load(),
		FeeRejected:  g.feeRejected.Load(),
		Failovers:    g.failovers.Load(),
		Reconciles:   g.reconciles.Load(),
		PanicRetries: g.panicRetries.Load(),
		Alerts:       g.alerts.Load(),
	}
}
