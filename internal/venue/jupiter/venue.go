package jupiter

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/nexus-trading/lanetrader/internal/execution"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sugawarayuuta/sonnet"
)

// ---------------------------------------------------------------------------
// Jupiter venue: routed swaps submitted through Jito bundles or plain RPC
// ---------------------------------------------------------------------------

// RouteMode selects how signed swaps reach the chain.
type RouteMode string

const (
	RouteJito RouteMode = "jito"
	RouteRPC  RouteMode = "rpc"
)

// usdcDecimals is the base-unit exponent of the USDC mint. Buys are
// funded and sells settled in USDC.
const usdcDecimals = 6

// Config configures one venue.
type Config struct {
	Name          string        `yaml:"name"`
	Route         RouteMode     `yaml:"route"`
	SlippageBps   int           `yaml:"slippage_bps"`
	TokenDecimals int32         `yaml:"token_decimals"`
	QuoteTTL      time.Duration `yaml:"quote_ttl"`
	ConfirmPoll   time.Duration `yaml:"confirm_poll"`
	ComputeUnits  uint64        `yaml:"compute_units"`
	SOLPriceTTL   time.Duration `yaml:"sol_price_ttl"`
	// SettleWait is how long a landed swap may stay unreadable through
	// getTransaction before its fill is reported from the quote.
	SettleWait time.Duration `yaml:"settle_wait"`
}

// DefaultConfig returns defaults for the given route mode.
func DefaultConfig(route RouteMode) Config {
	return Config{
		Name:          "jupiter-" + string(route),
		Route:         route,
		SlippageBps:   300,
		TokenDecimals: 6,
		QuoteTTL:      10 * time.Second,
		ConfirmPoll:   500 * time.Millisecond,
		ComputeUnits:  solana.DefaultComputeUnits,
		SOLPriceTTL:   time.Minute,
		SettleWait:    5 * time.Second,
	}
}

// submission tracks one client order id. signature is known as soon as the
// transaction is signed; bundleID only after Jito accepts the bundle.
type submission struct {
	ins       execution.Instruction
	quote     execution.RouteQuote
	signature solana.Signature
	bundleID  string
	landedAt  time.Time
	fill      *execution.FillResult
	failed    bool
}

// Venue implements execution.Venue on top of Jupiter routing.
type Venue struct {
	config Config
	api    *APIClient
	wallet *solana.Wallet
	rpc    solana.RPCClient
	jito   *solana.JitoClient
	fees   *solana.PriorityFeeEstimator

	mu     sync.Mutex
	orders map[string]*submission

	priceMu  sync.Mutex
	solPrice decimal.Decimal
	solAt    time.Time

	submitted atomic.Int64
	landed    atomic.Int64
	failed    atomic.Int64
}

// New creates a venue. wallet may be nil, in which case the venue only
// quotes (paper mode). The jito route needs an enabled Jito client; the
// rpc route needs an RPC client.
func New(config Config, api *APIClient, wallet *solana.Wallet, rpc solana.RPCClient, jito *solana.JitoClient, fees *solana.PriorityFeeEstimator) (*Venue, error) {
	def := DefaultConfig(config.Route)
	switch config.Route {
	case RouteJito:
		if jito == nil || !jito.Enabled() {
			return nil, fmt.Errorf("jupiter: jito route without an enabled jito client")
		}
	case RouteRPC:
		if rpc == nil {
			return nil, fmt.Errorf("jupiter: rpc route without an rpc client")
		}
	default:
		return nil, fmt.Errorf("jupiter: unknown route mode %q", config.Route)
	}
	if api == nil {
		return nil, fmt.Errorf("jupiter: no api client")
	}
	if config.Name == "" {
		config.Name = def.Name
	}
	if config.TokenDecimals <= 0 {
		config.TokenDecimals = def.TokenDecimals
	}
	if config.QuoteTTL <= 0 {
		config.QuoteTTL = def.QuoteTTL
	}
	if config.ConfirmPoll <= 0 {
		config.ConfirmPoll = def.ConfirmPoll
	}
	if config.ComputeUnits == 0 {
		config.ComputeUnits = def.ComputeUnits
	}
	if config.SOLPriceTTL <= 0 {
		config.SOLPriceTTL = def.SOLPriceTTL
	}
	if config.SlippageBps <= 0 {
		config.SlippageBps = def.SlippageBps
	}
	if config.SettleWait <= 0 {
		config.SettleWait = def.SettleWait
	}
	return &Venue{
		config: config,
		api:    api,
		wallet: wallet,
		rpc:    rpc,
		jito:   jito,
		fees:   fees,
		orders: make(map[string]*submission),
	}, nil
}

func (v *Venue) Name() string { return v.config.Name }

// Live reports whether the venue can sign and submit.
func (v *Venue) Live() bool { return v.wallet != nil }

// Health checks the submission path.
func (v *Venue) Health(ctx context.Context) error {
	if v.rpc == nil {
		return nil
	}
	return v.rpc.Health(ctx)
}

// Quote prices ins against the best Jupiter route and breaks the cost down
// into fractions of notional.
func (v *Venue) Quote(ctx context.Context, ins execution.Instruction) (execution.RouteQuote, error) {
	solUSD, err := v.solUSD(ctx)
	if err != nil {
		return execution.RouteQuote{}, err
	}

	req := QuoteRequest{SlippageBps: v.config.SlippageBps}
	switch ins.Side {
	case execution.SideBuy:
		req.InputMint, req.OutputMint = solana.USDCMint, ins.Mint
		req.Amount = toUnits(ins.AmountUSD, usdcDecimals)
	case execution.SideSell:
		req.InputMint, req.OutputMint = ins.Mint, solana.USDCMint
		req.Amount = toUnits(ins.Quantity, v.config.TokenDecimals)
	default:
		return execution.RouteQuote{}, fmt.Errorf("jupiter: side %q", ins.Side)
	}

	resp, err := v.api.GetQuote(ctx, req)
	if err != nil {
		return execution.RouteQuote{}, err
	}
	return v.routeQuote(ins, resp, solUSD)
}

func (v *Venue) routeQuote(ins execution.Instruction, resp *QuoteResponse, solUSD decimal.Decimal) (execution.RouteQuote, error) {
	in, err := decimal.NewFromString(resp.InAmount)
	if err != nil {
		return execution.RouteQuote{}, fmt.Errorf("jupiter: in amount %q: %w", resp.InAmount, err)
	}
	out, err := decimal.NewFromString(resp.OutAmount)
	if err != nil {
		return execution.RouteQuote{}, fmt.Errorf("jupiter: out amount %q: %w", resp.OutAmount, err)
	}

	var qty, notional decimal.Decimal
	if ins.Side == execution.SideBuy {
		notional = in.Shift(-usdcDecimals)
		qty = out.Shift(-v.config.TokenDecimals)
	} else {
		qty = in.Shift(-v.config.TokenDecimals)
		notional = out.Shift(-usdcDecimals)
	}
	if !qty.IsPositive() || !notional.IsPositive() {
		return execution.RouteQuote{}, fmt.Errorf("jupiter: empty route for %s: %w", ins.Mint.Short(), errs.ErrVenueUnavailable)
	}
	price := notional.DivRound(qty, 12)

	lpUSD := decimal.Zero
	for _, step := range resp.RoutePlan {
		amt, err := decimal.NewFromString(step.SwapInfo.FeeAmount)
		if err != nil || amt.IsZero() {
			continue
		}
		switch solana.Pubkey(step.SwapInfo.FeeMint) {
		case solana.USDCMint:
			lpUSD = lpUSD.Add(amt.Shift(-usdcDecimals))
		case solana.SOLMint:
			lpUSD = lpUSD.Add(amt.Shift(-9).Mul(solUSD))
		case ins.Mint:
			lpUSD = lpUSD.Add(amt.Shift(-v.config.TokenDecimals).Mul(price))
		default:
			log.Debug().Str("fee_mint", step.SwapInfo.FeeMint).Msg("jupiter: route fee in unpriced mint")
		}
	}

	router := decimal.Zero
	if resp.PlatformFee != nil && resp.PlatformFee.FeeBps > 0 {
		router = decimal.NewFromInt(int64(resp.PlatformFee.FeeBps)).Shift(-4)
	}

	micro := v.priorityMicroLamports(ins)
	priorityLamports := micro * v.config.ComputeUnits / 1_000_000
	if v.config.Route == RouteJito {
		priorityLamports += v.jito.Config().TipLamports()
	}
	lamportsUSD := func(l uint64) decimal.Decimal {
		return solana.LamportsToSOL(l).Mul(solUSD).DivRound(notional, 12)
	}

	impact := 0.0
	if resp.PriceImpactPct != "" {
		if f, err := strconv.ParseFloat(resp.PriceImpactPct, 64); err == nil {
			impact = f * 100
		}
	}

	now := time.Now()
	return execution.RouteQuote{
		Venue:   v.Name(),
		QuoteID: fmt.Sprintf("%s-%d", v.Name(), resp.ContextSlot),
		Route:   resp.Labels(),
		Price:   price,
		Fees: execution.Fees{
			Base:     lamportsUSD(solana.BaseFeeLamports),
			LP:       lpUSD.DivRound(notional, 12),
			Router:   router,
			Priority: lamportsUSD(priorityLamports),
		},
		SlippagePct:           impact,
		QuotedAt:              now,
		ExpiresAt:             now.Add(v.config.QuoteTTL),
		PriorityMicroLamports: micro,
		Raw:                   resp.Raw,
	}, nil
}

func urgencyOf(ins execution.Instruction) solana.Urgency {
	if ins.Panic() {
		return solana.UrgencyHigh
	}
	return solana.UrgencyNormal
}

func (v *Venue) priorityMicroLamports(ins execution.Instruction) uint64 {
	if v.fees == nil {
		return solana.DefaultPriorityFeeMicroLamports
	}
	return v.fees.EstimateFee(urgencyOf(ins))
}

// solUSD returns the cached SOL price, refreshing it when stale. A stale
// price is used if the refresh fails.
func (v *Venue) solUSD(ctx context.Context) (decimal.Decimal, error) {
	v.priceMu.Lock()
	defer v.priceMu.Unlock()
	if v.solPrice.IsPositive() && time.Since(v.solAt) < v.config.SOLPriceTTL {
		return v.solPrice, nil
	}
	price, err := v.api.GetPrice(ctx, solana.SOLMint)
	if err != nil {
		if v.solPrice.IsPositive() {
			log.Warn().Err(err).Msg("jupiter: SOL price refresh failed, using stale price")
			return v.solPrice, nil
		}
		return decimal.Zero, fmt.Errorf("jupiter: SOL price: %w", err)
	}
	v.solPrice, v.solAt = price, time.Now()
	return price, nil
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

// Submit builds, signs and sends the swap for q, then waits for
// confirmation until ctx ends. A repeated client order id never sends a
// second transaction. If ctx ends before the outcome is known the error
// wraps errs.ErrTimeout and Status resolves it later.
func (v *Venue) Submit(ctx context.Context, ins execution.Instruction, q execution.RouteQuote) (execution.FillResult, error) {
	v.mu.Lock()
	if s, ok := v.orders[ins.ClientOrderID]; ok {
		v.mu.Unlock()
		return v.await(ctx, s)
	}
	v.mu.Unlock()

	if v.wallet == nil {
		return execution.FillResult{}, fmt.Errorf("%s: no wallet configured: %w", v.Name(), errs.ErrVenueUnavailable)
	}
	if len(q.Raw) == 0 {
		return execution.FillResult{}, fmt.Errorf("%s: quote without route: %w", v.Name(), errs.ErrQuoteExpired)
	}

	var route QuoteResponse
	if err := sonnet.Unmarshal(q.Raw, &route); err != nil {
		return execution.FillResult{}, fmt.Errorf("%s: decode route: %w", v.Name(), err)
	}
	route.Raw = q.Raw

	// The fee ceiling was checked against the quoted price; pay exactly that.
	opts := SwapOptions{PriorityMicroLamports: q.PriorityMicroLamports}
	if v.config.Route == RouteJito {
		opts.JitoTipLamports = v.jito.Config().TipLamports()
	}
	swap, err := v.api.BuildSwapTx(ctx, &route, v.wallet.PublicKey(), opts)
	if err != nil {
		return execution.FillResult{}, err
	}
	signed, sig, err := v.wallet.SignTransaction(swap.SwapTransaction)
	if err != nil {
		return execution.FillResult{}, fmt.Errorf("%s: %w", v.Name(), err)
	}

	s := &submission{ins: ins, quote: q, signature: sig}
	v.mu.Lock()
	if prev, ok := v.orders[ins.ClientOrderID]; ok {
		v.mu.Unlock()
		return v.await(ctx, prev)
	}
	v.orders[ins.ClientOrderID] = s
	v.mu.Unlock()
	v.submitted.Add(1)

	switch v.config.Route {
	case RouteJito:
		var id string
		id, err = v.jito.SendBundle(ctx, []string{signed})
		v.mu.Lock()
		s.bundleID = id
		v.mu.Unlock()
	default:
		var sent solana.Signature
		sent, err = v.rpc.SendTransaction(ctx, signed)
		if err == nil && sent != "" {
			v.mu.Lock()
			s.signature = sent
			v.mu.Unlock()
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			// The transaction may be in flight.
			return execution.FillResult{}, fmt.Errorf("%s: send interrupted: %w", v.Name(), errs.ErrTimeout)
		}
		v.mu.Lock()
		delete(v.orders, ins.ClientOrderID)
		v.mu.Unlock()
		v.failed.Add(1)
		return execution.FillResult{}, fmt.Errorf("%s: send: %v: %w", v.Name(), err, errs.ErrVenueUnavailable)
	}

	log.Info().
		Str("venue", v.Name()).
		Str("client_order_id", ins.ClientOrderID).
		Str("signature", string(sig)).
		Str("mint", ins.Mint.Short()).
		Str("side", string(ins.Side)).
		Msg("jupiter: swap sent")

	return v.await(ctx, s)
}

// await polls until the submission lands, fails, or ctx ends.
func (v *Venue) await(ctx context.Context, s *submission) (execution.FillResult, error) {
	for {
		rep, err := v.report(ctx, s)
		if err == nil {
			switch rep.Status {
			case execution.StatusFilled:
				return *rep.Fill, nil
			case execution.StatusFailed:
				return execution.FillResult{}, fmt.Errorf("%s: transaction failed on chain: %w", v.Name(), errs.ErrQuoteExpired)
			}
		}
		select {
		case <-time.After(v.config.ConfirmPoll):
		case <-ctx.Done():
			return execution.FillResult{}, fmt.Errorf("%s: confirmation pending: %w", v.Name(), errs.ErrTimeout)
		}
	}
}

// Status reports the outcome of a submission by client order id.
func (v *Venue) Status(ctx context.Context, clientOrderID string) (execution.StatusReport, error) {
	v.mu.Lock()
	s, ok := v.orders[clientOrderID]
	v.mu.Unlock()
	if !ok {
		return execution.StatusReport{Status: execution.StatusUnknown}, nil
	}
	return v.report(ctx, s)
}

func (v *Venue) report(ctx context.Context, s *submission) (execution.StatusReport, error) {
	v.mu.Lock()
	if s.fill != nil {
		fill := *s.fill
		v.mu.Unlock()
		return execution.StatusReport{Status: execution.StatusFilled, Fill: &fill}, nil
	}
	if s.failed {
		v.mu.Unlock()
		return execution.StatusReport{Status: execution.StatusFailed}, nil
	}
	bundleID, sig := s.bundleID, s.signature
	v.mu.Unlock()

	var st solana.TxStatus
	var err error
	switch {
	case bundleID != "":
		st, err = v.jito.GetBundleStatus(ctx, bundleID)
	case v.rpc != nil && sig != "":
		st, err = v.rpc.GetSignatureStatus(ctx, sig)
	default:
		st = solana.TxUnknown
	}
	if err != nil {
		return execution.StatusReport{}, err
	}

	switch {
	case st.Landed():
		orderID := string(sig)
		if bundleID != "" {
			orderID = bundleID
		}
		fill, ok := v.fillFor(ctx, s, orderID)
		if !ok {
			return execution.StatusReport{Status: execution.StatusPending}, nil
		}
		v.mu.Lock()
		if s.fill == nil {
			s.fill = &fill
			v.landed.Add(1)
		}
		fill = *s.fill
		v.mu.Unlock()
		return execution.StatusReport{Status: execution.StatusFilled, Fill: &fill}, nil
	case st == solana.TxFailed:
		v.mu.Lock()
		if !s.failed {
			s.failed = true
			v.failed.Add(1)
		}
		v.mu.Unlock()
		return execution.StatusReport{Status: execution.StatusFailed}, nil
	default:
		return execution.StatusReport{Status: execution.StatusPending}, nil
	}
}

// fillFor reports what the landed swap actually moved, read from the
// wallet's token balance changes. While the transaction is not yet
// readable it returns false; after SettleWait, or without an RPC client,
// the quoted amounts are reported and the fill is marked Estimated.
func (v *Venue) fillFor(ctx context.Context, s *submission, orderID string) (execution.FillResult, bool) {
	v.mu.Lock()
	if s.landedAt.IsZero() {
		s.landedAt = time.Now()
	}
	landedAt, sig := s.landedAt, s.signature
	v.mu.Unlock()

	fill := execution.FillResult{
		ClientOrderID: s.ins.ClientOrderID,
		OrderID:       orderID,
		Venue:         v.Name(),
		Mint:          s.ins.Mint,
		Side:          s.ins.Side,
		At:            time.Now(),
	}

	if v.rpc != nil && v.wallet != nil && sig != "" {
		set, err := v.rpc.GetTransactionSettlement(ctx, sig, v.wallet.PublicKey())
		switch {
		case err != nil:
			log.Warn().Err(err).Str("venue", v.Name()).Str("signature", string(sig)).Msg("jupiter: settlement read failed")
		case set != nil:
			if qty, notional, ok := settled(s.ins, set); ok {
				fill.Quantity = qty
				fill.Price = notional.DivRound(qty, 12)
				fill.FeeUSD = v.networkFeeUSD(ctx, set.FeeLamports)
				return fill, true
			}
			log.Warn().Str("venue", v.Name()).Str("signature", string(sig)).
				Msg("jupiter: settlement shows no swap for wallet")
		}
		if time.Since(landedAt) < v.config.SettleWait {
			return execution.FillResult{}, false
		}
	}

	qty := s.ins.Quantity
	if s.ins.Side == execution.SideBuy {
		qty = s.ins.AmountUSD.DivRound(s.quote.Price, 12)
	}
	fill.Quantity = qty
	fill.Price = s.quote.Price
	fill.FeeUSD = qty.Mul(s.quote.Price).Mul(s.quote.Fees.Total()).Round(6)
	fill.Estimated = true
	log.Warn().
		Str("venue", v.Name()).
		Str("client_order_id", s.ins.ClientOrderID).
		Str("signature", string(sig)).
		Msg("jupiter: settlement unavailable, fill estimated from quote")
	return fill, true
}

// settled extracts the token quantity and USDC notional of a swap from
// the wallet's balance changes.
func settled(ins execution.Instruction, set *solana.TxSettlement) (qty, notional decimal.Decimal, ok bool) {
	tokens, usdc := set.Delta(ins.Mint), set.Delta(solana.USDCMint)
	if ins.Side == execution.SideBuy {
		qty, notional = tokens, usdc.Neg()
	} else {
		qty, notional = tokens.Neg(), usdc
	}
	return qty, notional, qty.IsPositive() && notional.IsPositive()
}

// networkFeeUSD prices the transaction fee. LP and router fees are already
// inside the settled amounts. A Jito tip is a separate transfer the
// balance deltas do not show.
func (v *Venue) networkFeeUSD(ctx context.Context, feeLamports uint64) decimal.Decimal {
	if v.config.Route == RouteJito && v.jito != nil {
		feeLamports += v.jito.Config().TipLamports()
	}
	solUSD, err := v.solUSD(ctx)
	if err != nil {
		return decimal.Zero
	}
	return solana.LamportsToSOL(feeLamports).Mul(solUSD).Round(6)
}

func toUnits(amount decimal.Decimal, decimals int32) uint64 {
	if !amount.IsPositive() {
		return 0
	}
	return uint64(amount.Shift(decimals).Floor().IntPart())
}

// VenueStats reports submission counters.
type VenueStats struct {
	Name      string   `json:"name"`
	Route     string   `json:"route"`
	Live      bool     `json:"live"`
	Submitted int64    `json:"submitted"`
	Landed    int64    `json:"landed"`
	Failed    int64    `json:"failed"`
	API       APIStats `json:"api"`
}

func (v *Venue) Stats() VenueStats {
	return VenueStats{
		Name:      v.Name(),
		Route:     string(v.config.Route),
		Live:      v.Live(),
		Submitted: v.submitted.Load(),
		Landed:    v.landed.Load(),
		Failed:    v.failed.Load(),
		API:       v.api.APIStats(),
	}
}
