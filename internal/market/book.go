package market

import (
	"sort"
	"sync"
	"time"

	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Token Book: aggregates the event stream into per-token features
// ---------------------------------------------------------------------------

// Flag is a tri-state contract fact.
type Flag int8

const (
	FlagUnknown Flag = iota
	FlagYes
	FlagNo
)

func flagOf(b *bool) Flag {
	switch {
	case b == nil:
		return FlagUnknown
	case *b:
		return FlagYes
	default:
		return FlagNo
	}
}

// WalletFlow is one wallet's buy and sell volume in the rolling window.
type WalletFlow struct {
	Wallet  string  `json:"wallet"`
	BuyUSD  float64 `json:"buy_usd"`
	SellUSD float64 `json:"sell_usd"`
}

// Net returns buys minus sells.
func (f WalletFlow) Net() float64 { return f.BuyUSD - f.SellUSD }

// CandidateToken is the feature snapshot the scoring engine consumes.
// It is rebuilt on every evaluation and never persisted.
type CandidateToken struct {
	Mint       solana.Pubkey `json:"mint"`
	Pool       string        `json:"pool"`
	DEX        string        `json:"dex"`
	ObservedAt time.Time     `json:"observed_at"`

	LiquidityUSD       float64 `json:"liquidity_usd"`
	PeakLiquidityUSD   float64 `json:"peak_liquidity_usd"`
	LiquidityGrowthPct float64 `json:"liquidity_growth_pct"`
	PriceUSD           float64 `json:"price_usd"`
	LPLockedPct        float64 `json:"lp_locked_pct"`

	MintRenounced   Flag `json:"mint_renounced"`
	FreezeRenounced Flag `json:"freeze_renounced"`
	Token2022Ext    Flag `json:"token2022_ext"`
	RugcheckFlagged Flag `json:"rugcheck_flagged"`
	SellsOK         Flag `json:"sells_ok"`

	SlippagePct float64 `json:"slippage_pct"`
	FeeTaxPct   float64 `json:"fee_tax_pct"`

	Holders        int             `json:"holders"`
	PeakHolders    int             `json:"peak_holders"`
	Top10Pct       float64         `json:"top10_pct"`
	HolderBalances []HolderBalance `json:"-"`
	HolderLinks    []TransferEdge  `json:"-"`

	Age            time.Duration `json:"age"`
	ObservedFor    time.Duration `json:"observed_for"`
	TradesRecent   int           `json:"trades_recent"`
	TradesPrevious int           `json:"trades_previous"`
	RecentBuyUSD   float64       `json:"recent_buy_usd"`
	RecentSellUSD  float64       `json:"recent_sell_usd"`
	VolumeUSD      float64       `json:"volume_usd"`
	WalletFlows    []WalletFlow  `json:"-"`

	Creator        string  `json:"creator,omitempty"`
	CreatorRugs    int     `json:"creator_rugs"`
	CreatorDeploys int     `json:"creator_deploys"`
	SocialScore    float64 `json:"social_score"`

	HasPool    bool `json:"has_pool"`
	HasHolders bool `json:"has_holders"`
	Stale      bool `json:"stale"`
}

// SellDominance returns the sell share of recent volume (0..1).
func (c CandidateToken) SellDominance() float64 {
	total := c.RecentBuyUSD + c.RecentSellUSD
	if total <= 0 {
		return 0
	}
	return c.RecentSellUSD / total
}

// HolderExodusPct returns the drop in holder count from its peak, in percent.
func (c CandidateToken) HolderExodusPct() float64 {
	if c.PeakHolders <= 0 || c.Holders >= c.PeakHolders {
		return 0
	}
	return float64(c.PeakHolders-c.Holders) / float64(c.PeakHolders) * 100
}

// BookConfig configures the token book.
type BookConfig struct {
	Window            time.Duration `yaml:"window"`
	VelocityWindow    time.Duration `yaml:"velocity_window"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	MaxTradesPerToken int           `yaml:"max_trades_per_token"`
	MaxLinksPerToken  int           `yaml:"max_links_per_token"`
	MomentumSample    time.Duration `yaml:"momentum_sample"`
	MomentumLookback  int           `yaml:"momentum_lookback"`
}

// DefaultBookConfig returns production defaults.
func DefaultBookConfig() BookConfig {
	return BookConfig{
		Window:            30 * time.Minute,
		VelocityWindow:    5 * time.Minute,
		StaleAfter:        2 * time.Minute,
		MaxTradesPerToken: 5000,
		MaxLinksPerToken:  2000,
		MomentumSample:    5 * time.Second,
		MomentumLookback:  24,
	}
}

type trade struct {
	wallet    string
	side      Side
	amountUSD float64
	at        time.Time
}

type liqSample struct {
	usd float64
	at  time.Time
}

type seenSig struct {
	key string
	at  time.Time
}

type tokenState struct {
	pool        *PoolUpdate
	holders     *HolderUpdate
	peakHolders int
	peakLiq     float64
	liq         []liqSample
	trades      []trade
	links       []TransferEdge
	// sigs dedups unsequenced events within the window; sigOrder
	// expires them oldest first.
	sigs       map[string]struct{}
	sigOrder   []seenSig
	firstSeen  time.Time
	lastUpdate time.Time
	stale      bool
	lastSeq    uint64
}

// TokenBook maintains rolling features for every token seen on the stream.
type TokenBook struct {
	config   BookConfig
	momentum *Momentum

	mu     sync.RWMutex
	tokens map[solana.Pubkey]*tokenState
}

// NewTokenBook creates an empty book.
func NewTokenBook(config BookConfig) *TokenBook {
	return &TokenBook{
		config:   config,
		momentum: NewMomentum(config.MomentumSample, config.MomentumLookback),
		tokens:   make(map[solana.Pubkey]*tokenState),
	}
}

// Momentum returns the book's price momentum tracker.
func (b *TokenBook) Momentum() *Momentum { return b.momentum }

// Apply folds one event into the book. It returns false when the event was
// a duplicate or older than what the book already holds for that mint.
func (b *TokenBook) Apply(ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.Kind == KindGap {
		b.markStale(ev.Mint)
		return true
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	st, ok := b.tokens[ev.Mint]
	if !ok {
		st = &tokenState{firstSeen: ts}
		b.tokens[ev.Mint] = st
	}
	if ev.Seq > 0 {
		if ev.Seq <= st.lastSeq {
			return false
		}
		st.lastSeq = ev.Seq
	} else if key := ev.dedupKey(); key != "" {
		if _, seen := st.sigs[key]; seen {
			return false
		}
		if st.sigs == nil {
			st.sigs = make(map[string]struct{})
		}
		st.sigs[key] = struct{}{}
		st.sigOrder = append(st.sigOrder, seenSig{key: key, at: ts})
	}
	st.lastUpdate = ts

	switch ev.Kind {
	case KindPool:
		p := *ev.Pool
		st.pool = &p
		st.stale = false
		st.liq = append(st.liq, liqSample{usd: p.LiquidityUSD, at: ts})
		if p.LiquidityUSD > st.peakLiq {
			st.peakLiq = p.LiquidityUSD
		}
		b.momentum.OnPrice(ev.Mint, p.PriceUSD, ts)
	case KindTrade:
		t := ev.Trade
		st.trades = append(st.trades, trade{wallet: t.Wallet, side: t.Side, amountUSD: t.AmountUSD, at: ts})
		if over := len(st.trades) - b.config.MaxTradesPerToken; b.config.MaxTradesPerToken > 0 && over > 0 {
			st.trades = st.trades[over:]
		}
		if st.pool != nil && t.PriceUSD > 0 {
			st.pool.PriceUSD = t.PriceUSD
		}
		b.momentum.OnPrice(ev.Mint, t.PriceUSD, ts)
	case KindHolders:
		h := *ev.Holders
		h.Balances = append([]HolderBalance(nil), ev.Holders.Balances...)
		st.holders = &h
		if h.Holders > st.peakHolders {
			st.peakHolders = h.Holders
		}
	case KindTransfer:
		st.links = append(st.links, *ev.Transfer)
		if over := len(st.links) - b.config.MaxLinksPerToken; b.config.MaxLinksPerToken > 0 && over > 0 {
			st.links = st.links[over:]
		}
	}

	b.trim(st, ts)
	return true
}

func (b *TokenBook) markStale(mint solana.Pubkey) {
	if mint != "" {
		if st, ok := b.tokens[mint]; ok {
			st.stale = true
		}
		return
	}
	for _, st := range b.tokens {
		st.stale = true
	}
	log.Warn().Int("tokens", len(b.tokens)).Msg("book: data gap, all tokens marked stale")
}

// trim drops samples that left the rolling window.
func (b *TokenBook) trim(st *tokenState, now time.Time) {
	cutoff := now.Add(-b.config.Window)
	i := 0
	for i < len(st.trades) && st.trades[i].at.Before(cutoff) {
		i++
	}
	st.trades = st.trades[i:]

	j := 0
	// Keep at least one liquidity sample as the baseline.
	for j < len(st.liq)-1 && st.liq[j].at.Before(cutoff) {
		j++
	}
	st.liq = st.liq[j:]

	k := 0
	for k < len(st.sigOrder) && st.sigOrder[k].at.Before(cutoff) {
		delete(st.sigs, st.sigOrder[k].key)
		k++
	}
	st.sigOrder = st.sigOrder[k:]
}

// Candidate builds the feature snapshot for mint as of now.
func (b *TokenBook) Candidate(mint solana.Pubkey, now time.Time) (CandidateToken, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st, ok := b.tokens[mint]
	if !ok {
		return CandidateToken{}, false
	}

	c := CandidateToken{
		Mint:        mint,
		ObservedAt:  now,
		ObservedFor: now.Sub(st.firstSeen),
		PeakHolders: st.peakHolders,
		HolderLinks: append([]TransferEdge(nil), st.links...),
		Stale:       st.stale || (b.config.StaleAfter > 0 && now.Sub(st.lastUpdate) > b.config.StaleAfter),
	}

	if p := st.pool; p != nil {
		c.HasPool = true
		c.Pool = p.Pool
		c.DEX = p.DEX
		c.LiquidityUSD = p.LiquidityUSD
		c.PeakLiquidityUSD = st.peakLiq
		c.PriceUSD = p.PriceUSD
		c.LPLockedPct = p.LPLockedPct
		c.MintRenounced = flagOf(p.MintRenounced)
		c.FreezeRenounced = flagOf(p.FreezeRenounced)
		c.Token2022Ext = flagOf(p.Token2022Ext)
		c.RugcheckFlagged = flagOf(p.RugcheckFlagged)
		c.SellsOK = flagOf(p.SellsOK)
		c.SlippagePct = p.SlippagePct
		c.FeeTaxPct = p.FeeTaxPct
		c.Creator = p.Creator
		c.CreatorRugs = p.CreatorRugs
		c.CreatorDeploys = p.CreatorDeploys
		c.SocialScore = p.SocialScore
		if !p.CreatedAt.IsZero() {
			c.Age = now.Sub(p.CreatedAt)
		} else {
			c.Age = c.ObservedFor
		}
		if len(st.liq) > 0 && st.liq[0].usd > 0 {
			c.LiquidityGrowthPct = (p.LiquidityUSD - st.liq[0].usd) / st.liq[0].usd * 100
		}
	}

	if h := st.holders; h != nil {
		c.HasHolders = true
		c.Holders = h.Holders
		c.Top10Pct = h.Top10Pct
		c.HolderBalances = append([]HolderBalance(nil), h.Balances...)
	}

	recentCut := now.Add(-b.config.VelocityWindow)
	prevCut := recentCut.Add(-b.config.VelocityWindow)
	flows := make(map[string]*WalletFlow)
	for _, t := range st.trades {
		switch {
		case !t.at.Before(recentCut):
			c.TradesRecent++
			if t.side == SideBuy {
				c.RecentBuyUSD += t.amountUSD
			} else {
				c.RecentSellUSD += t.amountUSD
			}
		case !t.at.Before(prevCut):
			c.TradesPrevious++
		}
		c.VolumeUSD += t.amountUSD

		if t.wallet == "" {
			continue
		}
		f, ok := flows[t.wallet]
		if !ok {
			f = &WalletFlow{Wallet: t.wallet}
			flows[t.wallet] = f
		}
		if t.side == SideBuy {
			f.BuyUSD += t.amountUSD
		} else {
			f.SellUSD += t.amountUSD
		}
	}
	c.WalletFlows = make([]WalletFlow, 0, len(flows))
	for _, f := range flows {
		c.WalletFlows = append(c.WalletFlows, *f)
	}
	sort.Slice(c.WalletFlows, func(i, j int) bool {
		return c.WalletFlows[i].Net() > c.WalletFlows[j].Net()
	})

	return c, true
}

// Mints returns every mint currently tracked.
func (b *TokenBook) Mints() []solana.Pubkey {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]solana.Pubkey, 0, len(b.tokens))
	for m := range b.tokens {
		out = append(out, m)
	}
	return out
}

// Prune forgets tokens not updated since before cutoff unless keep reports
// them as still needed (e.g. an open position).
func (b *TokenBook) Prune(cutoff time.Time, keep func(solana.Pubkey) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for mint, st := range b.tokens {
		if st.lastUpdate.Before(cutoff) && (keep == nil || !keep(mint)) {
			delete(b.tokens, mint)
			b.momentum.Reset(mint)
			n++
		}
	}
	return n
}

// Len returns the number of tracked tokens.
func (b *TokenBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tokens)
}
