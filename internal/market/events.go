package market

import (
	"fmt"
	"math"
	"time"

	"github.com/nexus-trading/lanetrader/internal/solana"
)

// EventKind discriminates market-data events.
type EventKind string

const (
	KindPool     EventKind = "pool"
	KindTrade    EventKind = "trade"
	KindHolders  EventKind = "holders"
	KindTransfer EventKind = "transfer"
	// KindGap is emitted by a stream after a reconnect or fetch failure.
	// An empty Mint marks every token stale.
	KindGap EventKind = "gap"
)

// Side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Event is one update from the market-data feed. Seq is assigned by the feed
// per mint and is used to drop duplicate deliveries. Trades and transfers
// add to rolling windows, so they must carry a Seq or an on-chain
// signature to be deduplicated by.
type Event struct {
	Kind      EventKind     `json:"kind"`
	Mint      solana.Pubkey `json:"mint"`
	Seq       uint64        `json:"seq"`
	Timestamp time.Time     `json:"ts"`
	Pool      *PoolUpdate   `json:"pool,omitempty"`
	Trade     *TradeUpdate  `json:"trade,omitempty"`
	Holders   *HolderUpdate `json:"holders,omitempty"`
	Transfer  *TransferEdge `json:"transfer,omitempty"`
	Gap       *GapNotice    `json:"gap,omitempty"`
}

// PoolUpdate carries pool state and contract facts. Nil pointer flags mean
// the feed did not report the fact.
type PoolUpdate struct {
	Pool            string    `json:"pool"`
	DEX             string    `json:"dex"`
	LiquidityUSD    float64   `json:"liquidity_usd"`
	PriceUSD        float64   `json:"price_usd"`
	LPLockedPct     float64   `json:"lp_locked_pct"`
	MintRenounced   *bool     `json:"mint_renounced,omitempty"`
	FreezeRenounced *bool     `json:"freeze_renounced,omitempty"`
	Token2022Ext    *bool     `json:"token2022_ext,omitempty"`
	RugcheckFlagged *bool     `json:"rugcheck_flagged,omitempty"`
	SellsOK         *bool     `json:"sells_ok,omitempty"`
	SlippagePct     float64   `json:"slippage_pct"`
	FeeTaxPct       float64   `json:"fee_tax_pct"`
	CreatedAt       time.Time `json:"created_at"`
	Creator         string    `json:"creator,omitempty"`
	CreatorRugs     int       `json:"creator_rugs"`
	CreatorDeploys  int       `json:"creator_deploys"`
	SocialScore     float64   `json:"social_score"`
}

// TradeUpdate is a single swap against the pool.
type TradeUpdate struct {
	Wallet    string  `json:"wallet"`
	Side      Side    `json:"side"`
	AmountUSD float64 `json:"amount_usd"`
	PriceUSD  float64 `json:"price_usd"`
	Signature string  `json:"signature,omitempty"`
}

// HolderBalance is one wallet's share of supply in percent.
type HolderBalance struct {
	Wallet string  `json:"wallet"`
	Pct    float64 `json:"pct"`
}

// HolderUpdate is a snapshot of the holder distribution.
type HolderUpdate struct {
	Holders  int             `json:"holders"`
	Top10Pct float64         `json:"top10_pct"`
	Balances []HolderBalance `json:"balances"`
}

// TransferKind distinguishes SOL funding from token movements.
type TransferKind string

const (
	TransferFunding TransferKind = "funding"
	TransferToken   TransferKind = "token"
)

// TransferEdge links two wallets that moved funds or tokens between them.
type TransferEdge struct {
	From      string       `json:"from"`
	To        string       `json:"to"`
	Kind      TransferKind `json:"kind"`
	AmountUSD float64      `json:"amount_usd"`
	Signature string       `json:"signature,omitempty"`
}

// GapNotice explains why data may be missing.
type GapNotice struct {
	Reason string `json:"reason"`
}

// Validate checks the structural integrity of an event. Feature values are
// not range-checked here; the scoring engine degrades them individually.
func (e Event) Validate() error {
	if e.Kind == KindGap {
		if e.Mint != "" && !e.Mint.Valid() {
			return fmt.Errorf("market: gap for invalid mint %q", e.Mint)
		}
		return nil
	}
	if _, err := solana.ParsePubkey(string(e.Mint)); err != nil {
		return fmt.Errorf("market: %w", err)
	}
	switch e.Kind {
	case KindPool:
		if e.Pool == nil {
			return fmt.Errorf("market: pool event without payload")
		}
	case KindTrade:
		if e.Trade == nil {
			return fmt.Errorf("market: trade event without payload")
		}
		if e.Trade.Side != SideBuy && e.Trade.Side != SideSell {
			return fmt.Errorf("market: trade side %q", e.Trade.Side)
		}
		if !finiteNonNeg(e.Trade.AmountUSD) || !finiteNonNeg(e.Trade.PriceUSD) {
			return fmt.Errorf("market: trade with invalid amount or price")
		}
		if e.Seq == 0 && e.Trade.Signature == "" {
			return fmt.Errorf("market: trade without seq or signature")
		}
	case KindHolders:
		if e.Holders == nil {
			return fmt.Errorf("market: holders event without payload")
		}
	case KindTransfer:
		if e.Transfer == nil || e.Transfer.From == "" || e.Transfer.To == "" {
			return fmt.Errorf("market: transfer event without endpoints")
		}
		if e.Seq == 0 && e.Transfer.Signature == "" {
			return fmt.Errorf("market: transfer without seq or signature")
		}
	default:
		return fmt.Errorf("market: unknown event kind %q", e.Kind)
	}
	return nil
}

// dedupKey identifies an unsequenced additive event by its on-chain
// signature, or "" when the event has none.
func (e Event) dedupKey() string {
	switch {
	case e.Kind == KindTrade && e.Trade != nil && e.Trade.Signature != "":
		return "trade:" + e.Trade.Signature
	case e.Kind == KindTransfer && e.Transfer != nil && e.Transfer.Signature != "":
		return "transfer:" + e.Transfer.Signature
	}
	return ""
}

func finiteNonNeg(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
