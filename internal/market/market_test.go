package market

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMint = solana.USDCMint

func boolPtr(b bool) *bool { return &b }

func poolEvent(seq uint64, ts time.Time, liq, price float64) Event {
	return Event{
		Kind:      KindPool,
		Mint:      testMint,
		Seq:       seq,
		Timestamp: ts,
		Pool: &PoolUpdate{
			Pool:          "pool-1",
			DEX:           "raydium",
			LiquidityUSD:  liq,
			PriceUSD:      price,
			MintRenounced: boolPtr(true),
			SellsOK:       boolPtr(false),
			CreatedAt:     ts.Add(-10 * time.Minute),
		},
	}
}

func tradeEvent(seq uint64, ts time.Time, wallet string, side Side, usd float64) Event {
	return Event{
		Kind:      KindTrade,
		Mint:      testMint,
		Seq:       seq,
		Timestamp: ts,
		Trade:     &TradeUpdate{Wallet: wallet, Side: side, AmountUSD: usd, PriceUSD: 0.01},
	}
}

func TestEvent_Validate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"pool ok", poolEvent(1, now, 1000, 1), false},
		{"bad mint", Event{Kind: KindPool, Mint: "nope", Pool: &PoolUpdate{}}, true},
		{"pool missing payload", Event{Kind: KindPool, Mint: testMint}, true},
		{"trade bad side", Event{Kind: KindTrade, Mint: testMint, Trade: &TradeUpdate{Side: "hold"}}, true},
		{"trade NaN", Event{Kind: KindTrade, Mint: testMint, Trade: &TradeUpdate{Side: SideBuy, AmountUSD: math.NaN()}}, true},
		{"transfer no endpoint", Event{Kind: KindTransfer, Mint: testMint, Transfer: &TransferEdge{From: "a"}}, true},
		{"trade without seq or signature", Event{Kind: KindTrade, Mint: testMint, Trade: &TradeUpdate{Side: SideBuy, AmountUSD: 10}}, true},
		{"trade with signature only", Event{Kind: KindTrade, Mint: testMint, Trade: &TradeUpdate{Side: SideBuy, AmountUSD: 10, Signature: "sig1"}}, false},
		{"transfer without seq or signature", Event{Kind: KindTransfer, Mint: testMint, Transfer: &TransferEdge{From: "a", To: "b"}}, true},
		{"pool without seq", Event{Kind: KindPool, Mint: testMint, Pool: &PoolUpdate{}}, false},
		{"global gap", Event{Kind: KindGap}, false},
		{"unknown kind", Event{Kind: "candle", Mint: testMint}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMomentum_ROC(t *testing.T) {
	m := NewMomentum(time.Second, 5)
	base := time.Now()

	_, ok := m.ROC(testMint)
	assert.False(t, ok)

	m.OnPrice(testMint, 1.0, base)
	m.OnPrice(testMint, 1.1, base.Add(time.Second))
	m.OnPrice(testMint, 1.2, base.Add(2*time.Second))

	roc, ok := m.ROC(testMint)
	require.True(t, ok)
	assert.InDelta(t, 0.2, roc, 1e-9)

	// Same sample period overwrites the latest price.
	m.OnPrice(testMint, 1.5, base.Add(2500*time.Millisecond))
	roc, _ = m.ROC(testMint)
	assert.InDelta(t, 0.5, roc, 1e-9)

	m.Reset(testMint)
	_, ok = m.ROC(testMint)
	assert.False(t, ok)
}

func TestMomentum_WindowSlides(t *testing.T) {
	m := NewMomentum(time.Second, 2)
	base := time.Now()
	m.OnPrice(testMint, 1, base)
	m.OnPrice(testMint, 2, base.Add(time.Second))
	m.OnPrice(testMint, 4, base.Add(2*time.Second))

	roc, ok := m.ROC(testMint)
	require.True(t, ok)
	assert.InDelta(t, 1.0, roc, 1e-9)
}

func TestTokenBook_DuplicateEventsIgnored(t *testing.T) {
	b := NewTokenBook(DefaultBookConfig())
	now := time.Now()

	assert.True(t, b.Apply(poolEvent(1, now, 50_000, 0.01)))
	assert.True(t, b.Apply(tradeEvent(2, now, "w1", SideBuy, 100)))
	assert.False(t, b.Apply(tradeEvent(2, now, "w1", SideBuy, 100)))
	assert.False(t, b.Apply(tradeEvent(1, now, "w1", SideBuy, 100)))

	c, ok := b.Candidate(testMint, now)
	require.True(t, ok)
	assert.Equal(t, 1, c.TradesRecent)
	assert.Equal(t, 100.0, c.RecentBuyUSD)
}

func TestTokenBook_UnsequencedTradesDedupBySignature(t *testing.T) {
	b := NewTokenBook(DefaultBookConfig())
	now := time.Now()
	require.True(t, b.Apply(poolEvent(1, now, 50_000, 0.01)))

	trade := tradeEvent(0, now, "w1", SideBuy, 100)
	trade.Trade.Signature = "5sigA"
	require.NoError(t, trade.Validate())
	assert.True(t, b.Apply(trade))
	assert.False(t, b.Apply(trade), "redelivery")

	other := tradeEvent(0, now, "w1", SideBuy, 100)
	other.Trade.Signature = "5sigB"
	assert.True(t, b.Apply(other))

	edge := Event{Kind: KindTransfer, Mint: testMint, Timestamp: now, Transfer: &TransferEdge{From: "a", To: "b", Kind: TransferFunding, Signature: "5sigA"}}
	assert.True(t, b.Apply(edge), "signatures are keyed per kind")
	assert.False(t, b.Apply(edge))

	c, ok := b.Candidate(testMint, now)
	require.True(t, ok)
	assert.Equal(t, 2, c.TradesRecent)
	assert.Equal(t, 200.0, c.RecentBuyUSD)
	assert.Len(t, c.HolderLinks, 1)
}

func TestTokenBook_SignaturesExpireWithWindow(t *testing.T) {
	cfg := DefaultBookConfig()
	b := NewTokenBook(cfg)
	start := time.Now().Add(-time.Hour)

	trade := tradeEvent(0, start, "w1", SideSell, 50)
	trade.Trade.Signature = "5old"
	require.True(t, b.Apply(trade))

	later := start.Add(cfg.Window + time.Minute)
	require.True(t, b.Apply(poolEvent(1, later, 50_000, 0.01)))
	assert.True(t, b.Apply(trade), "expired signature no longer remembered")
}

func TestTokenBook_Candidate(t *testing.T) {
	cfg := DefaultBookConfig()
	b := NewTokenBook(cfg)
	start := time.Now().Add(-20 * time.Minute)

	b.Apply(poolEvent(1, start, 40_000, 0.01))
	// Previous velocity window.
	b.Apply(tradeEvent(2, start.Add(11*time.Minute), "w1", SideBuy, 200))
	// Recent window.
	now := start.Add(20 * time.Minute)
	b.Apply(tradeEvent(3, now.Add(-time.Minute), "w1", SideBuy, 300))
	b.Apply(tradeEvent(4, now.Add(-time.Minute), "w2", SideSell, 100))
	b.Apply(poolEvent(5, now, 50_000, 0.012))
	b.Apply(Event{Kind: KindHolders, Mint: testMint, Seq: 6, Timestamp: now, Holders: &HolderUpdate{
		Holders: 120, Top10Pct: 22, Balances: []HolderBalance{{Wallet: "w1", Pct: 5}},
	}})

	c, ok := b.Candidate(testMint, now)
	require.True(t, ok)
	assert.True(t, c.HasPool)
	assert.True(t, c.HasHolders)
	assert.False(t, c.Stale)
	assert.Equal(t, 50_000.0, c.LiquidityUSD)
	assert.InDelta(t, 25.0, c.LiquidityGrowthPct, 1e-9)
	assert.Equal(t, FlagYes, c.MintRenounced)
	assert.Equal(t, FlagNo, c.SellsOK)
	assert.Equal(t, FlagUnknown, c.FreezeRenounced)
	assert.Equal(t, 2, c.TradesRecent)
	assert.Equal(t, 1, c.TradesPrevious)
	assert.Equal(t, 600.0, c.VolumeUSD)
	assert.InDelta(t, 0.25, c.SellDominance(), 1e-9)
	assert.Equal(t, 10*time.Minute, c.Age)
	require.Len(t, c.WalletFlows, 2)
	assert.Equal(t, "w1", c.WalletFlows[0].Wallet)
	assert.Equal(t, 500.0, c.WalletFlows[0].Net())
}

func TestTokenBook_GapMarksStale(t *testing.T) {
	b := NewTokenBook(DefaultBookConfig())
	now := time.Now()
	b.Apply(poolEvent(1, now, 50_000, 0.01))

	b.Apply(Event{Kind: KindGap, Gap: &GapNotice{Reason: "reconnect"}})
	c, _ := b.Candidate(testMint, now)
	assert.True(t, c.Stale)

	// A fresh pool snapshot clears the gap.
	b.Apply(poolEvent(2, now, 50_000, 0.01))
	c, _ = b.Candidate(testMint, now)
	assert.False(t, c.Stale)
}

func TestTokenBook_StaleAfterSilence(t *testing.T) {
	cfg := DefaultBookConfig()
	cfg.StaleAfter = time.Minute
	b := NewTokenBook(cfg)
	now := time.Now()
	b.Apply(poolEvent(1, now, 50_000, 0.01))

	c, _ := b.Candidate(testMint, now.Add(2*time.Minute))
	assert.True(t, c.Stale)
}

func TestTokenBook_HolderExodus(t *testing.T) {
	b := NewTokenBook(DefaultBookConfig())
	now := time.Now()
	b.Apply(Event{Kind: KindHolders, Mint: testMint, Seq: 1, Timestamp: now, Holders: &HolderUpdate{Holders: 200}})
	b.Apply(Event{Kind: KindHolders, Mint: testMint, Seq: 2, Timestamp: now, Holders: &HolderUpdate{Holders: 150}})

	c, _ := b.Candidate(testMint, now)
	assert.InDelta(t, 25.0, c.HolderExodusPct(), 1e-9)
}

func TestTokenBook_Prune(t *testing.T) {
	b := NewTokenBook(DefaultBookConfig())
	old := time.Now().Add(-time.Hour)
	b.Apply(poolEvent(1, old, 50_000, 0.01))
	other := Event{Kind: KindPool, Mint: solana.SOLMint, Seq: 1, Timestamp: old, Pool: &PoolUpdate{LiquidityUSD: 1}}
	b.Apply(other)

	n := b.Prune(time.Now().Add(-time.Minute), func(m solana.Pubkey) bool { return m == solana.SOLMint })
	assert.Equal(t, 1, n)
	assert.Equal(t, []solana.Pubkey{solana.SOLMint}, b.Mints())
}

func TestSliceStream(t *testing.T) {
	now := time.Now()
	s := NewSliceStream([]Event{poolEvent(1, now, 1, 1), poolEvent(2, now, 1, 1)}, 0)

	ch, err := s.Events(context.Background())
	require.NoError(t, err)

	var got []uint64
	for ev := range ch {
		got = append(got, ev.Seq)
	}
	assert.Equal(t, []uint64{1, 2}, got)
}
