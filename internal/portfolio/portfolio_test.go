package portfolio

import (
	"errors"
	"testing"
	"time"

	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StartingEquityUSD = 1000
	return cfg
}

func TestNewState(t *testing.T) {
	cfg := testConfig()
	st := NewState(cfg, t0)
	assert.True(t, st.Equity().Equal(d(1000)))
	assert.True(t, st.Floor.Equal(d(500)))
	assert.True(t, st.ActiveStack().Equal(d(500)))
	assert.True(t, st.TotalExposure().IsZero())
}

func TestApplyBuyIsCopyOnWrite(t *testing.T) {
	cfg := testConfig()
	st := NewState(cfg, t0)

	next, err := st.ApplyBuy(cfg, position.LaneSafe, d(100), d(1), true, t0)
	require.NoError(t, err)

	assert.True(t, st.Cash.Equal(d(1000)), "receiver untouched")
	assert.True(t, st.LaneExposure(position.LaneSafe).IsZero())
	assert.Equal(t, 0, st.OpenPositions)

	assert.True(t, next.Cash.Equal(d(899)))
	assert.True(t, next.LaneExposure(position.LaneSafe).Equal(d(100)))
	assert.True(t, next.Equity().Equal(d(999)))
	assert.True(t, next.FeesUSD.Equal(d(1)))
	assert.Equal(t, 1, next.OpenPositions)
	assert.Equal(t, st.Version+1, next.Version)
}

func TestApplyBuyExceedingCash(t *testing.T) {
	cfg := testConfig()
	st := NewState(cfg, t0)
	_, err := st.ApplyBuy(cfg, position.LaneSafe, d(1000), d(1), true, t0)
	assert.Error(t, err)
}

func TestApplySellRealizesAndCloses(t *testing.T) {
	cfg := testConfig()
	st := NewState(cfg, t0)
	st, err := st.ApplyBuy(cfg, position.LaneGiant, d(100), decimal.Zero, true, t0)
	require.NoError(t, err)

	// Sell the whole position for 250.
	st = st.ApplySell(cfg, position.LaneGiant, d(100), d(250), d(2), true, t0)
	assert.True(t, st.LaneExposure(position.LaneGiant).IsZero())
	assert.True(t, st.Cash.Equal(d(1148)))
	assert.True(t, st.RealizedUSD.Equal(d(148)))
	assert.Equal(t, 0, st.OpenPositions)
}

func TestFloorRatchetsUpOnly(t *testing.T) {
	cfg := testConfig()
	st := NewState(cfg, t0)
	st, _ = st.ApplyBuy(cfg, position.LaneSafe, d(200), decimal.Zero, true, t0)
	st = st.ApplySell(cfg, position.LaneSafe, d(200), d(600), decimal.Zero, true, t0)

	assert.True(t, st.PeakEquity.Equal(d(1400)))
	assert.True(t, st.Floor.Equal(d(700)))

	st, _ = st.ApplyBuy(cfg, position.LaneSafe, d(300), decimal.Zero, true, t0)
	st = st.ApplySell(cfg, position.LaneSafe, d(300), decimal.Zero, decimal.Zero, true, t0)

	assert.True(t, st.Equity().Equal(d(1100)))
	assert.True(t, st.Floor.Equal(d(700)), "floor never moves down")
	assert.True(t, st.ActiveStack().Equal(d(400)))
}

func TestActiveStackNeverNegative(t *testing.T) {
	cfg := testConfig()
	st := NewState(cfg, t0)
	st, _ = st.ApplyBuy(cfg, position.LaneSafe, d(300), decimal.Zero, true, t0)
	st = st.ApplySell(cfg, position.LaneSafe, d(300), decimal.Zero, decimal.Zero, true, t0)
	st, _ = st.ApplyBuy(cfg, position.LaneSafe, d(300), decimal.Zero, true, t0)
	st = st.ApplySell(cfg, position.LaneSafe, d(300), decimal.Zero, decimal.Zero, true, t0)
	assert.True(t, st.ActiveStack().IsZero())
}

func TestHeadroom(t *testing.T) {
	cfg := testConfig()
	st := NewState(cfg, t0)

	// Lane cap binds first: 40% of 1000.
	assert.True(t, st.Headroom(cfg, position.LaneSafe).Equal(d(400)))

	st, _ = st.ApplyBuy(cfg, position.LaneSafe, d(350), decimal.Zero, true, t0)
	assert.True(t, st.Headroom(cfg, position.LaneSafe).Equal(d(50)))

	// Global 750 - 350 = 400, giant lane 300.
	assert.True(t, st.Headroom(cfg, position.LaneGiant).Equal(d(300)))

	st, _ = st.ApplyBuy(cfg, position.LaneGiant, d(300), decimal.Zero, true, t0)
	// Global 750 - 650 = 100, cash 350 - 250 reserve = 100, insider cap 250.
	assert.True(t, st.Headroom(cfg, position.LaneInsider).Equal(d(100)))
}

func TestHeadroomUnknownLaneIsZero(t *testing.T) {
	cfg := testConfig()
	st := NewState(cfg, t0)
	assert.True(t, st.Headroom(cfg, position.LaneNone).IsZero())
}

func TestBookCommitIsolation(t *testing.T) {
	cfg := testConfig()
	b := NewBook(cfg, NewState(cfg, t0))

	cur := b.Current()
	cur.Exposure[position.LaneSafe] = d(999)
	assert.True(t, b.Current().LaneExposure(position.LaneSafe).IsZero())

	next, err := b.Current().ApplyBuy(cfg, position.LaneSafe, d(50), decimal.Zero, true, t0)
	require.NoError(t, err)
	b.Commit(next)
	assert.True(t, b.Current().LaneExposure(position.LaneSafe).Equal(d(50)))
}

func TestBuildSnapshot(t *testing.T) {
	cfg := testConfig()
	st := NewState(cfg, t0)
	st, _ = st.ApplyBuy(cfg, position.LaneSafe, d(100), decimal.Zero, true, t0)

	p := position.New(solana.USDCMint, "pool", position.LaneSafe, nil, t0)
	p.State = position.StateOpen
	p.CostBasis = d(1)
	p.Remaining = d(100)
	p.LastPrice = d(1.5)

	closed := position.New(solana.SOLMint, "pool2", position.LaneGiant, nil, t0)
	closed.State = position.StateClosed

	snap := BuildSnapshot(cfg, st, []*position.Position{p, closed}, t0)
	assert.True(t, snap.Equity.Equal(d(1000)))
	assert.True(t, snap.UnrealizedUSD.Equal(d(50)))
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, p.ID, snap.Positions[0].ID)
	assert.InDelta(t, 50.0, snap.Positions[0].PnLPct, 1e-9)
	assert.True(t, snap.Lanes[position.LaneSafe].Headroom.Equal(d(300)))
	assert.Len(t, snap.Lanes, len(position.Lanes))
}

// ---------------------------------------------------------------------------
// Guard
// ---------------------------------------------------------------------------

func TestGuardAllowsByDefault(t *testing.T) {
	g := NewGuard()
	assert.NoError(t, g.Allow(solana.USDCMint))
	assert.True(t, g.IsActive())
}

func TestGuardFreezeResume(t *testing.T) {
	g := NewGuard()
	g.Freeze("operator")
	err := g.Allow(solana.USDCMint)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrAdmissionRejected))
	assert.Contains(t, err.Error(), "SYSTEM_FROZEN:operator")

	g.Resume()
	assert.NoError(t, g.Allow(solana.USDCMint))
}

func TestGuardKillCannotResume(t *testing.T) {
	g := NewGuard()
	g.Kill()
	g.Resume()
	err := g.Allow(solana.USDCMint)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KILL_SWITCH_ACTIVE")
	assert.False(t, g.IsActive())
}

func TestGuardTokenHalt(t *testing.T) {
	g := NewGuard()
	g.HaltToken(solana.USDCMint, "SENTINEL_TIER_REGRESSION", t0)
	g.HaltToken(solana.USDCMint, "other", t0.Add(time.Minute))

	err := g.Allow(solana.USDCMint)
	require.Error(t, err)
	assert.True(t, errs.Silent(err))
	assert.Contains(t, err.Error(), "SENTINEL_TIER_REGRESSION")
	assert.NoError(t, g.Allow(solana.SOLMint))

	halted := g.Halted()
	require.Contains(t, halted, solana.USDCMint)
	assert.Equal(t, t0, halted[solana.USDCMint].At, "first halt wins")

	assert.True(t, g.ClearToken(solana.USDCMint))
	assert.False(t, g.ClearToken(solana.USDCMint))
	assert.NoError(t, g.Allow(solana.USDCMint))
}

func TestGuardStats(t *testing.T) {
	g := NewGuard()
	_ = g.Allow(solana.USDCMint)
	g.Freeze("x")
	_ = g.Allow(solana.USDCMint)
	g.HaltToken(solana.SOLMint, "r", t0)

	s := g.Stats()
	assert.Equal(t, int64(1), s.Allowed)
	assert.Equal(t, int64(1), s.Denied)
	assert.Equal(t, int64(1), s.Freezes)
	assert.Equal(t, 1, s.HaltedTokens)
	assert.True(t, s.Frozen)
}
