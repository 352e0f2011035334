package profit

import (
	"testing"
	"time"

	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/scoring"
	"github.com/nexus-trading/lanetrader/internal/sentinel"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newOpenPosition(t *testing.T, lane position.Lane) *position.Position {
	t.Helper()
	p := position.New(solana.USDCMint, "pool-1", lane, []position.Tranche{
		{Kind: position.TrancheDust, SizeUSD: d("10")},
	}, t0)
	require.NoError(t, p.ApplyBuy(0, position.Fill{Quantity: d("1000"), Price: d("0.10"), At: t0}))
	require.NoError(t, p.Transition(position.StateOpen, t0))
	return p
}

func tick(price string) Tick {
	return Tick{At: t0.Add(time.Minute), Price: d(price)}
}

// fillTrim applies a trim the way the coordinator does.
func fillTrim(t *testing.T, p *position.Position, ins *position.ExitInstruction, price string) {
	t.Helper()
	require.NoError(t, p.BeginExit(position.ExitPartial, t0))
	qty := ins.Quantity(p.Remaining)
	f := position.Fill{Quantity: qty, Price: d(price), At: t0}
	_, err := p.ApplySell(f)
	require.NoError(t, err)
	p.RecordTrim(ins.Level, ins.Reason, f)
	require.NoError(t, p.Transition(position.StateOpen, t0))
}

func trailOf(e *Engine, p *position.Position, prof LaneProfile, tk Tick, highMult float64) float64 {
	trail, _ := e.trailDistance(p, prof, tk, highMult)
	return trail
}

func TestEngine_TrimFiresOnce(t *testing.T) {
	e := NewEngine(DefaultConfig())
	p := newOpenPosition(t, position.LaneSafe)

	dec := e.Evaluate(p, tick("0.15"))
	require.NotNil(t, dec.Exit)
	assert.Equal(t, "TRIM_L1", dec.Exit.Reason)
	assert.Equal(t, 0, dec.Exit.Level)
	assert.True(t, d("0.25").Equal(dec.Exit.Fraction))
	assert.False(t, dec.Exit.IsPanic())
	fillTrim(t, p, dec.Exit, "0.15")

	for _, price := range []string{"0.16", "0.13", "0.15", "0.155"} {
		dec = e.Evaluate(p, tick(price))
		assert.Nil(t, dec.Exit, "price %s", price)
	}
	assert.Len(t, p.Trims, 1)
}

func TestEngine_LadderSequence(t *testing.T) {
	e := NewEngine(DefaultConfig())
	p := newOpenPosition(t, position.LaneSafe)

	var reasons []string
	for i := 0; i < 4; i++ {
		dec := e.Evaluate(p, tick("0.31"))
		if dec.Exit == nil {
			break
		}
		reasons = append(reasons, dec.Exit.Reason)
		fillTrim(t, p, dec.Exit, "0.31")
	}
	assert.Equal(t, []string{"TRIM_L1", "TRIM_L2", "TRIM_L3"}, reasons)
}

func TestEngine_MomentumHoldDefersOnce(t *testing.T) {
	e := NewEngine(DefaultConfig())
	p := newOpenPosition(t, position.LaneSafe)

	tk := tick("0.15")
	tk.ROC, tk.ROCKnown = 0.10, true

	dec := e.Evaluate(p, tk)
	assert.Nil(t, dec.Exit)
	assert.True(t, dec.Deferred)
	assert.True(t, p.MomentumHold)

	dec = e.Evaluate(p, tk)
	require.NotNil(t, dec.Exit)
	assert.Equal(t, "TRIM_L1", dec.Exit.Reason)
	assert.False(t, p.MomentumHold)
}

func TestEngine_MomentumNeverSuppressesSentinel(t *testing.T) {
	e := NewEngine(DefaultConfig())
	p := newOpenPosition(t, position.LaneSafe)

	tk := tick("0.15")
	tk.ROC, tk.ROCKnown = 0.50, true
	tk.Sentinel = sentinel.Verdict{Tier: sentinel.TierA, Panic: true, Reason: "cluster_dump_0.70"}

	dec := e.Evaluate(p, tk)
	require.NotNil(t, dec.Exit)
	assert.True(t, dec.Exit.IsPanic())
	assert.True(t, dec.Exit.IsFull())
	assert.Equal(t, "cluster_dump_0.70", dec.Exit.Reason)
}

func TestEngine_StopLoss(t *testing.T) {
	e := NewEngine(DefaultConfig())
	p := newOpenPosition(t, position.LaneSafe)

	dec := e.Evaluate(p, tick("0.06"))
	require.NotNil(t, dec.Exit)
	assert.Equal(t, "STOP_LOSS", dec.Exit.Reason)
	assert.True(t, dec.Exit.IsFull())
}

func TestEngine_TierBTightensTrail(t *testing.T) {
	e := NewEngine(DefaultConfig())

	p := newOpenPosition(t, position.LaneSafe)
	require.Nil(t, e.Evaluate(p, tick("0.14")).Exit)
	dec := e.Evaluate(p, tick("0.12"))
	assert.Nil(t, dec.Exit)
	assert.InDelta(t, 0.22, dec.Trail, 1e-9)

	p = newOpenPosition(t, position.LaneSafe)
	require.Nil(t, e.Evaluate(p, tick("0.14")).Exit)
	tk := tick("0.12")
	tk.Sentinel = sentinel.Verdict{Tier: sentinel.TierB, TightenTrail: true}
	tk.ROC, tk.ROCKnown = 0.50, true
	dec = e.Evaluate(p, tk)
	require.NotNil(t, dec.Exit)
	assert.Equal(t, "TRAILING_STOP", dec.Exit.Reason)
	assert.InDelta(t, 0.12, dec.Trail, 1e-9)
}

func TestEngine_TrailRegimes(t *testing.T) {
	e := NewEngine(DefaultConfig())
	prof := e.Config().Safe
	p := newOpenPosition(t, position.LaneSafe)

	assert.InDelta(t, 0.22, trailOf(e, p, prof, Tick{}, 1.5), 1e-9)
	assert.InDelta(t, 0.28, trailOf(e, p, prof, Tick{}, 3.5), 1e-9)
	assert.InDelta(t, 0.18, trailOf(e, p, prof, Tick{ROC: -0.10, ROCKnown: true}, 3.5), 1e-9)
}

func TestEngine_GiantFloors(t *testing.T) {
	e := NewEngine(DefaultConfig())
	p := newOpenPosition(t, position.LaneGiant)

	dec := e.Evaluate(p, tick("0.21"))
	require.NotNil(t, dec.Exit)
	assert.Equal(t, "TRIM_L1", dec.Exit.Reason)
	assert.Equal(t, 1, p.FloorLevel)
	assert.InDelta(t, 0.35, trailOf(e, p, e.Config().Giant, Tick{}, 2.1), 1e-9)

	dec = e.Evaluate(p, tick("0.099"))
	require.NotNil(t, dec.Exit)
	assert.Equal(t, "FLOOR_L1", dec.Exit.Reason)
	assert.True(t, dec.Exit.IsFull())
}

func TestEngine_MomentumHoldDefersTrailTighteningOnce(t *testing.T) {
	e := NewEngine(DefaultConfig())
	p := newOpenPosition(t, position.LaneGiant)
	for i := range e.Config().Giant.Ladder {
		p.MarkLadder(i)
	}

	dec := e.Evaluate(p, tick("0.35"))
	require.Nil(t, dec.Exit)
	assert.Equal(t, 1, p.FloorLevel)
	assert.InDelta(t, 0.35, dec.Trail, 1e-9)

	tk := tick("0.41")
	tk.ROC, tk.ROCKnown = 0.10, true
	dec = e.Evaluate(p, tk)
	require.Nil(t, dec.Exit)
	assert.Equal(t, 2, p.FloorLevel)
	assert.True(t, dec.Deferred)
	assert.True(t, p.MomentumHold)
	assert.InDelta(t, 0.35, dec.Trail, 1e-9)

	dec = e.Evaluate(p, tk)
	require.Nil(t, dec.Exit)
	assert.False(t, dec.Deferred)
	assert.False(t, p.MomentumHold)
	assert.InDelta(t, 0.30, dec.Trail, 1e-9)

	dec = e.Evaluate(p, tk)
	assert.False(t, dec.Deferred)
	assert.InDelta(t, 0.30, p.TrailApplied, 1e-9)
}

func TestEngine_MomentumHoldKeepsSentinelTightening(t *testing.T) {
	e := NewEngine(DefaultConfig())
	p := newOpenPosition(t, position.LaneGiant)
	for i := range e.Config().Giant.Ladder {
		p.MarkLadder(i)
	}
	require.Nil(t, e.Evaluate(p, tick("0.35")).Exit)

	tk := tick("0.41")
	tk.ROC, tk.ROCKnown = 0.10, true
	tk.Sentinel = sentinel.Verdict{Tier: sentinel.TierB, TightenTrail: true}
	dec := e.Evaluate(p, tk)
	assert.True(t, dec.Deferred)
	assert.InDelta(t, 0.15, dec.Trail, 1e-9)
}

func TestEngine_GiantFloorLevels(t *testing.T) {
	e := NewEngine(DefaultConfig())
	p := newOpenPosition(t, position.LaneGiant)
	for i := range e.Config().Giant.Ladder {
		p.MarkLadder(i)
	}

	require.Nil(t, e.Evaluate(p, tick("0.71")).Exit)
	assert.Equal(t, 3, p.FloorLevel)

	dec := e.Evaluate(p, tick("0.39"))
	require.NotNil(t, dec.Exit)
	assert.Equal(t, "FLOOR_L3", dec.Exit.Reason)
}

func TestEngine_InsiderTrims(t *testing.T) {
	e := NewEngine(DefaultConfig())
	p := newOpenPosition(t, position.LaneInsider)

	dec := e.Evaluate(p, tick("0.13"))
	require.NotNil(t, dec.Exit)
	assert.Equal(t, "TRIM_L1", dec.Exit.Reason)
	fillTrim(t, p, dec.Exit, "0.13")

	dec = e.Evaluate(p, tick("0.17"))
	require.NotNil(t, dec.Exit)
	assert.Equal(t, "TRIM_L2", dec.Exit.Reason)
}

func TestEngine_InsiderHoldWindow(t *testing.T) {
	e := NewEngine(DefaultConfig())
	p := newOpenPosition(t, position.LaneInsider)
	strong := scoring.Score{Value: 80, Sufficient: true}

	at := func(h int, insider scoring.Score) Tick {
		return Tick{At: t0.Add(time.Duration(h) * time.Hour), Price: d("0.10"), Insider: insider}
	}

	require.Nil(t, e.Evaluate(p, at(1, strong)).Exit)
	assert.Equal(t, t0.Add(12*time.Hour), p.HoldUntil)

	require.Nil(t, e.Evaluate(p, at(11, strong)).Exit)
	assert.Equal(t, t0.Add(13*time.Hour), p.HoldUntil)

	require.Nil(t, e.Evaluate(p, at(17, strong)).Exit)
	assert.Equal(t, t0.Add(18*time.Hour), p.HoldUntil, "capped at max")

	p = newOpenPosition(t, position.LaneInsider)
	require.Nil(t, e.Evaluate(p, at(1, scoring.Insufficient())).Exit)
	assert.Equal(t, t0.Add(6*time.Hour), p.HoldUntil, "clamped at min")

	p = newOpenPosition(t, position.LaneInsider)
	require.Nil(t, e.Evaluate(p, at(7, scoring.Score{Value: 10, Sufficient: true})).Exit)
	assert.Equal(t, t0.Add(8*time.Hour), p.HoldUntil)
	dec := e.Evaluate(p, at(8, scoring.Insufficient()))
	require.NotNil(t, dec.Exit)
	assert.Equal(t, "HOLD_EXPIRED", dec.Exit.Reason)
}

func TestEngine_InsiderClusterDump(t *testing.T) {
	e := NewEngine(DefaultConfig())
	p := newOpenPosition(t, position.LaneInsider)

	tk := tick("0.10")
	tk.Insider = scoring.Score{Value: 80, Sufficient: true}
	tk.Cluster = scoring.Score{Value: 0.50, Sufficient: true}
	dec := e.Evaluate(p, tk)
	require.NotNil(t, dec.Exit)
	assert.Equal(t, "CLUSTER_DUMP", dec.Exit.Reason)

	// Other lanes leave cluster dumps to the sentinel.
	s := newOpenPosition(t, position.LaneSafe)
	assert.Nil(t, e.Evaluate(s, tk).Exit)
}

func TestEngine_PanicPreemptsPartialExit(t *testing.T) {
	e := NewEngine(DefaultConfig())
	p := newOpenPosition(t, position.LaneSafe)
	require.NoError(t, p.BeginExit(position.ExitPartial, t0))

	assert.Nil(t, e.Evaluate(p, tick("0.30")).Exit, "no new trims while exiting")

	tk := tick("0.10")
	tk.Sentinel = sentinel.Verdict{Tier: sentinel.TierA, Panic: true}
	dec := e.Evaluate(p, tk)
	require.NotNil(t, dec.Exit)
	assert.True(t, dec.Exit.IsPanic())
	assert.Equal(t, "SENTINEL_PANIC", dec.Exit.Reason)

	require.NoError(t, p.BeginExit(position.ExitPanic, t0))
	assert.Nil(t, e.Evaluate(p, tk).Exit)
}
