// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/nexus-trading/lanetrader/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) store.Store

const (
	mintA = solana.Pubkey("7GCihgDB8fe6KNjn2MYtkzZcRjQy3t9GHdC8uHYmW2hr")
	mintB = solana.Pubkey("EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm")
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against backends produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EmptyStore", func(t *testing.T) { testEmpty(t, open(t, newStore)) })
	t.Run("PortfolioRoundTrip", func(t *testing.T) { testPortfolio(t, open(t, newStore)) })
	t.Run("CommitTransition", func(t *testing.T) { testCommit(t, open(t, newStore)) })
	t.Run("ClosedPositionsNotLoaded", func(t *testing.T) { testClosed(t, open(t, newStore)) })
	t.Run("StaleVersionConflicts", func(t *testing.T) { testConflict(t, open(t, newStore)) })
	t.Run("EventsIdempotent", func(t *testing.T) { testEvents(t, open(t, newStore)) })
	t.Run("OpenPositionsOrdered", func(t *testing.T) { testOrder(t, open(t, newStore)) })
}

func open(t *testing.T, newStore Factory) store.Store {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPosition(mint solana.Pubkey, at time.Time) *position.Position {
	plan := []position.Tranche{{Kind: position.TrancheCore, SizeUSD: decimal.NewFromInt(10)}}
	return position.New(mint, "pool-"+mint.Short(), position.LaneSafe, plan, at)
}

func testEmpty(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	_, err := s.LoadPortfolioState(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	open, err := s.LoadOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	evs, err := s.Events(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func testPortfolio(t *testing.T, s store.Store) {
	ctx := context.Background()
	st := portfolio.NewState(portfolio.DefaultConfig(), t0)
	st.Exposure[position.LaneGiant] = decimal.RequireFromString("12.5")
	st.Version = 3

	require.NoError(t, s.SavePortfolioState(ctx, st))

	got, err := s.LoadPortfolioState(ctx)
	require.NoError(t, err)
	assert.True(t, st.Cash.Equal(got.Cash), "cash %s != %s", got.Cash, st.Cash)
	assert.True(t, got.LaneExposure(position.LaneGiant).Equal(decimal.RequireFromString("12.5")))
	assert.True(t, got.Floor.Equal(st.Floor))
	assert.Equal(t, int64(3), got.Version)
	assert.True(t, got.UpdatedAt.Equal(t0))

	st.Version = 4
	st.Cash = st.Cash.Sub(decimal.NewFromInt(10))
	require.NoError(t, s.SavePortfolioState(ctx, st))
	got, err = s.LoadPortfolioState(ctx)
	require.NoError(t, err)
	assert.True(t, st.Cash.Equal(got.Cash))
}

func testCommit(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newPosition(mintA, t0)
	p.Version = 1
	st := portfolio.NewState(portfolio.DefaultConfig(), t0)
	st.Version = 1
	ev := bus.NewLifecycleEvent("test", bus.EventEntering, string(mintA))
	ev.PositionID = p.ID

	require.NoError(t, s.CommitTransition(ctx, store.Transition{
		Position:  p,
		Portfolio: &st,
		Events:    []bus.LifecycleEvent{ev},
	}))

	open, err := s.LoadOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, p.ID, open[0].ID)
	assert.Equal(t, mintA, open[0].Mint)
	assert.Equal(t, position.StateEntering, open[0].State)
	assert.Equal(t, position.LaneSafe, open[0].Lane)
	require.Len(t, open[0].Tranches, 1)
	assert.True(t, open[0].OpenedAt.Equal(t0))

	got, err := s.LoadPortfolioState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	evs, err := s.Events(ctx, string(mintA), 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, ev.EventID, evs[0].EventID)
	assert.Equal(t, bus.EventEntering, evs[0].Type)
	assert.Equal(t, p.ID, evs[0].PositionID)

	// Events only.
	ev2 := bus.NewLifecycleEvent("test", bus.EventCandidateRejected, string(mintB))
	require.NoError(t, s.CommitTransition(ctx, store.Transition{Events: []bus.LifecycleEvent{ev2}}))
	all, err := s.Events(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testClosed(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newPosition(mintA, t0)
	p.Version = 1
	require.NoError(t, s.CommitTransition(ctx, store.Transition{Position: p}))

	p = p.Clone()
	require.NoError(t, p.Transition(position.StateClosed, t0.Add(time.Minute)))
	p.Version = 2
	require.NoError(t, s.CommitTransition(ctx, store.Transition{Position: p}))

	open, err := s.LoadOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func testConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newPosition(mintA, t0)
	p.Version = 5
	require.NoError(t, s.CommitTransition(ctx, store.Transition{Position: p}))

	stale := p.Clone()
	stale.Version = 4
	stale.CloseReason = "stale"
	ev := bus.NewLifecycleEvent("test", bus.EventExitStarted, string(mintA))
	err := s.CommitTransition(ctx, store.Transition{Position: stale, Events: []bus.LifecycleEvent{ev}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)
	assert.False(t, errors.Is(err, errs.ErrStorageUnavailable))

	// Nothing from the rejected transition is visible.
	evs, err := s.Events(ctx, string(mintA), 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
	open, err := s.LoadOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Empty(t, open[0].CloseReason)

	st := portfolio.NewState(portfolio.DefaultConfig(), t0)
	st.Version = 2
	require.NoError(t, s.SavePortfolioState(ctx, st))
	st.Version = 1
	assert.ErrorIs(t, s.SavePortfolioState(ctx, st), store.ErrConflict)
}

func testEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	ev := bus.NewLifecycleEvent("test", bus.EventPositionOpened, string(mintA)).WithDetail("tranche", "0")
	ev.SizeUSD = decimal.RequireFromString("25.5")

	require.NoError(t, s.AppendEvent(ctx, ev))
	require.NoError(t, s.AppendEvent(ctx, ev))
	require.NoError(t, s.AppendEvent(ctx, bus.NewLifecycleEvent("test", bus.EventTierChanged, "")))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, bus.NewLifecycleEvent("test", bus.EventTrancheFilled, string(mintB))))
	}

	got, err := s.Events(ctx, string(mintA), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0", got[0].Details["tranche"])
	assert.True(t, got[0].SizeUSD.Equal(ev.SizeUSD))

	all, err := s.Events(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, ev.EventID, all[0].EventID, "insertion order")
	assert.Equal(t, bus.EventTierChanged, all[1].Type)

	limited, err := s.Events(ctx, string(mintB), 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	late := newPosition(mintB, t0.Add(time.Hour))
	early := newPosition(mintA, t0.Add(1500*time.Millisecond))
	earliest := newPosition(mintA, t0)
	for _, p := range []*position.Position{late, early, earliest} {
		p.Version = 1
		require.NoError(t, s.CommitTransition(ctx, store.Transition{Position: p}))
	}

	open, err := s.LoadOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 3)
	assert.Equal(t, earliest.ID, open[0].ID)
	assert.Equal(t, early.ID, open[1].ID)
	assert.Equal(t, late.ID, open[2].ID)
}
