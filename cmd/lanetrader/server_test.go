package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nexus-trading/lanetrader/internal/audit"
	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/config"
	"github.com/nexus-trading/lanetrader/internal/execution"
	"github.com/nexus-trading/lanetrader/internal/lane"
	"github.com/nexus-trading/lanetrader/internal/lifecycle"
	"github.com/nexus-trading/lanetrader/internal/market"
	"github.com/nexus-trading/lanetrader/internal/observability"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/profit"
	"github.com/nexus-trading/lanetrader/internal/scoring"
	"github.com/nexus-trading/lanetrader/internal/sentinel"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/nexus-trading/lanetrader/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *server {
	t.Helper()
	cfg := config.Default()
	st := store.NewMemory()
	book := market.NewTokenBook(cfg.Market.Book)
	noPrice := func(solana.Pubkey) (decimal.Decimal, bool) { return decimal.Zero, false }
	gw := execution.NewGateway(cfg.Execution, nil, execution.NewPaperVenue(cfg.Execution.Paper, noPrice))
	guard := portfolio.NewGuard()

	coord := lifecycle.New(cfg.Lifecycle, cfg.Portfolio, lifecycle.Deps{
		Book:     book,
		Scorer:   scoring.NewEngine(cfg.Scoring),
		Router:   lane.NewRouter(cfg.Lanes, cfg.Portfolio),
		Sentinel: sentinel.New(cfg.Sentinel),
		Profit:   profit.NewEngine(cfg.Profit),
		Guard:    guard,
		Executor: gw,
		Store:    st,
	})
	trail := audit.NewTrail(bus.NewStubProducer(), 100)
	coord.SetEventSink(trail)
	require.NoError(t, coord.Recover(context.Background()))

	health := observability.NewHealthMonitor(time.Minute)
	health.Register(lifecycle.ComponentStore, observability.PingCheck(st.Ping))

	return &server{
		cfg:     cfg,
		coord:   coord,
		gateway: gw,
		guard:   guard,
		store:   st,
		trail:   trail,
		health:  health,
		metrics: observability.NewMetrics("lanetrader_test"),
	}
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]any
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestServer_HealthAndMetrics(t *testing.T) {
	h := newTestServer(t).routes()

	rec, body := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "paper", body["mode"])
	assert.Equal(t, true, body["entry_live"])

	rec, _ = do(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Portfolio(t *testing.T) {
	h := newTestServer(t).routes()

	rec, body := do(t, h, http.MethodGet, "/portfolio")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", body["equity"])
	assert.Equal(t, "1000", body["cash"])

	rec, _ = do(t, h, http.MethodGet, "/positions")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec, _ = do(t, h, http.MethodGet, "/events?limit=10")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/events?limit=ten")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_HaltAndResume(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	rec, body := do(t, h, http.MethodPost, "/control/halt?reason=maintenance")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "halted", body["status"])
	assert.False(t, s.guard.IsActive())

	rec, _ = do(t, h, http.MethodGet, "/control/halt")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, body = do(t, h, http.MethodPost, "/control/resume")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", body["status"])
	assert.True(t, s.guard.IsActive())

	events := s.trail.Recent(10)
	require.Len(t, events, 2)
	assert.Equal(t, "maintenance", events[0].Reason)
	assert.Equal(t, "RESUMED", events[1].Reason)
}

func TestServer_KillCannotResume(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	rec, body := do(t, h, http.MethodPost, "/control/kill")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "killed", body["status"])

	_, body = do(t, h, http.MethodPost, "/control/resume")
	assert.Equal(t, "killed", body["status"])
	assert.False(t, s.guard.IsActive())
}

func TestServer_Mode(t *testing.T) {
	h := newTestServer(t).routes()

	rec, _ := do(t, h, http.MethodPost, "/control/mode?mode=sideways")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/control/mode?mode=live")
	assert.Equal(t, http.StatusConflict, rec.Code, "no live venue configured")

	rec, body := do(t, h, http.MethodPost, "/control/mode?mode=paper")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paper", body["mode"])
}

func TestServer_PositionControls(t *testing.T) {
	h := newTestServer(t).routes()
	mint := string(solana.USDCMint)

	rec, _ := do(t, h, http.MethodGet, "/positions/"+mint)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/positions/not-a-mint")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/control/panic/"+mint)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/control/close/"+mint)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body := do(t, h, http.MethodPost, "/control/clear/"+mint)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["cleared"])

	rec, body = do(t, h, http.MethodGet, "/control/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lanetrader-1", body["instance_id"])
	assert.Equal(t, float64(0), body["open_positions"])
}
