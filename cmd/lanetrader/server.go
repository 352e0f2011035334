package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nexus-trading/lanetrader/internal/audit"
	"github.com/nexus-trading/lanetrader/internal/config"
	"github.com/nexus-trading/lanetrader/internal/execution"
	"github.com/nexus-trading/lanetrader/internal/lifecycle"
	"github.com/nexus-trading/lanetrader/internal/observability"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/nexus-trading/lanetrader/internal/store"
	"github.com/rs/zerolog/log"
)

// server exposes health, metrics, read-only state and the operator
// control plane over HTTP.
type server struct {
	cfg     *config.Config
	coord   *lifecycle.Coordinator
	gateway *execution.Gateway
	guard   *portfolio.Guard
	store   store.Store
	trail   *audit.Trail
	health  *observability.HealthMonitor
	metrics *observability.Metrics
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	// ── Health + metrics ──
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// ── Read side ──
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /portfolio", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.coord.Snapshot())
	})
	mux.HandleFunc("GET /positions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.coord.Positions())
	})
	mux.HandleFunc("GET /positions/{mint}", s.handlePosition)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /audit", s.handleAudit)
	mux.HandleFunc("GET /halted", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.guard.Halted())
	})

	// ── Control plane ──
	mux.HandleFunc("POST /control/halt", s.handleHalt)
	mux.HandleFunc("POST /control/resume", s.handleResume)
	mux.HandleFunc("POST /control/kill", s.handleKill)
	mux.HandleFunc("POST /control/mode", s.handleMode)
	mux.HandleFunc("POST /control/panic/{mint}", s.handlePanic)
	mux.HandleFunc("POST /control/close/{mint}", s.handleClose)
	mux.HandleFunc("POST /control/clear/{mint}", s.handleClear)
	mux.HandleFunc("GET /control/status", s.handleStatus)

	return mux
}

// serve runs the HTTP server until ctx is cancelled.
func (s *server) serve(ctx context.Context) {
	srv := &http.Server{
		Addr:              s.cfg.General.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", srv.Addr).Msg("HTTP server started (health + metrics + control)")

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("HTTP server error")
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health.Check(r.Context())
	code := http.StatusOK
	if h.Status == observability.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     h.Status,
		"components": h.Components,
		"mode":       s.coord.Mode(),
		"entry_live": s.guard.IsActive(),
		"uptime":     h.Uptime.String(),
	})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"coordinator": s.coord.Stats(),
		"gateway":     s.gateway.Stats(),
		"guard":       s.guard.Stats(),
		"audit":       s.trail.Stats(),
	})
}

func (s *server) handlePosition(w http.ResponseWriter, r *http.Request) {
	mint, ok := mintParam(w, r)
	if !ok {
		return
	}
	pos, found := s.coord.Position(mint)
	if !found {
		writeError(w, http.StatusNotFound, lifecycle.ErrNoPosition)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		limit = n
	}
	events, err := s.store.Events(r.Context(), r.URL.Query().Get("mint"), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("position"); id != "" {
		writeJSON(w, http.StatusOK, s.trail.ByPosition(id))
		return
	}
	writeJSON(w, http.StatusOK, s.trail.Recent(100))
}

func (s *server) handleHalt(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator"
	}
	s.coord.Halt(r.Context(), reason)
	log.Warn().Str("reason", reason).Msg("[CONTROL] Entries HALTED")
	writeJSON(w, http.StatusOK, map[string]string{"status": "halted"})
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.coord.Resume(r.Context())
	status := "running"
	if !s.guard.IsActive() {
		status = "killed"
	}
	log.Info().Str("status", status).Msg("[CONTROL] Resume requested")
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// handleKill stops entries for good and panics every open position.
func (s *server) handleKill(w http.ResponseWriter, r *http.Request) {
	s.guard.Kill()
	s.coord.Halt(r.Context(), "KILL")
	log.Error().Msg("[CONTROL] KILL SWITCH - panicking all positions")

	var mints []solana.Pubkey
	for _, pos := range s.coord.Positions() {
		mints = append(mints, pos.Mint)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		for _, m := range mints {
			if err := s.coord.Panic(ctx, m, "KILL"); err != nil && !errors.Is(err, lifecycle.ErrNoPosition) {
				log.Error().Err(err).Str("mint", m.Short()).Msg("[CONTROL] kill panic failed")
			}
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "killed", "positions": len(mints)})
}

func (s *server) handleMode(w http.ResponseWriter, r *http.Request) {
	m, err := execution.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.coord.SetMode(r.Context(), m); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	log.Warn().Str("mode", string(m)).Msg("[CONTROL] Execution mode changed")
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(s.coord.Mode())})
}

func (s *server) handlePanic(w http.ResponseWriter, r *http.Request) {
	mint, ok := mintParam(w, r)
	if !ok {
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator"
	}
	if err := s.coord.Panic(r.Context(), mint, reason); err != nil {
		writeError(w, controlStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "panicking", "mint": string(mint)})
}

func (s *server) handleClose(w http.ResponseWriter, r *http.Request) {
	mint, ok := mintParam(w, r)
	if !ok {
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator"
	}
	if err := s.coord.OverrideClose(r.Context(), mint, reason); err != nil {
		writeError(w, controlStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "mint": string(mint)})
}

func (s *server) handleClear(w http.ResponseWriter, r *http.Request) {
	mint, ok := mintParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": s.coord.ClearHalt(mint)})
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	gs := s.guard.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"instance_id":    s.cfg.General.InstanceID,
		"mode":           s.coord.Mode(),
		"frozen":         gs.Frozen,
		"killed":         gs.Killed,
		"halted_tokens":  gs.HaltedTokens,
		"open_positions": len(s.coord.Positions()),
	})
}

func controlStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNoPosition):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrEntryInFlight), errors.Is(err, lifecycle.ErrTokenBlocked):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func mintParam(w http.ResponseWriter, r *http.Request) (solana.Pubkey, bool) {
	mint, err := solana.ParsePubkey(r.PathValue("mint"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return "", false
	}
	return mint, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("http: encode response")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
