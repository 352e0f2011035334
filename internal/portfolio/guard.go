package portfolio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/rs/zerolog/log"
)

// Guard gates new entries. Exits are never gated.
//
// Kill is permanent for the process; Freeze can be resumed. Per-token halts
// are set when a token's sentinel state regresses and stay until cleared
// by an operator.
type Guard struct {
	killed atomic.Bool
	frozen atomic.Bool

	mu     sync.RWMutex
	reason string
	tokens map[solana.Pubkey]TokenHalt

	allowed atomic.Int64
	denied  atomic.Int64
	freezes atomic.Int64
}

// TokenHalt records why entries for a token were stopped.
type TokenHalt struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// NewGuard creates an open guard.
func NewGuard() *Guard {
	return &Guard{tokens: make(map[solana.Pubkey]TokenHalt)}
}

// Allow reports whether a new entry for mint may proceed. The error wraps
// errs.ErrAdmissionRejected.
func (g *Guard) Allow(mint solana.Pubkey) error {
	if g.killed.Load() {
		g.denied.Add(1)
		return fmt.Errorf("%w: KILL_SWITCH_ACTIVE", errs.ErrAdmissionRejected)
	}
	if g.frozen.Load() {
		g.denied.Add(1)
		g.mu.RLock()
		reason := g.reason
		g.mu.RUnlock()
		return fmt.Errorf("%w: SYSTEM_FROZEN:%s", errs.ErrAdmissionRejected, reason)
	}
	g.mu.RLock()
	h, halted := g.tokens[mint]
	g.mu.RUnlock()
	if halted {
		g.denied.Add(1)
		return fmt.Errorf("%w: TOKEN_HALTED:%s", errs.ErrAdmissionRejected, h.Reason)
	}
	g.allowed.Add(1)
	return nil
}

// Kill stops all entries until restart.
func (g *Guard) Kill() {
	g.killed.Store(true)
	log.Error().Msg("guard: KILL SWITCH ACTIVATED - all entries stopped")
}

// Freeze stops all entries until Resume.
func (g *Guard) Freeze(reason string) {
	g.mu.Lock()
	g.reason = reason
	g.mu.Unlock()
	g.frozen.Store(true)
	g.freezes.Add(1)
	log.Warn().Str("reason", reason).Msg("guard: entries frozen")
}

// Resume lifts a freeze. A kill cannot be resumed.
func (g *Guard) Resume() {
	if g.killed.Load() {
		log.Warn().Msg("guard: cannot resume, kill switch is active (requires restart)")
		return
	}
	g.frozen.Store(false)
	log.Info().Msg("guard: entries resumed")
}

// HaltToken stops entries for mint.
func (g *Guard) HaltToken(mint solana.Pubkey, reason string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tokens[mint]; ok {
		return
	}
	g.tokens[mint] = TokenHalt{Reason: reason, At: at}
	log.Warn().Str("mint", mint.Short()).Str("reason", reason).Msg("guard: token halted")
}

// ClearToken lifts a token halt. It reports whether one was set.
func (g *Guard) ClearToken(mint solana.Pubkey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tokens[mint]; !ok {
		return false
	}
	delete(g.tokens, mint)
	log.Info().Str("mint", mint.Short()).Msg("guard: token halt cleared")
	return true
}

// Halted returns the current per-token halts.
func (g *Guard) Halted() map[solana.Pubkey]TokenHalt {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[solana.Pubkey]TokenHalt, len(g.tokens))
	for k, v := range g.tokens {
		out[k] = v
	}
	return out
}

// IsActive is true when neither killed nor frozen.
func (g *Guard) IsActive() bool { return !g.killed.Load() && !g.frozen.Load() }

// GuardStats reports gate counters.
type GuardStats struct {
	Killed       bool  `json:"killed"`
	Frozen       bool  `json:"frozen"`
	HaltedTokens int   `json:"halted_tokens"`
	Allowed      int64 `json:"allowed_total"`
	Denied       int64 `json:"denied_total"`
	Freezes      int64 `json:"freezes_total"`
}

func (g *Guard) Stats() GuardStats {
	g.mu.RLock()
	n := len(g.tokens)
	g.mu.RUnlock()
	return GuardStats{
		Killed:       g.killed.Load(),
		Frozen:       g.frozen.Load(),
		HaltedTokens: n,
		Allowed:      g.allowed.Load(),
		Denied:       g.denied.Load(),
		Freezes:      g.freezes.Load(),
	}
}
