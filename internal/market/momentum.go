package market

import (
	"sync"
	"time"

	"github.com/nexus-trading/lanetrader/internal/solana"
)

type momentumState struct {
	prices   []float64
	head     int
	count    int
	lastSamp time.Time
}

// Momentum calculates price Rate of Change (ROC) per mint over a lookback
// window of sampleInterval * lookbackPeriods.
//
//	ROC = (price_now - price_N_ago) / price_N_ago
type Momentum struct {
	sampleInterval  time.Duration
	lookbackPeriods int
	mu              sync.RWMutex
	states          map[solana.Pubkey]*momentumState
}

// NewMomentum creates a Momentum calculator.
func NewMomentum(sampleInterval time.Duration, lookbackPeriods int) *Momentum {
	if lookbackPeriods < 2 {
		lookbackPeriods = 2
	}
	if sampleInterval <= 0 {
		sampleInterval = time.Second
	}
	return &Momentum{
		sampleInterval:  sampleInterval,
		lookbackPeriods: lookbackPeriods,
		states:          make(map[solana.Pubkey]*momentumState),
	}
}

// OnPrice records a price observation.
func (m *Momentum) OnPrice(mint solana.Pubkey, price float64, ts time.Time) {
	if price <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[mint]
	if !ok {
		s = &momentumState{prices: make([]float64, m.lookbackPeriods)}
		m.states[mint] = s
	}

	// Within the current sample period the latest sample is overwritten.
	if !s.lastSamp.IsZero() && ts.Sub(s.lastSamp) < m.sampleInterval {
		if s.count > 0 {
			s.prices[(s.head-1+m.lookbackPeriods)%m.lookbackPeriods] = price
		}
		return
	}

	s.prices[s.head] = price
	s.head = (s.head + 1) % m.lookbackPeriods
	if s.count < m.lookbackPeriods {
		s.count++
	}
	s.lastSamp = ts
}

// ROC returns the rate of change for mint and whether enough samples exist.
func (m *Momentum) ROC(mint solana.Pubkey) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.states[mint]
	if !ok || s.count < 2 {
		return 0, false
	}
	latest := s.prices[(s.head-1+m.lookbackPeriods)%m.lookbackPeriods]
	oldest := s.prices[(s.head-s.count+m.lookbackPeriods)%m.lookbackPeriods]
	if oldest == 0 {
		return 0, false
	}
	return (latest - oldest) / oldest, true
}

// Reset drops the samples for mint.
func (m *Momentum) Reset(mint solana.Pubkey) {
	m.mu.Lock()
	delete(m.states, mint)
	m.mu.Unlock()
}
