package solana

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Dynamic Priority Fees: percentiles over recent slots
// normal=p75, urgent=2x p75, hard ceiling on the estimate
// ---------------------------------------------------------------------------

const (
	// MaxPriorityFeeMicroLamports caps the per-CU price we are willing to bid.
	MaxPriorityFeeMicroLamports = 5_000_000

	// DefaultPriorityFeeMicroLamports is used before the first sample arrives.
	DefaultPriorityFeeMicroLamports = 10_000

	// DefaultComputeUnits is the CU budget assumed for a routed swap.
	DefaultComputeUnits = 300_000

	FeeRefreshInterval = 15 * time.Second
)

// Urgency selects the percentile multiplier used by EstimateFee.
type Urgency int

const (
	UrgencyNormal Urgency = iota
	UrgencyHigh
)

type feeSource interface {
	RecentPriorityFees(ctx context.Context) ([]uint64, error)
}

// PriorityFeeEstimator estimates priority fees from recent slots.
type PriorityFeeEstimator struct {
	rpc feeSource

	mu        sync.RWMutex
	feeP50    uint64
	feeP75    uint64
	feeP90    uint64
	lastFetch time.Time
	samples   int
}

// NewPriorityFeeEstimator creates an estimator that polls rpc for recent fees.
func NewPriorityFeeEstimator(rpc RPCClient) *PriorityFeeEstimator {
	return &PriorityFeeEstimator{rpc: rpc}
}

// Run refreshes estimates until ctx is cancelled.
func (e *PriorityFeeEstimator) Run(ctx context.Context) {
	e.Refresh(ctx)

	ticker := time.NewTicker(FeeRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Refresh(ctx)
		}
	}
}

// EstimateFee returns the recommended per-CU price in micro-lamports.
func (e *PriorityFeeEstimator) EstimateFee(urgency Urgency) uint64 {
	e.mu.RLock()
	p75 := e.feeP75
	e.mu.RUnlock()

	if p75 == 0 {
		return DefaultPriorityFeeMicroLamports
	}
	fee := p75
	if urgency == UrgencyHigh {
		fee = p75 * 2
	}
	if fee > MaxPriorityFeeMicroLamports {
		fee = MaxPriorityFeeMicroLamports
	}
	return fee
}

// EstimateLamports converts the per-CU estimate into total lamports for
// a transaction consuming computeUnits.
func (e *PriorityFeeEstimator) EstimateLamports(urgency Urgency, computeUnits uint64) uint64 {
	if computeUnits == 0 {
		computeUnits = DefaultComputeUnits
	}
	return e.EstimateFee(urgency) * computeUnits / 1_000_000
}

// FeeStats returns current fee estimation stats.
type FeeStats struct {
	P50       uint64    `json:"p50_micro_lamports"`
	P75       uint64    `json:"p75_micro_lamports"`
	P90       uint64    `json:"p90_micro_lamports"`
	Samples   int       `json:"samples"`
	LastFetch time.Time `json:"last_fetch"`
}

func (e *PriorityFeeEstimator) Stats() FeeStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return FeeStats{
		P50:       e.feeP50,
		P75:       e.feeP75,
		P90:       e.feeP90,
		Samples:   e.samples,
		LastFetch: e.lastFetch,
	}
}

// Refresh fetches recent fees and recomputes the percentiles.
func (e *PriorityFeeEstimator) Refresh(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	values, err := e.rpc.RecentPriorityFees(fetchCtx)
	if err != nil {
		log.Debug().Err(err).Msg("priority_fees: failed to fetch recent fees")
		return
	}
	if len(values) == 0 {
		return
	}

	sorted := append([]uint64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	e.mu.Lock()
	e.feeP50 = percentile(sorted, 50)
	e.feeP75 = percentile(sorted, 75)
	e.feeP90 = percentile(sorted, 90)
	e.samples = len(sorted)
	e.lastFetch = time.Now()
	e.mu.Unlock()

	log.Debug().
		Uint64("p75", percentile(sorted, 75)).
		Int("samples", len(sorted)).
		Msg("priority_fees: updated estimates")
}

// percentile computes the p-th percentile of sorted values.
func percentile(sorted []uint64, p int) uint64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
