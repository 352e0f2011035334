package solana

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// RPC Client Interface
// ---------------------------------------------------------------------------

// RPCClient is the subset of Solana JSON-RPC the venues rely on.
// Implementations: LiveRPCClient (real Solana), StubRPCClient (testing).
type RPCClient interface {
	// SendTransaction submits a signed base64 transaction.
	SendTransaction(ctx context.Context, txBase64 string) (Signature, error)

	// GetSignatureStatus reports the confirmation state of a signature.
	GetSignatureStatus(ctx context.Context, sig Signature) (TxStatus, error)

	// RecentPriorityFees returns non-zero prioritization fees (micro-lamports per CU)
	// observed over recent slots.
	RecentPriorityFees(ctx context.Context) ([]uint64, error)

	// GetTransactionSettlement reads what a landed transaction moved for
	// owner. It returns nil when the cluster has not indexed it yet.
	GetTransactionSettlement(ctx context.Context, sig Signature, owner Pubkey) (*TxSettlement, error)

	// Health returns the RPC endpoint health.
	Health(ctx context.Context) error
}

// TxSettlement is the on-chain outcome of a transaction for one owner.
type TxSettlement struct {
	Slot        uint64
	FeeLamports uint64
	// TokenDeltas are post minus pre token balances per mint, in token
	// units.
	TokenDeltas map[Pubkey]decimal.Decimal
}

// Delta returns the balance change of mint, zero when untouched.
func (s *TxSettlement) Delta(mint Pubkey) decimal.Decimal {
	if d, ok := s.TokenDeltas[mint]; ok {
		return d
	}
	return decimal.Zero
}

// RPCConfig configures the Solana RPC client.
type RPCConfig struct {
	Endpoint      string        `yaml:"endpoint"` // e.g. https://api.mainnet-beta.solana.com
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RateLimitRPS  float64       `yaml:"rate_limit_rps"`
	SkipPreflight bool          `yaml:"skip_preflight"`
}

// DefaultRPCConfig returns development defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoint:     "https://api.mainnet-beta.solana.com",
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RateLimitRPS: 10,
	}
}

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing and development)
// ---------------------------------------------------------------------------

// StubRPCClient is an in-memory RPC client. Sent transactions are recorded
// and immediately reported with the configured status.
type StubRPCClient struct {
	mu       sync.Mutex
	sent     []string
	statuses map[Signature]TxStatus
	settled  map[Signature]*TxSettlement
	fees     []uint64
	status   TxStatus
	failNext bool
}

// NewStubRPCClient creates a stub RPC client whose transactions confirm.
func NewStubRPCClient() *StubRPCClient {
	return &StubRPCClient{
		statuses: make(map[Signature]TxStatus),
		settled:  make(map[Signature]*TxSettlement),
		status:   TxConfirmed,
	}
}

// SetFailNext makes the next call return an error.
func (s *StubRPCClient) SetFailNext() {
	s.mu.Lock()
	s.failNext = true
	s.mu.Unlock()
}

// SetStatus sets the status reported for subsequently sent transactions.
func (s *StubRPCClient) SetStatus(status TxStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetPriorityFees sets the fee samples returned by RecentPriorityFees.
func (s *StubRPCClient) SetPriorityFees(fees []uint64) {
	s.mu.Lock()
	s.fees = append([]uint64(nil), fees...)
	s.mu.Unlock()
}

// SetSettlement sets the settlement reported for sig. Signatures without
// one read as not yet indexed.
func (s *StubRPCClient) SetSettlement(sig Signature, st *TxSettlement) {
	s.mu.Lock()
	s.settled[sig] = st
	s.mu.Unlock()
}

// Sent returns the transactions submitted so far.
func (s *StubRPCClient) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *StubRPCClient) shouldFail() bool {
	if s.failNext {
		s.failNext = false
		return true
	}
	return false
}

func (s *StubRPCClient) SendTransaction(_ context.Context, txBase64 string) (Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return "", fmt.Errorf("stub: send transaction failed")
	}
	s.sent = append(s.sent, txBase64)
	sig := Signature(fmt.Sprintf("stub-sig-%d", len(s.sent)))
	s.statuses[sig] = s.status
	return sig, nil
}

func (s *StubRPCClient) GetSignatureStatus(_ context.Context, sig Signature) (TxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return TxUnknown, fmt.Errorf("stub: status failed")
	}
	st, ok := s.statuses[sig]
	if !ok {
		return TxUnknown, nil
	}
	return st, nil
}

func (s *StubRPCClient) GetTransactionSettlement(_ context.Context, sig Signature, _ Pubkey) (*TxSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: get transaction failed")
	}
	return s.settled[sig], nil
}

func (s *StubRPCClient) RecentPriorityFees(_ context.Context) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: fees failed")
	}
	return append([]uint64(nil), s.fees...), nil
}

func (s *StubRPCClient) Health(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldFail() {
		return fmt.Errorf("stub: unhealthy")
	}
	return nil
}
