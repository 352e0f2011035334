package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Live RPC Client: Solana JSON-RPC with rate limiting, retry, circuit breaker
// ---------------------------------------------------------------------------

// LiveRPCClient connects to a real Solana RPC endpoint.
type LiveRPCClient struct {
	config     RPCConfig
	httpClient *http.Client

	// Token bucket refilled at RateLimitRPS.
	limiter chan struct{}
	stop    context.CancelFunc

	nextID atomic.Int64

	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool

	requestCount atomic.Int64
	errorCount   atomic.Int64
	latencySum   atomic.Int64 // microseconds
}

const (
	circuitBreakerThreshold = 10
	circuitBreakerCooldown  = 30 * time.Second
)

// NewLiveRPCClient creates a live Solana RPC client.
func NewLiveRPCClient(config RPCConfig) *LiveRPCClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 10
	}

	bucketSize := int(config.RateLimitRPS)
	if bucketSize < 1 {
		bucketSize = 1
	}
	limiter := make(chan struct{}, bucketSize)
	for i := 0; i < bucketSize; i++ {
		limiter <- struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &LiveRPCClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
		stop:       cancel,
	}

	go func() {
		interval := time.Duration(float64(time.Second) / config.RateLimitRPS)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case c.limiter <- struct{}{}:
				default:
				}
			}
		}
	}()

	return c
}

// Close stops the rate limiter refill loop.
func (c *LiveRPCClient) Close() {
	c.stop()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call makes a rate-limited, retried JSON-RPC call.
func (c *LiveRPCClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if c.circuitOpen.Load() {
		return nil, fmt.Errorf("rpc: circuit breaker open for %s", method)
	}

	select {
	case <-c.limiter:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		start := time.Now()
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("rpc: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("rpc: %s http error: %w", method, err)
			c.recordError()
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("rpc: %s read response: %w", method, err)
			c.recordError()
			continue
		}

		c.requestCount.Add(1)
		c.latencySum.Add(time.Since(start).Microseconds())

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rpc: %s rate limited", method)
			c.errorCount.Add(1)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("rpc: %s HTTP %d: %s", method, resp.StatusCode, string(respBody))
			c.recordError()
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("rpc: %s unmarshal response: %w", method, err)
			c.recordError()
			continue
		}
		c.consecutiveErrors.Store(0)
		if rpcResp.Error != nil {
			return nil, fmt.Errorf("rpc: %s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
		}
		return rpcResp.Result, nil
	}

	return nil, fmt.Errorf("rpc: %s failed after %d attempts: %w", method, c.config.MaxRetries+1, lastErr)
}

func (c *LiveRPCClient) recordError() {
	c.errorCount.Add(1)
	count := c.consecutiveErrors.Add(1)
	if count >= circuitBreakerThreshold && c.circuitOpen.CompareAndSwap(false, true) {
		log.Error().Int64("errors", count).Msg("rpc: CIRCUIT BREAKER OPEN")
		time.AfterFunc(circuitBreakerCooldown, func() {
			c.circuitOpen.Store(false)
			c.consecutiveErrors.Store(0)
			log.Info().Msg("rpc: circuit breaker reset")
		})
	}
}

// SendTransaction submits a signed transaction.
func (c *LiveRPCClient) SendTransaction(ctx context.Context, txBase64 string) (Signature, error) {
	result, err := c.call(ctx, "sendTransaction", []any{
		txBase64,
		map[string]any{
			"encoding":            "base64",
			"skipPreflight":       c.config.SkipPreflight,
			"preflightCommitment": "confirmed",
			"maxRetries":          0,
		},
	})
	if err != nil {
		return "", err
	}

	var sig string
	if err := json.Unmarshal(result, &sig); err != nil {
		return "", fmt.Errorf("rpc: parse signature: %w", err)
	}
	return Signature(sig), nil
}

// GetSignatureStatus checks transaction confirmation status.
func (c *LiveRPCClient) GetSignatureStatus(ctx context.Context, sig Signature) (TxStatus, error) {
	result, err := c.call(ctx, "getSignatureStatuses", []any{
		[]string{string(sig)},
		map[string]any{"searchTransactionHistory": true},
	})
	if err != nil {
		return TxUnknown, err
	}

	var resp struct {
		Value []*struct {
			ConfirmationStatus string `json:"confirmationStatus"`
			Err                any    `json:"err"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return TxUnknown, fmt.Errorf("rpc: parse status: %w", err)
	}

	// A null entry means the cluster has never seen the signature.
	if len(resp.Value) == 0 || resp.Value[0] == nil {
		return TxUnknown, nil
	}
	entry := resp.Value[0]
	if entry.Err != nil {
		return TxFailed, nil
	}
	switch entry.ConfirmationStatus {
	case "confirmed":
		return TxConfirmed, nil
	case "finalized":
		return TxFinalized, nil
	default:
		return TxPending, nil
	}
}

type tokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount   string `json:"amount"`
		Decimals int32  `json:"decimals"`
	} `json:"uiTokenAmount"`
}

// GetTransactionSettlement reads a confirmed transaction and sums owner's
// token balance changes per mint.
func (c *LiveRPCClient) GetTransactionSettlement(ctx context.Context, sig Signature, owner Pubkey) (*TxSettlement, error) {
	result, err := c.call(ctx, "getTransaction", []any{
		string(sig),
		map[string]any{
			"encoding":                       "json",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}

	var tx struct {
		Slot uint64 `json:"slot"`
		Meta *struct {
			Err               any            `json:"err"`
			Fee               uint64         `json:"fee"`
			PreTokenBalances  []tokenBalance `json:"preTokenBalances"`
			PostTokenBalances []tokenBalance `json:"postTokenBalances"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, fmt.Errorf("rpc: parse transaction: %w", err)
	}
	if tx.Meta == nil {
		return nil, nil
	}
	if tx.Meta.Err != nil {
		return nil, fmt.Errorf("rpc: transaction %s failed: %v", sig, tx.Meta.Err)
	}

	s := &TxSettlement{Slot: tx.Slot, FeeLamports: tx.Meta.Fee, TokenDeltas: make(map[Pubkey]decimal.Decimal)}
	sum := func(balances []tokenBalance, neg bool) error {
		for _, b := range balances {
			if b.Owner != string(owner) {
				continue
			}
			amt, err := decimal.NewFromString(b.UITokenAmount.Amount)
			if err != nil {
				return fmt.Errorf("rpc: token amount %q: %w", b.UITokenAmount.Amount, err)
			}
			amt = amt.Shift(-b.UITokenAmount.Decimals)
			if neg {
				amt = amt.Neg()
			}
			mint := Pubkey(b.Mint)
			s.TokenDeltas[mint] = s.Delta(mint).Add(amt)
		}
		return nil
	}
	if err := sum(tx.Meta.PreTokenBalances, true); err != nil {
		return nil, err
	}
	if err := sum(tx.Meta.PostTokenBalances, false); err != nil {
		return nil, err
	}
	return s, nil
}

// RecentPriorityFees returns the non-zero fees from getRecentPrioritizationFees.
func (c *LiveRPCClient) RecentPriorityFees(ctx context.Context) ([]uint64, error) {
	result, err := c.call(ctx, "getRecentPrioritizationFees", nil)
	if err != nil {
		return nil, err
	}

	var fees []struct {
		Slot              uint64 `json:"slot"`
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := json.Unmarshal(result, &fees); err != nil {
		return nil, fmt.Errorf("rpc: parse prioritization fees: %w", err)
	}

	values := make([]uint64, 0, len(fees))
	for _, f := range fees {
		if f.PrioritizationFee > 0 {
			values = append(values, f.PrioritizationFee)
		}
	}
	return values, nil
}

// Health checks the RPC endpoint health.
func (c *LiveRPCClient) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.call(healthCtx, "getHealth", nil)
	return err
}

// RPCStats returns RPC client statistics.
type RPCStats struct {
	RequestCount int64 `json:"request_count"`
	ErrorCount   int64 `json:"error_count"`
	AvgLatencyUs int64 `json:"avg_latency_us"`
	CircuitOpen  bool  `json:"circuit_open"`
}

func (c *LiveRPCClient) Stats() RPCStats {
	reqCount := c.requestCount.Load()
	avg := int64(0)
	if reqCount > 0 {
		avg = c.latencySum.Load() / reqCount
	}
	return RPCStats{
		RequestCount: reqCount,
		ErrorCount:   c.errorCount.Load(),
		AvgLatencyUs: avg,
		CircuitOpen:  c.circuitOpen.Load(),
	}
}
