package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sugawarayuuta/sonnet"
)

// ---------------------------------------------------------------------------
// Jupiter V6 API Client: quote, swap and price endpoints
// https://station.jup.ag/docs/apis/swap-api
// ---------------------------------------------------------------------------

const (
	defaultQuoteURL = "https://quote-api.jup.ag/v6/quote"
	defaultSwapURL  = "https://quote-api.jup.ag/v6/swap"
	defaultPriceURL = "https://price.jup.ag/v6/price"
)

// APIConfig configures the HTTP client.
type APIConfig struct {
	QuoteURL     string        `yaml:"quote_url"`
	SwapURL      string        `yaml:"swap_url"`
	PriceURL     string        `yaml:"price_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// BreakerThreshold consecutive failures open the circuit for
	// BreakerReset.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// DefaultAPIConfig returns production defaults.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		QuoteURL:         defaultQuoteURL,
		SwapURL:          defaultSwapURL,
		PriceURL:         defaultPriceURL,
		Timeout:          10 * time.Second,
		MaxRetries:       2,
		RetryBackoff:     500 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

// APIClient talks to the Jupiter aggregator. One client is shared by the
// jito and rpc venues.
type APIClient struct {
	config     APIConfig
	httpClient *http.Client

	quoteCount   atomic.Int64
	swapCount    atomic.Int64
	errorCount   atomic.Int64
	avgLatencyMs atomic.Int64

	breakerMu         sync.Mutex
	consecutiveErrors int
	openUntil         time.Time
}

// NewAPIClient creates a Jupiter API client.
func NewAPIClient(config APIConfig) *APIClient {
	def := DefaultAPIConfig()
	if config.QuoteURL == "" {
		config.QuoteURL = def.QuoteURL
	}
	if config.SwapURL == "" {
		config.SwapURL = def.SwapURL
	}
	if config.PriceURL == "" {
		config.PriceURL = def.PriceURL
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.BreakerThreshold <= 0 {
		config.BreakerThreshold = def.BreakerThreshold
	}
	if config.BreakerReset <= 0 {
		config.BreakerReset = def.BreakerReset
	}
	return &APIClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// ---------------------------------------------------------------------------
// Quote API: best route for a swap
// ---------------------------------------------------------------------------

// QuoteRequest asks for a route. Amount is in the input mint's base units.
type QuoteRequest struct {
	InputMint   solana.Pubkey
	OutputMint  solana.Pubkey
	Amount      uint64
	SlippageBps int
}

// RoutePlanStep is one hop of a quoted route.
type RoutePlanStep struct {
	Percent int `json:"percent"`
	SwapInfo struct {
		AmmKey     string `json:"ammKey"`
		Label      string `json:"label"`
		InputMint  string `json:"inputMint"`
		OutputMint string `json:"outputMint"`
		InAmount   string `json:"inAmount"`
		OutAmount  string `json:"outAmount"`
		FeeAmount  string `json:"feeAmount"`
		FeeMint    string `json:"feeMint"`
	} `json:"swapInfo"`
}

// PlatformFee is the integrator fee Jupiter takes on the output.
type PlatformFee struct {
	Amount string `json:"amount"`
	FeeBps int    `json:"feeBps"`
}

// QuoteResponse is the /quote payload. Raw keeps the exact bytes, which
// /swap expects back unchanged.
type QuoteResponse struct {
	InputMint            string          `json:"inputMint"`
	OutputMint           string          `json:"outputMint"`
	InAmount             string          `json:"inAmount"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	PriceImpactPct       string          `json:"priceImpactPct"`
	SlippageBps          int             `json:"slippageBps"`
	PlatformFee          *PlatformFee    `json:"platformFee,omitempty"`
	RoutePlan            []RoutePlanStep `json:"routePlan"`
	ContextSlot          uint64          `json:"contextSlot"`
	TimeTaken            float64         `json:"timeTaken"`

	Raw []byte `json:"-"`
}

// Labels joins the AMM labels of the route.
func (q *QuoteResponse) Labels() string {
	out := ""
	for i, step := range q.RoutePlan {
		if i > 0 {
			out += ">"
		}
		out += step.SwapInfo.Label
	}
	return out
}

// GetQuote fetches the best swap route.
func (c *APIClient) GetQuote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error) {
	if req.Amount == 0 {
		return nil, fmt.Errorf("jupiter: zero quote amount")
	}
	start := time.Now()

	queryURL, err := url.Parse(c.config.QuoteURL)
	if err != nil {
		return nil, fmt.Errorf("jupiter: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("inputMint", string(req.InputMint))
	q.Set("outputMint", string(req.OutputMint))
	q.Set("amount", strconv.FormatUint(req.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	q.Set("onlyDirectRoutes", "false")
	queryURL.RawQuery = q.Encode()

	body, err := c.do(ctx, http.MethodGet, queryURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("jupiter: quote %s: %w", req.OutputMint.Short(), err)
	}

	var quote QuoteResponse
	if err := sonnet.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("jupiter: parse quote: %w", err)
	}
	if quote.OutAmount == "" || quote.OutAmount == "0" {
		return nil, fmt.Errorf("jupiter: no route for %s: %w", req.OutputMint.Short(), errs.ErrVenueUnavailable)
	}
	quote.Raw = body

	latency := time.Since(start).Milliseconds()
	c.quoteCount.Add(1)
	c.avgLatencyMs.Store(latency)

	log.Debug().
		Str("in", solana.Pubkey(quote.InputMint).Short()).
		Str("out", solana.Pubkey(quote.OutputMint).Short()).
		Str("in_amount", quote.InAmount).
		Str("out_amount", quote.OutAmount).
		Str("price_impact", quote.PriceImpactPct).
		Int64("latency_ms", latency).
		Msg("jupiter: quote received")

	return &quote, nil
}

// ---------------------------------------------------------------------------
// Swap API: build the swap transaction for a quote
// ---------------------------------------------------------------------------

// SwapRequest is the /swap request body.
type SwapRequest struct {
	QuoteResponse                 json.RawMessage    `json:"quoteResponse"`
	UserPublicKey                 string             `json:"userPublicKey"`
	WrapAndUnwrapSOL              bool               `json:"wrapAndUnwrapSol"`
	UseSharedAccounts             bool               `json:"useSharedAccounts"`
	ComputeUnitPriceMicroLamports uint64             `json:"computeUnitPriceMicroLamports,omitempty"`
	PrioritizationFeeLamports     *PrioritizationFee `json:"prioritizationFeeLamports,omitempty"`
	AsLegacyTransaction           bool               `json:"asLegacyTransaction"`
	DynamicComputeUnitLimit       bool               `json:"dynamicComputeUnitLimit"`
}

// PrioritizationFee asks Jupiter to add a Jito tip transfer to the swap.
type PrioritizationFee struct {
	JitoTipLamports uint64 `json:"jitoTipLamports"`
}

// SwapResponse is the /swap payload.
type SwapResponse struct {
	SwapTransaction      string `json:"swapTransaction"` // base64, unsigned
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// SwapOptions tune the built transaction.
type SwapOptions struct {
	PriorityMicroLamports uint64
	JitoTipLamports       uint64
}

// BuildSwapTx builds an unsigned swap transaction from a quote.
func (c *APIClient) BuildSwapTx(ctx context.Context, quote *QuoteResponse, user solana.Pubkey, opts SwapOptions) (*SwapResponse, error) {
	if quote == nil || len(quote.Raw) == 0 {
		return nil, fmt.Errorf("jupiter: swap without raw quote: %w", errs.ErrQuoteExpired)
	}

	swapReq := SwapRequest{
		QuoteResponse:           quote.Raw,
		UserPublicKey:           string(user),
		WrapAndUnwrapSOL:        true,
		UseSharedAccounts:       true,
		DynamicComputeUnitLimit: true,
	}
	// Jupiter accepts either a CU price or a prioritization fee, not both.
	if opts.JitoTipLamports > 0 {
		swapReq.PrioritizationFeeLamports = &PrioritizationFee{JitoTipLamports: opts.JitoTipLamports}
	} else {
		swapReq.ComputeUnitPriceMicroLamports = opts.PriorityMicroLamports
	}

	payload, err := sonnet.Marshal(swapReq)
	if err != nil {
		return nil, fmt.Errorf("jupiter: marshal swap request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, c.config.SwapURL, payload)
	if err != nil {
		return nil, fmt.Errorf("jupiter: swap: %w", err)
	}

	var swapResp SwapResponse
	if err := sonnet.Unmarshal(body, &swapResp); err != nil {
		return nil, fmt.Errorf("jupiter: parse swap response: %w", err)
	}
	if swapResp.SwapTransaction == "" {
		return nil, fmt.Errorf("jupiter: empty swap transaction")
	}
	c.swapCount.Add(1)
	return &swapResp, nil
}

// ---------------------------------------------------------------------------
// Price API
// ---------------------------------------------------------------------------

// PriceResponse is the price endpoint payload.
type PriceResponse struct {
	Data map[string]struct {
		ID         string  `json:"id"`
		MintSymbol string  `json:"mintSymbol"`
		VSToken    string  `json:"vsToken"`
		Price      float64 `json:"price"`
	} `json:"data"`
	TimeTaken float64 `json:"timeTaken"`
}

// GetPrice returns the USDC price of a mint.
func (c *APIClient) GetPrice(ctx context.Context, mint solana.Pubkey) (decimal.Decimal, error) {
	queryURL, err := url.Parse(c.config.PriceURL)
	if err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("ids", string(mint))
	q.Set("vsToken", string(solana.USDCMint))
	queryURL.RawQuery = q.Encode()

	body, err := c.do(ctx, http.MethodGet, queryURL.String(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: price: %w", err)
	}

	var priceResp PriceResponse
	if err := sonnet.Unmarshal(body, &priceResp); err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: parse price: %w", err)
	}
	data, ok := priceResp.Data[string(mint)]
	if !ok {
		return decimal.Zero, fmt.Errorf("jupiter: price not found for %s", mint.Short())
	}
	price := decimal.NewFromFloat(data.Price)
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("jupiter: zero/negative price for %s", mint.Short())
	}
	return price, nil
}

// ---------------------------------------------------------------------------
// Transport: retry with backoff, circuit breaker
// ---------------------------------------------------------------------------

// do performs a request with retries. 429 and 5xx are retried; other 4xx
// are returned at once. Failures wrap errs.ErrVenueUnavailable.
func (c *APIClient) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	if c.circuitOpen() {
		return nil, fmt.Errorf("circuit breaker open: %w", errs.ErrVenueUnavailable)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.config.RetryBackoff * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("HTTP error: %w", err)
			c.recordError()
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			c.recordError()
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			c.resetErrors()
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			c.errorCount.Add(1)
			lastErr = fmt.Errorf("rate limited (429)")
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
			c.recordError()
			continue
		default:
			c.errorCount.Add(1)
			return nil, fmt.Errorf("HTTP %d: %s: %w", resp.StatusCode, string(body), errs.ErrVenueUnavailable)
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %v: %w", c.config.MaxRetries+1, lastErr, errs.ErrVenueUnavailable)
}

func (c *APIClient) circuitOpen() bool {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()
	if c.openUntil.IsZero() {
		return false
	}
	if time.Now().Before(c.openUntil) {
		return true
	}
	c.openUntil = time.Time{}
	c.consecutiveErrors = 0
	log.Info().Msg("jupiter: circuit breaker reset")
	return false
}

// recordError increments consecutive errors and opens the circuit breaker.
func (c *APIClient) recordError() {
	c.errorCount.Add(1)
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()
	c.consecutiveErrors++
	if c.consecutiveErrors >= c.config.BreakerThreshold && c.openUntil.IsZero() {
		c.openUntil = time.Now().Add(c.config.BreakerReset)
		log.Error().Int("errors", c.consecutiveErrors).Msg("jupiter: CIRCUIT BREAKER OPEN")
	}
}

func (c *APIClient) resetErrors() {
	c.breakerMu.Lock()
	c.consecutiveErrors = 0
	c.breakerMu.Unlock()
}

// APIStats returns client counters.
type APIStats struct {
	QuoteCount   int64 `json:"quote_count"`
	SwapCount    int64 `json:"swap_count"`
	ErrorCount   int64 `json:"error_count"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
	CircuitOpen  bool  `json:"circuit_open"`
}

func (c *APIClient) APIStats() APIStats {
	return APIStats{
		QuoteCount:   c.quoteCount.Load(),
		SwapCount:    c.swapCount.Load(),
		ErrorCount:   c.errorCount.Load(),
		AvgLatencyMs: c.avgLatencyMs.Load(),
		CircuitOpen:  c.circuitOpen(),
	}
}
