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
// Jito Bundle Client: private submission path with a tip
// ---------------------------------------------------------------------------

const (
	jitoMainnetURL = "https://mainnet.block-engine.jito.wtf/api/v1"
	jitoBundlePath = "/bundles"
)

var jitoTipAccounts = []Pubkey{
	"96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5",
	"HFqU5x63VTqvQss8hp11i4bVqkfRtQ7NmXwkiY8X9W5E",
	"Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY",
	"ADaUMid9yfUytqMBgopwjb2DTLSLuiv3Jhqzsg1dbE7B",
	"DfXygSm4jCyNCzbzYYR18MFJkvDVwVS7s3d7rZmLhRDd",
	"ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt",
	"DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL",
	"3AVi9Tg9Uo68tJfuvoKvqKNWKkC5wPdSSdeBnizKZ6jT",
}

// JitoConfig configures the Jito bundle client.
type JitoConfig struct {
	Enabled        bool            `yaml:"enabled"`
	BlockEngineURL string          `yaml:"block_engine_url"`
	TipSOL         decimal.Decimal `yaml:"tip_sol"`
	TimeoutMs      int             `yaml:"timeout_ms"`
}

// DefaultJitoConfig returns production defaults.
func DefaultJitoConfig() JitoConfig {
	return JitoConfig{
		Enabled:        false,
		BlockEngineURL: jitoMainnetURL,
		TipSOL:         decimal.NewFromFloat(0.001),
		TimeoutMs:      5000,
	}
}

// TipLamports returns the configured tip in lamports.
func (c JitoConfig) TipLamports() uint64 {
	return uint64(c.TipSOL.Mul(decimal.NewFromInt(LamportsPerSOL)).IntPart())
}

// JitoClient sends transaction bundles to the Jito block engine.
type JitoClient struct {
	config     JitoConfig
	httpClient *http.Client
	tipAcctIdx atomic.Uint32
	nextID     atomic.Int64

	bundlesSent   atomic.Int64
	bundlesLanded atomic.Int64
	bundlesFailed atomic.Int64
	tipLamports   atomic.Int64
}

// NewJitoClient creates a new Jito bundle client.
func NewJitoClient(config JitoConfig) *JitoClient {
	if config.BlockEngineURL == "" {
		config.BlockEngineURL = jitoMainnetURL
	}
	timeout := time.Duration(config.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &JitoClient{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether bundle submission is configured.
func (c *JitoClient) Enabled() bool { return c.config.Enabled }

// Config returns the client configuration.
func (c *JitoClient) Config() JitoConfig { return c.config }

type jitoResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

func (c *JitoClient) post(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("jito: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BlockEngineURL+jitoBundlePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("jito: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("jito: %s http error: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("jito: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jito: %s HTTP %d: %s", method, resp.StatusCode, string(respBody))
	}

	var out jitoResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("jito: parse response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("jito: %s error %d: %s", method, out.Error.Code, out.Error.Message)
	}
	return out.Result, nil
}

// SendBundle submits base64-encoded signed transactions as one bundle and
// returns the bundle id.
func (c *JitoClient) SendBundle(ctx context.Context, transactions []string) (string, error) {
	if !c.config.Enabled {
		return "", fmt.Errorf("jito: bundles not enabled")
	}
	if len(transactions) == 0 {
		return "", fmt.Errorf("jito: empty bundle")
	}

	result, err := c.post(ctx, "sendBundle", []any{transactions, map[string]string{"encoding": "base64"}})
	if err != nil {
		c.bundlesFailed.Add(1)
		return "", err
	}
	var bundleID string
	if err := json.Unmarshal(result, &bundleID); err != nil {
		c.bundlesFailed.Add(1)
		return "", fmt.Errorf("jito: parse bundle id: %w", err)
	}

	c.bundlesSent.Add(1)
	c.tipLamports.Add(int64(c.config.TipLamports()))

	log.Info().
		Str("bundle_id", bundleID).
		Str("tip_sol", c.config.TipSOL.String()).
		Int("tx_count", len(transactions)).
		Msg("jito: bundle submitted")
	return bundleID, nil
}

// GetBundleStatus maps the block engine view of a bundle onto TxStatus.
// An empty result means the bundle is not yet known to have landed.
func (c *JitoClient) GetBundleStatus(ctx context.Context, bundleID string) (TxStatus, error) {
	result, err := c.post(ctx, "getBundleStatuses", []any{[]string{bundleID}})
	if err != nil {
		return TxUnknown, err
	}

	var statuses struct {
		Value []struct {
			BundleID           string `json:"bundle_id"`
			ConfirmationStatus string `json:"confirmation_status"`
			Slot               uint64 `json:"slot"`
			Err                any    `json:"err"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &statuses); err != nil {
		return TxUnknown, fmt.Errorf("jito: parse status: %w", err)
	}
	if len(statuses.Value) == 0 {
		return TxPending, nil
	}

	entry := statuses.Value[0]
	if entry.Err != nil {
		// Jito reports {"Ok": null} for success.
		m, isMap := entry.Err.(map[string]any)
		_, okKey := m["Ok"]
		if !isMap || !okKey {
			c.bundlesFailed.Add(1)
			return TxFailed, nil
		}
	}
	switch entry.ConfirmationStatus {
	case "confirmed":
		c.bundlesLanded.Add(1)
		return TxConfirmed, nil
	case "finalized":
		c.bundlesLanded.Add(1)
		return TxFinalized, nil
	default:
		return TxPending, nil
	}
}

// NextTipAccount returns the next tip account (round-robin).
func (c *JitoClient) NextTipAccount() Pubkey {
	idx := c.tipAcctIdx.Add(1) - 1
	return jitoTipAccounts[idx%uint32(len(jitoTipAccounts))]
}

// JitoStats returns Jito client statistics.
type JitoStats struct {
	Enabled       bool    `json:"enabled"`
	BundlesSent   int64   `json:"bundles_sent"`
	BundlesLanded int64   `json:"bundles_landed"`
	BundlesFailed int64   `json:"bundles_failed"`
	LandRate      float64 `json:"land_rate_pct"`
	TotalTipSOL   string  `json:"total_tip_sol"`
}

func (c *JitoClient) Stats() JitoStats {
	sent := c.bundlesSent.Load()
	landed := c.bundlesLanded.Load()
	landRate := 0.0
	if sent > 0 {
		landRate = float64(landed) / float64(sent) * 100.0
	}
	return JitoStats{
		Enabled:       c.config.Enabled,
		BundlesSent:   sent,
		BundlesLanded: landed,
		BundlesFailed: c.bundlesFailed.Load(),
		LandRate:      landRate,
		TotalTipSOL:   LamportsToSOL(uint64(c.tipLamports.Load())).String(),
	}
}
