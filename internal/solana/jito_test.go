package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jitoServer(t *testing.T, result any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, jitoBundlePath, r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"result":  result,
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestJitoClient_SendBundle(t *testing.T) {
	server := jitoServer(t, "bundle-id-12345")

	config := DefaultJitoConfig()
	config.Enabled = true
	config.BlockEngineURL = server.URL
	client := NewJitoClient(config)

	id, err := client.SendBundle(context.Background(), []string{"tx1-base64"})
	require.NoError(t, err)
	assert.Equal(t, "bundle-id-12345", id)

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.BundlesSent)
	assert.Equal(t, "0.001", stats.TotalTipSOL)
}

func TestJitoClient_SendBundle_Disabled(t *testing.T) {
	client := NewJitoClient(DefaultJitoConfig())

	_, err := client.SendBundle(context.Background(), []string{"tx1"})
	assert.ErrorContains(t, err, "not enabled")
}

func TestJitoClient_SendBundle_EmptyBundle(t *testing.T) {
	config := DefaultJitoConfig()
	config.Enabled = true
	client := NewJitoClient(config)

	_, err := client.SendBundle(context.Background(), nil)
	assert.ErrorContains(t, err, "empty bundle")
}

func TestJitoClient_SendBundle_RPCError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]any{"code": -32000, "message": "bundle dropped"},
		})
	}))
	defer server.Close()

	config := DefaultJitoConfig()
	config.Enabled = true
	config.BlockEngineURL = server.URL
	client := NewJitoClient(config)

	_, err := client.SendBundle(context.Background(), []string{"tx"})
	assert.ErrorContains(t, err, "bundle dropped")
	assert.Equal(t, int64(1), client.Stats().BundlesFailed)
}

func TestJitoClient_GetBundleStatus(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   TxStatus
	}{
		{"empty", map[string]any{"value": []any{}}, TxPending},
		{"confirmed", map[string]any{"value": []map[string]any{
			{"bundle_id": "b", "confirmation_status": "confirmed", "slot": 1, "err": map[string]any{"Ok": nil}},
		}}, TxConfirmed},
		{"finalized", map[string]any{"value": []map[string]any{
			{"bundle_id": "b", "confirmation_status": "finalized", "slot": 1},
		}}, TxFinalized},
		{"processed", map[string]any{"value": []map[string]any{
			{"bundle_id": "b", "confirmation_status": "processed", "slot": 1},
		}}, TxPending},
		{"failed", map[string]any{"value": []map[string]any{
			{"bundle_id": "b", "confirmation_status": "confirmed", "err": map[string]any{"Err": "custom"}},
		}}, TxFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := jitoServer(t, tt.result)
			config := DefaultJitoConfig()
			config.BlockEngineURL = server.URL
			client := NewJitoClient(config)

			status, err := client.GetBundleStatus(context.Background(), "b")
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestJitoClient_NextTipAccount(t *testing.T) {
	client := NewJitoClient(DefaultJitoConfig())

	seen := make(map[Pubkey]bool)
	for i := 0; i < len(jitoTipAccounts); i++ {
		acct := client.NextTipAccount()
		assert.True(t, acct.Valid())
		seen[acct] = true
	}
	assert.Len(t, seen, len(jitoTipAccounts))
	assert.Equal(t, jitoTipAccounts[0], client.NextTipAccount())
}

func TestJitoConfig_TipLamports(t *testing.T) {
	config := DefaultJitoConfig()
	config.TipSOL = decimal.RequireFromString("0.0025")
	assert.Equal(t, uint64(2_500_000), config.TipLamports())
}
