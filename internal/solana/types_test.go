package solana

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePubkey(t *testing.T) {
	p, err := ParsePubkey(string(USDCMint))
	require.NoError(t, err)
	assert.Equal(t, USDCMint, p)
	assert.Equal(t, "EPjFWdd5", p.Short())

	_, err = ParsePubkey("")
	assert.Error(t, err)

	_, err = ParsePubkey("0OIl")
	assert.Error(t, err)

	_, err = ParsePubkey("abc")
	assert.ErrorContains(t, err, "want 32")
}

func TestLamportsToSOL(t *testing.T) {
	assert.Equal(t, "1.5", LamportsToSOL(1_500_000_000).String())
	assert.Equal(t, "0.000005", LamportsToSOL(BaseFeeLamports).String())
}

func TestTxStatus_Landed(t *testing.T) {
	assert.True(t, TxConfirmed.Landed())
	assert.True(t, TxFinalized.Landed())
	assert.False(t, TxPending.Landed())
	assert.False(t, TxFailed.Landed())
	assert.False(t, TxUnknown.Landed())
}

func TestStubRPCClient(t *testing.T) {
	ctx := context.Background()
	rpc := NewStubRPCClient()

	sig, err := rpc.SendTransaction(ctx, "tx-1")
	require.NoError(t, err)
	status, err := rpc.GetSignatureStatus(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, status)

	rpc.SetStatus(TxFailed)
	sig2, err := rpc.SendTransaction(ctx, "tx-2")
	require.NoError(t, err)
	status, _ = rpc.GetSignatureStatus(ctx, sig2)
	assert.Equal(t, TxFailed, status)

	status, _ = rpc.GetSignatureStatus(ctx, "never-sent")
	assert.Equal(t, TxUnknown, status)

	rpc.SetFailNext()
	_, err = rpc.SendTransaction(ctx, "tx-3")
	assert.Error(t, err)
	assert.Equal(t, []string{"tx-1", "tx-2"}, rpc.Sent())
}
