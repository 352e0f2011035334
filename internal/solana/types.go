package solana

import (
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature.
type Signature string

// PubkeyLen is the decoded length of an ed25519 public key.
const PubkeyLen = 32

// ParsePubkey validates a base58 address and returns it as a Pubkey.
func ParsePubkey(s string) (Pubkey, error) {
	if s == "" {
		return "", fmt.Errorf("solana: empty pubkey")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("solana: decode pubkey %q: %w", s, err)
	}
	if len(raw) != PubkeyLen {
		return "", fmt.Errorf("solana: pubkey %q has %d bytes, want %d", s, len(raw), PubkeyLen)
	}
	return Pubkey(s), nil
}

// Valid reports whether p decodes to a 32-byte key.
func (p Pubkey) Valid() bool {
	_, err := ParsePubkey(string(p))
	return err == nil
}

// Short returns the first 8 characters, for log fields.
func (p Pubkey) Short() string {
	if len(p) > 8 {
		return string(p[:8])
	}
	return string(p)
}

// Well-known mints.
const (
	SOLMint  Pubkey = "So11111111111111111111111111111111111111112"
	USDCMint Pubkey = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// LamportsPerSOL is the lamport denomination of one SOL.
const LamportsPerSOL = 1_000_000_000

// BaseFeeLamports is the network signature fee per transaction.
const BaseFeeLamports = 5_000

// LamportsToSOL converts lamports to SOL.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromInt(int64(lamports)).Div(decimal.NewFromInt(LamportsPerSOL))
}

// TxStatus is the confirmation state of a submitted transaction or bundle.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFinalized TxStatus = "finalized"
	TxFailed    TxStatus = "failed"
	TxUnknown   TxStatus = "unknown"
)

// Landed reports whether the transaction reached at least confirmed.
func (s TxStatus) Landed() bool {
	return s == TxConfirmed || s == TxFinalized
}
