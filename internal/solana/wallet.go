package solana

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	solanago "github.com/gagliardetto/solana-go"
)

// Wallet holds the signing key used for live swaps.
type Wallet struct {
	key solanago.PrivateKey
}

// LoadWallet parses a private key given either as a base58 string or as a
// JSON byte array (the solana-keygen file format). A value starting with
// "@" is read from the named file.
func LoadWallet(secret string) (*Wallet, error) {
	secret = strings.TrimSpace(secret)
	if strings.HasPrefix(secret, "@") {
		data, err := os.ReadFile(secret[1:])
		if err != nil {
			return nil, fmt.Errorf("wallet: read key file: %w", err)
		}
		secret = strings.TrimSpace(string(data))
	}
	if secret == "" {
		return nil, fmt.Errorf("wallet: empty private key")
	}

	if strings.HasPrefix(secret, "[") {
		var raw []byte
		var ints []int
		if err := json.Unmarshal([]byte(secret), &ints); err != nil {
			return nil, fmt.Errorf("wallet: parse key array: %w", err)
		}
		for _, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("wallet: key array value %d out of range", v)
			}
			raw = append(raw, byte(v))
		}
		if len(raw) != 64 {
			return nil, fmt.Errorf("wallet: key array has %d bytes, want 64", len(raw))
		}
		return &Wallet{key: solanago.PrivateKey(raw)}, nil
	}

	key, err := solanago.PrivateKeyFromBase58(secret)
	if err != nil {
		return nil, fmt.Errorf("wallet: parse base58 key: %w", err)
	}
	return &Wallet{key: key}, nil
}

// PublicKey returns the wallet address.
func (w *Wallet) PublicKey() Pubkey {
	return Pubkey(w.key.PublicKey().String())
}

// SignTransaction signs an unsigned base64 transaction (as returned by a
// swap API) and returns the signed base64 payload with the fee payer
// signature.
func (w *Wallet) SignTransaction(txBase64 string) (string, Signature, error) {
	txBytes, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", "", fmt.Errorf("wallet: decode transaction: %w", err)
	}
	tx, err := solanago.TransactionFromBytes(txBytes)
	if err != nil {
		return "", "", fmt.Errorf("wallet: parse transaction: %w", err)
	}

	owner := w.key.PublicKey()
	sigs, err := tx.Sign(func(pub solanago.PublicKey) *solanago.PrivateKey {
		if pub.Equals(owner) {
			return &w.key
		}
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("wallet: sign: %w", err)
	}
	if len(sigs) == 0 {
		return "", "", fmt.Errorf("wallet: no signature produced")
	}

	signed, err := tx.MarshalBinary()
	if err != nil {
		return "", "", fmt.Errorf("wallet: marshal signed transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signed), Signature(sigs[0].String()), nil
}
