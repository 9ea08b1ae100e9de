// Package svm settles payments on Solana Virtual Machine networks. It owns
// the wallet key material, the native and SPL token transfer strategies, the
// signature status poller, and the on-chain history backfill.
package svm

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"

	"github.com/x402tap/agentpay"
)

// Wallet holds the Solana keypair used to sign and fund payments.
type Wallet struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
}

// WalletOption configures a Wallet.
type WalletOption func(*Wallet) error

// NewWallet creates a wallet from the given options. Exactly one key source
// option is required.
func NewWallet(opts ...WalletOption) (*Wallet, error) {
	w := &Wallet{}

	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}

	if len(w.privateKey) == 0 {
		return nil, agentpay.ErrInvalidKey
	}

	w.publicKey = w.privateKey.PublicKey()
	return w, nil
}

// WithPrivateKey sets the private key from a base58 string.
func WithPrivateKey(base58Key string) WalletOption {
	return func(w *Wallet) error {
		privateKey, err := solana.PrivateKeyFromBase58(base58Key)
		if err != nil {
			return agentpay.ErrInvalidKey
		}
		w.privateKey = privateKey
		return nil
	}
}

// WithKeygenFile loads a private key from a solana-keygen JSON file, the
// byte-array format written by `solana-keygen new`.
func WithKeygenFile(path string) WalletOption {
	return func(w *Wallet) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", agentpay.ErrInvalidKeystore, err)
		}

		var raw []int
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("%w: invalid JSON format", agentpay.ErrInvalidKeystore)
		}

		if len(raw) != 64 {
			return fmt.Errorf("%w: invalid key length", agentpay.ErrInvalidKeystore)
		}

		keyBytes := make([]byte, len(raw))
		for i, b := range raw {
			if b < 0 || b > 255 {
				return fmt.Errorf("%w: byte value out of range", agentpay.ErrInvalidKeystore)
			}
			keyBytes[i] = byte(b)
		}

		w.privateKey = solana.PrivateKey(keyBytes)
		return nil
	}
}

// Address returns the wallet's public key as a base58 string.
func (w *Wallet) Address() string {
	return w.publicKey.String()
}

// PublicKey returns the wallet's public key.
func (w *Wallet) PublicKey() solana.PublicKey {
	return w.publicKey
}

// signTransaction signs tx with the wallet key.
func (w *Wallet) signTransaction(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.publicKey) {
			return &w.privateKey
		}
		return nil
	})
	return err
}
