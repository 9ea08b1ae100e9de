// Package evm settles payments on EVM-compatible networks. It mirrors the
// svm package surface: a Wallet holding key material, a Settler with native
// and ERC-20 transfer strategies, and receipt-based confirmation.
package evm

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/x402tap/agentpay"
)

// Wallet holds the ECDSA keypair used to sign and fund payments.
type Wallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
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

	if w.privateKey == nil {
		return nil, agentpay.ErrInvalidKey
	}

	w.address = crypto.PubkeyToAddress(w.privateKey.PublicKey)
	return w, nil
}

// WithPrivateKey sets the private key from a hex string, with or without the
// 0x prefix.
func WithPrivateKey(hexKey string) WalletOption {
	return func(w *Wallet) error {
		hexKey = strings.TrimPrefix(hexKey, "0x")

		privateKey, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return agentpay.ErrInvalidKey
		}

		w.privateKey = privateKey
		return nil
	}
}

// WithKeystore loads a private key from an encrypted geth keystore file.
func WithKeystore(keystorePath, password string) WalletOption {
	return func(w *Wallet) error {
		data, err := os.ReadFile(keystorePath)
		if err != nil {
			return fmt.Errorf("%w: %v", agentpay.ErrInvalidKeystore, err)
		}

		var keyJSON struct {
			Crypto keystore.CryptoJSON `json:"crypto"`
		}
		if err := json.Unmarshal(data, &keyJSON); err != nil {
			return fmt.Errorf("%w: invalid JSON format", agentpay.ErrInvalidKeystore)
		}

		privateKeyBytes, err := keystore.DecryptDataV3(keyJSON.Crypto, password)
		if err != nil {
			return fmt.Errorf("%w: decryption failed", agentpay.ErrInvalidKeystore)
		}

		privateKey, err := crypto.ToECDSA(privateKeyBytes)
		if err != nil {
			return fmt.Errorf("%w: invalid private key", agentpay.ErrInvalidKeystore)
		}

		w.privateKey = privateKey
		return nil
	}
}

// WithMnemonic derives a private key from a BIP-39 mnemonic phrase at
// m/44'/60'/0'/0/{accountIndex}.
func WithMnemonic(mnemonic string, accountIndex uint32) WalletOption {
	return func(w *Wallet) error {
		if !bip39.IsMnemonicValid(mnemonic) {
			return agentpay.ErrInvalidMnemonic
		}

		seed := bip39.NewSeed(mnemonic, "")

		privateKey, err := deriveEthereumKey(seed, accountIndex)
		if err != nil {
			return fmt.Errorf("%w: %v", agentpay.ErrInvalidMnemonic, err)
		}

		w.privateKey = privateKey
		return nil
	}
}

// deriveEthereumKey walks the BIP-44 path m/44'/60'/0'/0/{index}.
func deriveEthereumKey(seed []byte, index uint32) (*ecdsa.PrivateKey, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	path := []uint32{
		bip32.FirstHardenedChild + 44, // purpose
		bip32.FirstHardenedChild + 60, // coin type: ether
		bip32.FirstHardenedChild + 0,  // account
		0,                             // external chain
		index,
	}

	key := masterKey
	for _, childIndex := range path {
		key, err = key.NewChildKey(childIndex)
		if err != nil {
			return nil, err
		}
	}

	return crypto.ToECDSA(key.Key)
}

// Address returns the wallet's checksummed address.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// CommonAddress returns the wallet's address.
func (w *Wallet) CommonAddress() common.Address {
	return w.address
}
