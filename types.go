// Package agentpay implements the payer side of a machine-payable HTTP
// protocol: clients that receive a 402 Payment Required response settle the
// requested amount on-chain and retry the request with proof of payment.
// The root package holds the protocol data model, the error taxonomy, and
// the network registry; settlement backends live in the svm and evm
// subpackages and the executor in payer.
package agentpay

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"time"
)

// AssetKind distinguishes the chain's base settlement asset from fungible
// tokens that require per-holder accounts.
type AssetKind int

const (
	// AssetKindUnknown represents an unrecognized asset.
	AssetKindUnknown AssetKind = iota
	// AssetKindNative represents the chain's base coin (SOL, ETH).
	AssetKindNative
	// AssetKindToken represents a fungible token (SPL mint, ERC-20 contract).
	AssetKindToken
)

// Asset describes a payable asset on a specific network.
type Asset struct {
	// Kind is native or token.
	Kind AssetKind

	// ID is the mint address (Solana) or contract address (EVM).
	// Empty for native assets.
	ID string

	// Symbol is a human-readable ticker (e.g., "USDC", "SOL").
	Symbol string

	// Decimals is the number of decimal places of the asset.
	Decimals int
}

// PaymentRequirement is the body of a 402 Payment Required response.
// It is immutable once received and consumed exactly once per request attempt.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier (e.g., "solana", "base").
	Network string `json:"network"`

	// Asset is the mint or contract address, or a native marker such as
	// "SOL"/"ETH" for the chain's base coin.
	Asset string `json:"asset"`

	// PayTo is the recipient address.
	PayTo string `json:"payTo"`

	// Amount is the decimal amount in asset-native precision (e.g., "0.01").
	Amount string `json:"amount"`

	// Timeout is the settlement validity window in seconds. Producers
	// disagree on the unit; DecodeRequirement normalizes millisecond
	// values at the boundary.
	Timeout int64 `json:"timeout"`

	// Nonce is echoed back in the payment payload for replay protection.
	Nonce string `json:"nonce"`

	// Memo is an optional note attached to the transfer.
	Memo string `json:"memo,omitempty"`
}

// TimeoutDuration returns the requirement's settlement window as a duration,
// or the given fallback when the requirement does not carry one.
func (r *PaymentRequirement) TimeoutDuration(fallback time.Duration) time.Duration {
	if r.Timeout <= 0 {
		return fallback
	}
	return time.Duration(r.Timeout) * time.Second
}

// PaymentPayload is the proof of payment attached to the retried request.
// It is serialized as base64-of-JSON in the X-Payment header.
type PaymentPayload struct {
	// Network is the blockchain network the payment settled on.
	Network string `json:"network"`

	// Asset is the asset identifier from the triggering requirement.
	Asset string `json:"asset"`

	// From is the payer's wallet address.
	From string `json:"from"`

	// To is the payee address from the triggering requirement.
	To string `json:"to"`

	// Amount is the decimal amount, echoed from the requirement.
	Amount string `json:"amount"`

	// Signature is the on-chain transaction identifier.
	Signature string `json:"signature"`

	// Timestamp is the payment time in milliseconds since the epoch.
	Timestamp int64 `json:"timestamp"`

	// Nonce is echoed from the requirement, or freshly generated when the
	// requirement carried none.
	Nonce string `json:"nonce"`

	// Memo is the optional memo from the requirement.
	Memo string `json:"memo,omitempty"`
}

// Direction marks a payment record as outbound or inbound.
type Direction string

const (
	// DirectionSent marks funds leaving the session wallet.
	DirectionSent Direction = "sent"
	// DirectionReceived marks earnings arriving at the session wallet.
	DirectionReceived Direction = "received"
)

// PaymentRecord is an append-only ledger entry owned by the client session.
// Records are never mutated after append and are queried newest-first.
type PaymentRecord struct {
	// Signature is the on-chain transaction identifier, when known.
	Signature string `json:"signature"`

	// Timestamp is the record time in milliseconds since the epoch.
	Timestamp int64 `json:"timestamp"`

	// Amount is the transferred amount in asset-native units.
	Amount float64 `json:"amount"`

	// Asset is the asset identifier or symbol.
	Asset string `json:"asset"`

	// Direction is sent or received.
	Direction Direction `json:"direction"`

	// From is the paying address.
	From string `json:"from"`

	// To is the receiving address.
	To string `json:"to"`
}

// PaymentMetrics aggregates all records over the session lifetime.
// Every field is maintained incrementally on record append.
type PaymentMetrics struct {
	// TotalSpent is the sum of all sent amounts.
	TotalSpent float64 `json:"totalSpent"`

	// TotalEarned is the sum of all received amounts.
	TotalEarned float64 `json:"totalEarned"`

	// NetProfit is TotalEarned - TotalSpent.
	NetProfit float64 `json:"netProfit"`

	// TransactionCount is the number of records appended.
	TransactionCount int `json:"transactionCount"`

	// AverageCostPerCall is TotalSpent / TransactionCount.
	AverageCostPerCall float64 `json:"averageCostPerCall"`
}

// AgentIdentity is the directory-issued identity held for the life of a
// client session and attached as headers on signed requests.
type AgentIdentity struct {
	// DID is the agent's decentralized identifier.
	DID string `json:"did"`

	// Cert is the agent's credential or certificate reference.
	Cert string `json:"cert"`

	// WalletAddress is the agent's settlement address.
	WalletAddress string `json:"walletAddress"`

	// ReputationScore is the directory's reputation score, when assigned.
	ReputationScore float64 `json:"reputationScore,omitempty"`
}

// AmountToBaseUnits converts a decimal amount string to *big.Int base units.
// For example, "1.5" with 6 decimals becomes 1500000. Amounts that are
// negative, unparseable, or carry more precision than the asset supports
// are rejected with ErrInvalidAmount.
func AmountToBaseUnits(amount string, decimals int) (*big.Int, error) {
	value := new(big.Float)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}
	if value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	// Multiply by 10^decimals
	multiplier := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, multiplier)

	result, accuracy := value.Int(nil)
	if accuracy != big.Exact {
		return nil, ErrInvalidAmount
	}
	return result, nil
}

// BaseUnitsToAmount converts base units back to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.500000".
func BaseUnitsToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	f := new(big.Float).SetInt(value)
	divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f.Quo(f, divisor)

	return f.Text('f', decimals)
}

// GenerateNonce returns 16 random bytes as a hex string.
func GenerateNonce() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
