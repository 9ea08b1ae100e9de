package agentpay

import (
	"errors"
	"fmt"
)

// Sentinel errors for the payment protocol engine. Outcomes with financial
// consequences are always surfaced as one of these; the engine never
// collapses a payment-adjacent failure into a generic error.

var (
	// ErrMalformedRequirement indicates a 402 body that is missing required
	// fields or carries an unparseable amount. Non-retriable; the service
	// integration must be fixed.
	ErrMalformedRequirement = errors.New("agentpay: malformed payment requirement")

	// ErrInsufficientBalance indicates the wallet balance is below the
	// requested amount. No transaction was broadcast; retriable after funding.
	ErrInsufficientBalance = errors.New("agentpay: insufficient balance")

	// ErrTransferFailed indicates a broadcast was attempted and rejected, or
	// transaction building/signing failed. Unless a transaction identifier
	// was returned, no funds moved.
	ErrTransferFailed = errors.New("agentpay: transfer failed")

	// ErrConfirmationTimeout indicates the transaction status was still
	// unknown at the deadline. Ambiguous, not failed: the payment may have
	// landed on-chain despite the local timeout.
	ErrConfirmationTimeout = errors.New("agentpay: confirmation timed out, payment may have succeeded")

	// ErrSettlementRejected indicates funds moved but the service refused
	// the retried request. Terminal for that payment; re-paying does not help.
	ErrSettlementRejected = errors.New("agentpay: settlement rejected by service")

	// ErrBudgetExceeded indicates the requirement's amount exceeds the
	// remaining hourly spending budget. Checked before any broadcast.
	ErrBudgetExceeded = errors.New("agentpay: hourly spending budget exceeded")

	// ErrDirectoryUnavailable indicates no directory service is configured
	// or the directory cannot be reached.
	ErrDirectoryUnavailable = errors.New("agentpay: directory service unavailable")

	// ErrNetworkError indicates a transient HTTP-layer failure.
	ErrNetworkError = errors.New("agentpay: network error")

	// ErrInvalidAmount indicates an amount that does not parse as a
	// non-negative decimal in the asset's precision.
	ErrInvalidAmount = errors.New("agentpay: invalid amount")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("agentpay: invalid private key")

	// ErrInvalidKeystore indicates an invalid or undecryptable keystore file.
	ErrInvalidKeystore = errors.New("agentpay: invalid keystore file")

	// ErrInvalidMnemonic indicates an invalid BIP-39 mnemonic phrase.
	ErrInvalidMnemonic = errors.New("agentpay: invalid mnemonic phrase")

	// ErrInvalidNetwork indicates an unknown or unsupported network.
	ErrInvalidNetwork = errors.New("agentpay: invalid or unsupported network")

	// ErrInvalidSignature indicates a message signature that failed
	// verification.
	ErrInvalidSignature = errors.New("agentpay: invalid signature")
)

// ErrorCode classifies a PaymentError for programmatic handling.
type ErrorCode string

const (
	// ErrCodeMalformedRequirement marks unusable 402 bodies.
	ErrCodeMalformedRequirement ErrorCode = "MALFORMED_REQUIREMENT"
	// ErrCodeInsufficientBalance marks refusals before broadcast.
	ErrCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	// ErrCodeTransferFailed marks rejected or unbuildable broadcasts.
	ErrCodeTransferFailed ErrorCode = "TRANSFER_FAILED"
	// ErrCodeConfirmationTimeout marks ambiguous settlement outcomes.
	ErrCodeConfirmationTimeout ErrorCode = "CONFIRMATION_TIMEOUT"
	// ErrCodeSettlementRejected marks paid-but-refused outcomes.
	ErrCodeSettlementRejected ErrorCode = "SETTLEMENT_REJECTED"
	// ErrCodeBudgetExceeded marks pre-spend budget refusals.
	ErrCodeBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"
	// ErrCodeDirectoryUnavailable marks directory client failures.
	ErrCodeDirectoryUnavailable ErrorCode = "DIRECTORY_UNAVAILABLE"
	// ErrCodeNetworkError marks transient HTTP failures.
	ErrCodeNetworkError ErrorCode = "NETWORK_ERROR"
)

// PaymentError wraps a sentinel error with a code, a human-readable message,
// and structured details for operator escalation.
type PaymentError struct {
	// Code classifies the failure.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Err is the underlying error, typically one of the sentinels above.
	Err error

	// Details carries contextual key/value pairs (network, asset, amount,
	// transaction signature).
	Details map[string]any
}

// NewPaymentError creates a PaymentError with an initialized details map.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]any),
	}
}

// WithDetails attaches a contextual key/value pair and returns the error for
// chaining.
func (e *PaymentError) WithDetails(key string, value any) *PaymentError {
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *PaymentError) Unwrap() error {
	return e.Err
}
