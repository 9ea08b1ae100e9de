// Package encoding provides the wire codecs for payment data: base64-of-JSON
// payment headers and 402 response bodies. Decoding validates required fields
// and normalizes the requirement timeout unit at the boundary.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/x402tap/agentpay"
)

// decimalAmount is the only amount syntax the protocol carries. Exponent and
// sign forms big.Float would accept are rejected so every later parse of the
// amount reads the same value.
var decimalAmount = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// Timeout values above this threshold were produced in milliseconds by
// older services and are divided down to seconds on decode. One day in
// seconds; no sane settlement window exceeds it.
const millisecondTimeoutThreshold = 86400

// EncodePayment converts a PaymentPayload to a base64-encoded JSON string
// for the X-Payment request header.
func EncodePayment(payment agentpay.PaymentPayload) (string, error) {
	paymentJSON, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(paymentJSON), nil
}

// DecodePayment converts a base64-encoded JSON string to a PaymentPayload.
// Payloads missing the transaction signature, addresses, or amount are
// rejected: a service cannot verify settlement without them.
func DecodePayment(encoded string) (agentpay.PaymentPayload, error) {
	var payment agentpay.PaymentPayload

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payment, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &payment); err != nil {
		return payment, fmt.Errorf("failed to unmarshal payment: %w", err)
	}

	if payment.Signature == "" || payment.From == "" || payment.To == "" || payment.Amount == "" {
		return payment, fmt.Errorf("payment payload missing required fields")
	}

	return payment, nil
}

// EncodeRequirement marshals a PaymentRequirement as the JSON body of a
// 402 Payment Required response.
func EncodeRequirement(req agentpay.PaymentRequirement) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal requirement: %w", err)
	}
	return body, nil
}

// DecodeRequirement parses a 402 response body into a PaymentRequirement.
// Missing required fields or an amount that does not parse as a non-negative
// decimal surface as ErrMalformedRequirement. Millisecond timeouts are
// normalized to seconds.
func DecodeRequirement(body []byte) (agentpay.PaymentRequirement, error) {
	var req agentpay.PaymentRequirement

	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("%w: %v", agentpay.ErrMalformedRequirement, err)
	}

	if req.Network == "" || req.PayTo == "" || req.Amount == "" {
		return req, fmt.Errorf("%w: missing network, payTo, or amount", agentpay.ErrMalformedRequirement)
	}

	// Reject amounts a transfer strategy could not convert later. Precision
	// is re-checked against the asset's decimals at settlement time.
	if !decimalAmount.MatchString(req.Amount) {
		return req, fmt.Errorf("%w: amount %q", agentpay.ErrMalformedRequirement, req.Amount)
	}
	if _, err := agentpay.AmountToBaseUnits(req.Amount, 18); err != nil {
		return req, fmt.Errorf("%w: amount %q", agentpay.ErrMalformedRequirement, req.Amount)
	}

	if req.Timeout > millisecondTimeoutThreshold {
		req.Timeout /= 1000
	}

	return req, nil
}
