// Package payer implements the client side of the payment protocol: an
// http.RoundTripper that settles 402 Payment Required responses on chain and
// retries the request with proof of payment.
package payer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/x402tap/agentpay"
	"github.com/x402tap/agentpay/encoding"
	"github.com/x402tap/agentpay/spend"
)

// Settler executes a payment on one network. The svm and evm packages
// provide implementations.
type Settler interface {
	// Network returns the network identifier the settler serves.
	Network() string

	// Address returns the paying wallet address.
	Address() string

	// Pay settles the requirement and returns the transaction signature.
	// Nothing is broadcast when it returns an error.
	Pay(ctx context.Context, req agentpay.PaymentRequirement) (string, error)

	// Confirm blocks until the transaction is confirmed, fails, or the
	// timeout elapses.
	Confirm(ctx context.Context, signature string, timeout time.Duration) error
}

// DefaultConfirmTimeout bounds confirmation polling when the requirement
// does not carry its own settlement window.
const DefaultConfirmTimeout = 30 * time.Second

// Transport is an http.RoundTripper that intercepts 402 responses, pays the
// quoted amount, and retries the request once with the X-Payment header.
// Requests that never hit a 402 pass through untouched.
//
// A mutex serializes payment cycles: one wallet funds one payment at a time,
// so the budget check and the broadcast stay consistent.
type Transport struct {
	// Base is the underlying RoundTripper, http.DefaultTransport when nil.
	Base http.RoundTripper

	// Settlers resolve by requirement network.
	Settlers []Settler

	// Tracker enforces the hourly budget and records spend.
	Tracker *spend.Tracker

	// ConfirmTimeout bounds confirmation when the requirement has no
	// timeout of its own.
	ConfirmTimeout time.Duration

	// Identity, when set, attaches the agent identity headers to every
	// outbound request.
	Identity *agentpay.AgentIdentity

	// OnPaymentAttempt is called before a payment is broadcast.
	OnPaymentAttempt agentpay.PaymentCallback

	// OnPaymentSuccess is called after the paid retry succeeds.
	OnPaymentSuccess agentpay.PaymentCallback

	// OnPaymentFailure is called when any step of the payment cycle fails.
	OnPaymentFailure agentpay.PaymentCallback

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	mu sync.Mutex
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	first := req.Clone(req.Context())
	t.applyIdentity(first)

	resp, err := t.base().RoundTrip(first)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, agentpay.NewPaymentError(agentpay.ErrCodeMalformedRequirement,
			"failed to read 402 response body",
			fmt.Errorf("%w: %v", agentpay.ErrMalformedRequirement, err))
	}

	requirement, err := encoding.DecodeRequirement(body)
	if err != nil {
		return nil, err
	}

	return t.payAndRetry(req, requirement)
}

// payAndRetry runs one payment cycle and replays the request with the
// payment header attached.
func (t *Transport) payAndRetry(req *http.Request, requirement agentpay.PaymentRequirement) (*http.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	ctx := req.Context()

	// DecodeRequirement already validated the amount.
	amount, _ := strconv.ParseFloat(requirement.Amount, 64)

	if t.Tracker != nil {
		if err := t.Tracker.Authorize(amount); err != nil {
			t.fail(req, requirement, start, err)
			return nil, err
		}
	}

	settler := t.settlerFor(requirement.Network)
	if settler == nil {
		err := agentpay.NewPaymentError(agentpay.ErrCodeMalformedRequirement,
			fmt.Sprintf("no settler for network %q", requirement.Network),
			fmt.Errorf("%w: %q", agentpay.ErrInvalidNetwork, requirement.Network))
		t.fail(req, requirement, start, err)
		return nil, err
	}

	t.emit(t.OnPaymentAttempt, agentpay.PaymentEvent{
		Type:      agentpay.PaymentEventAttempt,
		Timestamp: start,
		URL:       req.URL.String(),
		Network:   requirement.Network,
		Asset:     requirement.Asset,
		Amount:    requirement.Amount,
		Recipient: requirement.PayTo,
	})

	signature, err := settler.Pay(ctx, requirement)
	if err != nil {
		t.fail(req, requirement, start, err)
		return nil, err
	}

	// The transaction is on the wire: the spend is recorded no matter what
	// confirmation says, because a timeout does not mean the transfer
	// failed.
	if t.Tracker != nil {
		t.Tracker.Track(agentpay.PaymentRecord{
			Signature: signature,
			Amount:    amount,
			Asset:     requirement.Asset,
			Direction: agentpay.DirectionSent,
			From:      settler.Address(),
			To:        requirement.PayTo,
		})
	}

	confirmTimeout := t.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	confirmTimeout = requirement.TimeoutDuration(confirmTimeout)

	if err := settler.Confirm(ctx, signature, confirmTimeout); err != nil {
		t.fail(req, requirement, start, err)
		return nil, err
	}

	payload := agentpay.PaymentPayload{
		Network:   requirement.Network,
		Asset:     requirement.Asset,
		From:      settler.Address(),
		To:        requirement.PayTo,
		Amount:    requirement.Amount,
		Signature: signature,
		Timestamp: time.Now().UnixMilli(),
		Nonce:     requirement.Nonce,
		Memo:      requirement.Memo,
	}
	if payload.Nonce == "" {
		payload.Nonce = agentpay.GenerateNonce()
	}

	header, err := encoding.EncodePayment(payload)
	if err != nil {
		t.fail(req, requirement, start, err)
		return nil, err
	}

	retry, err := t.cloneForRetry(req)
	if err != nil {
		t.fail(req, requirement, start, err)
		return nil, err
	}
	t.applyIdentity(retry)
	retry.Header.Set("X-Payment", header)

	resp, err := t.base().RoundTrip(retry)
	if err != nil {
		t.fail(req, requirement, start, err)
		return nil, err
	}

	// An error status on the paid retry means the server refused a payment
	// that already settled on chain.
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		err := agentpay.NewPaymentError(agentpay.ErrCodeSettlementRejected,
			fmt.Sprintf("server rejected settled payment with HTTP %d", resp.StatusCode),
			agentpay.ErrSettlementRejected).
			WithDetails("signature", signature).
			WithDetails("status", resp.StatusCode)
		t.fail(req, requirement, start, err)
		return nil, err
	}

	t.logger().Info("payment accepted",
		"url", req.URL.String(),
		"network", requirement.Network,
		"amount", requirement.Amount,
		"signature", signature,
		"duration", time.Since(start))

	t.emit(t.OnPaymentSuccess, agentpay.PaymentEvent{
		Type:      agentpay.PaymentEventSuccess,
		Timestamp: time.Now(),
		URL:       req.URL.String(),
		Network:   requirement.Network,
		Asset:     requirement.Asset,
		Amount:    requirement.Amount,
		Recipient: requirement.PayTo,
		Signature: signature,
		Duration:  time.Since(start),
	})

	return resp, nil
}

// cloneForRetry clones the request with a replayable body. The first attempt
// consumed the original body, so the retry rebuilds it from GetBody.
func (t *Transport) cloneForRetry(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.GetBody == nil {
		return clone, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("%w: request body is not replayable: %v", agentpay.ErrNetworkError, err)
	}
	clone.Body = body
	return clone, nil
}

func (t *Transport) settlerFor(network string) Settler {
	for _, s := range t.Settlers {
		if s.Network() == network {
			return s
		}
	}
	return nil
}

func (t *Transport) applyIdentity(req *http.Request) {
	if t.Identity == nil {
		return
	}
	if t.Identity.DID != "" {
		req.Header.Set("X-Agent-DID", t.Identity.DID)
	}
	if t.Identity.Cert != "" {
		req.Header.Set("X-Agent-Cert", t.Identity.Cert)
	}
	if t.Identity.WalletAddress != "" {
		req.Header.Set("X-Agent-Wallet", t.Identity.WalletAddress)
	}
}

func (t *Transport) emit(cb agentpay.PaymentCallback, event agentpay.PaymentEvent) {
	if cb != nil {
		cb(event)
	}
}

func (t *Transport) fail(req *http.Request, requirement agentpay.PaymentRequirement, start time.Time, err error) {
	t.logger().Warn("payment failed",
		"url", req.URL.String(),
		"network", requirement.Network,
		"amount", requirement.Amount,
		"error", err)

	t.emit(t.OnPaymentFailure, agentpay.PaymentEvent{
		Type:      agentpay.PaymentEventFailure,
		Timestamp: time.Now(),
		URL:       req.URL.String(),
		Network:   requirement.Network,
		Asset:     requirement.Asset,
		Amount:    requirement.Amount,
		Recipient: requirement.PayTo,
		Error:     err,
		Duration:  time.Since(start),
	})
}
