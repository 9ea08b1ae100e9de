package agentpay

import "time"

// PaymentEventType represents the type of payment lifecycle event.
type PaymentEventType string

const (
	// PaymentEventAttempt fires when a payment cycle starts.
	PaymentEventAttempt PaymentEventType = "payment_attempt"
	// PaymentEventSuccess fires when a payment settles and the retried
	// request succeeds.
	PaymentEventSuccess PaymentEventType = "payment_success"
	// PaymentEventFailure fires when any step of the cycle fails.
	PaymentEventFailure PaymentEventType = "payment_failure"
)

// PaymentEvent carries the context of a payment lifecycle event to
// observer callbacks.
type PaymentEvent struct {
	Type      PaymentEventType
	Timestamp time.Time
	URL       string
	Network   string
	Asset     string
	Amount    string
	Recipient string

	// Signature is the on-chain transaction identifier, when one exists.
	Signature string

	// Error is set on failure events.
	Error error

	// Duration is the elapsed time of the cycle so far.
	Duration time.Duration
}

// PaymentCallback observes payment lifecycle events. Callbacks run inline
// on the payment cycle's goroutine and must not block.
type PaymentCallback func(event PaymentEvent)
