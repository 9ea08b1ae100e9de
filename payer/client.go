package payer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/x402tap/agentpay"
	"github.com/x402tap/agentpay/spend"
)

// Client is an HTTP client with automatic payment handling. It wraps a
// standard http.Client whose transport is a payment Transport, and exposes
// the session's spending state.
type Client struct {
	*http.Client

	transport *Transport
	tracker   *spend.Tracker
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a payment-enabled HTTP client. At least one settler is
// required.
func NewClient(opts ...ClientOption) (*Client, error) {
	tracker := spend.NewTracker()
	c := &Client{
		Client:    &http.Client{},
		transport: &Transport{Tracker: tracker},
		tracker:   tracker,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if len(c.transport.Settlers) == 0 {
		return nil, fmt.Errorf("%w: client has no settlers", agentpay.ErrInvalidNetwork)
	}

	c.Client.Transport = c.transport
	return c, nil
}

// WithHTTPClient sets a custom underlying HTTP client. Its transport becomes
// the base the payment transport wraps.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		c.transport.Base = httpClient.Transport
		c.Client = httpClient
		return nil
	}
}

// WithSettler adds a settlement backend. Multiple settlers can serve
// different networks.
func WithSettler(settler Settler) ClientOption {
	return func(c *Client) error {
		c.transport.Settlers = append(c.transport.Settlers, settler)
		return nil
	}
}

// WithSpendingLimit caps spending per hour. Zero leaves the client
// unlimited.
func WithSpendingLimit(perHour float64) ClientOption {
	return func(c *Client) error {
		c.tracker = spend.NewTracker(spend.WithHourlyLimit(perHour))
		c.transport.Tracker = c.tracker
		return nil
	}
}

// WithConfirmTimeout sets the default confirmation window for requirements
// that do not carry their own.
func WithConfirmTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error {
		c.transport.ConfirmTimeout = timeout
		return nil
	}
}

// WithIdentity attaches agent identity headers to every outbound request.
func WithIdentity(identity agentpay.AgentIdentity) ClientOption {
	return func(c *Client) error {
		c.transport.Identity = &identity
		return nil
	}
}

// WithPaymentCallbacks sets the payment lifecycle callbacks. Pass nil for
// any callback you don't want.
func WithPaymentCallbacks(onAttempt, onSuccess, onFailure agentpay.PaymentCallback) ClientOption {
	return func(c *Client) error {
		c.transport.OnPaymentAttempt = onAttempt
		c.transport.OnPaymentSuccess = onSuccess
		c.transport.OnPaymentFailure = onFailure
		return nil
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.transport.Logger = logger
		return nil
	}
}

// Get issues a GET request, paying for it if the server demands payment.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post issues a POST request with a JSON body, paying for it if the server
// demands payment.
func (c *Client) Post(ctx context.Context, url string, body string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}

// GetJSON issues a GET request and returns the response body. Error statuses
// that survive the payment cycle are reported as network errors.
func (c *Client) GetJSON(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agentpay.ErrNetworkError, err)
	}
	if resp.StatusCode >= 400 {
		return nil, agentpay.NewPaymentError(agentpay.ErrCodeNetworkError,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)),
			agentpay.ErrNetworkError).
			WithDetails("status", resp.StatusCode)
	}
	return body, nil
}

// Tracker exposes the session's spending tracker.
func (c *Client) Tracker() *spend.Tracker {
	return c.tracker
}

// Metrics returns the session's lifetime payment metrics.
func (c *Client) Metrics() agentpay.PaymentMetrics {
	return c.tracker.Metrics()
}

// History returns session payment records, newest first.
func (c *Client) History(limit int) []agentpay.PaymentRecord {
	return c.tracker.History(limit)
}
