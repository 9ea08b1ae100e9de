// Package registry is the client for the paid-service directory: agents
// search it for endpoints worth paying, and services list themselves with
// their pricing.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/x402tap/agentpay"
)

// Service is a directory entry for one payable endpoint.
type Service struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Resource    string `json:"resource"`
	Category    string `json:"category,omitempty"`

	// PricePerCall is the quoted price in asset-native units.
	PricePerCall float64 `json:"pricePerCall,omitempty"`

	// Pricing details the asset and network the price is quoted in.
	Pricing *Pricing `json:"pricing,omitempty"`

	ReputationScore  float64 `json:"reputationScore,omitempty"`
	UptimePercentage float64 `json:"uptimePercentage,omitempty"`
	AverageRating    float64 `json:"averageRating,omitempty"`
}

// Pricing quotes a service price on a specific network.
type Pricing struct {
	Amount  string `json:"amount"`
	Asset   string `json:"asset"`
	Network string `json:"network"`
}

// Registration is the body posted to list a service in the directory.
type Registration struct {
	URL                string   `json:"url"`
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	Category           string   `json:"category"`
	OwnerWalletAddress string   `json:"ownerWalletAddress"`
	PricePerCall       float64  `json:"pricePerCall"`
	AcceptedTokens     []string `json:"acceptedTokens"`
	Capabilities       []string `json:"capabilities,omitempty"`
	Tags               []string `json:"tags,omitempty"`
}

// SortOrder ranks discovery results.
type SortOrder string

const (
	SortByPrice      SortOrder = "price"
	SortByReputation SortOrder = "reputation"
	SortByValue      SortOrder = "value"
	SortByRecent     SortOrder = "recent"
)

// DiscoverOptions narrow a service search. Zero values are omitted from the
// query.
type DiscoverOptions struct {
	Query         string
	Category      string
	MaxPrice      float64
	MinReputation float64
	MinUptime     float64
	SortBy        SortOrder
	Limit         int
}

// Client talks to the service directory.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. Passing a payment-enabled client
// lets the directory itself charge for queries.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a directory client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, agentpay.NewPaymentError(agentpay.ErrCodeDirectoryUnavailable,
			"directory URL is required", agentpay.ErrDirectoryUnavailable)
	}

	c := &Client{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Discover searches the directory for services matching the options.
func (c *Client) Discover(ctx context.Context, opts DiscoverOptions) ([]Service, error) {
	query := url.Values{}
	if opts.Query != "" {
		query.Set("query", opts.Query)
	}
	if opts.Category != "" {
		query.Set("category", opts.Category)
	}
	if opts.MaxPrice > 0 {
		query.Set("maxPrice", strconv.FormatFloat(opts.MaxPrice, 'f', -1, 64))
	}
	if opts.MinReputation > 0 {
		query.Set("minReputation", strconv.FormatFloat(opts.MinReputation, 'f', -1, 64))
	}
	if opts.MinUptime > 0 {
		query.Set("minUptime", strconv.FormatFloat(opts.MinUptime, 'f', -1, 64))
	}
	if opts.SortBy != "" {
		query.Set("sortBy", string(opts.SortBy))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}

	var services []Service
	if err := c.get(ctx, "/services/discover?"+query.Encode(), &services); err != nil {
		return nil, err
	}
	return services, nil
}

// GetService fetches one directory entry by ID.
func (c *Client) GetService(ctx context.Context, serviceID string) (*Service, error) {
	var service Service
	if err := c.get(ctx, "/services/"+url.PathEscape(serviceID), &service); err != nil {
		return nil, err
	}
	return &service, nil
}

// Search is a convenience wrapper over Discover with only a text query.
func (c *Client) Search(ctx context.Context, query string) ([]Service, error) {
	return c.Discover(ctx, DiscoverOptions{Query: query})
}

// FindCheapest returns the lowest-priced service in a category, or nil when
// the category is empty.
func (c *Client) FindCheapest(ctx context.Context, category string) (*Service, error) {
	services, err := c.Discover(ctx, DiscoverOptions{
		Category: category,
		SortBy:   SortByPrice,
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, nil
	}
	return &services[0], nil
}

// Categories lists the directory's service categories.
func (c *Client) Categories(ctx context.Context) ([]string, error) {
	var categories []string
	if err := c.get(ctx, "/categories", &categories); err != nil {
		return nil, err
	}
	return categories, nil
}

// RegisterService lists a service in the directory.
func (c *Client) RegisterService(ctx context.Context, registration Registration) (*Service, error) {
	raw, err := json.Marshal(registration)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/services/register", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agentpay.ErrNetworkError, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var service Service
	if err := c.do(req, &service); err != nil {
		return nil, err
	}

	c.logger.Info("service registered", "name", registration.Name, "category", registration.Category)
	return &service, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", agentpay.ErrNetworkError, err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return agentpay.NewPaymentError(agentpay.ErrCodeDirectoryUnavailable,
			"directory unreachable", fmt.Errorf("%w: %v", agentpay.ErrDirectoryUnavailable, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", agentpay.ErrNetworkError, err)
	}

	if resp.StatusCode >= 400 {
		return agentpay.NewPaymentError(agentpay.ErrCodeDirectoryUnavailable,
			fmt.Sprintf("directory returned HTTP %d: %s", resp.StatusCode, string(raw)),
			agentpay.ErrDirectoryUnavailable).
			WithDetails("status", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode directory response: %w", err)
		}
	}
	return nil
}
