// Package tap is the client for the Trusted Agent Protocol registry: agents
// register their identity and discover peers over requests authenticated
// with HTTP message signatures.
package tap

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/x402tap/agentpay"
	"github.com/x402tap/agentpay/httpsig"
)

// Config holds registry connection and signing configuration.
type Config struct {
	// RegistryURL is the base URL of the agent registry. Required for
	// every registry operation.
	RegistryURL string

	// KeyID identifies the signing key to the registry.
	KeyID string

	// Algorithm selects the signature scheme.
	Algorithm httpsig.Algorithm

	// Ed25519Key signs requests when Algorithm is ed25519.
	Ed25519Key ed25519.PrivateKey

	// RSAKey signs requests when Algorithm is rsa-pss-sha256.
	RSAKey *rsa.PrivateKey

	// DID is the agent's decentralized identifier. Defaults to
	// did:x402:{KeyID} at registration.
	DID string

	// Cert is the agent's capability certificate, forwarded verbatim.
	Cert string
}

// Client talks to the agent registry.
type Client struct {
	config     Config
	httpClient *http.Client
	identity   *agentpay.AgentIdentity
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
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

// NewClient creates a registry client. The key matching config.Algorithm
// must be set.
func NewClient(config Config, opts ...ClientOption) (*Client, error) {
	switch config.Algorithm {
	case httpsig.AlgorithmEd25519:
		if len(config.Ed25519Key) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("%w: ed25519 key required", agentpay.ErrInvalidKey)
		}
	case httpsig.AlgorithmRSAPSSSHA256:
		if config.RSAKey == nil {
			return nil, fmt.Errorf("%w: rsa key required", agentpay.ErrInvalidKey)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %q", agentpay.ErrInvalidKey, config.Algorithm)
	}

	c := &Client{
		config:     config,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DID returns the agent's decentralized identifier.
func (c *Client) DID() string {
	if c.config.DID != "" {
		return c.config.DID
	}
	return "did:x402:" + c.config.KeyID
}

// Identity returns the registry-assigned identity, nil before registration.
func (c *Client) Identity() *agentpay.AgentIdentity {
	return c.identity
}

// Registration is the body posted to /agents/register.
type Registration struct {
	DID           string  `json:"did"`
	WalletAddress string  `json:"walletAddress"`
	Cert          string  `json:"visaTapCert"`
	PublicKey     string  `json:"publicKey"`
	Algorithm     string  `json:"algorithm"`
	Stake         float64 `json:"stake"`
}

// DiscoverFilters narrow an agent discovery query. Zero values are omitted.
type DiscoverFilters struct {
	Capability    string  `json:"capability,omitempty"`
	MinReputation float64 `json:"minReputation,omitempty"`
	MinStake      float64 `json:"minStake,omitempty"`
}

// RegisterAgent registers this agent with the registry and returns the
// assigned identity.
func (c *Client) RegisterAgent(ctx context.Context, walletAddress string, stake float64) (*agentpay.AgentIdentity, error) {
	registration := Registration{
		DID:           c.DID(),
		WalletAddress: walletAddress,
		Cert:          c.config.Cert,
		PublicKey:     c.publicKeyString(),
		Algorithm:     string(c.config.Algorithm),
		Stake:         stake,
	}

	var out struct {
		Agent agentpay.AgentIdentity `json:"agent"`
	}
	if err := c.request(ctx, http.MethodPost, "/agents/register", registration, nil, &out); err != nil {
		return nil, err
	}

	c.identity = &out.Agent
	c.logger.Info("agent registered", "did", out.Agent.DID, "wallet", out.Agent.WalletAddress)
	return c.identity, nil
}

// DiscoverAgents queries the registry for agents matching the filters.
func (c *Client) DiscoverAgents(ctx context.Context, filters DiscoverFilters) ([]agentpay.AgentIdentity, error) {
	query := url.Values{}
	if filters.Capability != "" {
		query.Set("capability", filters.Capability)
	}
	if filters.MinReputation > 0 {
		query.Set("minReputation", fmt.Sprintf("%g", filters.MinReputation))
	}
	if filters.MinStake > 0 {
		query.Set("minStake", fmt.Sprintf("%g", filters.MinStake))
	}

	var out struct {
		Agents []agentpay.AgentIdentity `json:"agents"`
	}
	if err := c.request(ctx, http.MethodGet, "/agents/discover", nil, query, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// request issues one signed registry request and decodes the JSON response.
func (c *Client) request(ctx context.Context, method, path string, body any, query url.Values, out any) error {
	if c.config.RegistryURL == "" {
		return agentpay.NewPaymentError(agentpay.ErrCodeDirectoryUnavailable,
			"registry URL is not configured", agentpay.ErrDirectoryUnavailable)
	}

	target, err := url.Parse(c.config.RegistryURL + path)
	if err != nil {
		return agentpay.NewPaymentError(agentpay.ErrCodeDirectoryUnavailable,
			"invalid registry URL", fmt.Errorf("%w: %v", agentpay.ErrDirectoryUnavailable, err))
	}
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("%w: %v", agentpay.ErrNetworkError, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := c.sign(req); err != nil {
		return err
	}
	c.applyIdentity(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return agentpay.NewPaymentError(agentpay.ErrCodeDirectoryUnavailable,
			"registry unreachable", fmt.Errorf("%w: %v", agentpay.ErrDirectoryUnavailable, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", agentpay.ErrNetworkError, err)
	}

	if resp.StatusCode >= 400 {
		return agentpay.NewPaymentError(agentpay.ErrCodeDirectoryUnavailable,
			fmt.Sprintf("registry returned HTTP %d: %s", resp.StatusCode, string(raw)),
			agentpay.ErrDirectoryUnavailable).
			WithDetails("status", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode registry response: %w", err)
		}
	}
	return nil
}

// sign attaches the Signature-Input/Signature header pair covering the
// request authority and path.
func (c *Client) sign(req *http.Request) error {
	components := httpsig.ComponentsFromURL(req.URL)
	params := httpsig.NewParams(c.config.KeyID, c.config.Algorithm, httpsig.TagPayerAuth)

	var headers httpsig.Headers
	var err error
	switch c.config.Algorithm {
	case httpsig.AlgorithmEd25519:
		headers, err = httpsig.Sign(components, params, c.config.Ed25519Key)
	case httpsig.AlgorithmRSAPSSSHA256:
		headers, err = httpsig.SignRSAPSS(components, params, c.config.RSAKey)
	}
	if err != nil {
		return err
	}

	headers.Apply(req.Header)
	return nil
}

func (c *Client) applyIdentity(req *http.Request) {
	if c.identity == nil {
		return
	}
	req.Header.Set("X-Agent-DID", c.identity.DID)
	req.Header.Set("X-Agent-Cert", c.identity.Cert)
	req.Header.Set("X-Agent-Wallet", c.identity.WalletAddress)
}

// publicKeyString renders the public key for registration.
func (c *Client) publicKeyString() string {
	if c.config.Algorithm == httpsig.AlgorithmEd25519 {
		pub := c.config.Ed25519Key.Public().(ed25519.PublicKey)
		return base64.StdEncoding.EncodeToString(pub)
	}
	return ""
}
