// Package mcp bridges the payment client into the Model Context Protocol:
// an MCP server whose tools let a language model fetch paid endpoints,
// inspect its spending, and discover payable services.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/x402tap/agentpay"
	"github.com/x402tap/agentpay/registry"
	"github.com/x402tap/agentpay/spend"
)

// Session is the paying HTTP session the bridge exposes. *payer.Client
// satisfies it.
type Session interface {
	GetJSON(ctx context.Context, url string) ([]byte, error)
	Metrics() agentpay.PaymentMetrics
	History(limit int) []agentpay.PaymentRecord
	Tracker() *spend.Tracker
}

// Directory is the service directory the bridge queries. *registry.Client
// satisfies it.
type Directory interface {
	Discover(ctx context.Context, opts registry.DiscoverOptions) ([]registry.Service, error)
}

// Bridge is an MCP server exposing payment tools.
type Bridge struct {
	server    *mcpserver.MCPServer
	session   Session
	directory Directory
	logger    *slog.Logger
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithDirectory enables the discovery tool.
func WithDirectory(directory Directory) BridgeOption {
	return func(b *Bridge) { b.directory = directory }
}

// WithLogger sets the bridge's logger.
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBridge creates an MCP server backed by the given paying session.
func NewBridge(name, version string, session Session, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		server:  mcpserver.NewMCPServer(name, version),
		session: session,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.registerTools()
	return b
}

// ServeStdio runs the bridge over stdin/stdout until the client disconnects.
func (b *Bridge) ServeStdio() error {
	return mcpserver.ServeStdio(b.server)
}

func (b *Bridge) registerTools() {
	b.server.AddTool(mcpproto.NewTool(
		"x402_fetch",
		mcpproto.WithDescription("Fetch a URL, automatically paying if the server responds 402 Payment Required"),
		mcpproto.WithString("url", mcpproto.Required(), mcpproto.Description("URL to fetch")),
	), b.handleFetch)

	b.server.AddTool(mcpproto.NewTool(
		"x402_budget",
		mcpproto.WithDescription("Report spending this hour and the remaining hourly budget"),
	), b.handleBudget)

	b.server.AddTool(mcpproto.NewTool(
		"x402_metrics",
		mcpproto.WithDescription("Report lifetime payment metrics for this session"),
	), b.handleMetrics)

	b.server.AddTool(mcpproto.NewTool(
		"x402_history",
		mcpproto.WithDescription("List recent payments, newest first"),
		mcpproto.WithNumber("limit", mcpproto.Description("Maximum records to return (default 20)")),
	), b.handleHistory)

	if b.directory != nil {
		b.server.AddTool(mcpproto.NewTool(
			"x402_discover",
			mcpproto.WithDescription("Search the service directory for payable endpoints"),
			mcpproto.WithString("query", mcpproto.Description("Free-text search")),
			mcpproto.WithString("category", mcpproto.Description("Service category")),
			mcpproto.WithNumber("max_price", mcpproto.Description("Maximum price per call")),
			mcpproto.WithNumber("limit", mcpproto.Description("Maximum results (default 10)")),
		), b.handleDiscover)
	}
}

func (b *Bridge) handleFetch(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	args := req.GetArguments()
	url, _ := args["url"].(string)
	if url == "" {
		return mcpproto.NewToolResultError("url is required"), nil
	}

	body, err := b.session.GetJSON(ctx, url)
	if err != nil {
		b.logger.Warn("paid fetch failed", "url", url, "error", err)
		return mcpproto.NewToolResultError(err.Error()), nil
	}

	return mcpproto.NewToolResultText(string(body)), nil
}

func (b *Bridge) handleBudget(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	tracker := b.session.Tracker()
	remaining, limited := tracker.RemainingHourlyBudget()

	out := map[string]any{
		"spentThisHour": tracker.SpentThisHour(),
		"limited":       limited,
	}
	if limited {
		out["remainingThisHour"] = remaining
	}

	return jsonResult(out)
}

func (b *Bridge) handleMetrics(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	return jsonResult(b.session.Metrics())
}

func (b *Bridge) handleHistory(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	limit := 20
	if v, ok := req.GetArguments()["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	return jsonResult(b.session.History(limit))
}

func (b *Bridge) handleDiscover(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	args := req.GetArguments()

	opts := registry.DiscoverOptions{Limit: 10}
	if v, ok := args["query"].(string); ok {
		opts.Query = v
	}
	if v, ok := args["category"].(string); ok {
		opts.Category = v
	}
	if v, ok := args["max_price"].(float64); ok {
		opts.MaxPrice = v
	}
	if v, ok := args["limit"].(float64); ok && v > 0 {
		opts.Limit = int(v)
	}

	services, err := b.directory.Discover(ctx, opts)
	if err != nil {
		return mcpproto.NewToolResultError(err.Error()), nil
	}
	return jsonResult(services)
}

func jsonResult(v any) (*mcpproto.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return mcpproto.NewToolResultText(string(raw)), nil
}
