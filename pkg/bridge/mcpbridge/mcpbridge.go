// Package mcpbridge implements a bridge to Model Context Protocol servers.
//
// Operations map to MCP tool calls: the operation name is the tool name and
// named arguments are the tool arguments. The result body is the JSON
// encoding of the server's CallToolResult, unmodified. Tool discovery is
// exposed as a spec source so an MCP server can describe itself.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/drivercore/pkg/bridge"
	"github.com/rhuss/drivercore/pkg/debug"
)

// Transport names accepted in Config.Transport and Endpoint.Transport.
const (
	TransportStreamable = "streamable-http"
	TransportSSE        = "sse"
)

// Config describes a single MCP server connection.
type Config struct {
	// Name identifies the server in logs and errors.
	Name string `json:"name"`

	// URL is the MCP server endpoint.
	URL string `json:"url"`

	// Transport is "streamable-http" (default) or "sse".
	Transport string `json:"transport,omitempty"`

	// Headers are sent with every request.
	Headers map[string]string `json:"headers,omitempty"`

	// HeaderSource supplies dynamic (auth) headers.
	HeaderSource bridge.HeaderSource `json:"-"`
}

// Bridge wraps one MCP client session.
type Bridge struct {
	cfg     Config
	client  *mcp.Client
	session *mcp.ClientSession

	mu            sync.Mutex
	cachedTools   []*mcp.Tool
	toolsResolved bool
}

var _ bridge.Bridge = (*Bridge)(nil)

// Connect dials the server described by cfg and performs the MCP handshake.
func Connect(ctx context.Context, cfg Config) (*Bridge, error) {
	return ConnectWithTransport(ctx, cfg, nil)
}

// ConnectWithTransport performs the handshake over the given transport.
// When transport is nil one is created from cfg.
func ConnectWithTransport(ctx context.Context, cfg Config, transport mcp.Transport) (*Bridge, error) {
	b := &Bridge{cfg: cfg}
	b.client = mcp.NewClient(
		&mcp.Implementation{Name: "drivercore", Version: "1.0.0"},
		&mcp.ClientOptions{Capabilities: &mcp.ClientCapabilities{}},
	)

	if transport == nil {
		t, err := b.createTransport()
		if err != nil {
			return nil, fmt.Errorf("creating transport for %q: %w", cfg.Name, err)
		}
		transport = t
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to MCP server %q: %w", cfg.Name, err)
	}
	b.session = session
	debug.Log("bridge", "mcp session established", "server", cfg.Name)
	return b, nil
}

// NewFactory returns a bridge.Factory that connects to the endpoint URL.
// The endpoint transport tag, when set, overrides cfg.Transport.
func NewFactory(cfg Config) bridge.Factory {
	return bridge.FactoryFunc(func(ctx context.Context, ep bridge.Endpoint) (bridge.Bridge, error) {
		c := cfg
		c.URL = ep.URL()
		if ep.Transport != "" {
			c.Transport = ep.Transport
		}
		if ep.Token != "" && c.HeaderSource == nil {
			c.HeaderSource = bridge.BearerToken(ep.Token)
		}
		return Connect(ctx, c)
	})
}

func (b *Bridge) createTransport() (mcp.Transport, error) {
	var httpClient *http.Client
	if len(b.cfg.Headers) > 0 || b.cfg.HeaderSource != nil {
		httpClient = &http.Client{Transport: &bridge.HeaderTransport{
			Static:  b.cfg.Headers,
			Dynamic: b.cfg.HeaderSource,
		}}
	}

	switch b.cfg.Transport {
	case TransportSSE:
		t := &mcp.SSEClientTransport{Endpoint: b.cfg.URL}
		if httpClient != nil {
			t.HTTPClient = httpClient
		}
		return t, nil
	case TransportStreamable, "", "http":
		t := &mcp.StreamableClientTransport{Endpoint: b.cfg.URL}
		if httpClient != nil {
			t.HTTPClient = httpClient
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported transport type %q", b.cfg.Transport)
	}
}

// Invoke calls the tool named op.Name. A tool-level failure is reported in
// the result (Status 1, IsError in the body), not as an error.
func (b *Bridge) Invoke(ctx context.Context, op bridge.Operation) (*bridge.Result, error) {
	if b.session == nil {
		return nil, fmt.Errorf("MCP bridge %q not connected", b.cfg.Name)
	}
	if len(op.Positional) > 0 && len(op.Args) == 0 {
		return nil, fmt.Errorf("MCP tool %q requires named arguments", op.Name)
	}

	args := op.Args
	if len(op.Body) > 0 && args == nil {
		if err := json.Unmarshal(op.Body, &args); err != nil {
			return nil, fmt.Errorf("decoding body for MCP tool %q: %w", op.Name, err)
		}
	}

	debug.Log("bridge", "mcp tool call", "server", b.cfg.Name, "tool", op.Name)

	result, err := b.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      op.Name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("calling MCP tool %q on %q: %w", op.Name, b.cfg.Name, err)
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding MCP result for %q: %w", op.Name, err)
	}

	status := 0
	if result.IsError {
		status = 1
	}
	return &bridge.Result{
		Status:      status,
		ContentType: "application/json",
		Body:        body,
		Metadata:    map[string]string{"mcp.server": b.cfg.Name},
	}, nil
}

// Tools lists the server's tools. The list is fetched once and cached until
// InvalidateTools is called.
func (b *Bridge) Tools(ctx context.Context) ([]*mcp.Tool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.toolsResolved {
		return b.cachedTools, nil
	}
	discovered, err := b.listTools(ctx)
	if err != nil {
		return nil, err
	}
	b.cachedTools = discovered
	b.toolsResolved = true
	return discovered, nil
}

// InvalidateTools drops the cached tool list.
func (b *Bridge) InvalidateTools() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cachedTools = nil
	b.toolsResolved = false
}

func (b *Bridge) listTools(ctx context.Context) ([]*mcp.Tool, error) {
	if b.session == nil {
		return nil, fmt.Errorf("MCP bridge %q not connected", b.cfg.Name)
	}
	var discovered []*mcp.Tool
	for tool, err := range b.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("listing tools from %q: %w", b.cfg.Name, err)
		}
		discovered = append(discovered, tool)
	}
	return discovered, nil
}

// Close closes the MCP session.
func (b *Bridge) Close() error {
	if b.session != nil {
		return b.session.Close()
	}
	return nil
}
