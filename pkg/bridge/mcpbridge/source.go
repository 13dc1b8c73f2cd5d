package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SpecFormat tags artifacts rendered by ToolSource.
const SpecFormat = "mcp-tools+json"

// ToolDocument is the artifact rendered from MCP tool discovery.
type ToolDocument struct {
	Server string           `json:"server,omitempty"`
	Tools  []ToolDescriptor `json:"tools"`
}

// ToolDescriptor describes one callable tool.
type ToolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

// ToolSource renders an MCP server's tool list as a spec artifact. It
// connects lazily on first use and keeps the session for later fetches.
type ToolSource struct {
	cfg     Config
	connect func(ctx context.Context) (*Bridge, error)

	mu     sync.Mutex
	bridge *Bridge
	owned  bool
}

// NewToolSource returns a source that opens its own session to cfg.URL.
func NewToolSource(cfg Config) *ToolSource {
	return &ToolSource{
		cfg: cfg,
		connect: func(ctx context.Context) (*Bridge, error) {
			return Connect(ctx, cfg)
		},
		owned: true,
	}
}

// SourceFromBridge returns a source that discovers tools over an existing
// session. Closing the source does not close b.
func SourceFromBridge(b *Bridge) *ToolSource {
	return &ToolSource{cfg: b.cfg, bridge: b}
}

// Fetch lists the server's tools and returns them as a JSON document. The
// tool list is always fetched fresh; caching is the provider's concern.
// The model hint does not change the document.
func (s *ToolSource) Fetch(ctx context.Context, _ string) ([]byte, error) {
	b, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	tools, err := b.listTools(ctx)
	if err != nil {
		return nil, err
	}
	if len(tools) == 0 {
		return nil, fmt.Errorf("MCP server %q exposes no tools", s.cfg.Name)
	}

	doc := ToolDocument{Server: s.cfg.Name, Tools: make([]ToolDescriptor, 0, len(tools))}
	for _, t := range tools {
		doc.Tools = append(doc.Tools, describeTool(t))
	}
	sort.Slice(doc.Tools, func(i, j int) bool { return doc.Tools[i].Name < doc.Tools[j].Name })

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding tool document for %q: %w", s.cfg.Name, err)
	}
	return data, nil
}

// Close closes the session when the source opened it.
func (s *ToolSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owned && s.bridge != nil {
		err := s.bridge.Close()
		s.bridge = nil
		return err
	}
	return nil
}

func (s *ToolSource) session(ctx context.Context) (*Bridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bridge != nil {
		return s.bridge, nil
	}
	if s.connect == nil {
		return nil, fmt.Errorf("MCP source %q has no session", s.cfg.Name)
	}
	b, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	s.bridge = b
	return b, nil
}

func describeTool(t *mcp.Tool) ToolDescriptor {
	return ToolDescriptor{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
	}
}
