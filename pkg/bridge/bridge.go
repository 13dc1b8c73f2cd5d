// Package bridge defines the transport-facing contract a driver calls
// through. A Bridge is an opaque executor (HTTP client, MCP session, serial
// port) that receives a protocol-translated Operation and returns the raw
// backend result without any formatting.
//
// Implementations live in sub-packages (httpbridge, mcpbridge). This package
// also provides wrappers for retry of idempotent operations and for bridges
// whose backend requires serialized access.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrResponseTooLarge is returned when a backend response exceeds the
// bridge's size limit. The body is never returned truncated.
var ErrResponseTooLarge = errors.New("backend response too large")

// Bridge executes translated operations against one backend.
//
// Implementations must be safe for concurrent use unless wrapped with
// Serialized.
type Bridge interface {
	// Invoke executes the operation and returns the backend's raw result.
	Invoke(ctx context.Context, op Operation) (*Result, error)

	// Close releases connections held by the bridge.
	Close() error
}

// Operation is a protocol-specific request produced by a driver's translator.
type Operation struct {
	// Name is the backend operation or tool name.
	Name string

	// Method is the protocol verb (e.g., "GET" for REST). Empty for
	// protocols without verbs.
	Method string

	// Path is the resource path relative to the bridge endpoint.
	Path string

	// Args holds named arguments.
	Args map[string]any

	// Positional holds ordered arguments.
	Positional []any

	// Body is a pre-encoded request body. When set it takes precedence
	// over Args for protocols that carry a body.
	Body []byte

	// Headers are per-operation transport headers.
	Headers map[string]string

	// Idempotent marks operations that are safe to repeat. Only idempotent
	// operations are retried by Retrying.
	Idempotent bool
}

// ArgsJSON returns the named arguments encoded as a JSON object.
func (op Operation) ArgsJSON() ([]byte, error) {
	if op.Args == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(op.Args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments for %q: %w", op.Name, err)
	}
	return data, nil
}

// Result is the raw backend response. The core never reinterprets it.
type Result struct {
	// Status is the backend status code when the protocol has one
	// (HTTP status, MCP error flag mapped to 0/1). Zero when unknown.
	Status int

	// ContentType describes Body (e.g., "application/json").
	ContentType string

	// Body is the unmodified response payload.
	Body []byte

	// Metadata carries transport-specific response attributes.
	Metadata map[string]string
}

// MetaDriverID is the Result metadata key naming the driver that served a
// dispatched call.
const MetaDriverID = "drivercore.driver_id"

// Endpoint is resolved connection information for a bridge, produced by
// static configuration or by the autostarter.
type Endpoint struct {
	Scheme    string `json:"scheme,omitempty" yaml:"scheme"`
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port,omitempty" yaml:"port"`
	Path      string `json:"path,omitempty" yaml:"path"`
	Token     string `json:"-" yaml:"token"`
	Transport string `json:"transport,omitempty" yaml:"transport"`
}

// Address returns host:port, or the bare host when no port is set.
func (e Endpoint) Address() string {
	if e.Port == 0 {
		return e.Host
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL renders the endpoint as a URL. The scheme defaults to http.
func (e Endpoint) URL() string {
	scheme := e.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + e.Address() + e.Path
}

// IsZero reports whether the endpoint has no host.
func (e Endpoint) IsZero() bool {
	return e.Host == ""
}

// ParseEndpoint parses a URL such as "http://127.0.0.1:8080/api" into an Endpoint.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q has no host", raw)
	}

	ep := Endpoint{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Path:   strings.TrimSuffix(u.Path, "/"),
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: invalid port: %w", raw, err)
		}
		ep.Port = port
	}
	return ep, nil
}

// Factory materializes a Bridge from a resolved endpoint. Drivers that can
// be autostarted carry a Factory so a fresh bridge can be bound after each
// (re)launch.
type Factory interface {
	NewBridge(ctx context.Context, ep Endpoint) (Bridge, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, ep Endpoint) (Bridge, error)

// NewBridge calls f(ctx, ep).
func (f FactoryFunc) NewBridge(ctx context.Context, ep Endpoint) (Bridge, error) {
	return f(ctx, ep)
}

// Func adapts a function to the Bridge interface. Close is a no-op.
type Func func(ctx context.Context, op Operation) (*Result, error)

// Invoke calls f(ctx, op).
func (f Func) Invoke(ctx context.Context, op Operation) (*Result, error) {
	return f(ctx, op)
}

// Close does nothing.
func (f Func) Close() error { return nil }
