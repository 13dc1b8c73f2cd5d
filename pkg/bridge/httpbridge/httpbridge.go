// Package httpbridge implements a REST-over-HTTP bridge.
//
// Operations with GET, HEAD or DELETE methods carry their named arguments as
// query parameters; all other methods send a JSON body. The HTTP status and
// body are returned verbatim as the bridge result. Only transport failures
// are reported as errors.
package httpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rhuss/drivercore/pkg/bridge"
	"github.com/rhuss/drivercore/pkg/debug"
)

// DefaultMaxResponseBytes bounds the response body read from a backend.
const DefaultMaxResponseBytes = 10 << 20

// Config configures an HTTP bridge.
type Config struct {
	// BaseURL is the backend endpoint; operation paths are appended to it.
	BaseURL string

	// Headers are sent with every request.
	Headers map[string]string

	// HeaderSource supplies dynamic (auth) headers per request.
	HeaderSource bridge.HeaderSource

	// Timeout bounds each HTTP round trip (default: 60s). The caller's
	// context deadline applies in addition.
	Timeout time.Duration

	// RateLimit is the sustained requests per second allowed against the
	// backend. Zero disables rate limiting.
	RateLimit float64

	// Burst is the token bucket size when RateLimit is set (default: 1).
	Burst int

	// MaxResponseBytes bounds the response body (default: 10 MiB).
	MaxResponseBytes int64

	// HTTPClient overrides the client, mainly for tests.
	HTTPClient *http.Client
}

// Bridge executes operations as HTTP requests against one backend.
type Bridge struct {
	base     string
	client   *http.Client
	limiter  *rate.Limiter
	maxBytes int64
}

var _ bridge.Bridge = (*Bridge)(nil)

// New creates an HTTP bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("httpbridge: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("httpbridge: invalid base URL %q: %w", cfg.BaseURL, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if len(cfg.Headers) > 0 || cfg.HeaderSource != nil {
		c := *client
		c.Transport = &bridge.HeaderTransport{
			Base:    client.Transport,
			Static:  cfg.Headers,
			Dynamic: cfg.HeaderSource,
		}
		client = &c
	}

	b := &Bridge{
		base:     strings.TrimSuffix(cfg.BaseURL, "/"),
		client:   client,
		maxBytes: cfg.MaxResponseBytes,
	}
	if b.maxBytes <= 0 {
		b.maxBytes = DefaultMaxResponseBytes
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return b, nil
}

// NewFactory returns a bridge.Factory that builds HTTP bridges from
// resolved endpoints. cfg.BaseURL is replaced by the endpoint URL, and an
// endpoint token becomes a bearer header unless cfg already has a
// HeaderSource.
func NewFactory(cfg Config) bridge.Factory {
	return bridge.FactoryFunc(func(_ context.Context, ep bridge.Endpoint) (bridge.Bridge, error) {
		c := cfg
		c.BaseURL = ep.URL()
		if ep.Token != "" && c.HeaderSource == nil {
			c.HeaderSource = bridge.BearerToken(ep.Token)
		}
		return New(c)
	})
}

// Invoke sends op as an HTTP request and returns the raw response.
func (b *Bridge) Invoke(ctx context.Context, op bridge.Operation) (*bridge.Result, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	req, err := b.newRequest(ctx, op)
	if err != nil {
		return nil, err
	}

	debug.Log("bridge", "http request",
		"operation", op.Name,
		"method", req.Method,
		"url", req.URL.String(),
	)

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, b.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", req.URL.Path, err)
	}
	if int64(len(body)) > b.maxBytes {
		return nil, fmt.Errorf("%s %s: %w (limit %d bytes, status %d)",
			req.Method, req.URL.Path, bridge.ErrResponseTooLarge, b.maxBytes, resp.StatusCode)
	}

	debug.Log("bridge", "http response",
		"operation", op.Name,
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration", time.Since(start),
	)
	if resp.StatusCode >= 500 {
		slog.Warn("backend returned server error",
			"operation", op.Name,
			"status", resp.StatusCode,
		)
	}

	return &bridge.Result{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Metadata:    responseMetadata(resp.Header),
	}, nil
}

// Close releases idle connections.
func (b *Bridge) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *Bridge) newRequest(ctx context.Context, op bridge.Operation) (*http.Request, error) {
	method := strings.ToUpper(op.Method)
	if method == "" {
		method = http.MethodPost
	}

	path := op.Path
	if path == "" && op.Name != "" {
		path = "/" + op.Name
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	u, err := url.Parse(b.base + path)
	if err != nil {
		return nil, fmt.Errorf("building URL for %q: %w", op.Name, err)
	}

	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		if len(op.Positional) > 0 {
			return nil, fmt.Errorf("%s %q: positional arguments cannot be sent as a query", method, op.Name)
		}
		if len(op.Args) > 0 {
			q := u.Query()
			for k, v := range op.Args {
				q.Set(k, queryValue(v))
			}
			u.RawQuery = q.Encode()
		}
	default:
		data, err := requestBody(op)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request for %q: %w", op.Name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, */*")
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func requestBody(op bridge.Operation) ([]byte, error) {
	if len(op.Body) > 0 {
		return op.Body, nil
	}
	if len(op.Positional) > 0 {
		if len(op.Args) > 0 {
			return nil, fmt.Errorf("%q: cannot send named and positional arguments in one body", op.Name)
		}
		data, err := json.Marshal(op.Positional)
		if err != nil {
			return nil, fmt.Errorf("encoding positional arguments for %q: %w", op.Name, err)
		}
		return data, nil
	}
	return op.ArgsJSON()
}

// queryValue renders an argument for a query string. Scalars use their
// natural form, everything else is JSON-encoded.
func queryValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case bool, float64, float32, int, int64, int32, json.Number:
		return fmt.Sprint(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// responseMetadata keeps the first value of each response header, keyed by
// canonical name.
func responseMetadata(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	md := make(map[string]string, len(h))
	for k := range h {
		md[k] = h.Get(k)
	}
	return md
}
