// Package client talks to a drivercore server over its HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rhuss/drivercore/pkg/api"
	"github.com/rhuss/drivercore/pkg/transport"
)

const defaultTimeout = 2 * time.Minute

// Client is a drivercore API client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DispatchResult is the outcome of a dispatch. Called is false when the
// input held no call.
type DispatchResult struct {
	Called       bool
	RequestID    string
	DriverID     string
	BridgeStatus int
	ContentType  string
	Body         []byte
}

// ListDrivers returns all registered drivers.
func (c *Client) ListDrivers(ctx context.Context) ([]transport.DriverView, error) {
	var list transport.DriverList
	if err := c.getJSON(ctx, "/v1/drivers", &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// GetDriver returns the driver registered under ref (id or prefix).
func (c *Client) GetDriver(ctx context.Context, ref string) (*transport.DriverView, error) {
	var v transport.DriverView
	if err := c.getJSON(ctx, "/v1/drivers/"+url.PathEscape(ref), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Spec returns the driver's spec artifact, optionally tailored to model.
func (c *Client) Spec(ctx context.Context, ref, model string) (string, error) {
	path := "/v1/drivers/" + url.PathEscape(ref) + "/spec"
	if model != "" {
		path += "?model=" + url.QueryEscape(model)
	}
	return c.getText(ctx, path)
}

// SystemMessage returns the system message that teaches a model the
// driver's API.
func (c *Client) SystemMessage(ctx context.Context, ref string) (string, error) {
	return c.getText(ctx, "/v1/drivers/"+url.PathEscape(ref)+"/system_message")
}

// InvalidateSpec drops the cached spec of a driver.
func (c *Client) InvalidateSpec(ctx context.Context, ref string) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/drivers/"+url.PathEscape(ref)+"/spec/invalidate", nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Start, Stop and Reset drive the backend lifecycle of an autostart driver.
func (c *Client) Start(ctx context.Context, ref string) (*transport.DriverView, error) {
	return c.lifecycle(ctx, ref, "start")
}

func (c *Client) Stop(ctx context.Context, ref string) (*transport.DriverView, error) {
	return c.lifecycle(ctx, ref, "stop")
}

func (c *Client) Reset(ctx context.Context, ref string) (*transport.DriverView, error) {
	return c.lifecycle(ctx, ref, "reset")
}

func (c *Client) lifecycle(ctx context.Context, ref, action string) (*transport.DriverView, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/drivers/"+url.PathEscape(ref)+"/"+action, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var v transport.DriverView
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding driver: %w", err)
	}
	return &v, nil
}

// Dispatch sends raw model output to the dispatcher. requestID may be empty;
// it names the dispatch for CancelDispatch.
func (c *Client) Dispatch(ctx context.Context, raw, requestID string) (*DispatchResult, error) {
	h := http.Header{"Content-Type": {"text/plain; charset=utf-8"}}
	if requestID != "" {
		h.Set(transport.HeaderRequestID, requestID)
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/dispatch", strings.NewReader(raw), h)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &DispatchResult{
		RequestID: resp.Header.Get(transport.HeaderRequestID),
		DriverID:  resp.Header.Get("X-Driver-ID"),
	}
	if resp.StatusCode == http.StatusNoContent {
		return out, nil
	}
	out.Called = true
	out.ContentType = resp.Header.Get("Content-Type")
	out.BridgeStatus, _ = strconv.Atoi(resp.Header.Get("X-Bridge-Status"))
	if out.Body, err = io.ReadAll(resp.Body); err != nil {
		return nil, fmt.Errorf("reading result: %w", err)
	}
	return out, nil
}

// CancelDispatch abandons the running dispatch with the given request ID.
func (c *Client) CancelDispatch(ctx context.Context, requestID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/dispatch/"+url.PathEscape(requestID), nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func (c *Client) getText(ctx context.Context, path string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(b), nil
}

// do performs a request and converts error envelopes into *api.Error.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, h http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range h {
		req.Header[k] = vs
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, decodeError(resp)
}

// StatusError is returned for error responses without a drivercore error
// envelope, e.g. from a proxy.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er api.ErrorResponse
	if err := json.Unmarshal(b, &er); err == nil && er.Error != nil && er.Error.Kind != "" {
		return er.Error
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// IsKind reports whether err is a drivercore error of the given kind.
func IsKind(err error, kind api.ErrorKind) bool {
	var e *api.Error
	return errors.As(err, &e) && e.Kind == kind
}
