package autostart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rhuss/drivercore/pkg/bridge"
	"github.com/rhuss/drivercore/pkg/debug"
)

// maxHealthResponseDrain limits how much of a health response is read so
// the connection can be reused across checks.
const maxHealthResponseDrain = 4096

// TerminalHealthError marks a check failure that waiting will not fix, such
// as a missing health endpoint. It stops the check loop immediately.
type TerminalHealthError struct {
	Msg   string
	Cause error
}

func (e *TerminalHealthError) Error() string { return e.Msg }
func (e *TerminalHealthError) Unwrap() error { return e.Cause }

// HTTPHealthChecker checks GET <endpoint><health path> and expects a 2xx.
// Redirects and 404 are terminal.
type HTTPHealthChecker struct {
	Client *http.Client
}

// NewHTTPHealthChecker creates a checker that does not follow redirects.
func NewHTTPHealthChecker() *HTTPHealthChecker {
	return &HTTPHealthChecker{
		Client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Check implements HealthChecker.
func (h *HTTPHealthChecker) Check(ctx context.Context, spec LaunchSpec, ep bridge.Endpoint) error {
	path := spec.HealthPath
	if path == "" {
		path = defaultHealthPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	base := ep
	base.Path = ""
	url := base.URL() + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &TerminalHealthError{Msg: fmt.Sprintf("http health check: invalid url %q: %v", url, err), Cause: err}
	}
	req.Header.Set("User-Agent", "drivercore-health-check/1.0")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http health check: %w", err)
	}
	defer func() {
		if ctx.Err() == nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxHealthResponseDrain))
		}
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return &TerminalHealthError{Msg: fmt.Sprintf("http health check: backend does not expose %s (got 404)", path)}
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return &TerminalHealthError{Msg: fmt.Sprintf("http health check: %s returned redirect %d", path, resp.StatusCode)}
	}
	return fmt.Errorf("http health check: unexpected status %d", resp.StatusCode)
}

// TCPHealthChecker succeeds once the endpoint accepts connections.
type TCPHealthChecker struct{}

// Check implements HealthChecker.
func (TCPHealthChecker) Check(ctx context.Context, _ LaunchSpec, ep bridge.Endpoint) error {
	addr := ep.Address()
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return &TerminalHealthError{Msg: fmt.Sprintf("tcp health check: invalid address %q: %v", addr, err), Cause: err}
	}
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	conn.Close()
	return nil
}

// errProcessExited is returned when the backend exits during health checks.
var errProcessExited = errors.New("backend exited during health check")

// waitHealthy polls the checker with exponential backoff until it succeeds,
// the attempt ceiling is reached, the backend exits or ctx is done. It
// returns the number of checks made.
func waitHealthy(ctx context.Context, p Policy, checker HealthChecker, spec LaunchSpec, proc Process) (int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.HealthInitialInterval
	eb.Multiplier = p.HealthMultiplier
	eb.MaxInterval = p.HealthMaxInterval
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(p.HealthMaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	ep := proc.Endpoint()
	done := proc.Done()
	checks := 0
	op := func() error {
		if done != nil {
			select {
			case <-done:
				return backoff.Permanent(errProcessExited)
			default:
			}
		}
		checks++
		pctx, cancel := context.WithTimeout(ctx, p.CheckTimeout)
		defer cancel()
		err := checker.Check(pctx, spec, ep)
		var term *TerminalHealthError
		if errors.As(err, &term) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		debug.Log("autostart", "health check failed",
			"driver", spec.DriverID,
			"endpoint", ep.URL(),
			"check", checks,
			"retry_in", next,
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, b, notify)
	return checks, err
}
