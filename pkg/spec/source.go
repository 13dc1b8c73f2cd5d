package spec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rhuss/drivercore/pkg/debug"
)

// Source produces raw artifact content for a normalized model hint.
type Source interface {
	Fetch(ctx context.Context, modelHint string) ([]byte, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, modelHint string) ([]byte, error)

// Fetch calls f(ctx, modelHint).
func (f SourceFunc) Fetch(ctx context.Context, modelHint string) ([]byte, error) {
	return f(ctx, modelHint)
}

// StaticSource serves fixed content for every hint.
type StaticSource []byte

// Fetch returns a copy of the content.
func (s StaticSource) Fetch(_ context.Context, _ string) ([]byte, error) {
	return append([]byte(nil), s...), nil
}

// FileSource reads the artifact from a file on every fetch, so edits are
// picked up after an invalidation.
type FileSource struct {
	Path string
}

// Fetch reads the file.
func (s FileSource) Fetch(_ context.Context, _ string) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading spec file: %w", err)
	}
	return data, nil
}

// HTTPSource downloads the artifact from a URL. Non-wildcard hints are
// passed as the "model" query parameter so the backend can tailor the
// description.
type HTTPSource struct {
	URL     string
	Headers map[string]string
	Client  *http.Client

	// MaxBytes bounds the downloaded artifact (default: 5 MiB).
	MaxBytes int64
}

// Fetch performs a GET request and returns the body of a 2xx response.
func (s *HTTPSource) Fetch(ctx context.Context, modelHint string) ([]byte, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing spec URL: %w", err)
	}
	if modelHint != "" && modelHint != Wildcard {
		q := u.Query()
		q.Set("model", modelHint)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating spec request: %w", err)
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	debug.Log("spec", "fetching artifact", "url", u.String())

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching spec: %w", err)
	}
	defer resp.Body.Close()

	maxBytes := s.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading spec response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("spec endpoint returned HTTP %d: %s", resp.StatusCode, debug.Truncate(string(body), 200))
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("spec response exceeds %d bytes", maxBytes)
	}
	return body, nil
}
