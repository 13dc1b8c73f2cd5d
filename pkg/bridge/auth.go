package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// HeaderSource supplies per-request transport headers, typically backend
// credentials. It is the only authentication hook bridges expose.
type HeaderSource interface {
	Headers(ctx context.Context) (map[string]string, error)
}

// StaticHeaders is a HeaderSource returning a fixed header set.
type StaticHeaders map[string]string

// Headers returns the static headers.
func (h StaticHeaders) Headers(_ context.Context) (map[string]string, error) {
	return h, nil
}

// BearerToken returns a HeaderSource that sets an Authorization bearer token.
func BearerToken(token string) HeaderSource {
	return StaticHeaders{"Authorization": "Bearer " + token}
}

// OAuthClientCredentials obtains access tokens via the OAuth 2.0
// client_credentials grant. Tokens are cached and refreshed once 80% of their
// lifetime has elapsed; a failed refresh falls back to the cached token while
// it is still valid.
type OAuthClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
	refreshAt   time.Time
	httpClient  *http.Client
	nowFunc     func() time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// NewOAuthClientCredentials creates a client_credentials header source.
func NewOAuthClientCredentials(tokenURL, clientID, clientSecret string, scopes []string) *OAuthClientCredentials {
	return &OAuthClientCredentials{
		TokenURL:     tokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		nowFunc:      time.Now,
	}
}

// Headers returns an Authorization header with a bearer token.
func (a *OAuthClientCredentials) Headers(ctx context.Context) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.nowFunc()
	if a.cachedToken != "" && now.Before(a.refreshAt) {
		return map[string]string{"Authorization": "Bearer " + a.cachedToken}, nil
	}

	token, expiresIn, err := a.fetchToken(ctx)
	if err != nil {
		if a.cachedToken != "" && now.Before(a.tokenExpiry) {
			return map[string]string{"Authorization": "Bearer " + a.cachedToken}, nil
		}
		return nil, fmt.Errorf("acquiring OAuth token: %w", err)
	}

	a.cachedToken = token
	a.tokenExpiry = now.Add(time.Duration(expiresIn) * time.Second)
	a.refreshAt = now.Add(time.Duration(float64(expiresIn)*0.8) * time.Second)

	return map[string]string{"Authorization": "Bearer " + a.cachedToken}, nil
}

func (a *OAuthClientCredentials) fetchToken(ctx context.Context) (string, int, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {a.ClientID},
		"client_secret": {a.ClientSecret},
	}
	if len(a.Scopes) > 0 {
		data.Set("scope", strings.Join(a.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("parsing token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("token response missing access_token")
	}
	return tr.AccessToken, tr.ExpiresIn, nil
}

// HeaderTransport is an http.RoundTripper that applies static headers and
// then headers from a HeaderSource to every request.
type HeaderTransport struct {
	Base    http.RoundTripper
	Static  map[string]string
	Dynamic HeaderSource
}

// RoundTrip implements http.RoundTripper.
func (t *HeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if len(t.Static) == 0 && t.Dynamic == nil {
		return base.RoundTrip(req)
	}

	req = req.Clone(req.Context())
	for k, v := range t.Static {
		req.Header.Set(k, v)
	}
	if t.Dynamic != nil {
		headers, err := t.Dynamic.Headers(req.Context())
		if err != nil {
			return nil, fmt.Errorf("getting auth headers: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	return base.RoundTrip(req)
}
