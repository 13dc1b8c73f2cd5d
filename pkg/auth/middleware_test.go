package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestMiddleware_BypassEndpoint(t *testing.T) {
	h := Middleware(&Chain{DefaultDecision: No}, nil, []string{"/healthz"})(okHandler())

	if rec := serve(h, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("bypass endpoint: status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_Rejects(t *testing.T) {
	h := Middleware(&Chain{DefaultDecision: No}, nil, DefaultBypassEndpoints)(okHandler())

	rec := serve(h, http.MethodPost, "/v1/dispatch")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Type != "unauthenticated" {
		t.Errorf("error type = %q", body.Error.Type)
	}
}

func TestMiddleware_EmptySubject(t *testing.T) {
	h := Middleware(&Chain{Authenticators: []Authenticator{yes("", "")}}, nil, nil)(okHandler())
	if rec := serve(h, http.MethodGet, "/v1/drivers"); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestMiddleware_IdentityInContext(t *testing.T) {
	chain := &Chain{Authenticators: []Authenticator{yes("alice", "premium")}, DefaultDecision: No}

	var got *Identity
	h := Middleware(chain, nil, DefaultBypassEndpoints)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = IdentityFrom(r.Context())
	}))
	serve(h, http.MethodPost, "/v1/dispatch")

	if got == nil || got.Subject != "alice" || got.Tier() != "premium" {
		t.Errorf("identity = %+v", got)
	}
}

func TestMiddleware_RateLimit(t *testing.T) {
	chain := &Chain{Authenticators: []Authenticator{yes("alice", "limited")}, DefaultDecision: No}
	limiter := NewTierLimiter(map[string]TierConfig{
		"limited": {RequestsPerMinute: 2, Burst: 2},
	})
	h := Middleware(chain, limiter, DefaultBypassEndpoints)(okHandler())

	for i := range 2 {
		if rec := serve(h, http.MethodPost, "/v1/dispatch"); rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}
	if rec := serve(h, http.MethodPost, "/v1/dispatch"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("third request: status = %d, want 429", rec.Code)
	}
}

func TestTierLimiter(t *testing.T) {
	limiter := NewTierLimiter(map[string]TierConfig{
		DefaultTier: {RequestsPerMinute: 1, Burst: 1},
		"premium":   {RequestsPerMinute: 600, Burst: 5},
	})
	ctx := context.Background()

	alice := &Identity{Subject: "alice"}
	if err := limiter.Allow(ctx, alice); err != nil {
		t.Fatalf("first default request: %v", err)
	}
	if err := limiter.Allow(ctx, alice); err != ErrTooManyRequests {
		t.Errorf("second default request: err = %v, want ErrTooManyRequests", err)
	}

	// Buckets are per subject.
	if err := limiter.Allow(ctx, &Identity{Subject: "bob"}); err != nil {
		t.Errorf("other subject limited: %v", err)
	}

	// Unknown tiers fall back to default.
	carol := &Identity{Subject: "carol", ServiceTier: "gold"}
	limiter.Allow(ctx, carol)
	if err := limiter.Allow(ctx, carol); err != ErrTooManyRequests {
		t.Errorf("unknown tier: err = %v, want default limit", err)
	}

	premium := &Identity{Subject: "dave", ServiceTier: "premium"}
	for i := range 5 {
		if err := limiter.Allow(ctx, premium); err != nil {
			t.Fatalf("premium request %d: %v", i+1, err)
		}
	}
}

func TestTierLimiter_Unlimited(t *testing.T) {
	limiter := NewTierLimiter(nil)
	for range 100 {
		if err := limiter.Allow(context.Background(), &Identity{Subject: "alice"}); err != nil {
			t.Fatal(err)
		}
	}
}
