package httpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rhuss/drivercore/pkg/bridge"
)

func newTestBridge(t *testing.T, handler http.HandlerFunc, mutate func(*Config)) *Bridge {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{BaseURL: srv.URL}
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestInvoke_GetEncodesQuery(t *testing.T) {
	var gotPath, gotCity, gotDays string
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCity = r.URL.Query().Get("city")
		gotDays = r.URL.Query().Get("days")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"temp":21.5,"unit":"C"}`))
	}, nil)

	res, err := b.Invoke(context.Background(), bridge.Operation{
		Name:   "getForecast",
		Method: "get",
		Path:   "/forecast",
		Args:   map[string]any{"city": "Berlin", "days": float64(3)},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if gotPath != "/forecast" || gotCity != "Berlin" || gotDays != "3" {
		t.Errorf("request path=%q city=%q days=%q", gotPath, gotCity, gotDays)
	}
	if res.Status != http.StatusOK {
		t.Errorf("Status = %d", res.Status)
	}
	if string(res.Body) != `{"temp":21.5,"unit":"C"}` {
		t.Errorf("Body = %s, want unmodified backend body", res.Body)
	}
	if res.ContentType != "application/json" {
		t.Errorf("ContentType = %q", res.ContentType)
	}
}

func TestInvoke_PostSendsJSONBody(t *testing.T) {
	var got map[string]any
	var contentType string
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}, nil)

	res, err := b.Invoke(context.Background(), bridge.Operation{
		Name: "createOrder",
		Args: map[string]any{"sku": "A-1", "qty": float64(2)},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != http.StatusCreated {
		t.Errorf("Status = %d", res.Status)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if got["sku"] != "A-1" || got["qty"] != float64(2) {
		t.Errorf("body = %v", got)
	}
}

func TestInvoke_PositionalAndRawBody(t *testing.T) {
	var bodies []string
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(data))
	}, nil)

	ctx := context.Background()
	if _, err := b.Invoke(ctx, bridge.Operation{Name: "sum", Positional: []any{1, 2}}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Invoke(ctx, bridge.Operation{Name: "raw", Body: []byte(`{"x":1}`), Args: map[string]any{"ignored": true}}); err != nil {
		t.Fatal(err)
	}
	if bodies[0] != "[1,2]" {
		t.Errorf("positional body = %s", bodies[0])
	}
	if bodies[1] != `{"x":1}` {
		t.Errorf("raw body = %s", bodies[1])
	}
}

func TestInvoke_RejectsUnsendablePositional(t *testing.T) {
	var hits atomic.Int32
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}, nil)

	tests := []struct {
		name string
		op   bridge.Operation
	}{
		{"query method", bridge.Operation{Name: "getForecast", Method: http.MethodGet, Path: "/forecast", Positional: []any{"Berlin"}}},
		{"delete", bridge.Operation{Name: "dropCity", Method: http.MethodDelete, Positional: []any{"Oslo"}}},
		{"named and positional", bridge.Operation{Name: "sum", Args: map[string]any{"x": 1}, Positional: []any{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Invoke(context.Background(), tt.op); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("backend called %d times", n)
	}
}

func TestInvoke_ResponseTooLarge(t *testing.T) {
	body := strings.Repeat("x", 100)
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}, func(c *Config) { c.MaxResponseBytes = 40 })

	res, err := b.Invoke(context.Background(), bridge.Operation{Name: "dump", Method: http.MethodGet})
	if !errors.Is(err, bridge.ErrResponseTooLarge) {
		t.Fatalf("err = %v, result = %+v, want ErrResponseTooLarge", err, res)
	}

	exact := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}, func(c *Config) { c.MaxResponseBytes = int64(len(body)) })
	res, err = exact.Invoke(context.Background(), bridge.Operation{Name: "dump", Method: http.MethodGet})
	if err != nil {
		t.Fatalf("body at the limit: %v", err)
	}
	if string(res.Body) != body {
		t.Errorf("body = %d bytes, want %d", len(res.Body), len(body))
	}
}

func TestInvoke_ServerErrorIsResultNotError(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("backend down"))
	}, nil)

	res, err := b.Invoke(context.Background(), bridge.Operation{Name: "status", Method: http.MethodGet})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != http.StatusServiceUnavailable || string(res.Body) != "backend down" {
		t.Errorf("result = %d %s", res.Status, res.Body)
	}
}

func TestInvoke_TransportErrorIsError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	b, err := New(Config{BaseURL: url, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Invoke(context.Background(), bridge.Operation{Name: "x"}); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestInvoke_HeadersAndHeaderSource(t *testing.T) {
	var got http.Header
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}, func(c *Config) {
		c.Headers = map[string]string{"X-Static": "s"}
		c.HeaderSource = bridge.BearerToken("secret")
	})

	_, err := b.Invoke(context.Background(), bridge.Operation{
		Name:    "x",
		Headers: map[string]string{"X-Op": "o"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Get("X-Static") != "s" || got.Get("X-Op") != "o" || got.Get("Authorization") != "Bearer secret" {
		t.Errorf("headers = %v", got)
	}
}

func TestInvoke_RateLimited(t *testing.T) {
	var calls atomic.Int32
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, func(c *Config) {
		c.RateLimit = 0.001
		c.Burst = 1
	})

	if _, err := b.Invoke(context.Background(), bridge.Operation{Name: "x"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Invoke(ctx, bridge.Operation{Name: "x"}); err == nil {
		t.Fatal("expected rate limiter to reject second call within deadline")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

func TestFactory_UsesEndpoint(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	ep, err := bridge.ParseEndpoint(srv.URL + "/api")
	if err != nil {
		t.Fatal(err)
	}
	ep.Token = "launch-token"

	br, err := NewFactory(Config{}).NewBridge(context.Background(), ep)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	res, err := br.Invoke(context.Background(), bridge.Operation{Name: "ping", Method: http.MethodGet})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Body) != "/api/ping" {
		t.Errorf("path = %s, want /api/ping", res.Body)
	}
	if auth != "Bearer launch-token" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestInvoke_ContextCancelled(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Invoke(ctx, bridge.Operation{Name: "slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestQueryValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"Berlin", "Berlin"},
		{float64(3), "3"},
		{true, "true"},
		{nil, ""},
		{[]any{"a", "b"}, `["a","b"]`},
	}
	for _, tt := range tests {
		if got := queryValue(tt.in); got != tt.want {
			t.Errorf("queryValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
