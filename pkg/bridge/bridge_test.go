package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

var (
	_ Bridge  = Func(nil)
	_ Factory = FactoryFunc(nil)
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Endpoint
		wantURL string
		wantErr bool
	}{
		{
			name:    "host and port",
			raw:     "http://127.0.0.1:8080",
			want:    Endpoint{Scheme: "http", Host: "127.0.0.1", Port: 8080},
			wantURL: "http://127.0.0.1:8080",
		},
		{
			name:    "with path",
			raw:     "https://api.example.com/v1/",
			want:    Endpoint{Scheme: "https", Host: "api.example.com", Path: "/v1"},
			wantURL: "https://api.example.com/v1",
		},
		{
			name:    "ipv6",
			raw:     "http://[::1]:9000/mcp",
			want:    Endpoint{Scheme: "http", Host: "::1", Port: 9000, Path: "/mcp"},
			wantURL: "http://[::1]:9000/mcp",
		},
		{name: "no host", raw: "/just/a/path", wantErr: true},
		{name: "bad port", raw: "http://host:abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEndpoint(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseEndpoint = %+v, want %+v", got, tt.want)
			}
			if got.URL() != tt.wantURL {
				t.Errorf("URL() = %q, want %q", got.URL(), tt.wantURL)
			}
		})
	}
}

func TestEndpointDefaultScheme(t *testing.T) {
	ep := Endpoint{Host: "localhost", Port: 7000}
	if got := ep.URL(); got != "http://localhost:7000" {
		t.Errorf("URL() = %q", got)
	}
	if (Endpoint{}).IsZero() != true {
		t.Error("empty endpoint should be zero")
	}
}

func TestOperationArgsJSON(t *testing.T) {
	op := Operation{Name: "getForecast", Args: map[string]any{"city": "Berlin"}}
	data, err := op.ArgsJSON()
	if err != nil {
		t.Fatalf("ArgsJSON: %v", err)
	}
	if string(data) != `{"city":"Berlin"}` {
		t.Errorf("ArgsJSON = %s", data)
	}

	empty, _ := Operation{}.ArgsJSON()
	if string(empty) != "{}" {
		t.Errorf("empty ArgsJSON = %s", empty)
	}
}

// countingBridge returns scripted results in order and counts invocations.
type countingBridge struct {
	calls   atomic.Int32
	results []*Result
	errs    []error
}

func (b *countingBridge) Invoke(_ context.Context, _ Operation) (*Result, error) {
	i := int(b.calls.Add(1)) - 1
	if i >= len(b.results) {
		i = len(b.results) - 1
	}
	return b.results[i], b.errs[i]
}

func (b *countingBridge) Close() error { return nil }

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func TestRetrying_NonIdempotentCalledOnce(t *testing.T) {
	inner := &countingBridge{
		results: []*Result{nil},
		errs:    []error{errors.New("connection reset")},
	}
	b := Retrying(inner, fastPolicy(5))

	_, err := b.Invoke(context.Background(), Operation{Name: "createOrder", Idempotent: false})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := inner.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestRetrying_IdempotentRetriesTransportErrors(t *testing.T) {
	ok := &Result{Status: 200, Body: []byte(`{"temp":21}`)}
	inner := &countingBridge{
		results: []*Result{nil, nil, ok},
		errs:    []error{errors.New("refused"), errors.New("refused"), nil},
	}
	b := Retrying(inner, fastPolicy(5))

	res, err := b.Invoke(context.Background(), Operation{Name: "getForecast", Idempotent: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ok {
		t.Errorf("result = %+v, want the backend result unmodified", res)
	}
	if got := inner.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestRetrying_ExhaustedStatusReturnsLastResult(t *testing.T) {
	unavailable := &Result{Status: 503, Body: []byte("busy")}
	inner := &countingBridge{
		results: []*Result{unavailable},
		errs:    []error{nil},
	}
	b := Retrying(inner, fastPolicy(3))

	res, err := b.Invoke(context.Background(), Operation{Name: "getForecast", Idempotent: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != unavailable {
		t.Errorf("result = %+v, want last raw result", res)
	}
	if got := inner.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestRetrying_ExhaustedErrorsReturned(t *testing.T) {
	cause := errors.New("refused")
	inner := &countingBridge{results: []*Result{nil}, errs: []error{cause}}
	b := Retrying(inner, fastPolicy(2))

	_, err := b.Invoke(context.Background(), Operation{Idempotent: true})
	if !errors.Is(err, cause) {
		t.Errorf("err = %v, want %v", err, cause)
	}
	if got := inner.calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestRetrying_ResponseTooLargeIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	inner := Func(func(context.Context, Operation) (*Result, error) {
		calls.Add(1)
		return nil, fmt.Errorf("GET /dump: %w", ErrResponseTooLarge)
	})
	b := Retrying(inner, fastPolicy(5))

	_, err := b.Invoke(context.Background(), Operation{Idempotent: true})
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Errorf("err = %v, want ErrResponseTooLarge", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestRetrying_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	inner := Func(func(ctx context.Context, _ Operation) (*Result, error) {
		calls.Add(1)
		cancel()
		return nil, ctx.Err()
	})
	b := Retrying(inner, fastPolicy(5))

	_, err := b.Invoke(ctx, Operation{Idempotent: true})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestSerialized_OneAtATime(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	inner := Func(func(_ context.Context, _ Operation) (*Result, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return &Result{Status: 200}, nil
	})
	b := Serialized(inner)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			_, _ = b.Invoke(context.Background(), Operation{})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max in flight = %d, want 1", got)
	}
}

func TestSerialized_WaiterHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	inner := Func(func(_ context.Context, _ Operation) (*Result, error) {
		<-release
		return &Result{}, nil
	})
	b := Serialized(inner)

	go func() { _, _ = b.Invoke(context.Background(), Operation{}) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Invoke(ctx, Operation{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	close(release)

	// The lock must become available again after the abandoned waiter.
	res, err := b.Invoke(context.Background(), Operation{})
	if err != nil || res == nil {
		t.Errorf("follow-up Invoke = %v, %v", res, err)
	}
}
