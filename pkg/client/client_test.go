package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rhuss/drivercore/pkg/api"
	"github.com/rhuss/drivercore/pkg/bridge"
	"github.com/rhuss/drivercore/pkg/dispatch"
	"github.com/rhuss/drivercore/pkg/driver"
	"github.com/rhuss/drivercore/pkg/registry"
	"github.com/rhuss/drivercore/pkg/spec"
	transporthttp "github.com/rhuss/drivercore/pkg/transport/http"
)

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	provider, err := spec.NewCachingProvider(spec.Options{
		DriverID: "echo",
		Format:   "openapi+json",
		Version:  "1.2.0",
		Source:   spec.StaticSource(`{"openapi":"3.0.0"}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	if _, err := reg.Register(driver.Config{
		Meta: driver.Meta{
			ID:         "echo",
			Prefix:     "e",
			Protocol:   "rest",
			SpecFormat: "openapi+json",
			Version:    "1.2.0",
		},
		Spec: provider,
		Bridge: bridge.Func(func(_ context.Context, op bridge.Operation) (*bridge.Result, error) {
			return &bridge.Result{Status: http.StatusCreated, ContentType: "text/plain", Body: []byte("echo:" + op.Name)}, nil
		}),
	}); err != nil {
		t.Fatal(err)
	}

	adapter := transporthttp.NewAdapter(reg, dispatch.New(reg, nil, dispatch.Config{}), nil, transporthttp.DefaultConfig())
	srv := httptest.NewServer(transporthttp.NewServer(adapter).Handler())
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", opts...)
}

func TestClientDrivers(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	drivers, err := c.ListDrivers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(drivers) != 1 || drivers[0].ID != "echo" {
		t.Fatalf("drivers = %+v", drivers)
	}

	d, err := c.GetDriver(ctx, "e")
	if err != nil {
		t.Fatal(err)
	}
	if d.Version != "1.2.0" {
		t.Errorf("version = %q", d.Version)
	}

	_, err = c.GetDriver(ctx, "missing")
	if !IsKind(err, api.KindNotFound) {
		t.Errorf("err = %v, want not_found", err)
	}
}

func TestClientSpec(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	s, err := c.Spec(ctx, "echo", "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if s != `{"openapi":"3.0.0"}` {
		t.Errorf("spec = %q", s)
	}
	msg, err := c.SystemMessage(ctx, "echo")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg, s) {
		t.Errorf("system message does not contain spec: %q", msg)
	}
	if err := c.InvalidateSpec(ctx, "echo"); err != nil {
		t.Errorf("InvalidateSpec: %v", err)
	}
}

func TestClientDispatch(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	res, err := c.Dispatch(ctx, `{"target":"e","function":"shout"}`, "req-42")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Called || res.DriverID != "echo" || res.BridgeStatus != http.StatusCreated {
		t.Errorf("result = %+v", res)
	}
	if res.RequestID != "req-42" {
		t.Errorf("request id = %q", res.RequestID)
	}
	if string(res.Body) != "echo:shout" {
		t.Errorf("body = %q", res.Body)
	}

	res, err = c.Dispatch(ctx, "nothing to do here", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Called {
		t.Errorf("no-call dispatch reported a call: %+v", res)
	}

	_, err = c.Dispatch(ctx, `{"target":"nope","function":"x"}`, "")
	if !IsKind(err, api.KindUnknownTarget) {
		t.Errorf("err = %v, want unknown_target", err)
	}

	if err := c.CancelDispatch(ctx, "not-running"); !IsKind(err, api.KindNotFound) {
		t.Errorf("cancel err = %v, want not_found", err)
	}
}

func TestClientLifecycleUnsupported(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Start(context.Background(), "echo")
	if err == nil {
		t.Fatal("expected error without a supervisor")
	}
}

func TestClientSendsToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken(" sk-123 "))
	if _, err := c.ListDrivers(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer sk-123" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).ListDrivers(context.Background())
	se, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("err = %T %v, want *StatusError", err, err)
	}
	if se.StatusCode != http.StatusBadGateway || se.Body != "bad gateway" {
		t.Errorf("StatusError = %+v", se)
	}
}
