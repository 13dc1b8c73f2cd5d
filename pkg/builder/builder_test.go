package builder

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rhuss/drivercore/pkg/api"
	"github.com/rhuss/drivercore/pkg/autostart"
	"github.com/rhuss/drivercore/pkg/bridge"
	"github.com/rhuss/drivercore/pkg/config"
	"github.com/rhuss/drivercore/pkg/driver"
	"github.com/rhuss/drivercore/pkg/storage/memory"
)

const forecastBody = `{"city":"Berlin","forecast":"rain"}`

// weatherBackend serves /forecast and /health and records request
// authorization headers.
func weatherBackend(t *testing.T) (*httptest.Server, *atomic.Value) {
	t.Helper()
	auth := &atomic.Value{}
	auth.Store("")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/forecast":
			if r.URL.Query().Get("city") != "Berlin" {
				http.Error(w, "unknown city", http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(forecastBody))
		case "/health":
			w.Write([]byte("ok"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, auth
}

func weatherDriver(url string) config.DriverConfig {
	return config.DriverConfig{
		Meta: driver.Meta{
			ID:           "weather-1",
			Prefix:       "wx",
			Protocol:     config.ProtocolREST,
			Transport:    "http",
			SpecFormat:   "openapi+json",
			Version:      "1.0.0",
			Capabilities: []string{driver.CapHealthcheck},
		},
		Bridge: config.BridgeConfig{URL: url, Token: "backend-token"},
		Spec:   config.SpecConfig{Inline: `{"openapi":"3.0.0"}`},
		Routes: map[string]driver.Route{
			"getForecast": {Method: http.MethodGet, Path: "/forecast"},
		},
		Handlers: map[string]config.OperationConfig{
			driver.CapHealthcheck: {Method: "get", Path: "/health", Idempotent: true},
		},
	}
}

func testConfig(drivers ...config.DriverConfig) *config.Config {
	cfg := config.Defaults()
	cfg.Drivers = drivers
	return &cfg
}

func build(t *testing.T, cfg *config.Config, opts Options) *Runtime {
	t.Helper()
	rt, err := Build(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt
}

func TestBuild_WeatherScenario(t *testing.T) {
	srv, auth := weatherBackend(t)
	rt := build(t, testConfig(weatherDriver(srv.URL)), Options{})

	if _, ok := rt.Store.(*memory.Store); !ok {
		t.Errorf("store = %T, want memory store by default", rt.Store)
	}
	if rt.Starter == nil {
		t.Error("autostart is enabled by default")
	}

	drv, err := rt.Registry.Lookup("wx")
	if err != nil {
		t.Fatal(err)
	}
	art, err := drv.Spec().Describe(context.Background(), "")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if string(art.Content) != `{"openapi":"3.0.0"}` {
		t.Errorf("artifact = %s", art.Content)
	}

	res, err := rt.Dispatcher.Dispatch(context.Background(),
		`{"target":"wx","function":"getForecast","arguments":{"city":"Berlin"}}`)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != http.StatusOK || string(res.Body) != forecastBody {
		t.Errorf("result = %d %s", res.Status, res.Body)
	}
	if got := auth.Load().(string); got != "Bearer backend-token" {
		t.Errorf("Authorization = %q", got)
	}

	res, err = rt.Dispatcher.Dispatch(context.Background(), `{"target":"weather-1","capability":"healthcheck"}`)
	if err != nil {
		t.Fatalf("healthcheck: %v", err)
	}
	if string(res.Body) != "ok" {
		t.Errorf("healthcheck body = %q", res.Body)
	}
}

func TestBuild_SpecPersistedToStore(t *testing.T) {
	srv, _ := weatherBackend(t)
	rt := build(t, testConfig(weatherDriver(srv.URL)), Options{})

	drv, _ := rt.Registry.Lookup("weather-1")
	if _, err := drv.Spec().Describe(context.Background(), "llama-3"); err != nil {
		t.Fatal(err)
	}
	recs, err := rt.Store.List(context.Background(), "weather-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Version != "1.0.0" {
		t.Errorf("persisted records = %+v", recs)
	}
}

func TestBuild_UnknownFunctionRejected(t *testing.T) {
	srv, _ := weatherBackend(t)
	rt := build(t, testConfig(weatherDriver(srv.URL)), Options{})

	_, err := rt.Dispatcher.Dispatch(context.Background(), `{"target":"wx","function":"deleteCity"}`)
	if !errors.Is(err, api.ErrMalformedCall) {
		t.Fatalf("err = %v, want MalformedCall", err)
	}
}

func TestBuild_RegistrationErrorNamesSource(t *testing.T) {
	srv, _ := weatherBackend(t)
	d := weatherDriver(srv.URL)
	d.Handlers = nil
	d.Source = "drivers/weather.yaml"

	_, err := Build(context.Background(), testConfig(d), Options{})
	if err == nil {
		t.Fatal("expected error for a declared capability without handler")
	}
	if !errors.Is(err, api.ErrInvalidConfig) {
		t.Errorf("err = %v, want InvalidConfig", err)
	}
	if !strings.Contains(err.Error(), "drivers/weather.yaml") {
		t.Errorf("err = %v, want the declaration source", err)
	}
}

func TestBuild_DuplicateDriver(t *testing.T) {
	srv, _ := weatherBackend(t)
	_, err := Build(context.Background(), testConfig(weatherDriver(srv.URL), weatherDriver(srv.URL)), Options{})
	if !errors.Is(err, api.ErrDuplicateID) {
		t.Fatalf("err = %v, want DuplicateId", err)
	}
}

func TestBuild_StorageNone(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Type = "none"
	cfg.Autostart.Enabled = false
	rt := build(t, cfg, Options{})
	if rt.Store != nil || rt.Starter != nil {
		t.Errorf("store = %v, starter = %v, want both disabled", rt.Store, rt.Starter)
	}
}

type fakeProcess struct {
	ep      bridge.Endpoint
	done    chan struct{}
	stopped atomic.Bool
}

func (p *fakeProcess) ID() string                { return "fake-1" }
func (p *fakeProcess) Endpoint() bridge.Endpoint { return p.ep }
func (p *fakeProcess) Done() <-chan struct{}     { return p.done }
func (p *fakeProcess) Stop(context.Context, time.Duration) error {
	p.stopped.Store(true)
	return nil
}

var _ autostart.Process = (*fakeProcess)(nil)

type fakeLauncher struct {
	ep       bridge.Endpoint
	launches atomic.Int32
	proc     atomic.Pointer[fakeProcess]
}

func (l *fakeLauncher) Launch(_ context.Context, spec autostart.LaunchSpec) (autostart.Process, error) {
	l.launches.Add(1)
	p := &fakeProcess{ep: l.ep, done: make(chan struct{})}
	l.proc.Store(p)
	return p, nil
}

func TestBuild_AutostartedDriver(t *testing.T) {
	srv, _ := weatherBackend(t)
	ep, err := bridge.ParseEndpoint(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	launcher := &fakeLauncher{ep: ep}

	d := weatherDriver("")
	d.Deploy = &driver.Deployment{Kind: driver.DeployProcess, Command: "weather-backend", HealthPath: "/health"}
	rt := build(t, testConfig(d), Options{
		Launchers: map[string]autostart.Launcher{driver.DeployProcess: launcher},
	})

	res, err := rt.Dispatcher.Dispatch(context.Background(),
		`{"target":"wx","function":"getForecast","arguments":{"city":"Berlin"}}`)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(res.Body) != forecastBody {
		t.Errorf("body = %s", res.Body)
	}
	if launcher.launches.Load() != 1 {
		t.Errorf("launches = %d, want 1", launcher.launches.Load())
	}

	st, ok := rt.Starter.Status("weather-1")
	if !ok || st.State != autostart.StateReady {
		t.Fatalf("status = %+v, %v", st, ok)
	}

	if err := rt.Starter.Stop(context.Background(), "weather-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !launcher.proc.Load().stopped.Load() {
		t.Error("process not stopped")
	}
	drv, _ := rt.Registry.Lookup("weather-1")
	if drv.Bound() {
		t.Error("driver still bound after stop")
	}
}

func TestDriverConfig_Translators(t *testing.T) {
	rest, _, err := DriverConfig(weatherDriver("http://weather.local"), Env{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := rest.Translator.(driver.REST); !ok {
		t.Errorf("rest translator = %T", rest.Translator)
	}
	if rest.Endpoint == nil || rest.Endpoint.Host != "weather.local" {
		t.Errorf("endpoint = %+v", rest.Endpoint)
	}

	m := config.DriverConfig{
		Meta: driver.Meta{
			ID: "calendar", Protocol: config.ProtocolMCP, Transport: "sse",
			SpecFormat: "mcp-tools+json", Version: "2.1.0",
		},
		Bridge: config.BridgeConfig{URL: "http://calendar.local/sse"},
		Spec:   config.SpecConfig{MCP: true},
	}
	mcpCfg, closers, err := DriverConfig(m, Env{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mcpCfg.Translator.(driver.Passthrough); !ok {
		t.Errorf("mcp translator = %T", mcpCfg.Translator)
	}
	if len(closers) != 1 {
		t.Errorf("closers = %d, want the tool source", len(closers))
	}
	for _, c := range closers {
		c()
	}
}

func TestDriverConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.DriverConfig)
		env    Env
	}{
		{name: "unsupported protocol", modify: func(d *config.DriverConfig) { d.Protocol = "grpc" }},
		{name: "oauth without client", modify: func(d *config.DriverConfig) {
			d.Bridge.OAuth = &config.OAuthConfig{TokenURL: "http://idp.local/token"}
		}},
		{name: "bad url", modify: func(d *config.DriverConfig) { d.Bridge.URL = "weather.local" }},
		{name: "no spec source", modify: func(d *config.DriverConfig) { d.Spec = config.SpecConfig{} }},
		{name: "mcp spec without autostart", modify: func(d *config.DriverConfig) {
			d.Protocol = config.ProtocolMCP
			d.Bridge.URL = ""
			d.Deploy = &driver.Deployment{Kind: driver.DeployProcess, Command: "calendar"}
			d.Spec = config.SpecConfig{MCP: true}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := weatherDriver("http://weather.local")
			tt.modify(&d)
			if _, _, err := DriverConfig(d, tt.env); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestWrapFactory(t *testing.T) {
	var calls atomic.Int32
	base := bridge.FactoryFunc(func(context.Context, bridge.Endpoint) (bridge.Bridge, error) {
		return bridge.Func(func(context.Context, bridge.Operation) (*bridge.Result, error) {
			if calls.Add(1) < 3 {
				return &bridge.Result{Status: http.StatusBadGateway}, nil
			}
			return &bridge.Result{Status: http.StatusOK}, nil
		}), nil
	})

	f := wrapFactory(base, config.BridgeConfig{
		Serialize: true,
		Retry:     config.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	b, err := f.NewBridge(context.Background(), bridge.Endpoint{Host: "weather.local"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := b.Invoke(context.Background(), bridge.Operation{Name: "getForecast", Idempotent: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != http.StatusOK || calls.Load() != 3 {
		t.Errorf("status = %d after %d calls, want 200 after 3", res.Status, calls.Load())
	}

	if wrapFactory(base, config.BridgeConfig{}) == nil {
		t.Error("unwrapped factory should be returned as is")
	}
}

func TestMCPTransport(t *testing.T) {
	for in, want := range map[string]string{
		"sse":             "sse",
		"SSE":             "sse",
		"http":            "streamable-http",
		"":                "streamable-http",
		"streamable-http": "streamable-http",
	} {
		if got := mcpTransport(in); got != want {
			t.Errorf("mcpTransport(%q) = %q, want %q", in, got, want)
		}
	}
}
