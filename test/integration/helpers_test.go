// Package integration provides end-to-end tests for the drivercore API.
//
// Tests run against a real drivercore HTTP server assembled by the builder
// from configuration. The backends (a REST weather service, an MCP tool
// server and an autostarted notes service) all run in-process on
// net/http/httptest.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/drivercore/pkg/auth"
	"github.com/rhuss/drivercore/pkg/autostart"
	"github.com/rhuss/drivercore/pkg/bridge"
	"github.com/rhuss/drivercore/pkg/builder"
	"github.com/rhuss/drivercore/pkg/config"
	"github.com/rhuss/drivercore/pkg/driver"
	"github.com/rhuss/drivercore/pkg/transport"
	transporthttp "github.com/rhuss/drivercore/pkg/transport/http"
)

const testAPIKey = "sk-integration-test"

// testEnv holds the shared servers for all integration tests.
var testEnv *TestEnvironment

// TestEnvironment holds the drivercore server and its backends.
type TestEnvironment struct {
	Server      *httptest.Server
	Weather     *httptest.Server
	MCP         *httptest.Server
	Runtime     *builder.Runtime
	Launcher    *fakeLauncher
	WeatherHits atomic.Int64
}

// TestMain starts the backends and the drivercore server before running tests.
func TestMain(m *testing.M) {
	env, err := setupTestEnvironment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "setting up integration environment:", err)
		os.Exit(1)
	}
	testEnv = env
	code := m.Run()
	testEnv.Teardown()
	os.Exit(code)
}

func setupTestEnvironment() (*TestEnvironment, error) {
	env := &TestEnvironment{Launcher: &fakeLauncher{}}
	env.Weather = httptest.NewServer(weatherBackend(&env.WeatherHits))
	env.MCP = httptest.NewServer(mcpBackend())

	cfg := config.Defaults()
	cfg.Storage.Type = "memory"
	cfg.Autostart.Policy.HealthInitialInterval = 10 * time.Millisecond
	cfg.Autostart.Policy.GracePeriod = time.Second
	cfg.Auth = config.AuthConfig{
		Type:    "apikey",
		APIKeys: []config.APIKeyConfig{{Key: testAPIKey, Subject: "integration"}},
	}
	cfg.Drivers = []config.DriverConfig{
		{
			Meta: driver.Meta{
				ID:          "weather-1",
				Prefix:      "wx",
				Description: "Weather forecasts",
				Protocol:    config.ProtocolREST,
				Transport:   "http",
				SpecFormat:  "openapi+json",
				Version:     "1.0.0",
			},
			Bridge: config.BridgeConfig{URL: env.Weather.URL},
			Spec:   config.SpecConfig{URL: env.Weather.URL + "/openapi.json"},
			Routes: map[string]driver.Route{
				"getForecast": {Method: http.MethodGet, Path: "/forecast"},
			},
		},
		{
			Meta: driver.Meta{
				ID:         "tools",
				Protocol:   config.ProtocolMCP,
				Transport:  "streamable-http",
				SpecFormat: "mcp-tools+json",
				Version:    "0.1.0",
			},
			Bridge: config.BridgeConfig{URL: env.MCP.URL + "/mcp"},
			Spec:   config.SpecConfig{MCP: true},
		},
		{
			Meta: driver.Meta{
				ID:         "notes",
				Protocol:   config.ProtocolREST,
				SpecFormat: "openapi+json",
				Version:    "2.0.0",
				Deploy:     &driver.Deployment{Kind: driver.DeployProcess, Command: "notes-backend"},
			},
			Spec: config.SpecConfig{Inline: `{"openapi":"3.0.3","info":{"title":"Notes"}}`},
			Routes: map[string]driver.Route{
				"listNotes":  {Method: http.MethodGet, Path: "/notes"},
				"createNote": {Method: http.MethodPost, Path: "/notes"},
			},
		},
	}

	rt, err := builder.Build(context.Background(), &cfg, builder.Options{
		Launchers: map[string]autostart.Launcher{driver.DeployProcess: env.Launcher},
	})
	if err != nil {
		env.Teardown()
		return nil, err
	}
	env.Runtime = rt

	chain, limiter, err := builder.NewAuth(cfg.Auth)
	if err != nil {
		env.Teardown()
		return nil, err
	}

	adapterCfg := transporthttp.DefaultConfig()
	adapterCfg.Ready = rt.Store.HealthCheck
	adapter := transporthttp.NewAdapter(rt.Registry, rt.Dispatcher, rt.Starter, adapterCfg)
	srv := transporthttp.NewServer(adapter,
		transporthttp.WithMiddleware(auth.Middleware(chain, limiter, auth.DefaultBypassEndpoints)),
	)
	env.Server = httptest.NewServer(srv.Handler())
	return env, nil
}

// Teardown stops the server, the runtime and all backends.
func (env *TestEnvironment) Teardown() {
	if env.Server != nil {
		env.Server.Close()
	}
	if env.Runtime != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		env.Runtime.Close(ctx)
	}
	if env.Weather != nil {
		env.Weather.Close()
	}
	if env.MCP != nil {
		env.MCP.Close()
	}
}

// BaseURL returns the drivercore server base URL.
func (env *TestEnvironment) BaseURL() string {
	return env.Server.URL
}

// --- HTTP helpers ---

// do sends an authenticated request and returns the response.
func do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, testEnv.BaseURL()+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// dispatch posts raw model output to the dispatch endpoint.
func dispatch(t *testing.T, raw string) *http.Response {
	t.Helper()
	return do(t, http.MethodPost, "/v1/dispatch", raw)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	return string(body)
}

// decodeJSON reads the response body and decodes it into the target.
func decodeJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decoding JSON: %v", err)
	}
}

// errorType decodes an error envelope and returns its type.
func errorType(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	decodeJSON(t, resp, &body)
	return body.Error.Type
}

// --- Backends ---

// weatherBackend is a REST forecast service.
func weatherBackend(hits *atomic.Int64) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /openapi.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"openapi":"3.0.3","info":{"title":"Weather"},"paths":{"/forecast":{"get":{"operationId":"getForecast"}}}}`))
	})
	mux.HandleFunc("GET /forecast", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		city := r.URL.Query().Get("city")
		if city == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"city is required"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"city":%q,"forecast":"sunny","high_c":21}`, city)
	})
	return mux
}

type echoInput struct {
	Message string `json:"message"`
}

// mcpBackend serves an "echo" tool over streamable HTTP on /mcp.
func mcpBackend() http.Handler {
	server := mcp.NewServer(&mcp.Implementation{Name: "integration-mcp", Version: "v1.0.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "echo",
		Description: "Echoes the provided message back",
	}, func(_ context.Context, _ *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, struct{}, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "Echo: " + in.Message}},
		}, struct{}{}, nil
	})

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil))
	return mux
}

// fakeLauncher "launches" process backends as in-process notes services.
type fakeLauncher struct {
	launches atomic.Int64
}

var _ autostart.Launcher = (*fakeLauncher)(nil)

func (l *fakeLauncher) Launch(_ context.Context, spec autostart.LaunchSpec) (autostart.Process, error) {
	n := l.launches.Add(1)
	srv := httptest.NewServer(notesBackend())
	ep, err := bridge.ParseEndpoint(srv.URL)
	if err != nil {
		srv.Close()
		return nil, err
	}
	return &fakeProcess{id: fmt.Sprintf("%s-%d", spec.DriverID, n), srv: srv, ep: ep}, nil
}

type fakeProcess struct {
	id   string
	srv  *httptest.Server
	ep   bridge.Endpoint
	once sync.Once
}

var _ autostart.Process = (*fakeProcess)(nil)

func (p *fakeProcess) ID() string                { return p.id }
func (p *fakeProcess) Endpoint() bridge.Endpoint { return p.ep }
func (p *fakeProcess) Done() <-chan struct{}     { return nil }

func (p *fakeProcess) Stop(context.Context, time.Duration) error {
	p.once.Do(p.srv.Close)
	return nil
}

func notesBackend() http.Handler {
	var mu sync.Mutex
	var notes []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /notes", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(append([]map[string]any{}, notes...))
	})
	mux.HandleFunc("POST /notes", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		in["id"] = len(notes) + 1
		notes = append(notes, in)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(in)
	})
	return mux
}

// requestID returns the request id echoed by the server.
func requestID(resp *http.Response) string {
	return resp.Header.Get(transport.HeaderRequestID)
}
