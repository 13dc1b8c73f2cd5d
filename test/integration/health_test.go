package integration

import (
	"net/http"
	"strings"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	resp, err := http.Get(testEnv.BaseURL() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "ok") {
		t.Errorf("body = %q, want to contain 'ok'", body)
	}
}

func TestReadinessAndMetricsSkipAuth(t *testing.T) {
	for _, path := range []string{"/readyz", "/metrics"} {
		resp, err := http.Get(testEnv.BaseURL() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s without auth: status %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestMetricsExposeDispatches(t *testing.T) {
	readBody(t, dispatch(t, `{"target":"wx","function":"getForecast","arguments":{"city":"Oslo"}}`))

	resp, err := http.Get(testEnv.BaseURL() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)
	for _, name := range []string{
		"drivercore_dispatch_total",
		"drivercore_http_requests_total",
		"drivercore_drivers_registered",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics missing %s", name)
		}
	}
}

func TestAPIRequiresAuthentication(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no credentials", "", http.StatusUnauthorized},
		{"wrong key", "Bearer sk-wrong", http.StatusUnauthorized},
		{"valid key", "Bearer " + testAPIKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, testEnv.BaseURL()+"/v1/drivers", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
