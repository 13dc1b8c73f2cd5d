package integration

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/rhuss/drivercore/pkg/transport"
)

func TestListDrivers(t *testing.T) {
	resp := do(t, http.MethodGet, "/v1/drivers", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var list transport.DriverList
	decodeJSON(t, resp, &list)

	var ids []string
	for _, d := range list.Data {
		ids = append(ids, d.ID)
	}
	if got := strings.Join(ids, ","); got != "notes,tools,weather-1" {
		t.Errorf("drivers = %s, want sorted notes,tools,weather-1", got)
	}
}

func TestGetDriverByIDAndPrefix(t *testing.T) {
	for _, ref := range []string{"weather-1", "wx"} {
		resp := do(t, http.MethodGet, "/v1/drivers/"+ref, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", ref, resp.StatusCode)
		}
		var v transport.DriverView
		decodeJSON(t, resp, &v)
		if v.ID != "weather-1" || v.Description != "Weather forecasts" {
			t.Errorf("GET %s = %+v", ref, v)
		}
	}

	resp := do(t, http.MethodGet, "/v1/drivers/unknown-driver", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown driver: status %d, want 404", resp.StatusCode)
	}
	if got := errorType(t, resp); got != "not_found" {
		t.Errorf("error type = %q", got)
	}
}

func TestSpecFromURL(t *testing.T) {
	resp := do(t, http.MethodGet, "/v1/drivers/wx/spec?model=gpt-4o", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
	if got := resp.Header.Get("X-Spec-Version"); got != "1.0.0" {
		t.Errorf("X-Spec-Version = %q", got)
	}
	if body := readBody(t, resp); !strings.Contains(body, `"operationId":"getForecast"`) {
		t.Errorf("spec = %q", body)
	}

	inv := do(t, http.MethodPost, "/v1/drivers/wx/spec/invalidate", "")
	inv.Body.Close()
	if inv.StatusCode != http.StatusNoContent {
		t.Errorf("invalidate status = %d", inv.StatusCode)
	}
}

func TestSpecFromMCPDiscovery(t *testing.T) {
	resp := do(t, http.MethodGet, "/v1/drivers/tools/spec", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
	var doc struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal([]byte(readBody(t, resp)), &doc); err != nil {
		t.Fatalf("spec is not a JSON tool document: %v", err)
	}
	if len(doc.Tools) != 1 || doc.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", doc.Tools)
	}
}

func TestSystemMessage(t *testing.T) {
	resp := do(t, http.MethodGet, "/v1/drivers/weather-1/system_message?model=llama-3", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	msg := readBody(t, resp)
	if !strings.Contains(msg, "getForecast") {
		t.Errorf("system message does not carry the spec: %q", msg)
	}
	if !strings.Contains(msg, "wx") {
		t.Errorf("system message does not name the call target: %q", msg)
	}
}
