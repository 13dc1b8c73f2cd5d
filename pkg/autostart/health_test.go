package autostart

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rhuss/drivercore/pkg/bridge"
)

func serverEndpoint(t *testing.T, srv *httptest.Server) bridge.Endpoint {
	t.Helper()
	ep, err := bridge.ParseEndpoint(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

func TestHTTPHealthChecker(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantErr      bool
		wantTerminal bool
	}{
		{name: "ok", status: http.StatusOK},
		{name: "no content", status: http.StatusNoContent},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantErr: true},
		{name: "not found", status: http.StatusNotFound, wantErr: true, wantTerminal: true},
		{name: "redirect", status: http.StatusFound, wantErr: true, wantTerminal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/healthz" {
					t.Errorf("checked %s, want /healthz", r.URL.Path)
				}
				if tt.status == http.StatusFound {
					w.Header().Set("Location", "/elsewhere")
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			ep := serverEndpoint(t, srv)
			ep.Path = "/api"
			err := NewHTTPHealthChecker().Check(context.Background(), LaunchSpec{HealthPath: "healthz"}, ep)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			var term *TerminalHealthError
			if errors.As(err, &term) != tt.wantTerminal {
				t.Errorf("terminal = %v, want %v (%v)", !tt.wantTerminal, tt.wantTerminal, err)
			}
		})
	}
}

func TestTCPHealthChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ep := bridge.Endpoint{Scheme: "http", Host: "127.0.0.1", Port: port}

	if err := (TCPHealthChecker{}).Check(context.Background(), LaunchSpec{}, ep); err != nil {
		t.Fatalf("listening port: %v", err)
	}
	ln.Close()
	if err := (TCPHealthChecker{}).Check(context.Background(), LaunchSpec{}, ep); err == nil {
		t.Fatal("closed port reported healthy")
	}
}

type staticProcess struct {
	ep   bridge.Endpoint
	done chan struct{}
}

func (p *staticProcess) ID() string                                { return "static" }
func (p *staticProcess) Endpoint() bridge.Endpoint                 { return p.ep }
func (p *staticProcess) Done() <-chan struct{}                     { return p.done }
func (p *staticProcess) Stop(context.Context, time.Duration) error { return nil }

func TestWaitHealthy(t *testing.T) {
	policy := testPolicy()
	policy.HealthMaxAttempts = 5

	t.Run("succeeds after failures", func(t *testing.T) {
		var calls atomic.Int32
		checker := HealthCheckerFunc(func(context.Context, LaunchSpec, bridge.Endpoint) error {
			if calls.Add(1) < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		checks, err := waitHealthy(context.Background(), policy, checker, LaunchSpec{}, &staticProcess{})
		if err != nil {
			t.Fatal(err)
		}
		if checks != 3 {
			t.Errorf("checks = %d, want 3", checks)
		}
	})

	t.Run("stops at attempt ceiling", func(t *testing.T) {
		checker := HealthCheckerFunc(func(context.Context, LaunchSpec, bridge.Endpoint) error {
			return errors.New("refused")
		})
		checks, err := waitHealthy(context.Background(), policy, checker, LaunchSpec{}, &staticProcess{})
		if err == nil {
			t.Fatal("expected error")
		}
		if checks != policy.HealthMaxAttempts {
			t.Errorf("checks = %d, want %d", checks, policy.HealthMaxAttempts)
		}
	})

	t.Run("terminal error stops immediately", func(t *testing.T) {
		checker := HealthCheckerFunc(func(context.Context, LaunchSpec, bridge.Endpoint) error {
			return &TerminalHealthError{Msg: "no health endpoint"}
		})
		checks, err := waitHealthy(context.Background(), policy, checker, LaunchSpec{}, &staticProcess{})
		var term *TerminalHealthError
		if !errors.As(err, &term) {
			t.Fatalf("err = %v, want terminal", err)
		}
		if checks != 1 {
			t.Errorf("checks = %d, want 1", checks)
		}
	})

	t.Run("process exit stops probing", func(t *testing.T) {
		done := make(chan struct{})
		close(done)
		checker := HealthCheckerFunc(func(context.Context, LaunchSpec, bridge.Endpoint) error {
			t.Error("checked an exited process")
			return nil
		})
		_, err := waitHealthy(context.Background(), policy, checker, LaunchSpec{}, &staticProcess{done: done})
		if !errors.Is(err, errProcessExited) {
			t.Fatalf("err = %v, want errProcessExited", err)
		}
	})
}
