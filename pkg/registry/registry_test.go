package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/rhuss/drivercore/pkg/api"
	"github.com/rhuss/drivercore/pkg/bridge"
	"github.com/rhuss/drivercore/pkg/driver"
	"github.com/rhuss/drivercore/pkg/spec"
)

type closingBridge struct {
	closed atomic.Bool
}

func (b *closingBridge) Invoke(context.Context, bridge.Operation) (*bridge.Result, error) {
	return &bridge.Result{Status: 200}, nil
}

func (b *closingBridge) Close() error {
	b.closed.Store(true)
	return nil
}

var _ bridge.Bridge = (*closingBridge)(nil)

func testConfig(id, prefix string) driver.Config {
	return driver.Config{
		Meta: driver.Meta{
			ID:         id,
			Prefix:     prefix,
			Protocol:   "rest",
			Transport:  "http",
			SpecFormat: "openapi+json",
			Version:    "1.0.0",
		},
		Spec:   &spec.CachingProvider{},
		Bridge: &closingBridge{},
	}
}

func counterValue(t *testing.T, result string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := registrationsTotal.WithLabelValues(result).Write(m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestLookup_IDAndPrefixReturnSameDriver(t *testing.T) {
	reg := New()
	d, err := reg.Register(testConfig("weather-1", "wx"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	byID, err := reg.Lookup("weather-1")
	if err != nil {
		t.Fatal(err)
	}
	byPrefix, err := reg.Lookup("wx")
	if err != nil {
		t.Fatal(err)
	}
	if byID != d || byPrefix != d {
		t.Error("id and prefix lookups should return the registered instance")
	}
}

func TestLookup_NotFound(t *testing.T) {
	_, err := New().Lookup("unknown-driver")
	if !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
	if apiErr, _ := api.AsError(err); apiErr.Input != "unknown-driver" {
		t.Errorf("Input = %q", apiErr.Input)
	}
}

func TestRegister_DuplicateIDLeavesRegistryUnchanged(t *testing.T) {
	reg := New()
	first, _ := reg.Register(testConfig("weather-1", "wx"))
	before := counterValue(t, "duplicate_id")

	_, err := reg.Register(testConfig("weather-1", "other"))
	if !errors.Is(err, api.ErrDuplicateID) {
		t.Fatalf("err = %v, want DuplicateID", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}
	if _, err := reg.Lookup("other"); err == nil {
		t.Error("failed registration must not publish its prefix")
	}
	if got, _ := reg.Lookup("weather-1"); got != first {
		t.Error("original driver was replaced")
	}
	if after := counterValue(t, "duplicate_id"); after != before+1 {
		t.Errorf("duplicate_id counter = %v, want %v", after, before+1)
	}
}

func TestRegister_Collisions(t *testing.T) {
	tests := []struct {
		name   string
		second driver.Config
		want   error
	}{
		{"same prefix", testConfig("weather-2", "wx"), api.ErrDuplicatePrefix},
		{"id equals existing prefix", testConfig("wx", ""), api.ErrDuplicateID},
		{"prefix equals existing id", testConfig("weather-2", "weather-1"), api.ErrDuplicatePrefix},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := New()
			if _, err := reg.Register(testConfig("weather-1", "wx")); err != nil {
				t.Fatal(err)
			}
			if _, err := reg.Register(tt.second); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if reg.Len() != 1 {
				t.Errorf("Len() = %d, want 1", reg.Len())
			}
		})
	}
}

func TestRegister_InvalidConfig(t *testing.T) {
	reg := New()
	cfg := testConfig("weather-1", "")
	cfg.Meta.Version = "1.0"
	if _, err := reg.Register(cfg); !errors.Is(err, api.ErrInvalidConfig) {
		t.Fatalf("err = %v, want InvalidConfig", err)
	}
	if reg.Len() != 0 {
		t.Error("invalid driver was published")
	}
}

func TestList_SortedByID(t *testing.T) {
	reg := New()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, err := reg.Register(testConfig(id, "")); err != nil {
			t.Fatal(err)
		}
	}
	metas := reg.List()
	want := []string{"alpha", "mid", "zeta"}
	for i, m := range metas {
		if m.ID != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, m.ID, want[i])
		}
	}
}

func TestRegister_Concurrent(t *testing.T) {
	reg := New()
	var ok atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Register(testConfig("weather-1", "wx")); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 {
		t.Errorf("%d registrations succeeded, want 1", ok.Load())
	}
}

func TestUnregister(t *testing.T) {
	reg := New()
	cfg := testConfig("weather-1", "wx")
	br := cfg.Bridge.(*closingBridge)
	if _, err := reg.Register(cfg); err != nil {
		t.Fatal(err)
	}

	if err := reg.Unregister("weather-1"); err != nil {
		t.Fatal(err)
	}
	if !br.closed.Load() {
		t.Error("bridge should be closed")
	}
	if _, err := reg.Lookup("wx"); !errors.Is(err, api.ErrNotFound) {
		t.Error("prefix should be released")
	}
	if err := reg.Unregister("weather-1"); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("second Unregister: err = %v, want NotFound", err)
	}
}

func TestEndpointReleased(t *testing.T) {
	reg := New()
	d, _ := reg.Register(testConfig("weather-1", ""))

	reg.EndpointReleased("weather-1")
	if d.Bound() {
		t.Error("driver should be unbound after its endpoint was released")
	}
	reg.EndpointReleased("unknown")
}

func TestClose(t *testing.T) {
	reg := New()
	cfg := testConfig("weather-1", "")
	br := cfg.Bridge.(*closingBridge)
	reg.Register(cfg)

	if err := reg.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 0 || !br.closed.Load() {
		t.Error("Close should empty the registry and close bridges")
	}
}
