package transport

import (
	"context"

	"github.com/rhuss/drivercore/pkg/autostart"
	"github.com/rhuss/drivercore/pkg/bridge"
	"github.com/rhuss/drivercore/pkg/driver"
)

// Dispatcher turns raw model output into a backend result. It is the
// primary handler contract of the API.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw string) (*bridge.Result, error)
}

// DispatcherFunc is an adapter that allows using an ordinary function as a
// Dispatcher.
type DispatcherFunc func(ctx context.Context, raw string) (*bridge.Result, error)

// Dispatch calls f(ctx, raw).
func (f DispatcherFunc) Dispatch(ctx context.Context, raw string) (*bridge.Result, error) {
	return f(ctx, raw)
}

// Registry lists and resolves drivers by id or prefix.
type Registry interface {
	List() []driver.Meta
	Lookup(ref string) (*driver.Driver, error)
}

// Supervisor controls autostarted backends.
type Supervisor interface {
	EnsureRunning(ctx context.Context, meta driver.Meta) (bridge.Endpoint, error)
	Stop(ctx context.Context, id string) error
	Reset(id string)
	Status(id string) (autostart.Status, bool)
}

// Invalidator is implemented by spec providers that cache artifacts.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// DriverView is the API representation of a registered driver.
type DriverView struct {
	driver.Meta

	Bound    bool              `json:"bound"`
	Endpoint string            `json:"endpoint,omitempty"`
	Process  *autostart.Status `json:"process,omitempty"`
}

// DriverList holds the registered drivers, sorted by id.
type DriverList struct {
	Object string       `json:"object"`
	Data   []DriverView `json:"data"`
}

// NewDriverView snapshots d. sup may be nil.
func NewDriverView(d *driver.Driver, sup Supervisor) DriverView {
	info := d.BindInfo()
	v := DriverView{Meta: d.Meta(), Bound: info.Bound}
	if info.Bound && !info.Endpoint.IsZero() {
		v.Endpoint = info.Endpoint.URL()
	}
	if sup != nil {
		if st, ok := sup.Status(d.ID()); ok {
			v.Process = &st
		}
	}
	return v
}
