// Package registry holds the set of registered drivers and resolves call
// targets to them.
//
// Drivers are fully constructed and validated before they are published, so
// concurrent readers never observe a partially registered driver, and a
// failed registration leaves the registry unchanged.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rhuss/drivercore/pkg/api"
	"github.com/rhuss/drivercore/pkg/debug"
	"github.com/rhuss/drivercore/pkg/driver"
)

var (
	driversRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivercore_drivers_registered",
			Help: "Number of registered drivers",
		},
	)

	registrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivercore_registrations_total",
			Help: "Driver registration attempts",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(driversRegistered, registrationsTotal)
}

// Registry maps driver ids and prefixes to drivers. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*driver.Driver
	byPrefix map[string]*driver.Driver
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byID:     make(map[string]*driver.Driver),
		byPrefix: make(map[string]*driver.Driver),
	}
}

// Register validates cfg, constructs the driver and publishes it. It fails
// with DuplicateID, DuplicatePrefix or InvalidConfig.
func (r *Registry) Register(cfg driver.Config) (*driver.Driver, error) {
	d, err := driver.New(cfg)
	if err != nil {
		registrationsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if err := r.Add(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Add publishes an already constructed driver.
func (r *Registry) Add(d *driver.Driver) error {
	meta := d.Meta()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[meta.ID]; ok {
		registrationsTotal.WithLabelValues("duplicate_id").Inc()
		return api.NewError(api.KindDuplicateID, meta.ID, "a driver with this id is already registered")
	}
	// A prefix must not equal another driver's id.
	if meta.Prefix != "" {
		if _, ok := r.byPrefix[meta.Prefix]; ok {
			registrationsTotal.WithLabelValues("duplicate_prefix").Inc()
			return api.NewError(api.KindDuplicatePrefix, meta.ID, "prefix "+meta.Prefix+" is already registered")
		}
		if _, ok := r.byID[meta.Prefix]; ok && meta.Prefix != meta.ID {
			registrationsTotal.WithLabelValues("duplicate_prefix").Inc()
			return api.NewError(api.KindDuplicatePrefix, meta.ID, "prefix "+meta.Prefix+" collides with a driver id")
		}
	}
	if other, ok := r.byPrefix[meta.ID]; ok {
		registrationsTotal.WithLabelValues("duplicate_id").Inc()
		return api.NewError(api.KindDuplicateID, meta.ID, "id collides with the prefix of driver "+other.ID())
	}

	r.byID[meta.ID] = d
	if meta.Prefix != "" {
		r.byPrefix[meta.Prefix] = d
	}
	driversRegistered.Set(float64(len(r.byID)))
	registrationsTotal.WithLabelValues("ok").Inc()

	slog.Info("registered driver",
		"driver", meta.ID,
		"prefix", meta.Prefix,
		"protocol", meta.Protocol,
		"version", meta.Version,
		"autostart", meta.Autostart(),
	)
	return nil
}

// Lookup resolves ref by exact id first, then by prefix. Both paths return
// the same driver instance.
func (r *Registry) Lookup(ref string) (*driver.Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.byID[ref]; ok {
		return d, nil
	}
	if d, ok := r.byPrefix[ref]; ok {
		debug.Log("registry", "resolved prefix", "ref", ref, "driver", d.ID())
		return d, nil
	}
	return nil, &api.Error{Kind: api.KindNotFound, Input: ref, Message: "no driver registered for " + ref}
}

// List returns the metadata of all drivers sorted by id.
func (r *Registry) List() []driver.Meta {
	drivers := r.Drivers()
	metas := make([]driver.Meta, len(drivers))
	for i, d := range drivers {
		metas[i] = d.Meta()
	}
	return metas
}

// Drivers returns all drivers sorted by id.
func (r *Registry) Drivers() []*driver.Driver {
	r.mu.RLock()
	drivers := make([]*driver.Driver, 0, len(r.byID))
	for _, d := range r.byID {
		drivers = append(drivers, d)
	}
	r.mu.RUnlock()

	sort.Slice(drivers, func(i, j int) bool { return drivers[i].ID() < drivers[j].ID() })
	return drivers
}

// Len returns the number of registered drivers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Unregister removes a driver and closes its bridge.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	d, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return api.NewError(api.KindNotFound, id, "driver is not registered")
	}
	delete(r.byID, id)
	if p := d.Meta().Prefix; p != "" {
		delete(r.byPrefix, p)
	}
	driversRegistered.Set(float64(len(r.byID)))
	r.mu.Unlock()

	slog.Info("unregistered driver", "driver", id)
	return d.Close()
}

// EndpointReleased unbinds the bridge of a driver whose backend went away.
// Its signature matches the autostarter's release listener.
func (r *Registry) EndpointReleased(id string) {
	r.mu.RLock()
	d, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if d.Bound() {
		slog.Info("backend released, unbinding driver", "driver", id)
		d.Unbind()
	}
}

// Close unbinds every driver and empties the registry.
func (r *Registry) Close(_ context.Context) error {
	r.mu.Lock()
	drivers := make([]*driver.Driver, 0, len(r.byID))
	for _, d := range r.byID {
		drivers = append(drivers, d)
	}
	r.byID = make(map[string]*driver.Driver)
	r.byPrefix = make(map[string]*driver.Driver)
	driversRegistered.Set(0)
	r.mu.Unlock()

	for _, d := range drivers {
		if err := d.Close(); err != nil {
			slog.Warn("closing driver failed", "driver", d.ID(), "error", err)
		}
	}
	return nil
}
