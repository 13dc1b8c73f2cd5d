// Package driver defines the unit the core dispatches to.
//
// A Driver is bound to exactly one immutable Meta, one spec.Provider, one
// Translator and a set of capability handlers, and holds the bridge it
// currently executes through. The bridge can be unbound (backend crash,
// stop) and rebound without changing the driver's identity.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rhuss/drivercore/pkg/api"
	"github.com/rhuss/drivercore/pkg/bridge"
	"github.com/rhuss/drivercore/pkg/debug"
	"github.com/rhuss/drivercore/pkg/spec"
)

// Config is the complete, validated-once construction input of a Driver.
type Config struct {
	Meta Meta

	// Spec describes the driver to models. Required.
	Spec spec.Provider

	// Translator maps calls to bridge operations (default: Passthrough).
	Translator Translator

	// Capabilities binds recognized capability flags to handlers.
	Capabilities map[string]Handler

	// Bridge is a pre-built bridge bound at construction.
	Bridge bridge.Bridge

	// Factory builds bridges from endpoints. Required for autostart
	// drivers and for drivers with a static Endpoint.
	Factory bridge.Factory

	// Endpoint is a static backend location connected on first use.
	Endpoint *bridge.Endpoint
}

// Validate checks the configuration without side effects.
func (c *Config) Validate() error {
	if err := c.Meta.Validate(); err != nil {
		return err
	}

	var errs []error
	if c.Spec == nil {
		errs = append(errs, errors.New("spec provider is required"))
	}
	for _, flag := range c.Meta.Capabilities {
		if IsRecognized(flag) && c.Capabilities[flag] == nil {
			errs = append(errs, fmt.Errorf("capability %q is declared but has no binding", flag))
		}
	}
	for flag, h := range c.Capabilities {
		if !c.Meta.HasCapability(flag) {
			errs = append(errs, fmt.Errorf("binding for undeclared capability %q", flag))
		} else if !IsRecognized(flag) {
			errs = append(errs, fmt.Errorf("capability %q is not a recognized flag and cannot be bound", flag))
		} else if h == nil {
			errs = append(errs, fmt.Errorf("capability %q has a nil binding", flag))
		}
	}

	switch {
	case c.Meta.Autostart() && c.Factory == nil:
		errs = append(errs, errors.New("autostart drivers require a bridge factory"))
	case c.Endpoint != nil && c.Factory == nil:
		errs = append(errs, errors.New("a static endpoint requires a bridge factory"))
	case c.Bridge == nil && c.Endpoint == nil && !c.Meta.Autostart():
		errs = append(errs, errors.New("one of bridge, endpoint or deploy is required"))
	}

	if len(errs) == 0 {
		return nil
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return api.Wrap(api.KindInvalidConfig, c.Meta.ID, errors.Join(errs...), "invalid driver configuration")
}

// Driver is a registered backend integration. It is safe for concurrent use.
type Driver struct {
	meta       Meta
	spec       spec.Provider
	translator Translator
	caps       map[string]Handler
	factory    bridge.Factory
	endpoint   *bridge.Endpoint

	// connectSem serializes bridge construction.
	connectSem chan struct{}

	mu      sync.RWMutex
	bridge  bridge.Bridge
	bound   bridge.Endpoint
	boundAt time.Time
	binds   int
}

// New validates cfg and constructs a fully initialized Driver. cfg.Meta is
// copied; later changes to cfg have no effect.
func New(cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	translator := cfg.Translator
	if translator == nil {
		translator = Passthrough{}
	}
	caps := make(map[string]Handler, len(cfg.Capabilities))
	for k, v := range cfg.Capabilities {
		caps[k] = v
	}

	d := &Driver{
		meta:       cfg.Meta.Clone(),
		spec:       cfg.Spec,
		translator: translator,
		caps:       caps,
		factory:    cfg.Factory,
		connectSem: make(chan struct{}, 1),
	}
	if cfg.Endpoint != nil {
		ep := *cfg.Endpoint
		d.endpoint = &ep
	}
	if cfg.Bridge != nil {
		d.bridge = cfg.Bridge
		d.boundAt = time.Now()
		d.binds = 1
	}
	return d, nil
}

// ID returns the driver id.
func (d *Driver) ID() string { return d.meta.ID }

// Meta returns a copy of the driver declaration.
func (d *Driver) Meta() Meta { return d.meta.Clone() }

// Spec returns the driver's spec provider.
func (d *Driver) Spec() spec.Provider { return d.spec }

// Capability returns the handler bound to a recognized flag.
func (d *Driver) Capability(flag string) (Handler, bool) {
	h, ok := d.caps[flag]
	return h, ok
}

// NeedsAutostart reports whether an unbound driver must be launched by the
// autostarter before a bridge can be built.
func (d *Driver) NeedsAutostart() bool { return d.meta.Autostart() }

// StaticEndpoint returns the configured endpoint, if any.
func (d *Driver) StaticEndpoint() (bridge.Endpoint, bool) {
	if d.endpoint == nil {
		return bridge.Endpoint{}, false
	}
	return *d.endpoint, true
}

// Bound reports whether a bridge is currently bound.
func (d *Driver) Bound() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bridge != nil
}

// BindInfo describes the current binding.
type BindInfo struct {
	Bound    bool
	Endpoint bridge.Endpoint
	BoundAt  time.Time
	Binds    int
}

// BindInfo returns the current binding state.
func (d *Driver) BindInfo() BindInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return BindInfo{Bound: d.bridge != nil, Endpoint: d.bound, BoundAt: d.boundAt, Binds: d.binds}
}

func (d *Driver) current() bridge.Bridge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bridge
}

// Bind attaches b, closing any previously bound bridge.
func (d *Driver) Bind(b bridge.Bridge, ep bridge.Endpoint) {
	d.mu.Lock()
	old := d.bridge
	d.bridge = b
	d.bound = ep
	d.boundAt = time.Now()
	d.binds++
	d.mu.Unlock()

	debug.Log("registry", "bridge bound", "driver", d.meta.ID, "endpoint", ep.URL())
	closeBridge(d.meta.ID, old)
}

// Unbind detaches and closes the current bridge. The driver keeps its
// identity and can be rebound.
func (d *Driver) Unbind() {
	d.mu.Lock()
	old := d.bridge
	d.bridge = nil
	d.bound = bridge.Endpoint{}
	d.mu.Unlock()

	if old != nil {
		debug.Log("registry", "bridge unbound", "driver", d.meta.ID)
	}
	closeBridge(d.meta.ID, old)
}

// Resolver yields the endpoint an unbound driver should connect to.
type Resolver func(ctx context.Context) (bridge.Endpoint, error)

// Acquire returns the bound bridge, building and binding one from the
// endpoint produced by resolve when the driver is unbound. Concurrent
// callers share one construction; waiters honour their own context.
// Errors from resolve are returned unchanged.
func (d *Driver) Acquire(ctx context.Context, resolve Resolver) (bridge.Bridge, error) {
	if b := d.current(); b != nil {
		return b, nil
	}
	if d.factory == nil {
		return nil, api.NewError(api.KindBridgeUnavailable, d.meta.ID, "no bridge bound and no factory to build one")
	}

	select {
	case d.connectSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-d.connectSem }()

	if b := d.current(); b != nil {
		return b, nil
	}

	ep, err := resolve(ctx)
	if err != nil {
		return nil, err
	}
	b, err := d.factory.NewBridge(ctx, ep)
	if err != nil {
		return nil, api.Wrap(api.KindBridgeUnavailable, d.meta.ID, err, "building bridge for "+ep.URL())
	}
	d.Bind(b, ep)
	return b, nil
}

// Execute translates call and invokes it on the bound bridge. The bridge's
// result is returned unmodified.
func (d *Driver) Execute(ctx context.Context, call Call) (*bridge.Result, error) {
	b := d.current()
	if b == nil {
		return nil, api.NewError(api.KindBridgeUnavailable, d.meta.ID, "no bridge bound")
	}

	op, err := d.translator.Translate(call)
	if err != nil {
		if apiErr, ok := api.AsError(err); ok {
			e := *apiErr
			if e.DriverID == "" {
				e.DriverID = d.meta.ID
			}
			return nil, &e
		}
		return nil, &api.Error{Kind: api.KindMalformedCall, DriverID: d.meta.ID, Input: call.Raw, Message: "translation failed", Err: err}
	}

	debug.Log("dispatch", "invoking bridge",
		"driver", d.meta.ID,
		"call_id", call.ID,
		"operation", op.Name,
		"method", op.Method,
		"path", op.Path,
	)

	res, err := b.Invoke(ctx, op)
	if err != nil {
		return nil, d.bridgeError(ctx, err)
	}
	return res, nil
}

// ExecuteCapability runs the handler bound to flag.
func (d *Driver) ExecuteCapability(ctx context.Context, flag string, call Call) (*bridge.Result, error) {
	h, ok := d.caps[flag]
	if !ok {
		return nil, api.NewCapabilityUnsupportedError(d.meta.ID, flag)
	}
	b := d.current()
	if b == nil {
		return nil, api.NewError(api.KindBridgeUnavailable, d.meta.ID, "no bridge bound")
	}

	res, err := h(ctx, call, b)
	if err != nil {
		if _, ok := api.AsError(err); ok {
			return nil, err
		}
		return nil, d.bridgeError(ctx, err)
	}
	return res, nil
}

func (d *Driver) bridgeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return api.Wrap(api.KindTimeout, d.meta.ID, err, "bridge call did not complete; outcome unknown")
	}
	return api.Wrap(api.KindBridgeUnavailable, d.meta.ID, err, "bridge call failed")
}

// Close unbinds the bridge.
func (d *Driver) Close() error {
	d.Unbind()
	return nil
}

func closeBridge(id string, b bridge.Bridge) {
	if b == nil {
		return
	}
	if err := b.Close(); err != nil {
		slog.Warn("closing bridge failed", "driver", id, "error", err)
	}
}
