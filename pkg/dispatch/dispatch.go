// Package dispatch turns model output into driver invocations.
//
// The Dispatcher extracts a structured call from raw text, resolves the
// target driver, routes optional capabilities, makes sure the driver has a
// bound bridge (autostarting its backend if needed) and returns the bridge's
// raw result. It never retries a bridge call itself.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rhuss/drivercore/pkg/api"
	"github.com/rhuss/drivercore/pkg/bridge"
	dbg "github.com/rhuss/drivercore/pkg/debug"
	"github.com/rhuss/drivercore/pkg/driver"
)

var (
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivercore_dispatch_total",
			Help: "Dispatched calls by driver and outcome",
		},
		[]string{"driver", "outcome"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drivercore_dispatch_duration_seconds",
			Help:    "Dispatch duration including autostart and bridge time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"driver"},
	)
)

func init() {
	prometheus.MustRegister(dispatchTotal, dispatchDuration)
}

// Registry resolves call targets to drivers.
type Registry interface {
	Lookup(ref string) (*driver.Driver, error)
}

// Starter materializes the backend of an autostart driver.
type Starter interface {
	EnsureRunning(ctx context.Context, meta driver.Meta) (bridge.Endpoint, error)
}

// Config holds dispatcher settings.
type Config struct {
	// CallTimeout bounds a whole dispatch, autostart included. Zero means
	// only the caller's context applies.
	CallTimeout time.Duration
}

// Dispatcher routes calls to drivers. It is safe for concurrent use.
type Dispatcher struct {
	registry Registry
	starter  Starter
	cfg      Config
}

// New creates a Dispatcher. starter may be nil when no driver autostarts.
func New(reg Registry, starter Starter, cfg Config) *Dispatcher {
	return &Dispatcher{registry: reg, starter: starter, cfg: cfg}
}

// Dispatch extracts a call from raw model output and executes it. Output
// without a call payload yields a NoCallFound error, which signals that no
// action was requested.
func (d *Dispatcher) Dispatch(ctx context.Context, raw string) (*bridge.Result, error) {
	payload, ok := Extract(raw)
	if !ok {
		dispatchTotal.WithLabelValues("", string(api.KindNoCallFound)).Inc()
		dbg.Log("dispatch", "no call payload found", "input", dbg.Truncate(raw, 200))
		return nil, &api.Error{Kind: api.KindNoCallFound, Message: "no call payload found"}
	}

	call, err := ParseCall(payload)
	if err != nil {
		dispatchTotal.WithLabelValues("", string(api.KindMalformedCall)).Inc()
		dbg.Log("dispatch", "malformed call", "error", err)
		return nil, err
	}
	return d.DispatchCall(ctx, call)
}

// DispatchCall executes an already parsed call.
func (d *Dispatcher) DispatchCall(ctx context.Context, call driver.Call) (res *bridge.Result, err error) {
	start := time.Now()
	driverID := ""
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(api.KindOf(err))
		}
		dispatchTotal.WithLabelValues(driverID, outcome).Inc()
		if driverID != "" {
			dispatchDuration.WithLabelValues(driverID).Observe(time.Since(start).Seconds())
		}
	}()

	if d.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
	}

	drv, call, err := d.resolve(call)
	if err != nil {
		return nil, err
	}
	driverID = drv.ID()

	flag, err := route(drv, call)
	if err != nil {
		return nil, err
	}

	dbg.Log("dispatch", "dispatching call",
		"call_id", call.ID,
		"driver", driverID,
		"function", call.Function,
		"capability", flag,
	)

	if err := d.ensureBridge(ctx, drv); err != nil {
		slog.Warn("driver has no usable bridge",
			"driver", driverID,
			"call_id", call.ID,
			"error", err,
		)
		return nil, err
	}

	res, err = d.execute(ctx, drv, flag, call)
	if res != nil {
		res = withDriverID(res, driverID)
	}
	if err != nil && !api.KindOf(err).IsCallerError() {
		slog.Warn("dispatch failed",
			"driver", driverID,
			"call_id", call.ID,
			"function", call.Function,
			"error", err,
		)
	}
	return res, err
}

// withDriverID returns a copy of res tagged with the serving driver. Body
// is shared, never modified.
func withDriverID(res *bridge.Result, driverID string) *bridge.Result {
	out := *res
	out.Metadata = make(map[string]string, len(res.Metadata)+1)
	maps.Copy(out.Metadata, res.Metadata)
	out.Metadata[bridge.MetaDriverID] = driverID
	return &out
}

// resolve finds the target driver. A target of the form ref.function is
// split when it does not name a driver itself.
func (d *Dispatcher) resolve(call driver.Call) (*driver.Driver, driver.Call, error) {
	drv, err := d.registry.Lookup(call.Target)
	if err == nil {
		if call.Function == "" && call.Capability == "" {
			return nil, call, &api.Error{
				Kind: api.KindMalformedCall, DriverID: drv.ID(), Input: call.Raw,
				Message: "function is required",
			}
		}
		return drv, call, nil
	}

	if call.Function == "" {
		if i := strings.LastIndexByte(call.Target, '.'); i > 0 && i < len(call.Target)-1 {
			if drv, lerr := d.registry.Lookup(call.Target[:i]); lerr == nil {
				call.Function = call.Target[i+1:]
				call.Target = call.Target[:i]
				return drv, call, nil
			}
		}
	}
	return nil, call, api.NewUnknownTargetError(call.Target, call.Raw)
}

// route returns the capability flag the call invokes, or "" for the
// mandatory execute path. Unrecognized flags are ignored.
func route(drv *driver.Driver, call driver.Call) (string, error) {
	flag := call.Capability
	if flag == "" {
		if driver.IsRecognized(call.Function) && drv.Meta().HasCapability(call.Function) {
			flag = call.Function
		}
	} else if !driver.IsRecognized(flag) {
		dbg.Log("dispatch", "ignoring unrecognized capability", "driver", drv.ID(), "capability", flag)
		if call.Function == "" {
			return "", api.NewCapabilityUnsupportedError(drv.ID(), flag)
		}
		flag = ""
	}

	if flag == "" {
		return "", nil
	}
	if _, ok := drv.Capability(flag); !ok {
		e := api.NewCapabilityUnsupportedError(drv.ID(), flag)
		e.Input = call.Raw
		return "", e
	}
	return flag, nil
}

// ensureBridge binds a bridge to drv, autostarting its backend when the
// driver declares a deployment.
func (d *Dispatcher) ensureBridge(ctx context.Context, drv *driver.Driver) error {
	if drv.Bound() {
		return nil
	}

	_, err := drv.Acquire(ctx, func(ctx context.Context) (bridge.Endpoint, error) {
		if ep, ok := drv.StaticEndpoint(); ok {
			return ep, nil
		}
		if !drv.NeedsAutostart() {
			return bridge.Endpoint{}, api.NewError(api.KindBridgeUnavailable, drv.ID(), "driver has no bridge and no endpoint")
		}
		if d.starter == nil {
			return bridge.Endpoint{}, api.NewError(api.KindBridgeUnavailable, drv.ID(), "driver requires autostart but no autostarter is configured")
		}
		ep, err := d.starter.EnsureRunning(ctx, drv.Meta())
		if err != nil {
			return bridge.Endpoint{}, unavailable(drv.ID(), err)
		}
		return ep, nil
	})
	if err != nil {
		if api.KindOf(err) == api.KindBridgeUnavailable {
			return err
		}
		return unavailable(drv.ID(), err)
	}
	return nil
}

// unavailable wraps an autostart failure as BridgeUnavailable, keeping the
// cause's kind reachable through errors.Is and its last known state.
func unavailable(driverID string, cause error) error {
	e := api.Wrap(api.KindBridgeUnavailable, driverID, cause, "backend could not be started")
	if inner, ok := api.AsError(cause); ok {
		e.State = inner.State
		if inner.Kind == api.KindTimeout {
			e.Message = "backend start did not complete in time"
		}
	}
	return e
}

type outcome struct {
	res *bridge.Result
	err error
}

// execute runs the driver call in its own goroutine so a deadline can
// abandon it. An abandoned call may still complete in the background.
func (d *Dispatcher) execute(ctx context.Context, drv *driver.Driver, flag string, call driver.Call) (*bridge.Result, error) {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("driver panicked",
					"driver", drv.ID(),
					"call_id", call.ID,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				done <- outcome{err: api.NewError(api.KindInternal, drv.ID(), fmt.Sprintf("driver panicked: %v", rec))}
			}
		}()

		var o outcome
		if flag != "" {
			o.res, o.err = drv.ExecuteCapability(ctx, flag, call)
		} else {
			o.res, o.err = drv.Execute(ctx, call)
		}
		done <- o
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, &api.Error{
			Kind:     api.KindTimeout,
			DriverID: drv.ID(),
			Input:    call.Raw,
			Message:  "call abandoned; outcome unknown",
			Err:      ctx.Err(),
		}
	}
}
