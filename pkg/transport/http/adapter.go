package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/drivercore/pkg/api"
	"github.com/rhuss/drivercore/pkg/auth"
	"github.com/rhuss/drivercore/pkg/bridge"
	"github.com/rhuss/drivercore/pkg/debug"
	"github.com/rhuss/drivercore/pkg/driver"
	"github.com/rhuss/drivercore/pkg/observability"
	"github.com/rhuss/drivercore/pkg/spec"
	"github.com/rhuss/drivercore/pkg/transport"
)

// Response headers set by the dispatch endpoint.
const (
	HeaderDriverID     = "X-Driver-ID"
	HeaderBridgeStatus = "X-Bridge-Status"
	HeaderDispatch     = "X-Dispatch"
	HeaderSpecVersion  = "X-Spec-Version"
)

// Adapter serves the drivercore API over HTTP.
type Adapter struct {
	registry   transport.Registry
	dispatcher transport.Dispatcher
	supervisor transport.Supervisor // nil when autostart is disabled
	inflight   *transport.InFlightRegistry
	mux        *http.ServeMux
	config     Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64

	// MetricsPath serves Prometheus metrics. Empty disables the endpoint.
	MetricsPath string

	// Ready backs GET /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 1 << 20, // 1 MB
		MetricsPath: "/metrics",
	}
}

// NewAdapter creates an HTTP adapter. supervisor may be nil; the lifecycle
// endpoints then answer 501.
func NewAdapter(reg transport.Registry, d transport.Dispatcher, sup transport.Supervisor, cfg Config) *Adapter {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	a := &Adapter{
		registry:   reg,
		dispatcher: d,
		supervisor: sup,
		inflight:   transport.NewInFlightRegistry(),
		mux:        http.NewServeMux(),
		config:     cfg,
	}

	a.handle("GET /healthz", a.handleHealthz)
	a.handle("GET /readyz", a.handleReadyz)
	if cfg.MetricsPath != "" {
		a.mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
	}

	a.handle("GET /v1/drivers", a.handleListDrivers)
	a.handle("GET /v1/drivers/{ref}", a.handleGetDriver)
	a.handle("GET /v1/drivers/{ref}/spec", a.handleGetSpec)
	a.handle("POST /v1/drivers/{ref}/spec/invalidate", a.handleInvalidateSpec)
	a.handle("GET /v1/drivers/{ref}/system_message", a.handleSystemMessage)
	a.handle("POST /v1/drivers/{ref}/start", a.handleStart)
	a.handle("POST /v1/drivers/{ref}/stop", a.handleStop)
	a.handle("POST /v1/drivers/{ref}/reset", a.handleReset)

	a.mux.Handle("POST /v1/dispatch", observability.Instrument("POST /v1/dispatch",
		observability.TrackInFlight(http.HandlerFunc(a.handleDispatch))))
	a.handle("DELETE /v1/dispatch/{id}", a.handleCancelDispatch)

	return a
}

func (a *Adapter) handle(pattern string, h http.HandlerFunc) {
	a.mux.Handle(pattern, observability.Instrument(pattern, h))
}

// Handler returns the route multiplexer without middleware. Server wraps
// it with the default middleware chain.
func (a *Adapter) Handler() http.Handler {
	return a.mux
}

// InFlight exposes the registry of running dispatches.
func (a *Adapter) InFlight() *transport.InFlightRegistry {
	return a.inflight
}

func (a *Adapter) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

func (a *Adapter) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.config.Ready != nil {
		if err := a.config.Ready(r.Context()); err != nil {
			transport.WriteErrorResponse(w,
				api.Wrap(api.KindInternal, "", err, "not ready"),
				http.StatusServiceUnavailable,
			)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ready\n"))
}

// handleListDrivers handles GET /v1/drivers.
func (a *Adapter) handleListDrivers(w http.ResponseWriter, _ *http.Request) {
	metas := a.registry.List()
	list := transport.DriverList{Object: "list", Data: make([]transport.DriverView, 0, len(metas))}
	for _, m := range metas {
		d, err := a.registry.Lookup(m.ID)
		if err != nil {
			// Unregistered between List and Lookup.
			continue
		}
		list.Data = append(list.Data, transport.NewDriverView(d, a.supervisor))
	}
	writeJSON(w, http.StatusOK, list)
}

// handleGetDriver handles GET /v1/drivers/{ref}.
func (a *Adapter) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, ok := a.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, transport.NewDriverView(d, a.supervisor))
}

// handleGetSpec handles GET /v1/drivers/{ref}/spec?model=.
func (a *Adapter) handleGetSpec(w http.ResponseWriter, r *http.Request) {
	d, ok := a.lookup(w, r)
	if !ok {
		return
	}
	art, err := d.Spec().Describe(r.Context(), r.URL.Query().Get("model"))
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", spec.ContentType(art.Format))
	w.Header().Set(HeaderDriverID, art.DriverID)
	if art.Version != "" {
		w.Header().Set(HeaderSpecVersion, art.Version)
	}
	if !art.GeneratedAt.IsZero() {
		w.Header().Set("Last-Modified", art.GeneratedAt.UTC().Format(http.TimeFormat))
	}
	w.Write(art.Content)
}

// handleInvalidateSpec handles POST /v1/drivers/{ref}/spec/invalidate.
func (a *Adapter) handleInvalidateSpec(w http.ResponseWriter, r *http.Request) {
	d, ok := a.lookup(w, r)
	if !ok {
		return
	}
	inv, ok := d.Spec().(transport.Invalidator)
	if !ok {
		transport.WriteError(w, api.NewError(api.KindCapabilityUnsupported, d.ID(), "spec provider does not cache artifacts"))
		return
	}
	if err := inv.Invalidate(r.Context()); err != nil {
		transport.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSystemMessage handles GET /v1/drivers/{ref}/system_message?model=.
func (a *Adapter) handleSystemMessage(w http.ResponseWriter, r *http.Request) {
	d, ok := a.lookup(w, r)
	if !ok {
		return
	}
	msg, err := d.Spec().SystemMessage(r.Context(), r.URL.Query().Get("model"))
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(HeaderDriverID, d.ID())
	io.WriteString(w, msg)
}

// handleStart handles POST /v1/drivers/{ref}/start. It blocks until the
// backend is ready or the launch fails.
func (a *Adapter) handleStart(w http.ResponseWriter, r *http.Request) {
	d, ok := a.autostarted(w, r)
	if !ok {
		return
	}
	if _, err := a.supervisor.EnsureRunning(r.Context(), d.Meta()); err != nil {
		transport.WriteError(w, err)
		return
	}
	a.writeStatus(w, d)
}

// handleStop handles POST /v1/drivers/{ref}/stop.
func (a *Adapter) handleStop(w http.ResponseWriter, r *http.Request) {
	d, ok := a.autostarted(w, r)
	if !ok {
		return
	}
	if err := a.supervisor.Stop(r.Context(), d.ID()); err != nil {
		transport.WriteError(w, err)
		return
	}
	a.writeStatus(w, d)
}

// handleReset handles POST /v1/drivers/{ref}/reset, clearing a stopped
// backend so the next call launches it again.
func (a *Adapter) handleReset(w http.ResponseWriter, r *http.Request) {
	d, ok := a.autostarted(w, r)
	if !ok {
		return
	}
	a.supervisor.Reset(d.ID())
	a.writeStatus(w, d)
}

func (a *Adapter) writeStatus(w http.ResponseWriter, d *driver.Driver) {
	writeJSON(w, http.StatusOK, transport.NewDriverView(d, a.supervisor))
}

// handleDispatch handles POST /v1/dispatch. The body is raw model output.
// The bridge result is returned byte for byte with its content type; the
// backend status travels in X-Bridge-Status.
func (a *Adapter) handleDispatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewMalformedCallError("", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteErrorResponse(w, api.NewMalformedCallError("", "reading body: "+err.Error()), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if id := transport.RequestIDFromContext(ctx); id != "" && a.inflight.Register(id, cancel) {
		defer a.inflight.Remove(id)
	}

	debug.Log("transport", "dispatch received", "subject", auth.Subject(ctx), "bytes", len(body))
	res, err := a.dispatcher.Dispatch(ctx, string(body))
	if err != nil {
		if errors.Is(err, api.ErrNoCallFound) {
			w.Header().Set(HeaderDispatch, "no-call")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if apiErr, ok := api.AsError(err); ok && apiErr.DriverID != "" {
			w.Header().Set(HeaderDriverID, apiErr.DriverID)
		}
		transport.WriteError(w, err)
		return
	}

	writeResult(w, res)
}

// handleCancelDispatch handles DELETE /v1/dispatch/{id}, where id is the
// X-Request-ID of a running dispatch.
func (a *Adapter) handleCancelDispatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.inflight.Cancel(id) {
		transport.WriteError(w, api.NewError(api.KindNotFound, "", fmt.Sprintf("no dispatch in flight with id %q", id)))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeResult(w http.ResponseWriter, res *bridge.Result) {
	h := w.Header()
	h.Set(HeaderDispatch, "call")
	if id := res.Metadata[bridge.MetaDriverID]; id != "" {
		h.Set(HeaderDriverID, id)
	}
	h.Set(HeaderBridgeStatus, strconv.Itoa(res.Status))
	ct := res.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	w.Write(res.Body)
}

func (a *Adapter) lookup(w http.ResponseWriter, r *http.Request) (*driver.Driver, bool) {
	d, err := a.registry.Lookup(r.PathValue("ref"))
	if err != nil {
		transport.WriteError(w, err)
		return nil, false
	}
	return d, true
}

// autostarted resolves the driver of a lifecycle request.
func (a *Adapter) autostarted(w http.ResponseWriter, r *http.Request) (*driver.Driver, bool) {
	if a.supervisor == nil {
		transport.WriteErrorResponse(w,
			api.NewError(api.KindCapabilityUnsupported, "", "autostart is not enabled"),
			http.StatusNotImplemented,
		)
		return nil, false
	}
	d, ok := a.lookup(w, r)
	if !ok {
		return nil, false
	}
	if !d.NeedsAutostart() {
		transport.WriteErrorResponse(w,
			api.NewError(api.KindInvalidConfig, d.ID(), "driver has no deploy block and is not autostarted"),
			http.StatusConflict,
		)
		return nil, false
	}
	return d, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
