package autostart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rhuss/drivercore/pkg/api"
	"github.com/rhuss/drivercore/pkg/bridge"
	"github.com/rhuss/drivercore/pkg/debug"
	"github.com/rhuss/drivercore/pkg/driver"
)

var (
	launchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drivercore_autostart_launches_total",
		Help: "Backend launch attempts by driver and result.",
	}, []string{"driver", "result"})

	restartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drivercore_autostart_restarts_total",
		Help: "Backend restarts after a crash.",
	}, []string{"driver"})

	healthFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drivercore_autostart_health_failures_total",
		Help: "Failed health checks, during launch or heartbeat.",
	}, []string{"driver"})
)

func init() {
	prometheus.MustRegister(launchesTotal, restartsTotal, healthFailuresTotal)
}

// Config configures an AutoStarter.
type Config struct {
	Policy Policy

	// Launchers by deployment kind. Defaults to a ProcessLauncher for
	// "process" when empty.
	Launchers map[string]Launcher

	// HealthCheckers by health check name. "http", "tcp" and "none" are
	// always available unless overridden.
	HealthCheckers map[string]HealthChecker

	// Listener is called after a driver's endpoint is released by a crash
	// or a stop. It must not call back into the AutoStarter synchronously.
	Listener func(driverID string)
}

// AutoStarter launches driver backends on demand and supervises them.
type AutoStarter struct {
	policy    Policy
	launchers map[string]Launcher
	checkers  map[string]HealthChecker
	listener  func(string)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
}

// attempt is one launch shared by every caller waiting on it.
type attempt struct {
	done chan struct{}
	ep   bridge.Endpoint
	err  error
}

func newAttempt() *attempt {
	return &attempt{done: make(chan struct{})}
}

// entry is the supervision record of one driver. All fields are guarded by mu.
type entry struct {
	id string
	mu sync.Mutex

	meta     driver.Meta
	state    State
	proc     Process
	endpoint bridge.Endpoint
	inflight *attempt
	cancel   context.CancelFunc

	restarts      []time.Time
	restartCount  int
	launchedAt    time.Time
	lastHealthAt  time.Time
	lastHealthErr string
}

// settleLocked completes a if it is still the in-flight attempt and reports
// whether it did.
func (e *entry) settleLocked(a *attempt, ep bridge.Endpoint, err error) bool {
	if e.inflight != a {
		return false
	}
	e.inflight = nil
	a.ep, a.err = ep, err
	close(a.done)
	return true
}

func (e *entry) stopCancelLocked() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// New creates an AutoStarter.
func New(cfg Config) *AutoStarter {
	launchers := make(map[string]Launcher, len(cfg.Launchers)+1)
	for k, l := range cfg.Launchers {
		launchers[k] = l
	}
	if len(launchers) == 0 {
		launchers[driver.DeployProcess] = &ProcessLauncher{}
	}

	checkers := map[string]HealthChecker{
		"http": NewHTTPHealthChecker(),
		"tcp":  TCPHealthChecker{},
		"none": HealthCheckerFunc(func(context.Context, LaunchSpec, bridge.Endpoint) error { return nil }),
	}
	for k, c := range cfg.HealthCheckers {
		checkers[k] = c
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AutoStarter{
		policy:    cfg.Policy.withDefaults(),
		launchers: launchers,
		checkers:  checkers,
		listener:  cfg.Listener,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*entry),
	}
}

func (s *AutoStarter) entryFor(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{id: id, state: StateUnresolved}
		s.entries[id] = e
	}
	return e
}

func (s *AutoStarter) lookup(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[id]
}

// EnsureRunning returns the endpoint of the driver's backend, launching it
// first if needed. Concurrent callers for the same driver share one launch.
// The launch itself is not bound to ctx; when ctx ends first the caller gets
// a Timeout error while the launch continues.
func (s *AutoStarter) EnsureRunning(ctx context.Context, meta driver.Meta) (bridge.Endpoint, error) {
	if s.ctx.Err() != nil {
		return bridge.Endpoint{}, api.NewError(api.KindDriverUnavailable, meta.ID, "autostarter is closed")
	}
	e := s.entryFor(meta.ID)

	e.mu.Lock()
	e.meta = meta
	switch e.state {
	case StateReady:
		ep := e.endpoint
		e.mu.Unlock()
		return ep, nil
	case StateStopped:
		e.mu.Unlock()
		return bridge.Endpoint{}, &api.Error{
			Kind:     api.KindDriverUnavailable,
			DriverID: meta.ID,
			State:    string(StateStopped),
			Message:  "driver backend is stopped; reset required",
		}
	}
	a := e.inflight
	if a == nil {
		a = newAttempt()
		e.inflight = a
		// A crashed driver is relaunched once its old backend is torn down.
		if e.state != StateCrashed {
			s.startLocked(e, a, StateLaunching)
		}
	}
	e.mu.Unlock()

	select {
	case <-a.done:
		return a.ep, a.err
	case <-ctx.Done():
		return bridge.Endpoint{}, &api.Error{
			Kind:     api.KindTimeout,
			DriverID: meta.ID,
			State:    string(s.stateOf(e)),
			Message:  "gave up waiting for backend launch",
			Err:      ctx.Err(),
		}
	}
}

func (s *AutoStarter) stateOf(e *entry) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// startLocked runs a launch attempt in the background.
func (s *AutoStarter) startLocked(e *entry, a *attempt, state State) {
	e.state = state
	ctx, cancel := context.WithTimeout(s.ctx, s.policy.LaunchTimeout)
	e.cancel = cancel
	meta := e.meta
	go func() {
		defer cancel()
		s.launch(ctx, e, a, meta)
	}()
}

func (s *AutoStarter) launch(ctx context.Context, e *entry, a *attempt, meta driver.Meta) {
	spec, err := Resolve(meta)
	var (
		launcher Launcher
		checker  HealthChecker
	)
	if err == nil {
		launcher, checker, err = s.pick(spec)
	}
	if err != nil {
		s.unresolved(e, a, err)
		return
	}

	debug.Log("autostart", "launching backend", "driver", e.id, "kind", spec.Kind)
	proc, err := launcher.Launch(ctx, spec)
	if err != nil {
		if errors.Is(err, ErrCommandMissing) {
			rerr := resolutionError(e.id, "backend executable not found")
			rerr.Err = err
			s.unresolved(e, a, rerr)
			return
		}
		launchesTotal.WithLabelValues(e.id, "error").Inc()
		s.failed(e, a, &api.Error{
			Kind:     api.KindDriverUnavailable,
			DriverID: e.id,
			State:    string(StateCrashed),
			Message:  "launch backend",
			Err:      err,
		})
		return
	}

	e.mu.Lock()
	if e.inflight != a {
		e.mu.Unlock()
		s.stopProcess(e.id, proc)
		return
	}
	e.proc = proc
	e.state = StateHealthChecking
	e.launchedAt = time.Now()
	e.mu.Unlock()

	checks, err := waitHealthy(ctx, s.policy, checker, spec, proc)
	if err != nil {
		healthFailuresTotal.WithLabelValues(e.id).Inc()
		launchesTotal.WithLabelValues(e.id, "unhealthy").Inc()
		herr := &api.Error{
			Kind:     api.KindHealthCheckTimeout,
			DriverID: e.id,
			State:    string(StateCrashed),
			Message:  fmt.Sprintf("backend not healthy after %d checks", checks),
			Err:      err,
		}
		if errors.Is(err, errProcessExited) {
			herr.Kind = api.KindDriverUnavailable
			herr.Message = "backend exited during health check"
		}
		s.failed(e, a, herr)
		return
	}

	ep := proc.Endpoint()
	e.mu.Lock()
	if !e.settleLocked(a, ep, nil) {
		e.mu.Unlock()
		s.stopProcess(e.id, proc)
		return
	}
	e.state = StateReady
	e.endpoint = ep
	e.lastHealthAt = time.Now()
	e.lastHealthErr = ""
	sctx, cancel := context.WithCancel(s.ctx)
	e.cancel = cancel
	e.mu.Unlock()

	launchesTotal.WithLabelValues(e.id, "ok").Inc()
	slog.Info("driver backend ready",
		"driver", e.id,
		"process", proc.ID(),
		"endpoint", ep.URL(),
		"checks", checks,
	)
	go s.supervise(sctx, e, proc, spec, checker)
}

func (s *AutoStarter) pick(spec LaunchSpec) (Launcher, HealthChecker, error) {
	launcher, ok := s.launchers[spec.Kind]
	if !ok {
		return nil, nil, resolutionError(spec.DriverID, fmt.Sprintf("no launcher configured for %s deployments", spec.Kind))
	}
	checker, ok := s.checkers[strings.ToLower(spec.HealthCheck)]
	if !ok {
		return nil, nil, resolutionError(spec.DriverID, fmt.Sprintf("unknown health check %q", spec.HealthCheck))
	}
	return launcher, checker, nil
}

// unresolved fails a without scheduling a restart.
func (s *AutoStarter) unresolved(e *entry, a *attempt, err error) {
	launchesTotal.WithLabelValues(e.id, "unresolved").Inc()
	slog.Warn("cannot resolve driver backend", "driver", e.id, "error", err)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settleLocked(a, bridge.Endpoint{}, err) {
		e.state = StateUnresolved
	}
}

// failed fails a launch attempt and tears down its backend, then restarts
// or stops the driver.
func (s *AutoStarter) failed(e *entry, a *attempt, err error) {
	e.mu.Lock()
	if !e.settleLocked(a, bridge.Endpoint{}, err) {
		e.mu.Unlock()
		return
	}
	proc := e.proc
	e.proc = nil
	e.state = StateCrashed
	e.lastHealthAt = time.Now()
	e.lastHealthErr = err.Error()
	e.mu.Unlock()

	slog.Warn("driver backend failed to start", "driver", e.id, "error", err)
	if proc != nil {
		s.stopProcess(e.id, proc)
	}
	s.restartOrStop(e)
}

// supervise watches a ready backend for exits and failed heartbeats.
func (s *AutoStarter) supervise(ctx context.Context, e *entry, proc Process, spec LaunchSpec, checker HealthChecker) {
	var tick <-chan time.Time
	if s.policy.HeartbeatInterval > 0 {
		t := time.NewTicker(s.policy.HeartbeatInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-proc.Done():
			s.crashed(e, proc, "backend exited")
			return
		case <-tick:
			pctx, cancel := context.WithTimeout(ctx, s.policy.CheckTimeout)
			err := checker.Check(pctx, spec, proc.Endpoint())
			cancel()
			if ctx.Err() != nil {
				return
			}

			e.mu.Lock()
			if e.proc == proc {
				e.lastHealthAt = time.Now()
				e.lastHealthErr = ""
				if err != nil {
					e.lastHealthErr = err.Error()
				}
			}
			e.mu.Unlock()

			if err != nil {
				healthFailuresTotal.WithLabelValues(e.id).Inc()
				s.crashed(e, proc, "heartbeat failed: "+err.Error())
				return
			}
			debug.Log("autostart", "heartbeat ok", "driver", e.id)
		}
	}
}

// crashed handles the loss of a ready backend.
func (s *AutoStarter) crashed(e *entry, proc Process, reason string) {
	e.mu.Lock()
	if e.proc != proc || e.state != StateReady {
		e.mu.Unlock()
		return
	}
	e.proc = nil
	e.endpoint = bridge.Endpoint{}
	e.state = StateCrashed
	e.stopCancelLocked()
	e.mu.Unlock()

	slog.Warn("driver backend crashed", "driver", e.id, "process", proc.ID(), "reason", reason)
	s.notify(e.id)
	s.stopProcess(e.id, proc)
	s.restartOrStop(e)
}

// restartOrStop relaunches a crashed driver while the restart budget of the
// sliding window allows it, and stops it otherwise.
func (s *AutoStarter) restartOrStop(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateCrashed {
		return
	}

	now := time.Now()
	cutoff := now.Add(-s.policy.RestartWindow)
	e.restarts = slices.DeleteFunc(e.restarts, func(t time.Time) bool { return t.Before(cutoff) })

	if len(e.restarts) >= s.policy.MaxRestarts {
		e.state = StateStopped
		if e.inflight != nil {
			e.settleLocked(e.inflight, bridge.Endpoint{}, &api.Error{
				Kind:     api.KindDriverUnavailable,
				DriverID: e.id,
				State:    string(StateStopped),
				Message:  "restart limit reached",
			})
		}
		slog.Error("driver backend stopped after repeated failures",
			"driver", e.id,
			"restarts", len(e.restarts),
			"window", s.policy.RestartWindow,
		)
		return
	}

	e.restarts = append(e.restarts, now)
	e.restartCount++
	restartsTotal.WithLabelValues(e.id).Inc()
	slog.Info("restarting driver backend", "driver", e.id, "restart", len(e.restarts))

	a := e.inflight
	if a == nil {
		a = newAttempt()
		e.inflight = a
	}
	s.startLocked(e, a, StateRestarting)
}

func (s *AutoStarter) stopProcess(id string, proc Process) error {
	err := proc.Stop(context.Background(), s.policy.GracePeriod)
	if errors.Is(err, ErrKilled) {
		return nil
	}
	if err != nil {
		slog.Warn("failed to stop driver backend", "driver", id, "process", proc.ID(), "error", err)
	}
	return err
}

func (s *AutoStarter) notify(id string) {
	if s.listener != nil {
		s.listener(id)
	}
}

// Stop tears down the driver's backend, graceful first and forced after the
// grace period, and moves the driver to Stopped. Waiting callers fail with
// DriverUnavailable. Stopping an unknown driver is a no-op.
func (s *AutoStarter) Stop(ctx context.Context, id string) error {
	e := s.lookup(id)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	proc := e.proc
	released := !e.endpoint.IsZero()
	e.proc = nil
	e.endpoint = bridge.Endpoint{}
	e.stopCancelLocked()
	if e.inflight != nil {
		e.settleLocked(e.inflight, bridge.Endpoint{}, &api.Error{
			Kind:     api.KindDriverUnavailable,
			DriverID: id,
			State:    string(StateStopped),
			Message:  "driver backend stopped during launch",
		})
	}
	e.state = StateStopped
	e.mu.Unlock()

	if released {
		s.notify(id)
	}
	if proc == nil {
		return nil
	}

	slog.Info("stopping driver backend", "driver", id, "process", proc.ID())
	err := proc.Stop(ctx, s.policy.GracePeriod)
	if errors.Is(err, ErrKilled) {
		return nil
	}
	if err != nil {
		return api.Wrap(api.KindInternal, id, err, "stop backend")
	}
	return nil
}

// Reset clears the restart history of a stopped driver so the next
// EnsureRunning launches it again. Drivers in other states are unchanged.
func (s *AutoStarter) Reset(id string) {
	e := s.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStopped {
		return
	}
	e.state = StateUnresolved
	e.restarts = nil
	e.restartCount = 0
	e.lastHealthErr = ""
	debug.Log("autostart", "reset driver", "driver", id)
}

// Status reports the supervision state of a driver.
func (s *AutoStarter) Status(id string) (Status, bool) {
	e := s.lookup(id)
	if e == nil {
		return Status{}, false
	}
	return e.status(), true
}

// List reports every driver the AutoStarter has seen, sorted by id.
func (s *AutoStarter) List() []Status {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.status())
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.DriverID, b.DriverID) })
	return out
}

func (e *entry) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		DriverID:      e.id,
		State:         e.state,
		LaunchedAt:    e.launchedAt,
		LastHealthAt:  e.lastHealthAt,
		LastHealthErr: e.lastHealthErr,
		Restarts:      e.restartCount,
	}
	if e.proc != nil {
		st.ProcessID = e.proc.ID()
	}
	if !e.endpoint.IsZero() {
		st.Endpoint = e.endpoint.URL()
	}
	return st
}

// Close stops every backend. The AutoStarter rejects launches afterwards.
func (s *AutoStarter) Close(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.Sort(ids)

	var errs []error
	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	s.cancel()
	return errors.Join(errs...)
}
