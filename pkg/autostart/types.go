package autostart

import (
	"context"
	"time"

	"github.com/rhuss/drivercore/pkg/bridge"
)

// State is the lifecycle state of a supervised driver backend.
type State string

const (
	StateUnresolved     State = "unresolved"
	StateLaunching      State = "launching"
	StateHealthChecking State = "health_checking"
	StateReady          State = "ready"
	StateCrashed        State = "crashed"
	StateRestarting     State = "restarting"
	StateStopped        State = "stopped"
)

// Policy bounds launches, health checks and restarts.
type Policy struct {
	// LaunchTimeout bounds one launch attempt including health checking.
	LaunchTimeout time.Duration `yaml:"launch_timeout"`

	// HealthInitialInterval, HealthMultiplier and HealthMaxInterval shape
	// the exponential backoff between health checks.
	HealthInitialInterval time.Duration `yaml:"health_initial_interval"`
	HealthMultiplier      float64       `yaml:"health_multiplier"`
	HealthMaxInterval     time.Duration `yaml:"health_max_interval"`

	// HealthMaxAttempts is the check ceiling per launch.
	HealthMaxAttempts int `yaml:"health_max_attempts"`

	// CheckTimeout bounds a single health check.
	CheckTimeout time.Duration `yaml:"check_timeout"`

	// MaxRestarts is the number of restarts allowed within RestartWindow
	// before the driver is stopped.
	MaxRestarts   int           `yaml:"max_restarts"`
	RestartWindow time.Duration `yaml:"restart_window"`

	// GracePeriod is the time between the graceful stop signal and forced
	// termination.
	GracePeriod time.Duration `yaml:"grace_period"`

	// HeartbeatInterval re-checks ready backends. Zero disables it.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultPolicy returns the default supervision policy.
func DefaultPolicy() Policy {
	return Policy{
		LaunchTimeout:         60 * time.Second,
		HealthInitialInterval: 200 * time.Millisecond,
		HealthMultiplier:      2,
		HealthMaxInterval:     3200 * time.Millisecond,
		HealthMaxAttempts:     8,
		CheckTimeout:          5 * time.Second,
		MaxRestarts:           3,
		RestartWindow:         10 * time.Minute,
		GracePeriod:           10 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.LaunchTimeout <= 0 {
		p.LaunchTimeout = d.LaunchTimeout
	}
	if p.HealthInitialInterval <= 0 {
		p.HealthInitialInterval = d.HealthInitialInterval
	}
	if p.HealthMultiplier < 1 {
		p.HealthMultiplier = d.HealthMultiplier
	}
	if p.HealthMaxInterval <= 0 {
		p.HealthMaxInterval = d.HealthMaxInterval
	}
	if p.HealthMaxAttempts <= 0 {
		p.HealthMaxAttempts = d.HealthMaxAttempts
	}
	if p.CheckTimeout <= 0 {
		p.CheckTimeout = d.CheckTimeout
	}
	if p.MaxRestarts < 0 {
		p.MaxRestarts = 0
	}
	if p.RestartWindow <= 0 {
		p.RestartWindow = d.RestartWindow
	}
	if p.GracePeriod <= 0 {
		p.GracePeriod = d.GracePeriod
	}
	return p
}

// LaunchSpec is the runnable reference resolved from a driver's deployment.
type LaunchSpec struct {
	DriverID string
	Kind     string

	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	Image string

	Template  string
	Namespace string

	Port        int
	HealthCheck string
	HealthPath  string
	Scheme      string
	BasePath    string
}

// Launcher starts driver backends of one deployment kind.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// Process is a launched backend.
type Process interface {
	// ID identifies the process, container or sandbox claim.
	ID() string

	// Endpoint is where the backend serves.
	Endpoint() bridge.Endpoint

	// Done is closed when the backend exits on its own. Launchers that
	// cannot observe exits return nil.
	Done() <-chan struct{}

	// Stop terminates the backend, forcing it after grace.
	Stop(ctx context.Context, grace time.Duration) error
}

// HealthChecker checks a launched backend once.
type HealthChecker interface {
	Check(ctx context.Context, spec LaunchSpec, ep bridge.Endpoint) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context, spec LaunchSpec, ep bridge.Endpoint) error

// Check calls f.
func (f HealthCheckerFunc) Check(ctx context.Context, spec LaunchSpec, ep bridge.Endpoint) error {
	return f(ctx, spec, ep)
}

// Status is a snapshot of a supervised backend.
type Status struct {
	DriverID      string    `json:"driver_id"`
	State         State     `json:"state"`
	ProcessID     string    `json:"process_id,omitempty"`
	Endpoint      string    `json:"endpoint,omitempty"`
	LaunchedAt    time.Time `json:"launched_at,omitzero"`
	LastHealthAt  time.Time `json:"last_health_at,omitzero"`
	LastHealthErr string    `json:"last_health_error,omitempty"`
	Restarts      int       `json:"restarts"`
}
