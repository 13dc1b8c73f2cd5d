// Package container launches driver backends as OCI containers through
// testcontainers-go.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/testcontainers/testcontainers-go"

	"github.com/rhuss/drivercore/pkg/autostart"
	"github.com/rhuss/drivercore/pkg/bridge"
)

// LabelDriver marks containers with the driver they serve.
const LabelDriver = "io.drivercore.driver"

var _ autostart.Launcher = (*Launcher)(nil)

// Launcher starts one container per launch and serves the backend at the
// host port mapped to LaunchSpec.Port.
type Launcher struct {
	// Labels are added to every container.
	Labels map[string]string

	// WatchInterval is how often a running container is checked for exit
	// (default: 2s).
	WatchInterval time.Duration
}

// Launch implements autostart.Launcher.
func (l *Launcher) Launch(ctx context.Context, spec autostart.LaunchSpec) (autostart.Process, error) {
	port := strconv.Itoa(spec.Port)

	env := map[string]string{
		autostart.EnvDriverPort: port,
		autostart.EnvDriverID:   spec.DriverID,
	}
	for k, v := range spec.Env {
		env[k] = strings.ReplaceAll(v, "{port}", port)
	}
	var cmd []string
	for _, a := range spec.Args {
		cmd = append(cmd, strings.ReplaceAll(a, "{port}", port))
	}
	labels := maps.Clone(l.Labels)
	if labels == nil {
		labels = make(map[string]string, 1)
	}
	labels[LabelDriver] = spec.DriverID

	req := testcontainers.ContainerRequest{
		Image:        spec.Image,
		ExposedPorts: []string{port + "/tcp"},
		Env:          env,
		Cmd:          cmd,
		Labels:       labels,
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		_ = testcontainers.TerminateContainer(c)
		return nil, fmt.Errorf("start container %s: %w", spec.Image, err)
	}

	// Only one port is exposed, so the container endpoint is the mapped one.
	raw, err := c.Endpoint(ctx, spec.Scheme)
	if err != nil {
		_ = testcontainers.TerminateContainer(c)
		return nil, fmt.Errorf("resolve container endpoint: %w", err)
	}
	ep, err := bridge.ParseEndpoint(raw)
	if err != nil {
		_ = testcontainers.TerminateContainer(c)
		return nil, err
	}
	ep.Path = spec.BasePath

	interval := l.WatchInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	wctx, cancel := context.WithCancel(context.Background())
	h := &containerProcess{
		container: c,
		endpoint:  ep,
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	go h.watch(wctx, interval)

	slog.Info("started driver container",
		"driver", spec.DriverID,
		"image", spec.Image,
		"container", shortID(c.GetContainerID()),
		"endpoint", ep.URL(),
	)
	return h, nil
}

type containerProcess struct {
	container testcontainers.Container
	endpoint  bridge.Endpoint

	done     chan struct{}
	doneOnce sync.Once
	cancel   context.CancelFunc
}

func (p *containerProcess) ID() string                { return shortID(p.container.GetContainerID()) }
func (p *containerProcess) Endpoint() bridge.Endpoint { return p.endpoint }
func (p *containerProcess) Done() <-chan struct{}     { return p.done }

func (p *containerProcess) markDone() {
	p.doneOnce.Do(func() { close(p.done) })
}

// watch closes done once the container stops running.
func (p *containerProcess) watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := p.container.State(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				slog.Warn("container state unavailable", "container", p.ID(), "error", err)
				p.markDone()
				return
			}
			if !st.Running {
				slog.Warn("driver container exited", "container", p.ID(), "exit_code", st.ExitCode)
				p.markDone()
				return
			}
		}
	}
}

// Stop stops the container, killing it after grace, and removes it.
func (p *containerProcess) Stop(ctx context.Context, grace time.Duration) error {
	p.cancel()
	err := p.container.Terminate(ctx, testcontainers.StopTimeout(grace))
	p.markDone()
	if err != nil {
		return fmt.Errorf("terminate container %s: %w", p.ID(), err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
