package autostart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rhuss/drivercore/pkg/bridge"
)

// Environment passed to process backends.
const (
	EnvDriverPort = "DRIVER_PORT"
	EnvDriverID   = "DRIVER_ID"
)

// maxLogLineLength truncates backend output lines before logging.
const maxLogLineLength = 2000

var (
	// ErrCommandMissing indicates the backend executable was not found.
	ErrCommandMissing = errors.New("autostart: backend command not found")

	// ErrKilled indicates the backend was killed after the grace period.
	ErrKilled = errors.New("autostart: backend killed after grace period")
)

// ProcessLauncher starts backends as local child processes. The chosen port
// is passed in DRIVER_PORT and substituted for {port} in arguments.
type ProcessLauncher struct {
	// Host is the address backends bind to (default: 127.0.0.1).
	Host string
}

// Launch implements Launcher.
func (l *ProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	path, err := lookCommand(spec.Command)
	if err != nil {
		return nil, err
	}

	host := l.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := spec.Port
	if port == 0 {
		port, err = freePort(host)
		if err != nil {
			return nil, fmt.Errorf("autostart: allocate port: %w", err)
		}
	}
	portStr := strconv.Itoa(port)

	args := make([]string, len(spec.Args))
	for i, a := range spec.Args {
		args[i] = strings.ReplaceAll(a, "{port}", portStr)
	}

	// Not exec.CommandContext: Stop controls signal delivery.
	cmd := exec.Command(path, args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), EnvDriverPort+"="+portStr, EnvDriverID+"="+spec.DriverID)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+strings.ReplaceAll(v, "{port}", portStr))
	}
	stdout := newLogWriter(spec.DriverID, "stdout")
	stderr := newLogWriter(spec.DriverID, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("autostart: start %s: %w", spec.Command, err)
	}

	h := &processHandle{
		cmd:    cmd,
		done:   make(chan struct{}),
		output: []*logWriter{stdout, stderr},
		endpoint: bridge.Endpoint{
			Scheme: spec.Scheme,
			Host:   host,
			Port:   port,
			Path:   spec.BasePath,
		},
	}
	go h.wait()

	slog.Info("started driver backend",
		"driver", spec.DriverID,
		"pid", cmd.Process.Pid,
		"endpoint", h.endpoint.URL(),
	)
	return h, nil
}

func lookCommand(command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", ErrCommandMissing
	}
	if strings.ContainsRune(command, os.PathSeparator) {
		if _, err := os.Stat(command); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: %s", ErrCommandMissing, command)
			}
			return "", fmt.Errorf("autostart: stat %s: %w", command, err)
		}
		return command, nil
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrCommandMissing, command)
	}
	return path, nil
}

func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

type processHandle struct {
	cmd      *exec.Cmd
	endpoint bridge.Endpoint
	output   []*logWriter

	done    chan struct{}
	mu      sync.Mutex
	waitErr error
}

func (h *processHandle) wait() {
	err := h.cmd.Wait()
	for _, w := range h.output {
		w.Close()
	}
	h.mu.Lock()
	h.waitErr = err
	h.mu.Unlock()
	close(h.done)
}

func (h *processHandle) ID() string {
	return "pid-" + strconv.Itoa(h.cmd.Process.Pid)
}

func (h *processHandle) Endpoint() bridge.Endpoint { return h.endpoint }

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) exitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Stop sends the graceful termination signal and kills the process if it
// has not exited after grace or when ctx ends first.
func (h *processHandle) Stop(ctx context.Context, grace time.Duration) error {
	pid := h.cmd.Process.Pid

	select {
	case <-h.done:
		return normalizeExitError(h.exitErr(), false)
	default:
	}

	if err := gracefulTerminate(h.cmd.Process); err != nil && errors.Is(err, os.ErrProcessDone) {
		<-h.done
		return normalizeExitError(h.exitErr(), false)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < grace {
			grace = remaining
		}
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return normalizeExitError(h.exitErr(), false)
	case <-timer.C:
		slog.Warn("driver backend did not exit after grace period, killing", "pid", pid, "grace", grace)
	case <-ctx.Done():
		slog.Warn("context ended while stopping driver backend, killing", "pid", pid)
	}

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("autostart: kill backend: %w", err)
	}
	select {
	case <-h.done:
		return normalizeExitError(h.exitErr(), true)
	case <-time.After(grace):
		return fmt.Errorf("autostart: backend pid %d did not exit after kill", pid)
	}
}

// normalizeExitError treats exit statuses during shutdown as success unless
// the process had to be killed.
func normalizeExitError(err error, killed bool) error {
	if killed {
		return ErrKilled
	}
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// logWriter forwards backend output to slog line by line.
type logWriter struct {
	mu       sync.Mutex
	driverID string
	stream   string
	buf      []byte
}

func newLogWriter(driverID, stream string) *logWriter {
	return &logWriter{driverID: driverID, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	// Output without newlines is flushed as one truncated line.
	if len(w.buf) >= maxLogLineLength {
		w.emit(string(w.buf))
		w.buf = nil
	}
	return len(p), nil
}

func (w *logWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
	return nil
}

func (w *logWriter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	if len(line) > maxLogLineLength {
		line = line[:maxLogLineLength] + "...[truncated]"
	}
	slog.Debug("driver backend output", "driver", w.driverID, "stream", w.stream, "line", line)
}
