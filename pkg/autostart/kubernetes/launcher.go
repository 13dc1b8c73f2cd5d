// Package kubernetes launches driver backends as agent-sandbox sandboxes by
// creating SandboxClaim resources.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/rhuss/drivercore/pkg/autostart"
	"github.com/rhuss/drivercore/pkg/bridge"
)

// LabelDriver marks claims with the driver they serve.
const LabelDriver = "drivercore.io/driver"

var _ autostart.Launcher = (*Launcher)(nil)

// Launcher creates one SandboxClaim per launch, waits for the Sandbox to
// become ready and serves the backend at its service FQDN.
type Launcher struct {
	client    client.Client
	namespace string

	// PollInterval is the readiness poll interval (default: 500ms).
	PollInterval time.Duration

	// WatchInterval is how often a ready sandbox is checked for
	// disappearance (default: 5s).
	WatchInterval time.Duration
}

// NewLauncher creates a Launcher. namespace is used for specs that do not
// name one.
func NewLauncher(c client.Client, namespace string) *Launcher {
	if namespace == "" {
		namespace = "default"
	}
	return &Launcher{
		client:        c,
		namespace:     namespace,
		PollInterval:  500 * time.Millisecond,
		WatchInterval: 5 * time.Second,
	}
}

// NewScheme returns a runtime.Scheme with the agent-sandbox types registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := sandboxv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox types: %w", err)
	}
	if err := extensionsv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register extensions types: %w", err)
	}
	return scheme, nil
}

// Launch implements autostart.Launcher. The claim is deleted again when the
// sandbox does not become ready before ctx ends.
func (l *Launcher) Launch(ctx context.Context, spec autostart.LaunchSpec) (autostart.Process, error) {
	namespace := spec.Namespace
	if namespace == "" {
		namespace = l.namespace
	}
	name := generateClaimNameFn(spec.DriverID)

	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{LabelDriver: sanitizeName(spec.DriverID, 63)},
		},
		Spec: extensionsv1alpha1.SandboxClaimSpec{
			TemplateRef: extensionsv1alpha1.SandboxTemplateRef{
				Name: spec.Template,
			},
		},
	}
	if err := l.client.Create(ctx, claim); err != nil {
		return nil, fmt.Errorf("create SandboxClaim %q: %w", name, err)
	}
	slog.Debug("created SandboxClaim", "name", name, "namespace", namespace, "template", spec.Template, "driver", spec.DriverID)

	fqdn, err := l.waitForReady(ctx, name, namespace)
	if err != nil {
		l.deleteClaim(context.Background(), name, namespace, 0)
		return nil, err
	}

	wctx, cancel := context.WithCancel(context.Background())
	c := &claimProcess{
		launcher:  l,
		name:      name,
		namespace: namespace,
		done:      make(chan struct{}),
		cancel:    cancel,
		endpoint: bridge.Endpoint{
			Scheme: spec.Scheme,
			Host:   fqdn,
			Port:   spec.Port,
			Path:   spec.BasePath,
		},
	}
	go c.watch(wctx)

	slog.Info("sandbox ready", "name", name, "driver", spec.DriverID, "endpoint", c.endpoint.URL())
	return c, nil
}

// waitForReady polls the Sandbox until its Ready condition is True and its
// service FQDN is set.
func (l *Launcher) waitForReady(ctx context.Context, name, namespace string) (string, error) {
	ticker := time.NewTicker(l.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for Sandbox %q: %w", name, ctx.Err())
		case <-ticker.C:
			sandbox := &sandboxv1alpha1.Sandbox{}
			key := types.NamespacedName{Name: name, Namespace: namespace}
			if err := l.client.Get(ctx, key, sandbox); err != nil {
				// The controller may not have created it yet.
				slog.Debug("waiting for Sandbox", "name", name, "error", err.Error())
				continue
			}
			if isReady(sandbox) && sandbox.Status.ServiceFQDN != "" {
				return sandbox.Status.ServiceFQDN, nil
			}
		}
	}
}

// isReady checks if the Sandbox has a Ready condition set to True.
func isReady(sandbox *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sandbox.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

func (l *Launcher) deleteClaim(ctx context.Context, name, namespace string, grace time.Duration) error {
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
		},
	}
	var opts []client.DeleteOption
	if grace > 0 {
		opts = append(opts, client.GracePeriodSeconds(int64(grace.Seconds())))
	}
	if err := l.client.Delete(ctx, claim, opts...); err != nil && !apierrors.IsNotFound(err) {
		slog.Warn("failed to delete SandboxClaim", "name", name, "namespace", namespace, "error", err.Error())
		return fmt.Errorf("delete SandboxClaim %q: %w", name, err)
	}
	slog.Debug("deleted SandboxClaim", "name", name, "namespace", namespace)
	return nil
}

type claimProcess struct {
	launcher  *Launcher
	name      string
	namespace string
	endpoint  bridge.Endpoint

	done     chan struct{}
	doneOnce sync.Once
	cancel   context.CancelFunc
}

func (c *claimProcess) ID() string                { return c.namespace + "/" + c.name }
func (c *claimProcess) Endpoint() bridge.Endpoint { return c.endpoint }
func (c *claimProcess) Done() <-chan struct{}     { return c.done }

func (c *claimProcess) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// watch closes done once the Sandbox is gone or no longer ready.
func (c *claimProcess) watch(ctx context.Context) {
	ticker := time.NewTicker(c.launcher.WatchInterval)
	defer ticker.Stop()

	key := types.NamespacedName{Name: c.name, Namespace: c.namespace}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sandbox := &sandboxv1alpha1.Sandbox{}
			err := c.launcher.client.Get(ctx, key, sandbox)
			switch {
			case apierrors.IsNotFound(err):
				slog.Warn("sandbox disappeared", "name", c.name, "namespace", c.namespace)
				c.markDone()
				return
			case err != nil:
				slog.Debug("sandbox watch failed", "name", c.name, "error", err.Error())
			case !isReady(sandbox):
				slog.Warn("sandbox no longer ready", "name", c.name, "namespace", c.namespace)
				c.markDone()
				return
			}
		}
	}
}

// Stop deletes the claim. The sandbox controller tears down the pod,
// honouring grace as the pod termination grace period.
func (c *claimProcess) Stop(ctx context.Context, grace time.Duration) error {
	c.cancel()
	err := c.launcher.deleteClaim(ctx, c.name, c.namespace, grace)
	c.markDone()
	return err
}

// generateClaimNameFn creates a unique SandboxClaim name for a driver.
// Replaceable in tests for deterministic naming.
var generateClaimNameFn = func(driverID string) string {
	return fmt.Sprintf("drivercore-%s-%d", sanitizeName(driverID, 30), time.Now().UnixNano())
}

// sanitizeName maps s to a DNS-1123 label fragment of at most limit bytes.
func sanitizeName(s string, limit int) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	if len(out) > limit {
		out = out[:limit]
	}
	out = strings.Trim(out, "-")
	if out == "" {
		return "driver"
	}
	return out
}
