// Package builder assembles a running drivercore instance from configuration:
// the artifact store, the autostarter with its launchers, one driver per
// declaration, and the dispatcher.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/rhuss/drivercore/pkg/autostart"
	"github.com/rhuss/drivercore/pkg/autostart/container"
	"github.com/rhuss/drivercore/pkg/autostart/kubernetes"
	"github.com/rhuss/drivercore/pkg/bridge"
	"github.com/rhuss/drivercore/pkg/bridge/httpbridge"
	"github.com/rhuss/drivercore/pkg/bridge/mcpbridge"
	"github.com/rhuss/drivercore/pkg/config"
	"github.com/rhuss/drivercore/pkg/debug"
	"github.com/rhuss/drivercore/pkg/dispatch"
	"github.com/rhuss/drivercore/pkg/driver"
	"github.com/rhuss/drivercore/pkg/registry"
	"github.com/rhuss/drivercore/pkg/spec"
	"github.com/rhuss/drivercore/pkg/storage"
	"github.com/rhuss/drivercore/pkg/storage/memory"
	"github.com/rhuss/drivercore/pkg/storage/postgres"
)

// Runtime is an assembled core. Starter and Store are nil when disabled.
type Runtime struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Starter    *autostart.AutoStarter
	Store      storage.ArtifactStore

	closers []func() error
}

// Options supplies collaborators that are otherwise created from config.
type Options struct {
	// KubeClient is used by the sandbox launcher instead of a client built
	// from the ambient kubeconfig.
	KubeClient client.Client

	// Launchers replace or extend the launchers created from config.
	Launchers map[string]autostart.Launcher
}

// Build assembles a Runtime. On error everything created so far is
// released.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ *Runtime, err error) {
	rt := &Runtime{Registry: registry.New()}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	rt.Store, err = NewStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("creating artifact store: %w", err)
	}

	if cfg.Autostart.Enabled {
		launchers, err := NewLaunchers(cfg.Autostart, opts.KubeClient)
		if err != nil {
			return nil, err
		}
		for kind, l := range opts.Launchers {
			launchers[kind] = l
		}
		rt.Starter = autostart.New(autostart.Config{
			Policy:    cfg.Autostart.Policy,
			Launchers: launchers,
			Listener:  rt.Registry.EndpointReleased,
		})
	}

	env := Env{Store: rt.Store, SpecTTL: cfg.Spec.TTL, Starter: rt.Starter}
	for _, dc := range cfg.Drivers {
		dcfg, closers, err := DriverConfig(dc, env)
		rt.closers = append(rt.closers, closers...)
		if err != nil {
			return nil, fmt.Errorf("driver %q (%s): %w", dc.ID, dc.Source, err)
		}
		if _, err := rt.Registry.Register(dcfg); err != nil {
			return nil, fmt.Errorf("registering driver %q (%s): %w", dc.ID, dc.Source, err)
		}
		slog.Info("driver registered",
			"driver", dc.ID,
			"protocol", protocolOf(dc),
			"autostart", dc.Deploy != nil,
			"source", dc.Source,
		)
	}

	var starter dispatch.Starter
	if rt.Starter != nil {
		starter = rt.Starter
	}
	rt.Dispatcher = dispatch.New(rt.Registry, starter, dispatch.Config{
		CallTimeout: cfg.Dispatch.CallTimeout,
	})
	return rt, nil
}

// Close stops supervised backends, then closes drivers and the store.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Starter != nil {
		if err := rt.Starter.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping backends: %w", err))
		}
	}
	if err := rt.Registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing drivers: %w", err))
	}
	for _, c := range rt.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// NewStore creates the configured artifact store, or nil for "none".
func NewStore(ctx context.Context, cfg config.StorageConfig) (storage.ArtifactStore, error) {
	switch cfg.Type {
	case "", "none":
		slog.Info("artifact storage disabled")
		return nil, nil
	case "memory":
		slog.Info("artifact storage enabled", "type", "memory", "max_size", cfg.MaxSize)
		return memory.New(cfg.MaxSize), nil
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MaxAge:         cfg.Postgres.MaxAge,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, err
		}
		if n, err := store.Prune(ctx); err != nil {
			slog.Warn("pruning stale spec artifacts failed", "error", err)
		} else if n > 0 {
			slog.Info("pruned stale spec artifacts", "count", n)
		}
		slog.Info("artifact storage enabled", "type", "postgres", "max_conns", cfg.Postgres.MaxConns, "max_age", cfg.Postgres.MaxAge)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// NewLaunchers returns the launchers enabled in cfg, keyed by deployment
// kind. The process launcher is always present. kube may be nil, in which
// case a client is built from the ambient kubeconfig.
func NewLaunchers(cfg config.AutostartConfig, kube client.Client) (map[string]autostart.Launcher, error) {
	launchers := map[string]autostart.Launcher{
		driver.DeployProcess: &autostart.ProcessLauncher{Host: cfg.ProcessHost},
	}
	if cfg.Container.Enabled {
		launchers[driver.DeployContainer] = &container.Launcher{Labels: cfg.Container.Labels}
	}
	if cfg.Kubernetes.Enabled {
		if kube == nil {
			c, err := newKubeClient()
			if err != nil {
				return nil, err
			}
			kube = c
		}
		launchers[driver.DeploySandbox] = kubernetes.NewLauncher(kube, cfg.Kubernetes.Namespace)
	}
	return launchers, nil
}

func newKubeClient() (client.Client, error) {
	scheme, err := kubernetes.NewScheme()
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes scheme: %w", err)
	}
	restCfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	c, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return c, nil
}

// Env holds what driver construction shares across drivers.
type Env struct {
	Store   storage.ArtifactStore
	SpecTTL time.Duration

	// Starter resolves the endpoint of autostarted MCP drivers whose spec
	// is discovered from the running backend.
	Starter *autostart.AutoStarter
}

// DriverConfig translates one declaration into a driver.Config. The
// returned closers release resources owned by the spec source; they are
// returned even on error.
func DriverConfig(dc config.DriverConfig, env Env) (driver.Config, []func() error, error) {
	var closers []func() error
	meta := dc.Meta.Clone()
	if meta.Protocol == "" {
		meta.Protocol = config.ProtocolREST
	}

	headers, err := headerSource(dc.Bridge)
	if err != nil {
		return driver.Config{}, nil, err
	}

	out := driver.Config{Meta: meta}
	var mcpCfg mcpbridge.Config
	switch meta.Protocol {
	case config.ProtocolREST:
		out.Factory = httpbridge.NewFactory(httpbridge.Config{
			Headers:      dc.Bridge.Headers,
			HeaderSource: headers,
			Timeout:      dc.Bridge.Timeout,
			RateLimit:    dc.Bridge.RateLimit,
			Burst:        dc.Bridge.Burst,
		})
		out.Translator = driver.REST{Routes: dc.Routes, PassUnknown: dc.PassUnknown}
	case config.ProtocolMCP:
		mcpCfg = mcpbridge.Config{
			Name:         meta.ID,
			URL:          dc.Bridge.URL,
			Transport:    mcpTransport(meta.Transport),
			Headers:      dc.Bridge.Headers,
			HeaderSource: headers,
		}
		out.Factory = mcpbridge.NewFactory(mcpCfg)
		out.Translator = driver.Passthrough{}
	default:
		return driver.Config{}, nil, fmt.Errorf("unsupported protocol %q", meta.Protocol)
	}
	out.Factory = wrapFactory(out.Factory, dc.Bridge)

	if dc.Bridge.URL != "" {
		ep, err := bridge.ParseEndpoint(dc.Bridge.URL)
		if err != nil {
			return driver.Config{}, nil, err
		}
		out.Endpoint = &ep
	}

	if len(dc.Handlers) > 0 {
		out.Capabilities = make(map[string]driver.Handler, len(dc.Handlers))
		for flag, oc := range dc.Handlers {
			out.Capabilities[flag] = driver.OperationHandler(operation(flag, oc))
		}
	}

	src, err := specSource(dc, meta, mcpCfg, env)
	if err != nil {
		return driver.Config{}, nil, err
	}
	if c, ok := src.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}

	ttl := dc.Spec.TTL
	if ttl == 0 {
		ttl = env.SpecTTL
	}
	provider, err := spec.NewCachingProvider(spec.Options{
		DriverID:   meta.ID,
		Target:     meta.Ref(),
		Format:     meta.SpecFormat,
		Version:    meta.Version,
		TargetLLMs: meta.TargetLLMs,
		Source:     src,
		Store:      env.Store,
		Templates:  dc.Spec.Templates,
		TTL:        ttl,
	})
	if err != nil {
		return driver.Config{}, closers, err
	}
	out.Spec = provider
	return out, closers, nil
}

func protocolOf(dc config.DriverConfig) string {
	if dc.Protocol == "" {
		return config.ProtocolREST
	}
	return dc.Protocol
}

// mcpTransport maps the declared transport to an MCP client transport.
// Anything but SSE uses streamable HTTP.
func mcpTransport(t string) string {
	if strings.EqualFold(t, mcpbridge.TransportSSE) {
		return mcpbridge.TransportSSE
	}
	return mcpbridge.TransportStreamable
}

// headerSource picks the dynamic auth headers for a backend. OAuth wins
// over a static token.
func headerSource(bc config.BridgeConfig) (bridge.HeaderSource, error) {
	switch {
	case bc.OAuth != nil:
		o := bc.OAuth
		if o.TokenURL == "" || o.ClientID == "" {
			return nil, errors.New("bridge.oauth requires token_url and client_id")
		}
		return bridge.NewOAuthClientCredentials(o.TokenURL, o.ClientID, o.ClientSecret, o.Scopes), nil
	case bc.Token != "":
		return bridge.BearerToken(bc.Token), nil
	}
	return nil, nil
}

// wrapFactory applies the retry and serialization settings to every bridge
// the factory builds.
func wrapFactory(f bridge.Factory, bc config.BridgeConfig) bridge.Factory {
	if bc.Retry.MaxAttempts <= 1 && !bc.Serialize {
		return f
	}
	return bridge.FactoryFunc(func(ctx context.Context, ep bridge.Endpoint) (bridge.Bridge, error) {
		b, err := f.NewBridge(ctx, ep)
		if err != nil {
			return nil, err
		}
		if bc.Retry.MaxAttempts > 1 {
			b = bridge.Retrying(b, bridge.RetryPolicy{
				MaxAttempts:     bc.Retry.MaxAttempts,
				InitialInterval: bc.Retry.InitialInterval,
				MaxInterval:     bc.Retry.MaxInterval,
			})
		}
		if bc.Serialize {
			b = bridge.Serialized(b)
		}
		return b, nil
	})
}

func operation(flag string, oc config.OperationConfig) bridge.Operation {
	name := oc.Name
	if name == "" {
		name = flag
	}
	return bridge.Operation{
		Name:       name,
		Method:     strings.ToUpper(oc.Method),
		Path:       oc.Path,
		Args:       oc.Args,
		Idempotent: oc.Idempotent,
	}
}

func specSource(dc config.DriverConfig, meta driver.Meta, mcpCfg mcpbridge.Config, env Env) (spec.Source, error) {
	s := dc.Spec
	switch {
	case s.Inline != "":
		return spec.StaticSource(s.Inline), nil
	case s.File != "":
		return spec.FileSource{Path: s.File}, nil
	case s.URL != "":
		return &spec.HTTPSource{URL: s.URL, Headers: dc.Bridge.Headers}, nil
	case s.MCP && mcpCfg.URL != "":
		return mcpbridge.NewToolSource(mcpCfg), nil
	case s.MCP:
		if env.Starter == nil {
			return nil, errors.New("spec.mcp on an autostarted driver requires autostart")
		}
		return autostartedToolSource(env.Starter, meta, mcpCfg), nil
	}
	return nil, errors.New("no spec source configured")
}

// autostartedToolSource discovers tools from a backend the autostarter
// runs. Each fetch uses a short-lived session because the endpoint can
// change across restarts.
func autostartedToolSource(starter *autostart.AutoStarter, meta driver.Meta, cfg mcpbridge.Config) spec.Source {
	return spec.SourceFunc(func(ctx context.Context, hint string) ([]byte, error) {
		ep, err := starter.EnsureRunning(ctx, meta)
		if err != nil {
			return nil, err
		}
		c := cfg
		c.URL = ep.URL()
		if ep.Transport != "" {
			c.Transport = ep.Transport
		}
		if ep.Token != "" && c.HeaderSource == nil {
			c.HeaderSource = bridge.BearerToken(ep.Token)
		}
		src := mcpbridge.NewToolSource(c)
		defer src.Close()
		debug.Log("spec", "discovering tools from autostarted backend", "driver", meta.ID, "endpoint", c.URL)
		return src.Fetch(ctx, hint)
	})
}
