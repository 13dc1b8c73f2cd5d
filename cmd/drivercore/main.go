// Command drivercore runs the driver gateway: it loads driver declarations,
// serves their specs to models and dispatches model calls to the drivers'
// backends, starting those backends on demand.
//
// Configuration is read from a YAML file (--config, DRIVERCORE_CONFIG,
// ./config.yaml or /etc/drivercore/config.yaml) and DRIVERCORE_* environment
// overrides.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhuss/drivercore/pkg/auth"
	"github.com/rhuss/drivercore/pkg/builder"
	"github.com/rhuss/drivercore/pkg/config"
	"github.com/rhuss/drivercore/pkg/debug"
	"github.com/rhuss/drivercore/pkg/transport"
	transporthttp "github.com/rhuss/drivercore/pkg/transport/http"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("drivercore failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "drivercore",
		Short:         "Gateway that lets language models call external systems through drivers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then list the declared drivers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration ok, %d driver(s)\n", len(cfg.Drivers))
			for _, d := range cfg.Drivers {
				mode := "static"
				if d.Deploy != nil {
					mode = "autostart:" + d.Deploy.Kind
				}
				fmt.Fprintf(out, "  %-20s %-6s %-20s %s\n", d.ID, d.Protocol, mode, d.Source)
			}
			return nil
		},
	})
	return root
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	debug.Init(cfg.Logging.Debug, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := builder.Build(ctx, cfg, builder.Options{})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			slog.Error("shutdown incomplete", "error", err)
		}
	}()

	chain, limiter, err := builder.NewAuth(cfg.Auth)
	if err != nil {
		return err
	}

	adapterCfg := transporthttp.DefaultConfig()
	if !cfg.Observability.Metrics.Enabled {
		adapterCfg.MetricsPath = ""
	} else {
		adapterCfg.MetricsPath = cfg.Observability.Metrics.Path
	}
	if rt.Store != nil {
		adapterCfg.Ready = rt.Store.HealthCheck
	}

	// A nil *AutoStarter must not reach the adapter as a non-nil interface.
	var sup transport.Supervisor
	if rt.Starter != nil {
		sup = rt.Starter
	}
	adapter := transporthttp.NewAdapter(rt.Registry, rt.Dispatcher, sup, adapterCfg)

	bypass := append([]string(nil), auth.DefaultBypassEndpoints...)
	if adapterCfg.MetricsPath != "" && adapterCfg.MetricsPath != "/metrics" {
		bypass = append(bypass, adapterCfg.MetricsPath)
	}

	srv := transporthttp.NewServer(adapter,
		transporthttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithLogger(slog.Default()),
		transporthttp.WithMiddleware(auth.Middleware(chain, limiter, bypass)),
	)

	slog.Info("drivercore starting",
		"version", version,
		"port", cfg.Server.Port,
		"drivers", len(cfg.Drivers),
		"autostart", rt.Starter != nil,
		"storage", cfg.Storage.Type,
		"auth", cfg.Auth.Type,
	)
	start := time.Now()
	err = srv.Run(ctx)
	slog.Info("drivercore stopped", "uptime", time.Since(start).Round(time.Second))
	return err
}
