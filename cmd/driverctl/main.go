// Command driverctl inspects and drives a running drivercore server.
//
//	driverctl list
//	driverctl describe weather
//	driverctl spec weather --model gpt-4o
//	echo '{"target":"weather","function":"forecast"}' | driverctl dispatch
//	driverctl start notes
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhuss/drivercore/pkg/client"
	"github.com/rhuss/drivercore/pkg/transport"
)

const (
	envURL   = "DRIVERCORE_URL"
	envToken = "DRIVERCORE_TOKEN"
)

type globalFlags struct {
	url     string
	token   string
	json    bool
	timeout time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "driverctl",
		Short:         "Inspect and drive a drivercore server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.url, "url", envOr(envURL, "http://localhost:8080"), "server base URL ($"+envURL+")")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv(envToken), "bearer token ($"+envToken+")")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 2*time.Minute, "request timeout")

	root.AddCommand(
		newListCommand(g),
		newDescribeCommand(g),
		newSpecCommand(g),
		newSystemMessageCommand(g),
		newDispatchCommand(g),
		newCancelCommand(g),
		newLifecycleCommand(g, "start", "Start the backend of an autostart driver", (*client.Client).Start),
		newLifecycleCommand(g, "stop", "Stop the backend of an autostart driver", (*client.Client).Stop),
		newLifecycleCommand(g, "reset", "Clear a stopped backend so the next call launches it again", (*client.Client).Reset),
	)
	return root
}

func (g *globalFlags) client() *client.Client {
	return client.New(g.url, client.WithToken(g.token))
}

func (g *globalFlags) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), g.timeout)
}

func (g *globalFlags) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newListCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered drivers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			drivers, err := g.client().ListDrivers(ctx)
			if err != nil {
				return err
			}
			if g.json {
				return g.printJSON(cmd.OutOrStdout(), drivers)
			}
			printDrivers(cmd.OutOrStdout(), drivers)
			return nil
		},
	}
}

func printDrivers(w io.Writer, drivers []transport.DriverView) {
	if len(drivers) == 0 {
		fmt.Fprintln(w, "No drivers registered")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPREFIX\tPROTOCOL\tVERSION\tSTATE\tENDPOINT")
	for _, d := range drivers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, dash(d.Prefix), d.Protocol, d.Version, state(d), dash(d.Endpoint))
	}
	tw.Flush()
}

func state(d transport.DriverView) string {
	switch {
	case d.Process != nil:
		return string(d.Process.State)
	case d.Bound:
		return "bound"
	case d.Deploy != nil:
		return "not started"
	default:
		return "unbound"
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newDescribeCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <driver>",
		Short: "Show a driver's metadata and backend state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			d, err := g.client().GetDriver(ctx, args[0])
			if err != nil {
				return err
			}
			if g.json {
				return g.printJSON(cmd.OutOrStdout(), d)
			}
			printDriver(cmd.OutOrStdout(), d)
			return nil
		},
	}
}

func printDriver(w io.Writer, d *transport.DriverView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", d.ID)
	fmt.Fprintf(tw, "Prefix:\t%s\n", dash(d.Prefix))
	fmt.Fprintf(tw, "Description:\t%s\n", dash(d.Description))
	fmt.Fprintf(tw, "Protocol:\t%s\n", d.Protocol)
	fmt.Fprintf(tw, "Transport:\t%s\n", dash(d.Transport))
	fmt.Fprintf(tw, "Spec format:\t%s\n", d.SpecFormat)
	fmt.Fprintf(tw, "Version:\t%s\n", d.Version)
	if len(d.Capabilities) > 0 {
		fmt.Fprintf(tw, "Capabilities:\t%s\n", strings.Join(d.Capabilities, ", "))
	}
	if len(d.TargetLLMs) > 0 {
		fmt.Fprintf(tw, "Target models:\t%s\n", strings.Join(d.TargetLLMs, ", "))
	}
	fmt.Fprintf(tw, "State:\t%s\n", state(*d))
	fmt.Fprintf(tw, "Endpoint:\t%s\n", dash(d.Endpoint))
	if p := d.Process; p != nil {
		if p.ProcessID != "" {
			fmt.Fprintf(tw, "Process:\t%s\n", p.ProcessID)
		}
		if p.Restarts > 0 {
			fmt.Fprintf(tw, "Restarts:\t%d\n", p.Restarts)
		}
		if p.LastHealthErr != "" {
			fmt.Fprintf(tw, "Last health error:\t%s\n", p.LastHealthErr)
		}
	}
	tw.Flush()
}

func newSpecCommand(g *globalFlags) *cobra.Command {
	var model string
	var invalidate bool
	cmd := &cobra.Command{
		Use:   "spec <driver>",
		Short: "Print the spec a model receives for a driver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			c := g.client()
			if invalidate {
				if err := c.InvalidateSpec(ctx, args[0]); err != nil {
					return err
				}
			}
			s, err := c.Spec(ctx, args[0], model)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(s, "\n"))
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "target model hint")
	cmd.Flags().BoolVar(&invalidate, "refresh", false, "invalidate the cached spec first")
	return cmd
}

func newSystemMessageCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "system-message <driver>",
		Aliases: []string{"sysmsg"},
		Short:   "Print the system message that teaches a model the driver's API",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			msg, err := g.client().SystemMessage(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(msg, "\n"))
			return nil
		},
	}
}

func newDispatchCommand(g *globalFlags) *cobra.Command {
	var requestID string
	cmd := &cobra.Command{
		Use:   "dispatch [model-output]",
		Short: "Dispatch a call found in model output (read from stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 1 {
				raw = args[0]
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				raw = string(b)
			}

			ctx, cancel := g.context(cmd)
			defer cancel()
			res, err := g.client().Dispatch(ctx, raw, requestID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if g.json {
				return g.printJSON(out, map[string]any{
					"called":        res.Called,
					"request_id":    res.RequestID,
					"driver_id":     res.DriverID,
					"bridge_status": res.BridgeStatus,
					"content_type":  res.ContentType,
					"body":          string(res.Body),
				})
			}
			if !res.Called {
				fmt.Fprintln(cmd.ErrOrStderr(), "no call found in input")
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "driver %s answered with status %d\n", res.DriverID, res.BridgeStatus)
			out.Write(res.Body)
			if len(res.Body) > 0 && res.Body[len(res.Body)-1] != '\n' {
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&requestID, "id", "", "request ID, usable with 'driverctl cancel'")
	return cmd
}

func newCancelCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Abandon a running dispatch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			if err := g.client().CancelDispatch(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dispatch %s cancelled\n", args[0])
			return nil
		},
	}
}

type lifecycleFunc func(*client.Client, context.Context, string) (*transport.DriverView, error)

func newLifecycleCommand(g *globalFlags, use, short string, fn lifecycleFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <driver>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			d, err := fn(g.client(), ctx, args[0])
			if err != nil {
				return err
			}
			if g.json {
				return g.printJSON(cmd.OutOrStdout(), d)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", d.ID, state(*d))
			return nil
		},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
