// Command brokerd is the broker core's standalone daemon: it loads
// configuration, wires the producer dispatcher, consumer ingester,
// consumer dispatcher, and dynamic reply-topic pool together, and runs
// them until an OS shutdown signal arrives. Exit codes: 0 clean stop, 1
// configuration error, 2 database unavailable at startup, 3 external
// broker unavailable at startup.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaybus/broker/internal/app"
	"github.com/relaybus/broker/internal/config"
	"github.com/relaybus/broker/internal/enroute"
	"github.com/relaybus/broker/internal/observability"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "brokerd",
		Short: "broker-core daemon: producer dispatch, consumer dispatch, and dynamic reply-topic pool",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (env vars always override)")
	root.AddCommand(runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the broker core until an OS shutdown signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(run())
			return nil
		},
	}
}

// run returns the process exit code rather than calling os.Exit itself,
// so tests can exercise it directly.
func run() int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}

	ctx := context.Background()

	// This binary ships with no user services registered — embedding the
	// broker core as a library means constructing your own *enroute.Registry
	// with RegisterTopic calls for your commands/events before calling
	// app.Bootstrap; brokerd alone only proves the wiring runs end to end.
	registry := enroute.New()

	a, startupErr := app.Bootstrap(ctx, cfg, registry, nil)
	if startupErr != nil {
		var se *app.StartupError
		if asStartupError(startupErr, &se) {
			fmt.Fprintln(os.Stderr, se.Cause)
			return se.ExitCode
		}
		fmt.Fprintln(os.Stderr, startupErr)
		return 1
	}
	defer a.Close()

	if cfg.Observability.MetricsAddr != "" {
		go func() {
			if err := observability.ServeMetrics(cfg.Observability.MetricsAddr); err != nil {
				observability.Log().Error("metrics server stopped", "error", err)
			}
		}()
	}

	if err := a.Run(ctx); err != nil {
		observability.Log().Error("broker core stopped with error", "error", err)
		return 1
	}
	return 0
}

func asStartupError(err error, target **app.StartupError) bool {
	se, ok := err.(*app.StartupError)
	if !ok {
		return false
	}
	*target = se
	return true
}
