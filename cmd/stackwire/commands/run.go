package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/stackwire/pkg/api"
	"github.com/openfroyo/stackwire/pkg/compose"
	"github.com/openfroyo/stackwire/pkg/engine"
	"github.com/openfroyo/stackwire/pkg/monitor"
	"github.com/openfroyo/stackwire/pkg/restrict"
	"github.com/openfroyo/stackwire/pkg/runtime"
	"github.com/openfroyo/stackwire/pkg/stores"
)

func newRunCommand() *cobra.Command {
	var (
		docker        bool
		apiAddr       string
		journalPath   string
		probeInterval time.Duration
		once          bool
		tf            telemetryFlags
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the composition and serve its control API",
		Long: `Start every resource in dependency order, wire bindings once endpoints
are allocated, then keep probing health and serving the control API until
interrupted.

Endpoints with a static host and port are allocated from the composition.
With --docker, container resources are looked up by container name and
their published ports are used instead.`,
		Example: `  # Run against already running processes
  stackwire run

  # Resolve container ports through the Docker daemon
  stackwire run --docker

  # Start, print the report and exit
  stackwire run --once --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			comp, err := loadComposition(ctx)
			if err != nil {
				printValidationErrors(cmd.ErrOrStderr(), err)
				return err
			}

			tel, err := newTelemetry(cmd.Root().Version, tf)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}()
			ctx = tel.WithContext(ctx)

			journal, err := stores.Open(ctx, stores.Config{Path: journalPath})
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer journal.Close()

			opts := []compose.Option{
				compose.WithJournal(journal),
				compose.WithProbeInterval(probeInterval),
			}
			if docker {
				dc, err := runtime.NewDockerClient()
				if err != nil {
					return err
				}
				defer dc.Close()
				opts = append(opts, compose.WithStarter(runtime.NewDockerStarter(dc, compose.Containers(comp),
					runtime.WithFallback(runtime.NewStaticStarter(compose.StaticTable(comp))),
					runtime.WithDockerTelemetry(tel))))
			}

			app, err := compose.New(ctx, comp, engine.ContextInteractive, opts...)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Run(ctx)
			if err != nil {
				return err
			}
			printReport(cmd, report)

			if once {
				if report.Run.Status != engine.RunStatusSucceeded {
					return fmt.Errorf("run %s %s", report.Run.ID, report.Run.Status)
				}
				return nil
			}

			server := api.NewServer(apiAddr, app.Graph, app.Commands,
				api.WithLogger(tel.Logger),
				api.WithMetrics(tel.Metrics.Handler()),
				api.WithRestrictions(restrict.Parse(os.Getenv(monitor.DefaultURLsVariable))))

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return app.Serve(ctx) })
			g.Go(func() error { return server.ListenAndServe(ctx) })
			if tf.metricsAddr != "" {
				g.Go(func() error { return tel.Metrics.Serve(ctx) })
			}

			log.Info().Str("api", apiAddr).Msg("Composition running, press Ctrl+C to stop")
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&docker, "docker", false, "resolve container endpoints through the Docker daemon")
	cmd.Flags().StringVar(&apiAddr, "api", api.DefaultAddress, "control API listen address")
	cmd.Flags().StringVar(&journalPath, "journal", stores.MemoryPath, "SQLite journal file")
	cmd.Flags().DurationVar(&probeInterval, "probe-interval", 0, "time between health probes (default 10s)")
	cmd.Flags().BoolVar(&once, "once", false, "exit after the run completes")
	cmd.Flags().BoolVar(&tf.metrics, "metrics", true, "collect Prometheus metrics")
	cmd.Flags().StringVar(&tf.metricsAddr, "metrics-addr", "", "serve metrics on a separate address")
	cmd.Flags().StringVar(&tf.traceExporter, "trace-exporter", "none", "trace exporter (none, otlp, stdout)")
	cmd.Flags().StringVar(&tf.traceEndpoint, "trace-endpoint", "", "OTLP collector endpoint")

	return cmd
}

func printReport(cmd *cobra.Command, report *engine.RunReport) {
	out := cmd.OutOrStdout()
	if jsonOutput {
		failures := make(map[string]string, len(report.Failures))
		for name, err := range report.Failures {
			failures[name] = err.Error()
		}
		_ = printJSON(out, struct {
			Run      *engine.Run       `json:"run"`
			Failures map[string]string `json:"failures,omitempty"`
		}{report.Run, failures})
		return
	}

	s := report.Run.Summary
	fmt.Fprintf(out, "Run %s %s in %s: %d started, %d failed, %d skipped, %d unresolved\n",
		report.Run.ID, report.Run.Status, report.Run.Duration.Round(time.Millisecond),
		s.Started, s.Failed, s.Skipped, s.Unresolved)
	for name, err := range report.Failures {
		fmt.Fprintf(out, "  %s: %v\n", name, err)
	}
}
