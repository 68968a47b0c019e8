package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/openfroyo/stackwire/pkg/config"
	"github.com/openfroyo/stackwire/pkg/telemetry"
)

// DefaultCompositionFile is read when no --file is given.
const DefaultCompositionFile = "stackwire.cue"

func loadComposition(ctx context.Context) (*config.Composition, error) {
	comp, err := config.NewParser().Parse(ctx, configPaths)
	if err != nil {
		return nil, err
	}
	return comp, nil
}

type telemetryFlags struct {
	metrics       bool
	metricsAddr   string
	traceExporter string
	traceEndpoint string
}

func newTelemetry(version string, f telemetryFlags) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.Metrics.Enabled = f.metrics
	if f.metricsAddr != "" {
		cfg.Metrics.ListenAddress = f.metricsAddr
	}
	if f.traceExporter != "" && f.traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = f.traceExporter
		cfg.Tracing.Endpoint = f.traceEndpoint
	}
	return telemetry.NewTelemetry(cfg)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printValidationErrors(w io.Writer, err error) bool {
	var verrs config.ValidationErrors
	if !errors.As(err, &verrs) {
		return false
	}
	for _, v := range verrs {
		fmt.Fprintf(w, "  %s\n", v.String())
	}
	return true
}
