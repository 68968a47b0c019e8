package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config selects how a stackwire process logs, traces, counts and
// publishes events. The zero value is not usable; start from DefaultConfig.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// Attributes are added to the trace resource next to the service name.
	Attributes map[string]string
}

// LoggingConfig configures the zerolog sink.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is "stdout", "stderr" or a file path opened for append.
	Output string `validate:"required"`

	Caller bool

	// Burst messages per second pass unsampled; after that one in
	// every SampleEvery is kept. Zero SampleEvery disables sampling.
	Burst       int `validate:"gte=0"`
	SampleEvery int `validate:"gte=0"`

	// TimeFormat is one of "rfc3339", "unix", "unixms" or "unixmicro".
	TimeFormat string `validate:"omitempty,oneof=rfc3339 unix unixms unixmicro"`
}

// TracingConfig configures the OpenTelemetry span pipeline.
type TracingConfig struct {
	Enabled  bool
	Exporter string `validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string

	SampleRatio   float64 `validate:"gte=0,lte=1"`
	BatchSize     int     `validate:"gt=0"`
	ExportTimeout time.Duration
	Headers       map[string]string
	Insecure      bool
}

// MetricsConfig configures the Prometheus registry and its listener.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string `validate:"required_if=Enabled true"`
	Path          string `validate:"startswith=/"`
	Namespace     string
	Buckets       []float64
}

// EventsConfig configures the in-process event fan-out.
type EventsConfig struct {
	Enabled bool

	// Async buffers events and delivers them from a background goroutine
	// in batches. When false, Publish delivers before returning.
	Async         bool
	BufferSize    int `validate:"gt=0"`
	BatchSize     int `validate:"gt=0"`
	FlushInterval time.Duration
}

// DefaultConfig returns the configuration used by the CLI: console logs on
// stderr, metrics on :9464 and tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "stackwire",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			Caller:     true,
			Burst:      100,
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SampleRatio:   1.0,
			BatchSize:     512,
			ExportTimeout: 30 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9464",
			Path:          "/metrics",
			Namespace:     "stackwire",
			Buckets:       []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
		Events: EventsConfig{
			Enabled:       true,
			Async:         true,
			BufferSize:    1000,
			BatchSize:     100,
			FlushInterval: time.Second,
		},
	}
}

// Validate reports the first problem found in c.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("telemetry: %s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("telemetry: %w", err)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return errors.New("telemetry: the otlp exporter needs an endpoint")
	}
	return nil
}
