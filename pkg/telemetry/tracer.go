package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrRunID       = attribute.Key("run.id")
	AttrRunMode     = attribute.Key("run.mode")
	AttrRunStatus   = attribute.Key("run.status")
	AttrPhase       = attribute.Key("run.phase")
	AttrResource    = attribute.Key("resource.name")
	AttrCommand     = attribute.Key("command.name")
	AttrExecutionID = attribute.Key("command.execution_id")
	AttrProbeURL    = attribute.Key("probe.url")
)

// Tracer starts the spans stackwire emits: one per run, per lifecycle
// phase, per command execution and per health probe.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

func newTracer(cfg *Config) (*Tracer, error) {
	tc := cfg.Tracing
	if !tc.Enabled || tc.Exporter == "none" {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName)}, nil
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	exporter, err := newSpanExporter(context.Background(), tc)
	if err != nil {
		return nil, fmt.Errorf("trace exporter %s: %w", tc.Exporter, err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SampleRatio))),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(tc.BatchSize),
			sdktrace.WithExportTimeout(tc.ExportTimeout),
		),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
}

func newSpanExporter(ctx context.Context, tc TracingConfig) (sdktrace.SpanExporter, error) {
	switch tc.Exporter {
	case "stdout":
		// stdout carries command output; spans go to stderr.
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(tc.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("stackwire")),
		}
		if tc.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(tc.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(tc.Headers))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter")
	}
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartRunSpan starts the root span of a composition run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, mode string) (context.Context, trace.Span) {
	return t.start(ctx, "stackwire.run", AttrRunID.String(runID), AttrRunMode.String(mode))
}

// StartPhaseSpan starts a child span for one lifecycle phase.
func (t *Tracer) StartPhaseSpan(ctx context.Context, runID, phase string) (context.Context, trace.Span) {
	return t.start(ctx, "stackwire.phase."+phase, AttrRunID.String(runID), AttrPhase.String(phase))
}

func (t *Tracer) StartCommandSpan(ctx context.Context, resource, command, executionID string) (context.Context, trace.Span) {
	return t.start(ctx, "stackwire.command",
		AttrResource.String(resource), AttrCommand.String(command), AttrExecutionID.String(executionID))
}

func (t *Tracer) StartProbeSpan(ctx context.Context, resource, url string) (context.Context, trace.Span) {
	return t.start(ctx, "stackwire.probe", AttrResource.String(resource), AttrProbeURL.String(url))
}

// Shutdown flushes buffered spans and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
