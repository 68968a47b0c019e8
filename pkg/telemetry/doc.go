// Package telemetry provides logging, tracing, metrics and events for stackwire.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process event publisher.
//
// # Usage
//
// Initialize telemetry once at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Lifecycle events
//
// The engine reports run, phase, start, allocation and health events through
// engine.EventPublisher. RunObserver implements that interface: it records
// metrics, logs each event with run, resource and phase fields, and forwards
// it to the EventPublisher subscribers.
//
//	observer := telemetry.NewRunObserver(tel, engine.ContextInteractive)
//	coord := engine.NewCoordinator(g, engine.WithRunEvents(observer))
//
// # Metrics
//
// All metrics live in a dedicated registry under the configured namespace
// (default "stackwire"):
//
//   - runs_started_total{mode}, runs_completed_total{status}, run_duration_seconds
//   - phase_duration_seconds{phase}
//   - resource_starts_total{status}, resource_start_duration_seconds
//   - endpoints_allocated_total, resource_healthy{resource}
//   - unresolved_configurations_total{resource}
//   - command_executions_total{resource,command,status}, command_duration_seconds
//   - errors_by_class_total, errors_by_code_total
//
// Metrics.Handler serves them; Metrics.Serve runs a dedicated listener.
//
// # Tracing
//
// Exporters are "otlp" (gRPC), "stdout" (pretty printed to stderr) and "none".
// Tracing is disabled by default. When enabled, RunObserver opens a
// stackwire.run span per run with a child span per lifecycle phase.
package telemetry
