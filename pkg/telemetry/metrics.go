package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private Prometheus registry with the run, resource and
// command series. Every recorder is a no-op when metrics are disabled.
type Metrics struct {
	cfg      MetricsConfig
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	phaseDuration *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	starts        *prometheus.CounterVec
	startDuration *prometheus.HistogramVec
	allocations   prometheus.Counter
	healthy       *prometheus.GaugeVec
	unresolved    *prometheus.CounterVec

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec
}

// NewMetrics registers the stackwire series under cfg.Namespace.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{cfg: cfg}
	if !cfg.Enabled {
		return m, nil
	}

	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	m.registry = prometheus.NewRegistry()
	f := promauto.With(m.registry)
	ns := cfg.Namespace

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets}, labels)
	}

	m.runsStarted = counter("runs_started_total", "Composition runs started.", "mode")
	m.runsCompleted = counter("runs_completed_total", "Composition runs finished, by final status.", "status")
	m.runDuration = histogram("run_duration_seconds", "Wall time of a composition run.", "status")
	m.phaseDuration = histogram("phase_duration_seconds", "Wall time of a lifecycle phase.", "phase")
	m.activeRuns = f.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "active_runs", Help: "Runs in progress."})

	m.starts = counter("resource_starts_total", "Resource start outcomes.", "status")
	m.startDuration = histogram("resource_start_duration_seconds", "Time from starting a resource to its outcome.", "status")
	m.allocations = f.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "endpoints_allocated_total", Help: "Endpoint allocations."})
	m.healthy = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "resource_healthy",
		Help:      "Resource health: 1 healthy, 0 unhealthy, -1 unknown.",
	}, []string{"resource"})
	m.unresolved = counter("unresolved_configurations_total", "Resources left with incomplete configuration.", "resource")

	m.commands = counter("command_executions_total", "Command executions by outcome.", "resource", "command", "status")
	m.commandDuration = histogram("command_duration_seconds", "Command execution time.", "resource", "command")

	m.errorsByClass = counter("errors_by_class_total", "Errors by class.", "class")
	m.errorsByCode = counter("errors_by_code_total", "Errors by code.", "code")
	return m, nil
}

func (m *Metrics) enabled() bool { return m != nil && m.registry != nil }

func (m *Metrics) RecordRunStarted(mode string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
	m.activeRuns.Inc()
}

func (m *Metrics) RecordRunCompleted(status string, took time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(took.Seconds())
	m.activeRuns.Dec()
}

func (m *Metrics) RecordPhase(phase string, took time.Duration) {
	if !m.enabled() {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(took.Seconds())
}

// RecordResourceStart counts a start outcome. A zero duration is counted
// but not observed.
func (m *Metrics) RecordResourceStart(status string, took time.Duration) {
	if !m.enabled() {
		return
	}
	m.starts.WithLabelValues(status).Inc()
	if took > 0 {
		m.startDuration.WithLabelValues(status).Observe(took.Seconds())
	}
}

func (m *Metrics) RecordEndpointAllocated() {
	if !m.enabled() {
		return
	}
	m.allocations.Inc()
}

func (m *Metrics) SetResourceHealth(resource, status string) {
	if !m.enabled() {
		return
	}
	value := -1.0
	switch status {
	case "healthy":
		value = 1
	case "unhealthy":
		value = 0
	}
	m.healthy.WithLabelValues(resource).Set(value)
}

func (m *Metrics) RecordUnresolved(resource string) {
	if !m.enabled() {
		return
	}
	m.unresolved.WithLabelValues(resource).Inc()
}

func (m *Metrics) RecordCommandExecution(resource, command, status string, took time.Duration) {
	if !m.enabled() {
		return
	}
	m.commands.WithLabelValues(resource, command, status).Inc()
	m.commandDuration.WithLabelValues(resource, command).Observe(took.Seconds())
}

// RecordError counts an error by class, and by code when one is set.
func (m *Metrics) RecordError(class, code string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes Handler on the configured address and path until ctx is
// done. It returns nil right away when metrics are disabled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.enabled() {
		return nil
	}
	ln, err := net.Listen("tcp", m.cfg.ListenAddress)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(m.cfg.Path, m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
