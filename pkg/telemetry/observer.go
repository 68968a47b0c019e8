package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/stackwire/pkg/engine"
)

// RunObserver receives lifecycle events from the engine and turns them into
// metrics, log lines and telemetry events. It implements engine.EventPublisher.
type RunObserver struct {
	tel    *Telemetry
	logger *Logger
	mode   engine.ExecutionContext

	mu           sync.Mutex
	runStarted   time.Time
	phaseStarted map[engine.Phase]time.Time
	startBegan   map[string]time.Time

	runCtx     context.Context
	runSpan    trace.Span
	phaseSpans map[engine.Phase]trace.Span
}

// NewRunObserver creates an observer for runs in the given mode.
func NewRunObserver(tel *Telemetry, mode engine.ExecutionContext) *RunObserver {
	return &RunObserver{
		tel:          tel,
		logger:       tel.Logger.NewComponentLogger("lifecycle"),
		mode:         mode,
		phaseStarted: make(map[engine.Phase]time.Time),
		startBegan:   make(map[string]time.Time),
		phaseSpans:   make(map[engine.Phase]trace.Span),
	}
}

// Publish implements engine.EventPublisher.
func (o *RunObserver) Publish(ctx context.Context, event *engine.Event) error {
	o.record(event)
	o.traceRun(ctx, event)
	o.log(event)

	if event.Type == engine.EventTypeHealthChanged {
		return o.tel.Events.PublishHealthChanged(event.Resource, event.PreviousStatus, event.Status)
	}

	return o.tel.Events.Publish(Event{
		ID:        event.ID,
		Timestamp: event.Timestamp,
		Type:      string(event.Type),
		Source:    "lifecycle",
		RunID:     event.RunID,
		Resource:  event.Resource,
		Phase:     string(event.Phase),
		Message:   event.Message,
		Level:     normalizeLevel(event.Level),
	})
}

func (o *RunObserver) record(event *engine.Event) {
	m := o.tel.Metrics
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	switch event.Type {
	case engine.EventTypeRunStarted:
		o.runStarted = ts
		m.RecordRunStarted(string(o.mode))

	case engine.EventTypeRunCompleted, engine.EventTypeRunFailed:
		m.RecordRunCompleted(event.Status, ts.Sub(o.runStarted))

	case engine.EventTypePhaseStarted:
		o.phaseStarted[event.Phase] = ts

	case engine.EventTypePhaseCompleted:
		if began, ok := o.phaseStarted[event.Phase]; ok {
			m.RecordPhase(string(event.Phase), ts.Sub(began))
			delete(o.phaseStarted, event.Phase)
		}

	case engine.EventTypeResourceStarting:
		o.startBegan[event.Resource] = ts

	case engine.EventTypeResourceStarted, engine.EventTypeResourceFailed:
		status := string(engine.StartStatusStarted)
		if event.Type == engine.EventTypeResourceFailed {
			status = string(engine.StartStatusFailed)
		}
		var took time.Duration
		if began, ok := o.startBegan[event.Resource]; ok {
			took = ts.Sub(began)
			delete(o.startBegan, event.Resource)
		}
		m.RecordResourceStart(status, took)

	case engine.EventTypeEndpointAllocated:
		m.RecordEndpointAllocated()

	case engine.EventTypeHealthChanged:
		m.SetResourceHealth(event.Resource, event.Status)

	case engine.EventTypeUnresolved:
		m.RecordUnresolved(event.Resource)
	}
}

// traceRun opens a span per run with one child per phase.
func (o *RunObserver) traceRun(ctx context.Context, event *engine.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch event.Type {
	case engine.EventTypeRunStarted:
		o.runCtx, o.runSpan = o.tel.Tracer.StartRunSpan(ctx, event.RunID, string(o.mode))

	case engine.EventTypePhaseStarted:
		if o.runCtx == nil {
			return
		}
		_, span := o.tel.Tracer.StartPhaseSpan(o.runCtx, event.RunID, string(event.Phase))
		o.phaseSpans[event.Phase] = span

	case engine.EventTypePhaseCompleted:
		if span, ok := o.phaseSpans[event.Phase]; ok {
			RecordSuccess(span)
			span.End()
			delete(o.phaseSpans, event.Phase)
		}

	case engine.EventTypeRunCompleted, engine.EventTypeRunFailed:
		if o.runSpan == nil {
			return
		}
		for phase, span := range o.phaseSpans {
			span.End()
			delete(o.phaseSpans, phase)
		}
		o.runSpan.SetAttributes(AttrRunStatus.String(event.Status))
		if event.Type == engine.EventTypeRunFailed {
			RecordError(o.runSpan, errors.New(event.Message))
		} else {
			RecordSuccess(o.runSpan)
		}
		o.runSpan.End()
		o.runCtx, o.runSpan = nil, nil
	}
}

func (o *RunObserver) log(event *engine.Event) {
	logger := o.logger
	if event.RunID != "" {
		logger = logger.WithRunID(event.RunID)
	}
	if event.Resource != "" {
		logger = logger.WithResource(event.Resource)
	}
	if event.Phase != "" {
		logger = logger.WithPhase(string(event.Phase))
	}
	o.mu.Lock()
	if o.runSpan != nil {
		if sc := o.runSpan.SpanContext(); sc.IsValid() {
			logger = logger.WithSpan(sc.TraceID().String(), sc.SpanID().String())
		}
	}
	o.mu.Unlock()

	switch normalizeLevel(event.Level) {
	case EventLevelError:
		logger.Error(event.Message)
	case EventLevelWarning:
		logger.Warn(event.Message)
	default:
		logger.Debug(event.Message)
	}
}

func normalizeLevel(level string) string {
	switch level {
	case "error":
		return EventLevelError
	case "warn", "warning":
		return EventLevelWarning
	default:
		return EventLevelInfo
	}
}
