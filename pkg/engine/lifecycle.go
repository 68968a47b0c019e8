package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScopedFailures reports per-resource failures from a lifecycle hook.
// The coordinator records them and keeps the run going.
type ScopedFailures map[string]error

// Error implements the error interface.
func (f ScopedFailures) Error() string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, f[name]))
	}
	return strings.Join(parts, "; ")
}

// RunReport is the outcome of a coordinated run.
type RunReport struct {
	// Run is the run record.
	Run *Run

	// Startup is the startup graph the run followed.
	Startup *StartupGraph

	// Failures holds scoped failures keyed by resource name.
	Failures map[string]error
}

// Failure returns the scoped failure for a resource, if any.
func (r *RunReport) Failure(name string) error {
	return r.Failures[name]
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithStarter makes the coordinator start resources between the two phases.
func WithStarter(starter Starter, opts StartOptions) CoordinatorOption {
	return func(c *Coordinator) {
		c.starter = starter
		c.startOpts = opts
	}
}

// WithRunEvents publishes phase and start events.
func WithRunEvents(p EventPublisher) CoordinatorOption {
	return func(c *Coordinator) {
		c.publisher = p
	}
}

// WithJournal records the run and its events.
func WithJournal(j Journal) CoordinatorOption {
	return func(c *Coordinator) {
		c.journal = j
	}
}

// Coordinator drives one orchestration run through its lifecycle phases:
// BeforeStart, resource start, the allocation barrier, AfterEndpointsAllocated.
type Coordinator struct {
	graph     *Graph
	hooks     []Hook
	starter   Starter
	startOpts StartOptions
	publisher EventPublisher
	journal   Journal

	mu        sync.Mutex
	run       *Run
	startup   *StartupGraph
	scheduler *StartScheduler
	failures  map[string]error
}

// NewCoordinator creates a coordinator for g.
func NewCoordinator(g *Graph, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		graph:    g,
		hooks:    make([]Hook, 0),
		failures: make(map[string]error),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddHook registers a hook. Hooks run in registration order in both phases.
func (c *Coordinator) AddHook(h Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// Run executes every phase in order and returns the report.
// Structural errors abort the run; per-aggregator failures land in the report.
func (c *Coordinator) Run(ctx context.Context) (*RunReport, error) {
	if err := c.BeforeStart(ctx); err != nil {
		return c.Report(), err
	}
	if err := c.Start(ctx); err != nil {
		return c.Report(), err
	}
	if err := c.AwaitEndpoints(ctx); err != nil {
		return c.Report(), err
	}
	if err := c.AfterEndpointsAllocated(ctx); err != nil {
		return c.Report(), err
	}
	return c.Report(), nil
}

// BeforeStart runs the first phase and builds the startup graph.
func (c *Coordinator) BeforeStart(ctx context.Context) error {
	c.mu.Lock()
	if c.run != nil {
		c.mu.Unlock()
		return NewPermanentError("run already started", nil).
			WithCode(ErrCodeValidation).WithOperation(string(PhaseBeforeStart))
	}
	c.run = &Run{
		ID:        uuid.New().String(),
		Context:   c.graph.Context(),
		Status:    RunStatusRunning,
		Phase:     PhaseBeforeStart,
		StartedAt: time.Now(),
	}
	hooks := append([]Hook(nil), c.hooks...)
	c.mu.Unlock()

	c.saveRun(ctx)
	c.publishEvent(ctx, EventTypeRunStarted, "", fmt.Sprintf("Run started in %s mode", c.graph.Context()), "info")
	c.phaseStarted(ctx, PhaseBeforeStart)

	for _, h := range hooks {
		if err := h.BeforeStart(ctx, c.graph, c.graph.Context()); err != nil {
			return c.abort(ctx, fmt.Errorf("hook %s before start: %w", h.Name(), err))
		}
	}

	startup, err := NewDAGBuilder().BuildGraph(c.graph)
	if err != nil {
		return c.abort(ctx, err)
	}

	c.mu.Lock()
	c.startup = startup
	c.run.Summary.Total = len(startup.Nodes)
	c.mu.Unlock()

	c.phaseCompleted(ctx, PhaseBeforeStart)
	return nil
}

// Start starts resources when a starter is configured and the run is interactive.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.requirePhase(PhaseBeforeStart); err != nil {
		return err
	}
	c.setPhase(ctx, PhaseStart)

	if c.starter == nil || c.graph.Context().IsPublish() {
		c.phaseCompleted(ctx, PhaseStart)
		return nil
	}

	c.phaseStarted(ctx, PhaseStart)
	scheduler := NewStartScheduler(c.startOpts.MaxParallel, c.starter, c.publisher)
	summary, err := scheduler.StartAll(ctx, c.graph, c.startup, c.run.ID, c.startOpts)

	c.mu.Lock()
	c.scheduler = scheduler
	c.run.Summary.Started = summary.Started
	c.run.Summary.Failed = summary.Failed
	c.run.Summary.Skipped = summary.Skipped
	c.mu.Unlock()

	if err != nil {
		return c.abort(ctx, err)
	}

	// Nothing else will allocate endpoints of resources the engine does not start.
	for _, ref := range c.graph.Binder().AllInputs() {
		owner, ok := c.graph.Resource(ref.Resource)
		if !ok || owner.Kind().Startable() {
			continue
		}
		ep, err := c.graph.Endpoint(ref)
		if err != nil {
			continue
		}
		if _, allocated := ep.Allocation(); !allocated {
			c.graph.MarkFailed(owner, fmt.Errorf("%s %s has no address", owner.Kind(), owner.Name()))
		}
	}

	c.phaseCompleted(ctx, PhaseStart)
	return nil
}

// AwaitEndpoints blocks until every endpoint read by an annotation is allocated
// or can never be. Publish runs do not wait.
func (c *Coordinator) AwaitEndpoints(ctx context.Context) error {
	if c.graph.Context().IsPublish() {
		return nil
	}
	if err := c.graph.WaitAllocated(ctx, c.graph.Binder().AllInputs()); err != nil {
		return c.abort(ctx, err)
	}
	return nil
}

// AfterEndpointsAllocated runs the second phase.
func (c *Coordinator) AfterEndpointsAllocated(ctx context.Context) error {
	c.mu.Lock()
	if c.run == nil || c.run.Phase.Order() < PhaseBeforeStart.Order() || c.run.Status.IsTerminal() {
		c.mu.Unlock()
		return NewPermanentError("before start phase has not completed", nil).
			WithCode(ErrCodeValidation).WithOperation(string(PhaseAfterEndpointsAllocated))
	}
	hooks := append([]Hook(nil), c.hooks...)
	c.mu.Unlock()

	c.setPhase(ctx, PhaseAfterEndpointsAllocated)
	c.phaseStarted(ctx, PhaseAfterEndpointsAllocated)

	for _, h := range hooks {
		err := h.AfterEndpointsAllocated(ctx, c.graph, c.graph.Context())
		if err == nil {
			continue
		}

		var scoped ScopedFailures
		if !errors.As(err, &scoped) {
			return c.abort(ctx, fmt.Errorf("hook %s after endpoints allocated: %w", h.Name(), err))
		}

		c.mu.Lock()
		for name, failure := range scoped {
			c.failures[name] = failure
		}
		c.mu.Unlock()

		for name, failure := range scoped {
			c.publishEvent(ctx, EventTypeUnresolved, name,
				fmt.Sprintf("Configuration of %s is incomplete: %v", name, failure), "error")
		}
	}

	c.phaseCompleted(ctx, PhaseAfterEndpointsAllocated)
	c.finish(ctx)
	return nil
}

// Scheduler returns the start scheduler used by the run, if resources were started.
func (c *Coordinator) Scheduler() *StartScheduler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduler
}

func (c *Coordinator) requirePhase(p Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil || c.run.Phase != p || c.run.Status.IsTerminal() {
		return NewPermanentError(fmt.Sprintf("run is not in phase %s", p), nil).
			WithCode(ErrCodeValidation)
	}
	return nil
}

func (c *Coordinator) setPhase(ctx context.Context, p Phase) {
	c.mu.Lock()
	c.run.Phase = p
	c.mu.Unlock()
	c.saveRun(ctx)
}

func (c *Coordinator) finish(ctx context.Context) {
	c.mu.Lock()
	completedAt := time.Now()
	c.run.CompletedAt = &completedAt
	c.run.Duration = completedAt.Sub(c.run.StartedAt)
	c.run.Phase = PhaseDone
	c.run.Summary.Unresolved = len(c.failures)
	if len(c.failures) > 0 {
		c.run.Status = RunStatusPartial
	} else {
		c.run.Status = RunStatusSucceeded
	}
	status := c.run.Status
	c.mu.Unlock()

	c.saveRun(ctx)
	c.emit(ctx, &Event{
		Type:    EventTypeRunCompleted,
		Phase:   PhaseDone,
		Message: fmt.Sprintf("Run completed with status: %s", status),
		Level:   "info",
		Status:  string(status),
	})
}

func (c *Coordinator) abort(ctx context.Context, err error) error {
	c.mu.Lock()
	completedAt := time.Now()
	c.run.CompletedAt = &completedAt
	c.run.Duration = completedAt.Sub(c.run.StartedAt)
	if ctx.Err() != nil {
		c.run.Status = RunStatusCancelled
	} else {
		c.run.Status = RunStatusFailed
	}
	status, phase := c.run.Status, c.run.Phase
	c.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	c.saveRun(detached)
	c.emit(detached, &Event{
		Type:    EventTypeRunFailed,
		Phase:   phase,
		Message: fmt.Sprintf("Run failed: %v", err),
		Level:   "error",
		Status:  string(status),
	})
	return err
}

// Report returns the current state of the run.
func (c *Coordinator) Report() *RunReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	failures := make(map[string]error, len(c.failures))
	for k, v := range c.failures {
		failures[k] = v
	}

	var run *Run
	if c.run != nil {
		copied := *c.run
		run = &copied
	}

	return &RunReport{
		Run:      run,
		Startup:  c.startup,
		Failures: failures,
	}
}

func (c *Coordinator) phaseStarted(ctx context.Context, p Phase) {
	c.publishPhaseEvent(ctx, EventTypePhaseStarted, p, fmt.Sprintf("Phase %s started", p))
}

func (c *Coordinator) phaseCompleted(ctx context.Context, p Phase) {
	c.publishPhaseEvent(ctx, EventTypePhaseCompleted, p, fmt.Sprintf("Phase %s completed", p))
}

func (c *Coordinator) publishPhaseEvent(ctx context.Context, t EventType, p Phase, msg string) {
	c.emit(ctx, &Event{Type: t, Phase: p, Message: msg, Level: "info"})
}

func (c *Coordinator) publishEvent(ctx context.Context, t EventType, resource, msg, level string) {
	c.mu.Lock()
	phase := c.run.Phase
	c.mu.Unlock()
	c.emit(ctx, &Event{Type: t, Resource: resource, Phase: phase, Message: msg, Level: level})
}

func (c *Coordinator) emit(ctx context.Context, event *Event) {
	event.ID = uuid.New().String()
	event.Timestamp = time.Now()
	c.mu.Lock()
	event.RunID = c.run.ID
	c.mu.Unlock()

	if c.publisher != nil {
		_ = c.publisher.Publish(ctx, event)
	}
	if c.journal != nil {
		_ = c.journal.AppendEvent(ctx, event)
	}
}

func (c *Coordinator) saveRun(ctx context.Context) {
	if c.journal == nil {
		return
	}
	c.mu.Lock()
	copied := *c.run
	c.mu.Unlock()
	_ = c.journal.SaveRun(ctx, &copied)
}
