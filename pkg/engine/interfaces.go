package engine

import "context"

// Hook participates in the two lifecycle phases of an orchestration run.
type Hook interface {
	// Name identifies the hook in events and errors.
	Name() string

	// BeforeStart wires structure before any resource is started.
	// No endpoint carries a value yet.
	BeforeStart(ctx context.Context, g *Graph, ec ExecutionContext) error

	// AfterEndpointsAllocated resolves deferred values once every referenced
	// endpoint is allocated (or can never be). Returning ScopedFailures reports
	// per-resource failures without aborting the run.
	AfterEndpointsAllocated(ctx context.Context, g *Graph, ec ExecutionContext) error
}

// Starter starts a single resource and allocates its endpoints on g.
// Allocation may also happen asynchronously after Start returns.
type Starter interface {
	Start(ctx context.Context, g *Graph, res *Resource) error
}

// StarterFunc adapts a function to the Starter interface.
type StarterFunc func(ctx context.Context, g *Graph, res *Resource) error

// Start calls f.
func (f StarterFunc) Start(ctx context.Context, g *Graph, res *Resource) error {
	return f(ctx, g, res)
}

// EventPublisher publishes run events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Journal records runs for inspection while the process is alive.
type Journal interface {
	// SaveRun inserts or updates a run record.
	SaveRun(ctx context.Context, run *Run) error

	// AppendEvent records a run event.
	AppendEvent(ctx context.Context, event *Event) error
}
