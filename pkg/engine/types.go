package engine

import (
	"fmt"
	"time"
)

// ResourceKind is the closed set of resource variants the engine knows about.
type ResourceKind string

const (
	// KindContainer is a resource backed by a container image.
	KindContainer ResourceKind = "container"

	// KindProcess is a resource backed by a locally started process (a project).
	KindProcess ResourceKind = "process"

	// KindExternalService is a resource that already runs elsewhere and is only referenced.
	KindExternalService ResourceKind = "external_service"

	// KindParameter is a configuration value with no endpoints of its own.
	KindParameter ResourceKind = "parameter"
)

// Validate checks if the resource kind is one of the known variants.
func (k ResourceKind) Validate() error {
	switch k {
	case KindContainer, KindProcess, KindExternalService, KindParameter:
		return nil
	default:
		return fmt.Errorf("invalid resource kind: %s", k)
	}
}

// Startable reports whether resources of this kind are started by a Starter.
func (k ResourceKind) Startable() bool {
	switch k {
	case KindContainer, KindProcess:
		return true
	case KindExternalService, KindParameter:
		return false
	default:
		return false
	}
}

// HealthStatus is the live health of a resource.
type HealthStatus string

const (
	// HealthUnknown means no probe has reported yet.
	HealthUnknown HealthStatus = "unknown"

	// HealthHealthy means the last probe succeeded.
	HealthHealthy HealthStatus = "healthy"

	// HealthUnhealthy means the last probe failed.
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ExecutionContext distinguishes interactive runs from publish runs.
// It is fixed for a whole orchestration run and passed explicitly to evaluators.
type ExecutionContext string

const (
	// ContextInteractive renders concrete, reachable addresses.
	ContextInteractive ExecutionContext = "interactive"

	// ContextPublish renders symbolic expressions resolved at deployment time.
	ContextPublish ExecutionContext = "publish"
)

// Validate checks if the execution context is valid.
func (c ExecutionContext) Validate() error {
	switch c {
	case ContextInteractive, ContextPublish:
		return nil
	default:
		return fmt.Errorf("invalid execution context: %s", c)
	}
}

// IsPublish returns true when values must stay symbolic.
func (c ExecutionContext) IsPublish() bool {
	return c == ContextPublish
}

// Allocation is the concrete network address assigned to an endpoint.
type Allocation struct {
	// Host is the advertised host of the endpoint (e.g., "localhost").
	Host string `json:"host"`

	// Port is the allocated host port.
	Port int `json:"port"`
}

// Authority returns host:port.
func (a Allocation) Authority() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// EndpointRef points at a named endpoint on a named resource.
// Annotations reference other resources only through refs, never by pointer.
type EndpointRef struct {
	// Resource is the name of the resource owning the endpoint.
	Resource string `json:"resource"`

	// Endpoint is the endpoint name on that resource.
	Endpoint string `json:"endpoint"`
}

// String returns "resource.endpoint".
func (r EndpointRef) String() string {
	return r.Resource + "." + r.Endpoint
}

// EndpointSnapshot is a read-only view of one endpoint.
type EndpointSnapshot struct {
	Name       string      `json:"name"`
	Scheme     string      `json:"scheme"`
	TargetPort int         `json:"target_port,omitempty"`
	Allocated  bool        `json:"allocated"`
	Allocation *Allocation `json:"allocation,omitempty"`
}

// Snapshot is a consistent, read-only copy of a resource's observable state.
// Command enablement predicates only ever see snapshots.
type Snapshot struct {
	// Name is the resource name.
	Name string `json:"name"`

	// Kind is the resource variant.
	Kind ResourceKind `json:"kind"`

	// Health is the health status at the time of the snapshot.
	Health HealthStatus `json:"health"`

	// Context is the execution context the resource was created under.
	Context ExecutionContext `json:"context"`

	// Metadata is a copy of the resource's free-form metadata.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Endpoints lists the resource's endpoints in declaration order.
	Endpoints []EndpointSnapshot `json:"endpoints,omitempty"`

	// HealthChangedAt is when the health last changed.
	HealthChangedAt time.Time `json:"health_changed_at,omitempty"`
}

// IsHealthy returns true if the snapshot reports a healthy resource.
func (s Snapshot) IsHealthy() bool {
	return s.Health == HealthHealthy
}

// Run records one orchestration run.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// Context is the execution context of the run.
	Context ExecutionContext `json:"context"`

	// Status is the current status of the run.
	Status RunStatus `json:"status"`

	// Phase is the lifecycle phase the run is in.
	Phase Phase `json:"phase"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total run time.
	Duration time.Duration `json:"duration"`

	// Summary counts resource start outcomes.
	Summary RunSummary `json:"summary"`
}

// RunSummary provides summary statistics for a run.
type RunSummary struct {
	// Total is the total number of resources in the graph.
	Total int `json:"total"`

	// Started is the number of resources that started successfully.
	Started int `json:"started"`

	// Failed is the number of resources that failed to start.
	Failed int `json:"failed"`

	// Skipped is the number of resources not started (non-startable kinds or publish mode).
	Skipped int `json:"skipped"`

	// Unresolved is the number of aggregators whose configuration is incomplete.
	Unresolved int `json:"unresolved"`
}

// Event represents a timeline event during a run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run this event belongs to.
	RunID string `json:"run_id,omitempty"`

	// Resource is the resource name related to this event, if any.
	Resource string `json:"resource,omitempty"`

	// Phase is the lifecycle phase the event occurred in.
	Phase Phase `json:"phase,omitempty"`

	// Message is a human-readable event description.
	Message string `json:"message"`

	// Level is the event severity (info, warning, error).
	Level string `json:"level"`

	// Status is the outcome carried by run completion events, or the new
	// status of a health change.
	Status string `json:"status,omitempty"`

	// PreviousStatus is the status a health change moved away from.
	PreviousStatus string `json:"previous_status,omitempty"`
}

// EventType represents the type of run event.
type EventType string

const (
	EventTypeRunStarted        EventType = "run.started"
	EventTypeRunCompleted      EventType = "run.completed"
	EventTypeRunFailed         EventType = "run.failed"
	EventTypePhaseStarted      EventType = "phase.started"
	EventTypePhaseCompleted    EventType = "phase.completed"
	EventTypeResourceStarting  EventType = "resource.starting"
	EventTypeResourceStarted   EventType = "resource.started"
	EventTypeResourceFailed    EventType = "resource.failed"
	EventTypeEndpointAllocated EventType = "endpoint.allocated"
	EventTypeHealthChanged     EventType = "resource.health_changed"
	EventTypeUnresolved        EventType = "aggregator.unresolved"
	EventTypeWarning           EventType = "warning"
)
