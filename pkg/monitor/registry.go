// Package monitor tracks which resources an aggregator watches and wires their
// probe URLs into the aggregator's configuration during the lifecycle phases.
package monitor

import (
	"fmt"
	"sync"

	"github.com/openfroyo/stackwire/pkg/engine"
)

const (
	// DefaultNamespace prefixes the indexed per-target keys.
	DefaultNamespace = "HealthChecksUI__HealthChecks"

	// DefaultURLsVariable holds the aggregated probe URLs.
	DefaultURLsVariable = "HEALTHCHECKSUI_URLS"

	// DefaultScheme is used when a monitored endpoint has to be created.
	DefaultScheme = "http"
)

// MonitoredTarget is one resource watched by an aggregator.
type MonitoredTarget struct {
	Target      string `json:"target"`
	Endpoint    string `json:"endpoint"`
	ProbePath   string `json:"probe_path"`
	DisplayName string `json:"display_name"`
}

// Ref returns the endpoint the target is probed on.
func (t MonitoredTarget) Ref() engine.EndpointRef {
	return engine.EndpointRef{Resource: t.Target, Endpoint: t.Endpoint}
}

// Aggregator is a resource that consumes the probe URLs of its targets.
type Aggregator struct {
	resource       string
	namespace      string
	urlsVariable   string
	targetVariable string
	view           engine.NetworkView

	mu      sync.RWMutex
	targets []MonitoredTarget
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithNamespace sets the prefix of the indexed keys.
func WithNamespace(ns string) Option {
	return func(a *Aggregator) { a.namespace = ns }
}

// WithURLsVariable sets the aggregated variable name on the aggregator.
func WithURLsVariable(name string) Option {
	return func(a *Aggregator) { a.urlsVariable = name }
}

// WithTargetVariable sets the variable name written onto each target.
func WithTargetVariable(name string) Option {
	return func(a *Aggregator) { a.targetVariable = name }
}

// WithNetworkView declares where the aggregator runs.
func WithNetworkView(view engine.NetworkView) Option {
	return func(a *Aggregator) { a.view = view }
}

// Resource returns the aggregator's resource name.
func (a *Aggregator) Resource() string { return a.resource }

// Namespace returns the indexed key prefix.
func (a *Aggregator) Namespace() string { return a.namespace }

// URLsVariable returns the aggregated variable name.
func (a *Aggregator) URLsVariable() string { return a.urlsVariable }

// TargetVariable returns the variable name written onto targets.
func (a *Aggregator) TargetVariable() string { return a.targetVariable }

// View returns the network view of the aggregator.
func (a *Aggregator) View() engine.NetworkView { return a.view }

// Targets returns the monitored targets in registration order.
func (a *Aggregator) Targets() []MonitoredTarget {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]MonitoredTarget, len(a.targets))
	copy(out, a.targets)
	return out
}

// TargetOption configures a MonitoredTarget.
type TargetOption func(*MonitoredTarget)

// WithDisplayName overrides the display name, which defaults to the target's name.
func WithDisplayName(name string) TargetOption {
	return func(t *MonitoredTarget) { t.DisplayName = name }
}

// Registry holds the aggregators of one resource graph.
type Registry struct {
	g *engine.Graph

	mu          sync.RWMutex
	aggregators map[string]*Aggregator
	order       []string
}

// NewRegistry creates a registry for g.
func NewRegistry(g *engine.Graph) *Registry {
	return &Registry{
		g:           g,
		aggregators: make(map[string]*Aggregator),
		order:       make([]string, 0),
	}
}

// AddAggregator marks res as an aggregator. Calling it again for the same
// resource returns the existing aggregator unchanged.
func (r *Registry) AddAggregator(res *engine.Resource, opts ...Option) *Aggregator {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agg, ok := r.aggregators[res.Name()]; ok {
		return agg
	}

	agg := &Aggregator{
		resource:       res.Name(),
		namespace:      DefaultNamespace,
		urlsVariable:   DefaultURLsVariable,
		targetVariable: DefaultURLsVariable,
		targets:        make([]MonitoredTarget, 0),
	}
	for _, opt := range opts {
		opt(agg)
	}

	r.aggregators[res.Name()] = agg
	r.order = append(r.order, res.Name())
	return agg
}

// Aggregator looks up an aggregator by resource name.
func (r *Registry) Aggregator(name string) (*Aggregator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agg, ok := r.aggregators[name]
	return agg, ok
}

// Aggregators returns all aggregators in registration order.
func (r *Registry) Aggregators() []*Aggregator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Aggregator, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.aggregators[name])
	}
	return out
}

// AddMonitoredTarget appends target to the aggregator's ordered list and makes
// sure the probed endpoint exists on the target.
func (r *Registry) AddMonitoredTarget(
	agg *Aggregator,
	target *engine.Resource,
	endpointName, probePath string,
	opts ...TargetOption,
) (MonitoredTarget, error) {
	if endpointName == "" {
		return MonitoredTarget{}, engine.NewPermanentError("endpoint name is empty", nil).
			WithCode(engine.ErrCodeValidation).WithResource(target.Name())
	}
	if target.Name() == agg.resource {
		return MonitoredTarget{}, engine.NewPermanentError(
			fmt.Sprintf("aggregator %s cannot monitor itself", agg.resource), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(agg.resource)
	}

	r.g.EnsureEndpoint(target, endpointName, DefaultScheme)

	mt := MonitoredTarget{
		Target:      target.Name(),
		Endpoint:    endpointName,
		ProbePath:   probePath,
		DisplayName: target.Name(),
	}
	for _, opt := range opts {
		opt(&mt)
	}

	agg.mu.Lock()
	agg.targets = append(agg.targets, mt)
	agg.mu.Unlock()

	return mt, nil
}
