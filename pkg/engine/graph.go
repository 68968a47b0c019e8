package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Endpoint is a named network endpoint declared on a resource.
// It cannot be rendered to an address until it has been allocated.
type Endpoint struct {
	name       string
	scheme     string
	targetPort int
	resource   string

	mu         *sync.RWMutex
	allocation *Allocation
	allocated  chan struct{}
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string { return e.name }

// Scheme returns the URL scheme (http, https, tcp...).
func (e *Endpoint) Scheme() string { return e.scheme }

// TargetPort returns the port the resource listens on inside its own network namespace.
func (e *Endpoint) TargetPort() int { return e.targetPort }

// Ref returns a reference to this endpoint.
func (e *Endpoint) Ref() EndpointRef {
	return EndpointRef{Resource: e.resource, Endpoint: e.name}
}

// Allocation returns the allocated address, or false when unallocated.
func (e *Endpoint) Allocation() (Allocation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.allocation == nil {
		return Allocation{}, false
	}
	return *e.allocation, true
}

// Allocated returns a channel closed once the endpoint is allocated.
func (e *Endpoint) Allocated() <-chan struct{} {
	return e.allocated
}

// EnvVar is one literal environment value written onto a resource.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Resource is a named orchestration unit.
type Resource struct {
	name    string
	kind    ResourceKind
	context ExecutionContext

	mu              *sync.RWMutex
	endpoints       []*Endpoint
	env             []EnvVar
	metadata        map[string]string
	dependsOn       []string
	health          HealthStatus
	healthChangedAt time.Time

	failed    chan struct{}
	failedErr error
}

// Name returns the resource name.
func (r *Resource) Name() string { return r.name }

// Kind returns the resource variant.
func (r *Resource) Kind() ResourceKind { return r.kind }

// Context returns the execution context the resource was created under.
func (r *Resource) Context() ExecutionContext { return r.context }

// Endpoints returns the resource's endpoints in declaration order.
func (r *Resource) Endpoints() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// SetEnv sets an immediate environment value, replacing an existing one with the same name.
func (r *Resource) SetEnv(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.env {
		if r.env[i].Name == name {
			r.env[i].Value = value
			return
		}
	}
	r.env = append(r.env, EnvVar{Name: name, Value: value})
}

// Env returns the value of an environment entry.
func (r *Resource) Env(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.env {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

// Environment returns all environment entries in the order they were first set.
func (r *Resource) Environment() []EnvVar {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EnvVar, len(r.env))
	copy(out, r.env)
	return out
}

// SetMetadata sets a metadata key visible to enablement predicates.
func (r *Resource) SetMetadata(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// DependsOn declares explicit start-order dependencies on other resources.
func (r *Resource) DependsOn(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dependsOn = append(r.dependsOn, names...)
}

// Dependencies returns the explicit start-order dependencies.
func (r *Resource) Dependencies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.dependsOn))
	copy(out, r.dependsOn)
	return out
}

// Health returns the current health status.
func (r *Resource) Health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health
}

// FailedErr returns the start failure recorded for the resource, if any.
func (r *Resource) FailedErr() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failedErr
}

func (r *Resource) endpointLocked(name string) *Endpoint {
	for _, ep := range r.endpoints {
		if ep.name == name {
			return ep
		}
	}
	return nil
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithEventPublisher publishes allocation and health events.
func WithEventPublisher(p EventPublisher) GraphOption {
	return func(g *Graph) {
		g.publisher = p
	}
}

// Graph is the resource graph of one orchestration run.
// All resource and endpoint state shares the graph's lock so snapshots are consistent.
type Graph struct {
	mu        sync.RWMutex
	context   ExecutionContext
	resources map[string]*Resource
	order     []string
	binder    *Binder
	publisher EventPublisher
}

// NewGraph creates an empty resource graph for the given execution context.
func NewGraph(ec ExecutionContext, opts ...GraphOption) *Graph {
	g := &Graph{
		context:   ec,
		resources: make(map[string]*Resource),
		order:     make([]string, 0),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.binder = newBinder(g)
	return g
}

// Context returns the execution context of the run.
func (g *Graph) Context() ExecutionContext {
	return g.context
}

// Binder returns the deferred value binder attached to this graph.
func (g *Graph) Binder() *Binder {
	return g.binder
}

// AddResource adds a new resource to the graph.
func (g *Graph) AddResource(name string, kind ResourceKind) (*Resource, error) {
	if name == "" {
		return nil, NewPermanentError("resource name is empty", nil).
			WithCode(ErrCodeValidation)
	}
	if err := kind.Validate(); err != nil {
		return nil, NewPermanentError("invalid resource", err).
			WithCode(ErrCodeValidation).WithResource(name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.resources[name]; exists {
		return nil, &DuplicateResourceError{Name: name}
	}

	res := &Resource{
		name:      name,
		kind:      kind,
		context:   g.context,
		mu:        &g.mu,
		endpoints: make([]*Endpoint, 0),
		env:       make([]EnvVar, 0),
		metadata:  make(map[string]string),
		health:    HealthUnknown,
		failed:    make(chan struct{}),
	}
	g.resources[name] = res
	g.order = append(g.order, name)

	return res, nil
}

// Resource looks up a resource by name.
func (g *Graph) Resource(name string) (*Resource, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	res, ok := g.resources[name]
	return res, ok
}

// Resources returns all resources in insertion order.
func (g *Graph) Resources() []*Resource {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Resource, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.resources[name])
	}
	return out
}

// GetEndpoint returns the named endpoint of a resource.
func (g *Graph) GetEndpoint(res *Resource, name string) (*Endpoint, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if ep := res.endpointLocked(name); ep != nil {
		return ep, nil
	}
	return nil, NewPermanentError(fmt.Sprintf("endpoint %q not found", name), nil).
		WithCode(ErrCodeNotFound).WithResource(res.name)
}

// EnsureEndpoint returns the named endpoint, creating it with the given scheme if absent.
// Repeated calls return the same endpoint.
func (g *Graph) EnsureEndpoint(res *Resource, name, scheme string) *Endpoint {
	return g.ensureEndpoint(res, name, scheme, 0)
}

// DeclareEndpoint is EnsureEndpoint with a target port.
// The target port is only applied when the endpoint is created.
func (g *Graph) DeclareEndpoint(res *Resource, name, scheme string, targetPort int) *Endpoint {
	return g.ensureEndpoint(res, name, scheme, targetPort)
}

func (g *Graph) ensureEndpoint(res *Resource, name, scheme string, targetPort int) *Endpoint {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ep := res.endpointLocked(name); ep != nil {
		return ep
	}

	ep := &Endpoint{
		name:       name,
		scheme:     scheme,
		targetPort: targetPort,
		resource:   res.name,
		mu:         &g.mu,
		allocated:  make(chan struct{}),
	}
	res.endpoints = append(res.endpoints, ep)
	return ep
}

// Endpoint resolves a reference to an endpoint.
func (g *Graph) Endpoint(ref EndpointRef) (*Endpoint, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	res, ok := g.resources[ref.Resource]
	if !ok {
		return nil, &UnresolvedEndpointError{Ref: ref, Reason: "resource does not exist"}
	}
	ep := res.endpointLocked(ref.Endpoint)
	if ep == nil {
		return nil, &UnresolvedEndpointError{Ref: ref, Reason: "endpoint is not declared"}
	}
	return ep, nil
}

// Allocate assigns a concrete address to an endpoint exactly once.
// Allocating again with the same address is a no-op; a different address is a conflict.
func (g *Graph) Allocate(ep *Endpoint, alloc Allocation) error {
	if alloc.Host == "" || alloc.Port <= 0 || alloc.Port > 65535 {
		return NewPermanentError(fmt.Sprintf("invalid allocation %s", alloc.Authority()), nil).
			WithCode(ErrCodeValidation).WithResource(ep.resource)
	}

	g.mu.Lock()
	if ep.allocation != nil {
		existing := *ep.allocation
		g.mu.Unlock()
		if existing == alloc {
			return nil
		}
		return &EndpointConflictError{Ref: ep.Ref(), Existing: existing, Proposed: alloc}
	}
	a := alloc
	ep.allocation = &a
	close(ep.allocated)
	g.mu.Unlock()

	g.publish(&Event{
		Type:     EventTypeEndpointAllocated,
		Resource: ep.resource,
		Message:  fmt.Sprintf("endpoint %s allocated at %s", ep.Ref(), alloc.Authority()),
		Level:    "info",
	})
	return nil
}

// MarkFailed records that a resource failed to start.
// Its unallocated endpoints stay unresolved and stop blocking WaitAllocated.
func (g *Graph) MarkFailed(res *Resource, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if res.failedErr != nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("resource %s failed", res.name)
	}
	res.failedErr = err
	close(res.failed)
}

// SetHealth updates the live health of a resource.
func (g *Graph) SetHealth(name string, status HealthStatus) error {
	g.mu.Lock()
	res, ok := g.resources[name]
	if !ok {
		g.mu.Unlock()
		return NewPermanentError(fmt.Sprintf("resource %q not found", name), nil).
			WithCode(ErrCodeNotFound)
	}
	previous := res.health
	if previous == status {
		g.mu.Unlock()
		return nil
	}
	res.health = status
	res.healthChangedAt = time.Now()
	g.mu.Unlock()

	g.publish(&Event{
		Type:     EventTypeHealthChanged,
		Resource: name,
		Message:  fmt.Sprintf("health changed from %s to %s", previous, status),
		Level:          "info",
		Status:         string(status),
		PreviousStatus: string(previous),
	})
	return nil
}

// Snapshot returns a consistent copy of a resource's observable state.
func (g *Graph) Snapshot(name string) (Snapshot, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	res, ok := g.resources[name]
	if !ok {
		return Snapshot{}, NewPermanentError(fmt.Sprintf("resource %q not found", name), nil).
			WithCode(ErrCodeNotFound)
	}

	snap := Snapshot{
		Name:            res.name,
		Kind:            res.kind,
		Health:          res.health,
		Context:         res.context,
		Metadata:        make(map[string]string, len(res.metadata)),
		Endpoints:       make([]EndpointSnapshot, 0, len(res.endpoints)),
		HealthChangedAt: res.healthChangedAt,
	}
	for k, v := range res.metadata {
		snap.Metadata[k] = v
	}
	for _, ep := range res.endpoints {
		es := EndpointSnapshot{
			Name:       ep.name,
			Scheme:     ep.scheme,
			TargetPort: ep.targetPort,
			Allocated:  ep.allocation != nil,
		}
		if ep.allocation != nil {
			a := *ep.allocation
			es.Allocation = &a
		}
		snap.Endpoints = append(snap.Endpoints, es)
	}
	return snap, nil
}

// WaitAllocated blocks until every referenced endpoint is allocated, its resource
// has failed, or ctx is done. References that can never resolve do not block.
func (g *Graph) WaitAllocated(ctx context.Context, refs []EndpointRef) error {
	for _, ref := range dedupeRefs(refs) {
		g.mu.RLock()
		res, ok := g.resources[ref.Resource]
		var ep *Endpoint
		if ok {
			ep = res.endpointLocked(ref.Endpoint)
		}
		g.mu.RUnlock()

		if ep == nil {
			continue
		}

		select {
		case <-ep.allocated:
		case <-res.failed:
		case <-ctx.Done():
			return NewTransientError(
				fmt.Sprintf("waiting for endpoint %s", ref), ctx.Err(),
			).WithCode(ErrCodeTimeout).WithResource(ref.Resource)
		}
	}
	return nil
}

func (g *Graph) publish(event *Event) {
	if g.publisher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	_ = g.publisher.Publish(context.Background(), event)
}

func dedupeRefs(refs []EndpointRef) []EndpointRef {
	seen := make(map[EndpointRef]bool, len(refs))
	out := make([]EndpointRef, 0, len(refs))
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
