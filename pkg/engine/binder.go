package engine

import (
	"fmt"
	"sync"
)

// EvalInput is everything a deferred evaluator may look at.
type EvalInput struct {
	// Resource is the name of the resource the annotation is attached to.
	Resource string

	// Context is the execution context of the run.
	Context ExecutionContext

	// Endpoints holds the resolved form of every declared input.
	Endpoints map[EndpointRef]ResolvedEndpoint
}

// Endpoint returns a declared input.
func (in EvalInput) Endpoint(ref EndpointRef) (ResolvedEndpoint, error) {
	ep, ok := in.Endpoints[ref]
	if !ok {
		return ResolvedEndpoint{}, fmt.Errorf("endpoint %s is not a declared input", ref)
	}
	return ep, nil
}

// EvaluatorFunc computes an annotation value from its inputs.
// It must be free of side effects and return the same value for the same input.
type EvaluatorFunc func(in EvalInput) (Value, error)

// Evaluator is a deferred annotation: a function plus the endpoints it reads.
type Evaluator struct {
	Inputs []EndpointRef
	Fn     EvaluatorFunc
}

// Binding is one resolved annotation.
type Binding struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

type namedEvaluator struct {
	name string
	eval Evaluator
}

// Binder stores deferred annotations per resource and resolves them on demand.
type Binder struct {
	g     *Graph
	mu    sync.RWMutex
	table map[string][]namedEvaluator
	order []string
}

func newBinder(g *Graph) *Binder {
	return &Binder{
		g:     g,
		table: make(map[string][]namedEvaluator),
		order: make([]string, 0),
	}
}

// Bind stores an evaluator under name on res. Binding an existing name replaces it
// in place so resolution order is stable.
func (b *Binder) Bind(res *Resource, name string, eval Evaluator) error {
	if name == "" {
		return NewPermanentError("annotation name is empty", nil).
			WithCode(ErrCodeValidation).WithResource(res.Name())
	}
	if eval.Fn == nil {
		return NewPermanentError(fmt.Sprintf("annotation %s has no evaluator", name), nil).
			WithCode(ErrCodeValidation).WithResource(res.Name())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries, known := b.table[res.Name()]
	if !known {
		b.order = append(b.order, res.Name())
	}
	for i := range entries {
		if entries[i].name == name {
			entries[i].eval = eval
			return nil
		}
	}
	b.table[res.Name()] = append(entries, namedEvaluator{name: name, eval: eval})
	return nil
}

// Annotations returns the annotation names bound on a resource in resolution order.
func (b *Binder) Annotations(res *Resource) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := b.table[res.Name()]
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.name)
	}
	return names
}

// Inputs returns every endpoint referenced by annotations on res.
func (b *Binder) Inputs(res *Resource) []EndpointRef {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return dedupeRefs(collectInputs(b.table[res.Name()]))
}

// AllInputs returns every endpoint referenced by any annotation.
func (b *Binder) AllInputs() []EndpointRef {
	b.mu.RLock()
	defer b.mu.RUnlock()
	refs := make([]EndpointRef, 0)
	for _, name := range b.order {
		refs = append(refs, collectInputs(b.table[name])...)
	}
	return dedupeRefs(refs)
}

// BoundResources returns the names of resources with at least one annotation.
func (b *Binder) BoundResources() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Resolve evaluates every annotation on res under ec, in binding order.
// Any evaluator failure, including an unresolved input, is a BindingEvaluationError.
func (b *Binder) Resolve(res *Resource, ec ExecutionContext) ([]Binding, error) {
	b.mu.RLock()
	entries := make([]namedEvaluator, len(b.table[res.Name()]))
	copy(entries, b.table[res.Name()])
	b.mu.RUnlock()

	bindings := make([]Binding, 0, len(entries))
	for _, entry := range entries {
		value, err := b.evaluate(res, entry, ec)
		if err != nil {
			return nil, &BindingEvaluationError{
				Resource:   res.Name(),
				Annotation: entry.name,
				Err:        err,
			}
		}
		bindings = append(bindings, Binding{Name: entry.name, Value: value})
	}
	return bindings, nil
}

// Apply resolves the annotations on res and writes them as environment values.
// Nothing is written when resolution fails.
func (b *Binder) Apply(res *Resource, ec ExecutionContext) ([]Binding, error) {
	bindings, err := b.Resolve(res, ec)
	if err != nil {
		return nil, err
	}
	for _, binding := range bindings {
		res.SetEnv(binding.Name, binding.Value.Text)
	}
	return bindings, nil
}

func (b *Binder) evaluate(res *Resource, entry namedEvaluator, ec ExecutionContext) (value Value, err error) {
	input := EvalInput{
		Resource:  res.Name(),
		Context:   ec,
		Endpoints: make(map[EndpointRef]ResolvedEndpoint, len(entry.eval.Inputs)),
	}

	for _, ref := range entry.eval.Inputs {
		resolved, err := b.resolveInput(ref, ec)
		if err != nil {
			return Value{}, err
		}
		input.Endpoints[ref] = resolved
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluator panicked: %v", r)
		}
	}()

	return entry.eval.Fn(input)
}

func (b *Binder) resolveInput(ref EndpointRef, ec ExecutionContext) (ResolvedEndpoint, error) {
	ep, err := b.g.Endpoint(ref)
	if err != nil {
		return ResolvedEndpoint{}, err
	}

	resolved := ResolvedEndpoint{Ref: ref, Scheme: ep.Scheme()}
	if ec.IsPublish() {
		return resolved, nil
	}

	alloc, ok := ep.Allocation()
	if !ok {
		unresolved := &UnresolvedEndpointError{Ref: ref}
		if owner, found := b.g.Resource(ref.Resource); found {
			if failed := owner.FailedErr(); failed != nil {
				unresolved.Reason = failed.Error()
			}
		}
		return ResolvedEndpoint{}, unresolved
	}
	resolved.Allocation = &alloc
	return resolved, nil
}

func collectInputs(entries []namedEvaluator) []EndpointRef {
	refs := make([]EndpointRef, 0)
	for _, e := range entries {
		refs = append(refs, e.eval.Inputs...)
	}
	return refs
}
