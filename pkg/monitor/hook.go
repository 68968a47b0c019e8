package monitor

import (
	"context"
	"fmt"

	"github.com/openfroyo/stackwire/pkg/engine"
)

// Separator joins entries of the aggregated URL variable.
const Separator = ";"

// IndexedKey returns "<ns>__<i>__<field>".
func IndexedKey(namespace string, index int, field string) string {
	return fmt.Sprintf("%s__%d__%s", namespace, index, field)
}

// Hook returns the lifecycle hook that wires the registry into a run.
func (r *Registry) Hook() engine.Hook {
	return &hook{registry: r}
}

type hook struct {
	registry *Registry
}

func (h *hook) Name() string { return "monitor" }

type probe struct {
	ref  engine.EndpointRef
	path string
	view engine.NetworkView
}

// targetBinding is one variable written onto a target. Aggregators that share
// a variable name merge their probes into it.
type targetBinding struct {
	target   string
	variable string
}

// BeforeStart binds, for every target, its own probe URLs, and for every
// aggregator the aggregated variable plus the indexed Name/Uri keys.
func (h *hook) BeforeStart(ctx context.Context, g *engine.Graph, ec engine.ExecutionContext) error {
	targetProbes := make(map[targetBinding][]probe)
	targetOrder := make([]targetBinding, 0)

	for _, agg := range h.registry.Aggregators() {
		aggRes, ok := g.Resource(agg.Resource())
		if !ok {
			return engine.NewPermanentError(fmt.Sprintf("aggregator %s is not in the graph", agg.Resource()), nil).
				WithCode(engine.ErrCodeNotFound)
		}

		targets := agg.Targets()
		probes := make([]probe, 0, len(targets))
		inputs := make([]engine.EndpointRef, 0, len(targets))

		for i, mt := range targets {
			p := probe{ref: mt.Ref(), path: mt.ProbePath, view: agg.View()}
			probes = append(probes, p)
			inputs = append(inputs, p.ref)

			key := targetBinding{target: mt.Target, variable: agg.TargetVariable()}
			if _, seen := targetProbes[key]; !seen {
				targetOrder = append(targetOrder, key)
			}
			targetProbes[key] = append(targetProbes[key], p)

			if err := g.Binder().Bind(aggRes, IndexedKey(agg.Namespace(), i, "Name"), constant(mt.DisplayName)); err != nil {
				return err
			}
			if err := g.Binder().Bind(aggRes, IndexedKey(agg.Namespace(), i, "Uri"), reachableURL(p)); err != nil {
				return err
			}
		}

		if err := g.Binder().Bind(aggRes, agg.URLsVariable(), aggregatedURLs(inputs, probes)); err != nil {
			return err
		}
	}

	for _, key := range targetOrder {
		res, ok := g.Resource(key.target)
		if !ok {
			return engine.NewPermanentError(fmt.Sprintf("monitored target %s is not in the graph", key.target), nil).
				WithCode(engine.ErrCodeNotFound)
		}
		probes := targetProbes[key]
		inputs := make([]engine.EndpointRef, 0, len(probes))
		for _, p := range probes {
			inputs = append(inputs, p.ref)
		}
		if err := g.Binder().Bind(res, key.variable, aggregatedURLs(inputs, probes)); err != nil {
			return err
		}
	}

	return nil
}

// AfterEndpointsAllocated writes the resolved values onto aggregators and targets.
// A failure only affects the resource it occurred on.
func (h *hook) AfterEndpointsAllocated(ctx context.Context, g *engine.Graph, ec engine.ExecutionContext) error {
	failures := engine.ScopedFailures{}
	applied := make(map[string]bool)

	apply := func(name string) {
		if applied[name] {
			return
		}
		applied[name] = true
		res, ok := g.Resource(name)
		if !ok {
			return
		}
		if _, err := g.Binder().Apply(res, ec); err != nil {
			failures[name] = err
		}
	}

	for _, agg := range h.registry.Aggregators() {
		apply(agg.Resource())
		for _, mt := range agg.Targets() {
			apply(mt.Target)
		}
	}

	if len(failures) > 0 {
		return failures
	}
	return nil
}

func constant(text string) engine.Evaluator {
	return engine.Evaluator{
		Fn: func(engine.EvalInput) (engine.Value, error) {
			return engine.Literal(text), nil
		},
	}
}

// reachableURL renders the single URL the aggregator should probe: the
// container-reachable variant when there is one, the direct URL otherwise.
func reachableURL(p probe) engine.Evaluator {
	return engine.Evaluator{
		Inputs: []engine.EndpointRef{p.ref},
		Fn: func(in engine.EvalInput) (engine.Value, error) {
			urls, err := render(in, p)
			if err != nil {
				return engine.Value{}, err
			}
			return urls[len(urls)-1], nil
		},
	}
}

func aggregatedURLs(inputs []engine.EndpointRef, probes []probe) engine.Evaluator {
	return engine.Evaluator{
		Inputs: inputs,
		Fn: func(in engine.EvalInput) (engine.Value, error) {
			all := make([]engine.Value, 0, len(probes)*2)
			for _, p := range probes {
				urls, err := render(in, p)
				if err != nil {
					return engine.Value{}, err
				}
				all = append(all, urls...)
			}
			return engine.JoinValues(all, Separator), nil
		},
	}
}

func render(in engine.EvalInput, p probe) ([]engine.Value, error) {
	ep, err := in.Endpoint(p.ref)
	if err != nil {
		return nil, err
	}
	return ep.URL(p.path, in.Context, p.view)
}
