package engine

import (
	"errors"
	"strings"
	"testing"
)

func probeEvaluator(ref EndpointRef, path string, view NetworkView) Evaluator {
	return Evaluator{
		Inputs: []EndpointRef{ref},
		Fn: func(in EvalInput) (Value, error) {
			ep, err := in.Endpoint(ref)
			if err != nil {
				return Value{}, err
			}
			urls, err := ep.URL(path, in.Context, view)
			if err != nil {
				return Value{}, err
			}
			return JoinValues(urls, ";"), nil
		},
	}
}

func TestBinder_Resolve_Unallocated(t *testing.T) {
	g := NewGraph(ContextInteractive)
	api, _ := g.AddResource("api", KindProcess)
	ep := g.EnsureEndpoint(api, "http", "http")
	dash, _ := g.AddResource("dashboard", KindContainer)

	if err := g.Binder().Bind(dash, "PROBE", probeEvaluator(ep.Ref(), "/health", NetworkView{})); err != nil {
		t.Fatal(err)
	}

	_, err := g.Binder().Resolve(dash, ContextInteractive)

	var bindErr *BindingEvaluationError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Expected BindingEvaluationError, got: %v", err)
	}
	var unresolved *UnresolvedEndpointError
	if !errors.As(err, &unresolved) {
		t.Fatalf("Expected UnresolvedEndpointError in chain, got: %v", err)
	}
	if unresolved.Ref != ep.Ref() {
		t.Errorf("Expected ref %s, got %s", ep.Ref(), unresolved.Ref)
	}
}

func TestBinder_Resolve_Idempotent(t *testing.T) {
	g := NewGraph(ContextInteractive)
	api, _ := g.AddResource("api", KindProcess)
	ep := g.EnsureEndpoint(api, "http", "http")
	dash, _ := g.AddResource("dashboard", KindContainer)
	_ = g.Binder().Bind(dash, "PROBE", probeEvaluator(ep.Ref(), "/health", NetworkView{}))

	if err := g.Allocate(ep, Allocation{Host: "localhost", Port: 5001}); err != nil {
		t.Fatal(err)
	}

	first, err := g.Binder().Resolve(dash, ContextInteractive)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	second, err := g.Binder().Resolve(dash, ContextInteractive)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(first) != 1 || first[0].Value.Text != "http://localhost:5001/health" {
		t.Fatalf("Unexpected bindings: %+v", first)
	}
	if first[0] != second[0] {
		t.Errorf("Expected identical results, got %+v and %+v", first[0], second[0])
	}
}

func TestBinder_Resolve_ContainerVariant(t *testing.T) {
	g := NewGraph(ContextInteractive)
	api, _ := g.AddResource("api", KindProcess)
	ep := g.EnsureEndpoint(api, "http", "http")
	dash, _ := g.AddResource("dashboard", KindContainer)

	view := NetworkView{ContainerHost: DefaultContainerHost}
	_ = g.Binder().Bind(dash, "PROBE", probeEvaluator(ep.Ref(), "health", view))
	_ = g.Allocate(ep, Allocation{Host: "localhost", Port: 5001})

	bindings, err := g.Binder().Resolve(dash, ContextInteractive)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := "http://localhost:5001/health;http://host.docker.internal:5001/health"
	if bindings[0].Value.Text != want {
		t.Errorf("Expected %s, got %s", want, bindings[0].Value.Text)
	}
}

func TestBinder_Resolve_SameHostSingleVariant(t *testing.T) {
	g := NewGraph(ContextInteractive)
	api, _ := g.AddResource("api", KindProcess)
	ep := g.EnsureEndpoint(api, "http", "http")
	dash, _ := g.AddResource("dashboard", KindContainer)

	view := NetworkView{ContainerHost: "HOST.docker.internal"}
	_ = g.Binder().Bind(dash, "PROBE", probeEvaluator(ep.Ref(), "/health", view))
	_ = g.Allocate(ep, Allocation{Host: "host.docker.internal", Port: 5001})

	bindings, err := g.Binder().Resolve(dash, ContextInteractive)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if strings.Contains(bindings[0].Value.Text, ";") {
		t.Errorf("Expected a single variant, got %s", bindings[0].Value.Text)
	}
}

func TestBinder_Resolve_PublishIsSymbolic(t *testing.T) {
	g := NewGraph(ContextPublish)
	api, _ := g.AddResource("api", KindProcess)
	ep := g.EnsureEndpoint(api, "http", "http")
	dash, _ := g.AddResource("dashboard", KindContainer)

	view := NetworkView{ContainerHost: DefaultContainerHost}
	_ = g.Binder().Bind(dash, "PROBE", probeEvaluator(ep.Ref(), "/health", view))

	bindings, err := g.Binder().Resolve(dash, ContextPublish)
	if err != nil {
		t.Fatalf("Expected no error in publish mode, got: %v", err)
	}

	v := bindings[0].Value
	if !v.Symbolic {
		t.Error("Expected symbolic value")
	}
	if v.Text != "{api.bindings.http.url}/health" {
		t.Errorf("Unexpected expression: %s", v.Text)
	}
	if strings.Contains(v.Text, "://") {
		t.Errorf("Publish value must not be a literal address: %s", v.Text)
	}
}

func TestBinder_Resolve_UndeclaredEndpoint(t *testing.T) {
	g := NewGraph(ContextPublish)
	dash, _ := g.AddResource("dashboard", KindContainer)

	ref := EndpointRef{Resource: "ghost", Endpoint: "http"}
	_ = g.Binder().Bind(dash, "PROBE", probeEvaluator(ref, "/health", NetworkView{}))

	_, err := g.Binder().Resolve(dash, ContextPublish)
	var unresolved *UnresolvedEndpointError
	if !errors.As(err, &unresolved) {
		t.Fatalf("Expected UnresolvedEndpointError, got: %v", err)
	}
	if unresolved.Reason == "" {
		t.Error("Expected a reason for a missing resource")
	}
}

func TestBinder_Resolve_PanicBecomesError(t *testing.T) {
	g := NewGraph(ContextInteractive)
	dash, _ := g.AddResource("dashboard", KindContainer)

	_ = g.Binder().Bind(dash, "BOOM", Evaluator{
		Fn: func(in EvalInput) (Value, error) {
			panic("broken evaluator")
		},
	})

	_, err := g.Binder().Resolve(dash, ContextInteractive)
	var bindErr *BindingEvaluationError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Expected BindingEvaluationError, got: %v", err)
	}
	if bindErr.Annotation != "BOOM" {
		t.Errorf("Expected annotation BOOM, got %s", bindErr.Annotation)
	}
	if !strings.Contains(err.Error(), "broken evaluator") {
		t.Errorf("Expected panic message in error, got: %v", err)
	}
}

func TestBinder_Bind_ReplaceKeepsOrder(t *testing.T) {
	g := NewGraph(ContextInteractive)
	dash, _ := g.AddResource("dashboard", KindContainer)

	constant := func(s string) Evaluator {
		return Evaluator{Fn: func(EvalInput) (Value, error) { return Literal(s), nil }}
	}

	_ = g.Binder().Bind(dash, "FIRST", constant("1"))
	_ = g.Binder().Bind(dash, "SECOND", constant("2"))
	_ = g.Binder().Bind(dash, "FIRST", constant("3"))

	bindings, err := g.Binder().Apply(dash, ContextInteractive)
	if err != nil {
		t.Fatal(err)
	}
	if len(bindings) != 2 || bindings[0].Name != "FIRST" || bindings[0].Value.Text != "3" {
		t.Errorf("Unexpected bindings: %+v", bindings)
	}
	if v, _ := dash.Env("SECOND"); v != "2" {
		t.Errorf("Expected SECOND=2 in environment, got %q", v)
	}
	if got := g.Binder().BoundResources(); len(got) != 1 || got[0] != "dashboard" {
		t.Errorf("Expected [dashboard] bound, got %v", got)
	}

	if err := g.Binder().Bind(dash, "NOFN", Evaluator{}); err == nil {
		t.Error("Expected error for evaluator without function")
	}
}

func TestBinder_Apply_WritesNothingOnFailure(t *testing.T) {
	g := NewGraph(ContextInteractive)
	dash, _ := g.AddResource("dashboard", KindContainer)

	_ = g.Binder().Bind(dash, "OK", Evaluator{Fn: func(EvalInput) (Value, error) { return Literal("x"), nil }})
	_ = g.Binder().Bind(dash, "BAD", Evaluator{Fn: func(EvalInput) (Value, error) { return Value{}, errors.New("nope") }})

	if _, err := g.Binder().Apply(dash, ContextInteractive); err == nil {
		t.Fatal("Expected error")
	}
	if len(dash.Environment()) != 0 {
		t.Errorf("Expected empty environment, got %+v", dash.Environment())
	}
}
