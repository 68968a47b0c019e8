package engine

import (
	"strings"
	"testing"
)

func refEvaluator(refs ...EndpointRef) Evaluator {
	return Evaluator{
		Inputs: refs,
		Fn: func(in EvalInput) (Value, error) {
			return Literal("ok"), nil
		},
	}
}

func TestDAGBuilder_BuildGraph_Empty(t *testing.T) {
	g := NewGraph(ContextInteractive)

	graph, err := NewDAGBuilder().BuildGraph(g)
	if err != nil {
		t.Fatalf("Expected no error for empty graph, got: %v", err)
	}
	if len(graph.Nodes) != 0 {
		t.Errorf("Expected 0 nodes, got %d", len(graph.Nodes))
	}
	if graph.Depth != 0 {
		t.Errorf("Expected depth 0, got %d", graph.Depth)
	}
}

func TestDAGBuilder_BuildGraph_AggregatorAfterTargets(t *testing.T) {
	g := NewGraph(ContextInteractive)
	t1, _ := g.AddResource("t1", KindProcess)
	t2, _ := g.AddResource("t2", KindProcess)
	agg, _ := g.AddResource("dashboard", KindContainer)

	ep1 := g.EnsureEndpoint(t1, "http", "http")
	ep2 := g.EnsureEndpoint(t2, "http", "http")

	// Self references do not create edges.
	_ = g.Binder().Bind(t1, "SELF", refEvaluator(ep1.Ref()))
	_ = g.Binder().Bind(agg, "ALL", refEvaluator(ep1.Ref(), ep2.Ref()))

	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(g)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if graph.Depth != 2 {
		t.Fatalf("Expected depth 2, got %d", graph.Depth)
	}
	if graph.Nodes["t1"].Level != 0 || graph.Nodes["t2"].Level != 0 {
		t.Errorf("Expected targets at level 0")
	}
	if graph.Nodes["dashboard"].Level != 1 {
		t.Errorf("Expected dashboard at level 1, got %d", graph.Nodes["dashboard"].Level)
	}
	if len(graph.Edges) != 2 {
		t.Errorf("Expected 2 edges, got %d", len(graph.Edges))
	}
	if graph.Roots[0] != "t1" || graph.Roots[1] != "t2" {
		t.Errorf("Expected sorted roots, got %v", graph.Roots)
	}

	if err := builder.ValidateGraph(graph); err != nil {
		t.Errorf("Expected valid graph, got: %v", err)
	}
}

func TestDAGBuilder_BuildGraph_ExplicitDependencies(t *testing.T) {
	g := NewGraph(ContextInteractive)
	_, _ = g.AddResource("db", KindContainer)
	api, _ := g.AddResource("api", KindProcess)
	web, _ := g.AddResource("web", KindProcess)
	api.DependsOn("db")
	web.DependsOn("api", "db")

	graph, err := NewDAGBuilder().BuildGraph(g)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := map[string]int{"db": 0, "api": 1, "web": 2}
	for name, level := range want {
		if graph.Nodes[name].Level != level {
			t.Errorf("%s should be at level %d, got %d", name, level, graph.Nodes[name].Level)
		}
	}
	for _, e := range graph.Edges {
		if e.Type != DependencyExplicit {
			t.Errorf("Expected explicit edge, got %s", e.Type)
		}
	}
}

func TestDAGBuilder_BuildGraph_CircularDependency(t *testing.T) {
	g := NewGraph(ContextInteractive)
	a, _ := g.AddResource("a", KindProcess)
	b, _ := g.AddResource("b", KindProcess)
	epA := g.EnsureEndpoint(a, "http", "http")
	epB := g.EnsureEndpoint(b, "http", "http")

	_ = g.Binder().Bind(a, "B_URL", refEvaluator(epB.Ref()))
	_ = g.Binder().Bind(b, "A_URL", refEvaluator(epA.Ref()))

	_, err := NewDAGBuilder().BuildGraph(g)
	if err == nil {
		t.Fatal("Expected error for circular dependency")
	}
	if CodeOf(err) != ErrCodeCycleDetected {
		t.Errorf("Expected code %s, got %s", ErrCodeCycleDetected, CodeOf(err))
	}
	if !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("Expected circular dependency message, got: %v", err)
	}
}

func TestDAGBuilder_BuildGraph_UnknownDependency(t *testing.T) {
	g := NewGraph(ContextInteractive)
	api, _ := g.AddResource("api", KindProcess)
	api.DependsOn("missing")

	if _, err := NewDAGBuilder().BuildGraph(g); err == nil {
		t.Fatal("Expected error for unknown dependency")
	}
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	g := NewGraph(ContextInteractive)
	t1, _ := g.AddResource("t1", KindProcess)
	agg, _ := g.AddResource("dashboard", KindContainer)
	ep := g.EnsureEndpoint(t1, "http", "http")
	_ = g.Binder().Bind(agg, "URL", refEvaluator(ep.Ref()))

	builder := NewDAGBuilder()
	if _, err := builder.BuildGraph(g); err != nil {
		t.Fatal(err)
	}

	dot := builder.ToDOT()
	for _, want := range []string{"digraph StartupGraph", "cluster_level_0", "\"t1\" -> \"dashboard\"", "style=dashed, color=blue"} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q", want)
		}
	}
}
