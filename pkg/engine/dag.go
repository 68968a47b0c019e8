package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DependencyType represents why one resource starts after another.
type DependencyType string

const (
	// DependencyExplicit is a declared start-order dependency.
	DependencyExplicit DependencyType = "explicit"

	// DependencyReference is implied by an annotation reading another resource's endpoint.
	DependencyReference DependencyType = "reference"
)

// StartNode is a resource in the startup graph.
type StartNode struct {
	// Name is the resource name.
	Name string `json:"name"`

	// Kind is the resource variant.
	Kind ResourceKind `json:"kind"`

	// Level is the start wave the resource belongs to (0 starts first).
	Level int `json:"level"`

	// Dependencies lists resources that start before this one.
	Dependencies []string `json:"dependencies"`

	// Dependents lists resources that start after this one.
	Dependents []string `json:"dependents"`
}

// StartEdge is a dependency edge: From starts before To.
type StartEdge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Type DependencyType `json:"type"`
}

// StartupGraph is the leveled start order of a resource graph.
type StartupGraph struct {
	Nodes  map[string]*StartNode `json:"nodes"`
	Edges  []StartEdge           `json:"edges"`
	Roots  []string              `json:"roots"`
	Levels [][]string            `json:"levels"`
	Depth  int                   `json:"depth"`
}

// DAGBuilder builds the startup DAG of a resource graph.
// It detects cycles and assigns start levels for parallel starting.
type DAGBuilder struct {
	// kinds maps resource names to their kinds
	kinds map[string]ResourceKind

	// adjacencyList maps a resource to the resources that start after it
	adjacencyList map[string][]string

	// reverseAdjacencyList maps a resource to the resources it waits for
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// edges holds every deduplicated edge
	edges []StartEdge

	// levels maps start level to resource names at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		kinds:                make(map[string]ResourceKind),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		edges:                make([]StartEdge, 0),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs the startup graph for g.
// A resource depends on every other resource its annotations read and on its
// explicit dependencies. Self references are ignored.
func (b *DAGBuilder) BuildGraph(g *Graph) (*StartupGraph, error) {
	resources := g.Resources()
	if len(resources) == 0 {
		return &StartupGraph{
			Nodes:  make(map[string]*StartNode),
			Edges:  make([]StartEdge, 0),
			Roots:  make([]string, 0),
			Levels: make([][]string, 0),
			Depth:  0,
		}, nil
	}

	if err := b.initialize(g, resources); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildStartupGraph(), nil
}

// initialize indexes resources and builds adjacency lists.
func (b *DAGBuilder) initialize(g *Graph, resources []*Resource) error {
	for _, res := range resources {
		b.kinds[res.Name()] = res.Kind()
		b.adjacencyList[res.Name()] = make([]string, 0)
		b.reverseAdjacencyList[res.Name()] = make([]string, 0)
		b.inDegree[res.Name()] = 0
	}

	seen := make(map[[2]string]bool)
	addEdge := func(from, to string, depType DependencyType) error {
		if from == to {
			return nil
		}
		if _, exists := b.kinds[from]; !exists {
			return NewPermanentError(
				fmt.Sprintf("resource %s depends on non-existent resource %s", to, from),
				nil,
			).WithCode(ErrCodeValidation).WithResource(to)
		}
		key := [2]string{from, to}
		if seen[key] {
			return nil
		}
		seen[key] = true

		b.adjacencyList[from] = append(b.adjacencyList[from], to)
		b.reverseAdjacencyList[to] = append(b.reverseAdjacencyList[to], from)
		b.inDegree[to]++
		b.edges = append(b.edges, StartEdge{From: from, To: to, Type: depType})
		return nil
	}

	for _, res := range resources {
		for _, dep := range res.Dependencies() {
			if err := addEdge(dep, res.Name(), DependencyExplicit); err != nil {
				return err
			}
		}
		for _, ref := range g.Binder().Inputs(res) {
			if err := addEdge(ref.Resource, res.Name(), DependencyReference); err != nil {
				return err
			}
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	for _, name := range b.sortedNames() {
		if !visited[name] {
			if cycle := b.detectCyclesUtil(name, visited, recStack, path); cycle != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
					nil,
				).WithCode(ErrCodeCycleDetected)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS and returns the cycle path when one is found.
func (b *DAGBuilder) detectCyclesUtil(
	name string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dependent := range b.adjacencyList[name] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := make([]string, 0, len(path)-i+1)
					cycle = append(cycle, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[name] = false
	return nil
}

// computeLevels assigns start levels using Kahn's algorithm.
// Resources at the same level can be started in parallel.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for name, degree := range b.inDegree {
		inDegreeCopy[name] = degree
	}

	currentLevel := make([]string, 0)
	for _, name := range b.sortedNames() {
		if inDegreeCopy[name] == 0 {
			currentLevel = append(currentLevel, name)
		}
	}

	if len(currentLevel) == 0 {
		return NewPermanentError("no root resources found - all resources have dependencies", nil).
			WithCode(ErrCodeCycleDetected)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, name := range currentLevel {
			for _, dependent := range b.adjacencyList[name] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		sort.Strings(nextLevel)
		currentLevel = nextLevel
	}

	if processedCount != len(b.kinds) {
		return NewPermanentError("failed to process all resources - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// buildStartupGraph creates the final StartupGraph structure.
func (b *DAGBuilder) buildStartupGraph() *StartupGraph {
	graph := &StartupGraph{
		Nodes:  make(map[string]*StartNode, len(b.kinds)),
		Edges:  b.edges,
		Roots:  make([]string, 0),
		Levels: b.levels,
		Depth:  len(b.levels),
	}

	for level, names := range b.levels {
		for _, name := range names {
			graph.Nodes[name] = &StartNode{
				Name:         name,
				Kind:         b.kinds[name],
				Level:        level,
				Dependencies: b.reverseAdjacencyList[name],
				Dependents:   b.adjacencyList[name],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, name)
			}
		}
	}

	return graph
}

// GetLevels returns the computed start levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT generates a DOT format representation of the startup graph.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph StartupGraph {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, name := range names {
			kind := b.kinds[name]
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				name, name, kind, getKindColor(kind)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, edge := range b.edges {
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n",
			edge.From, edge.To, getDependencyStyle(edge.Type)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// ValidateGraph performs additional validation on the built graph.
func (b *DAGBuilder) ValidateGraph(graph *StartupGraph) error {
	if len(graph.Nodes) != len(b.kinds) {
		return NewPermanentError("graph node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}

	for _, edge := range graph.Edges {
		if _, exists := graph.Nodes[edge.From]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.From), nil).
				WithCode(ErrCodeInternal)
		}
		if _, exists := graph.Nodes[edge.To]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.To), nil).
				WithCode(ErrCodeInternal)
		}
		if graph.Nodes[edge.From].Level >= graph.Nodes[edge.To].Level {
			return NewPermanentError(fmt.Sprintf("edge %s -> %s does not go forward", edge.From, edge.To), nil).
				WithCode(ErrCodeInternal)
		}
	}

	for _, root := range graph.Roots {
		if len(graph.Nodes[root].Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has dependencies", root), nil).
				WithCode(ErrCodeInternal)
		}
	}

	return nil
}

func (b *DAGBuilder) sortedNames() []string {
	names := make([]string, 0, len(b.kinds))
	for name := range b.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// getKindColor returns a fill color per resource kind.
func getKindColor(kind ResourceKind) string {
	switch kind {
	case KindContainer:
		return "lightblue"
	case KindProcess:
		return "lightgreen"
	case KindExternalService:
		return "lightyellow"
	case KindParameter:
		return "lightgray"
	default:
		return "white"
	}
}

// getDependencyStyle returns a DOT style string for dependency types.
func getDependencyStyle(depType DependencyType) string {
	switch depType {
	case DependencyExplicit:
		return "style=solid, color=black"
	case DependencyReference:
		return "style=dashed, color=blue"
	default:
		return "style=solid, color=black"
	}
}
