// Package runtime starts resources and allocates their endpoints, either from
// static addresses declared in the composition or from running Docker
// containers.
package runtime

import (
	"context"
	"fmt"

	"github.com/openfroyo/stackwire/pkg/engine"
)

// DefaultHost is used for static allocations that name no host.
const DefaultHost = "localhost"

// Table holds static allocations keyed by resource, then endpoint.
type Table map[string]map[string]engine.Allocation

// Set records an allocation. An empty host becomes DefaultHost.
func (t Table) Set(resource, endpoint string, alloc engine.Allocation) {
	if alloc.Host == "" {
		alloc.Host = DefaultHost
	}
	if t[resource] == nil {
		t[resource] = make(map[string]engine.Allocation)
	}
	t[resource][endpoint] = alloc
}

// Lookup returns the allocation of an endpoint.
func (t Table) Lookup(resource, endpoint string) (engine.Allocation, bool) {
	alloc, ok := t[resource][endpoint]
	return alloc, ok
}

// StaticStarter allocates endpoints from a Table. It starts nothing: the
// resources are expected to be running already.
type StaticStarter struct {
	table Table
}

// NewStaticStarter creates a starter backed by table.
func NewStaticStarter(table Table) *StaticStarter {
	if table == nil {
		table = Table{}
	}
	return &StaticStarter{table: table}
}

// Start implements engine.Starter. Every endpoint of res must have a static
// allocation; endpoints already allocated are left alone.
func (s *StaticStarter) Start(ctx context.Context, g *engine.Graph, res *engine.Resource) error {
	for _, ep := range res.Endpoints() {
		if _, ok := ep.Allocation(); ok {
			continue
		}
		alloc, ok := s.table.Lookup(res.Name(), ep.Name())
		if !ok {
			return engine.NewPermanentError(
				fmt.Sprintf("endpoint %s has no static allocation", ep.Ref()), nil).
				WithCode(engine.ErrCodeStartFailed).
				WithResource(res.Name())
		}
		if err := g.Allocate(ep, alloc); err != nil {
			return err
		}
	}
	return nil
}
