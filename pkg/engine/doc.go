// Package engine provides the resource graph and lifecycle coordination for stackwire.
//
// # Overview
//
// A run composes a Graph of resources, each with named endpoints, and drives it
// through two lifecycle phases:
//
//  1. BeforeStart - hooks wire deferred annotations; no endpoint has a value yet
//  2. Start - startable resources are started level by level (interactive only)
//  3. Barrier - the coordinator waits until every endpoint read by an annotation is allocated
//  4. AfterEndpointsAllocated - hooks resolve annotations into literal environment values
//
// # Core Domain Types
//
//   - Resource: a named unit of kind Container, Process, ExternalService or Parameter
//   - Endpoint: a named address on a resource, allocated exactly once per run
//   - Evaluator: a deferred annotation, a pure function plus the endpoints it reads
//   - ExecutionContext: Interactive or Publish, passed explicitly to every evaluator
//   - Snapshot: a consistent, read-only copy of a resource for enablement predicates
//
// # Deferred Values
//
// The Binder stores evaluators per resource. In interactive mode an evaluator
// sees allocated addresses and renders literal URLs, adding a container-reachable
// variant when the consumer runs behind a different host name:
//
//	urls, err := in.Endpoints[ref].URL("/health", in.Context, engine.NetworkView{
//	    ContainerHost: engine.DefaultContainerHost,
//	})
//
// In publish mode the same evaluator renders expressions such as
// {api.bindings.http.url}/health that a deployment tool resolves later.
//
// # Error Handling
//
// Startup errors are classified (transient, throttled, conflict, permanent) via
// EngineError; transient start failures are retried with exponential backoff.
// Composition errors are typed: DuplicateResourceError, UnresolvedEndpointError,
// BindingEvaluationError, EndpointConflictError. Classify maps them onto EngineError.
//
// Hooks report per-aggregator failures as ScopedFailures; the run continues and
// the failures are returned in the RunReport.
package engine
