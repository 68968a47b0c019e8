// Package policy evaluates command enablement rules written in Rego.
//
// A policy is a Rego module whose package defines a deny set. A command backed
// by policies is enabled when none of them adds a message to deny for the
// resource snapshot under evaluation:
//
//	package stackwire.enablement.healthy_only
//
//	deny contains msg if {
//		input.resource.health != "healthy"
//		msg := sprintf("resource %s is %s", [input.resource.name, input.resource.health])
//	}
//
// The input document is:
//
//	{
//	  "resource":  <engine.Snapshot as JSON>,
//	  "timestamp": "<RFC 3339>"
//	}
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//
//	err = registry.Register("cache", commands.Command{
//	    Name:       "clear",
//	    Executor:   clear,
//	    Enablement: eng.Predicate(policy.HealthyOnly, policy.NotLocked),
//	})
//
// Custom policies are loaded from .rego or .json files with LoadPolicies and
// can be reloaded on change with Watch. A reload that fails to compile keeps
// the previous set.
//
// # Built-in Policies
//
//   - healthy-only: the resource must be healthy
//   - endpoints-allocated: every endpoint must be allocated (interactive runs)
//   - interactive-only: the resource must not be composed for publishing
//   - not-locked: the stackwire.locked metadata key must not be "true"
package policy
