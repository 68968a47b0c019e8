package policy

// Names of the built-in enablement policies.
const (
	HealthyOnly        = "healthy-only"
	EndpointsAllocated = "endpoints-allocated"
	InteractiveOnly    = "interactive-only"
	NotLocked          = "not-locked"
)

// LockedMetadataKey marks a resource as locked when set to "true".
const LockedMetadataKey = "stackwire.locked"

// BuiltinPolicies returns fresh copies of the built-in policies.
func BuiltinPolicies() []Policy {
	return []Policy{
		healthyOnlyPolicy(),
		endpointsAllocatedPolicy(),
		interactiveOnlyPolicy(),
		notLockedPolicy(),
	}
}

func healthyOnlyPolicy() Policy {
	return Policy{
		Name:        HealthyOnly,
		Description: "Denies commands while the resource is not healthy",
		Enabled:     true,
		Tags:        []string{"health"},
		Rego: `package stackwire.enablement.healthy_only

deny contains msg if {
	input.resource.health != "healthy"
	msg := sprintf("resource %s is %s", [input.resource.name, input.resource.health])
}
`,
	}
}

func endpointsAllocatedPolicy() Policy {
	return Policy{
		Name:        EndpointsAllocated,
		Description: "Denies commands until every endpoint of the resource is allocated",
		Enabled:     true,
		Tags:        []string{"network"},
		Rego: `package stackwire.enablement.endpoints_allocated

deny contains msg if {
	input.resource.context == "interactive"
	some ep in input.resource.endpoints
	not ep.allocated
	msg := sprintf("endpoint %s.%s is not allocated", [input.resource.name, ep.name])
}
`,
	}
}

func interactiveOnlyPolicy() Policy {
	return Policy{
		Name:        InteractiveOnly,
		Description: "Denies commands on resources composed for publishing",
		Enabled:     true,
		Tags:        []string{"context"},
		Rego: `package stackwire.enablement.interactive_only

deny contains msg if {
	input.resource.context == "publish"
	msg := sprintf("resource %s was composed for publishing", [input.resource.name])
}
`,
	}
}

func notLockedPolicy() Policy {
	return Policy{
		Name:        NotLocked,
		Description: "Denies commands on resources whose metadata marks them locked",
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package stackwire.enablement.not_locked

deny contains msg if {
	input.resource.metadata["` + LockedMetadataKey + `"] == "true"
	msg := sprintf("resource %s is locked", [input.resource.name])
}
`,
	}
}
