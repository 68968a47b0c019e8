package engine

// RunStatus is the state of one coordinator run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial means every phase ran but at least one resource
	// was left failed or with incomplete configuration.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal reports whether no further phase will run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return true
	}
	return false
}

// Phase is one step of the run lifecycle. Phases run in declaration order.
type Phase string

const (
	// PhaseBeforeStart wires structure: bindings, aggregator targets and
	// derived variables. Nothing is running yet.
	PhaseBeforeStart Phase = "before_start"
	// PhaseStart starts resources and waits for endpoint allocation.
	PhaseStart Phase = "start"
	// PhaseAfterEndpointsAllocated turns deferred values into literals.
	PhaseAfterEndpointsAllocated Phase = "after_endpoints_allocated"
	PhaseDone                    Phase = "done"
)

var phaseOrder = [...]Phase{PhaseBeforeStart, PhaseStart, PhaseAfterEndpointsAllocated, PhaseDone}

// Order returns the zero-based position of p, or -1 for an unknown phase.
func (p Phase) Order() int {
	for i, q := range phaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

// StartStatus is the scheduler's view of a single resource.
type StartStatus string

const (
	StartStatusPending   StartStatus = "pending"
	StartStatusRunning   StartStatus = "running"
	StartStatusStarted   StartStatus = "started"
	StartStatusFailed    StartStatus = "failed"
	StartStatusSkipped   StartStatus = "skipped" // a dependency failed
	StartStatusCancelled StartStatus = "cancelled"
)
