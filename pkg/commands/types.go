package commands

import (
	"context"
	"time"

	"github.com/openfroyo/stackwire/pkg/engine"
)

// State is the enablement of a command at query time.
type State string

const (
	// StateEnabled means the command's preconditions hold.
	StateEnabled State = "enabled"

	// StateDisabled means the preconditions do not hold or the command is unknown.
	StateDisabled State = "disabled"
)

// Status is the outcome of an execution.
type Status string

const (
	// StatusSuccess marks a completed execution.
	StatusSuccess Status = "success"

	// StatusFailure marks a failed, cancelled or panicking execution.
	StatusFailure Status = "failure"
)

// Result is what a caller observes after executing a command.
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`

	// ExecutionID identifies the execution; set by the registry.
	ExecutionID string `json:"execution_id,omitempty"`

	// Duration is set by the registry.
	Duration time.Duration `json:"duration,omitempty"`

	// Err is the failure cause, always a *engine.CommandExecutionFailure once
	// the registry has handled the result.
	Err error `json:"-"`
}

// Succeeded reports whether the result is a success.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Success returns a successful result with an optional message.
func Success(message string) Result {
	return Result{Status: StatusSuccess, Message: message}
}

// Failure returns a failed result.
func Failure(message string) Result {
	return Result{Status: StatusFailure, Message: message}
}

// FailureFrom returns a failed result carrying err.
func FailureFrom(err error) Result {
	return Result{Status: StatusFailure, Message: err.Error(), Err: err}
}

// Invocation is what an executor receives.
type Invocation struct {
	Resource    string
	Command     string
	ExecutionID string

	// Snapshot is the resource state at the time of the call.
	Snapshot engine.Snapshot

	// Registry lets composite executors invoke other commands.
	Registry *Registry
}

// Executor performs a command. It must honor ctx for blocking calls.
type Executor func(ctx context.Context, inv Invocation) Result

// Func adapts an error-returning function to an Executor.
func Func(fn func(ctx context.Context, inv Invocation) error) Executor {
	return func(ctx context.Context, inv Invocation) Result {
		if err := fn(ctx, inv); err != nil {
			return FailureFrom(err)
		}
		return Success("")
	}
}

// Predicate decides enablement from a snapshot. It must be pure and must not block.
type Predicate func(snapshot engine.Snapshot) bool

// Command is a named operation attached to a resource.
type Command struct {
	Name        string
	DisplayName string
	Executor    Executor

	// Enablement defaults to Always.
	Enablement Predicate

	// ConfirmationText is advisory metadata for the caller.
	ConfirmationText string
	Description      string
	IconName         string
}

// Info is the serializable description of a registered command.
type Info struct {
	Resource         string `json:"resource"`
	Name             string `json:"name"`
	DisplayName      string `json:"display_name"`
	ConfirmationText string `json:"confirmation_text,omitempty"`
	Description      string `json:"description,omitempty"`
	IconName         string `json:"icon_name,omitempty"`
	State            State  `json:"state"`
}

// Execution is the journal record of one execution. State is the enablement
// the command had when it ran.
type Execution struct {
	ID          string        `json:"id"`
	Resource    string        `json:"resource"`
	Command     string        `json:"command"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	State       State         `json:"state"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// ExecutionJournal records executions.
type ExecutionJournal interface {
	RecordExecution(ctx context.Context, exec *Execution) error
}

// SnapshotSource provides resource snapshots. *engine.Graph implements it.
type SnapshotSource interface {
	Snapshot(name string) (engine.Snapshot, error)
}
