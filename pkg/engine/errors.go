package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass decides whether and how a failed operation is retried.
type ErrorClass string

const (
	// ErrorClassTransient may succeed on retry, e.g. a container still
	// pulling its image.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassThrottled is retried with a longer backoff.
	ErrorClassThrottled ErrorClass = "throttled"
	// ErrorClassConflict is a state clash such as a double allocation.
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassPermanent is never retried.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is the classified error carried across package boundaries.
// Use Classify to turn any error into one.
// nolint:revive // stutters with the package name, kept for readability at call sites
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		b.WriteString(" (resource=" + e.Resource)
		if e.Operation != "" {
			b.WriteString(", operation=" + e.Operation)
		}
		b.WriteByte(')')
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another *EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func newEngineError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

func NewTransientError(message string, err error) *EngineError {
	return newEngineError(ErrorClassTransient, message, err)
}

func NewThrottledError(message string, err error) *EngineError {
	return newEngineError(ErrorClassThrottled, message, err)
}

func NewConflictError(message string, err error) *EngineError {
	return newEngineError(ErrorClassConflict, message, err)
}

func NewPermanentError(message string, err error) *EngineError {
	return newEngineError(ErrorClassPermanent, message, err)
}

// The With methods set a field in place and return e for chaining.

func (e *EngineError) WithResource(name string) *EngineError { e.Resource = name; return e }

func (e *EngineError) WithOperation(op string) *EngineError { e.Operation = op; return e }

func (e *EngineError) WithCode(code string) *EngineError { e.Code = code; return e }

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

func IsTransient(err error) bool { return classOf(err) == ErrorClassTransient }
func IsThrottled(err error) bool { return classOf(err) == ErrorClassThrottled }
func IsConflict(err error) bool  { return classOf(err) == ErrorClassConflict }

// IsRetryable reports whether the scheduler should try again: every class
// except permanent, and never an unclassified error.
func IsRetryable(err error) bool {
	switch classOf(err) {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	}
	return false
}

// Error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeStartFailed        = "START_FAILED"
	ErrCodeDependencyFailed   = "DEPENDENCY_FAILED"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodeDuplicateResource  = "DUPLICATE_RESOURCE"
	ErrCodeDuplicateCommand   = "DUPLICATE_COMMAND"
	ErrCodeUnresolvedEndpoint = "UNRESOLVED_ENDPOINT"
	ErrCodeBindingEvaluation  = "BINDING_EVALUATION"
	ErrCodeEndpointConflict   = "ENDPOINT_CONFLICT"
	ErrCodeCommandFailed      = "COMMAND_FAILED"
)

// DuplicateResourceError is returned when a resource name is added twice.
type DuplicateResourceError struct {
	Name string
}

func (e *DuplicateResourceError) Error() string {
	return fmt.Sprintf("resource %q already exists", e.Name)
}

// DuplicateCommandError is returned when a command name is registered twice on one resource.
type DuplicateCommandError struct {
	Resource string
	Command  string
}

func (e *DuplicateCommandError) Error() string {
	return fmt.Sprintf("command %q already registered on resource %q", e.Command, e.Resource)
}

// UnresolvedEndpointError is returned when an endpoint is rendered before it was allocated.
type UnresolvedEndpointError struct {
	Ref EndpointRef

	// Reason is set when the owning resource failed to start or does not exist.
	Reason string
}

func (e *UnresolvedEndpointError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("endpoint %s is not allocated: %s", e.Ref, e.Reason)
	}
	return fmt.Sprintf("endpoint %s is not allocated", e.Ref)
}

// EndpointConflictError is returned when an allocated endpoint is allocated again with a different value.
type EndpointConflictError struct {
	Ref      EndpointRef
	Existing Allocation
	Proposed Allocation
}

func (e *EndpointConflictError) Error() string {
	return fmt.Sprintf("endpoint %s already allocated to %s, refusing %s",
		e.Ref, e.Existing.Authority(), e.Proposed.Authority())
}

// BindingEvaluationError wraps a failure raised by a deferred evaluator.
type BindingEvaluationError struct {
	Resource   string
	Annotation string
	Err        error
}

func (e *BindingEvaluationError) Error() string {
	return fmt.Sprintf("evaluating %s on resource %s: %v", e.Annotation, e.Resource, e.Err)
}

func (e *BindingEvaluationError) Unwrap() error {
	return e.Err
}

// CommandExecutionFailure describes a failed command execution.
// It is carried inside a command result and never raised as a fault.
type CommandExecutionFailure struct {
	Resource string
	Command  string
	Message  string
	Err      error
}

func (e *CommandExecutionFailure) Error() string {
	return fmt.Sprintf("command %s on %s failed: %s", e.Command, e.Resource, e.Message)
}

func (e *CommandExecutionFailure) Unwrap() error {
	return e.Err
}

// Classify maps any engine error onto the classified EngineError model.
func Classify(err error) *EngineError {
	if err == nil {
		return nil
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}

	var (
		dupRes     *DuplicateResourceError
		dupCmd     *DuplicateCommandError
		unresolved *UnresolvedEndpointError
		conflict   *EndpointConflictError
		binding    *BindingEvaluationError
		cmdFail    *CommandExecutionFailure
	)

	switch {
	case errors.As(err, &dupRes):
		return NewPermanentError("duplicate resource", err).
			WithCode(ErrCodeDuplicateResource).WithResource(dupRes.Name)
	case errors.As(err, &dupCmd):
		return NewPermanentError("duplicate command", err).
			WithCode(ErrCodeDuplicateCommand).WithResource(dupCmd.Resource).
			WithDetail("command", dupCmd.Command)
	case errors.As(err, &conflict):
		return NewConflictError("endpoint allocation conflict", err).
			WithCode(ErrCodeEndpointConflict).WithResource(conflict.Ref.Resource)
	case errors.As(err, &unresolved):
		return NewPermanentError("unresolved endpoint", err).
			WithCode(ErrCodeUnresolvedEndpoint).WithResource(unresolved.Ref.Resource)
	case errors.As(err, &binding):
		return NewPermanentError("binding evaluation failed", err).
			WithCode(ErrCodeBindingEvaluation).WithResource(binding.Resource).
			WithDetail("annotation", binding.Annotation)
	case errors.As(err, &cmdFail):
		return NewPermanentError("command failed", err).
			WithCode(ErrCodeCommandFailed).WithResource(cmdFail.Resource)
	default:
		return NewPermanentError("operation failed", err).WithCode(ErrCodeInternal)
	}
}

// CodeOf returns the error code of err, or an empty string.
func CodeOf(err error) string {
	if c := Classify(err); c != nil {
		return c.Code
	}
	return ""
}
