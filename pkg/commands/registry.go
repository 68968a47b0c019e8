// Package commands attaches named, gated operations to resources and runs
// them without letting a failure escape as a fault.
package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/stackwire/pkg/engine"
	"github.com/openfroyo/stackwire/pkg/telemetry"
)

// Option configures a Registry.
type Option func(*Registry)

// WithTelemetry enables logging, spans, metrics and events for executions.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(r *Registry) {
		r.tel = tel
		r.logger = tel.Logger.NewComponentLogger("commands")
	}
}

// WithJournal records every execution.
func WithJournal(j ExecutionJournal) Option {
	return func(r *Registry) {
		r.journal = j
	}
}

// Registry holds the commands of every resource.
type Registry struct {
	source  SnapshotSource
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
	journal ExecutionJournal

	mu       sync.RWMutex
	commands map[string]map[string]Command
	order    map[string][]string
}

// NewRegistry creates a registry reading snapshots from source.
func NewRegistry(source SnapshotSource, opts ...Option) *Registry {
	r := &Registry{
		source:   source,
		tel:      telemetry.NewNopTelemetry(),
		logger:   telemetry.NewNopLogger(),
		commands: make(map[string]map[string]Command),
		order:    make(map[string][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register attaches cmd to resource.
func (r *Registry) Register(resource string, cmd Command) error {
	if cmd.Name == "" {
		return engine.NewPermanentError("command name is empty", nil).
			WithCode(engine.ErrCodeValidation).WithResource(resource)
	}
	if cmd.Executor == nil {
		return engine.NewPermanentError(fmt.Sprintf("command %q has no executor", cmd.Name), nil).
			WithCode(engine.ErrCodeValidation).WithResource(resource)
	}
	if _, err := r.source.Snapshot(resource); err != nil {
		return fmt.Errorf("register command %s: %w", cmd.Name, err)
	}
	if cmd.DisplayName == "" {
		cmd.DisplayName = cmd.Name
	}
	if cmd.Enablement == nil {
		cmd.Enablement = Always
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byName, ok := r.commands[resource]
	if !ok {
		byName = make(map[string]Command)
		r.commands[resource] = byName
	}
	if _, exists := byName[cmd.Name]; exists {
		return &engine.DuplicateCommandError{Resource: resource, Command: cmd.Name}
	}
	byName[cmd.Name] = cmd
	r.order[resource] = append(r.order[resource], cmd.Name)
	return nil
}

// Command looks up a registered command.
func (r *Registry) Command(resource, name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[resource][name]
	return cmd, ok
}

// Commands returns the commands of a resource in registration order, with their current state.
func (r *Registry) Commands(resource string) []Info {
	r.mu.RLock()
	names := append([]string(nil), r.order[resource]...)
	r.mu.RUnlock()

	out := make([]Info, 0, len(names))
	for _, name := range names {
		cmd, ok := r.Command(resource, name)
		if !ok {
			continue
		}
		out = append(out, Info{
			Resource:         resource,
			Name:             cmd.Name,
			DisplayName:      cmd.DisplayName,
			ConfirmationText: cmd.ConfirmationText,
			Description:      cmd.Description,
			IconName:         cmd.IconName,
			State:            r.QueryEnabled(resource, name),
		})
	}
	return out
}

// Resources returns the resources that have commands, sorted by name.
func (r *Registry) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for resource := range r.order {
		out = append(out, resource)
	}
	sort.Strings(out)
	return out
}

// QueryEnabled evaluates the command's predicate on a fresh snapshot.
// Unknown commands, missing resources and panicking predicates report Disabled.
func (r *Registry) QueryEnabled(resource, name string) (state State) {
	cmd, ok := r.Command(resource, name)
	if !ok {
		return StateDisabled
	}
	snapshot, err := r.source.Snapshot(resource)
	if err != nil {
		return StateDisabled
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithResource(resource).Warnf("Enablement predicate of %s panicked: %v", name, rec)
			state = StateDisabled
		}
	}()

	if cmd.Enablement(snapshot) {
		return StateEnabled
	}
	return StateDisabled
}

// Execute runs a command. Every error, panic and cancellation comes back as a
// Failure. Enablement is not checked; gating is up to the caller.
func (r *Registry) Execute(ctx context.Context, resource, name string) Result {
	execID := uuid.New().String()
	started := time.Now()

	ctx, span := r.tel.Tracer.StartCommandSpan(ctx, resource, name, execID)
	defer span.End()
	logger := r.logger.WithCommand(resource, name, execID)

	state := r.QueryEnabled(resource, name)
	result := r.invoke(ctx, resource, name, execID)
	result = finalize(result, resource, name)
	result.ExecutionID = execID
	result.Duration = time.Since(started)

	if result.Succeeded() {
		telemetry.RecordSuccess(span)
		logger.Info("Command succeeded")
	} else {
		telemetry.RecordError(span, result.Err)
		classified := engine.Classify(result.Err)
		r.tel.Metrics.RecordError(string(classified.Class), classified.Code)
		logger.WithError(result.Err).Warn("Command failed")
	}

	r.tel.Metrics.RecordCommandExecution(resource, name, string(result.Status), result.Duration)
	_ = r.tel.Events.PublishCommandExecuted(resource, name, execID, string(result.Status), result.Message)

	if r.journal != nil {
		record := &Execution{
			ID:          execID,
			Resource:    resource,
			Command:     name,
			Status:      result.Status,
			Message:     result.Message,
			State:       state,
			StartedAt:   started,
			CompletedAt: started.Add(result.Duration),
			Duration:    result.Duration,
		}
		if err := r.journal.RecordExecution(context.WithoutCancel(ctx), record); err != nil {
			logger.WithError(err).Warn("Failed to record command execution")
		}
	}

	return result
}

func (r *Registry) invoke(ctx context.Context, resource, name, execID string) (result Result) {
	cmd, ok := r.Command(resource, name)
	if !ok {
		return FailureFrom(engine.NewPermanentError(
			fmt.Sprintf("command %q is not registered on %s", name, resource), nil,
		).WithCode(engine.ErrCodeNotFound).WithResource(resource))
	}
	if err := ctx.Err(); err != nil {
		return FailureFrom(cancelled(err))
	}

	key := resource + "/" + name
	chain := callChain(ctx)
	for i, active := range chain {
		if active == key {
			msg := "cycle: " + strings.Join(append(append([]string(nil), chain[i:]...), key), " -> ")
			return Result{
				Status:  StatusFailure,
				Message: msg,
				Err:     engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeCycleDetected).WithResource(resource),
			}
		}
	}
	ctx = withCall(ctx, key)

	snapshot, err := r.source.Snapshot(resource)
	if err != nil {
		return FailureFrom(err)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithCommand(resource, name, execID).
				WithField("stack", string(debug.Stack())).
				Error("Command executor panicked")
			result = FailureFrom(fmt.Errorf("panic: %v", rec))
		}
	}()

	result = cmd.Executor(ctx, Invocation{
		Resource:    resource,
		Command:     name,
		ExecutionID: execID,
		Snapshot:    snapshot,
		Registry:    r,
	})

	if !result.Succeeded() && result.Err == nil {
		if err := ctx.Err(); err != nil {
			result.Err = cancelled(err)
		}
	}
	return result
}

// finalize normalizes a result: unknown statuses become failures and every
// failure carries a CommandExecutionFailure.
func finalize(result Result, resource, name string) Result {
	if result.Status != StatusSuccess && result.Status != StatusFailure {
		result.Status = StatusFailure
		if result.Message == "" {
			result.Message = "executor returned no status"
		}
	}
	if result.Succeeded() {
		result.Err = nil
		return result
	}
	if result.Message == "" && result.Err != nil {
		result.Message = result.Err.Error()
	}
	if result.Message == "" {
		result.Message = "command failed"
	}
	if _, ok := result.Err.(*engine.CommandExecutionFailure); !ok {
		result.Err = &engine.CommandExecutionFailure{
			Resource: resource,
			Command:  name,
			Message:  result.Message,
			Err:      result.Err,
		}
	}
	return result
}

func cancelled(err error) error {
	return engine.NewTransientError("execution cancelled", err).WithCode(engine.ErrCodeTimeout)
}

type callChainKey struct{}

// callChain returns the resource/command pairs executing on ctx, outermost first.
func callChain(ctx context.Context) []string {
	chain, _ := ctx.Value(callChainKey{}).([]string)
	return chain
}

func withCall(ctx context.Context, key string) context.Context {
	chain := callChain(ctx)
	next := make([]string, len(chain), len(chain)+1)
	copy(next, chain)
	return context.WithValue(ctx, callChainKey{}, append(next, key))
}
