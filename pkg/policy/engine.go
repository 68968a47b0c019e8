package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stackwire/pkg/commands"
	"github.com/openfroyo/stackwire/pkg/engine"
	"github.com/openfroyo/stackwire/pkg/telemetry"
)

// DefaultPredicateTimeout bounds a single predicate evaluation.
const DefaultPredicateTimeout = time.Second

// Engine compiles enablement policies and evaluates them against snapshots.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	events   *telemetry.EventPublisher
	timeout  time.Duration
}

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEvents publishes a policy.reloaded event after every reload.
func WithEvents(events *telemetry.EventPublisher) EngineOption {
	return func(e *Engine) { e.events = events }
}

// WithPredicateTimeout overrides DefaultPredicateTimeout.
func WithPredicateTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		timeout:  DefaultPredicateTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}

	compiled, err := compileAll(context.Background(), BuiltinPolicies())
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	e.policies = compiled

	e.logger.Debug().Int("count", len(compiled)).Msg("Built-in policies loaded")
	return e, nil
}

// Evaluate runs the named policies against snap. With no names every enabled
// policy is evaluated. Disabled policies are skipped even when named.
func (e *Engine) Evaluate(ctx context.Context, snap engine.Snapshot, names ...string) (*Decision, error) {
	started := time.Now()

	selected, err := e.selectPolicies(names)
	if err != nil {
		return nil, err
	}

	input, err := toInput(Input{Resource: snap, Timestamp: started})
	if err != nil {
		return nil, err
	}

	decision := &Decision{Allowed: true, Policies: make([]string, 0, len(selected))}
	for _, cp := range selected {
		decision.Policies = append(decision.Policies, cp.policy.Name)

		messages, err := evaluate(ctx, cp, input)
		if err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("policy %s evaluation failed", cp.policy.Name), err).
				WithResource(snap.Name).
				WithOperation("evaluate_policy")
		}
		for _, msg := range messages {
			decision.Allowed = false
			decision.Reasons = append(decision.Reasons, Reason{Policy: cp.policy.Name, Message: msg})
		}
	}
	decision.Duration = time.Since(started)

	e.logger.Debug().
		Str("resource", snap.Name).
		Bool("allowed", decision.Allowed).
		Int("reasons", len(decision.Reasons)).
		Dur("duration", decision.Duration).
		Msg("Policy evaluation completed")

	return decision, nil
}

// Predicate returns a command enablement predicate backed by the named
// policies. Evaluation errors disable the command.
func (e *Engine) Predicate(names ...string) commands.Predicate {
	return func(snap engine.Snapshot) bool {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		decision, err := e.Evaluate(ctx, snap, names...)
		if err != nil {
			e.logger.Warn().Err(err).Str("resource", snap.Name).Msg("Enablement policy failed, reporting disabled")
			return false
		}
		return decision.Allowed
	}
}

// LoadPolicies loads policy files and adds them to the built-ins.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.Replace(ctx, policies)
}

// Replace swaps the loaded policies for the built-ins plus policies. Nothing
// changes when any policy fails to compile.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	all := append(BuiltinPolicies(), policies...)
	compiled, err := compileAll(ctx, all)
	if err != nil {
		return err
	}

	e.mu.Lock()
	// Enablement toggles survive a reload.
	for name, cp := range compiled {
		if old, ok := e.policies[name]; ok && old.policy.Source == cp.policy.Source {
			cp.policy.Enabled = old.policy.Enabled
		}
	}
	e.policies = compiled
	e.mu.Unlock()

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded successfully")

	if e.events != nil {
		_ = e.events.Publish(telemetry.Event{
			Type:    telemetry.EventTypePolicyReloaded,
			Source:  "policy",
			Message: fmt.Sprintf("%d policies loaded", len(compiled)),
			Level:   telemetry.EventLevelInfo,
			Data:    map[string]interface{}{"count": len(compiled)},
		})
	}
	return nil
}

// Watch reloads policies from paths whenever a policy file changes.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	return loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.Replace(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, policyNotFound(name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return policyNotFound(name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) selectPolicies(names []string) ([]*compiledPolicy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(names) == 0 {
		names = make([]string, 0, len(e.policies))
		for name := range e.policies {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	selected := make([]*compiledPolicy, 0, len(names))
	for _, name := range names {
		cp, ok := e.policies[name]
		if !ok {
			return nil, policyNotFound(name)
		}
		if cp.policy.Enabled {
			selected = append(selected, cp)
		}
	}
	return selected, nil
}

func compileAll(ctx context.Context, policies []Policy) (map[string]*compiledPolicy, error) {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if _, dup := compiled[p.Name]; dup {
			return nil, engine.NewConflictError(fmt.Sprintf("duplicate policy %q", p.Name), nil).
				WithCode(engine.ErrCodeValidation)
		}
		cp, err := compile(ctx, &p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}
	return compiled, nil
}

func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	p.LoadedAt = time.Now()
	return &compiledPolicy{policy: p, query: query}, nil
}

func evaluate(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]string, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var messages []string
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, item := range set {
			messages = append(messages, message(item))
		}
	}
	sort.Strings(messages)
	return messages, nil
}

func message(item interface{}) string {
	switch v := item.(type) {
	case string:
		return v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", item)
}

// toInput converts through JSON so policies see the wire field names.
func toInput(in Input) (map[string]interface{}, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

func policyNotFound(name string) error {
	return engine.NewPermanentError(fmt.Sprintf("policy not found: %s", name), nil).
		WithCode(engine.ErrCodeNotFound)
}
