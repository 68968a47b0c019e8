package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/openfroyo/stackwire/pkg/engine"
)

// DefaultStarlarkTimeout bounds a single script execution.
const DefaultStarlarkTimeout = 2 * time.Second

// maxExecutionSteps stops runaway scripts even without a deadline.
const maxExecutionSteps = 1_000_000

// fileOptions allow top-level if/for so short scripts need no function.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// BindingValue is the global a binding script must assign.
const BindingValue = "value"

// StarlarkResult is the outcome of a script execution.
type StarlarkResult struct {
	// Output holds the public globals defined by the script.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`
}

// StarlarkEvaluator executes Starlark scripts in a sandbox: no load(), no
// print output, bounded steps and time.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator. A zero timeout uses DefaultStarlarkTimeout.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultStarlarkTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Check reports syntax errors in script without running it.
func (se *StarlarkEvaluator) Check(script string) error {
	if _, err := fileOptions.Parse("binding.star", script, 0); err != nil {
		return fmt.Errorf("starlark syntax error: %w", err)
	}
	return nil
}

// Evaluate executes script with input as predeclared globals.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	started := time.Now()

	predeclared := starlark.StringDict{"struct": starlark.NewBuiltin("struct", starlarkstruct.Make)}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	thread := &starlark.Thread{
		Name:  "stackwire",
		Print: func(*starlark.Thread, string) {},
		Load: func(*starlark.Thread, string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load is not allowed")
		},
	}
	thread.SetMaxExecutionSteps(maxExecutionSteps)

	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(fmt.Sprintf("execution timeout after %v", se.timeout))
		case <-done:
		}
	}()

	globals, err := starlark.ExecFileOptions(fileOptions, thread, "binding.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if name == "" || name[0] == '_' {
			continue
		}
		if _, isFunc := val.(starlark.Callable); isFunc {
			continue
		}
		gv, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = gv
	}

	return &StarlarkResult{Output: output, ExecutionTime: time.Since(started)}, nil
}

// BindingEvaluator turns a scripted binding into a deferred engine evaluator.
//
// The script sees two globals: mode ("interactive" or "publish") and
// endpoints, a dict keyed by "resource.endpoint" whose values carry scheme,
// host, port, url and expression. In publish mode host and port are None and
// url equals expression. The script must assign a string to value; the
// result is symbolic in publish mode.
func (se *StarlarkEvaluator) BindingEvaluator(owner string, b BindingConfig) (engine.Evaluator, error) {
	if err := se.Check(b.Script); err != nil {
		return engine.Evaluator{}, err
	}

	inputs := make([]engine.EndpointRef, 0, len(b.Inputs))
	for _, ref := range b.Inputs {
		res, ep, err := ParseRef(ref)
		if err != nil {
			return engine.Evaluator{}, err
		}
		inputs = append(inputs, engine.EndpointRef{Resource: res, Endpoint: ep})
	}

	return engine.Evaluator{
		Inputs: inputs,
		Fn: func(in engine.EvalInput) (engine.Value, error) {
			endpoints := make(map[string]interface{}, len(inputs))
			for _, ref := range inputs {
				resolved, err := in.Endpoint(ref)
				if err != nil {
					return engine.Value{}, err
				}
				endpoints[ref.String()] = endpointDict(resolved, in.Context)
			}

			result, err := se.Evaluate(context.Background(), b.Script, map[string]interface{}{
				"mode":      string(in.Context),
				"endpoints": endpoints,
			})
			if err != nil {
				return engine.Value{}, fmt.Errorf("binding %s on %s: %w", b.Name, owner, err)
			}

			raw, ok := result.Output[BindingValue]
			if !ok {
				return engine.Value{}, fmt.Errorf("binding %s on %s: script did not assign %q", b.Name, owner, BindingValue)
			}
			text, ok := raw.(string)
			if !ok {
				return engine.Value{}, fmt.Errorf("binding %s on %s: %q must be a string, got %T", b.Name, owner, BindingValue, raw)
			}
			if in.Context.IsPublish() {
				return engine.Expression(text), nil
			}
			return engine.Literal(text), nil
		},
	}, nil
}

func endpointDict(ep engine.ResolvedEndpoint, ec engine.ExecutionContext) map[string]interface{} {
	expression := engine.PublishExpression(ep.Ref, "url")
	d := map[string]interface{}{
		"scheme":     ep.Scheme,
		"host":       nil,
		"port":       nil,
		"url":        expression,
		"expression": expression,
	}
	if !ec.IsPublish() && ep.Allocation != nil {
		d["host"] = ep.Allocation.Host
		d["port"] = ep.Allocation.Port
		if urls, err := ep.URL("", ec, engine.NetworkView{}); err == nil {
			d["url"] = urls[0].Text
		}
	}
	return d
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		items := make([]starlark.Value, len(val))
		for i, s := range val {
			items[i] = starlark.String(s)
		}
		return starlark.NewList(items), nil
	case []interface{}:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		// Sorted keys keep dict iteration order deterministic.
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		dict.Freeze()
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = gv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			gv, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = gv
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			gv, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = gv
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
