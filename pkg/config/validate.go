package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	_ = v.RegisterValidation("resource_name", func(fl validator.FieldLevel) bool {
		return namePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("endpoint_ref", func(fl validator.FieldLevel) bool {
		_, _, err := ParseRef(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

func (p *Parser) validateStruct(comp *Composition) ValidationErrors {
	err := p.validator.Struct(comp)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{Message: err.Error()}}
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:    fieldPath(comp, fe.Namespace()),
			Message: describe(fe),
		})
	}
	return out
}

// fieldPath rewrites "Composition.Resources[2].endpoints[0].port" into
// "resources.<name>.endpoints[0].port".
func fieldPath(comp *Composition, namespace string) string {
	path := strings.TrimPrefix(namespace, "Composition.")
	if !strings.HasPrefix(path, "Resources[") {
		return path
	}
	end := strings.Index(path, "]")
	var idx int
	if _, err := fmt.Sscanf(path[len("Resources["):end], "%d", &idx); err != nil || idx >= len(comp.Resources) {
		return path
	}
	return "resources." + comp.Resources[idx].Name + path[end+1:]
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "resource_name":
		return fmt.Sprintf("%q must start with a letter and contain only letters, digits, '-' and '_'", fe.Value())
	case "endpoint_ref":
		return fmt.Sprintf("%q must have the form resource.endpoint", fe.Value())
	case "duration":
		return fmt.Sprintf("%q is not a duration", fe.Value())
	case "gte", "lte":
		return fmt.Sprintf("must be %s %s", map[string]string{"gte": ">=", "lte": "<="}[fe.Tag()], fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// checkReferences validates every name that points at another part of the
// composition.
func checkReferences(comp *Composition) ValidationErrors {
	var errs ValidationErrors
	add := func(path, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	commandsOf := make(map[string]map[string]bool, len(comp.Resources))
	for _, rc := range comp.Resources {
		names := make(map[string]bool, len(rc.Commands))
		for _, cmd := range rc.Commands {
			names[cmd.Name] = true
		}
		commandsOf[rc.Name] = names
	}

	hasEndpoint := func(resource, endpoint string) bool {
		rc, ok := comp.Resource(resource)
		if !ok {
			return false
		}
		_, ok = rc.Endpoint(endpoint)
		return ok
	}

	for _, rc := range comp.Resources {
		base := "resources." + rc.Name

		for _, dep := range rc.DependsOn {
			if dep == rc.Name {
				add(base+".depends_on", "resource cannot depend on itself")
			} else if _, ok := comp.Resource(dep); !ok {
				add(base+".depends_on", "unknown resource %q", dep)
			}
		}

		seen := make(map[string]bool, len(rc.Endpoints))
		for i, ep := range rc.Endpoints {
			if seen[ep.Name] {
				add(fmt.Sprintf("%s.endpoints[%d]", base, i), "duplicate endpoint %q", ep.Name)
			}
			seen[ep.Name] = true
			if ep.Static() && rc.Kind == KindParameter {
				add(fmt.Sprintf("%s.endpoints[%d]", base, i), "parameters have no endpoints")
			}
		}

		for i, b := range rc.Bindings {
			for _, ref := range b.Inputs {
				res, ep, err := ParseRef(ref)
				if err != nil {
					continue
				}
				if !hasEndpoint(res, ep) {
					add(fmt.Sprintf("%s.bindings[%d]", base, i), "input %q is not a declared endpoint", ref)
				}
			}
		}

		if agg := rc.Aggregator; agg != nil {
			for i, t := range agg.Targets {
				path := fmt.Sprintf("%s.aggregator.targets[%d]", base, i)
				if t.Resource == rc.Name {
					add(path, "an aggregator cannot monitor itself")
				} else if _, ok := comp.Resource(t.Resource); !ok {
					add(path, "unknown resource %q", t.Resource)
				}
			}
		}

		if h := rc.Health; h != nil && !hasEndpoint(rc.Name, h.Endpoint) {
			add(base+".health", "endpoint %q is not declared", h.Endpoint)
		}

		if c := rc.Cache; c != nil {
			if c.Address == "" && c.Endpoint == "" {
				add(base+".cache", "either address or endpoint is required")
			}
			if c.Endpoint != "" && !hasEndpoint(rc.Name, c.Endpoint) {
				add(base+".cache", "endpoint %q is not declared", c.Endpoint)
			}
		}

		names := make(map[string]bool, len(rc.Commands))
		for i, cmd := range rc.Commands {
			path := fmt.Sprintf("%s.commands[%d]", base, i)
			if names[cmd.Name] {
				add(path, "duplicate command %q", cmd.Name)
			}
			names[cmd.Name] = true

			switch cmd.Type {
			case CommandCacheClear, CommandCachePing:
				if rc.Cache == nil {
					add(path, "%s commands need a cache block", cmd.Type)
				}
			case CommandHTTP:
				if !hasEndpoint(rc.Name, cmd.Endpoint) {
					add(path, "endpoint %q is not declared", cmd.Endpoint)
				}
			case CommandComposite:
				for _, step := range cmd.Steps {
					if step.Resource == rc.Name && step.Command == cmd.Name {
						add(path, "composite command cannot invoke itself")
					} else if !commandsOf[step.Resource][step.Command] {
						add(path, "unknown step %s/%s", step.Resource, step.Command)
					}
				}
			}
		}
	}
	return append(errs, compositeCycles(comp)...)
}

type commandNode struct {
	resource string
	command  string
}

func (n commandNode) String() string { return n.resource + "/" + n.command }

// compositeCycles reports every loop formed by composite steps, once per
// back edge. Direct self-invocation is reported by checkReferences.
func compositeCycles(comp *Composition) ValidationErrors {
	steps := make(map[commandNode][]commandNode)
	paths := make(map[commandNode]string)
	var order []commandNode
	for _, rc := range comp.Resources {
		for i, cmd := range rc.Commands {
			n := commandNode{rc.Name, cmd.Name}
			if cmd.Type != CommandComposite {
				continue
			}
			if _, dup := paths[n]; dup {
				continue
			}
			paths[n] = fmt.Sprintf("resources.%s.commands[%d]", rc.Name, i)
			order = append(order, n)
			for _, step := range cmd.Steps {
				if next := (commandNode{step.Resource, step.Command}); next != n {
					steps[n] = append(steps[n], next)
				}
			}
		}
	}

	const (
		unvisited = iota
		active
		finished
	)
	var (
		errs  ValidationErrors
		state = make(map[commandNode]int, len(order))
		stack []commandNode
		visit func(n commandNode)
	)
	visit = func(n commandNode) {
		state[n] = active
		stack = append(stack, n)
		for _, next := range steps[n] {
			switch state[next] {
			case unvisited:
				visit(next)
			case active:
				start := len(stack) - 1
				for stack[start] != next {
					start--
				}
				names := make([]string, 0, len(stack)-start+1)
				for _, m := range stack[start:] {
					names = append(names, m.String())
				}
				names = append(names, next.String())
				errs = append(errs, ValidationError{
					Path:    paths[next],
					Message: "composite steps form a cycle: " + strings.Join(names, " -> "),
				})
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = finished
	}
	for _, n := range order {
		if state[n] == unvisited {
			visit(n)
		}
	}
	return errs
}
