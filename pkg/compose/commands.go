package compose

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openfroyo/stackwire/pkg/cache"
	"github.com/openfroyo/stackwire/pkg/commands"
	"github.com/openfroyo/stackwire/pkg/config"
	"github.com/openfroyo/stackwire/pkg/engine"
)

// Enablement names that do not go through the policy engine.
const (
	EnablementAlways  = "always"
	EnablementHealthy = "healthy"
)

func (a *Application) addCommands() error {
	for _, rc := range a.Composition.Resources {
		for _, cc := range rc.Commands {
			cmd, err := a.buildCommand(rc, cc)
			if err != nil {
				return err
			}
			if err := a.Commands.Register(rc.Name, cmd); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Application) buildCommand(rc config.ResourceConfig, cc config.CommandConfig) (commands.Command, error) {
	var cmd commands.Command

	switch cc.Type {
	case config.CommandCacheClear:
		cmd = cache.ClearCommand(a.cacheFor(rc))
	case config.CommandCachePing:
		cmd = cache.PingCommand(a.cacheFor(rc))
	case config.CommandHTTP:
		cmd = commands.Command{Executor: a.httpExecutor(rc.Name, cc)}
	case config.CommandComposite:
		steps := make([]commands.Step, 0, len(cc.Steps))
		for _, s := range cc.Steps {
			steps = append(steps, commands.Step{Resource: s.Resource, Command: s.Command})
		}
		cmd = commands.Command{Executor: commands.Composite(steps...)}
	default:
		return commands.Command{}, engine.NewPermanentError(fmt.Sprintf("unknown command type %q", cc.Type), nil).
			WithCode(engine.ErrCodeValidation).WithResource(rc.Name)
	}

	cmd.Name = cc.Name
	if cc.DisplayName != "" {
		cmd.DisplayName = cc.DisplayName
	}
	if cc.Description != "" {
		cmd.Description = cc.Description
	}
	if cc.ConfirmationText != "" {
		cmd.ConfirmationText = cc.ConfirmationText
	}
	if cc.IconName != "" {
		cmd.IconName = cc.IconName
	}
	if len(cc.Enablement) > 0 {
		pred, err := a.enablement(cc.Enablement)
		if err != nil {
			return commands.Command{}, engine.NewPermanentError(
				fmt.Sprintf("command %s/%s: %v", rc.Name, cc.Name, err), err).
				WithCode(engine.ErrCodeValidation).WithResource(rc.Name)
		}
		cmd.Enablement = pred
	}
	return cmd, nil
}

// enablement combines the named predicates. Every one must allow the command.
func (a *Application) enablement(names []string) (commands.Predicate, error) {
	preds := make([]commands.Predicate, 0, len(names))
	var policies []string
	for _, name := range names {
		switch name {
		case EnablementAlways:
			preds = append(preds, commands.Always)
		case EnablementHealthy:
			preds = append(preds, commands.HealthyOnly)
		default:
			if _, err := a.Policies.GetPolicy(name); err != nil {
				return nil, err
			}
			policies = append(policies, name)
		}
	}
	if len(policies) > 0 {
		preds = append(preds, a.Policies.Predicate(policies...))
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return commands.All(preds...), nil
}

// httpExecutor calls an endpoint of the owning resource. Any 2xx response
// is a success.
func (a *Application) httpExecutor(resource string, cc config.CommandConfig) commands.Executor {
	ref := engine.EndpointRef{Resource: resource, Endpoint: cc.Endpoint}
	method := cc.Method
	if method == "" {
		method = http.MethodPost
	}

	return func(ctx context.Context, inv commands.Invocation) commands.Result {
		url, err := a.endpointURL(ref, cc.Path)
		if err != nil {
			return commands.FailureFrom(err)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return commands.FailureFrom(err)
		}
		req.Header.Set("X-Stackwire-Execution", inv.ExecutionID)

		resp, err := a.http.Do(req)
		if err != nil {
			return commands.FailureFrom(err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		text := strings.TrimSpace(string(body))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			if text == "" {
				text = resp.Status
			}
			return commands.Failure(fmt.Sprintf("%s %s: %s", method, url, text))
		}
		if text == "" {
			text = resp.Status
		}
		return commands.Success(text)
	}
}

func (a *Application) endpointURL(ref engine.EndpointRef, path string) (string, error) {
	ep, err := a.Graph.Endpoint(ref)
	if err != nil {
		return "", err
	}
	alloc, ok := ep.Allocation()
	if !ok {
		return "", &engine.UnresolvedEndpointError{Ref: ref}
	}
	resolved := engine.ResolvedEndpoint{Ref: ref, Scheme: ep.Scheme(), Allocation: &alloc}
	urls, err := resolved.URL(path, engine.ContextInteractive, engine.NetworkView{})
	if err != nil {
		return "", err
	}
	return urls[0].Text, nil
}
