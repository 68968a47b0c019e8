package commands

import (
	"context"
	"fmt"
	"strings"
)

// Step names a command to run as part of a composite.
type Step struct {
	Resource string
	Command  string
}

// Composite returns an executor that runs steps through the registry, one
// after the other. A failing step does not stop the following ones; all
// failures are collected into one Failure message.
func Composite(steps ...Step) Executor {
	return func(ctx context.Context, inv Invocation) Result {
		if inv.Registry == nil {
			return Failure("composite command invoked without a registry")
		}

		var failures []string
		for _, step := range steps {
			if step.Resource == inv.Resource && step.Command == inv.Command {
				failures = append(failures, fmt.Sprintf("%s/%s: composite cannot invoke itself", step.Resource, step.Command))
				continue
			}
			res := inv.Registry.Execute(ctx, step.Resource, step.Command)
			if !res.Succeeded() {
				failures = append(failures, fmt.Sprintf("%s/%s: %s", step.Resource, step.Command, res.Message))
			}
		}

		if len(failures) > 0 {
			return Failure(fmt.Sprintf("%d of %d steps failed: %s",
				len(failures), len(steps), strings.Join(failures, "; ")))
		}
		return Success(fmt.Sprintf("%d steps succeeded", len(steps)))
	}
}
