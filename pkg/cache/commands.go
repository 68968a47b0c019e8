package cache

import (
	"context"

	"github.com/openfroyo/stackwire/pkg/commands"
)

const (
	// ClearCommandName is the name of the flush command.
	ClearCommandName = "clear"

	// PingCommandName is the name of the connectivity command.
	PingCommandName = "ping"
)

// ClearCommand flushes the cache. It is enabled while the resource is healthy.
func ClearCommand(f Flusher) commands.Command {
	return commands.Command{
		Name:             ClearCommandName,
		DisplayName:      "Clear cache",
		Description:      "Removes every key from the cache",
		ConfirmationText: "Are you sure you want to clear the cache?",
		IconName:         "AnimalRabbitOff",
		Enablement:       commands.HealthyOnly,
		Executor: func(ctx context.Context, inv commands.Invocation) commands.Result {
			if err := f.Flush(ctx); err != nil {
				return commands.FailureFrom(err)
			}
			return commands.Success("cache cleared")
		},
	}
}

// PingCommand checks connectivity. It is always enabled.
func PingCommand(f Flusher) commands.Command {
	return commands.Command{
		Name:        PingCommandName,
		DisplayName: "Ping",
		Description: "Checks that the cache answers",
		Executor: commands.Func(func(ctx context.Context, inv commands.Invocation) error {
			return f.Ping(ctx)
		}),
	}
}

// Register attaches the cache commands to resource.
func Register(r *commands.Registry, resource string, f Flusher) error {
	if err := r.Register(resource, ClearCommand(f)); err != nil {
		return err
	}
	return r.Register(resource, PingCommand(f))
}
