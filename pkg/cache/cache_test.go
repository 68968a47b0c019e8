package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stackwire/pkg/commands"
	"github.com/openfroyo/stackwire/pkg/engine"
)

type fakeFlusher struct {
	flushes atomic.Int32
	pings   atomic.Int32
	err     error
}

func (f *fakeFlusher) Flush(ctx context.Context) error {
	f.flushes.Add(1)
	return f.err
}

func (f *fakeFlusher) Ping(ctx context.Context) error {
	f.pings.Add(1)
	return f.err
}

func setup(t *testing.T, f Flusher) (*engine.Graph, *commands.Registry) {
	t.Helper()
	g := engine.NewGraph(engine.ContextInteractive)
	_, err := g.AddResource("cache", engine.KindContainer)
	require.NoError(t, err)

	r := commands.NewRegistry(g)
	require.NoError(t, Register(r, "cache", f))
	return g, r
}

func TestClearCommand_GatedOnHealth(t *testing.T) {
	f := &fakeFlusher{}
	g, r := setup(t, f)

	require.NoError(t, g.SetHealth("cache", engine.HealthUnhealthy))
	assert.Equal(t, commands.StateDisabled, r.QueryEnabled("cache", ClearCommandName))

	// Bypassing the gate still runs the flush.
	result := r.Execute(context.Background(), "cache", ClearCommandName)
	assert.True(t, result.Succeeded())
	assert.Equal(t, int32(1), f.flushes.Load())

	require.NoError(t, g.SetHealth("cache", engine.HealthHealthy))
	assert.Equal(t, commands.StateEnabled, r.QueryEnabled("cache", ClearCommandName))
}

func TestClearCommand_ReportsFlushError(t *testing.T) {
	f := &fakeFlusher{err: errors.New("dial tcp 127.0.0.1:6379: connection refused")}
	_, r := setup(t, f)

	result := r.Execute(context.Background(), "cache", ClearCommandName)
	assert.Equal(t, commands.StatusFailure, result.Status)
	assert.Contains(t, result.Message, "connection refused")
}

func TestPingCommand(t *testing.T) {
	f := &fakeFlusher{}
	_, r := setup(t, f)

	assert.Equal(t, commands.StateEnabled, r.QueryEnabled("cache", PingCommandName))
	assert.True(t, r.Execute(context.Background(), "cache", PingCommandName).Succeeded())
	assert.Equal(t, int32(1), f.pings.Load())
}

func TestClearCommand_Metadata(t *testing.T) {
	cmd := ClearCommand(&fakeFlusher{})
	assert.Equal(t, "Clear cache", cmd.DisplayName)
	assert.NotEmpty(t, cmd.ConfirmationText)
}

func TestNewClient_RequiresAddress(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeValidation, engine.CodeOf(err))
}
