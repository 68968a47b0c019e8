package commands

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stackwire/pkg/engine"
)

func TestComposite_AggregatesFailures(t *testing.T) {
	g := newGraph(t, "cache", "sessions", "ops")
	r := NewRegistry(g)

	var order []string
	record := func(name string, result Result) Executor {
		return func(ctx context.Context, inv Invocation) Result {
			order = append(order, name)
			return result
		}
	}

	require.NoError(t, r.Register("cache", Command{Name: "clear", Executor: record("cache", Failure("READONLY"))}))
	require.NoError(t, r.Register("sessions", Command{Name: "clear", Executor: func(ctx context.Context, inv Invocation) Result {
		order = append(order, "sessions")
		panic("boom")
	}}))
	require.NoError(t, r.Register("ops", Command{Name: "notify", Executor: record("notify", Success(""))}))
	require.NoError(t, r.Register("ops", Command{
		Name: "reset-all",
		Executor: Composite(
			Step{Resource: "cache", Command: "clear"},
			Step{Resource: "sessions", Command: "clear"},
			Step{Resource: "ops", Command: "notify"},
		),
	}))

	result := r.Execute(context.Background(), "ops", "reset-all")

	assert.Equal(t, StatusFailure, result.Status)
	assert.Equal(t, []string{"cache", "sessions", "notify"}, order, "steps run in order and never abort early")
	assert.Contains(t, result.Message, "2 of 3 steps failed")
	assert.Contains(t, result.Message, "cache/clear: READONLY")
	assert.Contains(t, result.Message, "sessions/clear: panic: boom")
}

func TestComposite_AllSucceed(t *testing.T) {
	g := newGraph(t, "ops")
	r := NewRegistry(g)
	require.NoError(t, r.Register("ops", Command{Name: "a", Executor: succeed("")}))
	require.NoError(t, r.Register("ops", Command{Name: "b", Executor: succeed("")}))
	require.NoError(t, r.Register("ops", Command{Name: "both", Executor: Composite(
		Step{Resource: "ops", Command: "a"},
		Step{Resource: "ops", Command: "b"},
	)}))

	result := r.Execute(context.Background(), "ops", "both")
	assert.True(t, result.Succeeded())
	assert.Equal(t, "2 steps succeeded", result.Message)
}

func TestComposite_SelfReference(t *testing.T) {
	g := newGraph(t, "ops")
	r := NewRegistry(g)
	require.NoError(t, r.Register("ops", Command{Name: "loop", Executor: Composite(Step{Resource: "ops", Command: "loop"})}))

	result := r.Execute(context.Background(), "ops", "loop")
	assert.Equal(t, StatusFailure, result.Status)
	assert.Contains(t, result.Message, "cannot invoke itself")
}

func TestComposite_IndirectCycle(t *testing.T) {
	g := newGraph(t, "ops")
	r := NewRegistry(g)
	require.NoError(t, r.Register("ops", Command{Name: "a", Executor: Composite(Step{Resource: "ops", Command: "b"})}))
	require.NoError(t, r.Register("ops", Command{Name: "b", Executor: Composite(Step{Resource: "ops", Command: "a"})}))

	done := make(chan Result, 1)
	go func() { done <- r.Execute(context.Background(), "ops", "a") }()

	select {
	case result := <-done:
		assert.Equal(t, StatusFailure, result.Status)
		assert.Contains(t, result.Message, "cycle: ops/a -> ops/b -> ops/a")

		var cmdErr *engine.CommandExecutionFailure
		require.ErrorAs(t, result.Err, &cmdErr)
		assert.Equal(t, "a", cmdErr.Command)
	case <-time.After(5 * time.Second):
		t.Fatal("mutually recursive composites did not return")
	}

	// The inner command fails the same way when it is the entry point.
	result := r.Execute(context.Background(), "ops", "b")
	assert.Contains(t, result.Message, "cycle: ops/b -> ops/a -> ops/b")
}

func TestExecute_StepAlreadyOnCallChain(t *testing.T) {
	g := newGraph(t, "ops")
	r := NewRegistry(g)

	var ran bool
	require.NoError(t, r.Register("ops", Command{Name: "a", Executor: func(ctx context.Context, inv Invocation) Result {
		ran = true
		return Success("")
	}}))

	ctx := withCall(withCall(withCall(context.Background(), "ops/top"), "ops/a"), "ops/b")
	result := r.Execute(ctx, "ops", "a")

	assert.False(t, ran, "a command already executing is not run again")
	assert.Equal(t, "cycle: ops/a -> ops/b -> ops/a", result.Message)
	assert.Equal(t, engine.ErrCodeCycleDetected, engine.CodeOf(result.Err))
}

func TestComposite_NestedWithoutCycle(t *testing.T) {
	g := newGraph(t, "ops", "cache")
	r := NewRegistry(g)

	var leafRuns int
	require.NoError(t, r.Register("cache", Command{Name: "clear", Executor: func(ctx context.Context, inv Invocation) Result {
		leafRuns++
		return Success("")
	}}))
	require.NoError(t, r.Register("ops", Command{Name: "left", Executor: Composite(Step{Resource: "cache", Command: "clear"})}))
	require.NoError(t, r.Register("ops", Command{Name: "right", Executor: Composite(Step{Resource: "cache", Command: "clear"})}))
	require.NoError(t, r.Register("ops", Command{Name: "both", Executor: Composite(
		Step{Resource: "ops", Command: "left"},
		Step{Resource: "ops", Command: "right"},
	)}))
	require.NoError(t, r.Register("ops", Command{Name: "top", Executor: Composite(Step{Resource: "ops", Command: "both"})}))

	result := r.Execute(context.Background(), "ops", "top")
	assert.True(t, result.Succeeded(), result.Message)
	assert.Equal(t, 2, leafRuns, "a command shared by sibling steps is not a cycle")
}

func TestPredicates(t *testing.T) {
	healthy := engine.Snapshot{Health: engine.HealthHealthy, Metadata: map[string]string{"tier": "cache"}}
	unhealthy := engine.Snapshot{Health: engine.HealthUnhealthy}
	unknown := engine.Snapshot{Health: engine.HealthUnknown}

	assert.True(t, HealthyOnly(healthy))
	assert.False(t, HealthyOnly(unhealthy))
	assert.False(t, HealthyOnly(unknown))

	assert.True(t, Always(unhealthy))
	assert.True(t, Not(HealthyOnly)(unhealthy))
	assert.True(t, All(HealthyOnly, MetadataEquals("tier", "cache"))(healthy))
	assert.False(t, All(HealthyOnly, MetadataEquals("tier", "db"))(healthy))
}
