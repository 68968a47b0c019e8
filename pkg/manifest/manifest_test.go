package manifest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stackwire/pkg/commands"
	"github.com/openfroyo/stackwire/pkg/engine"
	"github.com/openfroyo/stackwire/pkg/monitor"
)

func publishGraph(t *testing.T) (*engine.Graph, *commands.Registry, *engine.RunReport) {
	t.Helper()
	g := engine.NewGraph(engine.ContextPublish)
	api, err := g.AddResource("api", engine.KindProcess)
	require.NoError(t, err)
	dash, err := g.AddResource("dashboard", engine.KindContainer)
	require.NoError(t, err)
	g.DeclareEndpoint(dash, "http", "http", 80)
	dash.DependsOn("api")
	dash.SetEnv("LOG_LEVEL", "debug")
	dash.SetMetadata("team", "platform")

	registry := monitor.NewRegistry(g)
	agg := registry.AddAggregator(dash)
	_, err = registry.AddMonitoredTarget(agg, api, "http", "/health")
	require.NoError(t, err)

	cmds := commands.NewRegistry(g)
	require.NoError(t, cmds.Register("dashboard", commands.Command{
		Name:             "reset",
		DisplayName:      "Reset",
		ConfirmationText: "Really?",
		Executor:         commands.Func(func(context.Context, commands.Invocation) error { return nil }),
	}))

	coord := engine.NewCoordinator(g)
	coord.AddHook(registry.Hook())
	report, err := coord.Run(context.Background())
	require.NoError(t, err)
	return g, cmds, report
}

func TestBuild_SymbolicEnvironment(t *testing.T) {
	g, cmds, report := publishGraph(t)

	m, err := Build("shop", g,
		WithImages(map[string]string{"dashboard": "healthchecksui:5"}),
		WithCommands(cmds),
		WithReport(report))
	require.NoError(t, err)

	assert.Equal(t, Version, m.Version)
	require.Len(t, m.Resources, 2)

	dash := m.Resources[1]
	assert.Equal(t, "dashboard", dash.Name)
	assert.Equal(t, "container", dash.Kind)
	assert.Equal(t, "healthchecksui:5", dash.Image)
	assert.Equal(t, []string{"api"}, dash.DependsOn)
	assert.Equal(t, []Endpoint{{Name: "http", Scheme: "http", TargetPort: 80}}, dash.Endpoints)
	assert.Equal(t, map[string]string{"team": "platform"}, dash.Metadata)
	assert.Empty(t, dash.Unresolved)

	env := make(map[string]EnvVar)
	for _, e := range dash.Env {
		env[e.Name] = e
	}
	assert.False(t, env["LOG_LEVEL"].Expression)
	urls := env[monitor.DefaultURLsVariable]
	assert.True(t, urls.Expression)
	assert.Equal(t, "{api.bindings.http.url}/health", urls.Value)
	assert.NotContains(t, urls.Value, "://")

	require.Len(t, dash.Commands, 1)
	assert.Equal(t, "Really?", dash.Commands[0].ConfirmationText)
}

func TestBuild_RejectsInteractiveGraph(t *testing.T) {
	_, err := Build("shop", engine.NewGraph(engine.ContextInteractive))
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeValidation, engine.CodeOf(err))
}

func TestEncodeDecode(t *testing.T) {
	g, cmds, _ := publishGraph(t)
	m, err := Build("shop", g, WithCommands(cmds))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "version: stackwire/v1\n"))
	assert.Contains(t, out, "expression: true")
	assert.Contains(t, out, "{api.bindings.http.url}/health")

	decoded, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.Name, decoded.Name)
	assert.Equal(t, m.Resources, decoded.Resources)
	assert.WithinDuration(t, m.GeneratedAt, decoded.GeneratedAt, time.Second)

	_, err = Decode(strings.NewReader("version: other/v9\n"))
	assert.Error(t, err)
}

func TestWriteFile(t *testing.T) {
	g, _, _ := publishGraph(t)
	m, err := Build("shop", g)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, WriteFile(path, m))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "name: shop")
}
