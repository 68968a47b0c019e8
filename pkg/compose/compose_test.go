package compose

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stackwire/pkg/commands"
	"github.com/openfroyo/stackwire/pkg/config"
	"github.com/openfroyo/stackwire/pkg/engine"
	"github.com/openfroyo/stackwire/pkg/monitor"
)

func parseShop(t *testing.T) *config.Composition {
	t.Helper()
	comp, err := config.NewParser().Parse(context.Background(), []string{"../config/testdata/shop.cue"})
	require.NoError(t, err)
	return comp
}

func newShop(t *testing.T, ec engine.ExecutionContext) *Application {
	t.Helper()
	app, err := New(context.Background(), parseShop(t), ec)
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func env(t *testing.T, app *Application, resource, key string) string {
	t.Helper()
	res, ok := app.Graph.Resource(resource)
	require.True(t, ok)
	v, ok := res.Env(key)
	require.True(t, ok, "missing %s on %s", key, resource)
	return v
}

func TestNew_BuildsGraph(t *testing.T) {
	app := newShop(t, engine.ContextInteractive)

	names := make([]string, 0)
	for _, res := range app.Graph.Resources() {
		names = append(names, res.Name())
	}
	assert.ElementsMatch(t, []string{"api", "web", "cache", "dashboard"}, names)

	web, _ := app.Graph.Resource("web")
	assert.Equal(t, []string{"api"}, web.Dependencies())

	agg, ok := app.Monitor.Aggregator("dashboard")
	require.True(t, ok)
	assert.Equal(t, "host.docker.internal", agg.View().ContainerHost)
	require.Len(t, agg.Targets(), 2)
	assert.Equal(t, "Web", agg.Targets()[1].DisplayName)

	assert.Equal(t, []string{"cache", "dashboard"}, app.Commands.Resources())
	assert.ElementsMatch(t, []string{"api", "web", "cache"}, app.Prober.Targets())
}

func TestRun_Interactive(t *testing.T) {
	app := newShop(t, engine.ContextInteractive)

	report, err := app.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, report.Run.Status)
	assert.Empty(t, report.Failures)

	assert.Equal(t, "http://localhost:8080", env(t, app, "web", "API_URL"))
	assert.Equal(t,
		"http://localhost:8080/health;http://host.docker.internal:8080/health;"+
			"http://localhost:3000/status;http://host.docker.internal:3000/status",
		env(t, app, "dashboard", monitor.DefaultURLsVariable))
	assert.Equal(t, "Web", env(t, app, "dashboard", monitor.IndexedKey(monitor.DefaultNamespace, 1, "Name")))
}

func TestRun_PublishIsSymbolic(t *testing.T) {
	app := newShop(t, engine.ContextPublish)

	_, err := app.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "{api.bindings.http.url}", env(t, app, "web", "API_URL"))

	m, err := app.Manifest()
	require.NoError(t, err)
	assert.Equal(t, "shop", m.Name)

	var cache, web bool
	for _, res := range m.Resources {
		switch res.Name {
		case "cache":
			cache = true
			assert.Equal(t, "valkey/valkey:8", res.Image)
			require.Len(t, res.Commands, 2)
			assert.Equal(t, "clear", res.Commands[0].Name)
		case "web":
			web = true
			for _, e := range res.Env {
				if e.Name == "API_URL" {
					assert.True(t, e.Expression)
				}
			}
		}
	}
	assert.True(t, cache && web)
}

func TestManifest_RejectsInteractive(t *testing.T) {
	app := newShop(t, engine.ContextInteractive)
	_, err := app.Run(context.Background())
	require.NoError(t, err)

	_, err = app.Manifest()
	assert.Equal(t, engine.ErrCodeValidation, engine.CodeOf(err))
}

func TestCommands_EnablementFollowsHealth(t *testing.T) {
	app := newShop(t, engine.ContextInteractive)

	info := app.Commands.Commands("cache")
	require.Len(t, info, 2)
	assert.Equal(t, "Clear cache", info[0].DisplayName)
	assert.Equal(t, "AnimalRabbitOff", info[0].IconName)
	assert.Equal(t, commands.StateDisabled, info[0].State)
	assert.Equal(t, commands.StateEnabled, info[1].State)

	require.NoError(t, app.Graph.SetHealth("cache", engine.HealthHealthy))
	assert.Equal(t, commands.StateEnabled, app.Commands.QueryEnabled("cache", "clear"))

	require.NoError(t, app.Graph.SetHealth("cache", engine.HealthUnhealthy))
	assert.Equal(t, commands.StateDisabled, app.Commands.QueryEnabled("cache", "clear"))
}

func TestNew_UnknownEnablementPolicy(t *testing.T) {
	comp, err := config.NewParser().ParseInline(context.Background(), `
name: "app"
resources: api: {
	kind: "process"
	endpoints: [{name: "http"}]
	commands: [{name: "go", type: "http", enablement: ["no-such-policy"]}]
}
`)
	require.NoError(t, err)

	_, err = New(context.Background(), comp, engine.ContextInteractive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api/go")
	assert.Equal(t, engine.ErrCodeValidation, engine.CodeOf(err))
}

func TestNew_RejectsInvalidContext(t *testing.T) {
	_, err := New(context.Background(), parseShop(t), engine.ExecutionContext("dry-run"))
	assert.Error(t, err)
}

func TestEnablement_Combined(t *testing.T) {
	app := newShop(t, engine.ContextInteractive)

	pred, err := app.enablement([]string{EnablementAlways, EnablementHealthy})
	require.NoError(t, err)
	assert.False(t, pred(engine.Snapshot{Health: engine.HealthUnknown}))
	assert.True(t, pred(engine.Snapshot{Health: engine.HealthHealthy}))
}

func TestHTTPCommands(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/reindex":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.NotEmpty(t, r.Header.Get("X-Stackwire-Execution"))
			fmt.Fprint(w, "reindexed")
		case "/purge":
			assert.Equal(t, http.MethodDelete, r.Method)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	comp, err := config.NewParser().ParseInline(context.Background(), fmt.Sprintf(`
name: "ops"
resources: search: {
	kind: "process"
	endpoints: [{name: "http", host: "127.0.0.1", port: %s}]
	commands: [
		{name: "reindex", type: "http", path: "/reindex"},
		{name: "purge", type: "http", method: "DELETE", path: "/purge"},
		{name: "break", type: "http", path: "/break"},
		{name: "all", type: "composite", steps: [
			{resource: "search", command: "reindex"},
			{resource: "search", command: "break"},
		]},
	]
}
`, u.Port()))
	require.NoError(t, err)

	app, err := New(context.Background(), comp, engine.ContextInteractive, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	defer app.Close()

	ctx := context.Background()

	// Nothing is allocated before the run.
	res := app.Commands.Execute(ctx, "search", "reindex")
	assert.False(t, res.Succeeded())
	assert.Equal(t, int32(0), calls.Load())

	_, err = app.Run(ctx)
	require.NoError(t, err)

	res = app.Commands.Execute(ctx, "search", "reindex")
	require.True(t, res.Succeeded(), res.Message)
	assert.Equal(t, "reindexed", res.Message)

	res = app.Commands.Execute(ctx, "search", "purge")
	require.True(t, res.Succeeded(), res.Message)
	assert.Equal(t, "204 No Content", res.Message)

	res = app.Commands.Execute(ctx, "search", "break")
	assert.False(t, res.Succeeded())
	assert.Contains(t, res.Message, "boom")

	res = app.Commands.Execute(ctx, "search", "all")
	assert.False(t, res.Succeeded())
	assert.Contains(t, res.Message, "search/break")
	assert.NotContains(t, res.Message, "search/reindex")
	assert.Equal(t, int32(5), calls.Load())
}

func TestStaticTableAndContainers(t *testing.T) {
	comp := parseShop(t)

	table := StaticTable(comp)
	alloc, ok := table.Lookup("cache", "tcp")
	require.True(t, ok)
	assert.Equal(t, engine.Allocation{Host: "localhost", Port: 6379}, alloc)

	assert.Equal(t, map[string]string{"cache": "shop-cache"}, Containers(comp))
}

func TestServe_StopsOnCancel(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	comp, err := config.NewParser().ParseInline(context.Background(), fmt.Sprintf(`
name: "probe"
resources: api: {
	kind: "process"
	endpoints: [{name: "http", host: "127.0.0.1", port: %s}]
	health: endpoint: "http"
}
`, u.Port()))
	require.NoError(t, err)

	app, err := New(context.Background(), comp, engine.ContextInteractive)
	require.NoError(t, err)
	_, err = app.Run(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	require.Eventually(t, func() bool {
		api, _ := app.Graph.Resource("api")
		return api.Health() == engine.HealthHealthy
	}, defaultWait, tick)
	cancel()
	assert.NoError(t, <-done)
	assert.Positive(t, hits.Load())
	assert.True(t, strings.HasPrefix(srv.URL, "http://127.0.0.1:"))
}

const (
	defaultWait = 5 * time.Second
	tick        = 10 * time.Millisecond
)
