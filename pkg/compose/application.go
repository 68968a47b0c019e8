package compose

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/stackwire/pkg/cache"
	"github.com/openfroyo/stackwire/pkg/commands"
	"github.com/openfroyo/stackwire/pkg/config"
	"github.com/openfroyo/stackwire/pkg/engine"
	"github.com/openfroyo/stackwire/pkg/health"
	"github.com/openfroyo/stackwire/pkg/manifest"
	"github.com/openfroyo/stackwire/pkg/monitor"
	"github.com/openfroyo/stackwire/pkg/policy"
	"github.com/openfroyo/stackwire/pkg/runtime"
	"github.com/openfroyo/stackwire/pkg/telemetry"
)

// Journal records runs and command executions.
type Journal interface {
	engine.Journal
	commands.ExecutionJournal
}

// Option configures New.
type Option func(*options)

type options struct {
	tel           *telemetry.Telemetry
	starter       engine.Starter
	journal       Journal
	httpClient    *http.Client
	probeInterval time.Duration
}

// WithTelemetry sets logging, metrics, tracing and events.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.tel = tel }
}

// WithStarter replaces the static starter built from the composition.
func WithStarter(s engine.Starter) Option {
	return func(o *options) { o.starter = s }
}

// WithJournal records runs, events and command executions.
func WithJournal(j Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithHTTPClient is used by http commands and health probes.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithProbeInterval sets the time between health probe rounds.
func WithProbeInterval(d time.Duration) Option {
	return func(o *options) { o.probeInterval = d }
}

// Application is a composed stack.
type Application struct {
	Name        string
	Composition *config.Composition

	Graph       *engine.Graph
	Monitor     *monitor.Registry
	Commands    *commands.Registry
	Policies    *policy.Engine
	Prober      *health.Prober
	Coordinator *engine.Coordinator

	tel    *telemetry.Telemetry
	logger *telemetry.Logger
	http   *http.Client
	caches map[string]*cache.Lazy
}

// New builds an Application for comp in the given execution context.
// Nothing is started until Run.
func New(ctx context.Context, comp *config.Composition, ec engine.ExecutionContext, opts ...Option) (*Application, error) {
	if err := ec.Validate(); err != nil {
		return nil, err
	}

	o := &options{httpClient: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(o)
	}
	if o.tel == nil {
		o.tel = telemetry.FromTelemetryContext(ctx)
	}
	if o.tel == nil {
		o.tel = telemetry.NewNopTelemetry()
	}

	observer := telemetry.NewRunObserver(o.tel, ec)
	g := engine.NewGraph(ec, engine.WithEventPublisher(observer))

	app := &Application{
		Name:        comp.Name,
		Composition: comp,
		Graph:       g,
		Monitor:     monitor.NewRegistry(g),
		tel:         o.tel,
		logger:      o.tel.Logger.NewComponentLogger("compose"),
		http:        o.httpClient,
		caches:      make(map[string]*cache.Lazy),
	}

	cmdOpts := []commands.Option{commands.WithTelemetry(o.tel)}
	if o.journal != nil {
		cmdOpts = append(cmdOpts, commands.WithJournal(o.journal))
	}
	app.Commands = commands.NewRegistry(g, cmdOpts...)

	policies, err := policy.NewEngine(o.tel.Logger.Zerolog(), policy.WithEvents(o.tel.Events))
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(comp.Policies.Paths) > 0 {
		if err := policies.LoadPolicies(ctx, comp.Policies.Paths); err != nil {
			return nil, err
		}
	}
	app.Policies = policies

	proberOpts := []health.Option{health.WithTelemetry(o.tel), health.WithHTTPClient(o.httpClient)}
	if o.probeInterval > 0 {
		proberOpts = append(proberOpts, health.WithInterval(o.probeInterval))
	}
	app.Prober = health.NewProber(g, proberOpts...)

	if err := app.addResources(); err != nil {
		return nil, err
	}
	if err := app.addAggregators(); err != nil {
		return nil, err
	}
	bound, err := app.addBindings()
	if err != nil {
		return nil, err
	}
	if err := app.addCommands(); err != nil {
		return nil, err
	}
	app.addHealthChecks()

	starter := o.starter
	if starter == nil {
		starter = runtime.NewStaticStarter(StaticTable(comp))
	}
	coordOpts := []engine.CoordinatorOption{
		engine.WithStarter(starter, engine.StartOptions{
			MaxParallel: comp.Start.MaxParallel,
			MaxRetries:  comp.Start.MaxRetries,
			Timeout:     comp.Start.TimeoutDuration(),
		}),
		engine.WithRunEvents(observer),
	}
	if o.journal != nil {
		coordOpts = append(coordOpts, engine.WithJournal(o.journal))
	}
	app.Coordinator = engine.NewCoordinator(g, coordOpts...)
	app.Coordinator.AddHook(app.Monitor.Hook())
	app.Coordinator.AddHook(&bindingHook{resources: bound})

	app.logger.Infof("Composed %s: %d resources, %d commands", comp.Name, len(comp.Resources), app.commandCount())
	return app, nil
}

// Run runs the lifecycle once.
func (a *Application) Run(ctx context.Context) (*engine.RunReport, error) {
	return a.Coordinator.Run(ctx)
}

// Serve probes health and, when configured, watches policy files until ctx
// is cancelled.
func (a *Application) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Prober.Run(ctx)
	})
	if a.Composition.Policies.Watch && len(a.Composition.Policies.Paths) > 0 {
		g.Go(func() error {
			return a.Policies.Watch(ctx, a.Composition.Policies.Paths)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Manifest renders the publish artifact. The graph must be in publish mode
// and Run must have completed.
func (a *Application) Manifest() (*manifest.Manifest, error) {
	images := make(map[string]string)
	for _, rc := range a.Composition.Resources {
		if rc.Image != "" {
			images[rc.Name] = rc.Image
		}
	}
	return manifest.Build(a.Name, a.Graph,
		manifest.WithImages(images),
		manifest.WithCommands(a.Commands),
		manifest.WithReport(a.Coordinator.Report()))
}

func (a *Application) commandCount() int {
	n := 0
	for _, res := range a.Commands.Resources() {
		n += len(a.Commands.Commands(res))
	}
	return n
}

// Close releases cache connections.
func (a *Application) Close() {
	for _, c := range a.caches {
		c.Close()
	}
}

// StaticTable collects the static allocations declared in comp.
func StaticTable(comp *config.Composition) runtime.Table {
	table := runtime.Table{}
	for _, rc := range comp.Resources {
		for _, ep := range rc.Endpoints {
			if ep.Static() {
				table.Set(rc.Name, ep.Name, engine.Allocation{Host: ep.Host, Port: ep.Port})
			}
		}
	}
	return table
}

// Containers maps container resources to their container names.
func Containers(comp *config.Composition) map[string]string {
	out := make(map[string]string)
	for _, rc := range comp.Resources {
		if rc.Kind == config.KindContainer && rc.Container != "" {
			out[rc.Name] = rc.Container
		}
	}
	return out
}

func (a *Application) addResources() error {
	for _, rc := range a.Composition.Resources {
		res, err := a.Graph.AddResource(rc.Name, engine.ResourceKind(rc.Kind))
		if err != nil {
			return err
		}
		if len(rc.DependsOn) > 0 {
			res.DependsOn(rc.DependsOn...)
		}
		for key, value := range rc.Metadata {
			res.SetMetadata(key, value)
		}
		for _, key := range sortedKeys(rc.Env) {
			res.SetEnv(key, rc.Env[key])
		}
		for _, ep := range rc.Endpoints {
			a.Graph.DeclareEndpoint(res, ep.Name, ep.Scheme, ep.TargetPort)
		}
	}
	return nil
}

func (a *Application) addAggregators() error {
	for _, rc := range a.Composition.Resources {
		ac := rc.Aggregator
		if ac == nil {
			continue
		}
		res, _ := a.Graph.Resource(rc.Name)

		var opts []monitor.Option
		if ac.Namespace != "" {
			opts = append(opts, monitor.WithNamespace(ac.Namespace))
		}
		if ac.URLsVariable != "" {
			opts = append(opts, monitor.WithURLsVariable(ac.URLsVariable))
		}
		if ac.TargetVariable != "" {
			opts = append(opts, monitor.WithTargetVariable(ac.TargetVariable))
		}
		host := ac.ContainerHost
		if host == "" && rc.Kind == config.KindContainer {
			host = a.Composition.Network.ContainerHost
		}
		if host != "" {
			opts = append(opts, monitor.WithNetworkView(engine.NetworkView{ContainerHost: host}))
		}
		agg := a.Monitor.AddAggregator(res, opts...)

		for _, tc := range ac.Targets {
			target, ok := a.Graph.Resource(tc.Resource)
			if !ok {
				return engine.NewPermanentError(fmt.Sprintf("aggregator %s targets unknown resource %s", rc.Name, tc.Resource), nil).
					WithCode(engine.ErrCodeNotFound).WithResource(rc.Name)
			}
			var topts []monitor.TargetOption
			if tc.DisplayName != "" {
				topts = append(topts, monitor.WithDisplayName(tc.DisplayName))
			}
			if _, err := a.Monitor.AddMonitoredTarget(agg, target, tc.Endpoint, tc.Path, topts...); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Application) addBindings() ([]string, error) {
	starlark := config.NewStarlarkEvaluator(0)
	var bound []string
	for _, rc := range a.Composition.Resources {
		if len(rc.Bindings) == 0 {
			continue
		}
		res, _ := a.Graph.Resource(rc.Name)
		for _, b := range rc.Bindings {
			eval, err := starlark.BindingEvaluator(rc.Name, b)
			if err != nil {
				return nil, err
			}
			if err := a.Graph.Binder().Bind(res, b.Name, eval); err != nil {
				return nil, err
			}
		}
		bound = append(bound, rc.Name)
	}
	return bound, nil
}

func (a *Application) addHealthChecks() {
	for _, rc := range a.Composition.Resources {
		switch {
		case rc.Health != nil:
			a.Prober.AddHTTP(rc.Name, rc.Health.Endpoint, rc.Health.Path)
		case rc.Cache != nil:
			a.Prober.Add(rc.Name, health.CheckFunc(a.cacheFor(rc).Ping))
		}
	}
}

func (a *Application) cacheFor(rc config.ResourceConfig) *cache.Lazy {
	if c, ok := a.caches[rc.Name]; ok {
		return c
	}
	cc := rc.Cache
	base := cache.Config{Password: cc.Password, DB: cc.DB, TLSEnabled: cc.TLS}

	var resolve cache.Resolver
	if cc.Address != "" {
		base.Address = cc.Address
		resolve = cache.Static(base)
	} else {
		resolve = cache.FromEndpoint(a.Graph, engine.EndpointRef{Resource: rc.Name, Endpoint: cc.Endpoint}, base)
	}
	c := cache.NewLazy(resolve)
	a.caches[rc.Name] = c
	return c
}

// bindingHook writes scripted bindings once endpoints are allocated.
type bindingHook struct {
	resources []string
}

func (h *bindingHook) Name() string { return "bindings" }

func (h *bindingHook) BeforeStart(ctx context.Context, g *engine.Graph, ec engine.ExecutionContext) error {
	return nil
}

func (h *bindingHook) AfterEndpointsAllocated(ctx context.Context, g *engine.Graph, ec engine.ExecutionContext) error {
	failures := engine.ScopedFailures{}
	for _, name := range h.resources {
		res, ok := g.Resource(name)
		if !ok {
			continue
		}
		if _, err := g.Binder().Apply(res, ec); err != nil {
			failures[name] = err
		}
	}
	if len(failures) > 0 {
		return failures
	}
	return nil
}
