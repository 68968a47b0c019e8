// Package health probes resources and feeds their health back into the graph.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/stackwire/pkg/engine"
	"github.com/openfroyo/stackwire/pkg/telemetry"
)

// Check reports whether a resource is healthy. A nil error means healthy.
type Check interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to Check.
type CheckFunc func(ctx context.Context) error

// Check calls f.
func (f CheckFunc) Check(ctx context.Context) error {
	return f(ctx)
}

type target struct {
	resource string
	label    string
	check    Check
}

// Option configures a Prober.
type Option func(*Prober)

// WithInterval sets the time between probe rounds. Defaults to 10s.
func WithInterval(d time.Duration) Option {
	return func(p *Prober) { p.interval = d }
}

// WithTimeout bounds each individual probe. Defaults to 5s.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) { p.timeout = d }
}

// WithHTTPClient sets the client used by HTTP probes.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Prober) { p.client = c }
}

// WithTelemetry attaches tracing, logging and events.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(p *Prober) { p.tel = tel }
}

// WithMaxParallel caps concurrent probes in a round. Defaults to 8.
func WithMaxParallel(n int) Option {
	return func(p *Prober) { p.maxParallel = n }
}

// Prober periodically checks registered resources and records their health.
type Prober struct {
	graph       *engine.Graph
	tel         *telemetry.Telemetry
	logger      *telemetry.Logger
	client      *http.Client
	interval    time.Duration
	timeout     time.Duration
	maxParallel int

	mu      sync.RWMutex
	targets []target
}

// NewProber creates a prober writing health into g.
func NewProber(g *engine.Graph, opts ...Option) *Prober {
	p := &Prober{
		graph:       g,
		interval:    10 * time.Second,
		timeout:     5 * time.Second,
		maxParallel: 8,
		targets:     make([]target, 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tel == nil {
		p.tel = telemetry.NewNopTelemetry()
	}
	if p.client == nil {
		p.client = &http.Client{}
	}
	p.logger = p.tel.Logger.NewComponentLogger("health")
	return p
}

// Add registers a custom check for resource.
func (p *Prober) Add(resource string, check Check) {
	p.add(target{resource: resource, label: "custom", check: check})
}

// AddHTTP registers a GET probe against path on the named endpoint of resource.
// The URL is rebuilt from the endpoint allocation on every probe; an
// unallocated endpoint reports unhealthy.
func (p *Prober) AddHTTP(resource, endpoint, path string) {
	ref := engine.EndpointRef{Resource: resource, Endpoint: endpoint}
	p.add(target{
		resource: resource,
		label:    ref.String() + path,
		check: CheckFunc(func(ctx context.Context) error {
			url, err := p.resolveURL(ref, path)
			if err != nil {
				return err
			}
			return p.get(ctx, url)
		}),
	})
}

func (p *Prober) add(t target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, t)
}

// Targets returns the names of probed resources in registration order.
func (p *Prober) Targets() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.targets))
	for _, t := range p.targets {
		names = append(names, t.resource)
	}
	return names
}

// ProbeOnce runs one round over every target. Probe failures only change
// health; the returned error is non-nil only when ctx is done.
func (p *Prober) ProbeOnce(ctx context.Context) error {
	p.mu.RLock()
	targets := make([]target, len(p.targets))
	copy(targets, p.targets)
	p.mu.RUnlock()

	// A resource with several checks is healthy only if all pass.
	var mu sync.Mutex
	results := make(map[string]engine.HealthStatus, len(targets))
	order := make([]string, 0, len(targets))
	for _, t := range targets {
		if _, seen := results[t.resource]; !seen {
			order = append(order, t.resource)
			results[t.resource] = engine.HealthHealthy
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxParallel)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			if err := p.probe(gctx, t); err != nil {
				mu.Lock()
				results[t.resource] = engine.HealthUnhealthy
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	for _, name := range order {
		p.record(name, results[name])
	}
	return nil
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	if err := p.ProbeOnce(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.ProbeOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (p *Prober) probe(ctx context.Context, t target) error {
	ctx, span := p.tel.Tracer.StartProbeSpan(ctx, t.resource, t.label)
	defer span.End()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	err := t.check.Check(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		p.logger.WithResource(t.resource).WithError(err).Debugf("Probe %s failed", t.label)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

func (p *Prober) record(name string, status engine.HealthStatus) {
	previous := engine.HealthUnknown
	if snap, err := p.graph.Snapshot(name); err == nil {
		previous = snap.Health
	}

	if err := p.graph.SetHealth(name, status); err != nil {
		p.logger.WithResource(name).WithError(err).Warn("Failed to record health")
		return
	}
	if previous == status {
		return
	}

	// The graph publishes the transition event; only the log line is ours.
	logger := p.logger.WithResource(name)
	if status == engine.HealthUnhealthy {
		logger.Warnf("Resource became %s (was %s)", status, previous)
	} else {
		logger.Infof("Resource became %s (was %s)", status, previous)
	}
}

func (p *Prober) resolveURL(ref engine.EndpointRef, path string) (string, error) {
	ep, err := p.graph.Endpoint(ref)
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

func (p *Prober) get(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s returned %d", url, resp.StatusCode)
	}
	return nil
}
