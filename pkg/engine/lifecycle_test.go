package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingHook binds a probe annotation on a consumer in BeforeStart and
// applies it in AfterEndpointsAllocated.
type recordingHook struct {
	mu       sync.Mutex
	consumer string
	target   EndpointRef
	phases   []Phase
	failWith error
}

func (h *recordingHook) Name() string { return "recording" }

func (h *recordingHook) BeforeStart(ctx context.Context, g *Graph, ec ExecutionContext) error {
	h.record(PhaseBeforeStart)
	res, _ := g.Resource(h.consumer)
	return g.Binder().Bind(res, "TARGET_URL", probeEvaluator(h.target, "/health", NetworkView{}))
}

func (h *recordingHook) AfterEndpointsAllocated(ctx context.Context, g *Graph, ec ExecutionContext) error {
	h.record(PhaseAfterEndpointsAllocated)
	if h.failWith != nil {
		return h.failWith
	}
	res, _ := g.Resource(h.consumer)
	if _, err := g.Binder().Apply(res, ec); err != nil {
		return ScopedFailures{h.consumer: err}
	}
	return nil
}

func (h *recordingHook) record(p Phase) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.phases = append(h.phases, p)
}

// memoryJournal is an in-memory Journal
type memoryJournal struct {
	mu     sync.Mutex
	runs   map[string]Run
	events []Event
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{runs: make(map[string]Run)}
}

func (j *memoryJournal) SaveRun(ctx context.Context, run *Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs[run.ID] = *run
	return nil
}

func (j *memoryJournal) AppendEvent(ctx context.Context, event *Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, *event)
	return nil
}

func setupTwoResources(ec ExecutionContext) (*Graph, *Endpoint) {
	g := NewGraph(ec)
	api, _ := g.AddResource("api", KindProcess)
	ep := g.EnsureEndpoint(api, "http", "http")
	_, _ = g.AddResource("dashboard", KindContainer)
	return g, ep
}

func TestCoordinator_Run_StartsAndResolves(t *testing.T) {
	g, ep := setupTwoResources(ContextInteractive)

	starter := newMockStarter()
	starter.allocation["api"] = Allocation{Host: "localhost", Port: 7001}
	starter.allocation["dashboard"] = Allocation{Host: "localhost", Port: 7002}

	journal := newMemoryJournal()
	hook := &recordingHook{consumer: "dashboard", target: ep.Ref()}

	c := NewCoordinator(g, WithStarter(starter, StartOptions{}), WithJournal(journal))
	c.AddHook(hook)

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if report.Run.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", report.Run.Status)
	}
	if report.Run.Phase != PhaseDone {
		t.Errorf("Expected phase done, got %s", report.Run.Phase)
	}

	dash, _ := g.Resource("dashboard")
	if v, _ := dash.Env("TARGET_URL"); v != "http://localhost:7001/health" {
		t.Errorf("Unexpected TARGET_URL: %q", v)
	}

	order := starter.startedOrder()
	if len(order) != 2 || order[0] != "api" {
		t.Errorf("Expected api to start before dashboard, got %v", order)
	}

	if len(hook.phases) != 2 || hook.phases[0] != PhaseBeforeStart || hook.phases[1] != PhaseAfterEndpointsAllocated {
		t.Errorf("Unexpected hook phases: %v", hook.phases)
	}

	stored := journal.runs[report.Run.ID]
	if stored.Status != RunStatusSucceeded {
		t.Errorf("Expected journal to hold final status, got %s", stored.Status)
	}
	if len(journal.events) == 0 {
		t.Error("Expected events in journal")
	}
}

func TestCoordinator_Run_FailedTargetIsScoped(t *testing.T) {
	g, ep := setupTwoResources(ContextInteractive)

	starter := newMockStarter()
	starter.failures["api"] = errors.New("crashed on boot")

	c := NewCoordinator(g, WithStarter(starter, StartOptions{}))
	c.AddHook(&recordingHook{consumer: "dashboard", target: ep.Ref()})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	report, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Expected scoped failure, not a run error: %v", err)
	}
	if report.Run.Status != RunStatusPartial {
		t.Errorf("Expected partial, got %s", report.Run.Status)
	}

	failure := report.Failure("dashboard")
	var unresolved *UnresolvedEndpointError
	if !errors.As(failure, &unresolved) {
		t.Fatalf("Expected UnresolvedEndpointError for dashboard, got: %v", failure)
	}
	if unresolved.Ref.Resource != "api" {
		t.Errorf("Expected failure to name api, got %s", unresolved.Ref.Resource)
	}
	if report.Run.Summary.Unresolved != 1 {
		t.Errorf("Expected 1 unresolved, got %d", report.Run.Summary.Unresolved)
	}
}

func TestCoordinator_PhasesWithExternalAllocation(t *testing.T) {
	g, ep := setupTwoResources(ContextInteractive)

	c := NewCoordinator(g)
	c.AddHook(&recordingHook{consumer: "dashboard", target: ep.Ref()})

	ctx := context.Background()
	if err := c.BeforeStart(ctx); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = g.Allocate(ep, Allocation{Host: "127.0.0.1", Port: 8088})
	}()

	if err := c.AwaitEndpoints(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.AfterEndpointsAllocated(ctx); err != nil {
		t.Fatal(err)
	}

	dash, _ := g.Resource("dashboard")
	if v, _ := dash.Env("TARGET_URL"); v != "http://127.0.0.1:8088/health" {
		t.Errorf("Unexpected TARGET_URL: %q", v)
	}

	if err := c.AfterEndpointsAllocated(ctx); err == nil {
		t.Error("Expected error when running phase 2 twice")
	}
}

func TestCoordinator_Run_PublishDoesNotStart(t *testing.T) {
	g, ep := setupTwoResources(ContextPublish)

	starter := newMockStarter()
	c := NewCoordinator(g, WithStarter(starter, StartOptions{}))
	c.AddHook(&recordingHook{consumer: "dashboard", target: ep.Ref()})

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(starter.startedOrder()) != 0 {
		t.Error("Expected no resource to start in publish mode")
	}

	dash, _ := g.Resource("dashboard")
	if v, _ := dash.Env("TARGET_URL"); v != "{api.bindings.http.url}/health" {
		t.Errorf("Unexpected TARGET_URL: %q", v)
	}
	if report.Run.Context != ContextPublish {
		t.Errorf("Expected publish context, got %s", report.Run.Context)
	}
}

func TestCoordinator_Run_HookErrorAborts(t *testing.T) {
	g, ep := setupTwoResources(ContextPublish)

	c := NewCoordinator(g)
	c.AddHook(&recordingHook{consumer: "dashboard", target: ep.Ref(), failWith: errors.New("disk full")})

	report, err := c.Run(context.Background())
	if err == nil {
		t.Fatal("Expected run error")
	}
	if report.Run.Status != RunStatusFailed {
		t.Errorf("Expected failed, got %s", report.Run.Status)
	}
}

func TestCoordinator_Run_ExternalServiceWithoutAddress(t *testing.T) {
	g := NewGraph(ContextInteractive)
	ext, _ := g.AddResource("payments", KindExternalService)
	ep := g.EnsureEndpoint(ext, "https", "https")
	_, _ = g.AddResource("dashboard", KindContainer)

	c := NewCoordinator(g, WithStarter(newMockStarter(), StartOptions{}))
	c.AddHook(&recordingHook{consumer: "dashboard", target: ep.Ref()})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	report, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Expected no run error, got: %v", err)
	}
	if report.Failure("dashboard") == nil {
		t.Error("Expected dashboard failure for unaddressed external service")
	}
}

func TestScopedFailures_Error(t *testing.T) {
	f := ScopedFailures{
		"b": errors.New("second"),
		"a": errors.New("first"),
	}
	if f.Error() != "a: first; b: second" {
		t.Errorf("Unexpected message: %s", f.Error())
	}
}
