package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/stackwire/pkg/commands"
	"github.com/openfroyo/stackwire/pkg/engine"
)

// setupTestJournal creates a migrated in-memory journal for testing
func setupTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()

	j, err := Open(context.Background(), Config{})
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalLifecycle(t *testing.T) {
	j := NewSQLiteJournal(Config{Path: filepath.Join(t.TempDir(), "journal.db")})
	ctx := context.Background()

	if err := j.Migrate(ctx); err == nil {
		t.Error("expected Migrate to fail before Init")
	}
	if err := j.Init(ctx); err != nil {
		t.Fatalf("failed to initialize journal: %v", err)
	}
	if err := j.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// Migrating twice is a no-op.
	if err := j.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := j.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("failed to close journal: %v", err)
	}
}

func TestJournalMigrations(t *testing.T) {
	j := setupTestJournal(t)

	for _, table := range []string{"runs", "events", "command_executions"} {
		var count int
		if err := j.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestSaveRun_Upsert(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Second).Truncate(time.Millisecond)

	run := &engine.Run{
		ID:        "run-001",
		Context:   engine.ContextInteractive,
		Status:    engine.RunStatusRunning,
		Phase:     engine.PhaseBeforeStart,
		StartedAt: started,
		Summary:   engine.RunSummary{Total: 3},
	}
	if err := j.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	completed := started.Add(750 * time.Millisecond)
	run.Status = engine.RunStatusSucceeded
	run.CompletedAt = &completed
	run.Duration = 750 * time.Millisecond
	run.Summary.Started = 2
	run.Summary.Skipped = 1
	if err := j.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}

	got, err := j.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != engine.RunStatusSucceeded {
		t.Errorf("expected status %s, got %s", engine.RunStatusSucceeded, got.Status)
	}
	if got.Context != engine.ContextInteractive {
		t.Errorf("expected context %s, got %s", engine.ContextInteractive, got.Context)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("expected completed_at %v, got %v", completed, got.CompletedAt)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("expected started_at %v, got %v", started, got.StartedAt)
	}
	if got.Duration != 750*time.Millisecond {
		t.Errorf("expected duration 750ms, got %v", got.Duration)
	}
	if got.Summary != run.Summary {
		t.Errorf("expected summary %+v, got %+v", run.Summary, got.Summary)
	}

	runs, err := j.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}
}

func TestGetRun_NotFound(t *testing.T) {
	j := setupTestJournal(t)

	_, err := j.GetRun(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected an error")
	}
	if code := engine.CodeOf(err); code != engine.ErrCodeNotFound {
		t.Errorf("expected code %s, got %s", engine.ErrCodeNotFound, code)
	}
}

func TestAppendEvent_Filter(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	events := []*engine.Event{
		{ID: "e1", Type: engine.EventTypeRunStarted, RunID: "r1", Message: "run started", Level: "info"},
		{ID: "e2", Type: engine.EventTypeResourceStarted, RunID: "r1", Resource: "api", Message: "api started", Level: "info"},
		{ID: "e3", Type: engine.EventTypeResourceFailed, RunID: "r1", Resource: "web", Message: "web failed", Level: "error"},
		{ID: "e4", Type: engine.EventTypeHealthChanged, Resource: "api", Message: "healthy", Level: "info", Status: "healthy"},
	}
	for _, e := range events {
		if err := j.AppendEvent(ctx, e); err != nil {
			t.Fatalf("failed to append event %s: %v", e.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter EventFilter
		want   []string
	}{
		{"all", EventFilter{}, []string{"e1", "e2", "e3", "e4"}},
		{"by run", EventFilter{RunID: "r1"}, []string{"e1", "e2", "e3"}},
		{"by resource", EventFilter{Resource: "api"}, []string{"e2", "e4"}},
		{"by type", EventFilter{Type: engine.EventTypeResourceFailed}, []string{"e3"}},
		{"limit", EventFilter{Limit: 2}, []string{"e1", "e2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := j.ListEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list events: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d events, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("event %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}

	got, _ := j.ListEvents(ctx, EventFilter{Type: engine.EventTypeHealthChanged})
	if got[0].RunID != "" || got[0].Status != "healthy" || got[0].Timestamp.IsZero() {
		t.Errorf("unexpected event %+v", got[0])
	}
}

func TestJournal_RecordsCoordinatorRun(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	g := engine.NewGraph(engine.ContextPublish)
	if _, err := g.AddResource("api", engine.KindProcess); err != nil {
		t.Fatal(err)
	}

	report, err := engine.NewCoordinator(g, engine.WithJournal(j)).Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	run, err := j.GetRun(ctx, report.Run.ID)
	if err != nil {
		t.Fatalf("run not journaled: %v", err)
	}
	if run.Status != report.Run.Status {
		t.Errorf("expected status %s, got %s", report.Run.Status, run.Status)
	}

	events, err := j.ListEvents(ctx, EventFilter{RunID: report.Run.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 {
		t.Fatal("expected run events")
	}
	if events[0].Type != engine.EventTypeRunStarted {
		t.Errorf("expected first event %s, got %s", engine.EventTypeRunStarted, events[0].Type)
	}
}

func TestJournal_RecordsCommandExecutions(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	g := engine.NewGraph(engine.ContextInteractive)
	if _, err := g.AddResource("cache", engine.KindContainer); err != nil {
		t.Fatal(err)
	}
	registry := commands.NewRegistry(g, commands.WithJournal(j))
	if err := registry.Register("cache", commands.Command{
		Name:       "clear",
		Enablement: commands.HealthyOnly,
		Executor: func(ctx context.Context, inv commands.Invocation) commands.Result {
			return commands.Success("cache cleared")
		},
	}); err != nil {
		t.Fatal(err)
	}

	result := registry.Execute(ctx, "cache", "clear")
	if !result.Succeeded() {
		t.Fatalf("execution failed: %s", result.Message)
	}

	execs, err := j.ListExecutions(ctx, "cache", 10)
	if err != nil {
		t.Fatalf("failed to list executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(execs))
	}
	exec := execs[0]
	if exec.Command != "clear" || exec.Status != commands.StatusSuccess {
		t.Errorf("unexpected execution %+v", exec)
	}
	// The health gate was closed, but execution is advisory.
	if exec.State != commands.StateDisabled {
		t.Errorf("expected state %s, got %s", commands.StateDisabled, exec.State)
	}
	if exec.Message != "cache cleared" {
		t.Errorf("expected message %q, got %q", "cache cleared", exec.Message)
	}

	other, _ := j.ListExecutions(ctx, "api", 10)
	if len(other) != 0 {
		t.Errorf("expected no executions for api, got %d", len(other))
	}
}
