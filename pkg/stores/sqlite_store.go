package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/stackwire/pkg/commands"
	"github.com/openfroyo/stackwire/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath selects an in-memory database.
const MemoryPath = ":memory:"

// Config holds SQLite journal configuration
type Config struct {
	// Path is the database file. Empty means MemoryPath.
	Path            string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteJournal records runs, events and command executions in SQLite.
// It implements engine.Journal and commands.ExecutionJournal.
type SQLiteJournal struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteJournal creates a journal. Call Init before use.
func NewSQLiteJournal(cfg Config) *SQLiteJournal {
	if cfg.Path == "" {
		cfg.Path = MemoryPath
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Path == MemoryPath {
		// Every connection to :memory: opens a separate database.
		cfg.MaxOpenConns = 1
		cfg.ConnMaxLifetime = 0
	}
	return &SQLiteJournal{cfg: cfg}
}

// Open creates an initialized and migrated journal.
func Open(ctx context.Context, cfg Config) (*SQLiteJournal, error) {
	j := NewSQLiteJournal(cfg)
	if err := j.Init(ctx); err != nil {
		return nil, err
	}
	if err := j.Migrate(ctx); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

// Init opens the database connection.
func (j *SQLiteJournal) Init(ctx context.Context) error {
	pragmas := []string{"_pragma=busy_timeout(5000)", "_pragma=foreign_keys(1)"}
	if j.cfg.Path != MemoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	dsn := j.cfg.Path + "?" + strings.Join(pragmas, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(j.cfg.MaxOpenConns)
	db.SetMaxIdleConns(j.cfg.MaxOpenConns)
	db.SetConnMaxLifetime(j.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	j.db = db
	return nil
}

// Close closes the database connection
func (j *SQLiteJournal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (j *SQLiteJournal) Migrate(_ context.Context) error {
	if j.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection.
func (j *SQLiteJournal) HealthCheck(ctx context.Context) error {
	if j.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return j.db.PingContext(ctx)
}

// SaveRun implements engine.Journal.
func (j *SQLiteJournal) SaveRun(ctx context.Context, run *engine.Run) error {
	query := `
		INSERT INTO runs (id, context, status, phase, started_at, completed_at, duration_ns,
			total, started, failed, skipped, unresolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			phase = excluded.phase,
			completed_at = excluded.completed_at,
			duration_ns = excluded.duration_ns,
			total = excluded.total,
			started = excluded.started,
			failed = excluded.failed,
			skipped = excluded.skipped,
			unresolved = excluded.unresolved
	`

	var completedAt sql.NullTime
	if run.CompletedAt != nil {
		completedAt = sql.NullTime{Time: run.CompletedAt.UTC(), Valid: true}
	}

	_, err := j.db.ExecContext(ctx, query,
		run.ID,
		string(run.Context),
		string(run.Status),
		string(run.Phase),
		run.StartedAt.UTC(),
		completedAt,
		int64(run.Duration),
		run.Summary.Total,
		run.Summary.Started,
		run.Summary.Failed,
		run.Summary.Skipped,
		run.Summary.Unresolved,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (j *SQLiteJournal) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	query := `
		SELECT id, context, status, phase, started_at, completed_at, duration_ns,
			total, started, failed, skipped, unresolved
		FROM runs
		WHERE id = ?
	`
	run, err := scanRun(j.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(fmt.Sprintf("run not found: %s", id), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, most recent first.
func (j *SQLiteJournal) ListRuns(ctx context.Context, limit int) ([]*engine.Run, error) {
	query := `
		SELECT id, context, status, phase, started_at, completed_at, duration_ns,
			total, started, failed, skipped, unresolved
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := j.db.QueryContext(ctx, query, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*engine.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*engine.Run, error) {
	var (
		run         engine.Run
		ec, status  string
		phase       string
		completedAt sql.NullTime
		duration    int64
	)
	err := row.Scan(
		&run.ID,
		&ec,
		&status,
		&phase,
		&run.StartedAt,
		&completedAt,
		&duration,
		&run.Summary.Total,
		&run.Summary.Started,
		&run.Summary.Failed,
		&run.Summary.Skipped,
		&run.Summary.Unresolved,
	)
	if err != nil {
		return nil, err
	}
	run.Context = engine.ExecutionContext(ec)
	run.Status = engine.RunStatus(status)
	run.Phase = engine.Phase(phase)
	run.Duration = time.Duration(duration)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

// AppendEvent implements engine.Journal. Events are append-only.
func (j *SQLiteJournal) AppendEvent(ctx context.Context, event *engine.Event) error {
	query := `
		INSERT INTO events (id, run_id, type, resource, phase, level, status, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var runID sql.NullString
	if event.RunID != "" {
		runID = sql.NullString{String: event.RunID, Valid: true}
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := j.db.ExecContext(ctx, query,
		event.ID,
		runID,
		string(event.Type),
		event.Resource,
		string(event.Phase),
		event.Level,
		event.Status,
		event.Message,
		ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns events matching filter in the order they were appended.
func (j *SQLiteJournal) ListEvents(ctx context.Context, filter EventFilter) ([]*engine.Event, error) {
	query := `SELECT id, run_id, type, resource, phase, level, status, message, timestamp FROM events WHERE 1=1`
	var args []any

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.Resource != "" {
		query += " AND resource = ?"
		args = append(args, filter.Resource)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	query += " ORDER BY seq LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*engine.Event
	for rows.Next() {
		var (
			event      engine.Event
			runID      sql.NullString
			typ, phase string
		)
		if err := rows.Scan(&event.ID, &runID, &typ, &event.Resource, &phase,
			&event.Level, &event.Status, &event.Message, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.RunID = runID.String
		event.Type = engine.EventType(typ)
		event.Phase = engine.Phase(phase)
		events = append(events, &event)
	}
	return events, rows.Err()
}

// RecordExecution implements commands.ExecutionJournal.
func (j *SQLiteJournal) RecordExecution(ctx context.Context, exec *commands.Execution) error {
	query := `
		INSERT INTO command_executions (id, resource, command, status, state, message,
			started_at, completed_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := j.db.ExecContext(ctx, query,
		exec.ID,
		exec.Resource,
		exec.Command,
		string(exec.Status),
		string(exec.State),
		exec.Message,
		exec.StartedAt.UTC(),
		exec.CompletedAt.UTC(),
		int64(exec.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to record execution %s: %w", exec.ID, err)
	}
	return nil
}

// ListExecutions returns command executions, most recent first. An empty
// resource lists every resource.
func (j *SQLiteJournal) ListExecutions(ctx context.Context, resource string, limit int) ([]*commands.Execution, error) {
	query := `
		SELECT id, resource, command, status, state, message, started_at, completed_at, duration_ns
		FROM command_executions
	`
	var args []any
	if resource != "" {
		query += " WHERE resource = ?"
		args = append(args, resource)
	}
	query += " ORDER BY started_at DESC, id LIMIT ?"
	args = append(args, normalizeLimit(limit))

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []*commands.Execution
	for rows.Next() {
		var (
			exec          commands.Execution
			status, state string
			duration      int64
		)
		if err := rows.Scan(&exec.ID, &exec.Resource, &exec.Command, &status, &state,
			&exec.Message, &exec.StartedAt, &exec.CompletedAt, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		exec.Status = commands.Status(status)
		exec.State = commands.State(state)
		exec.Duration = time.Duration(duration)
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	RunID    string
	Resource string
	Type     engine.EventType

	// Limit defaults to DefaultLimit.
	Limit int
}

// DefaultLimit caps list queries that give no limit.
const DefaultLimit = 1000

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
