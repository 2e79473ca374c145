// Package sqlite stores workflow states in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/internal/metrickeys"
	"github.com/stepflow/go-stepflow/metrics"
	"github.com/stepflow/go-stepflow/workflow"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

func NewInMemoryBackend(opts ...option) *sqliteBackend {
	b := newSqliteBackend("file::memory:?_pragma=busy_timeout(5000)", opts...)

	// Every connection to :memory: opens its own database
	b.db.SetMaxOpenConns(1)

	b.migrate()

	return b
}

func NewSqliteBackend(path string, opts ...option) *sqliteBackend {
	b := newSqliteBackend(fmt.Sprintf("file:%v?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path), opts...)

	b.migrate()

	return b
}

func newSqliteBackend(dsn string, opts ...option) *sqliteBackend {
	bo := backend.ApplyOptions()
	options := &options{
		Options:         &bo,
		ApplyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		panic(err)
	}

	return &sqliteBackend{
		db:      db,
		options: options,
		now:     time.Now,
	}
}

type sqliteBackend struct {
	db      *sql.DB
	options *options
	now     func() time.Time
}

var _ backend.Backend = (*sqliteBackend)(nil)

func (sb *sqliteBackend) migrate() {
	if !sb.options.ApplyMigrations {
		return
	}

	if err := sb.Migrate(); err != nil {
		panic(err)
	}
}

// Migrate applies any pending database migrations.
func (sb *sqliteBackend) Migrate() error {
	dbi, err := msqlite.WithInstance(sb.db, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "sqlite", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	return nil
}

func (sb *sqliteBackend) Logger() *slog.Logger {
	return sb.options.Logger
}

func (sb *sqliteBackend) Metrics() metrics.Client {
	return sb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "sqlite"})
}

func (sb *sqliteBackend) Tracer() trace.Tracer {
	return sb.options.TracerProvider.Tracer(backend.TracerName)
}

func (sb *sqliteBackend) Close() error {
	return sb.db.Close()
}

func (sb *sqliteBackend) SaveState(ctx context.Context, state *workflow.State) error {
	if err := backend.ValidateWorkflowID(state.WorkflowID); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	if _, err := sb.db.ExecContext(
		ctx,
		"INSERT INTO `workflow_states` (id, status, state, updated_at) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(id) DO UPDATE SET status = excluded.status, state = excluded.state, updated_at = excluded.updated_at",
		state.WorkflowID,
		string(state.Status),
		string(data),
		sb.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("saving state %q: %w", state.WorkflowID, err)
	}

	sb.Metrics().Counter(metrickeys.StateSaved, metrics.Tags{}, 1)

	return nil
}

func (sb *sqliteBackend) LoadState(ctx context.Context, workflowID string) (*workflow.State, error) {
	row := sb.db.QueryRowContext(ctx, "SELECT state FROM `workflow_states` WHERE id = ?", workflowID)

	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrStateNotFound
		}

		return nil, fmt.Errorf("loading state %q: %w", workflowID, err)
	}

	var s workflow.State
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("unmarshaling state: %w", err)
	}

	return &s, nil
}

func (sb *sqliteBackend) ListStates(ctx context.Context) ([]workflow.Summary, error) {
	rows, err := sb.db.QueryContext(ctx, "SELECT state FROM `workflow_states` ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing states: %w", err)
	}
	defer rows.Close()

	r := make([]workflow.Summary, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning state: %w", err)
		}

		var s workflow.State
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, fmt.Errorf("unmarshaling state: %w", err)
		}

		r = append(r, s.Summary())
	}

	return r, rows.Err()
}

func (sb *sqliteBackend) RemoveStates(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	o := backend.ApplyRemovalOptions(options...)
	if o.SavedBefore.IsZero() {
		return 0, nil
	}

	cutoff := o.SavedBefore.UnixMilli()

	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		"DELETE FROM `workflow_definitions` WHERE id IN (SELECT id FROM `workflow_states` WHERE updated_at < ?)",
		cutoff,
	); err != nil {
		return 0, fmt.Errorf("removing definitions: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM `workflow_states` WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("removing states: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing removal: %w", err)
	}

	sb.Metrics().Counter(metrickeys.StateRemoved, metrics.Tags{}, n)

	return int(n), nil
}

func (sb *sqliteBackend) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := backend.ValidateWorkflowID(def.ID); err != nil {
		return err
	}

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshaling definition: %w", err)
	}

	if _, err := sb.db.ExecContext(
		ctx,
		"INSERT INTO `workflow_definitions` (id, definition) VALUES (?, ?) "+
			"ON CONFLICT(id) DO UPDATE SET definition = excluded.definition",
		def.ID,
		string(data),
	); err != nil {
		return fmt.Errorf("saving definition %q: %w", def.ID, err)
	}

	return nil
}

func (sb *sqliteBackend) LoadDefinition(ctx context.Context, workflowID string) (*workflow.Definition, error) {
	row := sb.db.QueryRowContext(ctx, "SELECT definition FROM `workflow_definitions` WHERE id = ?", workflowID)

	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrDefinitionNotFound
		}

		return nil, fmt.Errorf("loading definition %q: %w", workflowID, err)
	}

	var def workflow.Definition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("unmarshaling definition: %w", err)
	}

	return &def, nil
}
