// Package mysql stores workflow states in a MySQL database.
package mysql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	mmysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel/trace"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/internal/metrickeys"
	"github.com/stepflow/go-stepflow/metrics"
	"github.com/stepflow/go-stepflow/workflow"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

func NewMysqlBackend(host string, port int, user, password, database string, opts ...option) *mysqlBackend {
	bo := backend.ApplyOptions()
	options := &options{
		Options:         &bo,
		ApplyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&interpolateParams=true", user, password, host, port, database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		panic(err)
	}

	if options.MySQLOptions != nil {
		options.MySQLOptions(db)
	}

	b := &mysqlBackend{
		dsn:     dsn,
		db:      db,
		options: options,
		now:     time.Now,
	}

	if options.ApplyMigrations {
		if err := b.Migrate(); err != nil {
			panic(err)
		}
	}

	return b
}

type mysqlBackend struct {
	dsn     string
	db      *sql.DB
	options *options
	now     func() time.Time
}

var _ backend.Backend = (*mysqlBackend)(nil)

// Migrate applies any pending database migrations.
func (b *mysqlBackend) Migrate() error {
	schemaDsn := b.dsn + "&multiStatements=true"
	db, err := sql.Open("mysql", schemaDsn)
	if err != nil {
		return fmt.Errorf("opening schema database: %w", err)
	}

	dbi, err := mmysql.WithInstance(db, &mmysql.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "mysql", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	if err := db.Close(); err != nil {
		return fmt.Errorf("closing schema database: %w", err)
	}

	return nil
}

func (b *mysqlBackend) Logger() *slog.Logger {
	return b.options.Logger
}

func (b *mysqlBackend) Metrics() metrics.Client {
	return b.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "mysql"})
}

func (b *mysqlBackend) Tracer() trace.Tracer {
	return b.options.TracerProvider.Tracer(backend.TracerName)
}

func (b *mysqlBackend) Close() error {
	return b.db.Close()
}

func (b *mysqlBackend) SaveState(ctx context.Context, state *workflow.State) error {
	if err := backend.ValidateWorkflowID(state.WorkflowID); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	if _, err := b.db.ExecContext(
		ctx,
		"INSERT INTO `workflow_states` (id, status, state, updated_at) VALUES (?, ?, ?, ?) "+
			"ON DUPLICATE KEY UPDATE status = VALUES(status), state = VALUES(state), updated_at = VALUES(updated_at)",
		state.WorkflowID,
		string(state.Status),
		string(data),
		b.now().UTC(),
	); err != nil {
		return fmt.Errorf("saving state %q: %w", state.WorkflowID, err)
	}

	b.Metrics().Counter(metrickeys.StateSaved, metrics.Tags{}, 1)

	return nil
}

func (b *mysqlBackend) LoadState(ctx context.Context, workflowID string) (*workflow.State, error) {
	row := b.db.QueryRowContext(ctx, "SELECT state FROM `workflow_states` WHERE id = ?", workflowID)

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

func (b *mysqlBackend) ListStates(ctx context.Context) ([]workflow.Summary, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT state FROM `workflow_states` ORDER BY id")
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

func (b *mysqlBackend) RemoveStates(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	o := backend.ApplyRemovalOptions(options...)
	if o.SavedBefore.IsZero() {
		return 0, nil
	}

	cutoff := o.SavedBefore.UTC()

	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		"DELETE d FROM `workflow_definitions` d INNER JOIN `workflow_states` s ON s.id = d.id WHERE s.updated_at < ?",
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

	b.Metrics().Counter(metrickeys.StateRemoved, metrics.Tags{}, n)

	return int(n), nil
}

func (b *mysqlBackend) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := backend.ValidateWorkflowID(def.ID); err != nil {
		return err
	}

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshaling definition: %w", err)
	}

	if _, err := b.db.ExecContext(
		ctx,
		"INSERT INTO `workflow_definitions` (id, definition) VALUES (?, ?) ON DUPLICATE KEY UPDATE definition = VALUES(definition)",
		def.ID,
		string(data),
	); err != nil {
		return fmt.Errorf("saving definition %q: %w", def.ID, err)
	}

	return nil
}

func (b *mysqlBackend) LoadDefinition(ctx context.Context, workflowID string) (*workflow.Definition, error) {
	row := b.db.QueryRowContext(ctx, "SELECT definition FROM `workflow_definitions` WHERE id = ?", workflowID)

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
