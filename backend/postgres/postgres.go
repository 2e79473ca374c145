// Package postgres stores workflow states in a PostgreSQL database.
package postgres

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
	mpostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel/trace"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/internal/metrickeys"
	"github.com/stepflow/go-stepflow/metrics"
	"github.com/stepflow/go-stepflow/workflow"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

func NewPostgresBackend(host string, port int, user, password, database string, opts ...option) *postgresBackend {
	bo := backend.ApplyOptions()
	options := &options{
		Options:         &bo,
		ApplyMigrations: true,
		SSLMode:         "disable",
	}

	for _, opt := range opts {
		opt(options)
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", host, port, user, password, database, options.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		panic(err)
	}

	if options.PostgresOptions != nil {
		options.PostgresOptions(db)
	}

	b := &postgresBackend{
		dsn:            dsn,
		db:             db,
		options:        options,
		ownsConnection: true,
		now:            time.Now,
	}

	if options.ApplyMigrations {
		if err := b.Migrate(); err != nil {
			panic(err)
		}
	}

	if options.EnableNotifications {
		b.listener = newNotificationListener(dsn, options.Logger)
		if err := b.listener.Start(); err != nil {
			panic(err)
		}
	}

	return b
}

// NewPostgresBackendWithDB creates a new Postgres backend using an existing database connection.
// The backend does not close the connection in Close. Notifications need a DSN and are not
// available with this constructor.
func NewPostgresBackendWithDB(db *sql.DB, opts ...option) *postgresBackend {
	bo := backend.ApplyOptions()
	options := &options{
		Options: &bo,
	}

	for _, opt := range opts {
		opt(options)
	}

	b := &postgresBackend{
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

type postgresBackend struct {
	dsn            string
	db             *sql.DB
	options        *options
	ownsConnection bool
	listener       *notificationListener
	now            func() time.Time
}

var (
	_ backend.Backend       = (*postgresBackend)(nil)
	_ backend.StateNotifier = (*postgresBackend)(nil)
)

func (pb *postgresBackend) Close() error {
	if pb.listener != nil {
		if err := pb.listener.Close(); err != nil {
			pb.options.Logger.Error("closing state listener", "error", err)
		}
	}

	if !pb.ownsConnection {
		return nil
	}

	return pb.db.Close()
}

// Migrate applies any pending database migrations.
func (pb *postgresBackend) Migrate() error {
	dbi, err := mpostgres.WithInstance(pb.db, &mpostgres.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "postgres", dbi)
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

func (pb *postgresBackend) Logger() *slog.Logger {
	return pb.options.Logger
}

func (pb *postgresBackend) Tracer() trace.Tracer {
	return pb.options.TracerProvider.Tracer(backend.TracerName)
}

func (pb *postgresBackend) Metrics() metrics.Client {
	return pb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "postgres"})
}

// StateChanged returns a channel that is closed once another state has been saved. Without
// notifications enabled the channel never closes.
func (pb *postgresBackend) StateChanged() <-chan struct{} {
	if pb.listener == nil {
		return nil
	}

	return pb.listener.changed()
}

func (pb *postgresBackend) SaveState(ctx context.Context, state *workflow.State) error {
	if err := backend.ValidateWorkflowID(state.WorkflowID); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tx, err := pb.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO workflow_states (id, status, state, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		state.WorkflowID,
		string(state.Status),
		string(data),
		pb.now().UTC(),
	); err != nil {
		return fmt.Errorf("saving state %q: %w", state.WorkflowID, err)
	}

	if pb.options.EnableNotifications {
		// Delivered on commit
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", stateChannel, state.WorkflowID); err != nil {
			return fmt.Errorf("notifying state change: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing state %q: %w", state.WorkflowID, err)
	}

	pb.Metrics().Counter(metrickeys.StateSaved, metrics.Tags{}, 1)

	return nil
}

func (pb *postgresBackend) LoadState(ctx context.Context, workflowID string) (*workflow.State, error) {
	row := pb.db.QueryRowContext(ctx, "SELECT state FROM workflow_states WHERE id = $1", workflowID)

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

func (pb *postgresBackend) ListStates(ctx context.Context) ([]workflow.Summary, error) {
	rows, err := pb.db.QueryContext(ctx, "SELECT state FROM workflow_states ORDER BY id")
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

func (pb *postgresBackend) RemoveStates(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	o := backend.ApplyRemovalOptions(options...)
	if o.SavedBefore.IsZero() {
		return 0, nil
	}

	cutoff := o.SavedBefore.UTC()

	tx, err := pb.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		"DELETE FROM workflow_definitions d USING workflow_states s WHERE s.id = d.id AND s.updated_at < $1",
		cutoff,
	); err != nil {
		return 0, fmt.Errorf("removing definitions: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM workflow_states WHERE updated_at < $1", cutoff)
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

	pb.Metrics().Counter(metrickeys.StateRemoved, metrics.Tags{}, n)

	return int(n), nil
}

func (pb *postgresBackend) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := backend.ValidateWorkflowID(def.ID); err != nil {
		return err
	}

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshaling definition: %w", err)
	}

	if _, err := pb.db.ExecContext(
		ctx,
		`INSERT INTO workflow_definitions (id, definition) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET definition = EXCLUDED.definition`,
		def.ID,
		string(data),
	); err != nil {
		return fmt.Errorf("saving definition %q: %w", def.ID, err)
	}

	return nil
}

func (pb *postgresBackend) LoadDefinition(ctx context.Context, workflowID string) (*workflow.Definition, error) {
	row := pb.db.QueryRowContext(ctx, "SELECT definition FROM workflow_definitions WHERE id = $1", workflowID)

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
