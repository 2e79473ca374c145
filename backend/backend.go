// Package backend persists workflow states and definitions so that runs can be inspected
// and resumed.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/stepflow/go-stepflow/metrics"
	"github.com/stepflow/go-stepflow/workflow"
)

var (
	// ErrStateNotFound matches workflow.ErrWorkflowNotFound.
	ErrStateNotFound      = fmt.Errorf("state: %w", workflow.ErrWorkflowNotFound)
	ErrDefinitionNotFound = fmt.Errorf("definition: %w", workflow.ErrWorkflowNotFound)
	ErrInvalidWorkflowID  = errors.New("invalid workflow id")
)

const TracerName = "stepflow"

//go:generate mockery --name=Backend --inpackage --unroll-variadic=false
type Backend interface {
	// SaveState stores a snapshot of the given state, replacing any previous snapshot for the
	// same workflow ID.
	SaveState(ctx context.Context, state *workflow.State) error

	// LoadState returns the last saved state, or an error matching workflow.ErrWorkflowNotFound.
	LoadState(ctx context.Context, workflowID string) (*workflow.State, error)

	// ListStates returns a summary of every stored state.
	ListStates(ctx context.Context) ([]workflow.Summary, error)

	// RemoveStates removes stored states and their definitions and returns how many states were
	// removed.
	RemoveStates(ctx context.Context, options ...RemovalOption) (int, error)

	// SaveDefinition stores the definition a workflow was started with.
	SaveDefinition(ctx context.Context, def *workflow.Definition) error

	// LoadDefinition returns the stored definition, or an error matching workflow.ErrWorkflowNotFound.
	LoadDefinition(ctx context.Context, workflowID string) (*workflow.Definition, error)

	// Logger returns the configured logger for the backend
	Logger() *slog.Logger

	// Tracer returns the configured trace provider for the backend
	Tracer() trace.Tracer

	// Metrics returns the configured metrics client for the backend
	Metrics() metrics.Client

	// Close closes any underlying resources
	Close() error
}

// StateNotifier is implemented by backends that can signal saved states without polling.
type StateNotifier interface {
	// StateChanged returns a channel that is closed the next time any state is saved. A nil
	// channel means notifications are unavailable.
	StateChanged() <-chan struct{}
}
