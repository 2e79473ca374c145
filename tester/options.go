package tester

import (
	"log/slog"
	"time"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/executor"
)

type options struct {
	TestTimeout time.Duration
	Logger      *slog.Logger
	MaxParallel int

	// Backend the tester persists state to. Defaults to a fresh in-memory backend.
	Backend backend.Backend

	// Executor runs steps that are not mocked.
	Executor executor.StepExecutor
}

type WorkflowTesterOption func(*options)

func WithLogger(logger *slog.Logger) WorkflowTesterOption {
	return func(o *options) {
		o.Logger = logger
	}
}

func WithTestTimeout(timeout time.Duration) WorkflowTesterOption {
	return func(o *options) {
		o.TestTimeout = timeout
	}
}

func WithMaxParallel(n int) WorkflowTesterOption {
	return func(o *options) {
		o.MaxParallel = n
	}
}

func WithBackend(b backend.Backend) WorkflowTesterOption {
	return func(o *options) {
		o.Backend = b
	}
}

// WithExecutor sets the executor used for steps without a mock.
func WithExecutor(exec executor.StepExecutor) WorkflowTesterOption {
	return func(o *options) {
		o.Executor = exec
	}
}
