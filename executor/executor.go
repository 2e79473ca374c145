// Package executor defines the contract between the scheduler and the code that actually runs
// a step.
package executor

import (
	"context"

	"github.com/stepflow/go-stepflow/workflow"
)

// StepExecutor runs a single step.
//
// vars is a snapshot of the workflow context taken when the step was dispatched; changes to it
// are not visible to other steps. To update the workflow context return a workflow.StepOutput.
//
// Implementations must return promptly once ctx is done and must be safe for concurrent use.
type StepExecutor interface {
	Execute(ctx context.Context, step *workflow.Step, vars map[string]any) (any, error)
}

// Func adapts a function to StepExecutor.
type Func func(ctx context.Context, step *workflow.Step, vars map[string]any) (any, error)

func (f Func) Execute(ctx context.Context, step *workflow.Step, vars map[string]any) (any, error) {
	return f(ctx, step, vars)
}
