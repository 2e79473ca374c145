// Package conditional evaluates the expression of a conditional step. The boolean result can
// gate later steps through their condition.
package conditional

import (
	"context"
	"fmt"

	"github.com/stepflow/go-stepflow/executor"
	"github.com/stepflow/go-stepflow/workflow"
)

type Executor struct{}

var _ executor.StepExecutor = (*Executor)(nil)

func New() *Executor {
	return &Executor{}
}

func (*Executor) Execute(ctx context.Context, step *workflow.Step, vars map[string]any) (any, error) {
	expr := step.StringParam("expression")
	if expr == "" {
		return nil, workflow.NewPermanentError(fmt.Errorf("conditional step %q has no expression", step.ID))
	}

	ok, err := workflow.EvaluateCondition(expr, vars, nil)
	if err != nil {
		return nil, workflow.NewPermanentError(fmt.Errorf("conditional step %q: %w", step.ID, err))
	}

	return ok, nil
}
