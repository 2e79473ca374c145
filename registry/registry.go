// Package registry maps step kinds to the executor responsible for them.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/stepflow/go-stepflow/executor"
	"github.com/stepflow/go-stepflow/workflow"
)

// Registry is itself a StepExecutor that dispatches on Step.Kind.
type Registry struct {
	sync.Mutex

	executors map[workflow.StepKind]executor.StepExecutor
}

var _ executor.StepExecutor = (*Registry)(nil)

// New creates a new registry instance.
func New() *Registry {
	return &Registry{
		executors: make(map[workflow.StepKind]executor.StepExecutor),
	}
}

func (r *Registry) RegisterExecutor(kind workflow.StepKind, exec executor.StepExecutor) error {
	if !kind.Valid() {
		return &ErrInvalidExecutor{fmt.Sprintf("unknown step kind %q", kind)}
	}

	if exec == nil {
		return &ErrInvalidExecutor{fmt.Sprintf("executor for step kind %q is nil", kind)}
	}

	r.Lock()
	defer r.Unlock()

	if _, ok := r.executors[kind]; ok {
		return &ErrExecutorAlreadyRegistered{fmt.Sprintf("executor for step kind %q already registered", kind)}
	}
	r.executors[kind] = exec

	return nil
}

func (r *Registry) GetExecutor(kind workflow.StepKind) (executor.StepExecutor, error) {
	r.Lock()
	defer r.Unlock()

	if exec, ok := r.executors[kind]; ok {
		return exec, nil
	}

	return nil, fmt.Errorf("%w: no executor for %q", workflow.ErrUnknownStepType, kind)
}

func (r *Registry) Execute(ctx context.Context, step *workflow.Step, vars map[string]any) (any, error) {
	exec, err := r.GetExecutor(step.Kind)
	if err != nil {
		return nil, workflow.NewPermanentError(err)
	}

	return exec.Execute(ctx, step, vars)
}
