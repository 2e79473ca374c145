// Package tool runs tool steps against an injected set of tools.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stepflow/go-stepflow/executor"
	"github.com/stepflow/go-stepflow/workflow"
)

var ErrUnknownTool = errors.New("unknown tool")

type Result struct {
	Success bool
	Result  any
	Error   string
}

type Tool interface {
	Execute(ctx context.Context, input any) (Result, error)
}

// Func adapts a function to Tool. A returned error is reported as an unsuccessful result.
type Func func(ctx context.Context, input any) (any, error)

func (f Func) Execute(ctx context.Context, input any) (Result, error) {
	r, err := f(ctx, input)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	return Result{Success: true, Result: r}, nil
}

type ErrToolAlreadyRegistered struct {
	msg string
}

func (e *ErrToolAlreadyRegistered) Error() string {
	return e.msg
}

type Executor struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

var _ executor.StepExecutor = (*Executor)(nil)

func New() *Executor {
	return &Executor{
		tools: make(map[string]Tool),
	}
}

func (e *Executor) Register(name string, t Tool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.tools[name]; ok {
		return &ErrToolAlreadyRegistered{fmt.Sprintf("tool with name %q already registered", name)}
	}

	e.tools[name] = t
	return nil
}

func (e *Executor) Execute(ctx context.Context, step *workflow.Step, vars map[string]any) (any, error) {
	name := step.StringParam("tool")

	e.mu.RLock()
	t, ok := e.tools[name]
	e.mu.RUnlock()

	if !ok {
		return nil, workflow.NewPermanentError(fmt.Errorf("tool step %q: %w %q", step.ID, ErrUnknownTool, name))
	}

	input, ok := step.Param("input")
	if !ok {
		input = map[string]any{}
	}

	r, err := t.Execute(ctx, executor.InterpolateValue(input, vars, step.Input.ContextVars))
	if err != nil {
		return nil, fmt.Errorf("tool step %q failed: %w", step.ID, err)
	}

	if !r.Success {
		return nil, fmt.Errorf("tool step %q failed: tool execution failed: %s", step.ID, r.Error)
	}

	return r.Result, nil
}
