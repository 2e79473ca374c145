// Package parallel runs the nested branches of a parallel step concurrently.
package parallel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/stepflow/go-stepflow/executor"
	"github.com/stepflow/go-stepflow/workflow"
	"golang.org/x/sync/errgroup"
)

const DefaultMaxConcurrent = 10

var ErrNoBranches = errors.New("parallel step has no branches")

// Executor runs each branch through delegate. The first failing branch cancels the others.
type Executor struct {
	delegate executor.StepExecutor
}

var _ executor.StepExecutor = (*Executor)(nil)

func New(delegate executor.StepExecutor) *Executor {
	return &Executor{delegate: delegate}
}

// Execute returns a map of branch ID to branch result.
func (e *Executor) Execute(ctx context.Context, step *workflow.Step, vars map[string]any) (any, error) {
	branches, err := Branches(step)
	if err != nil {
		return nil, workflow.NewPermanentError(fmt.Errorf("parallel step %q: %w", step.ID, err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent(step))

	var mu sync.Mutex
	results := make(map[string]any, len(branches))

	for _, branch := range branches {
		// Every branch gets its own snapshot
		branchVars := maps.Clone(vars)

		g.Go(func() error {
			r, err := e.delegate.Execute(gctx, branch, branchVars)
			if err != nil {
				return fmt.Errorf("branch %q: %w", branch.ID, err)
			}

			mu.Lock()
			results[branch.ID] = r
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("parallel step %q failed: %w", step.ID, err)
	}

	return results, nil
}

// Branches decodes the "branches" parameter of a parallel step. Branches can be given as
// steps or as their JSON object form.
func Branches(step *workflow.Step) ([]*workflow.Step, error) {
	raw, ok := step.Param("branches")
	if !ok {
		return nil, ErrNoBranches
	}

	var branches []*workflow.Step
	switch value := raw.(type) {
	case []*workflow.Step:
		branches = value
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encoding branches: %w", err)
		}

		if err := json.Unmarshal(b, &branches); err != nil {
			return nil, fmt.Errorf("decoding branches: %w", err)
		}
	}

	if len(branches) == 0 {
		return nil, ErrNoBranches
	}

	seen := make(map[string]bool, len(branches))
	for _, b := range branches {
		if b == nil || b.ID == "" {
			return nil, errors.New("branch without id")
		}

		if seen[b.ID] {
			return nil, fmt.Errorf("duplicate branch id %q", b.ID)
		}
		seen[b.ID] = true
	}

	return branches, nil
}

func maxConcurrent(step *workflow.Step) int {
	switch v := step.Input.Parameters["max_concurrent"].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v >= 1 {
			return int(v)
		}
	}

	return DefaultMaxConcurrent
}
