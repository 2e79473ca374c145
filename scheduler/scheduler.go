// Package scheduler executes workflow definitions: steps run as soon as their dependencies
// completed, bounded by a concurrency limit, and the first failure cancels the rest of the run.
// Progress is persisted after every step so that failed runs can be resumed.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/executor"
	"github.com/stepflow/go-stepflow/graph"
	"github.com/stepflow/go-stepflow/internal/metrickeys"
	"github.com/stepflow/go-stepflow/internal/tracing"
	"github.com/stepflow/go-stepflow/log"
	"github.com/stepflow/go-stepflow/metrics"
	"github.com/stepflow/go-stepflow/workflow"
)

const tracerName = "stepflow/scheduler"

// Scheduler runs workflows. Every run owns its graph, tasks, and state, so a single Scheduler
// can execute any number of workflows concurrently.
type Scheduler struct {
	exec    executor.StepExecutor
	backend backend.Backend
	options Options
	tracer  trace.Tracer
}

func New(exec executor.StepExecutor, b backend.Backend, opts ...Option) *Scheduler {
	options := applyOptions(opts...)

	return &Scheduler{
		exec:    exec,
		backend: b,
		options: options,
		tracer:  options.TracerProvider.Tracer(tracerName),
	}
}

// ExecuteWorkflow runs all steps of def and returns the result of every step keyed by step ID.
//
// On failure the returned error is a *workflow.StepExecutionError and the persisted state
// records which steps completed, so the run can be continued with ResumeWorkflow.
func (s *Scheduler) ExecuteWorkflow(ctx context.Context, def *workflow.Definition, initial map[string]any) (map[string]any, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	g, err := graph.Build(def.Steps)
	if err != nil {
		return nil, err
	}

	state := workflow.NewState(def.ID, s.options.Clock.Now(), initial)

	if err := s.backend.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("saving workflow definition: %w", err)
	}

	if err := s.backend.SaveState(ctx, state); err != nil {
		return nil, fmt.Errorf("saving workflow state: %w", err)
	}

	s.options.Metrics.Counter(metrickeys.WorkflowStarted, metrics.Tags{}, 1)

	return s.execute(ctx, def, g, state)
}

// ResumeWorkflow continues a previously started workflow. Steps that already completed are not
// executed again; the returned map contains their recorded results together with the results of
// the steps executed now. Resuming a completed workflow only returns its results.
func (s *Scheduler) ResumeWorkflow(ctx context.Context, workflowID string) (map[string]any, error) {
	state, err := s.backend.LoadState(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("loading workflow state: %w", err)
	}

	if state.Status == workflow.StatusCompleted {
		return state.Results(), nil
	}

	def, err := s.backend.LoadDefinition(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("loading workflow definition: %w", err)
	}

	completed := make(map[string]bool, len(state.CompletedSteps))
	for id := range state.CompletedSteps {
		completed[id] = true
	}

	remainder := def.Remainder(completed)
	if err := remainder.Validate(); err != nil {
		return nil, err
	}

	g, err := graph.Build(remainder.Steps)
	if err != nil {
		return nil, err
	}

	state.Status = workflow.StatusRunning
	state.EndTime = nil
	state.FailedSteps = make(map[string]workflow.FailedStep)
	if state.Context == nil {
		state.Context = make(map[string]any)
	}
	delete(state.Context, workflow.ContextErrorKey)

	if err := s.backend.SaveState(ctx, state); err != nil {
		return nil, fmt.Errorf("saving workflow state: %w", err)
	}

	s.options.Metrics.Counter(metrickeys.WorkflowResumed, metrics.Tags{}, 1)

	s.options.Logger.InfoContext(ctx, "resuming workflow",
		log.WorkflowIDKey, workflowID,
		"completed", len(completed),
		"remaining", len(remainder.Steps),
	)

	return s.execute(ctx, remainder, g, state)
}

func (s *Scheduler) execute(ctx context.Context, def *workflow.Definition, g *graph.Graph, state *workflow.State) (map[string]any, error) {
	ctx, span := s.tracer.Start(ctx, "ExecuteWorkflow", trace.WithAttributes(
		attribute.String(tracing.WorkflowID, def.ID),
		attribute.String(tracing.WorkflowName, def.Name),
	))
	defer span.End()

	r := newRun(s, def, g, state)
	err := r.loop(ctx)

	s.options.Metrics.Counter(metrickeys.WorkflowFinished, metrics.Tags{metrickeys.Status: string(state.Status)}, 1)
	s.options.Metrics.Timing(metrickeys.WorkflowDuration, metrics.Tags{metrickeys.Status: string(state.Status)}, s.options.Clock.Since(state.StartTime))

	if err != nil {
		return nil, tracing.WithSpanError(span, err)
	}

	return state.Results(), nil
}

// saveTerminal persists a terminal state even if ctx has already been canceled.
func (s *Scheduler) saveTerminal(ctx context.Context, state *workflow.State) error {
	if err := s.backend.SaveState(context.WithoutCancel(ctx), state); err != nil {
		return fmt.Errorf("saving %s workflow state: %w", state.Status, err)
	}

	return nil
}

func joinSaveError(err, saveErr error) error {
	if saveErr == nil {
		return err
	}

	return errors.Join(err, saveErr)
}
