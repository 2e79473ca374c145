package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stepflow/go-stepflow/graph"
	"github.com/stepflow/go-stepflow/internal/metrickeys"
	im "github.com/stepflow/go-stepflow/internal/metrics"
	"github.com/stepflow/go-stepflow/internal/tracing"
	"github.com/stepflow/go-stepflow/internal/worker"
	"github.com/stepflow/go-stepflow/internal/workflowerrors"
	"github.com/stepflow/go-stepflow/log"
	"github.com/stepflow/go-stepflow/metrics"
	"github.com/stepflow/go-stepflow/task"
	"github.com/stepflow/go-stepflow/workflow"
)

type completion struct {
	stepID string
	result any
	err    error
}

// run is a single execution of a workflow. Only the loop goroutine touches state; step
// goroutines receive snapshots and report back through done.
type run struct {
	s      *Scheduler
	def    *workflow.Definition
	graph  *graph.Graph
	state  *workflow.State
	tasks  *task.Manager
	slots  *worker.Slots
	logger *slog.Logger

	// step ID -> task ID
	taskIDs map[string]string

	completed map[string]bool
	started   map[string]bool
	inFlight  map[string]bool
	ready     []string

	// Buffered for every step so that step goroutines never block, even after the loop returned
	done chan completion
}

func newRun(s *Scheduler, def *workflow.Definition, g *graph.Graph, state *workflow.State) *run {
	logger := s.options.Logger.With(log.WorkflowIDKey, def.ID, log.WorkflowNameKey, def.Name)

	tasks := task.NewManager(task.WithLogger(logger), task.WithClock(s.options.Clock))
	for st, cbs := range s.options.TaskCallbacks {
		for _, cb := range cbs {
			tasks.RegisterCallback(st, cb)
		}
	}

	r := &run{
		s:         s,
		def:       def,
		graph:     g,
		state:     state,
		tasks:     tasks,
		slots:     worker.NewSlots(s.options.MaxParallel),
		logger:    logger,
		taskIDs:   make(map[string]string, g.Len()),
		completed: make(map[string]bool, g.Len()),
		started:   make(map[string]bool, g.Len()),
		inFlight:  make(map[string]bool),
		done:      make(chan completion, g.Len()),
	}

	// Dependencies are created before their dependents
	for _, id := range g.TopologicalOrder() {
		step := g.Step(id)

		deps := make([]string, 0, len(step.Dependencies))
		for _, dep := range g.Dependencies(id) {
			deps = append(deps, r.taskIDs[dep])
		}

		retryDelay := step.RetryDelay.Std()
		if retryDelay <= 0 {
			retryDelay = s.options.DefaultRetryDelay
		}

		t := tasks.Create(id,
			task.WithDependencies(deps...),
			task.WithTimeout(step.Timeout.Std()),
			task.WithMaxRetries(step.Retries()),
			task.WithRetryDelay(retryDelay),
		)
		r.taskIDs[id] = t.ID
	}

	return r
}

func (r *run) loop(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	ticker := r.s.options.Clock.Ticker(r.s.options.TimeoutPollInterval)
	defer ticker.Stop()

	r.ready = r.graph.Ready(r.completed, r.started)

	for {
		if stepID, err := r.dispatch(runCtx); err != nil {
			return r.fail(ctx, cancelRun, stepID, err)
		}

		if len(r.inFlight) == 0 && len(r.ready) == 0 {
			break
		}

		select {
		case c := <-r.done:
			delete(r.inFlight, c.stepID)
			r.s.options.Metrics.Gauge(metrickeys.StepsInFlight, metrics.Tags{}, int64(len(r.inFlight)))

			if c.err != nil {
				if ctx.Err() != nil {
					// The step failed because the caller gave up on the run
					return r.cancel(ctx, cancelRun)
				}

				return r.fail(ctx, cancelRun, c.stepID, c.err)
			}

			r.complete(ctx, c.stepID, c.result, false)

		case <-ticker.C:
			if stepID, err := r.checkTimeouts(ctx); err != nil {
				return r.fail(ctx, cancelRun, stepID, err)
			}

		case <-ctx.Done():
			return r.cancel(ctx, cancelRun)
		}
	}

	if len(r.completed) < r.graph.Len() {
		// Unreachable for graphs that passed Build, kept so a run can never hang
		return r.stalled(ctx)
	}

	r.state.Finish(workflow.StatusCompleted, r.s.options.Clock.Now())
	if err := r.s.saveTerminal(ctx, r.state); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "workflow completed", log.WorkflowStatusKey, string(r.state.Status))

	return nil
}

// dispatch starts ready steps until no slot is free. Steps whose condition is false complete
// immediately. It returns the step and error if a condition could not be evaluated.
func (r *run) dispatch(ctx context.Context) (string, error) {
	for len(r.ready) > 0 {
		if !r.slots.TryReserve() {
			return "", nil
		}

		id := r.ready[0]
		step := r.graph.Step(id)
		r.ready = r.ready[1:]
		r.started[id] = true

		if step.Condition != "" {
			ok, err := workflow.EvaluateCondition(step.Condition, r.state.Context, r.state.Results())
			if err != nil {
				r.slots.Release()
				return id, err
			}

			if !ok {
				r.slots.Release()
				if err := r.skip(ctx, id); err != nil {
					return id, err
				}

				continue
			}
		}

		r.inFlight[id] = true

		vars := maps.Clone(r.state.Context)
		if vars == nil {
			vars = make(map[string]any)
		}

		r.s.options.Metrics.Counter(metrickeys.StepDispatched, metrics.Tags{metrickeys.StepKind: string(step.Kind)}, 1)
		r.s.options.Metrics.Gauge(metrickeys.StepsInFlight, metrics.Tags{}, int64(len(r.inFlight)))

		r.logger.DebugContext(ctx, "dispatching step", log.StepIDKey, id, log.StepKindKey, string(step.Kind))

		go func() {
			result, err := r.executeStep(ctx, step, vars)
			r.slots.Release()

			r.done <- completion{stepID: step.ID, result: result, err: err}
		}()
	}

	return "", nil
}

func (r *run) skip(ctx context.Context, id string) error {
	taskID := r.taskIDs[id]

	if _, err := r.tasks.Start(ctx, taskID); err != nil {
		return err
	}

	if err := r.tasks.Complete(ctx, taskID, map[string]any{"skipped": true}); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "skipping step, condition is false", log.StepIDKey, id)
	r.s.options.Metrics.Counter(metrickeys.StepSkipped, metrics.Tags{}, 1)

	r.complete(ctx, id, nil, true)

	return nil
}

// executeStep runs all attempts of a step. It returns the result of the first successful
// attempt or the error that ends the step.
func (r *run) executeStep(ctx context.Context, step *workflow.Step, vars map[string]any) (any, error) {
	taskID := r.taskIDs[step.ID]

	attemptCtx, err := r.tasks.Start(ctx, taskID)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		result, err := r.attempt(attemptCtx, step, vars, attempt)
		if err == nil {
			if cerr := r.tasks.Complete(ctx, taskID, map[string]any{"result": result}); cerr == nil {
				return result, nil
			}

			// Timed out or canceled while the executor was finishing
			err = r.interruption(taskID)
		} else {
			err = r.recordFailure(ctx, taskID, err)
		}

		if step.RetryLimit == nil || !workflow.CanRetry(err) || ctx.Err() != nil {
			return nil, err
		}

		nextCtx, rerr := r.tasks.Retry(ctx, taskID)
		if rerr != nil {
			if errors.Is(rerr, workflow.ErrRetryLimitExceeded) {
				return nil, rerr
			}

			return nil, err
		}

		r.s.options.Metrics.Counter(metrickeys.StepRetried, metrics.Tags{metrickeys.StepKind: string(step.Kind)}, 1)
		r.logger.InfoContext(ctx, "retrying step", log.StepIDKey, step.ID, log.AttemptKey, attempt+1, "error", err)

		attemptCtx = nextCtx
	}
}

// recordFailure moves a running task to failed. A task that timed out or was canceled keeps its
// state; for timeouts the timeout error replaces the executor error.
func (r *run) recordFailure(ctx context.Context, taskID string, err error) error {
	t, ok := r.tasks.Get(taskID)
	if !ok {
		return err
	}

	switch t.State {
	case task.Running:
		if ferr := r.tasks.Fail(ctx, taskID, err); ferr != nil {
			return r.interruption(taskID)
		}
	case task.TimedOut:
		return t.LastError
	}

	return err
}

func (r *run) interruption(taskID string) error {
	t, _ := r.tasks.Get(taskID)
	if t.State == task.TimedOut && t.LastError != nil {
		return t.LastError
	}

	return fmt.Errorf("task %s was %s: %w", taskID, t.State, context.Canceled)
}

// attempt runs the executor once and turns panics into errors.
func (r *run) attempt(ctx context.Context, step *workflow.Step, vars map[string]any, attempt int) (result any, err error) {
	ctx, span := r.s.tracer.Start(ctx, fmt.Sprintf("Step: %s", step.ID), trace.WithAttributes(
		attribute.String(tracing.WorkflowID, r.def.ID),
		attribute.String(tracing.StepID, step.ID),
		attribute.String(tracing.StepKind, string(step.Kind)),
		attribute.Int(tracing.StepAttempt, attempt),
	))
	defer span.End()

	timer := im.NewTimer(r.s.options.Metrics, r.s.options.Clock, metrickeys.StepDuration, metrics.Tags{metrickeys.StepKind: string(step.Kind)})

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = workflow.NewPermanentError(workflowerrors.NewPanicError(fmt.Sprintf("panic in step %q: %v", step.ID, rec)))
		}

		elapsed := timer.Stop()
		_ = tracing.WithSpanError(span, err)

		r.logger.DebugContext(ctx, "step attempt finished",
			log.StepIDKey, step.ID,
			log.AttemptKey, attempt,
			log.DurationKey, elapsed.Milliseconds(),
			"error", err,
		)
	}()

	return r.s.exec.Execute(ctx, step, vars)
}

// checkTimeouts times out in-flight steps that exceeded their timeout. A step without retries
// left fails the workflow right away instead of waiting for its executor to return.
func (r *run) checkTimeouts(ctx context.Context) (string, error) {
	for id := range r.inFlight {
		taskID := r.taskIDs[id]
		if !r.tasks.IsTimedOut(taskID) {
			continue
		}

		t, err := r.tasks.TimeOut(ctx, taskID)
		if err != nil {
			// Finished in the meantime
			continue
		}

		r.s.options.Metrics.Counter(metrickeys.StepTimedOut, metrics.Tags{}, 1)
		r.logger.WarnContext(ctx, "step timed out", log.StepIDKey, id, log.AttemptKey, t.Retries+1)

		if r.graph.Step(id).RetryLimit == nil {
			return id, t.LastError
		}

		if t.Retries >= t.MaxRetries {
			return id, fmt.Errorf("%w after %d retries: %w", workflow.ErrRetryLimitExceeded, t.Retries, t.LastError)
		}
	}

	return "", nil
}

// complete records a finished step, saves the state, and queues dependents that became ready.
func (r *run) complete(ctx context.Context, id string, result any, skipped bool) {
	r.record(id, result, skipped)

	if err := r.s.backend.SaveState(ctx, r.state); err != nil {
		r.logger.ErrorContext(ctx, "could not save workflow state", log.StepIDKey, id, "error", err)
	}

	r.ready = append(r.ready, r.graph.ReadyDependents(id, r.completed, r.started)...)
}

func (r *run) record(id string, result any, skipped bool) {
	step := r.graph.Step(id)

	if out, ok := asStepOutput(result); ok {
		if r.state.Context == nil {
			r.state.Context = make(map[string]any)
		}
		maps.Copy(r.state.Context, out.Context)
		result = out.Result
	}

	if step.OutputKey != "" && !skipped {
		if r.state.Context == nil {
			r.state.Context = make(map[string]any)
		}
		r.state.Context[step.OutputKey] = result
	}

	r.state.CompletedSteps[id] = workflow.CompletedStep{
		CompletedAt: r.s.options.Clock.Now(),
		Result:      result,
		Skipped:     skipped,
	}
	r.state.CurrentStep = id
	r.completed[id] = true

	if !skipped {
		r.s.options.Metrics.Counter(metrickeys.StepCompleted, metrics.Tags{metrickeys.StepKind: string(step.Kind)}, 1)
	}
}

// fail cancels everything still pending or running and records the failure of stepID. The
// error is also stored in the workflow context under workflow.ContextErrorKey.
func (r *run) fail(ctx context.Context, cancelRun context.CancelFunc, stepID string, err error) error {
	r.logger.ErrorContext(ctx, "step failed, canceling workflow", log.StepIDKey, stepID, "error", err)
	r.s.options.Metrics.Counter(metrickeys.StepFailed, metrics.Tags{}, 1)

	r.abort(ctx, cancelRun, stepID)

	r.state.FailedSteps[stepID] = workflow.FailedStep{
		FailedAt: r.s.options.Clock.Now(),
		Error:    err.Error(),
	}
	if r.state.Context == nil {
		r.state.Context = make(map[string]any)
	}
	r.state.Context[workflow.ContextErrorKey] = err.Error()
	r.state.Finish(workflow.StatusFailed, r.s.options.Clock.Now())

	return joinSaveError(&workflow.StepExecutionError{StepID: stepID, Err: err}, r.s.saveTerminal(ctx, r.state))
}

func (r *run) cancel(ctx context.Context, cancelRun context.CancelFunc) error {
	r.logger.WarnContext(ctx, "workflow canceled")

	r.abort(ctx, cancelRun, "")

	r.state.Finish(workflow.StatusCancelled, r.s.options.Clock.Now())

	return joinSaveError(fmt.Errorf("%w: %w", workflow.ErrWorkflowCanceled, ctx.Err()), r.s.saveTerminal(ctx, r.state))
}

func (r *run) stalled(ctx context.Context) error {
	var pending []string
	for _, id := range r.graph.IDs() {
		if !r.completed[id] {
			pending = append(pending, id)
		}
	}

	r.state.Finish(workflow.StatusFailed, r.s.options.Clock.Now())

	return joinSaveError(&workflow.CyclicDependencyError{Steps: pending}, r.s.saveTerminal(ctx, r.state))
}

// abort stops dispatching and cancels all tasks. Steps that completed before the cancellation
// keep their results; steps still running are not waited for and their results are discarded.
func (r *run) abort(ctx context.Context, cancelRun context.CancelFunc, failedStepID string) {
	r.ready = nil
	cancelRun()

	if taskID, ok := r.taskIDs[failedStepID]; ok {
		if err := r.tasks.Cancel(ctx, taskID); err != nil {
			r.logger.WarnContext(ctx, "could not cancel dependents", log.StepIDKey, failedStepID, "error", err)
		}
	}

	cancelled := r.tasks.CancelActive(ctx)
	r.logger.DebugContext(ctx, "canceled tasks", "count", len(cancelled), log.InFlightKey, len(r.inFlight))

	// Completed tasks can no longer be canceled, their goroutines are about to report
	finishing := make(map[string]bool)
	for id := range r.inFlight {
		if t, ok := r.tasks.Get(r.taskIDs[id]); ok && t.State == task.Completed {
			finishing[id] = true
		}
	}

	for len(finishing) > 0 {
		c := <-r.done
		delete(finishing, c.stepID)
		r.collect(ctx, c)
	}

	for {
		select {
		case c := <-r.done:
			r.collect(ctx, c)
		default:
			r.inFlight = map[string]bool{}
			return
		}
	}
}

// collect handles a step result that arrived after the run was aborted.
func (r *run) collect(ctx context.Context, c completion) {
	delete(r.inFlight, c.stepID)

	if c.err != nil {
		r.logger.DebugContext(ctx, "discarding late step result", log.StepIDKey, c.stepID, "error", c.err)
		return
	}

	r.logger.DebugContext(ctx, "keeping result of step completed before abort", log.StepIDKey, c.stepID)
	r.record(c.stepID, c.result, false)
}

func asStepOutput(v any) (workflow.StepOutput, bool) {
	switch out := v.(type) {
	case workflow.StepOutput:
		return out, true
	case *workflow.StepOutput:
		if out != nil {
			return *out, true
		}
	}

	return workflow.StepOutput{}, false
}
