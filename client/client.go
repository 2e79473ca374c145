package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/internal/tracing"
	"github.com/stepflow/go-stepflow/workflow"
)

var ErrWaitTimeout = errors.New("workflow did not finish in specified timeout")

const defaultWaitTimeout = time.Second * 20

type Client struct {
	backend backend.Backend
	clock   clock.Clock
}

func New(b backend.Backend) *Client {
	return &Client{
		backend: b,
		clock:   clock.New(),
	}
}

// GetWorkflowState returns the last persisted state of the given workflow.
func (c *Client) GetWorkflowState(ctx context.Context, workflowID string) (*workflow.State, error) {
	ctx, span := c.backend.Tracer().Start(ctx, "GetWorkflowState", trace.WithAttributes(
		attribute.String(tracing.WorkflowID, workflowID),
	))
	defer span.End()

	state, err := c.backend.LoadState(ctx, workflowID)
	if err != nil {
		return nil, tracing.WithSpanError(span, err)
	}

	return state, nil
}

// ListWorkflows returns a summary of every stored workflow.
func (c *Client) ListWorkflows(ctx context.Context) ([]workflow.Summary, error) {
	ctx, span := c.backend.Tracer().Start(ctx, "ListWorkflows")
	defer span.End()

	summaries, err := c.backend.ListStates(ctx)
	if err != nil {
		return nil, tracing.WithSpanError(span, fmt.Errorf("listing workflows: %w", err))
	}

	return summaries, nil
}

// WaitForWorkflow waits for the given workflow to reach a terminal status or until the given
// timeout has expired. Workflows that have not been saved yet are waited for as well.
//
// Backends implementing backend.StateNotifier wake the waiter as soon as a state is saved,
// all others are polled with an exponential backoff.
func (c *Client) WaitForWorkflow(ctx context.Context, workflowID string, timeout time.Duration) (*workflow.State, error) {
	if timeout == 0 {
		timeout = defaultWaitTimeout
	}

	ctx, span := c.backend.Tracer().Start(ctx, "WaitForWorkflow", trace.WithAttributes(
		attribute.String(tracing.WorkflowID, workflowID),
	))
	defer span.End()

	b := backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond * 1,
		MaxInterval:         time.Second * 1,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      timeout,
		Stop:                backoff.Stop,
		Clock:               c.clock,
	}
	b.Reset()

	ticker := backoff.NewTicker(&b)
	defer ticker.Stop()

	for {
		// Subscribe before loading, a save in between closes this channel
		changed := c.stateChanged()

		state, err := c.backend.LoadState(ctx, workflowID)
		switch {
		case err == nil:
			if state.Status.Terminal() {
				return state, nil
			}
		case errors.Is(err, workflow.ErrWorkflowNotFound):
		default:
			return nil, tracing.WithSpanError(span, fmt.Errorf("getting workflow state: %w", err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		case _, ok := <-ticker.C:
			if !ok {
				return nil, tracing.WithSpanError(span, ErrWaitTimeout)
			}
		}
	}
}

func (c *Client) stateChanged() <-chan struct{} {
	if n, ok := c.backend.(backend.StateNotifier); ok {
		return n.StateChanged()
	}

	return nil
}

// GetWorkflowResult waits for the workflow to finish and returns the result of every step. For
// failed workflows the error is a *workflow.StepExecutionError for the step that failed.
func (c *Client) GetWorkflowResult(ctx context.Context, workflowID string, timeout time.Duration) (map[string]any, error) {
	state, err := c.WaitForWorkflow(ctx, workflowID, timeout)
	if err != nil {
		return nil, fmt.Errorf("workflow did not finish in time: %w", err)
	}

	switch state.Status {
	case workflow.StatusCompleted:
		return state.Results(), nil

	case workflow.StatusCancelled:
		return nil, workflow.ErrWorkflowCanceled

	default:
		for stepID, failed := range state.FailedSteps {
			return nil, &workflow.StepExecutionError{StepID: stepID, Err: errors.New(failed.Error)}
		}

		return nil, fmt.Errorf("workflow %s finished with status %s", workflowID, state.Status)
	}
}

// GetStepResult returns the recorded result of a completed step converted to T.
func GetStepResult[T any](ctx context.Context, c *Client, workflowID, stepID string) (T, error) {
	state, err := c.GetWorkflowState(ctx, workflowID)
	if err != nil {
		return *new(T), err
	}

	cs, ok := state.CompletedSteps[stepID]
	if !ok {
		return *new(T), fmt.Errorf("step %q of workflow %s has not completed", stepID, workflowID)
	}

	// Results went through the backend's JSON encoding, convert them the same way
	data, err := json.Marshal(cs.Result)
	if err != nil {
		return *new(T), fmt.Errorf("converting result: %w", err)
	}

	var r T
	if err := json.Unmarshal(data, &r); err != nil {
		return *new(T), fmt.Errorf("converting result: %w", err)
	}

	return r, nil
}

// RemoveWorkflows removes stored workflows matching the given options.
func (c *Client) RemoveWorkflows(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	ctx, span := c.backend.Tracer().Start(ctx, "RemoveWorkflows")
	defer span.End()

	removed, err := c.backend.RemoveStates(ctx, options...)
	if err != nil {
		return 0, tracing.WithSpanError(span, fmt.Errorf("removing workflows: %w", err))
	}

	c.backend.Logger().DebugContext(ctx, "Removed workflows", "count", removed)

	return removed, nil
}

// Cleanup removes every workflow that was last saved more than maxAgeDays ago.
func (c *Client) Cleanup(ctx context.Context, maxAgeDays int) (int, error) {
	return c.RemoveWorkflows(ctx, backend.RemoveSavedBefore(c.clock.Now().Add(-time.Duration(maxAgeDays)*24*time.Hour)))
}

