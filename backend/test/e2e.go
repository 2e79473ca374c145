package test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/client"
	"github.com/stepflow/go-stepflow/executor"
	"github.com/stepflow/go-stepflow/scheduler"
	"github.com/stepflow/go-stepflow/workflow"
)

// EndToEndBackendTest runs workflows through the scheduler against the given backend.
func EndToEndBackendTest(t *testing.T, setup func() backend.Backend, teardown func(b backend.Backend)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b backend.Backend, c *client.Client)
	}{
		{
			name: "SimpleWorkflow",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *client.Client) {
				s := newScheduler(b, executor.Func(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					return s.ID + " done", nil
				}))

				def := diamond(uuid.NewString())
				r, err := s.ExecuteWorkflow(ctx, def, map[string]any{"msg": "hello"})
				require.NoError(t, err)
				require.Equal(t, "D done", r["D"])

				state, err := c.GetWorkflowState(ctx, def.ID)
				require.NoError(t, err)
				require.Equal(t, workflow.StatusCompleted, state.Status)
				require.Len(t, state.CompletedSteps, 4)
				require.Equal(t, "hello", state.Context["msg"])
				require.NotNil(t, state.EndTime)
			},
		},
		{
			name: "DefinitionIsPersisted",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *client.Client) {
				s := newScheduler(b, executor.Func(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					return nil, nil
				}))

				def := diamond(uuid.NewString())
				_, err := s.ExecuteWorkflow(ctx, def, nil)
				require.NoError(t, err)

				stored, err := b.LoadDefinition(ctx, def.ID)
				require.NoError(t, err)
				require.Equal(t, def.ID, stored.ID)
				require.Len(t, stored.Steps, 4)
				require.Equal(t, []string{"B", "C"}, stored.Steps[3].Dependencies)
			},
		},
		{
			name: "FailedWorkflowCanBeResumed",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *client.Client) {
				var broken atomic.Bool
				broken.Store(true)

				var calls atomic.Int32
				s := newScheduler(b, executor.Func(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					calls.Add(1)

					if s.ID == "D" && broken.Load() {
						return nil, errors.New("d is broken")
					}

					return s.ID, nil
				}))

				def := diamond(uuid.NewString())
				_, err := s.ExecuteWorkflow(ctx, def, nil)

				var stepErr *workflow.StepExecutionError
				require.ErrorAs(t, err, &stepErr)
				require.Equal(t, "D", stepErr.StepID)

				state, err := c.GetWorkflowState(ctx, def.ID)
				require.NoError(t, err)
				require.Equal(t, workflow.StatusFailed, state.Status)
				require.Len(t, state.CompletedSteps, 3)
				require.Equal(t, "d is broken", state.FailedSteps["D"].Error)

				broken.Store(false)
				calls.Store(0)

				r, err := s.ResumeWorkflow(ctx, def.ID)
				require.NoError(t, err)
				require.Equal(t, map[string]any{"A": "A", "B": "B", "C": "C", "D": "D"}, r)
				require.Equal(t, int32(1), calls.Load())
			},
		},
		{
			name: "WaitForWorkflow",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *client.Client) {
				s := newScheduler(b, executor.Func(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					time.Sleep(5 * time.Millisecond)
					return s.ID, nil
				}))

				def := diamond(uuid.NewString())
				go func() {
					_, _ = s.ExecuteWorkflow(ctx, def, nil)
				}()

				r, err := c.GetWorkflowResult(ctx, def.ID, time.Second*10)
				require.NoError(t, err)
				require.Len(t, r, 4)
			},
		},
		{
			name: "ListAndRemoveWorkflows",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *client.Client) {
				s := newScheduler(b, executor.Func(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					return nil, nil
				}))

				ids := []string{uuid.NewString(), uuid.NewString()}
				for _, id := range ids {
					_, err := s.ExecuteWorkflow(ctx, diamond(id), nil)
					require.NoError(t, err)
				}

				stats, err := c.GetStats(ctx)
				require.NoError(t, err)
				require.GreaterOrEqual(t, stats.ByStatus[workflow.StatusCompleted], int64(2))

				removed, err := c.RemoveWorkflows(ctx, backend.RemoveSavedBefore(time.Now().Add(time.Hour)))
				require.NoError(t, err)
				require.GreaterOrEqual(t, removed, 2)

				for _, id := range ids {
					_, err := c.GetWorkflowState(ctx, id)
					require.ErrorIs(t, err, workflow.ErrWorkflowNotFound)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup()
			ctx := context.Background()
			ctx, cancel := context.WithCancel(ctx)

			c := client.New(b)

			tt.f(t, ctx, b, c)

			cancel()

			if teardown != nil {
				teardown(b)
			}
		})
	}
}

func newScheduler(b backend.Backend, exec executor.StepExecutor) *scheduler.Scheduler {
	return scheduler.New(exec, b,
		scheduler.WithMaxParallel(2),
		scheduler.WithLogger(slog.New(slog.DiscardHandler)),
	)
}

func diamond(id string) *workflow.Definition {
	return &workflow.Definition{
		ID:   id,
		Name: "diamond",
		Steps: []*workflow.Step{
			{ID: "A", Name: "A", Kind: workflow.StepKindTool},
			{ID: "B", Name: "B", Kind: workflow.StepKindTool, Dependencies: []string{"A"}},
			{ID: "C", Name: "C", Kind: workflow.StepKindTool, Dependencies: []string{"A"}},
			{ID: "D", Name: "D", Kind: workflow.StepKindTool, Dependencies: []string{"B", "C"}},
		},
	}
}
