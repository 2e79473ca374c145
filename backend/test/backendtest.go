package test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/workflow"
)

// BackendTest runs the storage conformance suite against backends returned by setup.
func BackendTest(t *testing.T, setup func() backend.Backend, teardown func(b backend.Backend)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b backend.Backend)
	}{
		{
			name: "LoadState_ReturnsNotFound",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				s, err := b.LoadState(ctx, uuid.NewString())
				require.Nil(t, s)
				require.ErrorIs(t, err, workflow.ErrWorkflowNotFound)
			},
		},
		{
			name: "SaveState_RoundTrips",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				s := newState(uuid.NewString())
				s.Context["count"] = float64(3)
				s.CompletedSteps["a"] = workflow.CompletedStep{
					CompletedAt: s.StartTime.Add(time.Second),
					Result:      map[string]any{"content": "hello"},
				}
				s.CompletedSteps["b"] = workflow.CompletedStep{
					CompletedAt: s.StartTime.Add(2 * time.Second),
					Skipped:     true,
				}
				s.CurrentStep = "b"

				require.NoError(t, b.SaveState(ctx, s))

				loaded, err := b.LoadState(ctx, s.WorkflowID)
				require.NoError(t, err)
				require.Equal(t, s.WorkflowID, loaded.WorkflowID)
				require.Equal(t, workflow.StatusRunning, loaded.Status)
				require.True(t, s.StartTime.Equal(loaded.StartTime))
				require.Nil(t, loaded.EndTime)
				require.Equal(t, "b", loaded.CurrentStep)
				require.Equal(t, float64(3), loaded.Context["count"])
				require.Equal(t, map[string]any{"content": "hello"}, loaded.CompletedSteps["a"].Result)
				require.True(t, loaded.CompletedSteps["b"].Skipped)
				require.Empty(t, loaded.FailedSteps)
			},
		},
		{
			name: "SaveState_Overwrites",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				s := newState(uuid.NewString())
				require.NoError(t, b.SaveState(ctx, s))

				s.FailedSteps["a"] = workflow.FailedStep{FailedAt: s.StartTime, Error: "boom"}
				s.Finish(workflow.StatusFailed, s.StartTime.Add(time.Minute))
				require.NoError(t, b.SaveState(ctx, s))

				loaded, err := b.LoadState(ctx, s.WorkflowID)
				require.NoError(t, err)
				require.Equal(t, workflow.StatusFailed, loaded.Status)
				require.NotNil(t, loaded.EndTime)
				require.True(t, s.EndTime.Equal(*loaded.EndTime))
				require.Equal(t, "boom", loaded.FailedSteps["a"].Error)
			},
		},
		{
			name: "SaveState_RejectsInvalidID",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				err := b.SaveState(ctx, newState("../escape"))
				require.ErrorIs(t, err, backend.ErrInvalidWorkflowID)
			},
		},
		{
			name: "LoadState_IsolatedFromCaller",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				s := newState(uuid.NewString())
				require.NoError(t, b.SaveState(ctx, s))

				s.Context["late"] = true

				loaded, err := b.LoadState(ctx, s.WorkflowID)
				require.NoError(t, err)
				require.NotContains(t, loaded.Context, "late")
			},
		},
		{
			name: "ListStates_ReturnsSummaries",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				a := newState(uuid.NewString())
				c := newState(uuid.NewString())
				c.Finish(workflow.StatusCompleted, c.StartTime.Add(time.Second))

				require.NoError(t, b.SaveState(ctx, a))
				require.NoError(t, b.SaveState(ctx, c))

				summaries, err := b.ListStates(ctx)
				require.NoError(t, err)

				byID := map[string]workflow.Summary{}
				for _, s := range summaries {
					byID[s.WorkflowID] = s
				}

				require.Contains(t, byID, a.WorkflowID)
				require.Contains(t, byID, c.WorkflowID)
				require.Equal(t, workflow.StatusRunning, byID[a.WorkflowID].Status)
				require.Nil(t, byID[a.WorkflowID].EndTime)
				require.Equal(t, workflow.StatusCompleted, byID[c.WorkflowID].Status)
				require.NotNil(t, byID[c.WorkflowID].EndTime)
			},
		},
		{
			name: "SaveDefinition_RoundTrips",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				retries := 2
				def := &workflow.Definition{
					ID:   uuid.NewString(),
					Name: "greeting",
					Steps: []*workflow.Step{
						{ID: "a", Kind: workflow.StepKindChat, Input: workflow.StepInput{Parameters: map[string]any{"content": "hi"}}},
						{
							ID:           "b",
							Kind:         workflow.StepKindTool,
							Dependencies: []string{"a"},
							Timeout:      workflow.Duration(5 * time.Second),
							RetryLimit:   &retries,
						},
					},
				}

				require.NoError(t, b.SaveDefinition(ctx, def))

				loaded, err := b.LoadDefinition(ctx, def.ID)
				require.NoError(t, err)
				require.Equal(t, def.Name, loaded.Name)
				require.Len(t, loaded.Steps, 2)
				require.Equal(t, "hi", loaded.Steps[0].Input.Parameters["content"])
				require.Equal(t, []string{"a"}, loaded.Steps[1].Dependencies)
				require.Equal(t, 5*time.Second, loaded.Steps[1].Timeout.Std())
				require.Equal(t, 2, loaded.Steps[1].Retries())
			},
		},
		{
			name: "LoadDefinition_ReturnsNotFound",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				def, err := b.LoadDefinition(ctx, uuid.NewString())
				require.Nil(t, def)
				require.ErrorIs(t, err, workflow.ErrWorkflowNotFound)
			},
		},
		{
			name: "RemoveStates_WithoutOptionsRemovesNothing",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				s := newState(uuid.NewString())
				require.NoError(t, b.SaveState(ctx, s))

				n, err := b.RemoveStates(ctx)
				require.NoError(t, err)
				require.Zero(t, n)

				_, err = b.LoadState(ctx, s.WorkflowID)
				require.NoError(t, err)
			},
		},
		{
			name: "RemoveStates_RemovesOlderStates",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				s := newState(uuid.NewString())
				require.NoError(t, b.SaveState(ctx, s))
				require.NoError(t, b.SaveDefinition(ctx, &workflow.Definition{ID: s.WorkflowID, Name: "x"}))

				n, err := b.RemoveStates(ctx, backend.RemoveSavedBefore(time.Now().Add(time.Hour)))
				require.NoError(t, err)
				require.GreaterOrEqual(t, n, 1)

				_, err = b.LoadState(ctx, s.WorkflowID)
				require.ErrorIs(t, err, workflow.ErrWorkflowNotFound)

				_, err = b.LoadDefinition(ctx, s.WorkflowID)
				require.ErrorIs(t, err, workflow.ErrWorkflowNotFound)
			},
		},
		{
			name: "RemoveStates_KeepsRecentStates",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				s := newState(uuid.NewString())
				require.NoError(t, b.SaveState(ctx, s))

				_, err := b.RemoveStates(ctx, backend.RemoveSavedBefore(time.Now().Add(-time.Hour)))
				require.NoError(t, err)

				_, err = b.LoadState(ctx, s.WorkflowID)
				require.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup()
			ctx := context.Background()

			tt.f(t, ctx, b)

			if teardown != nil {
				teardown(b)
			}
		})
	}
}

func newState(id string) *workflow.State {
	return workflow.NewState(id, time.Now().UTC().Truncate(time.Second), map[string]any{})
}
