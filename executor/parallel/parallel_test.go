package parallel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stepflow/go-stepflow/executor"
	"github.com/stepflow/go-stepflow/workflow"
	"github.com/stretchr/testify/require"
)

func parallelStep(params map[string]any) *workflow.Step {
	return &workflow.Step{
		ID:    "fanout",
		Name:  "fanout",
		Kind:  workflow.StepKindParallel,
		Input: workflow.StepInput{Parameters: params},
	}
}

func Test_Executor_RunsBranches(t *testing.T) {
	var active, peak atomic.Int32

	delegate := executor.Func(func(ctx context.Context, step *workflow.Step, vars map[string]any) (any, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(5 * time.Millisecond)
		return step.ID + ":" + vars["user"].(string), nil
	})

	// JSON form, as loaded from a definition file
	step := parallelStep(map[string]any{
		"max_concurrent": float64(2),
		"branches": []any{
			map[string]any{"id": "a", "name": "a", "type": "tool"},
			map[string]any{"id": "b", "name": "b", "type": "tool"},
			map[string]any{"id": "c", "name": "c", "type": "tool"},
		},
	})

	r, err := New(delegate).Execute(context.Background(), step, map[string]any{"user": "bob"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": "a:bob", "b": "b:bob", "c": "c:bob"}, r)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func Test_Executor_BranchesGetOwnVars(t *testing.T) {
	delegate := executor.Func(func(ctx context.Context, step *workflow.Step, vars map[string]any) (any, error) {
		vars["branch"] = step.ID
		time.Sleep(time.Millisecond)
		return vars["branch"], nil
	})

	step := parallelStep(map[string]any{
		"branches": []any{
			map[string]any{"id": "a", "name": "a", "type": "tool"},
			map[string]any{"id": "b", "name": "b", "type": "tool"},
			map[string]any{"id": "c", "name": "c", "type": "tool"},
		},
	})

	vars := map[string]any{"user": "bob"}
	r, err := New(delegate).Execute(context.Background(), step, vars)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": "a", "b": "b", "c": "c"}, r)
	require.Equal(t, map[string]any{"user": "bob"}, vars)
}

func Test_Executor_FirstFailureCancelsSiblings(t *testing.T) {
	delegate := executor.Func(func(ctx context.Context, step *workflow.Step, vars map[string]any) (any, error) {
		if step.ID == "bad" {
			return nil, errors.New("boom")
		}

		<-ctx.Done()
		return nil, ctx.Err()
	})

	step := parallelStep(map[string]any{
		"branches": []*workflow.Step{
			{ID: "slow", Name: "slow", Kind: workflow.StepKindTool},
			{ID: "bad", Name: "bad", Kind: workflow.StepKindTool},
		},
	})

	_, err := New(delegate).Execute(context.Background(), step, nil)
	require.ErrorContains(t, err, `branch "bad": boom`)
}

func Test_Branches_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
	}{
		{name: "Missing", params: map[string]any{}},
		{name: "Empty", params: map[string]any{"branches": []any{}}},
		{name: "NoID", params: map[string]any{"branches": []any{map[string]any{"name": "x"}}}},
		{name: "Duplicate", params: map[string]any{"branches": []any{
			map[string]any{"id": "x"},
			map[string]any{"id": "x"},
		}}},
		{name: "NotAList", params: map[string]any{"branches": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil).Execute(context.Background(), parallelStep(tt.params), nil)
			require.Error(t, err)
			require.False(t, workflow.CanRetry(err))
		})
	}
}
