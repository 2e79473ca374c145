package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stepflow/go-stepflow/workflow"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Send(ctx context.Context, req Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func chatStep(content string, vars ...string) *workflow.Step {
	return &workflow.Step{
		ID:   "ask",
		Name: "ask",
		Kind: workflow.StepKindChat,
		Input: workflow.StepInput{
			Parameters:  map[string]any{"content": content},
			ContextVars: vars,
		},
	}
}

func Test_Executor_InterpolatesContent(t *testing.T) {
	c := &mockClient{}
	c.On("Send", mock.Anything, mock.MatchedBy(func(req Request) bool {
		return req.StepID == "ask" && req.Content == "Summarize report.txt for alice"
	})).Return("summary", nil)

	e := New(c)
	r, err := e.Execute(context.Background(), chatStep("Summarize {file} for {user}", "file", "user"), map[string]any{
		"file": "report.txt",
		"user": "alice",
	})

	require.NoError(t, err)
	require.Equal(t, "summary", r)
	c.AssertExpectations(t)
}

func Test_Executor_MissingContentIsPermanent(t *testing.T) {
	e := New(&mockClient{})

	_, err := e.Execute(context.Background(), chatStep(""), nil)
	require.ErrorIs(t, err, ErrMissingContent)
	require.False(t, workflow.CanRetry(err))
}

func Test_Executor_WrapsClientError(t *testing.T) {
	c := &mockClient{}
	c.On("Send", mock.Anything, mock.Anything).Return("", errors.New("rate limited"))

	_, err := New(c).Execute(context.Background(), chatStep("hi"), nil)
	require.EqualError(t, err, `chat step "ask" failed: rate limited`)
	require.True(t, workflow.CanRetry(err))
}

func Test_Executor_ResponseTimeout(t *testing.T) {
	c := ClientFunc(func(ctx context.Context, req Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	e := New(c, WithResponseTimeout(10*time.Millisecond))

	_, err := e.Execute(context.Background(), chatStep("hi"), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorContains(t, err, "timed out")
}
