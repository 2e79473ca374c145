package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stepflow/go-stepflow/workflow"
	"github.com/stretchr/testify/require"
)

func newTestManager(c clock.Clock) *Manager {
	return NewManager(WithClock(c), WithLogger(slog.New(slog.DiscardHandler)))
}

// advanceUntil keeps moving the mock clock until fn returns.
func advanceUntil[T any](t *testing.T, c *clock.Mock, step time.Duration, fn func() T) T {
	t.Helper()

	done := make(chan T, 1)
	go func() {
		done <- fn()
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-done:
			return r
		case <-deadline:
			t.Fatal("timed out waiting for result")
		default:
			c.Add(step)
			time.Sleep(time.Millisecond)
		}
	}
}

func Test_Manager(t *testing.T) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock)
	}{
		{
			name: "Create_AssignsFreshIDs",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a := m.Create("step-a")
				b := m.Create("step-a")

				require.NotEqual(t, a.ID, b.ID)
				require.Equal(t, Pending, a.State)
				require.Equal(t, c.Now(), a.CreatedAt)
				require.Equal(t, 3, a.MaxRetries)
				require.Equal(t, time.Second, a.RetryDelay)
			},
		},
		{
			name: "Start_RequiresCompletedDependencies",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a := m.Create("a")
				b := m.Create("b", WithDependencies(a.ID))

				_, err := m.Start(ctx, b.ID)
				require.ErrorIs(t, err, workflow.ErrDependencyNotSatisfied)

				_, err = m.Start(ctx, a.ID)
				require.NoError(t, err)

				_, err = m.Start(ctx, b.ID)
				require.ErrorIs(t, err, workflow.ErrDependencyNotSatisfied, "running is not completed")

				require.NoError(t, m.Complete(ctx, a.ID, nil))

				_, err = m.Start(ctx, b.ID)
				require.NoError(t, err)
			},
		},
		{
			name: "Start_RequiresPending",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a := m.Create("a")

				_, err := m.Start(ctx, a.ID)
				require.NoError(t, err)

				_, err = m.Start(ctx, a.ID)
				require.ErrorIs(t, err, workflow.ErrInvalidState)
			},
		},
		{
			name: "Start_UnknownTask",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				_, err := m.Start(ctx, "nope")
				require.ErrorIs(t, err, ErrTaskNotFound)
			},
		},
		{
			name: "Complete_MergesResultsAndCancelsContext",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a := m.Create("a")

				taskCtx, err := m.Start(ctx, a.ID)
				require.NoError(t, err)
				require.NoError(t, taskCtx.Err())

				c.Add(time.Second)
				require.NoError(t, m.Complete(ctx, a.ID, map[string]any{"result": 42}))
				require.ErrorIs(t, taskCtx.Err(), context.Canceled)

				got, ok := m.Get(a.ID)
				require.True(t, ok)
				require.Equal(t, Completed, got.State)
				require.Equal(t, 42, got.Results["result"])
				require.Equal(t, time.Second, got.CompletedAt.Sub(got.StartedAt))

				require.ErrorIs(t, m.Complete(ctx, a.ID, nil), workflow.ErrInvalidState)
			},
		},
		{
			name: "Fail_RecordsError",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a := m.Create("a")
				_, err := m.Start(ctx, a.ID)
				require.NoError(t, err)

				require.NoError(t, m.Fail(ctx, a.ID, errors.New("boom")))

				got, _ := m.Get(a.ID)
				require.Equal(t, Failed, got.State)
				require.EqualError(t, got.LastError, "boom")
				require.Equal(t, "boom", got.Results["error"])
			},
		},
		{
			name: "Get_ReturnsCopy",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a := m.Create("a")
				a.Results["x"] = 1
				a.State = Completed

				got, _ := m.Get(a.ID)
				require.Equal(t, Pending, got.State)
				require.NotContains(t, got.Results, "x")
			},
		},
		{
			name: "Cancel_Cascades",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a := m.Create("a")
				b := m.Create("b", WithDependencies(a.ID))
				cc := m.Create("c", WithDependencies(b.ID))
				d := m.Create("d")

				taskCtx, err := m.Start(ctx, a.ID)
				require.NoError(t, err)

				require.NoError(t, m.Cancel(ctx, a.ID))
				require.ErrorIs(t, taskCtx.Err(), context.Canceled)

				for _, id := range []string{a.ID, b.ID, cc.ID} {
					got, _ := m.Get(id)
					require.Equal(t, Cancelled, got.State)
				}

				got, _ := m.Get(d.ID)
				require.Equal(t, Pending, got.State)
			},
		},
		{
			name: "Cancel_KeepsTerminalStateButCascades",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a := m.Create("a")
				b := m.Create("b", WithDependencies(a.ID))

				_, err := m.Start(ctx, a.ID)
				require.NoError(t, err)
				require.NoError(t, m.Fail(ctx, a.ID, errors.New("boom")))

				require.NoError(t, m.Cancel(ctx, a.ID))

				got, _ := m.Get(a.ID)
				require.Equal(t, Failed, got.State)
				got, _ = m.Get(b.ID)
				require.Equal(t, Cancelled, got.State)
			},
		},
		{
			name: "CancelActive",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a := m.Create("a")
				b := m.Create("b")
				done := m.Create("done")

				_, err := m.Start(ctx, a.ID)
				require.NoError(t, err)
				_, err = m.Start(ctx, done.ID)
				require.NoError(t, err)
				require.NoError(t, m.Complete(ctx, done.ID, nil))

				cancelled := m.CancelActive(ctx)
				require.Len(t, cancelled, 2)

				for _, id := range []string{a.ID, b.ID} {
					got, _ := m.Get(id)
					require.Equal(t, Cancelled, got.State)
				}

				got, _ := m.Get(done.ID)
				require.Equal(t, Completed, got.State)
			},
		},
		{
			name: "IsTimedOut_Polled",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a := m.Create("a", WithTimeout(time.Second))
				noTimeout := m.Create("b")

				require.False(t, m.IsTimedOut(a.ID), "not started")

				taskCtx, err := m.Start(ctx, a.ID)
				require.NoError(t, err)
				_, err = m.Start(ctx, noTimeout.ID)
				require.NoError(t, err)

				c.Add(time.Second)
				require.False(t, m.IsTimedOut(a.ID))

				c.Add(time.Millisecond)
				require.True(t, m.IsTimedOut(a.ID))
				require.False(t, m.IsTimedOut(noTimeout.ID))
				require.NoError(t, taskCtx.Err(), "detection does not act on its own")

				timedOut, err := m.TimeOut(ctx, a.ID)
				require.NoError(t, err)
				require.Equal(t, TimedOut, timedOut.State)
				require.ErrorIs(t, taskCtx.Err(), context.Canceled)

				got, _ := m.Get(a.ID)
				require.Equal(t, TimedOut, got.State)
				require.ErrorIs(t, got.LastError, workflow.ErrStepTimeout)
				require.False(t, m.IsTimedOut(a.ID))
			},
		},
		{
			name: "Retry_RestartsAfterDelay",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a := m.Create("a", WithMaxRetries(2), WithRetryDelay(time.Second))

				_, err := m.Start(ctx, a.ID)
				require.NoError(t, err)
				require.NoError(t, m.Fail(ctx, a.ID, errors.New("boom")))

				start := c.Now()
				err = advanceUntil(t, c, 50*time.Millisecond, func() error {
					_, err := m.Retry(ctx, a.ID)
					return err
				})
				require.NoError(t, err)
				require.GreaterOrEqual(t, c.Now().Sub(start), time.Second)

				got, _ := m.Get(a.ID)
				require.Equal(t, Running, got.State)
				require.Equal(t, 1, got.Retries)
			},
		},
		{
			name: "Retry_BacksOff",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a := m.Create("a", WithMaxRetries(2), WithRetryDelay(time.Second), WithBackoff(2, 0))

				start := c.Now()
				_, err := m.Start(ctx, a.ID)
				require.NoError(t, err)

				for i := 0; i < 2; i++ {
					require.NoError(t, m.Fail(ctx, a.ID, errors.New("boom")))

					err = advanceUntil(t, c, 100*time.Millisecond, func() error {
						_, err := m.Retry(ctx, a.ID)
						return err
					})
					require.NoError(t, err)
				}

				// 1s + 2s
				require.GreaterOrEqual(t, c.Now().Sub(start), 3*time.Second)
			},
		},
		{
			name: "Retry_LimitExceeded",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a := m.Create("a", WithMaxRetries(2), WithRetryDelay(0))

				attempts := 0
				_, err := m.Start(ctx, a.ID)
				for err == nil {
					attempts++
					require.NoError(t, m.Fail(ctx, a.ID, errors.New("boom")))
					_, err = m.Retry(ctx, a.ID)
				}

				require.Equal(t, 3, attempts)
				require.ErrorIs(t, err, workflow.ErrRetryLimitExceeded)
				require.ErrorContains(t, err, "boom")
			},
		},
		{
			name: "Retry_OnlyFromFailedOrTimedOut",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a := m.Create("a")

				_, err := m.Retry(ctx, a.ID)
				require.ErrorIs(t, err, workflow.ErrInvalidState)
			},
		},
		{
			name: "Retry_AbortsOnCancellation",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a := m.Create("a", WithRetryDelay(time.Hour))
				_, err := m.Start(ctx, a.ID)
				require.NoError(t, err)
				require.NoError(t, m.Fail(ctx, a.ID, errors.New("boom")))

				ctx, cancel := context.WithCancel(ctx)
				cancel()

				_, err = m.Retry(ctx, a.ID)
				require.ErrorIs(t, err, context.Canceled)
			},
		},
		{
			name: "Callbacks_ErrorsAndPanicsAreSwallowed",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				var mu sync.Mutex
				var seen []State

				record := func(ctx context.Context, t Task) error {
					mu.Lock()
					defer mu.Unlock()
					seen = append(seen, t.State)
					return nil
				}

				m.RegisterCallback(Running, func(ctx context.Context, t Task) error {
					return errors.New("callback failed")
				})
				m.RegisterCallback(Running, record)
				m.RegisterCallback(Completed, func(ctx context.Context, t Task) error {
					panic("callback panicked")
				})
				m.RegisterCallback(Completed, record)

				a := m.Create("a")
				_, err := m.Start(ctx, a.ID)
				require.NoError(t, err)
				require.NoError(t, m.Complete(ctx, a.ID, nil))

				require.Equal(t, []State{Running, Completed}, seen)

				got, _ := m.Get(a.ID)
				require.Equal(t, Completed, got.State)
			},
		},
		{
			name: "ByOwnerAndActive",
			f: func(t *testing.T, ctx context.Context, m *Manager, c *clock.Mock) {
				a1 := m.Create("a")
				m.Create("a")
				m.Create("b")

				_, err := m.Start(ctx, a1.ID)
				require.NoError(t, err)

				require.Len(t, m.ByOwner("a"), 2)
				require.Len(t, m.ByOwner("b"), 1)

				active := m.Active()
				require.Len(t, active, 1)
				require.Equal(t, a1.ID, active[0].ID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := clock.NewMock()
			tt.f(t, context.Background(), newTestManager(c), c)
		})
	}
}

func Test_State_String(t *testing.T) {
	require.Equal(t, "timed_out", TimedOut.String())
	require.True(t, TimedOut.Retryable())
	require.False(t, Cancelled.Retryable())
	require.True(t, Cancelled.Terminal())
	require.False(t, Running.Terminal())
}
