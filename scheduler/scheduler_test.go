package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/backend/memory"
	"github.com/stepflow/go-stepflow/executor"
	"github.com/stepflow/go-stepflow/internal/metrickeys"
	im "github.com/stepflow/go-stepflow/internal/metrics"
	"github.com/stepflow/go-stepflow/task"
	"github.com/stepflow/go-stepflow/workflow"
)

func step(id string, deps ...string) *workflow.Step {
	return &workflow.Step{ID: id, Name: id, Kind: workflow.StepKindTool, Dependencies: deps}
}

func definition(id string, steps ...*workflow.Step) *workflow.Definition {
	return &workflow.Definition{ID: id, Name: id, Steps: steps}
}

func retries(n int) *int {
	return &n
}

// recorder tracks the order and concurrency of step executions.
type recorder struct {
	mu       sync.Mutex
	started  []string
	finished []string
	calls    map[string]int

	current atomic.Int32
	peak    atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{calls: map[string]int{}}
}

func (r *recorder) wrap(f executor.Func) executor.Func {
	return func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
		n := r.current.Add(1)
		for {
			p := r.peak.Load()
			if n <= p || r.peak.CompareAndSwap(p, n) {
				break
			}
		}

		r.mu.Lock()
		r.started = append(r.started, s.ID)
		r.calls[s.ID]++
		r.mu.Unlock()

		defer func() {
			r.current.Add(-1)

			r.mu.Lock()
			r.finished = append(r.finished, s.ID)
			r.mu.Unlock()
		}()

		return f(ctx, s, vars)
	}
}

func (r *recorder) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.calls[id]
}

func echo(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
	return s.ID + "-result", nil
}

func newScheduler(exec executor.StepExecutor, b backend.Backend, opts ...Option) *Scheduler {
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	return New(exec, b, opts...)
}

func Test_Scheduler(t *testing.T) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b backend.Backend)
	}{
		{
			name: "Diamond_RespectsDependencies",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				var mu sync.Mutex
				completed := map[string]bool{}

				rec := newRecorder()
				exec := rec.wrap(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					mu.Lock()
					for _, dep := range s.Dependencies {
						if !completed[dep] {
							mu.Unlock()
							return nil, workflow.NewPermanentError(errors.New(s.ID + " started before " + dep))
						}
					}
					mu.Unlock()

					time.Sleep(5 * time.Millisecond)

					mu.Lock()
					completed[s.ID] = true
					mu.Unlock()

					return s.ID + "-result", nil
				})

				s := newScheduler(exec, b, WithMaxParallel(2))
				r, err := s.ExecuteWorkflow(ctx, definition("diamond",
					step("A"),
					step("B", "A"),
					step("C", "A"),
					step("D", "B", "C"),
				), nil)

				require.NoError(t, err)
				require.Equal(t, map[string]any{
					"A": "A-result",
					"B": "B-result",
					"C": "C-result",
					"D": "D-result",
				}, r)
				require.Equal(t, "A", rec.started[0])
				require.Equal(t, "D", rec.started[3])
				require.LessOrEqual(t, rec.peak.Load(), int32(2))

				state, err := b.LoadState(ctx, "diamond")
				require.NoError(t, err)
				require.Equal(t, workflow.StatusCompleted, state.Status)
				require.NotNil(t, state.EndTime)
				require.Len(t, state.CompletedSteps, 4)
				require.Empty(t, state.FailedSteps)
			},
		},
		{
			name: "IndependentSiblings_RunConcurrently",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				// B and C only finish once both of them are running
				var wg sync.WaitGroup
				wg.Add(2)

				exec := executor.Func(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					if s.ID == "B" || s.ID == "C" {
						wg.Done()
						wg.Wait()
					}

					return s.ID, nil
				})

				s := newScheduler(exec, b, WithMaxParallel(2))
				_, err := s.ExecuteWorkflow(ctx, definition("siblings",
					step("A"),
					step("B", "A"),
					step("C", "A"),
				), nil)
				require.NoError(t, err)
			},
		},
		{
			name: "ConcurrencyBound",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				rec := newRecorder()
				exec := rec.wrap(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					time.Sleep(5 * time.Millisecond)
					return nil, nil
				})

				steps := make([]*workflow.Step, 0)
				for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
					steps = append(steps, step(id))
				}

				s := newScheduler(exec, b, WithMaxParallel(3))
				r, err := s.ExecuteWorkflow(ctx, definition("bounded", steps...), nil)
				require.NoError(t, err)
				require.Len(t, r, 8)
				require.LessOrEqual(t, rec.peak.Load(), int32(3))
			},
		},
		{
			name: "FailFast_CancelsRunningAndSkipsPending",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				cStarted := make(chan struct{})
				var cCanceled atomic.Bool

				rec := newRecorder()
				exec := rec.wrap(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					switch s.ID {
					case "B":
						<-cStarted
						return nil, errors.New("b exploded")
					case "C":
						close(cStarted)
						<-ctx.Done()
						cCanceled.Store(true)
						return nil, ctx.Err()
					}

					return s.ID, nil
				})

				s := newScheduler(exec, b, WithMaxParallel(2))
				r, err := s.ExecuteWorkflow(ctx, definition("failfast",
					step("A"),
					step("B", "A"),
					step("C", "A"),
					step("D", "B", "C"),
				), nil)

				require.Nil(t, r)

				var stepErr *workflow.StepExecutionError
				require.ErrorAs(t, err, &stepErr)
				require.Equal(t, "B", stepErr.StepID)
				require.ErrorContains(t, err, "b exploded")

				require.Eventually(t, cCanceled.Load, time.Second, time.Millisecond)
				require.Zero(t, rec.callCount("D"))

				state, err := b.LoadState(ctx, "failfast")
				require.NoError(t, err)
				require.Equal(t, workflow.StatusFailed, state.Status)
				require.Contains(t, state.CompletedSteps, "A")
				require.NotContains(t, state.CompletedSteps, "C")
				require.Equal(t, "b exploded", state.FailedSteps["B"].Error)

				goleak.VerifyNone(t)
			},
		},
		{
			name: "Retry_AttemptsAtMostLimitPlusOne",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				rec := newRecorder()
				exec := rec.wrap(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					return nil, errors.New("flaky")
				})

				st := step("A")
				st.RetryLimit = retries(2)
				st.RetryDelay = workflow.Duration(time.Millisecond)

				s := newScheduler(exec, b)
				_, err := s.ExecuteWorkflow(ctx, definition("retry-bound", st), nil)

				require.ErrorIs(t, err, workflow.ErrRetryLimitExceeded)
				require.ErrorContains(t, err, "flaky")
				require.Equal(t, 3, rec.callCount("A"))
			},
		},
		{
			name: "Retry_SucceedsAfterFailures",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				var attempts atomic.Int32
				exec := executor.Func(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					if attempts.Add(1) < 3 {
						return nil, errors.New("not yet")
					}

					return "done", nil
				})

				st := step("A")
				st.RetryLimit = retries(5)

				s := newScheduler(exec, b, WithDefaultRetryDelay(time.Millisecond))
				r, err := s.ExecuteWorkflow(ctx, definition("retry-success", st), nil)

				require.NoError(t, err)
				require.Equal(t, "done", r["A"])
				require.Equal(t, int32(3), attempts.Load())
			},
		},
		{
			name: "Retry_PermanentErrorIsNotRetried",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				rec := newRecorder()
				exec := rec.wrap(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					return nil, workflow.NewPermanentError(errors.New("bad input"))
				})

				st := step("A")
				st.RetryLimit = retries(3)

				s := newScheduler(exec, b, WithDefaultRetryDelay(time.Millisecond))
				_, err := s.ExecuteWorkflow(ctx, definition("permanent", st), nil)

				require.ErrorContains(t, err, "bad input")
				require.NotErrorIs(t, err, workflow.ErrRetryLimitExceeded)
				require.Equal(t, 1, rec.callCount("A"))
			},
		},
		{
			name: "NoRetryLimit_FailsOnFirstError",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				rec := newRecorder()
				exec := rec.wrap(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					return nil, errors.New("nope")
				})

				s := newScheduler(exec, b)
				_, err := s.ExecuteWorkflow(ctx, definition("no-retry", step("A")), nil)

				require.ErrorContains(t, err, "nope")
				require.NotErrorIs(t, err, workflow.ErrRetryLimitExceeded)
				require.Equal(t, 1, rec.callCount("A"))
			},
		},
		{
			name: "CyclicDependency_ReturnsError",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				rec := newRecorder()
				s := newScheduler(rec.wrap(echo), b)

				_, err := s.ExecuteWorkflow(ctx, definition("cycle",
					step("X", "Y"),
					step("Y", "X"),
				), nil)

				require.ErrorIs(t, err, workflow.ErrCyclicDependency)

				var cycleErr *workflow.CyclicDependencyError
				require.ErrorAs(t, err, &cycleErr)
				require.ElementsMatch(t, []string{"X", "Y"}, cycleErr.Steps)
				require.Empty(t, rec.started)
			},
		},
		{
			name: "UnknownDependency_ReturnsInvalidGraph",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				s := newScheduler(executor.Func(echo), b)

				_, err := s.ExecuteWorkflow(ctx, definition("unknown", step("A", "missing")), nil)
				require.ErrorIs(t, err, workflow.ErrInvalidGraph)

				_, err = b.LoadState(ctx, "unknown")
				require.ErrorIs(t, err, workflow.ErrWorkflowNotFound)
			},
		},
		{
			name: "UnknownStepKind_ReturnsError",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				s := newScheduler(executor.Func(echo), b)

				_, err := s.ExecuteWorkflow(ctx, definition("kind", &workflow.Step{ID: "A", Name: "A", Kind: "teleport"}), nil)
				require.ErrorIs(t, err, workflow.ErrUnknownStepType)
			},
		},
		{
			name: "Condition_SkipsStepAndUnblocksDependents",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				rec := newRecorder()
				s := newScheduler(rec.wrap(echo), b)

				fast := step("fast", "A")
				fast.Condition = `{{ eq .context.mode "fast" }}`

				slow := step("slow", "A")
				slow.Condition = `{{ eq .context.mode "slow" }}`

				r, err := s.ExecuteWorkflow(ctx, definition("condition",
					step("A"),
					fast,
					slow,
					step("D", "fast", "slow"),
				), map[string]any{"mode": "slow"})

				require.NoError(t, err)
				require.Zero(t, rec.callCount("fast"))
				require.Equal(t, 1, rec.callCount("slow"))
				require.Equal(t, 1, rec.callCount("D"))
				require.Nil(t, r["fast"])
				require.Equal(t, "slow-result", r["slow"])

				state, err := b.LoadState(ctx, "condition")
				require.NoError(t, err)
				require.True(t, state.CompletedSteps["fast"].Skipped)
				require.False(t, state.CompletedSteps["slow"].Skipped)
			},
		},
		{
			name: "Condition_ReferencesResults",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				rec := newRecorder()
				s := newScheduler(rec.wrap(echo), b)

				follow := step("B", "A")
				follow.Condition = `{{ eq .results.A "A-result" }}`

				_, err := s.ExecuteWorkflow(ctx, definition("condition-results", step("A"), follow), nil)
				require.NoError(t, err)
				require.Equal(t, 1, rec.callCount("B"))
			},
		},
		{
			name: "Condition_InvalidFailsWorkflow",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				s := newScheduler(executor.Func(echo), b)

				broken := step("B", "A")
				broken.Condition = `{{ .context.value }}`

				_, err := s.ExecuteWorkflow(ctx, definition("condition-invalid", step("A"), broken), map[string]any{"value": "maybe"})

				var stepErr *workflow.StepExecutionError
				require.ErrorAs(t, err, &stepErr)
				require.Equal(t, "B", stepErr.StepID)
			},
		},
		{
			name: "Context_MergedFromStepOutputAndOutputKey",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				var seen map[string]any
				exec := executor.Func(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					switch s.ID {
					case "A":
						return workflow.StepOutput{Result: "a", Context: map[string]any{"from_a": 1}}, nil
					case "B":
						return "b", nil
					}

					seen = vars
					return "c", nil
				})

				b2 := step("B")
				b2.OutputKey = "b_out"

				s := newScheduler(exec, b)
				r, err := s.ExecuteWorkflow(ctx, definition("context",
					step("A"),
					b2,
					step("C", "A", "B"),
				), map[string]any{"initial": true})

				require.NoError(t, err)
				require.Equal(t, "a", r["A"])
				require.Equal(t, map[string]any{"initial": true, "from_a": 1, "b_out": "b"}, seen)

				state, err := b.LoadState(ctx, "context")
				require.NoError(t, err)
				require.Equal(t, "b", state.Context["b_out"])
				require.Equal(t, float64(1), state.Context["from_a"])
			},
		},
		{
			name: "Context_SnapshotIsPrivate",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				exec := executor.Func(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					vars["leak"] = s.ID
					return nil, nil
				})

				s := newScheduler(exec, b)
				_, err := s.ExecuteWorkflow(ctx, definition("snapshot", step("A"), step("B", "A")), nil)
				require.NoError(t, err)

				state, err := b.LoadState(ctx, "snapshot")
				require.NoError(t, err)
				require.NotContains(t, state.Context, "leak")
			},
		},
		{
			name: "Panic_IsReportedAsError",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				exec := executor.Func(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					panic("kaboom")
				})

				st := step("A")
				st.RetryLimit = retries(3)

				s := newScheduler(exec, b)
				_, err := s.ExecuteWorkflow(ctx, definition("panic", st), nil)

				var panicErr *workflow.PanicError
				require.ErrorAs(t, err, &panicErr)
				require.Contains(t, panicErr.Error(), "kaboom")
				require.NotEmpty(t, panicErr.Stack())
			},
		},
		{
			name: "CallerCancellation_CancelsWorkflow",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()

				started := make(chan struct{})
				exec := executor.Func(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
					close(started)
					<-ctx.Done()
					return nil, ctx.Err()
				})

				go func() {
					<-started
					cancel()
				}()

				s := newScheduler(exec, b)
				_, err := s.ExecuteWorkflow(ctx, definition("canceled", step("A")), nil)

				require.ErrorIs(t, err, workflow.ErrWorkflowCanceled)
				require.ErrorIs(t, err, context.Canceled)

				state, err := b.LoadState(context.Background(), "canceled")
				require.NoError(t, err)
				require.Equal(t, workflow.StatusCancelled, state.Status)
				require.NotNil(t, state.EndTime)
			},
		},
		{
			name: "TaskCallbacks_AreInvoked",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				var mu sync.Mutex
				owners := []string{}

				s := newScheduler(executor.Func(echo), b,
					WithTaskCallback(task.Completed, func(ctx context.Context, tk task.Task) error {
						mu.Lock()
						defer mu.Unlock()

						owners = append(owners, tk.Owner)
						return nil
					}),
					WithTaskCallback(task.Running, func(ctx context.Context, tk task.Task) error {
						return errors.New("callback errors are ignored")
					}),
				)

				_, err := s.ExecuteWorkflow(ctx, definition("callbacks", step("A"), step("B", "A")), nil)
				require.NoError(t, err)
				require.Equal(t, []string{"A", "B"}, owners)
			},
		},
		{
			name: "Metrics_AreReported",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				m := im.NewRecorder()
				s := newScheduler(executor.Func(echo), b, WithMetrics(m))

				_, err := s.ExecuteWorkflow(ctx, definition("metrics", step("A"), step("B", "A")), nil)
				require.NoError(t, err)

				require.Equal(t, int64(1), m.CounterValue(metrickeys.WorkflowStarted))
				require.Equal(t, int64(2), m.CounterValue(metrickeys.StepDispatched))
				require.Equal(t, int64(2), m.CounterValue(metrickeys.StepCompleted))
				require.Equal(t, int64(1), m.CounterValue(metrickeys.WorkflowFinished))
				require.Len(t, m.Timings(metrickeys.StepDuration), 2)
			},
		},
		{
			name: "Tracing_RecordsWorkflowAndStepSpans",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				exporter := tracetest.NewInMemoryExporter()
				tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

				s := newScheduler(executor.Func(echo), b, WithTracerProvider(tp))
				_, err := s.ExecuteWorkflow(ctx, definition("traced", step("A")), nil)
				require.NoError(t, err)

				names := []string{}
				for _, span := range exporter.GetSpans() {
					names = append(names, span.Name)
				}
				require.ElementsMatch(t, []string{"Step: A", "ExecuteWorkflow"}, names)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.f(t, context.Background(), memory.NewMemoryBackend())
		})
	}
}

func Test_Scheduler_Timeout(t *testing.T) {
	c := clock.NewMock()
	b := memory.NewMemoryBackend()

	rec := newRecorder()
	exec := rec.wrap(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	st := step("slow")
	st.Timeout = workflow.Duration(time.Second)

	s := newScheduler(exec, b, WithClock(c), WithTimeoutPollInterval(100*time.Millisecond))

	type outcome struct {
		r   map[string]any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := s.ExecuteWorkflow(context.Background(), definition("timeout", st), nil)
		done <- outcome{r, err}
	}()

	var o outcome
	advanceUntil(t, c, done, &o)

	require.Nil(t, o.r)
	require.ErrorIs(t, o.err, workflow.ErrStepTimeout)

	var timeoutErr *workflow.StepTimeoutError
	require.ErrorAs(t, o.err, &timeoutErr)
	require.Equal(t, "slow", timeoutErr.StepID)
	require.Equal(t, time.Second, timeoutErr.Timeout)
	require.Equal(t, 1, rec.callCount("slow"))

	state, err := b.LoadState(context.Background(), "timeout")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusFailed, state.Status)
	require.Contains(t, state.FailedSteps, "slow")
}

func Test_Scheduler_TimeoutIsRetried(t *testing.T) {
	c := clock.NewMock()
	b := memory.NewMemoryBackend()

	rec := newRecorder()
	exec := rec.wrap(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	st := step("slow")
	st.Timeout = workflow.Duration(time.Second)
	st.RetryLimit = retries(1)
	st.RetryDelay = workflow.Duration(time.Second)

	s := newScheduler(exec, b, WithClock(c))

	done := make(chan error, 1)
	go func() {
		_, err := s.ExecuteWorkflow(context.Background(), definition("timeout-retry", st), nil)
		done <- err
	}()

	var err error
	advanceUntil(t, c, done, &err)

	require.ErrorIs(t, err, workflow.ErrRetryLimitExceeded)
	require.ErrorIs(t, err, workflow.ErrStepTimeout)
	require.Equal(t, 2, rec.callCount("slow"))
}

func Test_Scheduler_TimeoutDoesNotWaitForExecutor(t *testing.T) {
	c := clock.NewMock()
	b := memory.NewMemoryBackend()

	// Neither executor watches its context
	release := make(chan struct{})
	defer close(release)

	rec := newRecorder()
	exec := rec.wrap(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
		<-release
		return s.ID, nil
	})

	slow := step("slow")
	slow.Timeout = workflow.Duration(time.Second)

	s := newScheduler(exec, b, WithClock(c), WithTimeoutPollInterval(100*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := s.ExecuteWorkflow(context.Background(), definition("timeout-stuck", slow, step("sibling"), step("after", "slow")), nil)
		done <- err
	}()

	var err error
	advanceUntil(t, c, done, &err)

	var stepErr *workflow.StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "slow", stepErr.StepID)
	require.ErrorIs(t, err, workflow.ErrStepTimeout)
	require.Zero(t, rec.callCount("after"))

	state, err := b.LoadState(context.Background(), "timeout-stuck")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusFailed, state.Status)
	require.Contains(t, state.FailedSteps, "slow")
	require.NotContains(t, state.CompletedSteps, "sibling")
}

// gatedBackend blocks the first save that records step C until gate is closed.
type gatedBackend struct {
	backend.Backend

	saving chan struct{}
	gate   chan struct{}
	once   sync.Once
}

func (g *gatedBackend) SaveState(ctx context.Context, state *workflow.State) error {
	if _, ok := state.CompletedSteps["C"]; ok && state.Status == workflow.StatusRunning {
		g.once.Do(func() {
			close(g.saving)
			<-g.gate
		})
	}

	return g.Backend.SaveState(ctx, state)
}

func Test_Scheduler_FailFastKeepsCompletedSiblings(t *testing.T) {
	ctx := context.Background()
	b := &gatedBackend{
		Backend: memory.NewMemoryBackend(),
		saving:  make(chan struct{}),
		gate:    make(chan struct{}),
	}

	aFailed := make(chan struct{})
	var failA atomic.Bool
	failA.Store(true)

	rec := newRecorder()
	exec := rec.wrap(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
		switch s.ID {
		case "A":
			if failA.Load() {
				<-b.saving
				return nil, errors.New("boom")
			}
		case "B":
			if failA.Load() {
				<-aFailed
				time.Sleep(20 * time.Millisecond)
			}
		}

		return s.ID + "-result", nil
	})

	// B finishes while the loop is still saving the result of C, after A already failed
	s := newScheduler(exec, b, WithMaxParallel(3),
		WithTaskCallback(task.Failed, func(ctx context.Context, tk task.Task) error {
			if tk.Owner == "A" {
				close(aFailed)
			}
			return nil
		}),
		WithTaskCallback(task.Completed, func(ctx context.Context, tk task.Task) error {
			if tk.Owner == "B" && failA.Load() {
				close(b.gate)
			}
			return nil
		}),
	)

	_, err := s.ExecuteWorkflow(ctx, definition("siblings", step("C"), step("A"), step("B")), nil)

	var stepErr *workflow.StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "A", stepErr.StepID)

	state, err := b.LoadState(ctx, "siblings")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusFailed, state.Status)
	require.Contains(t, state.CompletedSteps, "C")
	require.Contains(t, state.CompletedSteps, "B")
	require.Equal(t, "B-result", state.CompletedSteps["B"].Result)

	failA.Store(false)

	r, err := s.ResumeWorkflow(ctx, "siblings")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"A": "A-result", "B": "B-result", "C": "C-result"}, r)
	require.Equal(t, 1, rec.callCount("B"))
	require.Equal(t, 1, rec.callCount("C"))
}

// advanceUntil moves the mock clock forward until a value arrives on done.
func advanceUntil[T any](t *testing.T, c *clock.Mock, done chan T, out *T) {
	t.Helper()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case v := <-done:
			*out = v
			return
		case <-deadline:
			t.Fatal("workflow did not finish")
		default:
			c.Add(100 * time.Millisecond)
		}
	}
}

func Test_Scheduler_Resume(t *testing.T) {
	ctx := context.Background()
	b := memory.NewMemoryBackend()

	def := definition("resume",
		step("A"),
		step("B", "A"),
		step("C", "A"),
		step("D", "B", "C"),
	)

	var failC atomic.Bool
	failC.Store(true)

	rec := newRecorder()
	exec := rec.wrap(func(ctx context.Context, s *workflow.Step, vars map[string]any) (any, error) {
		if s.ID == "C" && failC.Load() {
			return nil, errors.New("c is not ready")
		}

		return s.ID + "-result", nil
	})

	s := newScheduler(exec, b, WithMaxParallel(1))

	_, err := s.ExecuteWorkflow(ctx, def, map[string]any{"k": "v"})
	require.Error(t, err)

	state, err := b.LoadState(ctx, "resume")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusFailed, state.Status)
	require.Contains(t, state.FailedSteps, "C")
	require.Equal(t, "c is not ready", state.Context[workflow.ContextErrorKey])
	require.Zero(t, rec.callCount("D"))

	completedBefore := map[string]int{}
	for id := range state.CompletedSteps {
		completedBefore[id] = rec.callCount(id)
	}

	failC.Store(false)

	r, err := s.ResumeWorkflow(ctx, "resume")
	require.NoError(t, err)

	// Same result as a single successful run
	require.Equal(t, map[string]any{
		"A": "A-result",
		"B": "B-result",
		"C": "C-result",
		"D": "D-result",
	}, r)

	// Steps that completed before were not executed again
	for id, n := range completedBefore {
		require.Equal(t, n, rec.callCount(id), id)
	}
	require.Equal(t, 1, rec.callCount("D"))

	state, err = b.LoadState(ctx, "resume")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, state.Status)
	require.Empty(t, state.FailedSteps)
	require.Equal(t, "v", state.Context["k"])
	require.NotContains(t, state.Context, workflow.ContextErrorKey)

	// Resuming a completed workflow returns its results without executing anything
	calls := rec.callCount("A") + rec.callCount("B") + rec.callCount("C") + rec.callCount("D")
	r, err = s.ResumeWorkflow(ctx, "resume")
	require.NoError(t, err)
	require.Len(t, r, 4)
	require.Equal(t, calls, rec.callCount("A")+rec.callCount("B")+rec.callCount("C")+rec.callCount("D"))
}

func Test_Scheduler_ResumeUnknownWorkflow(t *testing.T) {
	s := newScheduler(executor.Func(echo), memory.NewMemoryBackend())

	_, err := s.ResumeWorkflow(context.Background(), "missing")
	require.ErrorIs(t, err, workflow.ErrWorkflowNotFound)
}

func Test_Scheduler_ConcurrentRuns(t *testing.T) {
	b := memory.NewMemoryBackend()
	s := newScheduler(executor.Func(echo), b)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for _, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := s.ExecuteWorkflow(context.Background(), definition(id, step("A"), step("B", "A")), nil)
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	summaries, err := b.ListStates(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 5)
}
