package tester

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/stepflow/go-stepflow/backend/memory"
	"github.com/stepflow/go-stepflow/executor"
	"github.com/stepflow/go-stepflow/log"
	"github.com/stepflow/go-stepflow/scheduler"
	"github.com/stepflow/go-stepflow/workflow"
)

type WorkflowTester interface {
	// Execute runs the workflow under test with the given initial context.
	Execute(ctx context.Context, initial map[string]any)

	// Resume continues the workflow under test after a failed or canceled Execute.
	Resume(ctx context.Context)

	// OnStep registers a mock for the step with the given ID. The mock is called with the
	// context variables the step receives and has to return (result, error) or only error.
	OnStep(stepID string, args ...any) *mock.Call

	// WorkflowFinished returns true if the workflow under test reached a terminal status.
	WorkflowFinished() bool

	// WorkflowResult returns the step results and the error of the last Execute or Resume.
	WorkflowResult() (map[string]any, error)

	// State returns the persisted state of the workflow under test.
	State() *workflow.State

	// DispatchOrder returns the IDs of executed steps in the order they were started. Steps
	// that were retried appear once per attempt.
	DispatchOrder() []string

	// PeakConcurrency returns the highest number of steps that executed at the same time.
	PeakConcurrency() int

	// AssertExpectations asserts any assertions set up for mocked steps.
	AssertExpectations(t *testing.T)
}

var _ WorkflowTester = (*workflowTester)(nil)

type workflowTester struct {
	options *options

	def       *workflow.Definition
	scheduler *scheduler.Scheduler

	ms          *mock.Mock
	mockedSteps map[string]bool

	mu            sync.Mutex
	dispatchOrder []string

	running atomic.Int32
	peak    atomic.Int32

	finished bool
	result   map[string]any
	err      error

	logger *slog.Logger
}

func NewWorkflowTester(def *workflow.Definition, opts ...WorkflowTesterOption) *workflowTester {
	options := &options{
		TestTimeout: time.Second * 10,
		Logger:      slog.Default(),
		MaxParallel: scheduler.DefaultOptions.MaxParallel,
	}

	for _, o := range opts {
		o(options)
	}

	if options.Backend == nil {
		options.Backend = memory.NewMemoryBackend()
	}

	wt := &workflowTester{
		options:     options,
		def:         def,
		ms:          &mock.Mock{},
		mockedSteps: make(map[string]bool),
		logger:      options.Logger.With("source", "tester"),
	}

	wt.scheduler = scheduler.New(executor.Func(wt.execute), options.Backend,
		scheduler.WithLogger(options.Logger),
		scheduler.WithMaxParallel(options.MaxParallel),
	)

	return wt
}

func (wt *workflowTester) OnStep(stepID string, args ...any) *mock.Call {
	wt.mockedSteps[stepID] = true
	return wt.ms.On(stepID, args...)
}

func (wt *workflowTester) Execute(ctx context.Context, initial map[string]any) {
	ctx, cancel := context.WithTimeout(ctx, wt.options.TestTimeout)
	defer cancel()

	wt.result, wt.err = wt.scheduler.ExecuteWorkflow(ctx, wt.def, initial)
	wt.finished = wt.terminal()
}

func (wt *workflowTester) Resume(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, wt.options.TestTimeout)
	defer cancel()

	wt.result, wt.err = wt.scheduler.ResumeWorkflow(ctx, wt.def.ID)
	wt.finished = wt.terminal()
}

func (wt *workflowTester) terminal() bool {
	state, err := wt.options.Backend.LoadState(context.Background(), wt.def.ID)
	return err == nil && state.Status.Terminal()
}

func (wt *workflowTester) WorkflowFinished() bool {
	return wt.finished
}

func (wt *workflowTester) WorkflowResult() (map[string]any, error) {
	return wt.result, wt.err
}

func (wt *workflowTester) State() *workflow.State {
	state, err := wt.options.Backend.LoadState(context.Background(), wt.def.ID)
	if err != nil {
		panic(fmt.Sprintf("could not load state of workflow under test: %v", err))
	}

	return state
}

func (wt *workflowTester) DispatchOrder() []string {
	wt.mu.Lock()
	defer wt.mu.Unlock()

	return append([]string(nil), wt.dispatchOrder...)
}

func (wt *workflowTester) PeakConcurrency() int {
	return int(wt.peak.Load())
}

// AssertExpectations asserts that all expected steps were executed.
func (wt *workflowTester) AssertExpectations(t *testing.T) {
	wt.ms.AssertExpectations(t)
}

func (wt *workflowTester) execute(ctx context.Context, step *workflow.Step, vars map[string]any) (any, error) {
	running := wt.running.Add(1)
	defer wt.running.Add(-1)

	for {
		peak := wt.peak.Load()
		if running <= peak || wt.peak.CompareAndSwap(peak, running) {
			break
		}
	}

	wt.mu.Lock()
	wt.dispatchOrder = append(wt.dispatchOrder, step.ID)
	wt.mu.Unlock()

	// If a step is mocked, never fall back to the executor
	if wt.mockedSteps[step.ID] {
		results := wt.ms.MethodCalled(step.ID, vars)

		switch len(results) {
		case 1:
			// Expect only error
			return nil, results.Error(0)
		case 2:
			return results.Get(0), results.Error(1)
		default:
			panic(
				fmt.Sprintf(
					"Unexpected number of results returned for mocked step %v, expected 1 or 2, got %v",
					step.ID,
					len(results),
				),
			)
		}
	}

	if wt.options.Executor == nil {
		return nil, workflow.NewPermanentError(fmt.Errorf("step %q is not mocked and no executor is configured", step.ID))
	}

	wt.logger.DebugContext(ctx, "executing step", log.StepIDKey, step.ID)

	return wt.options.Executor.Execute(ctx, step, vars)
}
