package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stepflow/go-stepflow/internal/workflowerrors"
)

var (
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")
	ErrInvalidState           = errors.New("invalid task state")
	ErrStepTimeout            = errors.New("step timed out")
	ErrRetryLimitExceeded     = errors.New("retry limit exceeded")
	ErrUnknownStepType        = errors.New("unknown step type")
	ErrInvalidGraph           = errors.New("invalid workflow graph")
	ErrCyclicDependency       = errors.New("cyclic dependency")
	ErrWorkflowNotFound       = errors.New("workflow not found")
	ErrWorkflowCanceled       = errors.New("workflow canceled")
)

type (
	Error      = workflowerrors.Error
	PanicError = workflowerrors.PanicError
)

// NewPermanentError wraps the given error so that the step is not retried
func NewPermanentError(err error) error {
	return workflowerrors.NewPermanentError(err)
}

// CanRetry returns true if the given error is retryable
func CanRetry(err error) bool {
	return workflowerrors.CanRetry(err)
}

// StepExecutionError is returned by a workflow run that failed because of a step.
type StepExecutionError struct {
	StepID string
	Err    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.StepID, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

type StepTimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %v", e.StepID, e.Timeout)
}

func (e *StepTimeoutError) Is(target error) bool {
	return target == ErrStepTimeout
}

// InvalidGraphError reports a malformed definition.
type InvalidGraphError struct {
	StepID     string
	Dependency string
	Reason     string
}

func (e *InvalidGraphError) Error() string {
	if e.Dependency != "" {
		return fmt.Sprintf("invalid workflow graph: step %q: %s %q", e.StepID, e.Reason, e.Dependency)
	}

	return fmt.Sprintf("invalid workflow graph: step %q: %s", e.StepID, e.Reason)
}

func (e *InvalidGraphError) Is(target error) bool {
	return target == ErrInvalidGraph
}

// CyclicDependencyError lists the steps that can never become ready.
type CyclicDependencyError struct {
	Steps []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency between steps %s", strings.Join(e.Steps, ", "))
}

func (e *CyclicDependencyError) Is(target error) bool {
	return target == ErrCyclicDependency
}
