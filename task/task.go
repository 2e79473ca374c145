package task

import (
	"maps"
	"slices"
	"time"
)

// Task is a snapshot of one step execution. The Manager owns the live record; values handed
// out are copies.
type Task struct {
	ID    string
	Owner string
	State State

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	// Timeout of a single attempt, zero for none.
	Timeout time.Duration

	// Dependencies are task IDs that have to be completed before this task can start.
	Dependencies []string

	Results map[string]any

	Retries    int
	MaxRetries int
	RetryDelay time.Duration

	LastError error
}

func (t *Task) clone() Task {
	c := *t
	c.Dependencies = slices.Clone(t.Dependencies)
	c.Results = maps.Clone(t.Results)
	return c
}

type CreateOptions struct {
	Timeout      time.Duration
	Dependencies []string

	MaxRetries int
	RetryDelay time.Duration

	// BackoffCoefficient multiplies the retry delay after every retry. 1 keeps it constant.
	BackoffCoefficient float64

	// MaxRetryDelay caps the retry delay. Zero means no cap.
	MaxRetryDelay time.Duration
}

var DefaultCreateOptions = CreateOptions{
	MaxRetries:         3,
	RetryDelay:         time.Second,
	BackoffCoefficient: 1,
}

type CreateOption func(*CreateOptions)

func WithTimeout(timeout time.Duration) CreateOption {
	return func(o *CreateOptions) {
		o.Timeout = timeout
	}
}

func WithDependencies(taskIDs ...string) CreateOption {
	return func(o *CreateOptions) {
		o.Dependencies = append(o.Dependencies, taskIDs...)
	}
}

func WithMaxRetries(n int) CreateOption {
	return func(o *CreateOptions) {
		o.MaxRetries = n
	}
}

func WithRetryDelay(delay time.Duration) CreateOption {
	return func(o *CreateOptions) {
		o.RetryDelay = delay
	}
}

// WithBackoff makes retry delays grow by coefficient up to maxDelay.
func WithBackoff(coefficient float64, maxDelay time.Duration) CreateOption {
	return func(o *CreateOptions) {
		o.BackoffCoefficient = coefficient
		o.MaxRetryDelay = maxDelay
	}
}
