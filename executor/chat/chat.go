// Package chat runs chat steps: it renders the step's content and sends it to a chat client.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stepflow/go-stepflow/executor"
	"github.com/stepflow/go-stepflow/workflow"
)

var ErrMissingContent = errors.New("chat step has no content")

// Request is a single chat turn sent on behalf of a step.
type Request struct {
	StepID     string
	Content    string
	Parameters map[string]any
}

// Client sends a chat message and waits for the reply.
type Client interface {
	Send(ctx context.Context, req Request) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (string, error)

func (f ClientFunc) Send(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

type Options struct {
	// ResponseTimeout bounds the wait for a reply when the step has no timeout of its own.
	ResponseTimeout time.Duration
}

var DefaultOptions = Options{
	ResponseTimeout: time.Minute,
}

type Option func(*Options)

func WithResponseTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ResponseTimeout = d
	}
}

type Executor struct {
	client  Client
	options Options
}

var _ executor.StepExecutor = (*Executor)(nil)

func New(client Client, opts ...Option) *Executor {
	options := DefaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	return &Executor{
		client:  client,
		options: options,
	}
}

func (e *Executor) Execute(ctx context.Context, step *workflow.Step, vars map[string]any) (any, error) {
	content := executor.Interpolate(step.StringParam("content"), vars, step.Input.ContextVars)
	if content == "" {
		return nil, workflow.NewPermanentError(fmt.Errorf("chat step %q: %w", step.ID, ErrMissingContent))
	}

	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = e.options.ResponseTimeout
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reply, err := e.client.Send(ctx, Request{
		StepID:     step.ID,
		Content:    content,
		Parameters: step.Input.Parameters,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("chat step %q timed out waiting for a reply: %w", step.ID, err)
		}

		return nil, fmt.Errorf("chat step %q failed: %w", step.ID, err)
	}

	return reply, nil
}
