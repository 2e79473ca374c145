// Package task tracks the lifecycle of step executions.
//
// Every execution attempt of a step is a Task. Tasks move through
//
//	Pending -> Running -> Completed | Failed | Cancelled | TimedOut
//
// and Failed or TimedOut tasks can go back to Pending through Retry. Timeouts are not enforced
// in the background: callers poll IsTimedOut and call TimeOut.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stepflow/go-stepflow/log"
	"github.com/stepflow/go-stepflow/workflow"
)

var ErrTaskNotFound = errors.New("task not found")

// Callback is notified after a task transitioned into the state it was registered for.
// Errors are logged and otherwise ignored.
type Callback func(ctx context.Context, t Task) error

type entry struct {
	task    Task
	cancel  context.CancelFunc
	backoff *backoff.ExponentialBackOff
}

type Manager struct {
	mu sync.Mutex

	tasks map[string]*entry

	// dependents is the reverse index of Task.Dependencies
	dependents map[string]map[string]struct{}

	callbacks map[State][]Callback

	logger *slog.Logger
	clock  clock.Clock
}

func NewManager(opts ...Option) *Manager {
	options := DefaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	return &Manager{
		tasks:      make(map[string]*entry),
		dependents: make(map[string]map[string]struct{}),
		callbacks:  make(map[State][]Callback),
		logger:     options.Logger,
		clock:      options.Clock,
	}
}

// RegisterCallback adds a callback for transitions into the given state.
func (m *Manager) RegisterCallback(state State, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callbacks[state] = append(m.callbacks[state], cb)
}

// Create registers a new pending task for owner and returns a copy of it.
func (m *Manager) Create(owner string, opts ...CreateOption) Task {
	o := DefaultCreateOptions
	for _, opt := range opts {
		opt(&o)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := Task{
		ID:           uuid.NewString(),
		Owner:        owner,
		State:        Pending,
		CreatedAt:    m.clock.Now(),
		Timeout:      o.Timeout,
		Dependencies: o.Dependencies,
		Results:      make(map[string]any),
		MaxRetries:   o.MaxRetries,
		RetryDelay:   o.RetryDelay,
	}

	m.tasks[t.ID] = &entry{
		task:    t,
		backoff: m.newBackoff(o),
	}

	for _, dep := range t.Dependencies {
		if m.dependents[dep] == nil {
			m.dependents[dep] = make(map[string]struct{})
		}
		m.dependents[dep][t.ID] = struct{}{}
	}

	return t.clone()
}

func (m *Manager) newBackoff(o CreateOptions) *backoff.ExponentialBackOff {
	multiplier := o.BackoffCoefficient
	if multiplier < 1 {
		multiplier = 1
	}

	maxInterval := o.MaxRetryDelay
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64 / 2)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     o.RetryDelay,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               m.clock,
	}
	b.Reset()

	return b
}

// Start moves a pending task to running. The returned context is derived from ctx and is
// cancelled once the task leaves the running state.
func (m *Manager) Start(ctx context.Context, id string) (context.Context, error) {
	m.mu.Lock()

	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if e.task.State != Pending {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot start task %s in state %s", workflow.ErrInvalidState, id, e.task.State)
	}

	for _, dep := range e.task.Dependencies {
		de, ok := m.tasks[dep]
		if !ok || de.task.State != Completed {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: task %s depends on %s", workflow.ErrDependencyNotSatisfied, id, dep)
		}
	}

	taskCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.task.State = Running
	e.task.StartedAt = m.clock.Now()
	t := e.task.clone()

	m.mu.Unlock()

	m.notify(ctx, t)

	return taskCtx, nil
}

// Complete moves a running task to completed and merges results into the task results.
func (m *Manager) Complete(ctx context.Context, id string, results map[string]any) error {
	_, err := m.finish(ctx, id, Completed, func(t *Task) {
		maps.Copy(t.Results, results)
	})
	return err
}

// Fail moves a pending or running task to failed.
func (m *Manager) Fail(ctx context.Context, id string, err error) error {
	_, ferr := m.finish(ctx, id, Failed, func(t *Task) {
		t.LastError = err
		if err != nil {
			t.Results["error"] = err.Error()
		}
	})
	return ferr
}

// TimeOut moves a running task to timed out and cancels its context. It returns the task as of
// that transition.
func (m *Manager) TimeOut(ctx context.Context, id string) (Task, error) {
	return m.finish(ctx, id, TimedOut, func(t *Task) {
		t.LastError = &workflow.StepTimeoutError{StepID: t.Owner, Timeout: t.Timeout}
	})
}

func (m *Manager) finish(ctx context.Context, id string, to State, update func(t *Task)) (Task, error) {
	m.mu.Lock()

	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	allowed := e.task.State == Running || (to == Failed && e.task.State == Pending)
	if !allowed {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("%w: cannot move task %s from %s to %s", workflow.ErrInvalidState, id, e.task.State, to)
	}

	e.task.State = to
	e.task.CompletedAt = m.clock.Now()
	update(&e.task)
	m.release(e)
	t := e.task.clone()

	m.mu.Unlock()

	m.notify(ctx, t)

	return t, nil
}

// Cancel cancels the task and, transitively, every task depending on it. Tasks that already
// reached a terminal state keep it.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()

	if _, ok := m.tasks[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	var cancelled []Task
	visited := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if visited[current] {
			continue
		}
		visited[current] = true

		if t, ok := m.cancelLocked(current); ok {
			cancelled = append(cancelled, t)
		}

		for dependent := range m.dependents[current] {
			queue = append(queue, dependent)
		}
	}

	m.mu.Unlock()

	m.notify(ctx, cancelled...)

	return nil
}

// CancelActive cancels all pending and running tasks.
func (m *Manager) CancelActive(ctx context.Context) []Task {
	m.mu.Lock()

	var cancelled []Task
	for id := range m.tasks {
		if t, ok := m.cancelLocked(id); ok {
			cancelled = append(cancelled, t)
		}
	}

	m.mu.Unlock()

	m.notify(ctx, cancelled...)

	return cancelled
}

func (m *Manager) cancelLocked(id string) (Task, bool) {
	e := m.tasks[id]
	if e == nil || e.task.State.Terminal() {
		return Task{}, false
	}

	e.task.State = Cancelled
	e.task.CompletedAt = m.clock.Now()
	m.release(e)

	return e.task.clone(), true
}

func (m *Manager) release(e *entry) {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// Retry moves a failed or timed out task back to pending, waits for the retry delay, and
// starts it again. It fails with workflow.ErrRetryLimitExceeded once MaxRetries retries have
// been used.
func (m *Manager) Retry(ctx context.Context, id string) (context.Context, error) {
	m.mu.Lock()

	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if !e.task.State.Retryable() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot retry task %s in state %s", workflow.ErrInvalidState, id, e.task.State)
	}

	if e.task.Retries >= e.task.MaxRetries {
		lastErr := e.task.LastError
		retries := e.task.Retries
		m.mu.Unlock()

		if lastErr != nil {
			return nil, fmt.Errorf("%w after %d retries: %w", workflow.ErrRetryLimitExceeded, retries, lastErr)
		}
		return nil, fmt.Errorf("%w after %d retries", workflow.ErrRetryLimitExceeded, retries)
	}

	e.task.Retries++
	e.task.State = Pending
	e.task.StartedAt = time.Time{}
	e.task.CompletedAt = time.Time{}
	delay := e.backoff.NextBackOff()
	t := e.task.clone()

	m.mu.Unlock()

	m.logger.DebugContext(ctx, "retrying task",
		log.TaskIDKey, id,
		log.TaskOwnerKey, t.Owner,
		log.AttemptKey, t.Retries+1,
		log.DelayKey, delay.Milliseconds(),
	)

	m.notify(ctx, t)

	if delay > 0 {
		timer := m.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return m.Start(ctx, id)
}

// IsTimedOut reports whether a running task has exceeded its timeout.
func (m *Manager) IsTimedOut(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok || e.task.State != Running || e.task.Timeout <= 0 {
		return false
	}

	return m.clock.Since(e.task.StartedAt) > e.task.Timeout
}

func (m *Manager) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}

	return e.task.clone(), true
}

// ByOwner returns all tasks of the given owner.
func (m *Manager) ByOwner(owner string) []Task {
	return m.filter(func(t *Task) bool { return t.Owner == owner })
}

// Active returns all running tasks.
func (m *Manager) Active() []Task {
	return m.filter(func(t *Task) bool { return t.State == Running })
}

func (m *Manager) filter(match func(t *Task) bool) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var r []Task
	for _, e := range m.tasks {
		if match(&e.task) {
			r = append(r, e.task.clone())
		}
	}

	return r
}

func (m *Manager) notify(ctx context.Context, tasks ...Task) {
	for _, t := range tasks {
		m.mu.Lock()
		callbacks := append([]Callback(nil), m.callbacks[t.State]...)
		m.mu.Unlock()

		for _, cb := range callbacks {
			m.invoke(ctx, cb, t)
		}
	}
}

func (m *Manager) invoke(ctx context.Context, cb Callback, t Task) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "task callback panicked",
				log.TaskIDKey, t.ID,
				log.TaskStateKey, t.State.String(),
				"panic", r,
			)
		}
	}()

	if err := cb(ctx, t); err != nil {
		m.logger.ErrorContext(ctx, "task callback failed",
			log.TaskIDKey, t.ID,
			log.TaskStateKey, t.State.String(),
			"error", err,
		)
	}
}
