// Package memory provides an in-process backend. States are kept as JSON so callers never
// share maps with the store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/internal/metrickeys"
	"github.com/stepflow/go-stepflow/metrics"
	"github.com/stepflow/go-stepflow/workflow"
	"go.opentelemetry.io/otel/trace"
)

type record struct {
	data    []byte
	summary workflow.Summary
	savedAt time.Time
}

type memoryBackend struct {
	mu          sync.RWMutex
	states      map[string]record
	definitions map[string][]byte
	changed     chan struct{}

	options backend.Options
	now     func() time.Time
}

var (
	_ backend.Backend       = (*memoryBackend)(nil)
	_ backend.StateNotifier = (*memoryBackend)(nil)
)

func NewMemoryBackend(opts ...backend.BackendOption) *memoryBackend {
	return &memoryBackend{
		states:      make(map[string]record),
		definitions: make(map[string][]byte),
		changed:     make(chan struct{}),
		options:     backend.ApplyOptions(opts...),
		now:         time.Now,
	}
}

func (mb *memoryBackend) Logger() *slog.Logger {
	return mb.options.Logger
}

func (mb *memoryBackend) Metrics() metrics.Client {
	return mb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "memory"})
}

func (mb *memoryBackend) Tracer() trace.Tracer {
	return mb.options.TracerProvider.Tracer(backend.TracerName)
}

func (mb *memoryBackend) SaveState(ctx context.Context, state *workflow.State) error {
	if err := backend.ValidateWorkflowID(state.WorkflowID); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	mb.mu.Lock()
	mb.states[state.WorkflowID] = record{
		data:    data,
		summary: state.Summary(),
		savedAt: mb.now(),
	}
	close(mb.changed)
	mb.changed = make(chan struct{})
	mb.mu.Unlock()

	mb.Metrics().Counter(metrickeys.StateSaved, metrics.Tags{}, 1)

	return nil
}

func (mb *memoryBackend) StateChanged() <-chan struct{} {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	return mb.changed
}

func (mb *memoryBackend) LoadState(ctx context.Context, workflowID string) (*workflow.State, error) {
	mb.mu.RLock()
	r, ok := mb.states[workflowID]
	mb.mu.RUnlock()

	if !ok {
		return nil, backend.ErrStateNotFound
	}

	var s workflow.State
	if err := json.Unmarshal(r.data, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling state: %w", err)
	}

	return &s, nil
}

func (mb *memoryBackend) ListStates(ctx context.Context) ([]workflow.Summary, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	r := make([]workflow.Summary, 0, len(mb.states))
	for _, rec := range mb.states {
		r = append(r, rec.summary)
	}

	sort.Slice(r, func(i, j int) bool {
		return r[i].WorkflowID < r[j].WorkflowID
	})

	return r, nil
}

func (mb *memoryBackend) RemoveStates(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	o := backend.ApplyRemovalOptions(options...)

	mb.mu.Lock()
	defer mb.mu.Unlock()

	removed := 0
	for id, rec := range mb.states {
		if o.Matches(rec.savedAt) {
			delete(mb.states, id)
			delete(mb.definitions, id)
			removed++
		}
	}

	mb.Metrics().Counter(metrickeys.StateRemoved, metrics.Tags{}, int64(removed))

	return removed, nil
}

func (mb *memoryBackend) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := backend.ValidateWorkflowID(def.ID); err != nil {
		return err
	}

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshaling definition: %w", err)
	}

	mb.mu.Lock()
	mb.definitions[def.ID] = data
	mb.mu.Unlock()

	return nil
}

func (mb *memoryBackend) LoadDefinition(ctx context.Context, workflowID string) (*workflow.Definition, error) {
	mb.mu.RLock()
	data, ok := mb.definitions[workflowID]
	mb.mu.RUnlock()

	if !ok {
		return nil, backend.ErrDefinitionNotFound
	}

	var def workflow.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshaling definition: %w", err)
	}

	return &def, nil
}

func (mb *memoryBackend) Close() error {
	return nil
}
