// Package cache wraps a backend with a read-through cache for states and definitions.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/internal/metrickeys"
	"github.com/stepflow/go-stepflow/metrics"
	"github.com/stepflow/go-stepflow/workflow"
)

const (
	statePrefix      = "state:"
	definitionPrefix = "definition:"
)

type cachedBackend struct {
	backend.Backend

	mc metrics.Client
	c  *ttlcache.Cache[string, []byte]
}

var (
	_ backend.Backend       = (*cachedBackend)(nil)
	_ backend.StateNotifier = (*cachedBackend)(nil)
)

// NewCachedBackend caches up to size serialized states and definitions of b for expiration.
// Entries are copied on every read so callers never share state.
func NewCachedBackend(b backend.Backend, size int, expiration time.Duration) *cachedBackend {
	c := ttlcache.New(
		ttlcache.WithCapacity[string, []byte](uint64(size)),
		ttlcache.WithTTL[string, []byte](expiration),
	)

	mc := b.Metrics()

	c.OnEviction(func(ctx context.Context, er ttlcache.EvictionReason, i *ttlcache.Item[string, []byte]) {
		reason := ""
		switch er {
		case ttlcache.EvictionReasonExpired:
			reason = "expired"
		case ttlcache.EvictionReasonCapacityReached:
			reason = "capacity"
		}

		mc.Counter(metrickeys.StateCacheEviction, metrics.Tags{metrickeys.EvictionReason: reason}, 1)
	})

	return &cachedBackend{
		Backend: b,
		mc:      mc,
		c:       c,
	}
}

// StartEviction removes expired entries until ctx is canceled.
func (cb *cachedBackend) StartEviction(ctx context.Context) {
	go cb.c.Start()

	<-ctx.Done()

	cb.c.Stop()
}

// StateChanged forwards notifications of the wrapped backend.
func (cb *cachedBackend) StateChanged() <-chan struct{} {
	if n, ok := cb.Backend.(backend.StateNotifier); ok {
		return n.StateChanged()
	}

	return nil
}

func (cb *cachedBackend) SaveState(ctx context.Context, state *workflow.State) error {
	if err := cb.Backend.SaveState(ctx, state); err != nil {
		cb.c.Delete(statePrefix + state.WorkflowID)
		return err
	}

	cb.store(statePrefix+state.WorkflowID, state)

	return nil
}

func (cb *cachedBackend) LoadState(ctx context.Context, workflowID string) (*workflow.State, error) {
	var s workflow.State
	if cb.lookup(statePrefix+workflowID, &s) {
		return &s, nil
	}

	loaded, err := cb.Backend.LoadState(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	cb.store(statePrefix+workflowID, loaded)

	return loaded, nil
}

func (cb *cachedBackend) RemoveStates(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	n, err := cb.Backend.RemoveStates(ctx, options...)

	// The removed IDs are unknown, start over
	cb.c.DeleteAll()
	cb.mc.Gauge(metrickeys.StateCacheSize, metrics.Tags{}, 0)

	return n, err
}

func (cb *cachedBackend) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := cb.Backend.SaveDefinition(ctx, def); err != nil {
		cb.c.Delete(definitionPrefix + def.ID)
		return err
	}

	cb.store(definitionPrefix+def.ID, def)

	return nil
}

func (cb *cachedBackend) LoadDefinition(ctx context.Context, workflowID string) (*workflow.Definition, error) {
	var def workflow.Definition
	if cb.lookup(definitionPrefix+workflowID, &def) {
		return &def, nil
	}

	loaded, err := cb.Backend.LoadDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	cb.store(definitionPrefix+workflowID, loaded)

	return loaded, nil
}

func (cb *cachedBackend) store(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		cb.c.Delete(key)
		cb.Logger().Warn("could not cache entry", "key", key, "error", err)
		return
	}

	cb.c.Set(key, data, ttlcache.DefaultTTL)
	cb.mc.Gauge(metrickeys.StateCacheSize, metrics.Tags{}, int64(cb.c.Len()))
}

func (cb *cachedBackend) lookup(key string, v any) bool {
	item := cb.c.Get(key)
	hit := item != nil
	if hit {
		if err := json.Unmarshal(item.Value(), v); err != nil {
			cb.Logger().Warn("could not decode cached entry", "key", key, "error", err)
			cb.c.Delete(key)
			hit = false
		}
	}

	cb.mc.Counter(metrickeys.StateCacheHit, metrics.Tags{metrickeys.Hit: strconv.FormatBool(hit)}, 1)

	return hit
}
