// Package redis stores workflow states in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/internal/metrickeys"
	"github.com/stepflow/go-stepflow/metrics"
	"github.com/stepflow/go-stepflow/workflow"
)

var _ backend.Backend = (*redisBackend)(nil)

func NewRedisBackend(client redis.UniversalClient, opts ...RedisBackendOption) (*redisBackend, error) {
	// Default options
	options := &RedisOptions{
		Options: backend.ApplyOptions(),
	}

	for _, opt := range opts {
		opt(options)
	}

	rb := &redisBackend{
		rdb:     client,
		options: options,
		keys:    newKeys(options.KeyPrefix),
		now:     time.Now,
	}

	// Scripts cannot be loaded lazily from within a transactional pipeline
	if err := removeStatesCmd.Load(context.Background(), rb.rdb).Err(); err != nil {
		return nil, fmt.Errorf("loading redis script: %w", err)
	}

	return rb, nil
}

type redisBackend struct {
	rdb     redis.UniversalClient
	options *RedisOptions
	keys    *keys
	now     func() time.Time
}

func (rb *redisBackend) Logger() *slog.Logger {
	return rb.options.Logger
}

func (rb *redisBackend) Metrics() metrics.Client {
	return rb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "redis"})
}

func (rb *redisBackend) Tracer() trace.Tracer {
	return rb.options.TracerProvider.Tracer(backend.TracerName)
}

func (rb *redisBackend) Close() error {
	return rb.rdb.Close()
}

func (rb *redisBackend) SaveState(ctx context.Context, state *workflow.State) error {
	if err := backend.ValidateWorkflowID(state.WorkflowID); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	now := rb.now()

	_, err = rb.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, rb.keys.stateKey(state.WorkflowID), data, 0)
		p.ZAdd(ctx, rb.keys.statesBySave(), redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: state.WorkflowID,
		})

		if rb.options.AutoExpiration > 0 && state.Status.Terminal() {
			p.Expire(ctx, rb.keys.stateKey(state.WorkflowID), rb.options.AutoExpiration)
			p.Expire(ctx, rb.keys.definitionKey(state.WorkflowID), rb.options.AutoExpiration)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("saving state %q: %w", state.WorkflowID, err)
	}

	rb.Metrics().Counter(metrickeys.StateSaved, metrics.Tags{}, 1)

	return nil
}

func (rb *redisBackend) LoadState(ctx context.Context, workflowID string) (*workflow.State, error) {
	data, err := rb.rdb.Get(ctx, rb.keys.stateKey(workflowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, backend.ErrStateNotFound
		}

		return nil, fmt.Errorf("loading state %q: %w", workflowID, err)
	}

	var s workflow.State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling state: %w", err)
	}

	return &s, nil
}

func (rb *redisBackend) ListStates(ctx context.Context) ([]workflow.Summary, error) {
	ids, err := rb.rdb.ZRange(ctx, rb.keys.statesBySave(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing states: %w", err)
	}

	r := make([]workflow.Summary, 0, len(ids))
	if len(ids) == 0 {
		return r, nil
	}

	stateKeys := make([]string, len(ids))
	for i, id := range ids {
		stateKeys[i] = rb.keys.stateKey(id)
	}

	values, err := rb.rdb.MGet(ctx, stateKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading states: %w", err)
	}

	expired := make([]any, 0)
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			// Expired
			expired = append(expired, ids[i])
			continue
		}

		var s workflow.State
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, fmt.Errorf("unmarshaling state: %w", err)
		}

		r = append(r, s.Summary())
	}

	if len(expired) > 0 {
		if err := rb.rdb.ZRem(ctx, rb.keys.statesBySave(), expired...).Err(); err != nil {
			rb.Logger().WarnContext(ctx, "could not clean up expired states", "error", err)
		}
	}

	sort.Slice(r, func(i, j int) bool {
		return r[i].WorkflowID < r[j].WorkflowID
	})

	return r, nil
}

func (rb *redisBackend) RemoveStates(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	o := backend.ApplyRemovalOptions(options...)
	if o.SavedBefore.IsZero() {
		return 0, nil
	}

	n, err := rb.removeStatesBefore(ctx, o.SavedBefore.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("removing states: %w", err)
	}

	rb.Metrics().Counter(metrickeys.StateRemoved, metrics.Tags{}, int64(n))

	return n, nil
}

func (rb *redisBackend) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := backend.ValidateWorkflowID(def.ID); err != nil {
		return err
	}

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshaling definition: %w", err)
	}

	if err := rb.rdb.Set(ctx, rb.keys.definitionKey(def.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("saving definition %q: %w", def.ID, err)
	}

	return nil
}

func (rb *redisBackend) LoadDefinition(ctx context.Context, workflowID string) (*workflow.Definition, error) {
	data, err := rb.rdb.Get(ctx, rb.keys.definitionKey(workflowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, backend.ErrDefinitionNotFound
		}

		return nil, fmt.Errorf("loading definition %q: %w", workflowID, err)
	}

	var def workflow.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshaling definition: %w", err)
	}

	return &def, nil
}
