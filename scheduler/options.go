package scheduler

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	mi "github.com/stepflow/go-stepflow/internal/metrics"
	"github.com/stepflow/go-stepflow/metrics"
	"github.com/stepflow/go-stepflow/task"
)

type Options struct {
	// MaxParallel caps the number of concurrently executing steps of a single run. A value
	// <= 0 disables the limit.
	MaxParallel int

	// TimeoutPollInterval is how often running steps are checked against their timeout.
	TimeoutPollInterval time.Duration

	// DefaultRetryDelay is used for steps with retries but without a retry delay.
	DefaultRetryDelay time.Duration

	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	Clock clock.Clock

	// TaskCallbacks are registered with the task manager of every run.
	TaskCallbacks map[task.State][]task.Callback
}

var DefaultOptions = Options{
	MaxParallel:         10,
	TimeoutPollInterval: 100 * time.Millisecond,
	DefaultRetryDelay:   time.Second,
}

type Option func(*Options)

func WithMaxParallel(n int) Option {
	return func(o *Options) {
		o.MaxParallel = n
	}
}

func WithTimeoutPollInterval(d time.Duration) Option {
	return func(o *Options) {
		o.TimeoutPollInterval = d
	}
}

func WithDefaultRetryDelay(d time.Duration) Option {
	return func(o *Options) {
		o.DefaultRetryDelay = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) Option {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// WithTaskCallback registers cb for every task transition into state.
func WithTaskCallback(state task.State, cb task.Callback) Option {
	return func(o *Options) {
		if o.TaskCallbacks == nil {
			o.TaskCallbacks = make(map[task.State][]task.Callback)
		}

		o.TaskCallbacks[state] = append(o.TaskCallbacks[state], cb)
	}
}

func applyOptions(opts ...Option) Options {
	options := DefaultOptions
	options.TaskCallbacks = nil

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Metrics == nil {
		options.Metrics = mi.NewNoopMetricsClient()
	}

	if options.TracerProvider == nil {
		options.TracerProvider = noop.NewTracerProvider()
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	if options.TimeoutPollInterval <= 0 {
		options.TimeoutPollInterval = DefaultOptions.TimeoutPollInterval
	}

	return options
}
