package task

import (
	"log/slog"

	"github.com/benbjohnson/clock"
)

type Options struct {
	Logger *slog.Logger

	// Clock is used for timestamps, timeout checks, and retry delays.
	Clock clock.Clock
}

var DefaultOptions = Options{
	Logger: slog.Default(),
	Clock:  clock.New(),
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}
