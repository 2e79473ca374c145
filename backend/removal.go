package backend

import (
	"context"
	"time"
)

type RemovalOptions struct {
	// SavedBefore removes states whose last save happened before this time.
	SavedBefore time.Time
}

type RemovalOption func(o *RemovalOptions)

func RemoveSavedBefore(t time.Time) RemovalOption {
	return func(o *RemovalOptions) {
		o.SavedBefore = t
	}
}

func ApplyRemovalOptions(opts ...RemovalOption) RemovalOptions {
	var o RemovalOptions
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// Matches reports whether a state saved at savedAt has to be removed. Without any option
// nothing is removed.
func (o RemovalOptions) Matches(savedAt time.Time) bool {
	return !o.SavedBefore.IsZero() && savedAt.Before(o.SavedBefore)
}

// Cleanup removes all states that were last saved more than maxAgeDays before now.
func Cleanup(ctx context.Context, b Backend, now time.Time, maxAgeDays int) (int, error) {
	cutoff := now.Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	return b.RemoveStates(ctx, RemoveSavedBefore(cutoff))
}
