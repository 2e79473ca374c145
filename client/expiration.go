package client

import (
	"context"
	"errors"
	"time"

	"github.com/stepflow/go-stepflow/backend"
)

// StartAutoExpiration removes finished workflows in the background.
//
// Every `delay` all workflows last saved before Now() - `delay` are removed. Expiration stops
// when ctx is done.
func (c *Client) StartAutoExpiration(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return errors.New("expiration delay must be positive")
	}

	ticker := c.clock.Ticker(delay)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				removed, err := c.RemoveWorkflows(ctx, backend.RemoveSavedBefore(now.Add(-delay)))
				if err != nil {
					c.backend.Logger().ErrorContext(ctx, "expiring workflows", "error", err)
					continue
				}

				c.backend.Logger().DebugContext(ctx, "expired workflows", "count", removed)
			}
		}
	}()

	return nil
}
