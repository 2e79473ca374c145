package client

import (
	"context"

	"github.com/stepflow/go-stepflow/backend"
)

// GetStats counts the stored workflows by status.
func (c *Client) GetStats(ctx context.Context) (*backend.Stats, error) {
	summaries, err := c.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}

	return backend.StatsFromSummaries(summaries), nil
}
