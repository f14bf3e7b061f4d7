// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"fmt"
)

// Refresh delivers every queued record and then replaces local state with a
// fresh server snapshot. Records are driven in queue order regardless of
// their retry schedule; the first failure aborts the refresh and nothing is
// installed. Concurrent calls share one refresh.
func (c *Client) Refresh(ctx context.Context) error {
	_, err, shared := c.refreshGroup.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	if shared {
		c.logger.Debug("Joined in-progress refresh")
	}
	return err
}

func (c *Client) refresh(ctx context.Context) error {
	c.flight.Lock()
	defer func() {
		c.flight.Unlock()
		c.dispatcher.Notify(EventQueueChanged)
	}()

	start := c.stageStart()
	drained, err := c.drain(ctx)
	c.observeStage(ctx, MetricsOpRefresh, MetricsStageRefreshDrain, start, drained, 1, err != nil)
	if err != nil {
		c.logger.Warn("Refresh aborted, queue not drained", "drained", drained, "error", err)
		c.report(ctx, &SyncError{Kind: KindOf(err), Endpoint: "ini", Message: "refresh aborted", Err: err})
		return fmt.Errorf("refresh aborted: %w", err)
	}

	start = c.stageStart()
	snap, err := c.executor.FetchSnapshot(ctx)
	c.observeStage(ctx, MetricsOpRefresh, MetricsStageRefreshFetch, start, 1, 1, err != nil)
	if err != nil {
		var se *SyncError
		if errors.As(err, &se) {
			c.report(ctx, se)
		}
		return fmt.Errorf("failed to fetch snapshot: %w", err)
	}

	c.mu.Lock()
	if n := c.queue.Len(); n > 0 {
		// edits made while the snapshot was in transit would be lost
		c.mu.Unlock()
		return fmt.Errorf("refresh aborted: %w: %d records queued during fetch", ErrQueueNotDrained, n)
	}
	c.state = snap
	c.stateDirty = true
	c.flushLocked(ctx)
	c.mu.Unlock()

	c.logger.Info("Installed server snapshot",
		"drained", drained,
		"expenses", len(snap.Expenses),
		"income", len(snap.Incomes),
		"budgets", len(snap.Budgets),
		"groups", len(snap.Categories))
	return nil
}

// drain executes pending and retrying records in queue order until none is
// left or one fails.
func (c *Client) drain(ctx context.Context) (int, error) {
	n := 0
	for {
		c.mu.Lock()
		op := c.queue.nextForDrain()
		if op != nil {
			if err := c.queue.MarkProcessing(op.ID); err != nil {
				c.mu.Unlock()
				return n, err
			}
			op = op.Clone()
			c.flushLocked(ctx)
		}
		c.mu.Unlock()
		if op == nil {
			break
		}

		n++
		if err := c.runOperation(ctx, op); err != nil {
			return n, err
		}
	}

	c.mu.Lock()
	remaining := c.queue.Len()
	c.mu.Unlock()
	if remaining > 0 {
		return n, fmt.Errorf("%w: %d failed records remain", ErrQueueNotDrained, remaining)
	}
	return n, nil
}
