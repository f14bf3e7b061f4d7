// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"time"
)

const (
	MetricsOpDispatch = "dispatch"
	MetricsOpRefresh  = "refresh"

	MetricsStageExecute   = "execute"
	MetricsStageReconcile = "reconcile"

	MetricsStageRefreshDrain = "refresh_drain"
	MetricsStageRefreshFetch = "refresh_fetch"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (c *Client) stageTimingEnabled() bool {
	return c.config.StageMetrics != nil || c.config.LogStageTimings
}

func (c *Client) stageStart() time.Time {
	if !c.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (c *Client) observeStage(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() {
		return
	}

	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}

	if c.config.StageMetrics != nil {
		c.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if c.config.LogStageTimings {
		c.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
