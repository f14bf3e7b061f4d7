// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Min doubled per failed attempt, capped at
// Max, plus a random jitter in [0, Jitter).
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// Delay returns the wait before attempt number retryCount+1.
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := b.Min
	for i := 1; i < retryCount && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += rand.N(b.Jitter)
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
