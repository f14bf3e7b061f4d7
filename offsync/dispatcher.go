// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"sync"
	"time"
)

// DispatchState is the externally visible state of the Dispatcher.
type DispatchState string

const (
	StateIdle            DispatchState = "idle"
	StateWaitingForRetry DispatchState = "waiting-for-retry"
	StateDispatching     DispatchState = "dispatching"
)

// Event wakes the dispatcher up for a new evaluation.
type Event int

const (
	EventQueueChanged Event = iota
	EventConnectivityChanged
	EventTimerFired
)

func (e Event) String() string {
	switch e {
	case EventQueueChanged:
		return "queue-changed"
	case EventConnectivityChanged:
		return "connectivity-changed"
	case EventTimerFired:
		return "timer-fired"
	default:
		return "unknown"
	}
}

// Dispatcher executes queued records one at a time. Pending records go first
// in FIFO order, then the retrying record with the earliest due time; when that
// one is not due yet a timer is armed for it.
type Dispatcher struct {
	client *Client
	events chan Event

	mu      sync.Mutex
	state   DispatchState
	retryAt time.Time

	timer *time.Timer // owned by the goroutine calling Run/Step
}

func newDispatcher(c *Client) *Dispatcher {
	return &Dispatcher{
		client: c,
		events: make(chan Event, 1),
		state:  StateIdle,
	}
}

// Notify schedules an evaluation. It never blocks; events that arrive while
// one is already pending are coalesced.
func (d *Dispatcher) Notify(ev Event) {
	select {
	case d.events <- ev:
	default:
	}
}

// State returns the current dispatcher state.
func (d *Dispatcher) State() DispatchState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// NextRetryAt returns when the armed retry timer fires, or the zero time.
func (d *Dispatcher) NextRetryAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retryAt
}

// Run evaluates the queue on every event until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	logger := d.client.logger
	d.Notify(EventQueueChanged)
	defer func() {
		d.disarm()
		d.setState(StateIdle)
	}()

	for {
		var timerC <-chan time.Time
		if d.timer != nil {
			timerC = d.timer.C
		}

		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			logger.Debug("Dispatcher woke up", "event", ev)
		case <-timerC:
			d.timer = nil
			logger.Debug("Dispatcher woke up", "event", EventTimerFired)
		}

		for ctx.Err() == nil && d.Step(ctx) {
		}
	}
}

// Step performs one evaluation and reports whether a record was executed.
// It returns false when offline, when a refresh holds the flight lock, or
// when nothing is due.
func (d *Dispatcher) Step(ctx context.Context) bool {
	c := d.client
	if !c.conn.Reachable() {
		d.disarm()
		d.setState(StateIdle)
		return false
	}
	if !c.flight.TryLock() {
		return false
	}
	defer c.flight.Unlock()

	op, wait := c.claimNext(ctx)
	if op == nil {
		if wait > 0 {
			d.arm(wait)
			d.setState(StateWaitingForRetry)
		} else {
			d.disarm()
			d.setState(StateIdle)
		}
		return false
	}

	d.disarm()
	d.setState(StateDispatching)
	_ = c.runOperation(ctx, op)
	d.setState(StateIdle)
	return true
}

func (d *Dispatcher) arm(wait time.Duration) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.NewTimer(wait)
	d.mu.Lock()
	d.retryAt = d.client.now().Add(wait)
	d.mu.Unlock()
}

func (d *Dispatcher) disarm() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Lock()
	d.retryAt = time.Time{}
	d.mu.Unlock()
}

func (d *Dispatcher) setState(s DispatchState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}
