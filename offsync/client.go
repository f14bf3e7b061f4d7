// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package offsync keeps a household budget usable while the device is offline.
//
// Every local mutation is applied to in-memory state immediately and recorded
// as an Operation in a durable queue. A single-flight Dispatcher drains the
// queue against the remote API whenever connectivity allows, retrying with
// exponential backoff, and reconciles each successful response back into
// local state (temporary ids become server ids). Refresh installs a complete
// server snapshot, but only after every queued operation has been delivered.
package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/mobiletoly/go-budgetsync/model"
	"golang.org/x/sync/singleflight"
)

// Config holds configuration for the sync client
type Config struct {
	BaseURL      string       // API root, e.g. "https://budget.example.com/api"
	HTTPClient   *http.Client // defaults to a client with RequestTimeout
	Connectivity Connectivity // nil means always reachable
	Persister    Persister    // nil keeps queue and state in memory only

	BackoffMin time.Duration // 1s
	BackoffMax time.Duration // 60s
	Jitter     time.Duration // 0
	MaxRetries int           // a record failing more often than this becomes failed

	RequestTimeout time.Duration // 30s

	// FailFastApplicationErrors marks a record failed on the first explicit
	// rejection by the server instead of retrying it like a network error.
	FailFastApplicationErrors bool

	Logger          *slog.Logger
	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
	ErrorReporter   ErrorReporter
	Now             func() time.Time
}

// DefaultConfig returns a default configuration for the API at baseURL.
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:        baseURL,
		BackoffMin:     1 * time.Second,
		BackoffMax:     60 * time.Second,
		MaxRetries:     5,
		RequestTimeout: 30 * time.Second,
	}
}

// Client owns local state and the operation queue, exposes the mutation
// facade and drives synchronization.
type Client struct {
	config     *Config
	auth       Auth
	executor   *Executor
	conn       Connectivity
	logger     *slog.Logger
	backoff    Backoff
	dispatcher *Dispatcher

	mu              sync.Mutex // guards state, queue and tombstones
	state           *model.Snapshot
	queue           *Queue
	tombstones      map[model.ID]Collection // temp ids deleted while their create was in flight
	stateDirty      bool
	tombstonesDirty bool

	flight       sync.Mutex // one remote execution at a time: dispatcher or refresh
	refreshGroup singleflight.Group

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	unsub  func()
}

// NewClient creates a sync client. When config.Persister is set, the queue and
// state saved by a previous run are restored; records that were in flight
// when the process stopped are queued again as pending.
func NewClient(config *Config, auth Auth) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("config.BaseURL must be provided")
	}
	if auth == nil {
		return nil, fmt.Errorf("auth cannot be nil")
	}

	cfg := *config
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if cfg.Connectivity == nil {
		cfg.Connectivity = alwaysReachable{}
	}

	c := &Client{
		config: &cfg,
		auth:   auth,
		executor: &Executor{
			BaseURL: cfg.BaseURL,
			HTTP:    cfg.HTTPClient,
			Auth:    auth,
		},
		conn:       cfg.Connectivity,
		logger:     cfg.Logger,
		backoff:    Backoff{Min: cfg.BackoffMin, Max: cfg.BackoffMax, Jitter: cfg.Jitter},
		state:      model.NewSnapshot(),
		queue:      NewQueue(),
		tombstones: map[model.ID]Collection{},
	}
	c.dispatcher = newDispatcher(c)

	if cfg.Persister != nil {
		if err := c.load(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to load persisted sync state: %w", err)
		}
	}
	return c, nil
}

// Start launches the dispatcher goroutine. It runs until ctx is cancelled or
// Stop is called.
func (c *Client) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("client already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.unsub = c.conn.Subscribe(func(reachable bool) {
		if reachable {
			c.dispatcher.Notify(EventConnectivityChanged)
		}
	})

	go func(done chan struct{}) {
		defer close(done)
		c.dispatcher.Run(ctx)
	}(c.done)
	return nil
}

// Stop cancels the dispatcher and waits for it to exit or for ctx to expire.
func (c *Client) Stop(ctx context.Context) error {
	c.runMu.Lock()
	cancel, done, unsub := c.cancel, c.done, c.unsub
	c.cancel, c.done, c.unsub = nil, nil, nil
	c.runMu.Unlock()
	if cancel == nil {
		return nil
	}

	unsub()
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatcher exposes the dispatcher for callers that drive it by hand.
func (c *Client) Dispatcher() *Dispatcher { return c.dispatcher }

// Snapshot returns a deep copy of the current local state.
func (c *Client) Snapshot() *model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Sources returns the distinct income sources per owner.
func (c *Client) Sources() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Sources()
}

// Operations returns copies of all queued records in queue order.
func (c *Client) Operations() []*Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := c.queue.All()
	out := make([]*Operation, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
	}
	return out
}

// QueueLen returns the number of queued records, failed ones included.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// RetryFailed returns a failed record to the pending state.
func (c *Client) RetryFailed(ctx context.Context, id string) error {
	err := c.withLock(ctx, func() error {
		return c.queue.ResetFailed(id)
	})
	if err == nil {
		c.dispatcher.Notify(EventQueueChanged)
	}
	return err
}

// RetryAllFailed returns every failed record to the pending state.
func (c *Client) RetryAllFailed(ctx context.Context) int {
	n := 0
	_ = c.withLock(ctx, func() error {
		for _, op := range c.queue.Failed() {
			if c.queue.ResetFailed(op.ID) == nil {
				n++
			}
		}
		return nil
	})
	if n > 0 {
		c.dispatcher.Notify(EventQueueChanged)
	}
	return n
}

// DiscardOperation drops a record that is not in flight. The local entity it
// belongs to is left as is.
func (c *Client) DiscardOperation(ctx context.Context, id string) error {
	return c.withLock(ctx, func() error {
		op := c.queue.Get(id)
		if op == nil {
			return ErrOperationNotFound
		}
		if op.Status == StatusProcessing {
			return ErrAlreadyProcessing
		}
		c.queue.Remove(id)
		return nil
	})
}

func (c *Client) now() time.Time { return c.config.Now() }

// withLock runs fn under the client lock and writes the resulting changes
// through to the persister.
func (c *Client) withLock(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := fn()
	c.flushLocked(ctx)
	return err
}

// mutate is withLock for facade calls: it wakes the dispatcher afterwards.
func (c *Client) mutate(ctx context.Context, fn func() error) error {
	err := c.withLock(ctx, func() error {
		if err := fn(); err != nil {
			return err
		}
		c.stateDirty = true
		return nil
	})
	if err == nil {
		c.dispatcher.Notify(EventQueueChanged)
	}
	return err
}

func (c *Client) enqueueLocked(path []string, method Method, payload json.RawMessage, corr model.ID, rec Reconciler) *Operation {
	op := &Operation{
		Path:          path,
		Method:        method,
		Payload:       payload,
		Reconcile:     rec,
		CorrelationID: corr,
		CreatedAt:     c.now(),
	}
	c.queue.Append(op)
	c.logger.Debug("Queued operation", "id", op.ID, "method", op.Method, "path", op.Endpoint(), "correlation", corr)
	return op
}

// claimNext marks the record selected by the dispatcher as processing and
// returns a copy of it.
func (c *Client) claimNext(ctx context.Context) (*Operation, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, wait := c.queue.Next(c.now())
	if op == nil {
		return nil, wait
	}
	if err := c.queue.MarkProcessing(op.ID); err != nil {
		return nil, 0
	}
	c.flushLocked(ctx)
	return op.Clone(), 0
}

// runOperation executes op remotely and records the outcome. The caller must
// hold the flight lock and have marked op processing.
func (c *Client) runOperation(ctx context.Context, op *Operation) error {
	start := c.stageStart()
	resp, err := c.executor.Execute(ctx, op)
	c.observeStage(ctx, MetricsOpDispatch, MetricsStageExecute, start, 1, op.RetryCount+1, err != nil)
	if err != nil {
		return c.recordFailure(ctx, op, err)
	}
	c.recordSuccess(ctx, op, resp)
	return nil
}

func (c *Client) recordSuccess(ctx context.Context, op *Operation, resp json.RawMessage) {
	start := c.stageStart()

	c.mu.Lock()
	stored := c.queue.Get(op.ID)
	if stored == nil {
		stored = op
	}
	rec := stored.Reconcile
	if rec == nil {
		rec = NoPatch{}
	}
	changes, err := rec.apply(c.state, stored.CorrelationID, resp)
	c.queue.Remove(op.ID)
	if err == nil {
		c.propagateLocked(changes)
	}
	c.stateDirty = true
	c.flushLocked(ctx)
	c.mu.Unlock()

	c.observeStage(ctx, MetricsOpDispatch, MetricsStageReconcile, start, len(changes), op.RetryCount+1, err != nil)
	if err != nil {
		// the remote change is already applied; a refresh brings state back in line
		c.logger.Error("Failed to reconcile response", "id", op.ID, "path", op.Endpoint(), "error", err)
		c.report(ctx, &SyncError{Kind: FailureReconcile, OperationID: op.ID, Endpoint: op.Endpoint(), Message: "failed to apply response", Err: err})
		return
	}
	c.logger.Debug("Operation completed", "id", op.ID, "method", op.Method, "path", op.Endpoint())
}

func (c *Client) recordFailure(ctx context.Context, op *Operation, err error) error {
	c.mu.Lock()
	stored := c.queue.Get(op.ID)
	if stored == nil {
		c.mu.Unlock()
		return err
	}

	if isCanceled(ctx, err) {
		stored.Status = StatusPending
		if stored.RetryCount > 0 {
			stored.Status = StatusRetrying
		}
		c.queue.touch(stored)
		c.settleTombstonesLocked(stored)
		c.flushLocked(context.WithoutCancel(ctx))
		c.mu.Unlock()
		return err
	}

	var se *SyncError
	if !errors.As(err, &se) {
		se = &SyncError{Kind: FailureTransient, Err: err}
	}
	se.OperationID = op.ID
	se.Endpoint = op.Endpoint()

	now := c.now()
	retries := stored.RetryCount + 1
	status, next := StatusFailed, time.Time{}
	if se.Retryable(c.config.FailFastApplicationErrors) && retries <= c.config.MaxRetries {
		status, next = StatusRetrying, now.Add(c.backoff.Delay(retries))
	}
	_ = c.queue.UpdateStatus(op.ID, status, retries, now, next, se.Error())
	dropped := c.settleTombstonesLocked(stored)
	c.flushLocked(ctx)
	c.mu.Unlock()

	if dropped {
		c.logger.Info("Operation dropped, entity deleted while in flight",
			"id", op.ID, "path", op.Endpoint(), "kind", se.Kind, "error", se)
		return nil
	}
	if status == StatusFailed {
		c.logger.Error("Operation failed permanently",
			"id", op.ID, "path", op.Endpoint(), "kind", se.Kind, "retries", retries, "error", se)
	} else {
		c.logger.Warn("Operation failed, will retry",
			"id", op.ID, "path", op.Endpoint(), "kind", se.Kind, "retries", retries, "next_retry_at", next, "error", se)
	}
	c.report(ctx, se)
	return se
}

// propagateLocked carries server ids from a reconciled response into the
// rest of the queue and local state.
func (c *Client) propagateLocked(changes []IDChange) {
	for _, ch := range changes {
		if ch.New.IsZero() {
			// the server did not return this entity; records addressing it are obsolete
			for _, op := range c.queue.All() {
				if op.CorrelationID == ch.Old && op.Status != StatusProcessing {
					c.queue.Remove(op.ID)
				}
			}
			if _, ok := c.tombstones[ch.Old]; ok {
				delete(c.tombstones, ch.Old)
				c.tombstonesDirty = true
			}
			continue
		}

		n := c.queue.RewriteID(ch.Old, ch.New)
		propagateID(c.state, ch)
		c.logger.Debug("Propagated server id", "old", ch.Old, "new", ch.New, "records", n)

		if coll, ok := c.tombstones[ch.Old]; ok {
			delete(c.tombstones, ch.Old)
			c.tombstonesDirty = true
			c.removeEntityLocked(coll, ch.New)
			c.enqueueLocked(coll.Path(ch.New), MethodDelete, nil, ch.New, NoPatch{})
		}
	}
}

// settleTombstonesLocked applies deletes recorded while op was in flight, now
// that op is back in the queue without having reached the server. It reports
// whether op was dropped.
func (c *Client) settleTombstonesLocked(op *Operation) bool {
	if coll, ok := c.tombstones[op.CorrelationID]; ok {
		delete(c.tombstones, op.CorrelationID)
		c.tombstonesDirty = true
		for _, m := range c.queue.Matching(coll.Path(), op.CorrelationID) {
			if m.Status != StatusProcessing {
				c.queue.Remove(m.ID)
			}
		}
		return c.queue.Get(op.ID) == nil
	}

	bulk, ok := op.Reconcile.(FlatBulkPatch)
	if !ok {
		return false
	}
	var deleted model.ID
	for _, line := range bulk.Lines {
		if _, ok := c.tombstones[line]; ok {
			delete(c.tombstones, line)
			c.tombstonesDirty = true
			deleted = line
		}
	}
	if deleted.IsZero() {
		return false
	}
	// the batch is rebuilt from the lines still in local state
	c.trimBatchLocked(deleted)
	return c.queue.Get(op.ID) == nil
}

func (c *Client) removeEntityLocked(coll Collection, id model.ID) {
	s := c.state
	switch coll {
	case Expenses:
		s.Expenses = slices.DeleteFunc(s.Expenses, func(e model.Expense) bool { return e.ID == id })
	case Incomes:
		s.Incomes = slices.DeleteFunc(s.Incomes, func(i model.Income) bool { return i.ID == id })
	case Budgets:
		s.Budgets = slices.DeleteFunc(s.Budgets, func(b model.Budget) bool { return b.ID == id })
	case Subcategories:
		if g, i := s.FindSubcategory(id); g != nil {
			g.Subcategories = slices.Delete(g.Subcategories, i, i+1)
		}
	case CategoryGroups:
		delete(s.Categories, id)
	}
}

func (c *Client) report(ctx context.Context, err *SyncError) {
	if c.config.ErrorReporter != nil {
		c.config.ErrorReporter.ReportSyncError(ctx, err)
	}
}

func (c *Client) load(ctx context.Context) error {
	stored, err := c.config.Persister.Load(ctx)
	if err != nil {
		return err
	}
	if stored == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if stored.Snapshot != nil {
		stored.Snapshot.Normalize()
		c.state = stored.Snapshot
	}
	recovered := 0
	for _, op := range stored.Operations {
		if op.Status == StatusProcessing {
			op.Status = StatusPending
			c.queue.touch(op)
			recovered++
		}
	}
	c.queue.restore(stored.Operations)

	// a tombstoned create came back as pending and never reached the server
	// as far as this client knows, so the local delete is applied to it now
	if len(stored.Tombstones) > 0 {
		maps.Copy(c.tombstones, stored.Tombstones)
		for _, op := range c.queue.All() {
			if op.Method == MethodCreate {
				c.settleTombstonesLocked(op)
			}
		}
		clear(c.tombstones)
		c.tombstonesDirty = true
	}

	c.flushLocked(ctx)
	c.logger.Info("Restored sync state",
		"operations", c.queue.Len(), "recovered_in_flight", recovered,
		"expenses", len(c.state.Expenses), "groups", len(c.state.Categories))
	return nil
}

// flushLocked writes tracked changes to the persister. Persistence errors are
// logged; in-memory state stays authoritative.
func (c *Client) flushLocked(ctx context.Context) {
	if c.config.Persister == nil {
		c.queue.takeChanges()
		c.stateDirty, c.tombstonesDirty = false, false
		return
	}

	ch := &Changes{}
	ch.Upserts, ch.Deletes = c.queue.takeChanges()
	if c.stateDirty {
		ch.Snapshot = c.state.Clone()
	}
	if c.tombstonesDirty {
		ch.Tombstones = maps.Clone(c.tombstones)
	}
	c.stateDirty, c.tombstonesDirty = false, false
	if ch.empty() {
		return
	}
	if err := c.config.Persister.Save(context.WithoutCancel(ctx), ch); err != nil {
		c.logger.Error("Failed to persist sync state", "error", err)
	}
}
