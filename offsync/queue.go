// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-budgetsync/model"
)

// Queue is the ordered store of operation records. It is not safe for
// concurrent use; Client guards it with its lock. Every change is tracked so
// the client can write it through to a Persister.
type Queue struct {
	ops     []*Operation
	nextSeq int64

	dirty   map[string]struct{}
	removed map[string]struct{}
}

func NewQueue() *Queue {
	return &Queue{
		nextSeq: 1,
		dirty:   map[string]struct{}{},
		removed: map[string]struct{}{},
	}
}

// Append stores op at the tail of the queue in the pending state.
func (q *Queue) Append(op *Operation) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.Seq = q.nextSeq
	q.nextSeq++
	op.Status = StatusPending
	q.ops = append(q.ops, op)
	q.touch(op)
}

// restore inserts records loaded from storage, keeping their sequence numbers.
func (q *Queue) restore(ops []*Operation) {
	q.ops = append(q.ops, ops...)
	sort.SliceStable(q.ops, func(i, j int) bool { return q.ops[i].Seq < q.ops[j].Seq })
	for _, op := range q.ops {
		if op.Seq >= q.nextSeq {
			q.nextSeq = op.Seq + 1
		}
	}
}

func (q *Queue) Len() int { return len(q.ops) }

// Get returns the stored record, or nil. The result is owned by the queue.
func (q *Queue) Get(id string) *Operation {
	for _, op := range q.ops {
		if op.ID == id {
			return op
		}
	}
	return nil
}

// Remove deletes the record and reports whether it existed.
func (q *Queue) Remove(id string) bool {
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			delete(q.dirty, id)
			q.removed[id] = struct{}{}
			return true
		}
	}
	return false
}

// UpdateStatus moves a record to status with the given retry bookkeeping.
func (q *Queue) UpdateStatus(id string, status Status, retryCount int, lastAttempt, nextRetry time.Time, lastErr string) error {
	op := q.Get(id)
	if op == nil {
		return ErrOperationNotFound
	}
	op.Status = status
	op.RetryCount = retryCount
	op.LastAttemptAt = lastAttempt
	op.NextRetryAt = nextRetry
	op.LastError = lastErr
	q.touch(op)
	return nil
}

// MarkProcessing claims a record for execution. Only one record may be in
// flight at a time.
func (q *Queue) MarkProcessing(id string) error {
	op := q.Get(id)
	if op == nil {
		return ErrOperationNotFound
	}
	if p := q.Processing(); p != nil {
		return ErrAlreadyProcessing
	}
	op.Status = StatusProcessing
	q.touch(op)
	return nil
}

// ResetFailed returns a failed record to pending with a fresh retry budget.
func (q *Queue) ResetFailed(id string) error {
	op := q.Get(id)
	if op == nil {
		return ErrOperationNotFound
	}
	if op.Status != StatusFailed {
		return nil
	}
	return q.UpdateStatus(id, StatusPending, 0, op.LastAttemptAt, time.Time{}, op.LastError)
}

// All returns the records in queue order.
func (q *Queue) All() []*Operation {
	return append([]*Operation(nil), q.ops...)
}

// Pending returns pending records in FIFO order.
func (q *Queue) Pending() []*Operation {
	return q.withStatus(StatusPending)
}

// Retrying returns retrying records, earliest NextRetryAt first.
func (q *Queue) Retrying() []*Operation {
	out := q.withStatus(StatusRetrying)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].NextRetryAt.Before(out[j].NextRetryAt)
	})
	return out
}

// Failed returns records excluded from automatic scheduling.
func (q *Queue) Failed() []*Operation {
	return q.withStatus(StatusFailed)
}

// Processing returns the record in flight, or nil.
func (q *Queue) Processing() *Operation {
	for _, op := range q.ops {
		if op.Status == StatusProcessing {
			return op
		}
	}
	return nil
}

func (q *Queue) withStatus(s Status) []*Operation {
	var out []*Operation
	for _, op := range q.ops {
		if op.Status == s {
			out = append(out, op)
		}
	}
	return out
}

// Matching returns records whose path starts with prefix and whose
// correlation id equals correlation.
func (q *Queue) Matching(prefix []string, correlation model.ID) []*Operation {
	var out []*Operation
	for _, op := range q.ops {
		if op.CorrelationID == correlation && op.HasPathPrefix(prefix) {
			out = append(out, op)
		}
	}
	return out
}

// Next picks the record the dispatcher should execute at now. When nothing
// is due but a retry is scheduled, wait is the time until it becomes due.
func (q *Queue) Next(now time.Time) (op *Operation, wait time.Duration) {
	if q.Processing() != nil {
		return nil, 0
	}
	if pending := q.Pending(); len(pending) > 0 {
		return pending[0], 0
	}
	retrying := q.Retrying()
	if len(retrying) == 0 {
		return nil, 0
	}
	first := retrying[0]
	if !first.NextRetryAt.After(now) {
		return first, 0
	}
	return nil, first.NextRetryAt.Sub(now)
}

// nextForDrain returns the first pending or retrying record regardless of
// its retry schedule.
func (q *Queue) nextForDrain() *Operation {
	for _, op := range q.ops {
		if op.Status == StatusPending || op.Status == StatusRetrying {
			return op
		}
	}
	return nil
}

// RewriteID replaces a temporary id with its server id in every record:
// correlation, path segments, reconciler hints and string values of the
// payload. It returns the number of records changed.
func (q *Queue) RewriteID(oldID, newID model.ID) int {
	if oldID == newID || newID.IsZero() {
		return 0
	}
	n := 0
	for _, op := range q.ops {
		changed := false
		if op.CorrelationID == oldID {
			op.CorrelationID = newID
			changed = true
		}
		for i, seg := range op.Path {
			if seg == string(oldID) {
				op.Path[i] = string(newID)
				changed = true
			}
		}
		if op.Reconcile != nil {
			if rec, ok := op.Reconcile.rewriteID(oldID, newID); ok {
				op.Reconcile = rec
				changed = true
			}
		}
		if payload, ok := rewritePayload(op.Payload, oldID, newID); ok {
			op.Payload = payload
			changed = true
		}
		if changed {
			q.touch(op)
			n++
		}
	}
	return n
}

func (q *Queue) touch(op *Operation) {
	q.dirty[op.ID] = struct{}{}
	delete(q.removed, op.ID)
}

// takeChanges returns copies of records modified since the last call and the
// ids of removed ones.
func (q *Queue) takeChanges() (upserts []*Operation, deletes []string) {
	for _, op := range q.ops {
		if _, ok := q.dirty[op.ID]; ok {
			upserts = append(upserts, op.Clone())
		}
	}
	for id := range q.removed {
		deletes = append(deletes, id)
	}
	sort.Strings(deletes)
	clear(q.dirty)
	clear(q.removed)
	return upserts, deletes
}

func rewritePayload(raw json.RawMessage, oldID, newID model.ID) (json.RawMessage, bool) {
	if len(raw) == 0 || !bytes.Contains(raw, []byte(oldID)) {
		return raw, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw, false
	}
	v, changed := replaceString(v, string(oldID), string(newID))
	if !changed {
		return raw, false
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw, false
	}
	return out, true
}

func replaceString(v any, oldS, newS string) (any, bool) {
	switch t := v.(type) {
	case string:
		if t == oldS {
			return newS, true
		}
	case map[string]any:
		changed := false
		for k, e := range t {
			if r, ok := replaceString(e, oldS, newS); ok {
				t[k] = r
				changed = true
			}
		}
		return t, changed
	case []any:
		changed := false
		for i, e := range t {
			if r, ok := replaceString(e, oldS, newS); ok {
				t[i] = r
				changed = true
			}
		}
		return t, changed
	}
	return v, false
}
