// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mobiletoly/go-budgetsync/model"
)

// Method is the remote action a queued record performs.
type Method string

const (
	MethodCreate  Method = "CREATE"
	MethodReplace Method = "REPLACE"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
)

// HTTPMethod maps the action onto the verb the budget API expects.
func (m Method) HTTPMethod() string {
	switch m {
	case MethodCreate:
		return http.MethodPost
	case MethodReplace:
		return http.MethodPut
	case MethodPatch:
		return http.MethodPatch
	case MethodDelete:
		return http.MethodDelete
	default:
		return string(m)
	}
}

// Status of a queued record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusFailed     Status = "failed"
)

// Collection is the endpoint path of an entity type.
type Collection string

const (
	Expenses       Collection = "expenses"
	Incomes        Collection = "income"
	Budgets        Collection = "budget"
	Subcategories  Collection = "category"
	CategoryGroups Collection = "category/group"
)

// Path returns the path segments of the collection, optionally followed by
// the entity id.
func (c Collection) Path(id ...model.ID) []string {
	segs := strings.Split(string(c), "/")
	for _, v := range id {
		segs = append(segs, string(v))
	}
	return segs
}

// Operation is one queued remote mutation together with the local
// reconciliation to run when it succeeds.
type Operation struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Path          []string        `json:"path"`
	Method        Method          `json:"method"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Reconcile     Reconciler      `json:"-"`
	CorrelationID model.ID        `json:"correlationId"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retryCount"`
	CreatedAt     time.Time       `json:"createdAt"`
	LastAttemptAt time.Time       `json:"lastAttemptAt,omitzero"`
	NextRetryAt   time.Time       `json:"nextRetryAt,omitzero"`
	LastError     string          `json:"lastError,omitempty"`
}

// Endpoint is the path joined with slashes, relative to the API base URL.
func (op *Operation) Endpoint() string {
	return strings.Join(op.Path, "/")
}

// HasPathPrefix reports whether the record targets prefix or something below it.
func (op *Operation) HasPathPrefix(prefix []string) bool {
	if len(prefix) > len(op.Path) {
		return false
	}
	for i := range prefix {
		if op.Path[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that can be handed out without sharing mutable state.
func (op *Operation) Clone() *Operation {
	c := *op
	c.Path = append([]string(nil), op.Path...)
	c.Payload = append(json.RawMessage(nil), op.Payload...)
	if op.Reconcile != nil {
		c.Reconcile = op.Reconcile.clone()
	}
	return &c
}

type operationJSON Operation

type operationWire struct {
	*operationJSON
	Reconcile reconcileSpec `json:"reconcile"`
}

func (op Operation) MarshalJSON() ([]byte, error) {
	rec := op.Reconcile
	if rec == nil {
		rec = NoPatch{}
	}
	return json.Marshal(operationWire{
		operationJSON: (*operationJSON)(&op),
		Reconcile:     rec.spec(),
	})
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	w := operationWire{operationJSON: (*operationJSON)(op)}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	rec, err := w.Reconcile.reconciler()
	if err != nil {
		return fmt.Errorf("operation %s: %w", op.ID, err)
	}
	op.Reconcile = rec
	return nil
}
