// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrQueueNotDrained aborts a full refresh while records remain queued.
	ErrQueueNotDrained = errors.New("queue not drained")
	// ErrEntityNotFound is returned when a mutation names an entity absent from local state.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrGroupNotEmpty is returned when deleting a category group that still owns subcategories.
	ErrGroupNotEmpty = errors.New("category group has subcategories")
	// ErrOperationNotFound is returned by queue maintenance calls for unknown record ids.
	ErrOperationNotFound = errors.New("operation not found")
	// ErrAlreadyProcessing is returned when a record is in flight and cannot be changed.
	ErrAlreadyProcessing = errors.New("operation is being processed")
)

// FailureKind classifies why a remote execution did not complete.
type FailureKind string

const (
	// FailureTransient covers network errors, 5xx and unreadable responses.
	FailureTransient FailureKind = "transient"
	// FailureApplication covers explicit rejections: an "err" envelope or a 4xx.
	FailureApplication FailureKind = "application"
	// FailureTerminal covers failures that no retry can fix: no token, bad payload.
	FailureTerminal FailureKind = "terminal"
	// FailureReconcile is reported when a successful response could not be applied locally.
	FailureReconcile FailureKind = "reconcile"
)

// SyncError describes a failed attempt to execute one queued record.
type SyncError struct {
	Kind        FailureKind
	OperationID string
	Endpoint    string
	StatusCode  int
	Message     string
	Err         error
}

func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failure on %s (status %d): %s", e.Kind, e.Endpoint, e.StatusCode, msg)
	}
	if e.Endpoint != "" {
		return fmt.Sprintf("%s failure on %s: %s", e.Kind, e.Endpoint, msg)
	}
	return fmt.Sprintf("%s failure: %s", e.Kind, msg)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether the record should be scheduled for another attempt.
func (e *SyncError) Retryable(failFastApplication bool) bool {
	switch e.Kind {
	case FailureTransient:
		return true
	case FailureApplication:
		return !failFastApplication
	default:
		return false
	}
}

// KindOf returns the failure kind carried by err. Errors that were not
// classified by the executor count as transient.
func KindOf(err error) FailureKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return FailureTransient
}

func isCanceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// ErrorReporter receives every failure the engine records: failed executions,
// exhausted retries, aborted refreshes and responses that could not be applied.
type ErrorReporter interface {
	ReportSyncError(ctx context.Context, err *SyncError)
}

type ErrorReporterFunc func(ctx context.Context, err *SyncError)

func (f ErrorReporterFunc) ReportSyncError(ctx context.Context, err *SyncError) {
	f(ctx, err)
}
