// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/mobiletoly/go-budgetsync/model"
)

// Auth supplies the bearer token for remote calls and the identity stamped
// onto locally created entities.
type Auth interface {
	Token(ctx context.Context) (string, error)
	Identity(ctx context.Context) (model.Identity, error)
}

// Executor performs exactly one HTTP call per queued record and classifies
// the outcome. It never retries on its own.
type Executor struct {
	BaseURL string
	HTTP    *http.Client
	Auth    Auth
}

// Execute sends op and returns the "d" member of the response envelope.
// Failures are returned as *SyncError.
func (e *Executor) Execute(ctx context.Context, op *Operation) (json.RawMessage, error) {
	var body []byte
	if op.Method != MethodDelete && len(op.Payload) > 0 {
		if !json.Valid(op.Payload) {
			return nil, &SyncError{Kind: FailureTerminal, Endpoint: op.Endpoint(), Message: "payload is not valid JSON"}
		}
		body = op.Payload
	}
	return e.do(ctx, op.Method.HTTPMethod(), op.Endpoint(), body)
}

// FetchSnapshot loads the complete remote state from the initial-load endpoint.
func (e *Executor) FetchSnapshot(ctx context.Context) (*model.Snapshot, error) {
	data, err := e.do(ctx, http.MethodGet, "ini", nil)
	if err != nil {
		return nil, err
	}
	snap := model.NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, &SyncError{Kind: FailureTransient, Endpoint: "ini", Message: "failed to decode snapshot", Err: err}
	}
	snap.Normalize()
	return snap, nil
}

func (e *Executor) do(ctx context.Context, method, endpoint string, body []byte) (json.RawMessage, error) {
	token, err := e.Auth.Token(ctx)
	if err != nil {
		return nil, &SyncError{Kind: FailureTerminal, Endpoint: endpoint, Message: "failed to get auth token", Err: err}
	}

	url := strings.TrimRight(e.BaseURL, "/") + "/" + endpoint
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &SyncError{Kind: FailureTerminal, Endpoint: endpoint, Message: "failed to create HTTP request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return nil, &SyncError{Kind: FailureTransient, Endpoint: endpoint, Message: "failed to send HTTP request", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &SyncError{Kind: FailureTransient, Endpoint: endpoint, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	var env model.Envelope
	decodeErr := json.Unmarshal(raw, &env)
	if decodeErr == nil && env.HasError() {
		return nil, &SyncError{Kind: FailureApplication, Endpoint: endpoint, StatusCode: resp.StatusCode, Message: env.ErrorMessage()}
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, &SyncError{Kind: FailureTransient, Endpoint: endpoint, StatusCode: resp.StatusCode, Message: truncate(raw)}
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, &SyncError{Kind: FailureApplication, Endpoint: endpoint, StatusCode: resp.StatusCode, Message: truncate(raw)}
	case decodeErr != nil:
		return nil, &SyncError{Kind: FailureTransient, Endpoint: endpoint, StatusCode: resp.StatusCode, Message: "failed to decode response envelope", Err: decodeErr}
	}
	return env.D, nil
}

func truncate(raw []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}
