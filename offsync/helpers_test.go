// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mobiletoly/go-budgetsync/model"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "http://budget.test/api"

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type staticAuth struct {
	token string
	who   model.Identity
	err   error
}

func (a staticAuth) Token(context.Context) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return a.token, nil
}

func (a staticAuth) Identity(context.Context) (model.Identity, error) {
	if a.err != nil {
		return model.Identity{}, a.err
	}
	return a.who, nil
}

var testIdentity = model.Identity{UserID: "7", Name: "ann", HouseID: "h1"}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordedRequest struct {
	Method string
	Path   string // relative to the API root, e.g. "expenses/42"
	Auth   string
	Body   string
}

// fakeServer answers requests through handler and records them.
type fakeServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(req recordedRequest) (status int, body string, err error)
}

func newFakeServer(handler func(req recordedRequest) (int, string, error)) *fakeServer {
	return &fakeServer{handler: handler}
}

func (s *fakeServer) transport() http.RoundTripper {
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		var body string
		if r.Body != nil {
			raw, _ := io.ReadAll(r.Body)
			body = string(raw)
		}
		req := recordedRequest{
			Method: r.Method,
			Path:   strings.TrimPrefix(r.URL.Path, "/api/"),
			Auth:   r.Header.Get("Authorization"),
			Body:   body,
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		h := s.handler
		s.mu.Unlock()

		status, respBody, err := h(req)
		if err != nil {
			return nil, err
		}
		return &http.Response{
			StatusCode: status,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(respBody)),
			Request:    r,
		}, nil
	})
}

func (s *fakeServer) setHandler(h func(req recordedRequest) (int, string, error)) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *fakeServer) Requests() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

func (s *fakeServer) count(method, path string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// okData wraps v in a success envelope.
func okData(v any) (int, string, error) {
	raw, err := json.Marshal(map[string]any{"d": v})
	if err != nil {
		return 0, "", err
	}
	return http.StatusOK, string(raw), nil
}

// bodyMap decodes a JSON object body; it is safe to call from fake handlers.
func bodyMap(body string) map[string]any {
	var m map[string]any
	_ = json.Unmarshal([]byte(body), &m)
	return m
}

func decodeBody(t *testing.T, body string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &m))
	return m
}

type testEnv struct {
	client *Client
	server *fakeServer
	conn   *ManualConnectivity
	clock  *fakeClock
}

func newTestEnv(t *testing.T, handler func(req recordedRequest) (int, string, error), opts ...func(*Config)) *testEnv {
	t.Helper()
	if handler == nil {
		handler = func(recordedRequest) (int, string, error) { return okData(map[string]any{}) }
	}
	srv := newFakeServer(handler)
	conn := NewManualConnectivity(true)
	clock := newFakeClock()

	cfg := DefaultConfig(testBaseURL)
	cfg.HTTPClient = &http.Client{Transport: srv.transport()}
	cfg.Connectivity = conn
	cfg.Now = clock.Now
	cfg.MaxRetries = 3
	cfg.BackoffMax = 8 * time.Second
	for _, opt := range opts {
		opt(cfg)
	}

	client, err := NewClient(cfg, staticAuth{token: "tok", who: testIdentity})
	require.NoError(t, err)
	return &testEnv{client: client, server: srv, conn: conn, clock: clock}
}

// drain steps the dispatcher until nothing more is due.
func (e *testEnv) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for e.client.Dispatcher().Step(context.Background()) {
		n++
		require.Less(t, n, 100, "dispatcher did not settle")
	}
	return n
}

func statuses(ops []*Operation) []Status {
	out := make([]Status, len(ops))
	for i, op := range ops {
		out[i] = op.Status
	}
	return out
}
