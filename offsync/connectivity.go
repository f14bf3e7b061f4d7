// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Connectivity tells the engine whether the remote endpoint can be reached.
// Subscribers are called on every transition; the returned func unsubscribes.
type Connectivity interface {
	Reachable() bool
	Subscribe(fn func(reachable bool)) (unsubscribe func())
}

// ManualConnectivity is a Connectivity whose state is set by the caller.
type ManualConnectivity struct {
	mu        sync.Mutex
	reachable bool
	subs      map[int]func(bool)
	nextSub   int
}

func NewManualConnectivity(reachable bool) *ManualConnectivity {
	return &ManualConnectivity{reachable: reachable, subs: map[int]func(bool){}}
}

func (m *ManualConnectivity) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// Set changes the state and notifies subscribers when it actually changed.
func (m *ManualConnectivity) Set(reachable bool) {
	m.mu.Lock()
	if m.reachable == reachable {
		m.mu.Unlock()
		return
	}
	m.reachable = reachable
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(reachable)
	}
}

func (m *ManualConnectivity) Subscribe(fn func(bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// HTTPProbe polls a health URL and reports the endpoint reachable while it
// answers with a non-5xx status.
type HTTPProbe struct {
	*ManualConnectivity

	URL      string
	Interval time.Duration
	HTTP     *http.Client
	logger   *slog.Logger
}

func NewHTTPProbe(url string, interval time.Duration) *HTTPProbe {
	return &HTTPProbe{
		ManualConnectivity: NewManualConnectivity(false),
		URL:                url,
		Interval:           interval,
		HTTP:               &http.Client{Timeout: 5 * time.Second},
		logger:             slog.Default(),
	}
}

// Run probes until ctx is done.
func (p *HTTPProbe) Run(ctx context.Context) {
	for {
		p.Set(p.probe(ctx))
		if err := sleepWithContext(ctx, p.Interval); err != nil {
			return
		}
	}
}

func (p *HTTPProbe) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		p.logger.Warn("Invalid probe URL", "url", p.URL, "error", err)
		return false
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		p.logger.Debug("Probe failed", "url", p.URL, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

type alwaysReachable struct{}

func (alwaysReachable) Reachable() bool             { return true }
func (alwaysReachable) Subscribe(func(bool)) func() { return func() {} }
