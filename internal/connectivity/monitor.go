// Package connectivity tracks whether the remote store is reachable.
//
// Monitor is a pure reflection of a reachability primitive: it holds one
// boolean and notifies listeners on transitions only. Reporting the same
// state twice notifies nobody, so a poller that sees "online" every few
// seconds causes exactly one online notification per outage.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Listener is called with the new state after every transition.
type Listener func(online bool)

// Monitor holds the current online state.
//
// Thread-safety: all methods are safe for concurrent use. Listeners run
// synchronously on the goroutine that caused the transition, in
// registration order, and must not call Set.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]Listener
	nextID    int

	// notifyMu serializes transitions so listeners observe them in order.
	notifyMu sync.Mutex
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online:    online,
		listeners: make(map[int]Listener),
	}
}

// Online returns the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a reachability observation and reports whether it was a
// transition. Listeners are notified only on transitions.
func (m *Monitor) Set(online bool) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	listeners := m.snapshot()
	m.mu.Unlock()

	slog.Info("connectivity changed", "online", online)
	for _, l := range listeners {
		l(online)
	}
	return true
}

// Subscribe registers a listener and returns a function that removes it.
func (m *Monitor) Subscribe(l Listener) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// snapshot returns listeners in registration order. Caller holds m.mu.
func (m *Monitor) snapshot() []Listener {
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, len(ids))
	for i, id := range ids {
		out[i] = m.listeners[id]
	}
	return out
}

// Prober performs one reachability check.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) bool {
	return f(ctx)
}

// Run probes immediately and then every interval until ctx is cancelled,
// feeding each observation to Set. Each probe is bounded by interval.
func (m *Monitor) Run(ctx context.Context, p Prober, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		up := p.Probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.Set(up)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// HTTPProber reports online when GET URL answers with a 2xx status.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe implements Prober.
func (p HTTPProber) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		slog.Debug("reachability probe failed", "url", p.URL, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
