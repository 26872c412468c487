// Package connectivity tracks whether the remote service is reachable. The
// Monitor is an injected service; each coordinator gets its own.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Monitor holds the current online state and notifies subscribers of
// changes.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewMonitor returns a monitor starting in the given state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[int]chan bool)}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a new state. Subscribers are notified only on change.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	for _, ch := range m.subs {
		// Latest value wins: replace an unread notification.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe returns a channel receiving the state after each change. A slow
// reader sees only the latest state. The returned func unsubscribes.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

// Pinger checks reachability of the remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober feeds a Monitor from periodic health checks.
type Prober struct {
	pinger   Pinger
	monitor  *Monitor
	interval time.Duration
	timeout  time.Duration
}

// NewProber returns a prober checking every interval.
func NewProber(p Pinger, m *Monitor, interval time.Duration) *Prober {
	timeout := interval / 2
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Prober{pinger: p, monitor: m, interval: interval, timeout: timeout}
}

// Run probes immediately and then on every tick. Blocks until ctx is
// cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(pctx)
	if ctx.Err() != nil {
		return
	}
	online := err == nil
	if online != p.monitor.Online() {
		if online {
			slog.Info("remote reachable", "component", "connectivity")
		} else {
			slog.Warn("remote unreachable", "component", "connectivity", "error", err)
		}
	}
	p.monitor.Set(online)
}
