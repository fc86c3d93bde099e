// Package connmon tracks network reachability toward the gateway and exposes
// a single debounced online/offline signal to the rest of the relay.
//
// The monitor is an injected dependency of the sync engine and the messaging
// service, never a module-level singleton, so tests and multiple sessions can
// run with independent simulated connectivity.
package connmon

import (
	"context"
	"sync"
	"time"

	"realmrelay/internal/events"
	"realmrelay/internal/types"
)

// Probe reports whether the gateway is currently reachable. The production
// probe issues a GET against the gateway health endpoint; tests substitute a
// canned function.
type Probe func(ctx context.Context) bool

// Monitor polls the probe and publishes debounced transitions. A state must
// persist for the debounce window before a transition event fires, so a
// sub-second Wi-Fi drop-and-reconnect does not trigger redundant sync cycles.
type Monitor struct {
	probe    Probe
	interval time.Duration
	debounce time.Duration
	logger   types.Logger

	mu             sync.Mutex
	state          types.ConnectionState
	candidate      bool
	candidateSince time.Time
	hasCandidate   bool

	hub    *events.Hub[types.ConnectionState]
	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

// New creates a Monitor. It does not start probing until Start is called.
func New(probe Probe, interval, debounce time.Duration, logger types.Logger) *Monitor {
	return &Monitor{
		probe:    probe,
		interval: interval,
		debounce: debounce,
		logger:   logger,
		hub:      events.NewHub[types.ConnectionState](),
		now:      time.Now,
	}
}

// Start performs a synchronous initial probe (no debounce: there is no prior
// state to protect) and then begins the background polling loop.
func (m *Monitor) Start(ctx context.Context) {
	initial := m.probe(ctx)

	m.mu.Lock()
	m.state = types.ConnectionState{Online: initial, Since: m.now()}
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("connection monitor started", "online", initial)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(loopCtx)
}

// Stop terminates the polling loop and detaches all subscribers.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.hub.Close()
}

// IsOnline returns the current debounced state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Online
}

// State returns a snapshot of the current state and its transition time.
func (m *Monitor) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a handler invoked on every debounced transition and
// returns its unsubscribe function.
func (m *Monitor) Subscribe(handler func(types.ConnectionState)) func() {
	return m.hub.Subscribe(handler)
}

// run is the polling loop. Transitions are delivered via the hub, not by
// polling subscribers.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(m.probe(ctx), m.now())
		}
	}
}

// observe feeds one probe result through the debounce filter and fires a
// transition once a changed state has persisted for the full window.
func (m *Monitor) observe(online bool, now time.Time) {
	m.mu.Lock()

	if online == m.state.Online {
		// Back to the established state: discard any pending candidate.
		m.hasCandidate = false
		m.mu.Unlock()
		return
	}

	if !m.hasCandidate || m.candidate != online {
		m.hasCandidate = true
		m.candidate = online
		m.candidateSince = now
		m.mu.Unlock()
		return
	}

	if now.Sub(m.candidateSince) < m.debounce {
		m.mu.Unlock()
		return
	}

	m.state = types.ConnectionState{Online: online, Since: now}
	m.hasCandidate = false
	state := m.state
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("connectivity transition", "online", state.Online)
	}
	m.hub.Publish(state)
}
