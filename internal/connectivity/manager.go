// Package connectivity tracks reachability of the central authority and
// queues peer-dependent work while the node is offline.
package connectivity

import (
	"sync"
	"time"

	"edge-sync/internal/logs"
	"edge-sync/internal/metrics"
)

// State is the reachability of the remote peer.
type State int

const (
	// Disconnected: the peer failed the configured number of consecutive
	// heartbeats. Peer-dependent operations are queued, not failed.
	Disconnected State = iota
	// Degraded: the peer answers, but slowly or with errors.
	Degraded
	// Connected: the peer is healthy.
	Connected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// PendingOp is a peer-dependent operation parked while offline.
type PendingOp struct {
	Kind       string
	EnqueuedAt time.Time
	Run        func()
}

// Config controls state transitions and the offline queue.
type Config struct {
	// FailureThreshold is the number of consecutive heartbeat failures
	// before the node is considered disconnected.
	FailureThreshold int
	// DegradedLatency marks a successful but slow heartbeat as degraded.
	DegradedLatency time.Duration
	// QueueCapacity bounds the offline queue; beyond it the oldest
	// pending operation is dropped.
	QueueCapacity int
}

// Manager owns the connectivity state machine. Heartbeat results feed in
// via MarkSuccess/MarkFailure; a single success reconnects, N consecutive
// failures disconnect. On reconnect the pending queue drains in FIFO
// order before subscribers are notified.
type Manager struct {
	cfg     Config
	logger  *logs.Logger
	metrics *metrics.Registry

	mu           sync.Mutex
	state        State
	failures     int
	queue        []PendingOp
	onReconnect  []func()
	onDisconnect []func()
}

// NewManager creates a manager. The initial state is Disconnected: the
// node trusts nothing until the first successful heartbeat.
func NewManager(cfg Config, logger *logs.Logger, reg *metrics.Registry) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		metrics: reg,
		state:   Disconnected,
	}
	reg.Set(metrics.ConnectivityState, float64(Disconnected))
	return m
}

// State returns the current reachability state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnReconnect registers a callback fired after the queue drains on a
// Disconnected -> reachable transition.
func (m *Manager) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

// OnDisconnect registers a callback fired on transition to Disconnected
// (used to cancel the active sync session).
func (m *Manager) OnDisconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// MarkSuccess records a successful heartbeat with its observed latency.
func (m *Manager) MarkSuccess(latency time.Duration) {
	m.mu.Lock()

	m.failures = 0
	prev := m.state
	next := Connected
	if m.cfg.DegradedLatency > 0 && latency > m.cfg.DegradedLatency {
		next = Degraded
	}
	m.state = next
	m.metrics.Set(metrics.ConnectivityState, float64(next))

	var drained []PendingOp
	var subs []func()
	if prev == Disconnected {
		drained = m.queue
		m.queue = nil
		m.metrics.Set(metrics.QueueDepth, 0)
		subs = append(subs, m.onReconnect...)
	}
	m.mu.Unlock()

	if prev != next {
		m.logger.Info("connectivity state changed",
			"from", prev.String(), "to", next.String(), "latency", latency)
	}

	// Drain FIFO, then notify, outside the lock.
	for _, op := range drained {
		op.Run()
	}
	for _, fn := range subs {
		fn()
	}
}

// MarkFailure records a failed heartbeat.
func (m *Manager) MarkFailure() {
	m.mu.Lock()

	m.failures++
	var subs []func()
	if m.failures >= m.cfg.FailureThreshold && m.state != Disconnected {
		m.state = Disconnected
		m.metrics.Set(metrics.ConnectivityState, float64(Disconnected))
		subs = append(subs, m.onDisconnect...)
		m.logger.Warn("peer disconnected", "consecutive_failures", m.failures)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// Enqueue parks a peer-dependent operation until reconnect. Beyond
// capacity the oldest pending operation is dropped first.
func (m *Manager) Enqueue(op PendingOp) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) >= m.cfg.QueueCapacity {
		dropped := m.queue[0]
		m.queue = m.queue[1:]
		m.metrics.Inc(metrics.QueueDroppedTotal)
		m.logger.Warn("pending queue full, dropped oldest operation",
			"kind", dropped.Kind, "enqueued_at", dropped.EnqueuedAt)
	}
	m.queue = append(m.queue, op)
	m.metrics.Set(metrics.QueueDepth, float64(len(m.queue)))
}

// QueueDepth returns the number of parked operations.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
