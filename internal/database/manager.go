package database

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/pgwatch/internal/model"
	"github.com/couchcryptid/pgwatch/internal/observability"
)

const (
	defaultHealthInterval = 5 * time.Second
	defaultReconnectDelay = 5 * time.Second
	defaultProbeTimeout   = 30 * time.Second
)

// Listener receives the connectivity state. It runs synchronously on the
// goroutine that caused the transition and may call IsConnected, Status or its
// own unsubscribe func. Anything that can change state (Connect, Execute,
// OnConnectionChange, Shutdown) must be handed off to another goroutine.
type Listener func(connected bool)

// Option configures a Manager.
type Option func(*Manager)

// WithHealthInterval sets the period of the liveness probe.
func WithHealthInterval(d time.Duration) Option {
	return func(m *Manager) { m.healthInterval = d }
}

// WithReconnectDelay sets the fixed delay before a scheduled reconnection attempt.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) { m.reconnectDelay = d }
}

// WithProbeTimeout bounds every probe and Connect call.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Manager) { m.probeTimeout = d }
}

// Manager owns a Pool, tracks whether the database is reachable and recovers
// from transient faults. Construct one per process with NewManager and pass
// it to every consumer.
type Manager struct {
	pool    Pool
	logger  *slog.Logger
	metrics *observability.Metrics

	healthInterval time.Duration
	reconnectDelay time.Duration
	probeTimeout   time.Duration

	// notifyMu serializes notification rounds so listeners observe
	// transitions in order. Acquired before mu, never the other way round.
	notifyMu sync.Mutex

	mu          sync.Mutex
	connected   bool
	since       time.Time
	transitions uint64
	closed      bool
	reconnect   *time.Timer // non-nil while a reconnection attempt is scheduled or running
	listeners   map[uint64]Listener
	nextID      uint64

	stop chan struct{}
}

// NewManager returns a disconnected Manager and starts its health monitor.
func NewManager(pool Pool, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Manager {
	m := &Manager{
		pool:           pool,
		logger:         logger,
		metrics:        metrics,
		healthInterval: defaultHealthInterval,
		reconnectDelay: defaultReconnectDelay,
		probeTimeout:   defaultProbeTimeout,
		since:          time.Now(),
		listeners:      make(map[uint64]Listener),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics.DBConnected.Set(0)

	go m.monitor()
	return m
}

// Connect probes the database unless already connected. A failed probe marks
// the manager disconnected and is returned to the caller.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	closed, connected := m.closed, m.connected
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if connected {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	if err := m.pool.Probe(ctx); err != nil {
		m.setState(false)
		m.logger.Error("connect to database", "error", err)
		return fmt.Errorf("connect to database: %w", err)
	}

	m.setState(true)
	m.logger.Info("connected to database")
	return nil
}

// Execute runs sql through the pool. It fails fast with ErrNotConnected while
// disconnected. Transport faults mark the manager disconnected, schedule a
// reconnection and are returned as *TransportError; any other error is
// returned unchanged.
func (m *Manager) Execute(ctx context.Context, sql string, args ...any) (*model.QueryResult, error) {
	start := time.Now()
	if !m.IsConnected() {
		m.observeQuery("not_connected", start)
		return nil, ErrNotConnected
	}

	result, err := m.pool.Query(ctx, sql, args...)
	switch {
	case err == nil:
		m.observeQuery("ok", start)
		return result, nil
	case IsTransportFault(err):
		m.observeQuery("transport", start)
		m.logger.Error("query transport fault", "error", err)
		m.handleFailure(err)
		return nil, &TransportError{Err: err}
	default:
		m.observeQuery("statement", start)
		m.logger.Debug("query failed", "error", err)
		return nil, err
	}
}

// OnConnectionChange registers l, invokes it once with the current state and
// returns a func that removes it. Calling the returned func more than once is a no-op.
func (m *Manager) OnConnectionChange(l Listener) (unsubscribe func()) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	connected := m.connected
	m.mu.Unlock()

	m.invoke(id, l, connected)

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// IsConnected reports the last observed connectivity state.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Status returns the current state, when it was entered and how many transitions have occurred.
func (m *Manager) Status() model.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.Status{Connected: m.connected, Since: m.since, Transitions: m.transitions}
}

// PoolStats reports occupancy of the underlying pool.
func (m *Manager) PoolStats() PoolStats {
	return m.pool.Stats()
}

// Shutdown stops the health monitor and any scheduled reconnection, closes
// the pool and delivers a final disconnected notification. It is safe to call
// more than once. Probes still in flight complete on their own and their
// results are discarded.
func (m *Manager) Shutdown() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stop)
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	wasConnected := m.connected
	m.connected = false
	if wasConnected {
		m.since = time.Now()
		m.transitions++
	}
	listeners := m.snapshotLocked()
	m.mu.Unlock()

	m.pool.Close()
	if wasConnected {
		m.recordTransition(false)
	}
	m.notify(listeners, false)
	m.logger.Info("connectivity manager shut down")
}

// CheckReadiness implements observability.ReadinessChecker.
func (m *Manager) CheckReadiness(_ context.Context) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// monitor probes the pool every healthInterval until Shutdown. It keeps
// running across failures so recovery is noticed without caller traffic.
func (m *Manager) monitor() {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Manager) checkHealth() {
	err := m.probe()
	if m.isClosed() {
		return
	}
	if err != nil {
		m.metrics.DBHealthChecks.WithLabelValues("failure").Inc()
		m.logger.Warn("health check failed", "error", err)
		m.handleFailure(err)
		return
	}
	m.metrics.DBHealthChecks.WithLabelValues("success").Inc()
	m.setState(true)
}

// handleFailure marks the manager disconnected and schedules a single
// reconnection attempt unless one is already pending.
func (m *Manager) handleFailure(cause error) {
	m.setState(false)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.reconnect != nil {
		return
	}
	m.reconnect = time.AfterFunc(m.reconnectDelay, m.attemptReconnect)
	m.logger.Warn("reconnect scheduled", "delay", m.reconnectDelay, "cause", cause)
}

// attemptReconnect runs when the reconnect timer fires. A failed attempt is
// not re-armed; the next health tick or transport fault schedules another.
func (m *Manager) attemptReconnect() {
	err := m.probe()

	m.mu.Lock()
	m.reconnect = nil
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	if err != nil {
		m.metrics.DBReconnectAttempts.WithLabelValues("failure").Inc()
		m.logger.Error("reconnection failed", "error", err)
		return
	}
	m.metrics.DBReconnectAttempts.WithLabelValues("success").Inc()
	m.logger.Info("reconnected to database")
	m.setState(true)
}

func (m *Manager) probe() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
	defer cancel()
	return m.pool.Probe(ctx)
}

// setState records a transition and notifies listeners. Unchanged values and
// any update after Shutdown are ignored.
func (m *Manager) setState(connected bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.closed || m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	m.since = time.Now()
	m.transitions++
	listeners := m.snapshotLocked()
	m.mu.Unlock()

	m.recordTransition(connected)
	m.logger.Info("database connectivity changed", "connected", connected)
	m.notify(listeners, connected)
}

// snapshotLocked returns the registered listener ids in registration order. Caller holds mu.
func (m *Manager) snapshotLocked() []uint64 {
	return slices.Sorted(maps.Keys(m.listeners))
}

func (m *Manager) notify(ids []uint64, connected bool) {
	for _, id := range ids {
		m.mu.Lock()
		l, ok := m.listeners[id]
		m.mu.Unlock()
		if !ok {
			continue // unsubscribed earlier in this round
		}
		m.invoke(id, l, connected)
	}
}

func (m *Manager) invoke(id uint64, l Listener, connected bool) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.DBListenerPanics.Inc()
			m.logger.Error("connectivity listener panicked", "listener", id, "panic", r)
		}
	}()
	l(connected)
}

func (m *Manager) recordTransition(connected bool) {
	if connected {
		m.metrics.DBConnected.Set(1)
		m.metrics.DBStateTransitions.WithLabelValues("connected").Inc()
		return
	}
	m.metrics.DBConnected.Set(0)
	m.metrics.DBStateTransitions.WithLabelValues("disconnected").Inc()
}

func (m *Manager) observeQuery(outcome string, start time.Time) {
	m.metrics.DBQueryDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
