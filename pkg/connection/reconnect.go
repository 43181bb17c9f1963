package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultAttemptTimeout bounds one reconnection attempt.
const DefaultAttemptTimeout = 30 * time.Second

// ConnectFunc is called to establish a connection.
// It should return nil on success or an error on failure.
type ConnectFunc func(ctx context.Context) error

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Backoff BackoffConfig

	// AttemptTimeout bounds each reconnection attempt.
	AttemptTimeout time.Duration

	// AutoReconnect starts reconnecting after NotifyConnectionLost.
	AutoReconnect bool

	Logger *slog.Logger
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Backoff:        DefaultBackoffConfig(),
		AttemptTimeout: DefaultAttemptTimeout,
		AutoReconnect:  true,
	}
}

// Manager runs one connection with automatic reconnection.
type Manager struct {
	mu sync.RWMutex

	state         State
	backoff       *Backoff
	connectFn     ConnectFunc
	autoReconnect bool
	timeout       time.Duration
	logger        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectCh chan struct{}
	retryNow    chan struct{}

	onStateChange  func(oldState, newState State)
	onConnected    func()
	onDisconnected func()
	onReconnecting func(attempt int, delay time.Duration)
}

// NewManager creates a manager with the default configuration.
func NewManager(connectFn ConnectFunc) *Manager {
	return NewManagerWithConfig(connectFn, DefaultManagerConfig())
}

// NewManagerWithConfig creates a manager with a custom configuration.
func NewManagerWithConfig(connectFn ConnectFunc, config ManagerConfig) *Manager {
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultAttemptTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		state:         StateDisconnected,
		backoff:       NewBackoffWithConfig(config.Backoff),
		connectFn:     connectFn,
		autoReconnect: config.AutoReconnect,
		timeout:       config.AttemptTimeout,
		logger:        config.Logger,
		ctx:           ctx,
		cancel:        cancel,
		reconnectCh:   make(chan struct{}, 1),
		retryNow:      make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected returns true if currently connected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// SetAutoReconnect enables or disables automatic reconnection.
func (m *Manager) SetAutoReconnect(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = enabled
}

// setStateLocked changes state and returns the callback to run
// once the lock is released.
func (m *Manager) setStateLocked(newState State) func() {
	oldState := m.state
	if oldState == newState {
		return func() {}
	}
	m.state = newState
	cb := m.onStateChange
	return func() {
		if cb != nil {
			cb(oldState, newState)
		}
	}
}

// Connect makes the first connection attempt.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	case StateClosed:
		m.mu.Unlock()
		return ErrConnectionClosed
	}
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	notify()

	if err := m.connectFn(ctx); err != nil {
		m.mu.Lock()
		if m.state == StateClosed {
			m.mu.Unlock()
			return ErrConnectionClosed
		}
		notify := m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		notify()
		return err
	}

	m.connected()
	return nil
}

func (m *Manager) connected() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	notify := m.setStateLocked(StateConnected)
	m.backoff.Reset()
	onConnected := m.onConnected
	m.mu.Unlock()

	select {
	case <-m.retryNow:
	default:
	}

	notify()
	if onConnected != nil {
		onConnected()
	}
}

// Disconnect marks the connection as closed by the caller. No
// reconnection follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	notify := m.setStateLocked(StateDisconnected)
	onDisconnected := m.onDisconnected
	m.mu.Unlock()

	notify()
	if onDisconnected != nil {
		onDisconnected()
	}
}

// NotifyConnectionLost should be called when a connection loss is
// detected. It starts reconnection if enabled.
func (m *Manager) NotifyConnectionLost() {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}

	autoReconnect := m.autoReconnect
	next := StateDisconnected
	if autoReconnect {
		next = StateConnectionLost
	}
	notify := m.setStateLocked(next)
	onDisconnected := m.onDisconnected
	m.mu.Unlock()

	notify()
	if onDisconnected != nil {
		onDisconnected()
	}

	if autoReconnect {
		m.triggerReconnect()
	}
}

// Reconnect makes an immediate attempt on a lost or given-up connection,
// skipping the pending backoff delay. It does nothing while connecting
// or connected. The reconnection loop must be running.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return ErrConnectionClosed
	case StateConnecting, StateConnected:
		m.mu.Unlock()
		return nil
	}
	m.backoff.Reset()
	notify := m.setStateLocked(StateConnectionLost)
	m.mu.Unlock()
	notify()

	select {
	case m.retryNow <- struct{}{}:
	default:
	}
	m.triggerReconnect()
	return nil
}

// StartReconnectLoop starts the background reconnection loop.
// Must be called once before reconnection will work.
func (m *Manager) StartReconnectLoop() {
	m.wg.Add(1)
	go m.reconnectLoop()
}

// Close shuts down the manager and waits for the reconnection loop.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	notify := m.setStateLocked(StateClosed)
	m.mu.Unlock()

	notify()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) triggerReconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
		// Already pending
	}
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.reconnectCh:
			m.attemptReconnect()
		}
	}
}

// attemptReconnect retries with backoff until connected or closed.
func (m *Manager) attemptReconnect() {
	for {
		m.mu.RLock()
		state := m.state
		onReconnecting := m.onReconnecting
		m.mu.RUnlock()

		if state != StateConnectionLost {
			return
		}

		delay := m.backoff.Next()
		attempt := m.backoff.Attempts()
		if onReconnecting != nil {
			onReconnecting(attempt, delay)
		}

		select {
		case <-m.ctx.Done():
			return
		case <-m.retryNow:
		case <-time.After(delay):
		}

		m.mu.Lock()
		if m.state != StateConnectionLost {
			m.mu.Unlock()
			return
		}
		notify := m.setStateLocked(StateConnecting)
		m.mu.Unlock()
		notify()

		ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
		err := m.connectFn(ctx)
		cancel()

		if err == nil {
			m.connected()
			return
		}

		m.logger.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
		m.mu.Lock()
		if m.state != StateConnecting {
			m.mu.Unlock()
			return
		}
		notify = m.setStateLocked(StateConnectionLost)
		m.mu.Unlock()
		notify()
	}
}

// OnStateChange sets a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnConnected sets a callback for successful connection.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// OnDisconnected sets a callback for disconnection.
func (m *Manager) OnDisconnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnected = fn
}

// OnReconnecting sets a callback for reconnection attempts.
func (m *Manager) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnecting = fn
}

// BackoffAttempts returns the current number of reconnection attempts.
func (m *Manager) BackoffAttempts() int {
	return m.backoff.Attempts()
}
