package connection

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shadowlink/shadowlink-go/pkg/dispatch"
	"github.com/shadowlink/shadowlink-go/pkg/log"
	"github.com/shadowlink/shadowlink-go/pkg/shadow"
)

// Dialer opens the notification transport.
type Dialer interface {
	// Connect makes the first connection attempt, bounded by ctx. The
	// returned stream reports every later status change and is closed by
	// Disconnect.
	Connect(ctx context.Context, clientID string) (<-chan Status, error)

	// Reconnect asks a lost connection to be redialed now. The stream
	// returned by Connect keeps reporting.
	Reconnect() error

	// Disconnect tears the connection down for good.
	Disconnect() error
}

// Subscriber registers device shadows on a connected transport.
// shadow.Transport satisfies it.
type Subscriber interface {
	RegisterShadow(ctx context.Context, deviceID string, opts shadow.RegisterOptions) error
	GetShadow(ctx context.Context, deviceID, clientToken string) error
}

// DeviceLister lists the devices paired with the signed-in user.
type DeviceLister interface {
	ListPairedDevices(ctx context.Context) ([]string, error)
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// RegisterOptions are passed to every RegisterShadow call.
	RegisterOptions shadow.RegisterOptions

	// Queue serializes status handling. If nil the supervisor runs its own.
	Queue *dispatch.Queue

	// NewClientToken generates the token for initial gets. Defaults to UUIDs.
	NewClientToken func() string

	Logger *slog.Logger
	Trace  log.Logger
}

// DefaultSupervisorConfig returns the default supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		RegisterOptions: shadow.DefaultRegisterOptions(),
	}
}

// Supervisor owns the connection that delivers shadow events for every
// paired device.
type Supervisor struct {
	mu sync.Mutex

	dialer    Dialer
	shadows   Subscriber
	directory DeviceLister
	config    SupervisorConfig
	logger    *slog.Logger
	trace     log.Logger

	state    State
	clientID string
	devices  []string
	lastErr  error
	epoch    uint64

	// streaming is set while the dialer's status stream is open.
	streaming bool

	queue    *dispatch.Queue
	ownQueue bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	onStateChange func(oldState, newState State)
	onSubscribed  func(devices []string)
}

// NewSupervisor creates a supervisor. Nothing is dialed until Connect.
func NewSupervisor(dialer Dialer, shadows Subscriber, directory DeviceLister, config SupervisorConfig) *Supervisor {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.NewClientToken == nil {
		config.NewClientToken = uuid.NewString
	}

	s := &Supervisor{
		dialer:    dialer,
		shadows:   shadows,
		directory: directory,
		config:    config,
		logger:    config.Logger,
		trace:     log.OrNoop(config.Trace),
		state:     StateDisconnected,
		queue:     config.Queue,
	}
	if s.queue == nil {
		s.queue = dispatch.NewQueue("connection", config.Logger)
		s.ownQueue = true
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Connect dials the transport for clientID. It returns nil without doing
// anything while a connection is being made or up. A lost connection whose
// dialer is still reconnecting is redialed immediately instead.
func (s *Supervisor) Connect(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrInvalidClientID
	}

	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrConnectionClosed
	case StateConnecting, StateConnected:
		s.mu.Unlock()
		return nil
	}
	if s.streaming {
		s.mu.Unlock()
		return s.retry()
	}
	s.clientID = clientID
	notify := s.setStateLocked(StateConnecting, "connect")
	life := s.ctx
	s.mu.Unlock()
	notify()

	statuses, err := s.dialer.Connect(ctx, clientID)
	if err != nil {
		terr := &TransportError{Op: "connect", Err: err}
		s.mu.Lock()
		s.lastErr = terr
		notify := func() {}
		if s.state == StateConnecting {
			notify = s.setStateLocked(StateDisconnected, terr.Error())
		}
		s.mu.Unlock()
		notify()
		s.logger.Warn("connect failed", "client", clientID, "error", err)
		return terr
	}

	s.mu.Lock()
	s.streaming = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pump(life, statuses)
	return nil
}

// retry asks the dialer for an immediate attempt. State changes arrive on
// the status stream.
func (s *Supervisor) retry() error {
	if err := s.dialer.Reconnect(); err != nil {
		terr := &TransportError{Op: "reconnect", Err: err}
		s.mu.Lock()
		s.lastErr = terr
		s.mu.Unlock()
		s.logger.Warn("reconnect failed", "client", s.ClientID(), "error", err)
		return terr
	}
	s.logger.Debug("reconnect requested", "client", s.ClientID())
	return nil
}

// pump forwards the dialer's statuses onto the queue.
func (s *Supervisor) pump(ctx context.Context, statuses <-chan Status) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				s.mu.Lock()
				s.streaming = false
				s.mu.Unlock()
				s.queue.Post(s.streamEnded)
				return
			}
			s.queue.Post(func() { s.OnStatusChange(st) })
		}
	}
}

// streamEnded handles the dialer giving up. Connect may be called again.
func (s *Supervisor) streamEnded() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	notify := s.setStateLocked(StateDisconnected, "status stream closed")
	s.mu.Unlock()
	notify()
}

// OnStatusChange applies one transport status. Reaching CONNECTED
// subscribes every paired device.
func (s *Supervisor) OnStatusChange(st Status) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}

	var next State
	switch st.Code {
	case StatusConnecting:
		next = StateConnecting
	case StatusConnected:
		next = StateConnected
	default:
		next = StateDisconnected
		if s.state == StateConnected || s.state == StateConnectionLost || s.epoch > 0 {
			next = StateConnectionLost
		}
		if st.Err != nil {
			s.lastErr = &TransportError{Op: "connection", Err: st.Err}
		}
	}

	reason := st.Code.String()
	if st.Err != nil {
		reason += ": " + st.Err.Error()
	}
	notify := s.setStateLocked(next, reason)

	if next != StateConnected {
		s.mu.Unlock()
		notify()
		return
	}
	s.epoch++
	epoch := s.epoch
	s.lastErr = nil
	s.mu.Unlock()

	notify()
	s.subscribeAll(epoch)
}

// subscribeAll registers every paired device and requests its baseline.
// It stops early if the connection drops or reconnects meanwhile.
func (s *Supervisor) subscribeAll(epoch uint64) {
	ctx := s.ctx

	devices, err := s.directory.ListPairedDevices(ctx)
	if err != nil {
		s.recordError(&TransportError{Op: "list", Err: err})
		return
	}

	subscribed := make([]string, 0, len(devices))
	for _, device := range devices {
		if !s.current(epoch) {
			s.logger.Debug("subscription round abandoned", "epoch", epoch)
			return
		}

		if err := s.shadows.RegisterShadow(ctx, device, s.config.RegisterOptions); err != nil {
			s.recordError(&TransportError{Op: "register", Device: device, Err: err})
			continue
		}
		token := s.config.NewClientToken()
		if err := s.shadows.GetShadow(ctx, device, token); err != nil {
			s.recordError(&TransportError{Op: "get", Device: device, Err: err})
		}
		subscribed = append(subscribed, device)
	}

	s.mu.Lock()
	if s.epoch != epoch || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.devices = subscribed
	cb := s.onSubscribed
	s.mu.Unlock()

	s.logger.Info("subscribed to device shadows", "count", len(subscribed), "devices", subscribed)
	if cb != nil {
		cb(slices.Clone(subscribed))
	}
}

func (s *Supervisor) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch && s.state == StateConnected
}

func (s *Supervisor) recordError(err *TransportError) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	s.logger.Warn("shadow subscription failed", "op", err.Op, "device", err.Device, "error", err.Err)
	s.trace.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionLocal,
		Layer:     log.LayerConnection,
		Category:  log.CategoryError,
		DeviceID:  err.Device,
		Error: &log.ErrorEventData{
			Layer:   log.LayerConnection,
			Message: err.Error(),
			Kind:    "TransportError",
			Context: err.Op,
		},
	})
}

// setStateLocked changes state and returns the notification to run after
// the lock is released.
func (s *Supervisor) setStateLocked(next State, reason string) func() {
	prev := s.state
	if prev == next {
		return func() {}
	}
	s.state = next

	cb := s.onStateChange
	event := log.Event{
		Timestamp: time.Now(),
		SessionID: s.clientID,
		Direction: log.DirectionLocal,
		Layer:     log.LayerConnection,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: prev.String(),
			NewState: next.String(),
			Reason:   reason,
		},
	}
	return func() {
		s.trace.Log(event)
		s.logger.Debug("connection state", "from", prev, "to", next, "reason", reason)
		if cb != nil {
			cb(prev, next)
		}
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientID returns the client ID passed to Connect.
func (s *Supervisor) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// Devices returns the devices subscribed in the last CONNECTED round.
func (s *Supervisor) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.devices)
}

// LastError returns the most recent transport failure, cleared on
// every CONNECTED.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// OnStateChange sets a callback for state changes.
func (s *Supervisor) OnStateChange(fn func(oldState, newState State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
}

// OnSubscribed sets a callback invoked after each subscription round.
func (s *Supervisor) OnSubscribed(fn func(devices []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSubscribed = fn
}

// Close ends the connection. Must not be called from a supervisor callback.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	notify := s.setStateLocked(StateClosed, "close")
	s.mu.Unlock()
	notify()

	s.cancel()
	err := s.dialer.Disconnect()
	s.wg.Wait()
	if s.ownQueue {
		s.queue.Close()
	}
	return err
}

// String implements fmt.Stringer for log output.
func (s *Supervisor) String() string {
	return fmt.Sprintf("Supervisor(%s, %s)", s.ClientID(), s.State())
}
