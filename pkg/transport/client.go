package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/shadowlink/shadowlink-go/pkg/connection"
	"github.com/shadowlink/shadowlink-go/pkg/dispatch"
	"github.com/shadowlink/shadowlink-go/pkg/log"
	"github.com/shadowlink/shadowlink-go/pkg/shadow"
)

// DefaultMaxMessageSize bounds one inbound frame.
const DefaultMaxMessageSize = 64 * 1024

// statusBuffer is the capacity of a status stream.
const statusBuffer = 16

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the ws:// or wss:// endpoint of the shadow service.
	URL string

	// BearerToken returns the token sent with every dial. Nil sends none.
	BearerToken func() string

	// MaxMessageSize bounds inbound frames (default: 64KB).
	MaxMessageSize int64

	KeepAlive KeepAliveConfig

	// Reconnect controls redialing after a lost connection.
	Reconnect connection.ManagerConfig

	// Queue delivers shadow events. If nil the client runs its own.
	Queue *dispatch.Queue

	Logger *slog.Logger
	Trace  log.Logger
}

// DefaultClientConfig returns the default configuration for endpoint.
func DefaultClientConfig(endpoint string) ClientConfig {
	return ClientConfig{
		URL:            endpoint,
		MaxMessageSize: DefaultMaxMessageSize,
		KeepAlive:      DefaultKeepAliveConfig(),
		Reconnect:      connection.DefaultManagerConfig(),
	}
}

// Client is a WebSocket connection to the shadow service. It implements
// shadow.Transport and connection.Dialer.
type Client struct {
	config ClientConfig
	logger *slog.Logger
	trace  log.Logger

	queue    *dispatch.Queue
	ownQueue bool

	mu         sync.Mutex
	manager    *connection.Manager
	stream     *statusStream
	conn       *websocket.Conn
	readCancel context.CancelFunc
	keepAlive  *KeepAlive
	lostCause  error
	lastErr    error
	clientID   string
	subs       map[string]shadow.RegisterOptions
	pending    map[string]*request
	handler    shadow.EventHandler
	closed     bool

	wg sync.WaitGroup
}

// request is a get, update or delete awaiting its response.
type request struct {
	thing string
	op    shadow.Operation
	timer *time.Timer
}

// NewClient creates a client. Nothing is dialed until Connect.
func NewClient(config ClientConfig) *Client {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Reconnect.Logger == nil {
		config.Reconnect.Logger = config.Logger
	}

	c := &Client{
		config:  config,
		logger:  config.Logger,
		trace:   log.OrNoop(config.Trace),
		queue:   config.Queue,
		subs:    make(map[string]shadow.RegisterOptions),
		pending: make(map[string]*request),
	}
	if c.queue == nil {
		c.queue = dispatch.NewQueue("transport", config.Logger)
		c.ownQueue = true
	}
	return c
}

// OnShadowEvent sets the receiver of shadow notifications.
// Reconciler.OnShadowEvent fits.
func (c *Client) OnShadowEvent(fn shadow.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Connect dials the service as clientID. Later status changes, including
// automatic reconnection, are reported on the returned stream until
// Disconnect closes it.
func (c *Client) Connect(ctx context.Context, clientID string) (<-chan connection.Status, error) {
	if clientID == "" {
		return nil, connection.ErrInvalidClientID
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, connection.ErrConnectionClosed
	}
	if c.manager != nil {
		c.mu.Unlock()
		return nil, connection.ErrAlreadyConnected
	}

	var m *connection.Manager
	m = connection.NewManagerWithConfig(func(ctx context.Context) error {
		return c.dial(ctx, m, clientID)
	}, c.config.Reconnect)
	stream := newStatusStream()
	c.manager = m
	c.stream = stream
	c.clientID = clientID
	c.lastErr = nil
	c.mu.Unlock()

	m.OnStateChange(func(_, next connection.State) {
		c.report(stream, next)
	})
	m.OnReconnecting(func(attempt int, delay time.Duration) {
		c.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
	})

	if err := m.Connect(ctx); err != nil {
		c.mu.Lock()
		if c.manager == m {
			c.manager = nil
			c.stream = nil
		}
		c.mu.Unlock()
		m.Close()
		stream.close()
		return nil, err
	}

	m.StartReconnectLoop()
	return stream.ch, nil
}

// Reconnect redials a lost connection now instead of waiting for the
// next backoff attempt. It also revives a connection given up with
// automatic reconnection disabled.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	m := c.manager
	closed := c.closed
	c.mu.Unlock()

	switch {
	case closed:
		return connection.ErrConnectionClosed
	case m == nil:
		return connection.ErrNotConnected
	}
	c.logger.Info("reconnect requested", "url", c.config.URL)
	return m.Reconnect()
}

// dial opens one WebSocket connection for m.
func (c *Client) dial(ctx context.Context, m *connection.Manager, clientID string) error {
	endpoint := c.config.URL + "?clientId=" + url.QueryEscape(clientID)

	var opts *websocket.DialOptions
	if c.config.BearerToken != nil {
		opts = &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": {"Bearer " + c.config.BearerToken()}},
		}
	}

	conn, _, err := websocket.Dial(ctx, endpoint, opts)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", c.config.URL, err)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}
	conn.SetReadLimit(c.config.MaxMessageSize)

	readCtx, cancel := context.WithCancel(context.Background())
	ka := NewKeepAlive(c.config.KeepAlive, conn.Ping, func() {
		c.mu.Lock()
		if c.conn == conn {
			c.lostCause = ErrKeepAliveTimeout
		}
		c.mu.Unlock()
		conn.CloseNow()
	})

	c.mu.Lock()
	if c.manager != m {
		c.mu.Unlock()
		cancel()
		conn.CloseNow()
		return connection.ErrConnectionClosed
	}
	c.conn = conn
	c.readCancel = cancel
	c.keepAlive = ka
	c.lostCause = nil
	// Subscriptions do not survive the connection.
	c.subs = make(map[string]shadow.RegisterOptions)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.readLoop(readCtx, conn)
	ka.Start(readCtx)

	c.logger.Info("connected to shadow service", "url", c.config.URL, "client", clientID)
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.connLost(conn, err)
			return
		}

		env, err := DecodeEnvelope(data)
		if err != nil {
			c.logger.Warn("dropping frame", "error", err)
			continue
		}
		c.handle(env)
	}
}

// connLost tears down conn and starts reconnection unless the loss was
// caused by Disconnect.
func (c *Client) connLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	if c.lostCause != nil {
		err = c.lostCause
		c.lostCause = nil
	}
	c.conn = nil
	ka := c.keepAlive
	c.keepAlive = nil
	cancel := c.readCancel
	c.readCancel = nil
	m := c.manager
	if m != nil {
		c.lastErr = err
	}
	c.mu.Unlock()

	ka.Stop()
	cancel()
	conn.CloseNow()

	if m == nil {
		return
	}
	c.logger.Warn("shadow service connection lost", "error", err)
	m.NotifyConnectionLost()
}

// report maps a manager state onto the status stream.
func (c *Client) report(stream *statusStream, state connection.State) {
	var st connection.Status
	switch state {
	case connection.StateConnecting:
		st.Code = connection.StatusConnecting
	case connection.StateConnected:
		st.Code = connection.StatusConnected
	case connection.StateConnectionLost:
		st = connection.Status{Code: connection.StatusConnectionError, Err: c.LastError()}
	case connection.StateDisconnected:
		st = connection.Status{Code: connection.StatusDisconnected, Err: c.LastError()}
	default:
		return
	}
	stream.send(st)
}

// handle routes one inbound frame to the event handler.
func (c *Client) handle(env Envelope) {
	if env.Action != ActionPublish {
		return
	}
	info, err := shadow.ParseTopic(env.Topic)
	if err != nil || info.Request {
		c.logger.Debug("ignoring frame", "topic", env.Topic, "error", err)
		return
	}

	status := info.Status
	c.mu.Lock()
	opts, registered := c.subs[info.Thing]
	if env.ClientToken != "" && (status == shadow.StatusAccepted || status == shadow.StatusRejected) {
		if req, ok := c.pending[env.ClientToken]; ok {
			if req.timer != nil {
				req.timer.Stop()
			}
			delete(c.pending, env.ClientToken)
		} else if status == shadow.StatusAccepted {
			status = shadow.StatusForeignUpdate
		}
	}
	handler := c.handler
	c.mu.Unlock()

	switch {
	case !registered:
		return
	case status == shadow.StatusDelta && !opts.Delta:
		return
	case status == shadow.StatusDocuments && !opts.Documents:
		return
	}

	c.trace.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: c.ClientID(),
		Direction: log.DirectionIn,
		Layer:     log.LayerConnection,
		Category:  log.CategoryMessage,
		DeviceID:  info.Thing,
		Shadow:    log.NewShadowEvent(info.Operation.String(), status.String(), env.Payload),
	})
	c.deliver(handler, info.Thing, info.Operation, status, env.Payload)
}

func (c *Client) deliver(handler shadow.EventHandler, thing string, op shadow.Operation, status shadow.Status, payload []byte) {
	if handler == nil {
		return
	}
	payload = append([]byte(nil), payload...)
	c.queue.Post(func() { handler(thing, op, status, payload) })
}

// RegisterShadow subscribes to the notifications of deviceID on the
// current connection.
func (c *Client) RegisterShadow(ctx context.Context, deviceID string, opts shadow.RegisterOptions) error {
	if deviceID == "" {
		return shadow.ErrInvalidDevice
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return connection.ErrNotConnected
	}
	c.subs[deviceID] = opts
	c.mu.Unlock()

	if err := c.write(ctx, conn, Envelope{Action: ActionSubscribe, Topic: deviceID}); err != nil {
		c.mu.Lock()
		if c.conn == conn {
			delete(c.subs, deviceID)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// UnregisterShadow stops notifications for deviceID.
func (c *Client) UnregisterShadow(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	conn := c.conn
	delete(c.subs, deviceID)
	c.mu.Unlock()

	if conn == nil {
		return connection.ErrNotConnected
	}
	return c.write(ctx, conn, Envelope{Action: ActionUnsubscribe, Topic: deviceID})
}

// GetShadow requests the full document of deviceID.
func (c *Client) GetShadow(ctx context.Context, deviceID, clientToken string) error {
	return c.request(ctx, deviceID, shadow.OpGet, clientToken, nil)
}

// UpdateShadow publishes a state document for deviceID.
func (c *Client) UpdateShadow(ctx context.Context, deviceID string, payload []byte) error {
	return c.request(ctx, deviceID, shadow.OpUpdate, "", payload)
}

// DeleteShadow asks the service to drop the document of deviceID.
func (c *Client) DeleteShadow(ctx context.Context, deviceID string) error {
	return c.request(ctx, deviceID, shadow.OpDelete, "", nil)
}

func (c *Client) request(ctx context.Context, thing string, op shadow.Operation, token string, payload []byte) error {
	if thing == "" {
		return shadow.ErrInvalidDevice
	}
	if token == "" {
		token = uuid.NewString()
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return connection.ErrNotConnected
	}
	req := &request{thing: thing, op: op}
	if timeout := c.subs[thing].Timeout; timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() { c.expire(token) })
	}
	c.pending[token] = req
	c.mu.Unlock()

	env := Envelope{
		Action:      ActionPublish,
		Topic:       shadow.Topic(thing, op),
		ClientToken: token,
		Payload:     payload,
	}
	if err := c.write(ctx, conn, env); err != nil {
		c.mu.Lock()
		if req.timer != nil {
			req.timer.Stop()
		}
		delete(c.pending, token)
		c.mu.Unlock()
		return err
	}

	c.trace.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: c.ClientID(),
		Direction: log.DirectionOut,
		Layer:     log.LayerConnection,
		Category:  log.CategoryMessage,
		DeviceID:  thing,
		Shadow:    log.NewShadowEvent(op.String(), "", payload),
	})
	return nil
}

// expire raises a timeout event for a request that got no response.
func (c *Client) expire(token string) {
	c.mu.Lock()
	req, ok := c.pending[token]
	delete(c.pending, token)
	handler := c.handler
	c.mu.Unlock()

	if !ok {
		return
	}
	c.logger.Warn("shadow request timed out", "device", req.thing, "op", req.op, "token", token)
	c.deliver(handler, req.thing, req.op, shadow.StatusTimeout, nil)
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Topic, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Topic, err)
	}
	return nil
}

// Disconnect closes the connection and the status stream. No reconnection
// follows. Connect may be called again afterwards.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	m := c.manager
	stream := c.stream
	if m == nil {
		c.mu.Unlock()
		return nil
	}
	c.manager = nil
	c.stream = nil
	c.mu.Unlock()

	stream.close()
	m.Close()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
	c.wg.Wait()

	c.mu.Lock()
	for token, req := range c.pending {
		if req.timer != nil {
			req.timer.Stop()
		}
		delete(c.pending, token)
	}
	c.mu.Unlock()

	c.logger.Info("disconnected from shadow service", "url", c.config.URL)
	return err
}

// Close disconnects for good and stops event delivery.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.Disconnect()
	if c.ownQueue {
		c.queue.Close()
	}
	return err
}

// State returns the connection state.
func (c *Client) State() connection.State {
	c.mu.Lock()
	m := c.manager
	closed := c.closed
	c.mu.Unlock()

	switch {
	case m != nil:
		return m.State()
	case closed:
		return connection.StateClosed
	default:
		return connection.StateDisconnected
	}
}

// ClientID returns the ID passed to the last Connect.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// LastError returns the most recent dial or connection failure.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// KeepAliveStats returns the statistics of the live connection.
func (c *Client) KeepAliveStats() (KeepAliveStats, bool) {
	c.mu.Lock()
	ka := c.keepAlive
	c.mu.Unlock()
	if ka == nil {
		return KeepAliveStats{}, false
	}
	return ka.Stats(), true
}

// statusStream is a status channel that can be closed while senders are
// blocked on it.
type statusStream struct {
	ch   chan connection.Status
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	closed bool
}

func newStatusStream() *statusStream {
	return &statusStream{
		ch:   make(chan connection.Status, statusBuffer),
		done: make(chan struct{}),
	}
}

func (s *statusStream) send(st connection.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- st:
	case <-s.done:
	}
}

func (s *statusStream) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
