package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/shadowlink/shadowlink-go/pkg/challenge"
	"github.com/shadowlink/shadowlink-go/pkg/connection"
	"github.com/shadowlink/shadowlink-go/pkg/customauth"
	"github.com/shadowlink/shadowlink-go/pkg/directory"
	"github.com/shadowlink/shadowlink-go/pkg/log"
	"github.com/shadowlink/shadowlink-go/pkg/persistence"
	"github.com/shadowlink/shadowlink-go/pkg/shadow"
)

// Config configures a ClientService.
type Config struct {
	// Provider runs the custom authentication flow.
	Provider customauth.Provider

	// Transport connects to the shadow service.
	Transport Transport

	// OpenDirectory returns the signed-in user's device directory.
	// Defaults to the static directory with the sample thing.
	OpenDirectory DirectoryOpener

	// Store persists the last user and device snapshots. Nil disables
	// persistence.
	Store *persistence.Store

	// ProviderName keys the identity token in Logins.
	ProviderName string

	// ClientID is the transport client ID. Empty uses the identity ID.
	ClientID string

	// RegisterOptions are used for every device registration.
	RegisterOptions shadow.RegisterOptions

	Logger *slog.Logger
	Trace  log.Logger
}

// account is everything that exists only while signed in.
type account struct {
	identity   customauth.Identity
	clientID   string
	directory  directory.Directory
	reconciler *shadow.Reconciler
	supervisor *connection.Supervisor
}

// ClientService orchestrates login and shadow synchronization.
type ClientService struct {
	mu sync.RWMutex

	config Config
	logger *slog.Logger
	trace  log.Logger

	state   State
	session *customauth.Session
	account *account

	eventHandlers []EventHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a signed-out service.
func New(config Config) (*ClientService, error) {
	if config.Provider == nil {
		return nil, ErrMissingProvider
	}
	if config.Transport == nil {
		return nil, ErrMissingTransport
	}
	if config.OpenDirectory == nil {
		config.OpenDirectory = func(context.Context, string) (directory.Directory, error) {
			return directory.NewStatic(directory.DefaultThing), nil
		}
	}
	if config.RegisterOptions == (shadow.RegisterOptions{}) {
		config.RegisterOptions = shadow.DefaultRegisterOptions()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &ClientService{
		config: config,
		logger: config.Logger,
		trace:  log.OrNoop(config.Trace),
		state:  StateSignedOut,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// State returns the account state.
func (s *ClientService) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnEvent registers an event handler. Handlers run on the goroutine that
// raised the event and must not block.
func (s *ClientService) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventHandlers = append(s.eventHandlers, handler)
}

func (s *ClientService) emit(ev Event) {
	s.mu.RLock()
	handlers := append([]EventHandler(nil), s.eventHandlers...)
	s.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// LastUser returns the last user who signed in and did not sign out.
func (s *ClientService) LastUser() string {
	if s.config.Store == nil {
		return ""
	}
	st, err := s.config.Store.Load()
	if err != nil {
		s.logger.Warn("loading client state", "error", err)
		return ""
	}
	if st == nil {
		return ""
	}
	return st.LastUser
}

// Login starts a custom authentication session for username. ctx bounds
// the whole session. A session that is still running is cancelled
// first. Completion is reported as EventSignedIn or EventLoginFailed.
func (s *ClientService) Login(ctx context.Context, username string) (*customauth.Handle, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil, ErrClosed
	case StateSignedIn:
		s.mu.Unlock()
		return nil, ErrAlreadySignedIn
	}
	previous := s.session

	session := customauth.NewWithConfig(s.config.Provider, customauth.Config{
		Logger:           s.logger,
		Trace:            s.config.Trace,
		PreProvision:     true,
		SignUpAttributes: signUpAttributes,
		RequiredKeys:     customauth.DefaultConfig().RequiredKeys,
	})
	s.session = session
	s.state = StateAuthenticating
	s.mu.Unlock()

	if previous != nil && !previous.State().IsTerminal() {
		previous.Cancel()
	}

	session.OnStateChange(func(_, next customauth.State) {
		s.emit(Event{Type: EventAuthState, Username: username, AuthState: next})
	})
	session.Channel().OnDeliver(func(ch *challenge.Challenge) {
		s.emit(Event{Type: EventChallenge, Username: username, Challenge: ch})
	})

	h, err := session.Start(ctx, username)
	if err != nil {
		s.loginFailed(session, username, err)
		return nil, err
	}

	s.wg.Add(1)
	go s.awaitLogin(session, username)
	return h, nil
}

func (s *ClientService) awaitLogin(session *customauth.Session, username string) {
	defer s.wg.Done()

	select {
	case <-session.Done():
	case <-s.ctx.Done():
		session.Cancel()
		<-session.Done()
	}

	identity, err := session.Result()
	if err != nil {
		s.loginFailed(session, username, err)
		return
	}
	if err := s.signIn(session, identity); err != nil {
		s.logger.Warn("sign-in aborted", "username", username, "error", err)
	}
}

func (s *ClientService) loginFailed(session *customauth.Session, username string, err error) {
	s.mu.Lock()
	if s.session != session {
		s.mu.Unlock()
		return
	}
	if s.state == StateAuthenticating {
		s.state = StateSignedOut
	}
	s.mu.Unlock()

	s.emit(Event{Type: EventLoginFailed, Username: username, Error: err})
}

// signIn sets up the account of a completed session and connects.
func (s *ClientService) signIn(session *customauth.Session, identity customauth.Identity) error {
	username := identity.Username

	dir, err := s.config.OpenDirectory(s.ctx, username)
	if err != nil {
		s.logger.Warn("opening device directory", "username", username, "error", err)
		s.emit(Event{Type: EventError, Username: username, Error: fmt.Errorf("device directory: %w", err)})
		dir = directory.NewStatic()
	}

	reconciler := shadow.NewReconciler(s.config.Transport, shadow.Config{
		Logger: s.logger,
		Trace:  s.config.Trace,
	})
	reconciler.OnChange(func(st shadow.State) {
		s.emit(Event{Type: EventShadow, Username: username, Shadow: st})
	})

	supervisor := connection.NewSupervisor(s.config.Transport, s.config.Transport, dir, connection.SupervisorConfig{
		RegisterOptions: s.config.RegisterOptions,
		Logger:          s.logger,
		Trace:           s.config.Trace,
	})
	supervisor.OnStateChange(func(_, next connection.State) {
		s.emit(Event{Type: EventConnection, Username: username, Connection: next})
	})
	supervisor.OnSubscribed(func(devices []string) {
		s.emit(Event{Type: EventDevicesSubscribed, Username: username, Devices: devices})
	})

	acc := &account{
		identity:   identity,
		clientID:   s.clientID(identity),
		directory:  dir,
		reconciler: reconciler,
		supervisor: supervisor,
	}

	s.mu.Lock()
	if s.session != session || s.state != StateAuthenticating {
		s.mu.Unlock()
		supervisor.Close()
		closeDirectory(dir)
		return fmt.Errorf("%w: session superseded", ErrNotSignedIn)
	}
	s.account = acc
	s.state = StateSignedIn
	s.mu.Unlock()

	s.restore(acc)
	s.config.Transport.OnShadowEvent(reconciler.OnShadowEvent)

	s.logger.Info("signed in", "username", username, "client", acc.clientID)
	s.emit(Event{Type: EventSignedIn, Username: username})

	if err := supervisor.Connect(s.ctx, acc.clientID); err != nil {
		s.emit(Event{Type: EventError, Username: username, Error: err})
	}
	return nil
}

// restore seeds the reconciler from the snapshots of the same user and
// records the user as last user.
func (s *ClientService) restore(acc *account) {
	store := s.config.Store
	if store == nil {
		return
	}
	st, err := store.Load()
	if err != nil {
		s.logger.Warn("loading client state", "error", err)
	}
	if st != nil && st.LastUser == acc.identity.Username {
		if n := acc.reconciler.Restore(st.Devices); n > 0 {
			s.logger.Debug("restored device snapshots", "count", n)
		}
	}
	if err := store.SetLastUser(acc.identity.Username); err != nil {
		s.logger.Warn("saving last user", "error", err)
	}
}

func (s *ClientService) clientID(identity customauth.Identity) string {
	switch {
	case s.config.ClientID != "":
		return s.config.ClientID
	case identity.IdentityID != "":
		return identity.IdentityID
	default:
		return identity.Username
	}
}

func (s *ClientService) current() (*account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateClosed {
		return nil, ErrClosed
	}
	if s.account == nil {
		return nil, ErrNotSignedIn
	}
	return s.account, nil
}

// Session returns the most recent login session, or nil.
func (s *ClientService) Session() *customauth.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Identity returns the signed-in identity.
func (s *ClientService) Identity() (customauth.Identity, bool) {
	acc, err := s.current()
	if err != nil {
		return customauth.Identity{}, false
	}
	return acc.identity, true
}

// IDToken returns the signed-in user's ID token, or "". It fits
// transport.ClientConfig.BearerToken.
func (s *ClientService) IDToken() string {
	id, _ := s.Identity()
	return id.IDToken
}

// Logins maps the configured provider name to the ID token.
func (s *ClientService) Logins() map[string]string {
	id, _ := s.Identity()
	return id.Logins(s.config.ProviderName)
}

// Reconnect redials the shadow service now after the connection was
// lost, or dials again after it was given up.
func (s *ClientService) Reconnect(ctx context.Context) error {
	acc, err := s.current()
	if err != nil {
		return err
	}
	return acc.supervisor.Connect(ctx, acc.clientID)
}

// SetTarget requests a new desired temperature for deviceID and returns
// the rounded value sent.
func (s *ClientService) SetTarget(ctx context.Context, deviceID string, temp float64) (float64, error) {
	acc, err := s.current()
	if err != nil {
		return 0, err
	}
	return acc.reconciler.RequestDesiredChange(ctx, deviceID, temp)
}

// Snapshot returns one device's state.
func (s *ClientService) Snapshot(deviceID string) (shadow.State, bool) {
	acc, err := s.current()
	if err != nil {
		return shadow.State{}, false
	}
	return acc.reconciler.Snapshot(deviceID)
}

// Snapshots returns every known device state.
func (s *ClientService) Snapshots() []shadow.State {
	acc, err := s.current()
	if err != nil {
		return nil
	}
	return acc.reconciler.Snapshots()
}

// Devices returns the devices subscribed on the current connection.
func (s *ClientService) Devices() []string {
	acc, err := s.current()
	if err != nil {
		return nil
	}
	return acc.supervisor.Devices()
}

// ConnectionState returns the shadow connection state.
func (s *ClientService) ConnectionState() connection.State {
	acc, err := s.current()
	if err != nil {
		return connection.StateDisconnected
	}
	return acc.supervisor.State()
}

// ConnectionError returns the last transport failure, or nil.
func (s *ClientService) ConnectionError() error {
	acc, err := s.current()
	if err != nil {
		return nil
	}
	return acc.supervisor.LastError()
}

// SignOut cancels a running login or tears the account down, and
// forgets the last user.
func (s *ClientService) SignOut() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	acc := s.account
	session := s.session
	s.account = nil
	s.state = StateSignedOut
	s.mu.Unlock()

	if acc == nil {
		if session != nil && !session.State().IsTerminal() {
			session.Cancel()
			return nil
		}
		return ErrNotSignedIn
	}

	err := s.teardown(acc)
	if s.config.Store != nil {
		if ferr := s.config.Store.ForgetUser(); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}
	s.logger.Info("signed out", "username", acc.identity.Username)
	s.emit(Event{Type: EventSignedOut, Username: acc.identity.Username})
	return err
}

func (s *ClientService) teardown(acc *account) error {
	s.config.Transport.OnShadowEvent(nil)
	err := acc.supervisor.Close()
	closeDirectory(acc.directory)
	return err
}

// Close saves the device snapshots and releases everything. The last
// user is kept.
func (s *ClientService) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	acc := s.account
	session := s.session
	s.account = nil
	s.state = StateClosed
	s.mu.Unlock()

	if session != nil && !session.State().IsTerminal() {
		session.Cancel()
	}
	s.cancel()

	var err error
	if acc != nil {
		if s.config.Store != nil {
			if serr := s.config.Store.SaveSnapshots(acc.reconciler.Snapshots()); serr != nil {
				err = errors.Join(err, serr)
			}
		}
		err = errors.Join(err, s.teardown(acc))
	}
	s.wg.Wait()
	return errors.Join(err, s.config.Transport.Close())
}

func closeDirectory(dir directory.Directory) {
	if c, ok := dir.(io.Closer); ok {
		c.Close()
	}
}
