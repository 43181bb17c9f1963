package customauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shadowlink/shadowlink-go/pkg/challenge"
	"github.com/shadowlink/shadowlink-go/pkg/dispatch"
	"github.com/shadowlink/shadowlink-go/pkg/log"
)

// Provider is the external identity provider driving the custom flow.
type Provider interface {
	// SignUp creates an account. Implementations report an existing
	// account with ErrUserExists or an AuthError of TypeUsernameExists.
	SignUp(ctx context.Context, username, password string, attributes map[string]string) error

	// BeginCustomAuth opens the flow for username. Rounds, failures and
	// completion are reported through h.
	BeginCustomAuth(ctx context.Context, username string, h Handler) error

	// SubmitChallengeAnswer relays the response for the current round.
	SubmitChallengeAnswer(ctx context.Context, resp challenge.Response) error
}

// Handler receives the provider's callbacks for one flow.
type Handler interface {
	OnChallengeReceived(params challenge.Parameters) (*challenge.Challenge, error)
	OnStepError(err error)
	OnCompleted(identity Identity)
}

// Round records one answered challenge round. Values are never kept.
type Round struct {
	Seq           int
	ParameterKeys []string
	ResponseKeys  []string
	Automatic     bool
	AnsweredAt    time.Time
}

// Config configures a Session.
type Config struct {
	// Channel carries user-facing challenges. A new channel is created if nil.
	Channel *challenge.Channel

	// Queue serializes submissions. If nil the session runs its own queue
	// and closes it once the session ends.
	Queue *dispatch.Queue

	// Logger receives operational logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Trace receives protocol events.
	Trace log.Logger

	// PreProvision enables the best-effort SignUp before the first round.
	PreProvision bool

	// SignUpAttributes supplies account attributes for pre-provisioning.
	SignUpAttributes func(username string) map[string]string

	// RequiredKeys must be present and non-empty in every user answer.
	RequiredKeys []string
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		PreProvision: true,
		RequiredKeys: []string{challenge.KeyAnswer},
	}
}

// Session is one single-use custom authentication attempt.
type Session struct {
	mu sync.Mutex

	id       string
	provider Provider
	channel  *challenge.Channel
	config   Config
	logger   *slog.Logger
	trace    log.Logger

	state    State
	username string
	round    int
	rounds   []Round
	identity Identity
	err      error

	queue    *dispatch.Queue
	ownQueue bool
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	onStateChange func(old, new State)
}

// Compile-time interface satisfaction check.
var _ Handler = (*Session)(nil)

// New creates a session with the default configuration.
func New(provider Provider) *Session {
	return NewWithConfig(provider, DefaultConfig())
}

// NewWithConfig creates a session with a custom configuration.
func NewWithConfig(provider Provider, config Config) *Session {
	if config.Channel == nil {
		config.Channel = challenge.NewChannel()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	id := uuid.NewString()
	s := &Session{
		id:       id,
		provider: provider,
		channel:  config.Channel,
		config:   config,
		logger:   config.Logger.With("session", id),
		trace:    log.OrNoop(config.Trace),
		done:     make(chan struct{}),
	}

	required := slices.Clone(config.RequiredKeys)
	s.channel.SetValidator(func(_ *challenge.Challenge, resp challenge.Response) error {
		return resp.Validate(required...)
	})
	return s
}

// Start opens the flow for username and returns a handle for the UI.
func (s *Session) Start(ctx context.Context, username string) (*Handle, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is empty", ErrInvalidInput)
	}

	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session already started (%s)", ErrProtocolViolation, state)
	}
	s.username = username
	s.ctx, s.cancel = context.WithCancel(ctx)
	if s.config.Queue != nil {
		s.queue = s.config.Queue
	} else {
		s.queue = dispatch.NewQueue("customauth", s.logger)
		s.ownQueue = true
	}
	sctx := s.ctx
	notify := s.transitionLocked(StateAwaitingChallengeDelivery, "start")
	s.mu.Unlock()
	notify()

	if s.config.PreProvision {
		s.preProvision(sctx, username)
	}

	if err := s.provider.BeginCustomAuth(sctx, username, s); err != nil {
		s.fail(err)
		return nil, err
	}
	return &Handle{s: s}, nil
}

func (s *Session) preProvision(ctx context.Context, username string) {
	var attrs map[string]string
	if s.config.SignUpAttributes != nil {
		attrs = s.config.SignUpAttributes(username)
	}

	err := s.provider.SignUp(ctx, username, throwawayPassword(), attrs)
	switch {
	case err == nil:
		s.logger.Debug("pre-provisioned account", "username", username)
	case IsUserExists(err):
		s.logger.Debug("account already provisioned", "username", username)
	default:
		s.logger.Warn("pre-provisioning failed", "username", username, "error", err)
	}
}

// throwawayPassword is never shown or stored. The prefix satisfies
// typical password policies.
func throwawayPassword() string {
	return "Aa1!" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// OnChallengeReceived begins the next round. Rounds with parameters are
// delivered through the channel; an empty round is answered with the
// username without involving the user.
func (s *Session) OnChallengeReceived(params challenge.Parameters) (*challenge.Challenge, error) {
	s.mu.Lock()
	if s.state != StateAwaitingChallengeDelivery && s.state != StateSubmitting {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: challenge received in state %s", ErrProtocolViolation, state)
	}
	s.round++
	round := s.round
	ctx := s.ctx
	queue := s.queue

	if len(params) == 0 {
		resp := challenge.Response{challenge.KeyUsername: s.username}
		s.rounds = append(s.rounds, Round{
			Seq:          round,
			ResponseKeys: sortedKeys(resp),
			Automatic:    true,
			AnsweredAt:   time.Now(),
		})
		deliver := s.transitionLocked(StateAwaitingAnswer, fmt.Sprintf("round %d", round))
		submit := s.transitionLocked(StateSubmitting, fmt.Sprintf("round %d answered automatically", round))
		s.mu.Unlock()
		deliver()
		submit()

		s.traceChallenge(log.DirectionIn, round, nil, true)
		queue.Post(func() { s.send(ctx, round, resp, true) })
		return challenge.New(params), nil
	}

	notify := s.transitionLocked(StateAwaitingAnswer, fmt.Sprintf("round %d", round))
	s.mu.Unlock()
	notify()
	s.traceChallenge(log.DirectionIn, round, sortedKeys(params), false)

	ch, err := s.channel.Deliver(params)
	if err != nil {
		s.fail(err)
		return nil, err
	}
	go s.awaitAnswer(ctx, queue, round)
	return ch, nil
}

func (s *Session) awaitAnswer(ctx context.Context, queue *dispatch.Queue, round int) {
	resp, err := s.channel.Wait(ctx)
	if err != nil {
		s.fail(err)
		return
	}
	queue.Post(func() { s.submit(ctx, round, resp) })
}

// submit records the user's response for round and relays it.
func (s *Session) submit(ctx context.Context, round int, resp challenge.Response) {
	s.mu.Lock()
	if s.state != StateAwaitingAnswer || s.round != round {
		s.mu.Unlock()
		return
	}
	resp = resp.Clone()
	if resp[challenge.KeyUsername] == "" {
		resp[challenge.KeyUsername] = s.username
	}
	s.rounds = append(s.rounds, Round{
		Seq:          round,
		ResponseKeys: sortedKeys(resp),
		AnsweredAt:   time.Now(),
	})
	notify := s.transitionLocked(StateSubmitting, fmt.Sprintf("round %d answered", round))
	s.mu.Unlock()
	notify()

	s.send(ctx, round, resp, false)
}

func (s *Session) send(ctx context.Context, round int, resp challenge.Response, automatic bool) {
	s.traceChallenge(log.DirectionOut, round, sortedKeys(resp), automatic)
	if err := s.provider.SubmitChallengeAnswer(ctx, resp); err != nil {
		s.OnStepError(err)
	}
}

// OnAnswerProvided resumes the pending round with resp. USERNAME is
// filled in from the session when absent. Without a pending challenge it
// fails with ErrProtocolViolation.
func (s *Session) OnAnswerProvided(resp challenge.Response) error {
	resp = resp.Clone()
	if resp[challenge.KeyUsername] == "" {
		resp[challenge.KeyUsername] = s.Username()
	}
	return s.channel.Answer(resp)
}

// ProvideAnswer is the UI-facing name for OnAnswerProvided.
func (s *Session) ProvideAnswer(resp challenge.Response) error {
	return s.OnAnswerProvided(resp)
}

// OnStepError fails the session with a provider error.
func (s *Session) OnStepError(err error) {
	if err == nil {
		err = &AuthError{Message: "authentication failed"}
	}
	s.fail(err)
}

// OnCompleted finishes the session with the authenticated identity.
func (s *Session) OnCompleted(identity Identity) {
	s.mu.Lock()
	if s.state == StateIdle || s.state.IsTerminal() {
		state := s.state
		s.mu.Unlock()
		s.logger.Warn("completion ignored", "state", state)
		return
	}
	if identity.Username == "" {
		identity.Username = s.username
	}
	if identity.AuthenticatedAt.IsZero() {
		identity.AuthenticatedAt = time.Now()
	}
	s.identity = identity.clone()
	notify := s.transitionLocked(StateCompleted, "completed")
	closeQueue := s.finishLocked()
	s.mu.Unlock()

	notify()
	s.logger.Info("authenticated", "username", identity.Username, "rounds", s.Round())
	s.cleanup(closeQueue)
}

// Cancel abandons the session. The result is FAILED with ErrUserCancelled.
func (s *Session) Cancel() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateIdle || state.IsTerminal() {
		return fmt.Errorf("%w: nothing to cancel (%s)", ErrProtocolViolation, state)
	}
	s.fail(ErrUserCancelled)
	return nil
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.err = err
	notify := s.transitionLocked(StateFailed, err.Error())
	closeQueue := s.finishLocked()
	s.mu.Unlock()

	notify()
	if errors.Is(err, ErrUserCancelled) {
		s.logger.Info("session cancelled", "username", s.username)
	} else {
		s.logger.Warn("session failed", "username", s.username, "error", err)
		s.trace.Log(log.Event{
			Timestamp: time.Now(),
			SessionID: s.id,
			Direction: log.DirectionLocal,
			Layer:     log.LayerAuth,
			Category:  log.CategoryError,
			Username:  s.username,
			Error: &log.ErrorEventData{
				Layer:   log.LayerAuth,
				Message: err.Error(),
				Kind:    errorKind(err),
				Context: "custom auth",
			},
		})
	}
	s.cleanup(closeQueue)
}

// finishLocked releases the waiters. It returns the queue to close, if owned.
func (s *Session) finishLocked() *dispatch.Queue {
	close(s.done)
	if s.cancel != nil {
		s.cancel()
	}
	if s.ownQueue {
		return s.queue
	}
	return nil
}

func (s *Session) cleanup(queue *dispatch.Queue) {
	if _, ok := s.channel.Pending(); ok {
		_ = s.channel.Cancel()
	}
	if queue != nil {
		// May be running on the queue itself.
		go queue.Close()
	}
}

// transitionLocked moves to state and returns the notification to run
// after the lock is released.
func (s *Session) transitionLocked(to State, reason string) func() {
	from := s.state
	if from == to {
		return func() {}
	}
	s.state = to

	cb := s.onStateChange
	event := log.Event{
		Timestamp: time.Now(),
		SessionID: s.id,
		Direction: log.DirectionLocal,
		Layer:     log.LayerAuth,
		Category:  log.CategoryState,
		Username:  s.username,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: from.String(),
			NewState: to.String(),
			Reason:   reason,
		},
	}
	return func() {
		s.trace.Log(event)
		if cb != nil {
			cb(from, to)
		}
	}
}

func (s *Session) traceChallenge(dir log.Direction, round int, keys []string, automatic bool) {
	s.trace.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: s.id,
		Direction: dir,
		Layer:     log.LayerAuth,
		Category:  log.CategoryMessage,
		Username:  s.Username(),
		Challenge: &log.ChallengeEvent{
			Round:     round,
			Keys:      keys,
			Automatic: automatic,
		},
	})
}

// ID returns the session identifier used in logs and traces.
func (s *Session) ID() string {
	return s.id
}

// Username returns the username passed to Start.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Round returns the number of rounds begun so far.
func (s *Session) Round() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// Rounds returns the answered rounds in order.
func (s *Session) Rounds() []Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rounds)
}

// Channel returns the channel user-facing challenges are delivered on.
func (s *Session) Channel() *challenge.Channel {
	return s.channel
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the failure cause, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Display returns the title and message to show for the session outcome.
func (s *Session) Display() (title, message string) {
	return Display(s.Err())
}

// Result returns the terminal outcome. Before the session ends it
// returns ErrProtocolViolation.
func (s *Session) Result() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCompleted:
		return s.identity.clone(), nil
	case StateFailed:
		return Identity{}, s.err
	default:
		return Identity{}, fmt.Errorf("%w: session not finished (%s)", ErrProtocolViolation, s.state)
	}
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (Identity, error) {
	select {
	case <-s.done:
		return s.Result()
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	}
}

// OnStateChange sets a callback for state transitions.
func (s *Session) OnStateChange(fn func(old, new State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
}

// Handle is what Start gives the UI layer.
type Handle struct {
	s *Session
}

// ID returns the session identifier.
func (h *Handle) ID() string { return h.s.ID() }

// Challenges returns the channel to read challenges from.
func (h *Handle) Challenges() *challenge.Channel { return h.s.Channel() }

// ProvideAnswer answers the pending challenge.
func (h *Handle) ProvideAnswer(resp challenge.Response) error { return h.s.ProvideAnswer(resp) }

// Cancel abandons the session.
func (h *Handle) Cancel() error { return h.s.Cancel() }

// State returns the session state.
func (h *Handle) State() State { return h.s.State() }

// Done is closed when the session ends.
func (h *Handle) Done() <-chan struct{} { return h.s.Done() }

// Wait blocks for the terminal result.
func (h *Handle) Wait(ctx context.Context) (Identity, error) { return h.s.Wait(ctx) }

func sortedKeys[M ~map[string]string](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func errorKind(err error) string {
	var ae *AuthError
	switch {
	case errors.As(err, &ae):
		return "AuthError"
	case errors.Is(err, ErrProtocolViolation):
		return "ProtocolViolation"
	case errors.Is(err, ErrInvalidInput):
		return "InvalidInput"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Context"
	default:
		return "Unknown"
	}
}
