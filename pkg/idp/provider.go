package idp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/shadowlink/shadowlink-go/pkg/challenge"
	"github.com/shadowlink/shadowlink-go/pkg/customauth"
)

// Defaults.
const (
	DefaultCodeLength  = 6
	DefaultMaxAttempts = 3
	DefaultTokenTTL    = time.Hour
	MinPasswordLength  = 8
)

// Attribute names understood by the provider.
const (
	AttrEmail = "email"
	AttrSub   = "sub"
)

// KeyAttemptsRemaining is added to a re-issued code round.
const KeyAttemptsRemaining = "attempts_remaining"

// CodeSink delivers a one-time code to the user.
type CodeSink func(username, destination, code string)

// Config configures a Provider.
type Config struct {
	// Issuer and Audience are written into issued tokens.
	Issuer   string
	Audience string

	// Secret signs tokens. A random secret is generated if empty.
	Secret []byte

	TokenTTL    time.Duration
	CodeLength  int
	MaxAttempts int

	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int

	// CodeSink receives every generated code. Defaults to logging it.
	CodeSink CodeSink

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultConfig returns the default provider configuration.
func DefaultConfig() Config {
	return Config{
		Issuer:      "shadowlink-idp",
		Audience:    "shadowlink",
		TokenTTL:    DefaultTokenTTL,
		CodeLength:  DefaultCodeLength,
		MaxAttempts: DefaultMaxAttempts,
		BcryptCost:  bcrypt.DefaultCost,
	}
}

type user struct {
	username     string
	passwordHash []byte
	identityID   string
	attributes   map[string]string
	createdAt    time.Time
}

type flowStep uint8

const (
	stepUsername flowStep = iota
	stepCode
)

// flow is one custom authentication in progress.
type flow struct {
	handler  customauth.Handler
	step     flowStep
	code     string
	dest     string
	attempts int
}

// Provider is an in-memory user pool. It implements customauth.Provider.
type Provider struct {
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	users map[string]*user
	flows map[string]*flow
}

var _ customauth.Provider = (*Provider)(nil)

// NewProvider creates a provider with no users.
func NewProvider(config Config) *Provider {
	defaults := DefaultConfig()
	if config.Issuer == "" {
		config.Issuer = defaults.Issuer
	}
	if config.Audience == "" {
		config.Audience = defaults.Audience
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = defaults.TokenTTL
	}
	if config.CodeLength <= 0 {
		config.CodeLength = defaults.CodeLength
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = defaults.BcryptCost
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if len(config.Secret) == 0 {
		config.Secret = []byte(uuid.NewString() + uuid.NewString())
	}

	p := &Provider{
		config: config,
		logger: config.Logger,
		users:  make(map[string]*user),
		flows:  make(map[string]*flow),
	}
	if p.config.CodeSink == nil {
		p.config.CodeSink = func(username, dest, code string) {
			p.logger.Info("one-time code issued", "username", username, "destination", dest, "code", code)
		}
	}
	return p
}

// SignUp creates an account.
func (p *Provider) SignUp(ctx context.Context, username, password string, attributes map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(username) == "" {
		return authError(TypeInvalidParameter, "Username cannot be empty.")
	}
	if err := checkPassword(password); err != nil {
		return err
	}

	p.mu.Lock()
	_, exists := p.users[username]
	p.mu.Unlock()
	if exists {
		return authError(TypeUsernameExists, "User already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.config.BcryptCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	u := &user{
		username:     username,
		passwordHash: hash,
		identityID:   "local:" + uuid.NewString(),
		attributes:   make(map[string]string, len(attributes)+1),
		createdAt:    p.config.Now(),
	}
	for k, v := range attributes {
		u.attributes[k] = v
	}
	u.attributes[AttrSub] = uuid.NewString()

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.users[username]; exists {
		return authError(TypeUsernameExists, "User already exists")
	}
	p.users[username] = u
	p.logger.Debug("user signed up", "username", username)
	return nil
}

// checkPassword applies the pool's password policy.
func checkPassword(pw string) error {
	var upper, lower, digit, symbol bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if len(pw) < MinPasswordLength || !upper || !lower || !digit || !symbol {
		return authError(TypeInvalidPassword, "Password did not conform with policy")
	}
	return nil
}

// CheckPassword verifies username's password.
func (p *Provider) CheckPassword(username, password string) error {
	p.mu.Lock()
	u, ok := p.users[username]
	p.mu.Unlock()
	if !ok {
		return authError(TypeUserNotFound, "User does not exist.")
	}
	if bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) != nil {
		return authError(TypeNotAuthorized, "Incorrect username or password.")
	}
	return nil
}

// BeginCustomAuth opens a flow for username, replacing any earlier one,
// and issues the first round.
func (p *Provider) BeginCustomAuth(ctx context.Context, username string, h customauth.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	u, ok := p.users[username]
	if !ok {
		p.mu.Unlock()
		return authError(TypeUserNotFound, "User does not exist.")
	}
	p.flows[username] = &flow{handler: h, step: stepUsername, dest: destination(u)}
	p.mu.Unlock()

	p.issue(h, challenge.Parameters{})
	return nil
}

// SubmitChallengeAnswer advances the flow named by resp's USERNAME.
func (p *Provider) SubmitChallengeAnswer(ctx context.Context, resp challenge.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	username := resp[challenge.KeyUsername]

	p.mu.Lock()
	f, ok := p.flows[username]
	if !ok {
		p.mu.Unlock()
		return authError(TypeNotAuthorized, "Invalid session for the user.")
	}

	switch f.step {
	case stepUsername:
		code, err := p.newCode()
		if err != nil {
			delete(p.flows, username)
			p.mu.Unlock()
			return fmt.Errorf("generating code: %w", err)
		}
		f.code = code
		f.step = stepCode
		h, dest := f.handler, f.dest
		p.mu.Unlock()

		p.config.CodeSink(username, dest, code)
		p.issue(h, challenge.Parameters{challenge.KeyEmail: MaskDestination(dest)})
		return nil

	default:
		h := f.handler
		if subtle.ConstantTimeCompare([]byte(resp[challenge.KeyAnswer]), []byte(f.code)) == 1 {
			delete(p.flows, username)
			u := p.users[username]
			p.mu.Unlock()

			id, err := p.identity(u)
			if err != nil {
				h.OnStepError(err)
				return nil
			}
			p.logger.Info("custom auth completed", "username", username)
			h.OnCompleted(id)
			return nil
		}

		f.attempts++
		remaining := p.config.MaxAttempts - f.attempts
		dest := f.dest
		if remaining <= 0 {
			attempts := f.attempts
			delete(p.flows, username)
			p.mu.Unlock()
			p.logger.Info("custom auth failed", "username", username, "attempts", attempts)
			h.OnStepError(authError(TypeNotAuthorized, "Incorrect username or password."))
			return nil
		}
		p.mu.Unlock()

		p.issue(h, challenge.Parameters{
			challenge.KeyEmail:   MaskDestination(dest),
			KeyAttemptsRemaining: strconv.Itoa(remaining),
		})
		return nil
	}
}

func (p *Provider) issue(h customauth.Handler, params challenge.Parameters) {
	if _, err := h.OnChallengeReceived(params); err != nil {
		p.logger.Warn("challenge not accepted by session", "error", err)
	}
}

func (p *Provider) newCode() (string, error) {
	var b strings.Builder
	for range p.config.CodeLength {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

func (p *Provider) identity(u *user) (customauth.Identity, error) {
	now := p.config.Now()
	idToken, err := p.signToken(u, TokenUseID, now)
	if err != nil {
		return customauth.Identity{}, err
	}
	accessToken, err := p.signToken(u, TokenUseAccess, now)
	if err != nil {
		return customauth.Identity{}, err
	}
	attrs := make(map[string]string, len(u.attributes))
	for k, v := range u.attributes {
		attrs[k] = v
	}
	return customauth.Identity{
		Username:        u.username,
		IdentityID:      u.identityID,
		IDToken:         idToken,
		AccessToken:     accessToken,
		Attributes:      attrs,
		AuthenticatedAt: now,
	}, nil
}

// destination is where codes for u are sent.
func destination(u *user) string {
	if email := u.attributes[AttrEmail]; email != "" {
		return email
	}
	return u.username
}

// MaskDestination hides most of an address: alice@example.com becomes
// a***@e***.
func MaskDestination(dest string) string {
	if dest == "" {
		return ""
	}
	local, domain, ok := strings.Cut(dest, "@")
	if !ok {
		return firstRune(dest) + "***"
	}
	return firstRune(local) + "***@" + firstRune(domain) + "***"
}

func firstRune(s string) string {
	for _, r := range s {
		return string(r)
	}
	return ""
}

// Users returns every username, sorted.
func (p *Provider) Users() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.users))
	for name := range p.users {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Attributes returns a copy of username's attributes.
func (p *Provider) Attributes(username string) (map[string]string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[username]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(u.attributes))
	for k, v := range u.attributes {
		out[k] = v
	}
	return out, true
}

// DeleteUser removes an account and any flow in progress.
func (p *Provider) DeleteUser(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.users[username]
	delete(p.users, username)
	delete(p.flows, username)
	return ok
}

// InFlight reports whether username has a flow in progress.
func (p *Provider) InFlight(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.flows[username]
	return ok
}
