package challenge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Channel errors.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrUserCancelled     = errors.New("user cancelled")
)

// Well-known parameter and response keys.
const (
	KeyUsername = "USERNAME"
	KeyAnswer   = "ANSWER"
	KeyEmail    = "email"
)

// Parameters are the provider-defined fields of one challenge round.
type Parameters map[string]string

// Clone returns an independent copy.
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Response is the answer supplied for one challenge round.
type Response map[string]string

// Clone returns an independent copy.
func (r Response) Clone() Response {
	out := make(Response, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Validate checks that every required key is present and non-empty.
func (r Response) Validate(required ...string) error {
	if len(r) == 0 {
		return fmt.Errorf("%w: empty response", ErrInvalidInput)
	}
	for _, key := range required {
		if r[key] == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalidInput, key)
		}
	}
	return nil
}

// New creates a challenge that is not delivered through any channel.
// Sessions use it for rounds they answer themselves.
func New(params Parameters) *Challenge {
	return &Challenge{params: params.Clone(), deliveredAt: time.Now()}
}

// Challenge is one delivered round. Its parameters never change after delivery.
type Challenge struct {
	seq         uint64
	params      Parameters
	deliveredAt time.Time
}

// Seq returns the 1-based delivery sequence number on its channel.
func (c *Challenge) Seq() uint64 {
	return c.seq
}

// Parameters returns a copy of the challenge parameters.
func (c *Challenge) Parameters() Parameters {
	return c.params.Clone()
}

// Get returns a single parameter.
func (c *Challenge) Get(key string) (string, bool) {
	v, ok := c.params[key]
	return v, ok
}

// IsEmpty reports whether the challenge carries no parameters.
func (c *Challenge) IsEmpty() bool {
	return len(c.params) == 0
}

// DeliveredAt returns when the challenge was handed over.
func (c *Challenge) DeliveredAt() time.Time {
	return c.deliveredAt
}

// outcome is what a waiting session receives.
type outcome struct {
	resp Response
	err  error
}

// Channel is a single-slot handoff carrying one pending challenge and its answer.
type Channel struct {
	mu sync.Mutex

	seq      uint64
	current  *Challenge
	resolved bool
	result   chan outcome

	onDeliver func(*Challenge)
	validate  func(*Challenge, Response) error
}

// NewChannel creates an empty channel.
func NewChannel() *Channel {
	return &Channel{}
}

// Deliver hands a new challenge to the answering party.
// Returns ErrProtocolViolation if the previous challenge is still unresolved.
func (c *Channel) Deliver(params Parameters) (*Challenge, error) {
	c.mu.Lock()
	if c.current != nil && !c.resolved {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: challenge %d still pending", ErrProtocolViolation, c.current.seq)
	}

	c.seq++
	ch := &Challenge{
		seq:         c.seq,
		params:      params.Clone(),
		deliveredAt: time.Now(),
	}
	c.current = ch
	c.resolved = false
	c.result = make(chan outcome, 1)

	onDeliver := c.onDeliver
	c.mu.Unlock()

	if onDeliver != nil {
		onDeliver(ch)
	}
	return ch, nil
}

// Answer resolves the pending challenge with resp.
// A response rejected by the validator leaves the challenge pending.
func (c *Channel) Answer(resp Response) error {
	return c.resolve(outcome{resp: resp.Clone()})
}

// Cancel resolves the pending challenge with ErrUserCancelled.
func (c *Channel) Cancel() error {
	return c.resolve(outcome{err: ErrUserCancelled})
}

func (c *Channel) resolve(o outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return fmt.Errorf("%w: no challenge delivered", ErrProtocolViolation)
	}
	if c.resolved {
		return fmt.Errorf("%w: challenge %d already resolved", ErrProtocolViolation, c.current.seq)
	}
	if o.err == nil && c.validate != nil {
		if err := c.validate(c.current, o.resp); err != nil {
			return err
		}
	}

	c.resolved = true
	c.result <- o
	return nil
}

// Wait blocks until the pending challenge is answered or cancelled, or ctx ends.
func (c *Channel) Wait(ctx context.Context) (Response, error) {
	c.mu.Lock()
	result := c.result
	c.mu.Unlock()

	if result == nil {
		return nil, fmt.Errorf("%w: no challenge delivered", ErrProtocolViolation)
	}

	select {
	case o := <-result:
		return o.resp, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the unresolved challenge, if any.
func (c *Channel) Pending() (*Challenge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.resolved {
		return nil, false
	}
	return c.current, true
}

// Delivered returns the number of challenges delivered so far.
func (c *Channel) Delivered() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// SetValidator installs a check applied to every Answer before it resolves
// the slot.
func (c *Channel) SetValidator(fn func(*Challenge, Response) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validate = fn
}

// OnDeliver sets a callback invoked (outside the lock) for every delivered challenge.
func (c *Channel) OnDeliver(fn func(*Challenge)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDeliver = fn
}
