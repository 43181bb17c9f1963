package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrQueueClosed is returned when posting to a closed queue.
var ErrQueueClosed = errors.New("dispatch queue closed")

// Queue runs posted functions sequentially on a single goroutine.
type Queue struct {
	mu      sync.Mutex
	items   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	name   string
	logger *slog.Logger
}

// NewQueue creates a queue and starts its worker goroutine.
// The name appears in log output for recovered panics.
func NewQueue(name string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		name:    name,
		logger:  logger,
	}
	go q.run()
	return q
}

// Post appends fn to the queue. It returns false if the queue is closed.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
		// Already signalled
	}
	return true
}

// Do posts fn and waits until it has run or ctx ends.
// Must not be called from inside a queued function.
func (q *Queue) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !q.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrQueueClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of functions waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting work, runs what is already queued and waits for
// the worker to exit. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()

	<-q.stopped
}

func (q *Queue) run() {
	defer close(q.stopped)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			continue
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.invoke(fn)
	}
}

func (q *Queue) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("dispatch: recovered panic", "queue", q.name, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
