package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Keep-alive constants.
const (
	// DefaultPingInterval is the default interval between pings.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongTimeout is the default timeout waiting for a pong.
	DefaultPongTimeout = 5 * time.Second

	// DefaultMaxMissedPongs is the default number of missed pongs before
	// the connection is considered lost.
	DefaultMaxMissedPongs = 3
)

// ErrKeepAliveTimeout reports a connection that stopped answering pings.
var ErrKeepAliveTimeout = errors.New("keep-alive timeout")

// KeepAliveConfig configures keep-alive behavior.
type KeepAliveConfig struct {
	// PingInterval is the interval between pings.
	PingInterval time.Duration

	// PongTimeout bounds each ping.
	PongTimeout time.Duration

	// MaxMissedPongs is the number of missed pongs before timeout.
	MaxMissedPongs int
}

// DefaultKeepAliveConfig returns the default keep-alive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		MaxMissedPongs: DefaultMaxMissedPongs,
	}
}

// DetectionDelay is the longest time a dead connection can go unnoticed.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	return c.PingInterval*time.Duration(c.MaxMissedPongs) + c.PongTimeout
}

func (c KeepAliveConfig) withDefaults() KeepAliveConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = DefaultMaxMissedPongs
	}
	return c
}

// PingFunc sends one ping and blocks until the pong arrives or ctx ends.
type PingFunc func(ctx context.Context) error

// KeepAlive pings a connection periodically and reports it dead after
// too many missed pongs.
type KeepAlive struct {
	config    KeepAliveConfig
	ping      PingFunc
	onTimeout func()

	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	done         chan struct{}
	missedPongs  int
	lastPingTime time.Time
	lastPongTime time.Time
	lastLatency  time.Duration
	pings        uint32
}

// NewKeepAlive creates a keep-alive monitor. onTimeout runs once, from
// the monitor goroutine, when MaxMissedPongs is reached.
func NewKeepAlive(config KeepAliveConfig, ping PingFunc, onTimeout func()) *KeepAlive {
	return &KeepAlive{
		config:    config.withDefaults(),
		ping:      ping,
		onTimeout: onTimeout,
	}
}

// Start begins monitoring. It is a no-op while running.
func (ka *KeepAlive) Start(ctx context.Context) {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if ka.running {
		return
	}
	ka.running = true
	ka.missedPongs = 0
	ka.stopCh = make(chan struct{})
	ka.done = make(chan struct{})
	go ka.loop(ctx, ka.stopCh, ka.done)
}

// Stop ends monitoring and waits for the loop to exit, including a
// running onTimeout. It must not be called from onTimeout.
func (ka *KeepAlive) Stop() {
	ka.mu.Lock()
	if ka.running {
		ka.running = false
		close(ka.stopCh)
	}
	done := ka.done
	ka.mu.Unlock()

	if done != nil {
		<-done
	}
}

// IsRunning reports whether monitoring is active.
func (ka *KeepAlive) IsRunning() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.running
}

// KeepAliveStats contains keep-alive statistics.
type KeepAliveStats struct {
	LastPingTime time.Time
	LastPongTime time.Time
	LastLatency  time.Duration
	MissedPongs  int
	Pings        uint32
}

// Stats returns current keep-alive statistics.
func (ka *KeepAlive) Stats() KeepAliveStats {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return KeepAliveStats{
		LastPingTime: ka.lastPingTime,
		LastPongTime: ka.lastPongTime,
		LastLatency:  ka.lastLatency,
		MissedPongs:  ka.missedPongs,
		Pings:        ka.pings,
	}
}

func (ka *KeepAlive) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(ka.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if ka.tick(ctx, stop) {
				ka.mu.Lock()
				ka.running = false
				ka.mu.Unlock()
				if ka.onTimeout != nil {
					ka.onTimeout()
				}
				return
			}
		}
	}
}

// tick sends one ping and reports whether the connection is dead.
func (ka *KeepAlive) tick(ctx context.Context, stop <-chan struct{}) bool {
	pingCtx, cancel := context.WithTimeout(ctx, ka.config.PongTimeout)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-pingCtx.Done():
		}
	}()

	start := time.Now()
	ka.mu.Lock()
	ka.lastPingTime = start
	ka.pings++
	ka.mu.Unlock()

	err := ka.ping(pingCtx)

	ka.mu.Lock()
	defer ka.mu.Unlock()

	select {
	case <-stop:
		return false
	default:
	}
	if ctx.Err() != nil {
		return false
	}

	if err == nil {
		now := time.Now()
		ka.lastPongTime = now
		ka.lastLatency = now.Sub(start)
		ka.missedPongs = 0
		return false
	}

	ka.missedPongs++
	return ka.missedPongs >= ka.config.MaxMissedPongs
}
