package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeepAliveConfig(t *testing.T) {
	config := DefaultKeepAliveConfig()

	if config.PingInterval != DefaultPingInterval {
		t.Errorf("PingInterval = %v, want %v", config.PingInterval, DefaultPingInterval)
	}
	if config.PongTimeout != DefaultPongTimeout {
		t.Errorf("PongTimeout = %v, want %v", config.PongTimeout, DefaultPongTimeout)
	}
	if config.MaxMissedPongs != DefaultMaxMissedPongs {
		t.Errorf("MaxMissedPongs = %d, want %d", config.MaxMissedPongs, DefaultMaxMissedPongs)
	}

	// 30s * 3 + 5s
	if delay := config.DetectionDelay(); delay != 95*time.Second {
		t.Errorf("DetectionDelay = %v, want 95s", delay)
	}
}

func TestKeepAliveZeroConfigTakesDefaults(t *testing.T) {
	ka := NewKeepAlive(KeepAliveConfig{}, func(context.Context) error { return nil }, nil)
	if ka.config != DefaultKeepAliveConfig() {
		t.Errorf("config = %+v, want defaults", ka.config)
	}
}

func TestKeepAlivePings(t *testing.T) {
	var pings atomic.Int32

	ka := NewKeepAlive(KeepAliveConfig{
		PingInterval:   20 * time.Millisecond,
		PongTimeout:    10 * time.Millisecond,
		MaxMissedPongs: 3,
	}, func(context.Context) error {
		pings.Add(1)
		return nil
	}, func() {
		t.Error("timeout should not be called")
	})

	ka.Start(context.Background())
	time.Sleep(110 * time.Millisecond)
	ka.Stop()

	if pings.Load() < 2 {
		t.Errorf("expected at least 2 pings, got %d", pings.Load())
	}

	stats := ka.Stats()
	if stats.MissedPongs != 0 {
		t.Errorf("MissedPongs = %d, want 0", stats.MissedPongs)
	}
	if stats.LastPongTime.IsZero() || stats.LastPingTime.IsZero() {
		t.Error("ping/pong times should be set")
	}
	if stats.Pings != uint32(pings.Load()) {
		t.Errorf("Pings = %d, want %d", stats.Pings, pings.Load())
	}
}

func TestKeepAliveTimeout(t *testing.T) {
	timedOut := make(chan struct{})

	ka := NewKeepAlive(KeepAliveConfig{
		PingInterval:   20 * time.Millisecond,
		PongTimeout:    10 * time.Millisecond,
		MaxMissedPongs: 2,
	}, func(context.Context) error {
		return errors.New("no pong")
	}, func() {
		close(timedOut)
	})

	ka.Start(context.Background())

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("expected timeout to be called")
	}

	ka.Stop()
	if ka.IsRunning() {
		t.Error("IsRunning() = true after timeout")
	}
	if got := ka.Stats().MissedPongs; got != 2 {
		t.Errorf("MissedPongs = %d, want 2", got)
	}
}

func TestKeepAlivePingBoundedByPongTimeout(t *testing.T) {
	timedOut := make(chan struct{})

	ka := NewKeepAlive(KeepAliveConfig{
		PingInterval:   10 * time.Millisecond,
		PongTimeout:    5 * time.Millisecond,
		MaxMissedPongs: 1,
	}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, func() {
		close(timedOut)
	})

	ka.Start(context.Background())
	defer ka.Stop()

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("blocked ping never timed out")
	}
}

func TestKeepAlivePongResetsCounter(t *testing.T) {
	var calls atomic.Int32

	ka := NewKeepAlive(KeepAliveConfig{
		PingInterval:   15 * time.Millisecond,
		PongTimeout:    5 * time.Millisecond,
		MaxMissedPongs: 2,
	}, func(context.Context) error {
		// Every other ping fails.
		if calls.Add(1)%2 == 1 {
			return errors.New("lost")
		}
		return nil
	}, func() {
		t.Error("timeout should not be called")
	})

	ka.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	ka.Stop()

	if calls.Load() < 4 {
		t.Errorf("expected at least 4 pings, got %d", calls.Load())
	}
}

func TestKeepAliveStartStop(t *testing.T) {
	ka := NewKeepAlive(DefaultKeepAliveConfig(), func(context.Context) error { return nil }, nil)

	if ka.IsRunning() {
		t.Error("should not be running before Start")
	}

	ka.Start(context.Background())
	ka.Start(context.Background())
	if !ka.IsRunning() {
		t.Error("should be running after Start")
	}

	ka.Stop()
	ka.Stop()
	if ka.IsRunning() {
		t.Error("should not be running after Stop")
	}

	// A stopped monitor can be started again.
	ka.Start(context.Background())
	if !ka.IsRunning() {
		t.Error("should be running after restart")
	}
	ka.Stop()
}

func TestKeepAliveContextCancel(t *testing.T) {
	ka := NewKeepAlive(KeepAliveConfig{PingInterval: time.Hour}, func(context.Context) error { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ka.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		ka.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return after context cancel")
	}
}
