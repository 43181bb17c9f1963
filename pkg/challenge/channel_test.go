package challenge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestChannelDeliverAndAnswer(t *testing.T) {
	c := NewChannel()

	var notified *Challenge
	c.OnDeliver(func(ch *Challenge) { notified = ch })

	ch, err := c.Deliver(Parameters{KeyEmail: "a***@example.com"})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if notified != ch {
		t.Error("OnDeliver callback did not receive the delivered challenge")
	}
	if ch.Seq() != 1 {
		t.Errorf("Seq() = %d, want 1", ch.Seq())
	}
	if v, _ := ch.Get(KeyEmail); v != "a***@example.com" {
		t.Errorf("Get(email) = %q", v)
	}

	pending, ok := c.Pending()
	if !ok || pending != ch {
		t.Fatal("Pending() did not return the delivered challenge")
	}

	if err := c.Answer(Response{KeyAnswer: "123456"}); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	resp, err := c.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if resp[KeyAnswer] != "123456" {
		t.Errorf("Wait() response = %v", resp)
	}

	if _, ok := c.Pending(); ok {
		t.Error("Pending() = true after answer")
	}
}

func TestChannelDoubleAnswer(t *testing.T) {
	c := NewChannel()
	if _, err := c.Deliver(Parameters{"k": "v"}); err != nil {
		t.Fatal(err)
	}

	if err := c.Answer(Response{KeyAnswer: "1"}); err != nil {
		t.Fatalf("first Answer() error = %v", err)
	}
	err := c.Answer(Response{KeyAnswer: "2"})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("second Answer() error = %v, want ErrProtocolViolation", err)
	}

	// The first answer wins.
	resp, _ := c.Wait(context.Background())
	if resp[KeyAnswer] != "1" {
		t.Errorf("Wait() = %v, want first answer", resp)
	}
}

func TestChannelAnswerAfterCancel(t *testing.T) {
	c := NewChannel()
	c.Deliver(Parameters{})

	if err := c.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if err := c.Answer(Response{KeyAnswer: "1"}); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Answer() after Cancel error = %v, want ErrProtocolViolation", err)
	}

	_, err := c.Wait(context.Background())
	if !errors.Is(err, ErrUserCancelled) {
		t.Errorf("Wait() error = %v, want ErrUserCancelled", err)
	}
}

func TestChannelWithoutChallenge(t *testing.T) {
	c := NewChannel()

	if err := c.Answer(Response{KeyAnswer: "1"}); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Answer() error = %v, want ErrProtocolViolation", err)
	}
	if err := c.Cancel(); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Cancel() error = %v, want ErrProtocolViolation", err)
	}
	if _, err := c.Wait(context.Background()); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("Wait() error = %v, want ErrProtocolViolation", err)
	}
}

func TestChannelSingleSlot(t *testing.T) {
	c := NewChannel()
	c.Deliver(Parameters{"round": "1"})

	if _, err := c.Deliver(Parameters{"round": "2"}); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("Deliver() while pending error = %v, want ErrProtocolViolation", err)
	}

	c.Answer(Response{KeyAnswer: "x"})

	ch, err := c.Deliver(Parameters{"round": "2"})
	if err != nil {
		t.Fatalf("Deliver() after answer error = %v", err)
	}
	if ch.Seq() != 2 {
		t.Errorf("Seq() = %d, want 2", ch.Seq())
	}
	if c.Delivered() != 2 {
		t.Errorf("Delivered() = %d, want 2", c.Delivered())
	}
}

func TestChannelParametersImmutable(t *testing.T) {
	c := NewChannel()
	params := Parameters{KeyUsername: "alice"}

	ch, _ := c.Deliver(params)
	params[KeyUsername] = "mallory"

	got := ch.Parameters()
	if got[KeyUsername] != "alice" {
		t.Errorf("Parameters()[USERNAME] = %q, want alice", got[KeyUsername])
	}

	got[KeyUsername] = "eve"
	if v, _ := ch.Get(KeyUsername); v != "alice" {
		t.Errorf("challenge mutated through Parameters() copy: %q", v)
	}
}

func TestChannelWaitBlocksUntilAnswer(t *testing.T) {
	c := NewChannel()
	c.Deliver(Parameters{"k": "v"})

	var wg sync.WaitGroup
	var got Response
	var gotErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, gotErr = c.Wait(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	c.Answer(Response{KeyAnswer: "42"})
	wg.Wait()

	if gotErr != nil {
		t.Fatalf("Wait() error = %v", gotErr)
	}
	if got[KeyAnswer] != "42" {
		t.Errorf("Wait() = %v", got)
	}
}

func TestChannelWaitContextCancelled(t *testing.T) {
	c := NewChannel()
	c.Deliver(Parameters{"k": "v"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestResponseValidate(t *testing.T) {
	tests := []struct {
		name    string
		resp    Response
		require []string
		wantErr bool
	}{
		{"Empty", Response{}, nil, true},
		{"NoRequirements", Response{"x": "y"}, nil, false},
		{"AllPresent", Response{KeyAnswer: "1", KeyUsername: "u"}, []string{KeyAnswer, KeyUsername}, false},
		{"MissingKey", Response{KeyAnswer: "1"}, []string{KeyAnswer, KeyUsername}, true},
		{"EmptyValue", Response{KeyAnswer: "", KeyUsername: "u"}, []string{KeyAnswer}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.resp.Validate(tt.require...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Validate() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestChannelValidatorKeepsSlotPending(t *testing.T) {
	c := NewChannel()
	c.SetValidator(func(_ *Challenge, r Response) error {
		return r.Validate(KeyAnswer)
	})
	c.Deliver(Parameters{KeyEmail: "x"})

	if err := c.Answer(Response{KeyAnswer: ""}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Answer(empty) error = %v, want ErrInvalidInput", err)
	}
	if _, ok := c.Pending(); !ok {
		t.Fatal("rejected answer resolved the slot")
	}
	if err := c.Answer(Response{KeyAnswer: "999"}); err != nil {
		t.Fatalf("Answer(valid) error = %v", err)
	}
	resp, _ := c.Wait(context.Background())
	if resp[KeyAnswer] != "999" {
		t.Errorf("Wait() = %v", resp)
	}
}

func TestNewUndeliveredChallenge(t *testing.T) {
	ch := New(nil)
	if !ch.IsEmpty() {
		t.Error("IsEmpty() = false for nil parameters")
	}
	if ch.Seq() != 0 {
		t.Errorf("Seq() = %d, want 0", ch.Seq())
	}
}
