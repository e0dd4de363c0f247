package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Minute})
	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }

	for i := 0; i < 3; i++ {
		if err := b.Call(context.Background(), fail); !errors.Is(err, boom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after threshold, got %s", b.State())
	}
	if err := b.Call(context.Background(), fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker should reject, got %v", err)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: 10 * time.Second})
	b.now = func() time.Time { return now }

	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("x") })
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	now = now.Add(11 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatal("breaker should probe after timeout")
	}
	if err := b.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("successful probe should close, got %s", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Second})
	b.now = func() time.Time { return now }

	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("x") })
	now = now.Add(2 * time.Second)
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("still down") })
	if b.State() != StateOpen {
		t.Fatalf("failed probe should reopen, got %s", b.State())
	}
}

func TestBudgetSlidingWindow(t *testing.T) {
	now := time.Now()
	b := NewBudget(2, time.Minute)
	b.now = func() time.Time { return now }

	if !b.Spend() || !b.Spend() {
		t.Fatal("budget should allow two spends")
	}
	if b.Spend() {
		t.Fatal("third spend within window should be refused")
	}
	if b.Remaining() != 0 {
		t.Fatalf("remaining: %d", b.Remaining())
	}

	// The window slides: old spends expire.
	now = now.Add(2 * time.Minute)
	if !b.Spend() {
		t.Fatal("spend should succeed after window slides")
	}
	if b.Remaining() != 1 {
		t.Fatalf("remaining after slide: %d", b.Remaining())
	}
}
