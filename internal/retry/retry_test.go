package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffExponentialNoJitter(t *testing.T) {
	p := Policy{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.expected {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	p := Policy{
		InitialBackoff:    time.Second,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0,
	}
	if got := p.Backoff(10); got != 5*time.Second {
		t.Errorf("Backoff(10) = %v, want capped at 5s", got)
	}
}

func TestShouldRetry(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	if !p.ShouldRetry(0) {
		t.Error("ShouldRetry(0) = false, want true")
	}
	if !p.ShouldRetry(1) {
		t.Error("ShouldRetry(1) = false, want true")
	}
	if p.ShouldRetry(2) {
		t.Error("ShouldRetry(2) = true, want false (exhausted)")
	}
}

func TestDoSucceedsOnRetry(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, BackoffMultiplier: 2}
	attempts := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2}
	attempts := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestDoRespectsCancellation(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffMultiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, p, func(ctx context.Context) error {
		return errors.New("never reached ideally")
	})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
