// Package retry implements the exponential-backoff-with-jitter policy used
// to re-establish a lost connection. It applies only to connection
// establishment: callers must never use it to retry a call_tool, since
// tool calls are not guaranteed idempotent.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy is the generalized form of the teacher's RetryConfig, stripped of
// OData/CSRF specifics and scoped to connection-level retry only.
type Policy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFraction    float64
}

// DefaultPolicy matches the magnitudes of the teacher's DefaultRetryConfig.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       5,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

// Backoff computes the delay before attempt n (0-indexed), exponential in
// n and capped at MaxBackoff, with +/- JitterFraction of randomness applied
// so a pool of clients reconnecting to the same server don't all retry in
// lockstep.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if base > float64(p.MaxBackoff) {
		base = float64(p.MaxBackoff)
	}
	if p.JitterFraction > 0 {
		jitter := base * p.JitterFraction
		base += (rand.Float64()*2 - 1) * jitter
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// ShouldRetry reports whether attempt (0-indexed, about to become
// attempt+1) is still within budget.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts-1
}

// Do runs fn, retrying connection-establishment failures per the policy.
// fn must be idempotent: Do is for dialing/handshaking, never for
// call_tool. Returns the last error if all attempts are exhausted or ctx
// is cancelled first.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.ShouldRetry(attempt) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff(attempt)):
		}
	}
	return lastErr
}
