// Package breaker implements a per-server circuit breaker: Closed, Open,
// HalfOpen. The state is held in an atomic and read lock-free on the hot
// path; state transitions are serialized by a mutex rather than done by
// compare-and-swap. Only the half-open probe budget uses compare-and-swap.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the circuit's current disposition.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config mirrors the thresholds in the teacher-adjacent ImprovedHubClient:
// FailureThreshold consecutive failures trips the circuit; OpenDuration is
// how long it stays Open before probing; HalfOpenMaxProbes bounds how many
// concurrent trial requests are allowed through while HalfOpen.
type Config struct {
	FailureThreshold  int
	OpenDuration      time.Duration
	HalfOpenMaxProbes int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		OpenDuration:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// Breaker guards one server. Zero value is not usable; construct with New.
type Breaker struct {
	cfg Config

	state            atomic.Int32
	failureCount     atomic.Int32
	openedAt         atomic.Int64 // unix nano, valid while state == Open
	halfOpenInFlight atomic.Int32

	mu sync.Mutex // serializes state transitions only, not the hot path
}

func New(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg}
	b.state.Store(int32(Closed))
	return b
}

// now is overridable indirection-free: breaker uses time.Now directly since
// the spec's test scenarios (S5) drive it through real timers, not a fake
// clock; no example in the corpus injects a clock for the breaker either.

// Allow reports whether a new request may proceed, and transitions Open to
// HalfOpen if OpenDuration has elapsed.
func (b *Breaker) Allow() bool {
	switch State(b.state.Load()) {
	case Closed:
		return true
	case Open:
		openedAt := time.Unix(0, b.openedAt.Load())
		if time.Since(openedAt) < b.cfg.OpenDuration {
			return false
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if State(b.state.Load()) != Open {
			return b.Allow()
		}
		b.state.Store(int32(HalfOpen))
		b.halfOpenInFlight.Store(0)
		return b.tryAcquireProbe()
	case HalfOpen:
		return b.tryAcquireProbe()
	default:
		return false
	}
}

func (b *Breaker) tryAcquireProbe() bool {
	for {
		cur := b.halfOpenInFlight.Load()
		if int(cur) >= b.cfg.HalfOpenMaxProbes {
			return false
		}
		if b.halfOpenInFlight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// RecordSuccess closes the circuit from Closed or HalfOpen.
func (b *Breaker) RecordSuccess() {
	switch State(b.state.Load()) {
	case HalfOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		b.state.Store(int32(Closed))
		b.failureCount.Store(0)
		b.halfOpenInFlight.Store(0)
	case Closed:
		b.failureCount.Store(0)
	}
}

// RecordFailure increments the failure streak and trips the circuit once
// FailureThreshold is reached, or re-opens immediately from HalfOpen since
// a probe failure means the server is still unhealthy.
func (b *Breaker) RecordFailure() {
	switch State(b.state.Load()) {
	case HalfOpen:
		b.transitionToOpen()
	case Closed:
		n := b.failureCount.Add(1)
		if int(n) >= b.cfg.FailureThreshold {
			b.transitionToOpen()
		}
	}
}

func (b *Breaker) transitionToOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Store(int32(Open))
	b.openedAt.Store(time.Now().UnixNano())
	b.halfOpenInFlight.Store(0)
}

// CurrentState returns the current disposition for observability.
func (b *Breaker) CurrentState() State {
	return State(b.state.Load())
}
