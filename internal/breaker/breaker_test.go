package breaker

import (
	"testing"
	"time"
)

func TestClosedAllowsUntilThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenDuration: time.Minute, HalfOpenMaxProbes: 1})

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("Allow() = false before threshold reached (i=%d)", i)
		}
		b.RecordFailure()
	}
	if b.CurrentState() != Closed {
		t.Fatalf("state = %v, want Closed before threshold", b.CurrentState())
	}

	b.RecordFailure() // third consecutive failure trips the circuit
	if b.CurrentState() != Open {
		t.Fatalf("state = %v, want Open after threshold", b.CurrentState())
	}
	if b.Allow() {
		t.Fatal("Allow() = true while Open and within OpenDuration")
	}
}

func TestHalfOpenAfterOpenDuration(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond, HalfOpenMaxProbes: 1})
	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("state = %v, want Open", b.CurrentState())
	}

	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("Allow() = false after OpenDuration elapsed, want a half-open probe through")
	}
	if b.CurrentState() != HalfOpen {
		t.Fatalf("state = %v, want HalfOpen", b.CurrentState())
	}
}

func TestHalfOpenProbeBudget(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: time.Millisecond, HalfOpenMaxProbes: 1})
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("first half-open probe should be allowed")
	}
	if b.Allow() {
		t.Fatal("second concurrent half-open probe should be rejected when HalfOpenMaxProbes=1")
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: time.Millisecond, HalfOpenMaxProbes: 1})
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	b.Allow()
	b.RecordSuccess()
	if b.CurrentState() != Closed {
		t.Fatalf("state = %v, want Closed after successful half-open probe", b.CurrentState())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenDuration: time.Millisecond, HalfOpenMaxProbes: 1})
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	b.Allow()
	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("state = %v, want Open after failed half-open probe", b.CurrentState())
	}
}
