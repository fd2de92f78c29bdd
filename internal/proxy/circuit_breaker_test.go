package proxy

import (
	"testing"
	"time"
)

func newTestBreaker() (*CircuitBreaker, *time.Time) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	breaker := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	breaker.now = func() time.Time { return current }
	return breaker, &current
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	breaker, _ := newTestBreaker()

	breaker.RecordFailure(1, ErrKindRateLimit)
	breaker.RecordFailure(1, ErrKindServerError)
	if breaker.IsOpen(1) {
		t.Fatal("circuit open before threshold")
	}

	breaker.RecordFailure(1, ErrKindRateLimit)
	if !breaker.IsOpen(1) {
		t.Fatal("circuit not open after 3 failures")
	}
	if got := breaker.State(1); got != CircuitOpen {
		t.Fatalf("state = %q, want %q", got, CircuitOpen)
	}
}

func TestCircuitIgnoresNonTriggerKinds(t *testing.T) {
	breaker, _ := newTestBreaker()

	for i := 0; i < 10; i++ {
		breaker.RecordFailure(1, ErrKindClientError)
		breaker.RecordFailure(1, ErrKindTimeout)
		breaker.RecordFailure(1, ErrKindNetwork)
	}
	if breaker.IsOpen(1) {
		t.Fatal("non-trigger kinds opened the circuit")
	}
}

func TestCircuitWindowRestartsCount(t *testing.T) {
	breaker, now := newTestBreaker()

	breaker.RecordFailure(1, ErrKindRateLimit)
	breaker.RecordFailure(1, ErrKindRateLimit)

	// Previous failure falls outside the window, so the count restarts.
	*now = now.Add(2 * time.Minute)
	breaker.RecordFailure(1, ErrKindRateLimit)
	breaker.RecordFailure(1, ErrKindRateLimit)
	if breaker.IsOpen(1) {
		t.Fatal("stale failures counted toward threshold")
	}

	breaker.RecordFailure(1, ErrKindRateLimit)
	if !breaker.IsOpen(1) {
		t.Fatal("circuit not open after 3 failures inside window")
	}
}

func TestCircuitHalfOpenProbe(t *testing.T) {
	breaker, now := newTestBreaker()

	for i := 0; i < 3; i++ {
		breaker.RecordFailure(1, ErrKindServerError)
	}
	if !breaker.IsOpen(1) {
		t.Fatal("circuit should be open")
	}

	*now = now.Add(31 * time.Minute)
	if breaker.IsOpen(1) {
		t.Fatal("circuit still blocking after reset timeout")
	}
	if got := breaker.State(1); got != CircuitHalfOpen {
		t.Fatalf("state = %q, want %q", got, CircuitHalfOpen)
	}

	breaker.RecordSuccess(1)
	if got := breaker.State(1); got != CircuitClosed {
		t.Fatalf("state = %q, want %q", got, CircuitClosed)
	}
}

func TestCircuitSuccessOnlyClosesHalfOpen(t *testing.T) {
	breaker, _ := newTestBreaker()

	breaker.RecordFailure(1, ErrKindRateLimit)
	breaker.RecordFailure(1, ErrKindRateLimit)
	breaker.RecordSuccess(1)
	breaker.RecordFailure(1, ErrKindRateLimit)
	if !breaker.IsOpen(1) {
		t.Fatal("success in closed state should not clear the failure count")
	}
}

func TestCircuitKeysAreIndependent(t *testing.T) {
	breaker, _ := newTestBreaker()

	for i := 0; i < 3; i++ {
		breaker.RecordFailure(1, ErrKindRateLimit)
	}
	if breaker.IsOpen(2) {
		t.Fatal("failures leaked across keys")
	}
}
