package proxy

import (
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// CircuitBreakerConfig tunes the per-key breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	FailureWindow    time.Duration
	ResetTimeout     time.Duration
}

// DefaultCircuitBreakerConfig matches the production defaults: 3 qualifying
// failures within 60s open the circuit, probing again after 30 minutes.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    60 * time.Second,
		ResetTimeout:     30 * time.Minute,
	}
}

type keyCircuitState struct {
	state         string
	failureCount  int
	lastFailureAt time.Time
	openedAt      time.Time
}

// CircuitBreaker is a per-access-key failure-counting state machine. Only
// circuit-triggering error kinds advance it; all methods are safe for
// concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu     sync.Mutex
	states map[uint64]*keyCircuitState

	now            func() time.Time
	transitionHook func(state string)
}

// SetTransitionHook registers a callback invoked on every state transition
// with the new state name. The hook must be fast; it runs under the breaker
// lock.
func (b *CircuitBreaker) SetTransitionHook(hook func(state string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionHook = hook
}

func (b *CircuitBreaker) notifyLocked(state string) {
	if b.transitionHook != nil {
		b.transitionHook(state)
	}
}

// NewCircuitBreaker creates a breaker with the given configuration.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:    cfg,
		states: make(map[uint64]*keyCircuitState),
		now:    time.Now,
	}
}

// IsOpen reports whether the primary provider should be skipped for keyID.
// An open circuit past its reset timeout transitions to half-open and lets
// the probe call through.
func (b *CircuitBreaker) IsOpen(keyID uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[keyID]
	if !ok || state.state != CircuitOpen {
		return false
	}

	if b.now().After(state.openedAt.Add(b.cfg.ResetTimeout)) {
		state.state = CircuitHalfOpen
		b.notifyLocked(CircuitHalfOpen)
		log.WithField("access_key_id", strconv.FormatUint(keyID, 10)).Info("circuit half-open, probing primary")
		return false
	}
	return true
}

// RecordSuccess closes a half-open circuit and clears its failure count.
func (b *CircuitBreaker) RecordSuccess(keyID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[keyID]
	if !ok {
		return
	}
	if state.state == CircuitHalfOpen {
		state.state = CircuitClosed
		state.failureCount = 0
		state.openedAt = time.Time{}
		b.notifyLocked(CircuitClosed)
		log.WithField("access_key_id", strconv.FormatUint(keyID, 10)).Info("circuit closed after successful probe")
	}
}

// RecordFailure advances the breaker for circuit-triggering kinds. The
// failure count restarts when the previous failure fell outside the window.
func (b *CircuitBreaker) RecordFailure(keyID uint64, kind ErrorKind) {
	if !kind.TriggersCircuit() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, ok := b.states[keyID]
	if !ok {
		state = &keyCircuitState{state: CircuitClosed}
		b.states[keyID] = state
	}

	if !state.lastFailureAt.IsZero() && now.After(state.lastFailureAt.Add(b.cfg.FailureWindow)) {
		state.failureCount = 0
	}

	state.failureCount++
	state.lastFailureAt = now

	if state.failureCount >= b.cfg.FailureThreshold {
		if state.state != CircuitOpen {
			b.notifyLocked(CircuitOpen)
			log.WithFields(log.Fields{
				"access_key_id": strconv.FormatUint(keyID, 10),
				"failures":      state.failureCount,
			}).Warn("circuit opened")
		}
		state.state = CircuitOpen
		state.openedAt = now
	}
}

// State returns the current state name for keyID.
func (b *CircuitBreaker) State(keyID uint64) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state, ok := b.states[keyID]; ok {
		return state.state
	}
	return CircuitClosed
}

// Reset clears all per-key state. Intended for tests.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = make(map[uint64]*keyCircuitState)
}
