package overlay

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's tri-state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig tunes a per-overlay breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
}

// DefaultBreakerConfig returns the kernel defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}
}

// CircuitBreaker isolates a persistently failing overlay. CLOSED → OPEN after
// FailureThreshold consecutive failures; OPEN → HALF_OPEN once the recovery
// timeout elapses; the half-open window admits exactly one probe, serialized
// under the breaker's lock, then commits to CLOSED or OPEN on its outcome.
type CircuitBreaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
	clock       func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.clock = clock
	return cb
}

// Allow reports whether a call may proceed. In the half-open window only the
// first caller gets through; concurrent callers see the breaker as open until
// the probe commits.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.clock().Sub(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
			cb.state = BreakerHalfOpen
			cb.probing = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// Success records a successful call. A half-open probe success closes the
// breaker and clears the failure count.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
	cb.state = BreakerClosed
}

// Failure records a failed call. The half-open probe failing reopens the
// breaker immediately; in CLOSED the consecutive-failure counter drives the
// threshold transition.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailure = cb.clock()
	cb.probing = false

	if cb.state == BreakerHalfOpen {
		cb.state = BreakerOpen
		return
	}
	cb.failures++
	if cb.failures >= cb.cfg.FailureThreshold {
		cb.state = BreakerOpen
	}
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current failure run length.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
