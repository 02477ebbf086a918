package observability

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen indicates the circuit is open and operations are blocked for a timeout period.
	StateOpen
	// StateHalfOpen indicates a trial state where a single operation is allowed to test recovery.
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards one downstream. Closed counts failures toward the
// threshold; open blocks until the reset timeout, after which exactly one
// half-open probe is allowed. A probe success closes, a probe failure reopens.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration

	state           CircuitBreakerState
	failureCount    int
	lastFailureTime time.Time
	probeInFlight   bool

	totalRequests int64
	totalFailures int64
	stateChanges  int64
}

// NewCircuitBreaker creates a breaker with the given failure threshold and reset timeout.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            StateClosed,
	}
}

// Allow reports whether an operation may proceed, transitioning open→half-open
// once the reset timeout has elapsed. In half-open only one probe is admitted.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.probeInFlight = true
			cb.stateChanges++
			slog.Info("circuit breaker transitioning to half-open",
				slog.Duration("reset_timeout", cb.resetTimeout))
			return true
		}
		return false
	case StateHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful operation. In half-open it closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.probeInFlight = false

	if cb.state == StateHalfOpen || cb.state == StateOpen {
		cb.state = StateClosed
		cb.stateChanges++
		slog.Info("circuit breaker closed after successful probe")
	}
	cb.failureCount = 0
}

// RecordFailure records a failed operation and returns true when this failure
// opened the circuit (the caller fires the alert exactly once per opening).
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureTime = time.Now()
	cb.probeInFlight = false

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
			cb.stateChanges++
			slog.Warn("circuit breaker opened",
				slog.Int("failure_count", cb.failureCount),
				slog.Int("failure_threshold", cb.failureThreshold))
			return true
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.stateChanges++
		slog.Warn("circuit breaker reopened after failed probe",
			slog.Int("failure_count", cb.failureCount))
	}
	return false
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns circuit breaker statistics for the status endpoint.
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"state":             cb.state.String(),
		"failure_threshold": cb.failureThreshold,
		"reset_timeout":     cb.resetTimeout.String(),
		"failure_count":     cb.failureCount,
		"total_requests":    cb.totalRequests,
		"total_failures":    cb.totalFailures,
		"state_changes":     cb.stateChanges,
		"last_failure":      cb.lastFailureTime.Format(time.RFC3339),
	}
}
