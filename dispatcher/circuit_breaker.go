package dispatcher

import (
	"sync"
	"time"
)

// circuitState represents the state of the circuit breaker.
type circuitState int

const (
	circuitClosed   circuitState = iota // Normal operation
	circuitHalfOpen                     // Testing recovery
	circuitOpen                         // Rejecting calls
)

// circuitBreaker sheds dispatcher calls after consecutive failures so an
// outage fails fast instead of holding every producer on an HTTP timeout.
type circuitBreaker struct {
	mu    sync.Mutex
	state circuitState

	failureThreshold int
	cooldownPeriod   time.Duration

	consecutiveFailures int
	openedAt            time.Time
}

func newCircuitBreaker(failureThreshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		state:            circuitClosed,
		failureThreshold: failureThreshold,
		cooldownPeriod:   cooldown,
	}
}

// allow reports whether a call should be attempted. After the cooldown the
// breaker moves to half-open and allows calls again; every call is allowed
// while half-open, until a recorded success closes the circuit or a recorded
// failure re-opens it.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.state = circuitHalfOpen
		return true
	}
	return cb.state != circuitOpen
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.state = circuitClosed
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitHalfOpen {
		// Probe failed, re-open.
		cb.state = circuitOpen
		cb.openedAt = time.Now()
		return
	}
	cb.consecutiveFailures++
	if cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = circuitOpen
		cb.openedAt = time.Now()
	}
}
