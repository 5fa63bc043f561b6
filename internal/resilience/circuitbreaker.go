package resilience

import (
	"sync"
	"time"

	"github.com/customfit/cf-client-go/internal/domain"
)

// State is the circuit breaker's current mode (spec §4.9).
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes the trip/reset thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int           // default 3
	ResetTimeout     time.Duration // default 30s
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: 30 * time.Second}
}

// CircuitBreaker implements the closed -> open -> half_open -> closed
// state machine from spec §4.9. Unlike the teacher's CanAttempt/
// RecordSuccess/RecordFailure split (three separately-locked calls,
// which races a half-open "second caller" slipping through between
// CanAttempt and the state mutation), Allow returns a permit token
// that must be resolved via Success/Failure; the permit itself
// reserves the single half-open attempt under the same lock
// acquisition that checks state, so a second caller during half-open
// is rejected rather than racing the first.
type CircuitBreaker struct {
	mu                 sync.Mutex
	cfg                CircuitBreakerConfig
	state              State
	consecutiveFailures int
	openedAt           time.Time
	halfOpenInFlight   bool
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Permit is returned by Allow and must be resolved exactly once.
type Permit struct {
	cb      *CircuitBreaker
	resolved bool
}

// Allow reports whether a call may proceed. When state is open and
// ResetTimeout has not elapsed, it fails fast (spec §8 invariant 6).
// When open and the timeout has elapsed, it transitions to half_open
// and grants exactly one permit; subsequent Allow calls during
// half_open are rejected until that permit resolves.
func (cb *CircuitBreaker) Allow() (*Permit, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return &Permit{cb: cb}, true

	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.ResetTimeout {
			return nil, false
		}
		cb.state = StateHalfOpen
		cb.halfOpenInFlight = true
		return &Permit{cb: cb}, true

	case StateHalfOpen:
		if cb.halfOpenInFlight {
			return nil, false
		}
		cb.halfOpenInFlight = true
		return &Permit{cb: cb}, true

	default:
		return nil, false
	}
}

// Success resolves the permit as a success.
func (p *Permit) Success() {
	if p.resolved {
		return
	}
	p.resolved = true
	p.cb.recordSuccess()
}

// Failure resolves the permit as a failure.
func (p *Permit) Failure() {
	if p.resolved {
		return
	}
	p.resolved = true
	p.cb.recordFailure()
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateClosed
		cb.consecutiveFailures = 0
		cb.halfOpenInFlight = false
	case StateClosed:
		cb.consecutiveFailures = 0
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.halfOpenInFlight = false
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = time.Now()
		}
	}
}

// Reset clears the breaker back to closed, for explicit host recovery
// (spec §4.9).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.halfOpenInFlight = false
}

// CurrentState returns the current mode, for diagnostics/metrics.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ErrCircuitOpen is returned by Execute when the breaker rejects a
// call. It's a Network-category error per spec §4.9: "not retried by
// WithRetry within the same call".
var ErrCircuitOpen = domain.NewError(domain.CategoryNetwork, domain.SeverityMedium, "circuit breaker open", nil)

// Execute runs op through the breaker, resolving the permit from op's
// result. Returns ErrCircuitOpen without calling op if the breaker
// rejects the attempt.
func (cb *CircuitBreaker) Execute(op func() error) error {
	permit, ok := cb.Allow()
	if !ok {
		return ErrCircuitOpen
	}
	err := op()
	if err != nil {
		permit.Failure()
		return err
	}
	permit.Success()
	return nil
}
