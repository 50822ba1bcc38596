// Package circuitbreaker gates stream connection attempts so that a
// collapsed backend is not hammered by every client retrying at once.
package circuitbreaker

import "time"

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; attempts pass through.
	StateOpen                  // Tripped; attempts are blocked until the cooldown expires.
	StateHalfOpen              // Probing; one attempt at a time tests recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
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

// Breaker is what the stream connection consults before every attempt.
type Breaker interface {
	// Allow reports whether a connection attempt may proceed.
	Allow() bool

	// RecordSuccess records a successful connection.
	RecordSuccess()

	// RecordFailure records a failed connection.
	RecordFailure()

	// Release gives back an admitted attempt whose outcome was discarded,
	// so a half-open breaker can admit the next probe.
	Release()

	// State returns the current circuit breaker state.
	State() State

	// RetryAt returns when an open breaker will next admit a probe. The
	// zero time means attempts are not blocked.
	RetryAt() time.Time

	// Reset forces the breaker back to closed state.
	Reset()
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

// DefaultConfig returns the thresholds used when config leaves them unset.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         60 * time.Second,
	}
}
