package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/intel-stream/internal/clock"
	"github.com/dskow/intel-stream/internal/metrics"
)

// ConsecutiveBreaker trips after FailureThreshold consecutive failures.
// A single success while closed forgives earlier failures.
type ConsecutiveBreaker struct {
	mu sync.Mutex

	state  State
	feed   string
	clock  clock.Clock
	logger *slog.Logger

	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	failures      int
	successes     int
	nextRetryAt   time.Time
	probeInFlight bool
}

// NewConsecutiveBreaker creates a breaker for the given feed.
func NewConsecutiveBreaker(feed string, cfg Config, clk clock.Clock, logger *slog.Logger) *ConsecutiveBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	metrics.BreakerState.WithLabelValues(feed).Set(float64(StateClosed))
	return &ConsecutiveBreaker{
		state:            StateClosed,
		feed:             feed,
		clock:            clk,
		logger:           logger,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		cooldown:         cfg.Cooldown,
	}
}

func (b *ConsecutiveBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Before(b.nextRetryAt) {
			return false
		}
		b.transitionTo(StateHalfOpen)
		b.probeInFlight = true
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return true
	}
}

func (b *ConsecutiveBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.successes++
		if b.successes >= b.successThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

func (b *ConsecutiveBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	case StateOpen:
		// A failure reported while open (e.g. a probe admitted before a
		// concurrent trip) restarts the cooldown.
		b.nextRetryAt = b.clock.Now().Add(b.cooldown)
	}
}

// Release frees the half-open probe slot without counting an outcome.
func (b *ConsecutiveBreaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

func (b *ConsecutiveBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *ConsecutiveBreaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.nextRetryAt
}

func (b *ConsecutiveBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
	b.failures = 0
}

// Failures returns the current consecutive failure count.
func (b *ConsecutiveBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// UpdateConfig applies new thresholds (config hot-reload). Counters are kept.
func (b *ConsecutiveBreaker) UpdateConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.FailureThreshold > 0 {
		b.failureThreshold = cfg.FailureThreshold
	}
	if cfg.SuccessThreshold > 0 {
		b.successThreshold = cfg.SuccessThreshold
	}
	if cfg.Cooldown > 0 {
		b.cooldown = cfg.Cooldown
	}
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *ConsecutiveBreaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.BreakerTransitions.WithLabelValues(b.feed, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.feed).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"feed", b.feed,
		"from", from.String(),
		"to", newState.String(),
	)

	switch newState {
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.probeInFlight = false
		b.nextRetryAt = time.Time{}
	case StateOpen:
		b.nextRetryAt = b.clock.Now().Add(b.cooldown)
		b.successes = 0
		b.probeInFlight = false
	case StateHalfOpen:
		b.successes = 0
		b.probeInFlight = false
	}
}
