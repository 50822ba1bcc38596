// Package backoff computes reconnect delays: exponential growth from a base
// delay, capped at a ceiling, with a jitter band centered on the computed
// value so that many clients do not retry in lockstep.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrNegativeAttempt is returned by NextDelay for attempt < 0. A negative
// attempt is a caller bug; clamping it to zero would hide a hot loop.
var ErrNegativeAttempt = errors.New("backoff: negative attempt")

// Defaults used when a Policy field is left zero by config.
const (
	DefaultBase        = 2 * time.Second
	DefaultMax         = 30 * time.Second
	DefaultMultiplier  = 2.0
	DefaultJitterRatio = 0.2
)

// Policy is the immutable part of a retry context.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	JitterRatio float64

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		Base:        DefaultBase,
		Max:         DefaultMax,
		Multiplier:  DefaultMultiplier,
		JitterRatio: DefaultJitterRatio,
	}
}

// Validate rejects configurations that could produce zero, negative, or
// non-finite delays.
func (p Policy) Validate() error {
	if p.Base <= 0 {
		return fmt.Errorf("backoff: base delay must be positive, got %v", p.Base)
	}
	if p.Max < p.Base {
		return fmt.Errorf("backoff: max delay %v is below base delay %v", p.Max, p.Base)
	}
	if math.IsNaN(p.Multiplier) || math.IsInf(p.Multiplier, 0) || p.Multiplier < 1 {
		return fmt.Errorf("backoff: multiplier must be finite and >= 1, got %v", p.Multiplier)
	}
	if math.IsNaN(p.JitterRatio) || p.JitterRatio < 0 || p.JitterRatio > 1 {
		return fmt.Errorf("backoff: jitter ratio must be within [0, 1], got %v", p.JitterRatio)
	}
	return nil
}

// Exponential returns the unjittered delay for attempt, saturating at Max.
func (p Policy) Exponential(attempt int) (time.Duration, error) {
	if attempt < 0 {
		return 0, ErrNegativeAttempt
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.Max) {
		return p.Max, nil
	}
	return time.Duration(d), nil
}

// NextDelay returns the delay before retry number attempt (0-based). The
// result lies within ±JitterRatio/2 of Exponential(attempt) and never
// exceeds Max.
func (p Policy) NextDelay(attempt int) (time.Duration, error) {
	d, err := p.Exponential(attempt)
	if err != nil {
		return 0, err
	}
	r := p.random()
	factor := (1 - p.JitterRatio/2) + r*p.JitterRatio
	jittered := time.Duration(float64(d) * factor)
	if jittered > p.Max {
		jittered = p.Max
	}
	if jittered <= 0 {
		jittered = time.Millisecond
	}
	return jittered, nil
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}
