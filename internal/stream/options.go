package stream

import (
	"fmt"
	"time"

	"github.com/dskow/intel-stream/internal/backoff"
	"github.com/dskow/intel-stream/internal/config"
)

// Options are the per-connection tunables. All of them may be replaced at
// runtime with UpdateOptions.
type Options struct {
	// MaxReconnectAttempts is the number of scheduled retries after a loss
	// before the feed is handed to fallback (or declared offline).
	MaxReconnectAttempts int
	Backoff              backoff.Policy

	HeartbeatTimeout time.Duration
	ConnectTimeout   time.Duration

	FallbackEnabled  bool
	FallbackInterval time.Duration

	// ReconnectGrace delays the reopen after Reconnect or a server
	// reconnection hint.
	ReconnectGrace time.Duration
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MaxReconnectAttempts: 5,
		Backoff:              backoff.Default(),
		HeartbeatTimeout:     45 * time.Second,
		ConnectTimeout:       15 * time.Second,
		FallbackEnabled:      true,
		FallbackInterval:     30 * time.Second,
		ReconnectGrace:       250 * time.Millisecond,
	}
}

// OptionsFromConfig applies campaign mode and maps the client section.
func OptionsFromConfig(c config.ClientConfig) Options {
	return Options{
		MaxReconnectAttempts: c.EffectiveMaxAttempts(),
		Backoff: backoff.Policy{
			Base:        c.BaseDelay,
			Max:         c.EffectiveMaxDelay(),
			Multiplier:  c.Multiplier,
			JitterRatio: c.Jitter(),
		},
		HeartbeatTimeout: c.HeartbeatTimeout,
		ConnectTimeout:   c.ConnectTimeout,
		FallbackEnabled:  c.IsFallbackEnabled(),
		FallbackInterval: c.FallbackInterval,
		ReconnectGrace:   c.ReconnectGrace,
	}
}

// Validate rejects options that would hot-loop or never time out.
func (o Options) Validate() error {
	if o.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must be non-negative, got %d", o.MaxReconnectAttempts)
	}
	if err := o.Backoff.Validate(); err != nil {
		return err
	}
	if o.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive")
	}
	if o.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	if o.FallbackEnabled && o.FallbackInterval <= 0 {
		return fmt.Errorf("fallback interval must be positive when fallback is enabled")
	}
	if o.ReconnectGrace < 0 {
		return fmt.Errorf("reconnect grace must be non-negative")
	}
	return nil
}
