package health

import (
	"time"

	"github.com/dskow/intel-stream/internal/config"
	"github.com/dskow/intel-stream/internal/events"
)

// Component weights and rating thresholds.
const (
	weightHeartbeat = 0.4
	weightRate      = 0.3
	weightReconnect = 0.3

	thresholdExcellent = 0.9
	thresholdGood      = 0.75
	thresholdFair      = 0.5
	thresholdPoor      = 0.25

	reconnectPenalty = 0.2
)

// Sample is what a rating is computed from.
type Sample struct {
	State           events.State
	Now             time.Time
	LastHeartbeatAt time.Time
	// MessageRate is messages per second over the rolling window.
	MessageRate float64
	// Reconnections counts reconnects within the rolling window.
	Reconnections uint64
}

// Scorer maps a Sample to a quality rating. The zero value is not useful;
// use NewScorer.
type Scorer struct {
	HeartbeatFresh time.Duration
	MinMessageRate float64
}

// NewScorer builds a scorer from the health config section.
func NewScorer(cfg config.HealthConfig) Scorer {
	return Scorer{HeartbeatFresh: cfg.HeartbeatFresh, MinMessageRate: cfg.MinMessageRate}
}

// Value returns the weighted score in [0, 1].
func (s Scorer) Value(sm Sample) float64 {
	if sm.State == events.StateClosed || sm.State == events.StateOffline {
		return 0
	}

	// Half credit unless a heartbeat arrived within the freshness window.
	hb := 0.5
	if !sm.LastHeartbeatAt.IsZero() && sm.Now.Sub(sm.LastHeartbeatAt) < s.HeartbeatFresh {
		hb = 1
	}

	rate := 1.0
	if s.MinMessageRate > 0 && sm.MessageRate < s.MinMessageRate {
		rate = sm.MessageRate / s.MinMessageRate
	}

	rc := 1 - float64(sm.Reconnections)*reconnectPenalty
	if rc < 0 {
		rc = 0
	}

	return weightHeartbeat*hb + weightRate*rate + weightReconnect*rc
}

// Score rates a sample. Closed and offline feeds are critical; a feed on
// fallback is never rated above poor.
func (s Scorer) Score(sm Sample) events.Quality {
	q := Rate(s.Value(sm))
	if sm.State == events.StateFallbackActive && rank(q) > rank(events.QualityPoor) {
		q = events.QualityPoor
	}
	return q
}

// Rate maps a score to the five-level scale.
func Rate(v float64) events.Quality {
	switch {
	case v >= thresholdExcellent:
		return events.QualityExcellent
	case v >= thresholdGood:
		return events.QualityGood
	case v >= thresholdFair:
		return events.QualityFair
	case v >= thresholdPoor:
		return events.QualityPoor
	default:
		return events.QualityCritical
	}
}

func rank(q events.Quality) int {
	switch q {
	case events.QualityExcellent:
		return 4
	case events.QualityGood:
		return 3
	case events.QualityFair:
		return 2
	case events.QualityPoor:
		return 1
	default:
		return 0
	}
}
