package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/intel-stream/internal/clock"
	"github.com/dskow/intel-stream/internal/config"
	"github.com/dskow/intel-stream/internal/events"
	"github.com/dskow/intel-stream/internal/metrics"
	"github.com/dskow/intel-stream/internal/stream"
)

// Source is the connection a Monitor observes.
type Source interface {
	Feed() string
	Metrics() stream.Metrics
}

type point struct {
	at            time.Time
	messages      uint64
	reconnections uint64
}

// Monitor rates one feed on a fixed tick and publishes HealthChanged when
// the rating moves. It never influences the connection it observes.
type Monitor struct {
	src    Source
	router *events.Router
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	scorer  Scorer
	tick    time.Duration
	window  time.Duration
	history []point
	quality events.Quality
	score   float64

	ticker *clock.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// NewMonitor creates a stopped monitor. router may be nil when only the
// gauge and Quality are wanted.
func NewMonitor(src Source, cfg config.HealthConfig, router *events.Router, clk clock.Clock, logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		src:    src,
		router: router,
		clock:  clk,
		logger: logger.With("feed", src.Feed()),
		scorer: NewScorer(cfg),
		tick:   cfg.Tick,
		window: cfg.Window,
	}
}

// Start begins ticking. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticker != nil {
		return
	}
	m.ticker = m.clock.NewTicker(m.tick)
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.ticker, m.stop, m.done)
}

// Stop halts the ticker and waits for an in-progress check to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.ticker == nil {
		m.mu.Unlock()
		return
	}
	m.ticker.Stop()
	m.ticker = nil
	close(m.stop)
	done := m.done
	m.mu.Unlock()
	<-done
}

func (m *Monitor) loop(t *clock.Ticker, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-t.C:
			m.Check()
		case <-stop:
			return
		}
	}
}

// UpdateConfig applies new scoring and window settings. A changed tick
// takes effect on the next Start.
func (m *Monitor) UpdateConfig(cfg config.HealthConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scorer = NewScorer(cfg)
	m.window = cfg.Window
	m.tick = cfg.Tick
}

// Quality returns the latest rating and score. The rating is empty before
// the first check.
func (m *Monitor) Quality() (events.Quality, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality, m.score
}

// Check samples the connection once and returns the new rating.
func (m *Monitor) Check() events.Quality {
	met := m.src.Metrics()
	now := m.clock.Now()

	m.mu.Lock()
	cur := point{at: now, messages: met.MessagesReceived + met.FallbackMessages, reconnections: met.Reconnections}
	m.history = append(m.history, cur)
	cutoff := now.Add(-m.window)
	drop := 0
	for drop < len(m.history)-1 && m.history[drop].at.Before(cutoff) {
		drop++
	}
	m.history = m.history[drop:]
	base := m.history[0]

	sample := Sample{
		State:           met.State,
		Now:             now,
		LastHeartbeatAt: met.LastHeartbeatAt,
		Reconnections:   cur.reconnections - base.reconnections,
	}
	if elapsed := now.Sub(base.at).Seconds(); elapsed > 0 {
		sample.MessageRate = float64(cur.messages-base.messages) / elapsed
	}
	score := m.scorer.Value(sample)
	q := m.scorer.Score(sample)
	prev := m.quality
	m.quality, m.score = q, score
	m.mu.Unlock()

	feed := m.src.Feed()
	metrics.HealthScore.WithLabelValues(feed).Set(score)
	if q != prev {
		m.logger.Info("connection quality changed", "from", string(prev), "to", string(q), "score", score)
		if m.router != nil {
			m.router.Emit(events.HealthChanged{
				Header:   events.Header{Feed: feed, At: now},
				Previous: prev,
				Current:  q,
				Score:    score,
			})
		}
	}
	return q
}
