// Package fallback polls a snapshot endpoint over plain HTTP while the push
// stream is unavailable, republishing each snapshot tagged as fallback data.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/intel-stream/internal/clock"
	"github.com/dskow/intel-stream/internal/events"
	"github.com/dskow/intel-stream/internal/metrics"
)

// MaxSnapshotBytes bounds a snapshot response body.
const MaxSnapshotBytes = 4 << 20

// DefaultRequestTimeout bounds a single poll request.
const DefaultRequestTimeout = 10 * time.Second

// Sink receives each envelope decoded from a snapshot. It is never called
// with the poller's lock held.
type Sink func(events.Envelope)

// Config configures a Poller.
type Config struct {
	Feed string
	URL  string

	// HTTP defaults to http.DefaultClient.
	HTTP *http.Client
	// Decorate adds session headers to each request.
	Decorate func(*http.Request) error
	// MinGap is the minimum spacing between requests regardless of how
	// often the poller is activated. Zero disables the limit.
	MinGap         time.Duration
	RequestTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Poller fetches snapshots every interval while active. Activate and
// Deactivate never block on network I/O.
type Poller struct {
	cfg     Config
	limiter *rate.Limiter

	mu       sync.Mutex
	active   bool
	interval time.Duration
	sink     Sink
	epoch    uint64
	timer    *clock.Timer
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates an inactive poller.
func New(cfg Config) *Poller {
	if cfg.HTTP == nil {
		cfg.HTTP = http.DefaultClient
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	limit := rate.Inf
	if cfg.MinGap > 0 {
		limit = rate.Every(cfg.MinGap)
	}
	return &Poller{cfg: cfg, limiter: rate.NewLimiter(limit, 1)}
}

// Activate starts polling every interval, delivering to sink. The first
// poll is issued immediately unless the rate limit defers it. Activating
// while active with the same interval only replaces the sink; a different
// interval reschedules.
func (p *Poller) Activate(interval time.Duration, sink Sink) {
	if interval <= 0 {
		panic("fallback: non-positive poll interval")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active && interval == p.interval {
		p.sink = sink
		return
	}
	if p.active {
		p.stopLocked()
	} else {
		metrics.FallbackActive.WithLabelValues(p.cfg.Feed).Set(1)
		p.cfg.Logger.Info("fallback polling activated", "feed", p.cfg.Feed, "interval", interval, "url", p.cfg.URL)
	}

	p.active = true
	p.interval = interval
	p.sink = sink
	p.epoch++
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.startLocked(p.epoch)
}

// Deactivate stops polling and cancels any in-flight request. No-op when
// inactive.
func (p *Poller) Deactivate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	p.stopLocked()
	p.active = false
	p.sink = nil
	metrics.FallbackActive.WithLabelValues(p.cfg.Feed).Set(0)
	p.cfg.Logger.Info("fallback polling deactivated", "feed", p.cfg.Feed)
}

// Active reports whether the poller is running.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Interval returns the current poll interval, zero when inactive.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return 0
	}
	return p.interval
}

func (p *Poller) stopLocked() {
	p.epoch++
	p.timer.Stop()
	p.timer = nil
	if p.cancel != nil {
		p.cancel()
	}
}

// startLocked issues a poll now if the limiter allows, else schedules one.
func (p *Poller) startLocked(epoch uint64) {
	now := p.cfg.Clock.Now()
	if !p.limiter.AllowN(now, 1) {
		metrics.FallbackPolls.WithLabelValues(p.cfg.Feed, "limited").Inc()
		p.scheduleLocked(epoch, p.cfg.MinGap)
		return
	}
	go p.run(p.ctx, epoch)
}

func (p *Poller) scheduleLocked(epoch uint64, d time.Duration) {
	p.timer.Stop()
	p.timer = p.cfg.Clock.AfterFunc(d, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.active || epoch != p.epoch {
			return
		}
		p.timer = nil
		p.startLocked(epoch)
	})
}

func (p *Poller) run(ctx context.Context, epoch uint64) {
	envs, err := p.fetch(ctx)
	if ctx.Err() != nil {
		// Deactivated or rescheduled while in flight.
		return
	}
	if err != nil {
		metrics.FallbackPolls.WithLabelValues(p.cfg.Feed, "error").Inc()
		p.cfg.Logger.Warn("fallback poll failed", "feed", p.cfg.Feed, "url", p.cfg.URL, "error", err)
	} else {
		metrics.FallbackPolls.WithLabelValues(p.cfg.Feed, "ok").Inc()
	}

	p.mu.Lock()
	if !p.active || epoch != p.epoch {
		p.mu.Unlock()
		return
	}
	sink := p.sink
	p.scheduleLocked(epoch, p.interval)
	p.mu.Unlock()

	if err != nil || sink == nil {
		return
	}
	for _, env := range envs {
		sink(env)
	}
}

// StatusError is returned for a non-2xx poll response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fallback: unexpected status %d", e.StatusCode)
}

// PollOnce performs a single request and returns the decoded envelopes
// without publishing them.
func (p *Poller) PollOnce(ctx context.Context) ([]events.Envelope, error) {
	return p.fetch(ctx)
}

func (p *Poller) fetch(ctx context.Context) ([]events.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("fallback: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.Decorate != nil {
		if err := p.cfg.Decorate(req); err != nil {
			return nil, fmt.Errorf("fallback: decorate request: %w", err)
		}
	}

	resp, err := p.cfg.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxSnapshotBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fallback: read body: %w", err)
	}
	if len(body) > MaxSnapshotBytes {
		return nil, errors.New("fallback: snapshot exceeds size limit")
	}
	return Decode(body, p.cfg.Clock.Now())
}

type snapshotEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	ID   string          `json:"id"`
}

type snapshot struct {
	Events []json.RawMessage `json:"events"`
	snapshotEvent
}

// Decode turns one snapshot body into envelopes. Accepted shapes:
//
//	{"type": "alert", "data": {...}}
//	{"events": [{"type": "alert", "data": {...}, "id": "7"}, ...]}
//
// Any other JSON value is published whole as type "intelligence".
func Decode(body []byte, receivedAt time.Time) ([]events.Envelope, error) {
	if !json.Valid(body) {
		return nil, errors.New("fallback: snapshot is not valid JSON")
	}

	var snap snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		// Arrays, strings and numbers land here.
		return []events.Envelope{whole(body, receivedAt)}, nil
	}

	switch {
	case snap.Events != nil:
		out := make([]events.Envelope, 0, len(snap.Events))
		for _, raw := range snap.Events {
			var ev snapshotEvent
			if err := json.Unmarshal(raw, &ev); err != nil || ev.Type == "" {
				out = append(out, whole(raw, receivedAt))
				continue
			}
			out = append(out, envelope(ev, receivedAt))
		}
		return out, nil
	case snap.Type != "" && snap.Data != nil:
		return []events.Envelope{envelope(snap.snapshotEvent, receivedAt)}, nil
	default:
		return []events.Envelope{whole(body, receivedAt)}, nil
	}
}

func envelope(ev snapshotEvent, at time.Time) events.Envelope {
	data := ev.Data
	if data == nil {
		data = json.RawMessage("null")
	}
	return events.Envelope{
		Type:       ev.Type,
		Payload:    data,
		ReceivedAt: at,
		Source:     events.SourceFallback,
		ID:         ev.ID,
	}
}

func whole(body []byte, at time.Time) events.Envelope {
	return events.Envelope{
		Type:       events.TypeIntelligence,
		Payload:    append(json.RawMessage(nil), body...),
		ReceivedAt: at,
		Source:     events.SourceFallback,
	}
}
