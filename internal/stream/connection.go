// Package stream owns the lifecycle of one push-stream feed: it opens the
// transport, dispatches inbound frames, retries with backoff behind a
// circuit breaker, and hands the feed to fallback polling (or declares it
// offline) when retries are exhausted.
//
// All state lives behind a single mutex. Blocking I/O runs on goroutines
// that re-enter through generation-checked callbacks, so a result from an
// attempt that was superseded or disconnected is discarded. Events are
// queued under the lock and dispatched by one drainer after it is released,
// which lets handlers call back into the connection.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/intel-stream/internal/circuitbreaker"
	"github.com/dskow/intel-stream/internal/clock"
	"github.com/dskow/intel-stream/internal/events"
	"github.com/dskow/intel-stream/internal/metrics"
	"github.com/dskow/intel-stream/internal/streamerr"
)

var (
	// ErrEmptyTarget is wrapped in a FatalConfiguration error by Connect.
	ErrEmptyTarget = errors.New("stream target is empty")

	// ErrClosed is returned by operations on a connection after Close.
	ErrClosed = errors.New("stream connection is closed")

	// ErrStale reports a stream that went quiet past the heartbeat timeout.
	ErrStale = errors.New("no frames within heartbeat timeout")

	// ErrBreakerOpen is carried by ReconnectFailed when the breaker blocked
	// the next attempt.
	ErrBreakerOpen = errors.New("circuit breaker is open")
)

// Deps are the collaborators of a Connection. Transport is required.
type Deps struct {
	Transport Transport
	Breaker   circuitbreaker.Breaker
	// Fallback may be nil, in which case exhausted retries go offline.
	Fallback Fallback
	Router   *events.Router
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Metrics is a point-in-time snapshot of a connection.
type Metrics struct {
	State               events.State
	MessagesReceived    uint64
	FallbackMessages    uint64
	ParseErrors         uint64
	Reconnections       uint64
	ConsecutiveFailures int
	LastMessageAt       time.Time
	LastHeartbeatAt     time.Time
	ConnectionStartedAt time.Time
	// TotalDowntime counts finalized outages only.
	TotalDowntime time.Duration
	// DownSince is the start of the current outage, zero while open.
	DownSince   time.Time
	LastEventID string
}

// Connection manages a single feed.
type Connection struct {
	feed      string
	transport Transport
	breaker   circuitbreaker.Breaker
	fallback  Fallback
	router    *events.Router
	clock     clock.Clock
	logger    *slog.Logger

	mu        sync.Mutex
	opts      Options
	target    string
	state     events.State
	gen       uint64
	attempt   int
	handedOff bool
	fbActive  bool
	closed    bool

	source     FrameSource
	cancel     context.CancelFunc
	retryFloor time.Duration
	lastFrame  time.Time

	retryTimer     *clock.Timer
	heartbeatTimer *clock.Timer
	graceTimer     *clock.Timer

	m Metrics

	outbox   []events.Event
	draining bool
	detached bool
}

// New creates an idle connection for feed. target is remembered for Start.
func New(feed, target string, opts Options, deps Deps) (*Connection, error) {
	if deps.Transport == nil {
		return nil, streamerr.New(streamerr.FatalConfiguration, feed, "new", errors.New("transport is required"))
	}
	if err := opts.Validate(); err != nil {
		return nil, streamerr.New(streamerr.FatalConfiguration, feed, "new", err)
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Router == nil {
		deps.Router = events.NewRouter(deps.Logger)
	}
	if deps.Breaker == nil {
		deps.Breaker = circuitbreaker.NewConsecutiveBreaker(feed, circuitbreaker.DefaultConfig(), deps.Clock, deps.Logger)
	}
	c := &Connection{
		feed:      feed,
		transport: deps.Transport,
		breaker:   deps.Breaker,
		fallback:  deps.Fallback,
		router:    deps.Router,
		clock:     deps.Clock,
		logger:    deps.Logger.With("feed", feed),
		opts:      opts,
		target:    target,
		state:     events.StateIdle,
	}
	metrics.ConnectionState.WithLabelValues(feed).Set(float64(events.StateIdle))
	return c, nil
}

// Feed returns the feed name.
func (c *Connection) Feed() string { return c.feed }

// Router returns the router events are published on.
func (c *Connection) Router() *events.Router { return c.router }

// Target returns the most recent connect target.
func (c *Connection) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// State returns the current state.
func (c *Connection) State() events.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Options returns the active options.
func (c *Connection) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Metrics returns a snapshot.
func (c *Connection) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.m
	m.State = c.state
	return m
}

// Start connects to the target given to New.
func (c *Connection) Start() error {
	return c.Connect(c.Target())
}

// Connect opens the stream to target. It is a no-op unless the connection
// is idle or disconnected; a connection that is retrying, polling, or
// offline keeps its current target.
func (c *Connection) Connect(target string) error {
	if target == "" {
		return streamerr.New(streamerr.FatalConfiguration, c.feed, "connect", ErrEmptyTarget)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != events.StateIdle && c.state != events.StateClosed {
		c.logger.Warn("connect ignored, stream already active", "state", c.state.String())
		c.mu.Unlock()
		return nil
	}
	c.graceTimer.Stop()
	c.graceTimer = nil
	c.target = target
	c.attempt = 0
	c.handedOff = false
	c.m.ConsecutiveFailures = 0
	c.setStateLocked(events.StateConnecting)
	c.attemptLocked()
	c.mu.Unlock()
	c.drain()
	return nil
}

// Disconnect stops the stream, every timer, and fallback polling. The
// connection can be reconnected afterwards. Calling it repeatedly is safe.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	src := c.disconnectLocked("client disconnect")
	c.mu.Unlock()
	if src != nil {
		src.Close()
	}
	c.drain()
}

func (c *Connection) disconnectLocked(reason string) FrameSource {
	prev := c.state
	if prev == events.StateIdle {
		return nil
	}
	c.setStateLocked(events.StateClosed)
	c.gen++

	c.retryTimer.Stop()
	c.heartbeatTimer.Stop()
	c.graceTimer.Stop()
	c.retryTimer, c.heartbeatTimer, c.graceTimer = nil, nil, nil

	src := c.source
	c.source = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	if c.fbActive {
		c.deactivateFallbackLocked()
	}
	c.finalizeDowntimeLocked(c.clock.Now())

	if prev == events.StateOpen {
		c.emitLocked(events.Disconnected{Header: c.header(), Reason: reason})
	}
	if prev != events.StateClosed {
		c.logger.Info("stream disconnected", "reason", reason, "from", prev.String())
	}
	return src
}

// Reconnect disconnects and reopens to target after the reconnect grace
// period. The retry budget starts fresh.
func (c *Connection) Reconnect(target string) error {
	if target == "" {
		return streamerr.New(streamerr.FatalConfiguration, c.feed, "reconnect", ErrEmptyTarget)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	src := c.disconnectLocked("reconnect requested")
	gen := c.gen
	c.graceTimer = c.clock.AfterFunc(c.opts.ReconnectGrace, func() {
		c.mu.Lock()
		stale := gen != c.gen || (c.state != events.StateClosed && c.state != events.StateIdle)
		c.mu.Unlock()
		if stale {
			return
		}
		if err := c.Connect(target); err != nil {
			c.logger.Debug("reconnect abandoned", "error", err)
		}
	})
	c.mu.Unlock()
	if src != nil {
		src.Close()
	}
	c.drain()
	return nil
}

// Close disconnects and stops publishing. A closed connection cannot be
// reused.
func (c *Connection) Close() error {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.detached = true
	c.outbox = nil
	c.mu.Unlock()
	return nil
}

// UpdateOptions replaces the options. The new backoff and attempt ceiling
// apply from the next failure; an active fallback picks up a changed
// interval immediately.
func (c *Connection) UpdateOptions(opts Options) error {
	if err := opts.Validate(); err != nil {
		return streamerr.New(streamerr.FatalConfiguration, c.feed, "update options", err)
	}
	c.mu.Lock()
	prev := c.opts
	c.opts = opts
	if c.fbActive {
		switch {
		case !opts.FallbackEnabled:
			c.deactivateFallbackLocked()
			c.setStateLocked(events.StateOffline)
			c.emitLocked(events.Offline{Header: c.header(), Attempts: c.attempt})
		case opts.FallbackInterval != prev.FallbackInterval:
			c.fallback.Activate(opts.FallbackInterval, c.publishFallback)
		}
	}
	if c.state == events.StateOpen && opts.HeartbeatTimeout != prev.HeartbeatTimeout {
		c.armHeartbeatLocked(opts.HeartbeatTimeout)
	}
	c.logger.Info("stream options updated",
		"max_reconnect_attempts", opts.MaxReconnectAttempts,
		"max_delay", opts.Backoff.Max,
		"fallback_interval", opts.FallbackInterval,
	)
	c.mu.Unlock()
	c.drain()
	return nil
}

// attemptLocked starts a transport attempt, or reschedules itself when the
// breaker refuses.
func (c *Connection) attemptLocked() {
	if !c.breaker.Allow() {
		c.handoffLocked(ErrBreakerOpen, true)
		delay := c.untilRetryAt()
		if delay <= 0 {
			delay = c.opts.Backoff.Base
		}
		c.logger.Debug("attempt blocked by breaker", "retry_in", delay)
		c.scheduleRetryLocked(delay)
		return
	}
	probe := c.breaker.State() == circuitbreaker.StateHalfOpen

	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	req := OpenRequest{
		Target:         c.target,
		LastEventID:    c.m.LastEventID,
		ConnectTimeout: c.opts.ConnectTimeout,
	}
	c.logger.Debug("opening stream", "target", req.Target, "attempt", c.attempt, "last_event_id", req.LastEventID)
	go c.dial(ctx, gen, req, probe)
}

// dial runs one attempt. A result that arrives after the attempt was
// superseded is dropped, and a dropped probe hands its slot back.
func (c *Connection) dial(ctx context.Context, gen uint64, req OpenRequest, probe bool) {
	src, err := c.transport.Open(ctx, req)

	c.mu.Lock()
	if gen != c.gen || c.state == events.StateClosed {
		if probe {
			c.breaker.Release()
		}
		c.mu.Unlock()
		if src != nil {
			src.Close()
		}
		return
	}
	if err != nil {
		c.failLocked(err, "open")
		c.mu.Unlock()
		c.drain()
		return
	}
	c.openedLocked(src)
	c.mu.Unlock()
	c.drain()

	c.read(gen, src)
}

func (c *Connection) openedLocked(src FrameSource) {
	now := c.clock.Now()
	c.source = src
	c.retryTimer.Stop()
	c.retryTimer = nil
	c.breaker.RecordSuccess()

	c.attempt = 0
	c.handedOff = false
	c.m.ConsecutiveFailures = 0
	c.m.ConnectionStartedAt = now
	c.lastFrame = now
	c.finalizeDowntimeLocked(now)

	if c.fbActive {
		c.deactivateFallbackLocked()
	}
	c.setStateLocked(events.StateOpen)
	c.emitLocked(events.Connected{Header: c.header(), Target: c.target, LastEventID: c.m.LastEventID})
	c.armHeartbeatLocked(c.opts.HeartbeatTimeout)
	c.logger.Info("stream connected", "target", c.target)
}

// failLocked handles a failed attempt or a lost stream.
func (c *Connection) failLocked(err error, op string) {
	now := c.clock.Now()
	wasOpen := c.state == events.StateOpen
	c.releaseTransportLocked()
	if c.m.DownSince.IsZero() {
		c.m.DownSince = now
	}

	serr := streamerr.New(streamerr.Transport, c.feed, op, err)
	metrics.TransportErrors.WithLabelValues(c.feed).Inc()
	if wasOpen {
		c.emitLocked(events.Disconnected{Header: c.header(), Reason: "stream lost", Err: serr})
	}

	c.attempt++
	c.m.ConsecutiveFailures++
	c.breaker.RecordFailure()
	breakerOpen := !c.breaker.RetryAt().IsZero()
	exhausted := c.attempt > c.opts.MaxReconnectAttempts

	delay := c.backoffLocked()
	if breakerOpen || exhausted {
		c.handoffLocked(serr, breakerOpen)
		if wait := c.untilRetryAt(); wait > delay {
			delay = wait
		}
	} else if !c.handedOff {
		c.setStateLocked(events.StateReconnecting)
	}

	c.m.Reconnections++
	metrics.Reconnections.WithLabelValues(c.feed).Inc()
	metrics.BackoffDelay.WithLabelValues(c.feed).Observe(delay.Seconds())
	c.emitLocked(events.Reconnecting{Header: c.header(), Attempt: c.attempt, Delay: delay, Err: serr})
	c.logger.Warn("stream attempt failed",
		"error", err,
		"attempt", c.attempt,
		"retry_in", delay,
		"breaker", c.breaker.State().String(),
	)
	c.scheduleRetryLocked(delay)
}

// handoffLocked moves a failing connection to fallback or offline. Only
// the first call per outage has any effect.
func (c *Connection) handoffLocked(err error, breakerOpen bool) {
	if c.handedOff {
		return
	}
	c.handedOff = true
	c.emitLocked(events.ReconnectFailed{
		Header:      c.header(),
		Attempts:    c.attempt,
		BreakerOpen: breakerOpen,
		Err:         streamerr.New(streamerr.RetryExhausted, c.feed, "reconnect", err),
	})

	if c.opts.FallbackEnabled && c.fallback != nil {
		c.setStateLocked(events.StateFallbackActive)
		c.fbActive = true
		c.fallback.Activate(c.opts.FallbackInterval, c.publishFallback)
		c.emitLocked(events.FallbackActivated{Header: c.header(), Interval: c.opts.FallbackInterval})
		c.logger.Warn("stream unavailable, polling fallback", "interval", c.opts.FallbackInterval, "breaker_open", breakerOpen)
		return
	}
	c.setStateLocked(events.StateOffline)
	c.emitLocked(events.Offline{Header: c.header(), Attempts: c.attempt})
	c.logger.Error("stream offline", "attempts", c.attempt, "breaker_open", breakerOpen)
}

func (c *Connection) deactivateFallbackLocked() {
	c.fbActive = false
	c.fallback.Deactivate()
	c.emitLocked(events.FallbackDeactivated{Header: c.header()})
}

// publishFallback receives envelopes from the fallback poller. Envelopes
// that arrive after the stream recovered are dropped.
func (c *Connection) publishFallback(env events.Envelope) {
	c.mu.Lock()
	if c.state != events.StateFallbackActive {
		c.mu.Unlock()
		return
	}
	env.Source = events.SourceFallback
	c.m.FallbackMessages++
	c.m.LastMessageAt = c.clock.Now()
	metrics.MessagesReceived.WithLabelValues(c.feed, string(events.SourceFallback), events.MetricType(env.Type)).Inc()
	c.emitLocked(events.Message{Header: c.header(), Envelope: env})
	c.mu.Unlock()
	c.drain()
}

func (c *Connection) backoffLocked() time.Duration {
	d, err := c.opts.Backoff.NextDelay(c.attempt - 1)
	if err != nil {
		d = c.opts.Backoff.Max
	}
	if d < c.retryFloor {
		d = c.retryFloor
	}
	return d
}

func (c *Connection) untilRetryAt() time.Duration {
	at := c.breaker.RetryAt()
	if at.IsZero() {
		return 0
	}
	return at.Sub(c.clock.Now())
}

func (c *Connection) scheduleRetryLocked(delay time.Duration) {
	c.retryTimer.Stop()
	gen := c.gen
	c.retryTimer = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		if gen != c.gen || c.state == events.StateClosed {
			c.mu.Unlock()
			return
		}
		c.retryTimer = nil
		c.attemptLocked()
		c.mu.Unlock()
		c.drain()
	})
}

// reconnectHintLocked honours a server request to reconnect: the stream is
// reopened after the grace period without counting a failure.
func (c *Connection) reconnectHintLocked() {
	now := c.clock.Now()
	c.releaseTransportLocked()
	if c.m.DownSince.IsZero() {
		c.m.DownSince = now
	}
	c.emitLocked(events.Disconnected{Header: c.header(), Reason: "server requested reconnect"})
	c.setStateLocked(events.StateReconnecting)
	c.logger.Info("server requested reconnect", "grace", c.opts.ReconnectGrace)
	c.scheduleRetryLocked(c.opts.ReconnectGrace)
}

// releaseTransportLocked drops the current stream. The generation bump makes
// the read goroutine's next callback a no-op.
func (c *Connection) releaseTransportLocked() {
	c.gen++
	c.heartbeatTimer.Stop()
	c.heartbeatTimer = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.source != nil {
		// Close unblocks Next; the reader exits on the generation check.
		go c.source.Close()
		c.source = nil
	}
}

func (c *Connection) finalizeDowntimeLocked(now time.Time) {
	if c.m.DownSince.IsZero() {
		return
	}
	d := now.Sub(c.m.DownSince)
	if d > 0 {
		c.m.TotalDowntime += d
		metrics.DowntimeSeconds.WithLabelValues(c.feed).Add(d.Seconds())
	}
	c.m.DownSince = time.Time{}
}

func (c *Connection) armHeartbeatLocked(after time.Duration) {
	c.heartbeatTimer.Stop()
	gen := c.gen
	c.heartbeatTimer = c.clock.AfterFunc(after, func() {
		c.mu.Lock()
		if gen != c.gen || c.state != events.StateOpen {
			c.mu.Unlock()
			return
		}
		timeout := c.opts.HeartbeatTimeout
		idle := c.clock.Now().Sub(c.lastFrame)
		if idle < timeout {
			c.armHeartbeatLocked(timeout - idle)
			c.mu.Unlock()
			return
		}
		c.failLocked(ErrStale, "heartbeat")
		c.mu.Unlock()
		c.drain()
	})
}

func (c *Connection) setStateLocked(to events.State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	metrics.ConnectionState.WithLabelValues(c.feed).Set(float64(to))
	metrics.StateTransitions.WithLabelValues(c.feed, from.String(), to.String()).Inc()
	c.emitLocked(events.StateChanged{Header: c.header(), From: from, To: to})
}

func (c *Connection) header() events.Header {
	return events.Header{Feed: c.feed, At: c.clock.Now()}
}

func (c *Connection) emitLocked(ev events.Event) {
	if c.detached {
		return
	}
	c.outbox = append(c.outbox, ev)
}

// drain dispatches queued events in order. Only one goroutine drains at a
// time; events queued by a handler are picked up by the same loop.
func (c *Connection) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.outbox) > 0 {
		batch := c.outbox
		c.outbox = nil
		c.mu.Unlock()
		for _, ev := range batch {
			c.router.Emit(ev)
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

func (c *Connection) read(gen uint64, src FrameSource) {
	for {
		frame, err := src.Next()
		if err != nil {
			c.mu.Lock()
			if gen != c.gen || c.state != events.StateOpen {
				c.mu.Unlock()
				return
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			c.failLocked(err, "read")
			c.mu.Unlock()
			c.drain()
			return
		}
		if !c.handleFrame(gen, frame) {
			return
		}
	}
}
