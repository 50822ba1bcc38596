package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dskow/intel-stream/internal/clock"
	"github.com/dskow/intel-stream/internal/config"
	"github.com/dskow/intel-stream/internal/events"
	"github.com/dskow/intel-stream/internal/middleware"
	"github.com/dskow/intel-stream/internal/session"
	"github.com/dskow/intel-stream/internal/sse"
	"github.com/dskow/intel-stream/internal/streamerr"
)

// keepRecent is how many messages per feed a snapshot returns.
const keepRecent = 20

type options struct {
	Interval  time.Duration
	Heartbeat time.Duration
	// Retry is sent as a retry: hint when a stream opens. Zero omits it.
	Retry time.Duration
	// FailFirst answers that many stream requests with 503 before serving.
	FailFirst int
	// DropAfter closes each stream after that many messages. Zero never.
	DropAfter int
	// MalformedEvery makes every Nth message carry invalid JSON. Zero never.
	MalformedEvery int
	Session        config.SessionConfig
}

type message struct {
	ID        string
	Type      string
	Data      string
	malformed bool
}

type snapshotEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	ID   string          `json:"id"`
}

// subscriber is one open stream. Control frames pushed through the admin
// endpoints arrive on ch.
type subscriber struct {
	feed string
	ch   chan sse.Event
}

type server struct {
	opts   options
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	seq      uint64
	recent   map[string][]message
	failLeft int
	subs     map[*subscriber]struct{}
}

func newServer(opts options, clk clock.Clock, logger *slog.Logger) *server {
	if opts.Session.Header == "" {
		opts.Session.Header = "X-Session-ID"
	}
	return &server{
		opts:     opts,
		clock:    clk,
		logger:   logger,
		recent:   make(map[string][]message),
		failLeft: opts.FailFirst,
		subs:     make(map[*subscriber]struct{}),
	}
}

// routes serves the feed API behind session checks and the control
// endpoints used to inject faults by hand.
func (s *server) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/stream/{feed}", s.stream)
	api.HandleFunc("GET /api/poll/{feed}", s.poll)

	mux := http.NewServeMux()
	mux.Handle("/api/", session.Middleware(s.opts.Session, s.logger)(api))
	mux.HandleFunc("POST /__control/reconnect", s.control(events.TypeReconnection, `{"reason":"maintenance"}`))
	mux.HandleFunc("POST /__control/error", s.control(events.TypeError, `{"code":"UPSTREAM_DEGRADED","message":"analysis backend degraded"}`))
	mux.HandleFunc("POST /__control/fail/{count}", s.failNext)

	return middleware.Chain(mux,
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger, nil),
	)
}

func (s *server) stream(w http.ResponseWriter, r *http.Request) {
	feed := r.PathValue("feed")
	if s.takeFailure() {
		streamerr.WriteJSON(w, r, http.StatusServiceUnavailable, streamerr.CodeTransport, "injected failure")
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", sse.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	sub := s.subscribe(feed)
	defer s.unsubscribe(sub)

	send := func(ev sse.Event) bool {
		if err := sse.Encode(w, ev); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	if s.opts.Retry > 0 && !send(sse.Event{Retry: s.opts.Retry}) {
		return
	}
	hello, _ := json.Marshal(map[string]string{
		"session":      r.Header.Get(s.opts.Session.Header),
		"feed":         feed,
		"resumed_from": r.Header.Get("Last-Event-ID"),
	})
	if !send(sse.Event{Name: events.TypeConnection, Data: string(hello)}) {
		return
	}
	s.logger.Info("stream opened", "feed", feed, "last_event_id", r.Header.Get("Last-Event-ID"))

	msgs := s.clock.NewTicker(s.opts.Interval)
	defer msgs.Stop()
	beats := s.clock.NewTicker(s.opts.Heartbeat)
	defer beats.Stop()

	sent := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-sub.ch:
			if !send(ev) || ev.Name == events.TypeReconnection {
				return
			}
		case <-msgs.C:
			m := s.next(feed)
			if !send(sse.Event{Name: m.Type, ID: m.ID, Data: m.Data}) {
				return
			}
			sent++
			if s.opts.DropAfter > 0 && sent >= s.opts.DropAfter {
				s.logger.Info("dropping stream", "feed", feed, "after", sent)
				return
			}
		case now := <-beats.C:
			if !send(sse.Event{Name: events.TypeHeartbeat, Data: fmt.Sprintf(`{"timestamp":%d}`, now.Unix())}) {
				return
			}
		}
	}
}

func (s *server) poll(w http.ResponseWriter, r *http.Request) {
	feed := r.PathValue("feed")
	s.mu.Lock()
	out := make([]snapshotEvent, 0, len(s.recent[feed]))
	for _, m := range s.recent[feed] {
		if m.malformed {
			continue
		}
		out = append(out, snapshotEvent{Type: m.Type, Data: json.RawMessage(m.Data), ID: m.ID})
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"events": out})
}

// control returns a handler that pushes one frame to every open stream, or
// to the streams of ?feed= when given.
func (s *server) control(name, data string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feed := r.URL.Query().Get("feed")
		n := s.broadcast(sse.Event{Name: name, Data: data}, feed)
		s.logger.Info("control frame sent", "event", name, "feed", feed, "streams", n)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"streams": n})
	}
}

func (s *server) failNext(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("count"))
	if err != nil || n < 0 {
		streamerr.WriteJSON(w, r, http.StatusBadRequest, streamerr.CodeInternal, "count must be a non-negative integer")
		return
	}
	s.mu.Lock()
	s.failLeft = n
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) takeFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLeft <= 0 {
		return false
	}
	s.failLeft--
	return true
}

func (s *server) subscribe(feed string) *subscriber {
	sub := &subscriber{feed: feed, ch: make(chan sse.Event, 4)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

func (s *server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// broadcast queues ev on every stream of feed (all streams when feed is
// empty) and returns how many took it. A full queue misses the frame.
func (s *server) broadcast(ev sse.Event, feed string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sub := range s.subs {
		if feed != "" && sub.feed != feed {
			continue
		}
		select {
		case sub.ch <- ev:
			n++
		default:
		}
	}
	return n
}

// next generates the feed's next message and records it for snapshots.
func (s *server) next(feed string) message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	m := generate(feed, s.seq, s.clock.Now())
	if s.opts.MalformedEvery > 0 && s.seq%uint64(s.opts.MalformedEvery) == 0 {
		m.Data = m.Data[:len(m.Data)/2]
		m.malformed = true
	}
	recent := append(s.recent[feed], m)
	if len(recent) > keepRecent {
		recent = recent[len(recent)-keepRecent:]
	}
	s.recent[feed] = recent
	return m
}

var alertLevels = []string{"advisory", "warning", "critical"}

// generate builds a plausible message. Types rotate through alert,
// intelligence and analysis progress.
func generate(feed string, seq uint64, now time.Time) message {
	var (
		typ  string
		body map[string]interface{}
	)
	switch seq % 3 {
	case 1:
		typ = events.TypeAlert
		body = map[string]interface{}{
			"level":     alertLevels[seq%uint64(len(alertLevels))],
			"feed":      feed,
			"message":   fmt.Sprintf("threshold exceeded on sensor %d", seq%7+1),
			"issued_at": now.UTC().Format(time.RFC3339),
		}
	case 2:
		typ = events.TypeIntelligence
		body = map[string]interface{}{
			"summary":    fmt.Sprintf("pattern %d correlated across sources", seq),
			"confidence": float64(seq%10) / 10,
			"sources":    seq%5 + 1,
		}
	default:
		typ = events.TypeAnalysisProgress
		body = map[string]interface{}{
			"job":     fmt.Sprintf("job-%d", seq/10+1),
			"percent": (seq * 10) % 100,
		}
	}
	data, _ := json.Marshal(body)
	return message{ID: strconv.FormatUint(seq, 10), Type: typ, Data: string(data)}
}
