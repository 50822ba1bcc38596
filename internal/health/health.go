// Package health rates connection quality and serves the liveness and
// readiness probes of the status server.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/dskow/intel-stream/internal/events"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// Feed is a connection whose state decides readiness.
type Feed interface {
	Feed() string
	State() events.State
}

type entry struct {
	feed    Feed
	monitor *Monitor
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	logger *slog.Logger

	mu    sync.RWMutex
	feeds []entry
}

// NewHandler creates a handler with no feeds.
func NewHandler(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger}
}

// Add registers a feed. monitor may be nil.
func (h *Handler) Add(feed Feed, monitor *Monitor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.feeds = append(h.feeds, entry{feed: feed, monitor: monitor})
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.liveness)
	mux.HandleFunc("GET /ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

// FeedReport is one feed's entry in the readiness body.
type FeedReport struct {
	State   string         `json:"state"`
	Quality events.Quality `json:"quality,omitempty"`
	Score   *float64       `json:"score,omitempty"`
}

// Report is the readiness body.
type Report struct {
	Status string                `json:"status"`
	Feeds  map[string]FeedReport `json:"feeds"`
}

// Ready reports whether every feed is delivering data, with per-feed detail.
func (h *Handler) Ready() (bool, Report) {
	h.mu.RLock()
	feeds := append([]entry(nil), h.feeds...)
	h.mu.RUnlock()

	ready := true
	rep := Report{Feeds: make(map[string]FeedReport, len(feeds))}
	for _, e := range feeds {
		st := e.feed.State()
		fr := FeedReport{State: st.String()}
		if e.monitor != nil {
			q, score := e.monitor.Quality()
			if q != "" {
				fr.Quality = q
				fr.Score = &score
			}
		}
		if !st.Delivering() {
			ready = false
		}
		rep.Feeds[e.feed.Feed()] = fr
	}
	rep.Status = "ready"
	if !ready {
		rep.Status = "not ready"
	}
	return ready, rep
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	ready, rep := h.Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
		h.logger.Debug("readiness probe failed", "feeds", len(rep.Feeds))
	}

	body, _ := json.Marshal(rep)
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
