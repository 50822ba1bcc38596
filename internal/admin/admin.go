// Package admin provides read-only admin API endpoints for runtime inspection
// of feed state. All endpoints are protected by IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/dskow/intel-stream/internal/circuitbreaker"
	"github.com/dskow/intel-stream/internal/config"
	"github.com/dskow/intel-stream/internal/events"
	"github.com/dskow/intel-stream/internal/routing"
	"github.com/dskow/intel-stream/internal/stream"
	"github.com/dskow/intel-stream/internal/streamerr"
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Conn is the part of a stream connection the admin API reads.
type Conn interface {
	Feed() string
	Target() string
	Metrics() stream.Metrics
}

// Rater reports a feed's latest health rating.
type Rater interface {
	Quality() (events.Quality, float64)
}

// Feed groups what the admin API shows for one feed. Breaker and Health
// may be nil.
type Feed struct {
	Conn    Conn
	Breaker circuitbreaker.Breaker
	Health  Rater
}

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	feeds       map[string]Feed
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(reloader ConfigProvider, feeds []Feed, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	byName := make(map[string]Feed, len(feeds))
	for _, f := range feeds {
		byName[f.Conn.Feed()] = f
	}
	return &Handler{
		reloader:    reloader,
		feeds:       byName,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/feeds", h.guard(h.feedsHandler))
	mux.HandleFunc("/admin/feeds/", h.guard(h.feedHandler))
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			streamerr.WriteJSON(w, r, http.StatusMethodNotAllowed, streamerr.CodeMethodNotAllowed, "only GET is supported")
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			streamerr.WriteJSON(w, r, http.StatusForbidden, streamerr.CodeForbidden, "client address not in admin allowlist")
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// feedStatus is the response type for /admin/feeds.
type feedStatus struct {
	Name                string         `json:"name"`
	Target              string         `json:"target"`
	State               string         `json:"state"`
	BreakerState        string         `json:"breaker_state"`
	BreakerRetryAt      *time.Time     `json:"breaker_retry_at,omitempty"`
	Quality             events.Quality `json:"quality,omitempty"`
	Score               *float64       `json:"score,omitempty"`
	MessagesReceived    uint64         `json:"messages_received"`
	FallbackMessages    uint64         `json:"fallback_messages"`
	ParseErrors         uint64         `json:"parse_errors"`
	Reconnections       uint64         `json:"reconnections"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastEventID         string         `json:"last_event_id,omitempty"`
	LastMessageAt       *time.Time     `json:"last_message_at,omitempty"`
	LastHeartbeatAt     *time.Time     `json:"last_heartbeat_at,omitempty"`
	ConnectionStartedAt *time.Time     `json:"connection_started_at,omitempty"`
	DownSince           *time.Time     `json:"down_since,omitempty"`
	TotalDowntimeSecs   float64        `json:"total_downtime_seconds"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func status(f Feed) feedStatus {
	m := f.Conn.Metrics()
	st := feedStatus{
		Name:                f.Conn.Feed(),
		Target:              f.Conn.Target(),
		State:               m.State.String(),
		BreakerState:        "unknown",
		MessagesReceived:    m.MessagesReceived,
		FallbackMessages:    m.FallbackMessages,
		ParseErrors:         m.ParseErrors,
		Reconnections:       m.Reconnections,
		ConsecutiveFailures: m.ConsecutiveFailures,
		LastEventID:         m.LastEventID,
		LastMessageAt:       optionalTime(m.LastMessageAt),
		LastHeartbeatAt:     optionalTime(m.LastHeartbeatAt),
		ConnectionStartedAt: optionalTime(m.ConnectionStartedAt),
		DownSince:           optionalTime(m.DownSince),
		TotalDowntimeSecs:   m.TotalDowntime.Seconds(),
	}
	if f.Breaker != nil {
		st.BreakerState = f.Breaker.State().String()
		st.BreakerRetryAt = optionalTime(f.Breaker.RetryAt())
	}
	if f.Health != nil {
		if q, score := f.Health.Quality(); q != "" {
			st.Quality = q
			st.Score = &score
		}
	}
	return st
}

func (h *Handler) feedsHandler(w http.ResponseWriter, r *http.Request) {
	statuses := make([]feedStatus, 0, len(h.feeds))
	for _, f := range h.feeds {
		statuses = append(statuses, status(f))
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	writeJSON(w, http.StatusOK, map[string]interface{}{"feeds": statuses})
}

func (h *Handler) feedHandler(w http.ResponseWriter, r *http.Request) {
	name, ok := routing.TrailingSegment(r.URL.Path, "/admin/feeds")
	f, found := h.feeds[name]
	if !ok || !found {
		streamerr.WriteJSON(w, r, http.StatusNotFound, streamerr.CodeFeedNotFound, "no feed named "+name)
		return
	}
	writeJSON(w, http.StatusOK, status(f))
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reloader.Current().Redacted())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
