package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dskow/intel-stream/internal/circuitbreaker"
	"github.com/dskow/intel-stream/internal/clock"
	"github.com/dskow/intel-stream/internal/config"
	"github.com/dskow/intel-stream/internal/events"
	"github.com/dskow/intel-stream/internal/stream"
	"github.com/dskow/intel-stream/internal/streamerr"
)

// mockConfigProvider implements ConfigProvider for testing.
type mockConfigProvider struct {
	cfg *config.Config
}

func (m *mockConfigProvider) Current() *config.Config { return m.cfg }

type stubConn struct {
	name string
	m    stream.Metrics
}

func (c *stubConn) Feed() string            { return c.name }
func (c *stubConn) Target() string          { return "https://intel.example/feeds/" + c.name + "/stream" }
func (c *stubConn) Metrics() stream.Metrics { return c.m }

type stubRater struct{}

func (stubRater) Quality() (events.Quality, float64) { return events.QualityGood, 0.8 }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testHandler(t *testing.T, allowlist []string) *Handler {
	t.Helper()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	clk := clock.Fake(t0)

	cfg := &config.Config{
		Session: config.SessionConfig{
			Header:    "X-Session-ID",
			ID:        "sess-1",
			JWTSecret: "super-secret-key",
			Issuer:    "test",
			Audience:  "test",
		},
		Feeds: []config.FeedConfig{{Name: "ward-1", URL: "https://intel.example/feeds/ward-1/stream"}},
	}

	tripped := circuitbreaker.NewConsecutiveBreaker("ward-2", circuitbreaker.Config{FailureThreshold: 1}, clk, logger)
	tripped.RecordFailure()

	feeds := []Feed{
		{
			Conn: &stubConn{name: "ward-2", m: stream.Metrics{
				State:               events.StateFallbackActive,
				FallbackMessages:    4,
				ConsecutiveFailures: 6,
				DownSince:           t0,
			}},
			Breaker: tripped,
		},
		{
			Conn: &stubConn{name: "ward-1", m: stream.Metrics{
				State:            events.StateOpen,
				MessagesReceived: 12,
				LastEventID:      "e-12",
				TotalDowntime:    3 * time.Second,
			}},
			Breaker: circuitbreaker.NewConsecutiveBreaker("ward-1", circuitbreaker.DefaultConfig(), clk, logger),
			Health:  stubRater{},
		},
	}

	return New(&mockConfigProvider{cfg: cfg}, feeds, allowlist, logger)
}

func get(t *testing.T, h *Handler, method, path, remote string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestFeedsEndpoint(t *testing.T) {
	rec := get(t, testHandler(t, []string{"127.0.0.0/8"}), "GET", "/admin/feeds", "127.0.0.1:1234")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string][]feedStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	feeds := resp["feeds"]
	if len(feeds) != 2 {
		t.Fatalf("expected 2 feeds, got %d", len(feeds))
	}
	if feeds[0].Name != "ward-1" || feeds[1].Name != "ward-2" {
		t.Errorf("feeds not sorted: %q, %q", feeds[0].Name, feeds[1].Name)
	}
	if feeds[0].BreakerState != "closed" {
		t.Errorf("breaker_state = %q, want closed", feeds[0].BreakerState)
	}
	if feeds[0].Quality != events.QualityGood {
		t.Errorf("quality = %q, want good", feeds[0].Quality)
	}
	if feeds[0].TotalDowntimeSecs != 3 {
		t.Errorf("total_downtime_seconds = %v, want 3", feeds[0].TotalDowntimeSecs)
	}
	if feeds[1].BreakerState != "open" || feeds[1].BreakerRetryAt == nil {
		t.Errorf("expected open breaker with retry time, got %q %v", feeds[1].BreakerState, feeds[1].BreakerRetryAt)
	}
	if feeds[1].State != "fallback_active" {
		t.Errorf("state = %q, want fallback_active", feeds[1].State)
	}
}

func TestFeedEndpoint(t *testing.T) {
	h := testHandler(t, []string{"127.0.0.0/8"})

	rec := get(t, h, "GET", "/admin/feeds/ward-1", "127.0.0.1:1234")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var st feedStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.LastEventID != "e-12" || st.MessagesReceived != 12 {
		t.Errorf("unexpected status %+v", st)
	}
	if st.DownSince != nil {
		t.Errorf("down_since should be omitted for an open feed")
	}
}

func TestFeedEndpoint_NotFound(t *testing.T) {
	h := testHandler(t, []string{"127.0.0.0/8"})

	for _, path := range []string{"/admin/feeds/ward-9", "/admin/feeds/ward-1/extra"} {
		rec := get(t, h, "GET", path, "127.0.0.1:1234")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", path, rec.Code)
		}
		var body streamerr.ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if body.ErrorCode != string(streamerr.CodeFeedNotFound) {
			t.Errorf("error_code = %q", body.ErrorCode)
		}
	}
}

func TestConfigEndpoint_RedactsSecret(t *testing.T) {
	rec := get(t, testHandler(t, []string{"127.0.0.0/8"}), "GET", "/admin/config", "127.0.0.1:1234")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"[redacted]"`) {
		t.Error("expected jwt_secret to be redacted")
	}
	if strings.Contains(body, "super-secret-key") {
		t.Error("jwt_secret was not redacted!")
	}
	if !strings.Contains(body, "ward-1") {
		t.Error("expected feeds in config output")
	}
}

func TestIPAllowlist_Denied(t *testing.T) {
	rec := get(t, testHandler(t, []string{"10.0.0.0/8"}), "GET", "/admin/feeds", "192.168.1.1:1234")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(streamerr.CodeForbidden)) {
		t.Errorf("expected %s in body, got %s", streamerr.CodeForbidden, rec.Body.String())
	}
}

func TestIPAllowlist_Allowed(t *testing.T) {
	rec := get(t, testHandler(t, []string{"192.168.0.0/16"}), "GET", "/admin/feeds", "192.168.1.100:5678")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestIPAllowlist_IPv6(t *testing.T) {
	rec := get(t, testHandler(t, []string{"::1/128"}), "GET", "/admin/feeds", "[::1]:5678")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rec := get(t, testHandler(t, []string{"127.0.0.0/8"}), "POST", "/admin/feeds", "127.0.0.1:1234")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
