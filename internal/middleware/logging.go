// Package middleware provides the HTTP middleware shared by the status
// server and the mock feed: request IDs, structured request logging with
// Prometheus counts, and panic recovery.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dskow/intel-stream/internal/metrics"
)

// LogLevelNone is a sentinel value indicating no log entry should be emitted.
// It is higher than any slog.Level so logger.Enabled() will always return false.
const LogLevelNone slog.Level = slog.LevelError + 100

// QuietPaths logs the given paths at debug and everything else at info.
// Probe and scrape endpoints would otherwise drown the request log.
func QuietPaths(paths ...string) func(string) slog.Level {
	quiet := make(map[string]bool, len(paths))
	for _, p := range paths {
		quiet[p] = true
	}
	return func(path string) slog.Level {
		if quiet[path] {
			return slog.LevelDebug
		}
		return slog.LevelInfo
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Flush on the underlying writer,
// which event-stream handlers need.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Logging returns middleware that logs each request as structured JSON
// including method, path, status code, latency, and client IP, and counts
// it in intelstream_status_requests_total. routeLogLevel maps a request
// path to its log level; pass nil for Info on every request.
func Logging(logger *slog.Logger, routeLogLevel func(string) slog.Level) func(http.Handler) http.Handler {
	if routeLogLevel == nil {
		routeLogLevel = func(string) slog.Level { return slog.LevelInfo }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(recorder, r)

			// The mux records the matched pattern on the request; unmatched
			// paths share one label so scanners cannot inflate cardinality.
			pattern := r.Pattern
			if pattern == "" {
				pattern = "unmatched"
			}
			metrics.StatusRequests.WithLabelValues(pattern, strconv.Itoa(recorder.statusCode)).Inc()

			level := routeLogLevel(r.URL.Path)
			if level == LogLevelNone {
				return
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			)
		})
	}
}
