// Package metrics provides Prometheus instrumentation for the stream client.
// All metric collectors are registered via Init and exposed through Handler
// for scraping by the status server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState reports the numeric connection state per feed.
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intelstream_connection_state",
			Help: "Current connection state (0=idle 1=connecting 2=open 3=reconnecting 4=fallback 5=offline 6=closed)",
		},
		[]string{"feed"},
	)

	// StateTransitions counts connection state changes.
	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelstream_state_transitions_total",
			Help: "Total connection state transitions",
		},
		[]string{"feed", "from", "to"},
	)

	// MessagesReceived counts delivered messages by source and type.
	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelstream_messages_total",
			Help: "Total messages delivered to subscribers",
		},
		[]string{"feed", "source", "type"},
	)

	// ParseErrors counts malformed payloads.
	ParseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelstream_parse_errors_total",
			Help: "Total malformed stream payloads",
		},
		[]string{"feed"},
	)

	// TransportErrors counts failed opens, dropped streams, and stale streams.
	TransportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelstream_transport_errors_total",
			Help: "Total transport failures",
		},
		[]string{"feed"},
	)

	// Reconnections counts scheduled reconnect attempts.
	Reconnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelstream_reconnections_total",
			Help: "Total reconnect attempts scheduled",
		},
		[]string{"feed"},
	)

	// DowntimeSeconds accumulates finalized downtime intervals.
	DowntimeSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelstream_downtime_seconds_total",
			Help: "Total seconds spent without an open push stream",
		},
		[]string{"feed"},
	)

	// BackoffDelay observes scheduled retry delays.
	BackoffDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intelstream_backoff_delay_seconds",
			Help:    "Scheduled reconnect delays in seconds",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"feed"},
	)

	// BreakerState reports the numeric breaker state (0=closed 1=open 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intelstream_breaker_state",
			Help: "Circuit breaker state (0=closed 1=open 2=half-open)",
		},
		[]string{"feed"},
	)

	// BreakerTransitions counts breaker state changes.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelstream_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"feed", "from", "to"},
	)

	// FallbackActive is 1 while a feed is served by polling.
	FallbackActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intelstream_fallback_active",
			Help: "Whether fallback polling is active (1) or not (0)",
		},
		[]string{"feed"},
	)

	// FallbackPolls counts poll requests by result (ok, error, limited).
	FallbackPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelstream_fallback_polls_total",
			Help: "Total fallback poll requests",
		},
		[]string{"feed", "result"},
	)

	// HealthScore reports the weighted health score in [0, 1].
	HealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intelstream_health_score",
			Help: "Advisory connection health score between 0 and 1",
		},
		[]string{"feed"},
	)

	// HandlerPanics counts subscriber handlers that panicked.
	HandlerPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelstream_handler_panics_total",
			Help: "Total recovered panics in event handlers",
		},
		[]string{"kind"},
	)

	// StatusRequests counts requests served by the status server.
	StatusRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelstream_status_requests_total",
			Help: "Total status server requests",
		},
		[]string{"path", "status"},
	)

	// ConfigReloads counts configuration reload attempts by result
	// ("success" or "failure").
	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelstream_config_reloads_total",
			Help: "Total configuration reload attempts",
		},
		[]string{"result"},
	)
)

// Collectors returns every collector in this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ConnectionState,
		StateTransitions,
		MessagesReceived,
		ParseErrors,
		TransportErrors,
		Reconnections,
		DowntimeSeconds,
		BackoffDelay,
		BreakerState,
		BreakerTransitions,
		FallbackActive,
		FallbackPolls,
		HealthScore,
		HandlerPanics,
		StatusRequests,
		ConfigReloads,
	}
}

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup.
func Init() {
	prometheus.MustRegister(Collectors()...)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
