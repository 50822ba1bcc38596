package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/dskow/intel-stream/internal/admin"
	"github.com/dskow/intel-stream/internal/circuitbreaker"
	"github.com/dskow/intel-stream/internal/clock"
	"github.com/dskow/intel-stream/internal/config"
	"github.com/dskow/intel-stream/internal/events"
	"github.com/dskow/intel-stream/internal/fallback"
	"github.com/dskow/intel-stream/internal/health"
	"github.com/dskow/intel-stream/internal/logging"
	"github.com/dskow/intel-stream/internal/metrics"
	"github.com/dskow/intel-stream/internal/middleware"
	"github.com/dskow/intel-stream/internal/routing"
	"github.com/dskow/intel-stream/internal/session"
	"github.com/dskow/intel-stream/internal/sse"
	"github.com/dskow/intel-stream/internal/stream"
	"github.com/dskow/intel-stream/internal/tlsutil"
)

// feedRuntime is everything that runs for one configured feed.
type feedRuntime struct {
	name    string
	conn    *stream.Connection
	breaker *circuitbreaker.ConsecutiveBreaker
	poller  *fallback.Poller
	monitor *health.Monitor
}

// daemon owns the feeds and the components they share.
type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	level   *slog.LevelVar
	clock   clock.Clock
	client  *http.Client
	certs   *tlsutil.CertLoader
	session *session.Provider
	out     *messageWriter
	health  *health.Handler
	feeds   []*feedRuntime
}

// newDaemon builds one connection per feed without starting any of them.
// Messages are written to out as JSON lines when out is non-nil.
func newDaemon(cfg *config.Config, logger *slog.Logger, level *slog.LevelVar, out io.Writer) (*daemon, error) {
	tc, certs, err := tlsutil.ClientConfig(cfg.TLS, logger)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}

	d := &daemon{
		cfg:     cfg,
		logger:  logger,
		level:   level,
		clock:   clock.Real(),
		client:  tlsutil.NewHTTPClient(tc),
		certs:   certs,
		session: session.NewProvider(cfg.Session, clock.Real()),
		health:  health.NewHandler(logger),
	}
	if out != nil {
		d.out = newMessageWriter(out)
	}

	for _, fc := range cfg.Feeds {
		f, err := d.buildFeed(fc)
		if err != nil {
			d.stop()
			return nil, err
		}
		d.feeds = append(d.feeds, f)
		d.health.Add(f.conn, f.monitor)
	}

	logger.Info("feeds configured",
		"feeds", len(d.feeds),
		"session_id", d.session.ID(),
		"bearer", cfg.Session.BearerEnabled(),
		"client_cert", cfg.TLS.ClientCertEnabled(),
	)
	return d, nil
}

func (d *daemon) buildFeed(fc config.FeedConfig) (*feedRuntime, error) {
	router := events.NewRouter(d.logger)
	breaker := circuitbreaker.NewConsecutiveBreaker(fc.Name, breakerConfig(d.cfg.Breaker), d.clock, d.logger)

	deps := stream.Deps{
		Transport: stream.SSETransport{Client: &sse.Client{HTTP: d.client, Decorate: d.session.Decorate}},
		Breaker:   breaker,
		Router:    router,
		Clock:     d.clock,
		Logger:    d.logger,
	}

	var poller *fallback.Poller
	pollURL, err := pollURLFor(fc)
	switch {
	case err == nil:
		poller = fallback.New(fallback.Config{
			Feed:     fc.Name,
			URL:      pollURL,
			HTTP:     d.client,
			Decorate: d.session.Decorate,
			MinGap:   d.cfg.Client.FallbackMinGap,
			Clock:    d.clock,
			Logger:   d.logger,
		})
		deps.Fallback = poller
	case d.cfg.Client.IsFallbackEnabled():
		return nil, fmt.Errorf("feed %s: %w (set poll_url)", fc.Name, err)
	}

	conn, err := stream.New(fc.Name, fc.URL, stream.OptionsFromConfig(d.cfg.Client), deps)
	if err != nil {
		return nil, err
	}
	if d.out != nil {
		router.On(events.KindMessage, d.out.write)
	}

	return &feedRuntime{
		name:    fc.Name,
		conn:    conn,
		breaker: breaker,
		poller:  poller,
		monitor: health.NewMonitor(conn, d.cfg.Health, router, d.clock, d.logger),
	}, nil
}

// pollURLFor returns the feed's snapshot URL, deriving it from the stream
// URL when poll_url is not set.
func pollURLFor(fc config.FeedConfig) (string, error) {
	if fc.PollURL != "" {
		return fc.PollURL, nil
	}
	return routing.PollURL(fc.URL)
}

func breakerConfig(b config.BreakerConfig) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		Cooldown:         b.Cooldown,
	}
}

// start connects every feed and starts its health monitor.
func (d *daemon) start() error {
	for _, f := range d.feeds {
		f.monitor.Start()
		if err := f.conn.Start(); err != nil {
			return fmt.Errorf("feed %s: %w", f.name, err)
		}
	}
	return nil
}

// stop closes every connection. Safe to call more than once.
func (d *daemon) stop() {
	for _, f := range d.feeds {
		f.conn.Close()
		f.monitor.Stop()
	}
	if d.certs != nil {
		d.certs.Stop()
	}
}

// apply pushes a reloaded configuration into the running feeds. Feed list
// changes need a restart; the reloader warns about them.
func (d *daemon) apply(newCfg *config.Config) {
	opts := stream.OptionsFromConfig(newCfg.Client)
	for _, f := range d.feeds {
		if err := f.conn.UpdateOptions(opts); err != nil {
			d.logger.Error("rejected reloaded stream options", "feed", f.name, "error", err)
		}
		f.breaker.UpdateConfig(breakerConfig(newCfg.Breaker))
		f.monitor.UpdateConfig(newCfg.Health)
	}
	if d.level != nil {
		if lvl, err := logging.ParseLevel(newCfg.Logging.Level); err == nil && lvl != d.level.Level() {
			d.level.Set(lvl)
			d.logger.Info("log level changed", "level", lvl.String())
		}
	}
}

// statusHandler assembles the status server: health and readiness, metrics
// when enabled, and the admin API when enabled.
func (d *daemon) statusHandler(cfgs admin.ConfigProvider) http.Handler {
	mux := http.NewServeMux()
	d.health.RegisterRoutes(mux)

	quiet := []string{"/health", "/ready"}
	if d.cfg.Metrics.IsEnabled() {
		mux.Handle("GET "+d.cfg.Metrics.Path, metrics.Handler())
		quiet = append(quiet, d.cfg.Metrics.Path)
		d.logger.Info("metrics endpoint registered", "path", d.cfg.Metrics.Path)
	}

	if d.cfg.Status.Admin.Enabled {
		feeds := make([]admin.Feed, 0, len(d.feeds))
		for _, f := range d.feeds {
			feeds = append(feeds, admin.Feed{Conn: f.conn, Breaker: f.breaker, Health: f.monitor})
		}
		admin.New(cfgs, feeds, d.cfg.Status.Admin.IPAllowlist, d.logger).RegisterRoutes(mux)
		d.logger.Info("admin API enabled", "allowlist", d.cfg.Status.Admin.IPAllowlist)
	}

	// Recovery → RequestID → Logging → mux
	return middleware.Chain(mux,
		middleware.Recovery(d.logger),
		middleware.RequestID,
		middleware.Logging(d.logger, middleware.QuietPaths(quiet...)),
	)
}
