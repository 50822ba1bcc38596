// Package main provides a mock intelligence backend for exercising the
// stream client by hand. It serves an event stream and a snapshot endpoint
// per feed, and control endpoints that inject failures:
//
//	GET  /api/stream/{feed}       event stream (session header required)
//	GET  /api/poll/{feed}         snapshot of recent messages
//	POST /__control/reconnect     ask open streams to reconnect (?feed= to target one)
//	POST /__control/error         send an error frame to open streams
//	POST /__control/fail/{count}  answer the next count stream requests with 503
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dskow/intel-stream/internal/clock"
	"github.com/dskow/intel-stream/internal/config"
	"github.com/dskow/intel-stream/internal/logging"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	interval := flag.Duration("interval", 5*time.Second, "time between generated messages")
	heartbeat := flag.Duration("heartbeat", 15*time.Second, "time between heartbeat frames")
	retry := flag.Duration("retry", 0, "retry hint sent when a stream opens; 0 omits it")
	failFirst := flag.Int("fail-first", 0, "answer the first N stream requests with 503")
	dropAfter := flag.Int("drop-after", 0, "close each stream after N messages; 0 never")
	malformedEvery := flag.Int("malformed-every", 0, "send invalid JSON as every Nth message; 0 never")
	sessionHeader := flag.String("session-header", "X-Session-ID", "header carrying the client session ID")
	jwtSecret := flag.String("jwt-secret", "", "require HS256 bearer tokens signed with this secret")
	issuer := flag.String("issuer", "intel-stream", "expected token issuer")
	audience := flag.String("audience", "intel-backend", "expected token audience")
	logFormat := flag.String("log-format", "text", "log format: json or text")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if s := os.Getenv("MOCKFEED_JWT_SECRET"); s != "" {
		*jwtSecret = s
	}

	logger := slog.New(logging.NewHandler(os.Stdout, *logFormat, slog.LevelInfo))

	if *interval <= 0 || *heartbeat <= 0 {
		logger.Error("interval and heartbeat must be positive")
		os.Exit(2)
	}

	srv := newServer(options{
		Interval:       *interval,
		Heartbeat:      *heartbeat,
		Retry:          *retry,
		FailFirst:      *failFirst,
		DropAfter:      *dropAfter,
		MalformedEvery: *malformedEvery,
		Session: config.SessionConfig{
			Header:    *sessionHeader,
			JWTSecret: *jwtSecret,
			Issuer:    *issuer,
			Audience:  *audience,
		},
	}, clock.Real(), logger)

	// No write timeout: streams stay open indefinitely.
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("mock feed listening",
			"addr", httpSrv.Addr,
			"interval", *interval,
			"heartbeat", *heartbeat,
			"bearer", *jwtSecret != "",
		)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Open streams never finish on their own; close them after a short drain.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		httpSrv.Close()
	}
	logger.Info("mock feed stopped")
}
