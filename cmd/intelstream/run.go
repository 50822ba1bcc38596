package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dskow/intel-stream/internal/config"
	"github.com/dskow/intel-stream/internal/logging"
	"github.com/dskow/intel-stream/internal/metrics"
)

func newRunCommand(configPath *string) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to every configured feed and serve status endpoints",
		Long: `Run opens one stream per configured feed and keeps it alive until
SIGINT or SIGTERM. Messages are written to stdout as JSON lines unless
--quiet is given. The configuration file is watched and reloaded on
change or SIGHUP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out io.Writer = cmd.OutOrStdout()
			if quiet {
				out = nil
			}
			return runDaemon(*configPath, out)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not write messages to stdout")
	return cmd
}

func runDaemon(configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, level, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logCloser.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"feeds", len(cfg.Feeds),
		"campaign_mode", cfg.Client.CampaignMode,
		"max_reconnect_attempts", cfg.Client.EffectiveMaxAttempts(),
		"fallback_enabled", cfg.Client.IsFallbackEnabled(),
		"status_enabled", cfg.Status.IsEnabled(),
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	d, err := newDaemon(cfg, logger, level, out)
	if err != nil {
		logger.Error("failed to build feeds", "error", err)
		return err
	}
	defer d.stop()

	reloader := config.NewReloader(configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()
	reloader.OnReload(d.apply)
	if rw, ok := logCloser.(*logging.RotatingWriter); ok {
		reloader.OnReload(func(c *config.Config) { rw.SetLimits(c.Logging) })
	}

	var srv *http.Server
	if cfg.Status.IsEnabled() {
		srv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Status.Port),
			Handler:      d.statusHandler(reloader),
			ReadTimeout:  cfg.Status.ReadTimeout,
			WriteTimeout: cfg.Status.WriteTimeout,
		}
		go func() {
			logger.Info("starting status server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status server error", "error", err)
			}
		}()
	}

	if err := d.start(); err != nil {
		logger.Error("failed to start feeds", "error", err)
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	d.stop()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Status.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("forced shutdown", "error", err)
			return err
		}
	}

	logger.Info("intelstream stopped gracefully")
	return nil
}
