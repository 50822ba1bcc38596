package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/dskow/intel-stream/internal/clock"
	"github.com/dskow/intel-stream/internal/config"
	"github.com/dskow/intel-stream/internal/fallback"
	"github.com/dskow/intel-stream/internal/session"
	"github.com/dskow/intel-stream/internal/tlsutil"
)

func newValidateCommand(configPath *string) *cobra.Command {
	var (
		probe   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate loads and checks the configuration without connecting.

It reports config warnings, the snapshot URL each feed falls back to,
and whether the TLS material loads. With --probe it also polls every
feed's snapshot endpoint once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.Context(), cmd.OutOrStdout(), *configPath, probe, timeout)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "poll each feed's snapshot endpoint once")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "timeout for each probe request")
	return cmd
}

func runValidate(ctx context.Context, w io.Writer, path string, probe bool, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Fprintf(w, "configuration %s is valid\n", path)
	for _, warn := range cfg.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}

	tc, certs, err := tlsutil.ClientConfig(cfg.TLS, slog.Default())
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if certs != nil {
		defer certs.Stop()
	}
	client := tlsutil.NewHTTPClient(tc)
	provider := session.NewProvider(cfg.Session, clock.Real())

	var failed int
	for _, fc := range cfg.Feeds {
		pollURL, err := pollURLFor(fc)
		if err != nil {
			if cfg.Client.IsFallbackEnabled() {
				fmt.Fprintf(w, "feed %s: %v\n", fc.Name, err)
				failed++
			} else {
				fmt.Fprintf(w, "feed %s: stream %s, no fallback\n", fc.Name, fc.URL)
			}
			continue
		}
		fmt.Fprintf(w, "feed %s: stream %s, fallback %s\n", fc.Name, fc.URL, pollURL)

		if !probe {
			continue
		}
		p := fallback.New(fallback.Config{
			Feed:           fc.Name,
			URL:            pollURL,
			HTTP:           client,
			Decorate:       provider.Decorate,
			RequestTimeout: timeout,
		})
		envs, err := p.PollOnce(ctx)
		if err != nil {
			fmt.Fprintf(w, "  probe failed: %v\n", err)
			failed++
			continue
		}
		fmt.Fprintf(w, "  probe ok: %d message(s)\n", len(envs))
	}

	if failed > 0 {
		return fmt.Errorf("%d feed check(s) failed", failed)
	}
	return nil
}
