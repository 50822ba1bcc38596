//go:build !windows

package config

import (
	"os"
	"syscall"
	"testing"
	"time"
)

func TestReloader_SIGHUP(t *testing.T) {
	logger, _ := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)
	// Keep file events out of the way; only the signal should reload.
	r.debounce = time.Hour
	reloaded := make(chan *Config, 1)
	r.OnReload(func(c *Config) { reloaded <- c })
	r.Start()
	defer r.Stop()

	if err := os.WriteFile(path, []byte(validConfigUpdated), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}
	if err := syscall.Kill(os.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("failed to signal self: %v", err)
	}

	select {
	case c := <-reloaded:
		if c.Client.BaseDelay != time.Second {
			t.Errorf("expected 1s base delay after SIGHUP, got %v", c.Client.BaseDelay)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("SIGHUP reload timed out")
	}
}
