//go:build !windows

package config

import (
	"os"
	"os/signal"
	"syscall"
)

// watchSignals reloads on SIGHUP until Stop.
func (r *Reloader) watchSignals() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				r.reload("sighup")
			case <-r.stopCh:
				return
			}
		}
	}()
	r.logger.Debug("config reload on SIGHUP enabled", "path", r.path)
}
