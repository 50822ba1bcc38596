//go:build windows

package config

// watchSignals has nothing to do without SIGHUP; reloads follow file
// changes only.
func (r *Reloader) watchSignals() {
	r.logger.Debug("SIGHUP unavailable, config reload follows file changes only", "path", r.path)
}
