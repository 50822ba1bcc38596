package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dskow/intel-stream/internal/config"
)

// rotation holds the size and retention limits of a RotatingWriter.
type rotation struct {
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
}

func rotationFor(maxSizeMB, maxBackups, maxAgeDays int) rotation {
	return rotation{
		maxBytes:   int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}
}

// RotatingWriter is an io.WriteCloser for the client's log file. It rotates
// by size and prunes old rotations, so reconnect chatter during a long
// outage cannot fill the disk. Limits can be changed on config reload.
type RotatingWriter struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	size   int64
	limits rotation
	seq    int
	now    func() time.Time
}

// NewRotatingWriter opens path (creating parent directories) and rotates it
// once it would grow past maxSizeMB. Rotated files are named
// <base>-<timestamp>-<seq><ext>; at most maxBackups are kept and any older
// than maxAgeDays are removed.
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	rw := &RotatingWriter{
		path:   path,
		limits: rotationFor(maxSizeMB, maxBackups, maxAgeDays),
		now:    time.Now,
	}
	f, size, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	rw.file, rw.size = f, size
	return rw, nil
}

func openAppend(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat log file: %w", err)
	}
	return f, info.Size(), nil
}

// SetLimits applies the rotation settings of a reloaded logging section.
// The output path itself is fixed for the life of the writer.
func (rw *RotatingWriter) SetLimits(cfg config.LoggingConfig) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.limits = rotationFor(cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
}

// Write appends p, rotating first if p would push the file past the limit.
// A single record larger than the limit is still written whole.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.size > 0 && rw.size+int64(len(p)) > rw.limits.maxBytes {
		if err := rw.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the current file. Further writes fail with os.ErrClosed.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

// backupPattern returns the glob matching rotated files and the name a new
// rotation gets.
func (rw *RotatingWriter) backupPattern(stamp string) (glob, name string) {
	dir := filepath.Dir(rw.path)
	ext := filepath.Ext(rw.path)
	base := strings.TrimSuffix(filepath.Base(rw.path), ext)
	if ext == "" {
		ext = ".log"
	}
	glob = filepath.Join(dir, base+"-*"+ext)
	name = filepath.Join(dir, fmt.Sprintf("%s-%s-%04d%s", base, stamp, rw.seq, ext))
	return glob, name
}

func (rw *RotatingWriter) rotateLocked() error {
	rw.file.Close()
	rw.file = nil

	rw.seq++
	glob, backup := rw.backupPattern(rw.now().UTC().Format("20060102T150405"))
	if err := os.Rename(rw.path, backup); err != nil {
		return fmt.Errorf("rotating log file: %w", err)
	}
	f, size, err := openAppend(rw.path)
	if err != nil {
		return err
	}
	rw.file, rw.size = f, size
	rw.pruneLocked(glob)
	return nil
}

// pruneLocked removes rotations beyond maxBackups or older than maxAge.
func (rw *RotatingWriter) pruneLocked(glob string) {
	backups, err := filepath.Glob(glob)
	if err != nil {
		return
	}
	// Timestamp then sequence: lexical order is age order.
	sort.Strings(backups)

	if excess := len(backups) - rw.limits.maxBackups; excess > 0 {
		for _, p := range backups[:excess] {
			os.Remove(p) //nolint:errcheck
		}
		backups = backups[excess:]
	}
	if rw.limits.maxAge <= 0 {
		return
	}
	cutoff := rw.now().Add(-rw.limits.maxAge)
	for _, p := range backups {
		if info, err := os.Stat(p); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(p) //nolint:errcheck
		}
	}
}
