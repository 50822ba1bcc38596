package stream

import (
	"context"
	"time"

	"github.com/dskow/intel-stream/internal/fallback"
	"github.com/dskow/intel-stream/internal/sse"
)

// OpenRequest describes one connection attempt.
type OpenRequest struct {
	Target      string
	LastEventID string
	// ConnectTimeout bounds the attempt only; an open stream has no timeout.
	ConnectTimeout time.Duration
}

// FrameSource is an open push stream. Next is called from a single
// goroutine; Close may be called concurrently and must unblock Next.
type FrameSource interface {
	Next() (sse.Event, error)
	Close() error
}

// Transport opens push streams. Open may block until ctx is cancelled.
type Transport interface {
	Open(ctx context.Context, req OpenRequest) (FrameSource, error)
}

// Fallback is the degraded delivery path used while the push stream is
// down. Implementations must not call back into the connection while
// holding their own locks.
type Fallback interface {
	Activate(interval time.Duration, sink fallback.Sink)
	Deactivate()
	Active() bool
}

// SSETransport opens streams with an sse.Client.
type SSETransport struct {
	Client *sse.Client
}

// Open implements Transport.
func (t SSETransport) Open(ctx context.Context, req OpenRequest) (FrameSource, error) {
	s, err := t.Client.Open(ctx, sse.OpenOptions{
		URL:            req.Target,
		LastEventID:    req.LastEventID,
		ConnectTimeout: req.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
