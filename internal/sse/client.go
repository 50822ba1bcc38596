package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"
)

// ContentType is the media type of an event stream.
const ContentType = "text/event-stream"

// ErrConnectTimeout is returned when response headers do not arrive in time.
var ErrConnectTimeout = errors.New("sse: connect timeout")

// StatusError is returned for a non-200 response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sse: unexpected status %s", e.Status)
}

// ContentTypeError is returned when the response is not an event stream.
type ContentTypeError struct {
	Got string
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("sse: unexpected content type %q", e.Got)
}

// Decorator adds headers (session identity, authorization) to a request.
type Decorator func(*http.Request) error

// Client opens event streams over HTTP.
type Client struct {
	// HTTP is the underlying client. Its Timeout must be zero or the
	// stream will be cut off; nil uses a client without a timeout.
	HTTP *http.Client

	// Decorate, if set, runs on every request before it is sent.
	Decorate Decorator
}

// OpenOptions describes one stream request.
type OpenOptions struct {
	URL         string
	LastEventID string
	// ConnectTimeout bounds the wait for response headers. It does not
	// apply once the stream is open.
	ConnectTimeout time.Duration
}

// Open issues the request and validates the response. The returned stream
// lives until ctx is cancelled or Close is called.
func (c *Client) Open(ctx context.Context, opts OpenOptions) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse: build request: %w", err)
	}
	req.Header.Set("Accept", ContentType)
	req.Header.Set("Cache-Control", "no-cache")
	if opts.LastEventID != "" {
		req.Header.Set("Last-Event-ID", opts.LastEventID)
	}
	if c.Decorate != nil {
		if err := c.Decorate(req); err != nil {
			cancel()
			return nil, fmt.Errorf("sse: decorate request: %w", err)
		}
	}

	var timer *time.Timer
	timedOut := make(chan struct{})
	if opts.ConnectTimeout > 0 {
		timer = time.AfterFunc(opts.ConnectTimeout, func() {
			close(timedOut)
			cancel()
		})
	}

	resp, err := c.httpClient().Do(req)
	if timer != nil && !timer.Stop() {
		<-timedOut
		if resp != nil {
			resp.Body.Close()
		}
		cancel()
		return nil, ErrConnectTimeout
	}
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		resp.Body.Close()
		cancel()
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	ct := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != ContentType {
		resp.Body.Close()
		cancel()
		return nil, &ContentTypeError{Got: ct}
	}

	return &Stream{
		body:    resp.Body,
		cancel:  cancel,
		decoder: NewDecoder(resp.Body),
	}, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Stream is an open event stream. Next must be called from one goroutine;
// Close may be called from any goroutine and unblocks Next.
type Stream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	decoder *Decoder
}

// Next blocks for the next event.
func (s *Stream) Next() (Event, error) {
	return s.decoder.Next()
}

// LastEventID returns the last id: seen on this stream.
func (s *Stream) LastEventID() string {
	return s.decoder.LastEventID()
}

// Close releases the connection. Safe to call more than once.
func (s *Stream) Close() error {
	s.cancel()
	return s.body.Close()
}
