package stream

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/dskow/intel-stream/internal/events"
	"github.com/dskow/intel-stream/internal/metrics"
	"github.com/dskow/intel-stream/internal/sse"
	"github.com/dskow/intel-stream/internal/streamerr"
)

// ApplicationError is a failure reported by the backend in an error frame.
type ApplicationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ApplicationError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// handleFrame dispatches one inbound frame. It returns false when the
// reader should stop.
func (c *Connection) handleFrame(gen uint64, f sse.Event) bool {
	c.mu.Lock()
	if gen != c.gen || c.state != events.StateOpen {
		c.mu.Unlock()
		return false
	}
	now := c.clock.Now()
	c.lastFrame = now
	if f.ID != "" {
		c.m.LastEventID = f.ID
	}
	if f.Retry > 0 {
		c.retryFloor = f.Retry
	}

	keep := true
	switch {
	case f.HintOnly():
	case f.Name == events.TypeHeartbeat:
		c.m.LastHeartbeatAt = now
		c.breaker.RecordSuccess()
		c.emitLocked(events.Heartbeat{Header: c.header(), ServerTime: serverTime(f.Data)})
	case f.Name == events.TypeReconnection:
		c.reconnectHintLocked()
		keep = false
	case f.Name == events.TypeError:
		appErr := decodeApplicationError(f.Data)
		c.logger.Warn("backend reported error", "error", appErr)
		c.emitLocked(events.Error{
			Header: c.header(),
			Kind:   streamerr.Application,
			Err:    streamerr.New(streamerr.Application, c.feed, "stream", appErr),
		})
	default:
		c.messageLocked(f, now)
	}
	c.mu.Unlock()
	c.drain()
	return keep
}

func (c *Connection) messageLocked(f sse.Event, now time.Time) {
	payload := []byte(f.Data)
	if !json.Valid(payload) {
		c.m.ParseErrors++
		metrics.ParseErrors.WithLabelValues(c.feed).Inc()
		c.logger.Warn("malformed payload", "type", f.Name, "id", f.ID)
		c.emitLocked(events.Error{
			Header: c.header(),
			Kind:   streamerr.Parse,
			Err:    streamerr.New(streamerr.Parse, c.feed, f.Name, errors.New("payload is not valid JSON")),
		})
		return
	}
	c.m.MessagesReceived++
	c.m.LastMessageAt = now
	metrics.MessagesReceived.WithLabelValues(c.feed, string(events.SourceStream), events.MetricType(f.Name)).Inc()
	c.emitLocked(events.Message{
		Header: c.header(),
		Envelope: events.Envelope{
			Type:       f.Name,
			Payload:    json.RawMessage(payload),
			ReceivedAt: now,
			Source:     events.SourceStream,
			ID:         f.ID,
		},
	})
}

// serverTime extracts {"timestamp": ...} from a heartbeat. It accepts
// RFC 3339 strings and Unix seconds or milliseconds; anything else yields
// the zero time.
func serverTime(data string) time.Time {
	var hb struct {
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if json.Unmarshal([]byte(data), &hb) != nil || len(hb.Timestamp) == 0 {
		return time.Time{}
	}
	var s string
	if json.Unmarshal(hb.Timestamp, &s) == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	n, err := strconv.ParseInt(string(hb.Timestamp), 10, 64)
	if err != nil {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func decodeApplicationError(data string) *ApplicationError {
	var e ApplicationError
	if json.Unmarshal([]byte(data), &e) != nil || (e.Message == "" && e.Code == "") {
		return &ApplicationError{Message: data}
	}
	return &e
}
