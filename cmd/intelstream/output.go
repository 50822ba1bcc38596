package main

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/dskow/intel-stream/internal/events"
)

// messageLine is one message as written to the output stream.
type messageLine struct {
	Feed       string          `json:"feed"`
	Type       string          `json:"type"`
	Source     events.Source   `json:"source"`
	ID         string          `json:"id,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// messageWriter serializes messages from every feed as JSON lines.
type messageWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newMessageWriter(w io.Writer) *messageWriter {
	return &messageWriter{enc: json.NewEncoder(w)}
}

func (m *messageWriter) write(ev events.Event) {
	msg, ok := ev.(events.Message)
	if !ok {
		return
	}
	line := messageLine{
		Feed:       msg.Feed,
		Type:       msg.Type,
		Source:     msg.Source,
		ID:         msg.ID,
		ReceivedAt: msg.ReceivedAt,
		Payload:    msg.Payload,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// A broken pipe on stdout must not take the feeds down with it.
	_ = m.enc.Encode(line)
}
