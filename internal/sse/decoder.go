// Package sse reads Server-Sent Events: a line-oriented decoder for the
// text/event-stream format and an HTTP client that opens such streams.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"
)

// MaxLineSize bounds a single line of the stream.
const MaxLineSize = 1 << 20

// DefaultEventName is used when a block carries no event: field.
const DefaultEventName = "message"

// Event is one dispatched block.
type Event struct {
	Name string
	Data string
	// ID is the last event ID in effect when the block was dispatched.
	ID string
	// Retry is the reconnection time the server asked for, zero if none.
	Retry time.Duration
}

// HintOnly reports whether the block carried only a retry: field.
func (e Event) HintOnly() bool {
	return e.Name == "" && e.Data == ""
}

// Decoder splits a stream into events.
type Decoder struct {
	scanner     *bufio.Scanner
	lastEventID string
}

// NewDecoder reads from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), MaxLineSize)
	s.Split(scanLines)
	return &Decoder{scanner: s}
}

// LastEventID returns the most recent id: value seen.
func (d *Decoder) LastEventID() string { return d.lastEventID }

// Next returns the next event. Blocks without data are dropped unless they
// carry a retry: field. At end of input Next returns io.EOF; a partial
// trailing block is discarded.
func (d *Decoder) Next() (Event, error) {
	var (
		name    string
		data    strings.Builder
		hasData bool
		retry   time.Duration
	)
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line == "" {
			if hasData {
				if name == "" {
					name = DefaultEventName
				}
				return Event{Name: name, Data: data.String(), ID: d.lastEventID, Retry: retry}, nil
			}
			if retry > 0 {
				return Event{ID: d.lastEventID, Retry: retry}, nil
			}
			name = ""
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], line[i+1:]
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "event":
			name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				d.lastEventID = value
			}
		case "retry":
			if ms, err := strconv.ParseUint(value, 10, 31); err == nil {
				retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Event{}, errors.New("sse: line exceeds maximum size")
		}
		return Event{}, err
	}
	return Event{}, io.EOF
}

// scanLines splits on \r\n, \n or a lone \r.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// \r: need one more byte to tell \r\n from a lone \r.
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
