package sse

import (
	"fmt"
	"io"
	"strings"
)

// Encode writes ev as one event block. Multi-line data is split across
// data: fields; empty Name, ID and Retry are omitted. A block with no data
// and a retry is written as a hint the decoder dispatches on its own.
func Encode(w io.Writer, ev Event) error {
	var b strings.Builder
	if ev.Retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", ev.Retry.Milliseconds())
	}
	if ev.ID != "" {
		if strings.ContainsAny(ev.ID, "\r\n\x00") {
			return fmt.Errorf("sse: invalid event id %q", ev.ID)
		}
		fmt.Fprintf(&b, "id: %s\n", ev.ID)
	}
	if ev.Name != "" {
		if strings.ContainsAny(ev.Name, "\r\n") {
			return fmt.Errorf("sse: invalid event name %q", ev.Name)
		}
		fmt.Fprintf(&b, "event: %s\n", ev.Name)
	}
	if ev.Data != "" || ev.Name != "" {
		data := strings.ReplaceAll(ev.Data, "\r\n", "\n")
		for _, line := range strings.Split(data, "\n") {
			fmt.Fprintf(&b, "data: %s\n", line)
		}
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// Comment writes a comment line, which clients ignore. Servers use it as a
// keep-alive.
func Comment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", strings.ReplaceAll(text, "\n", " "))
	return err
}
