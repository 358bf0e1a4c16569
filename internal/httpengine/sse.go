package httpengine

import (
	"fmt"
	"strings"

	"github.com/apphost/apphost/internal/apperr"
	"github.com/apphost/apphost/internal/pipe"
)

// SSEEvent is one parsed or to-be-written Server-Sent Event, per the
// W3C EventSource format: optional event and id fields plus a data
// payload that may span multiple data: lines.
type SSEEvent struct {
	Event string
	ID    string
	Data  string
}

// ReadSSEEvent reads one SSE event (a run of event:/id:/data: lines
// terminated by a blank line) from p. Comment lines (starting with ':')
// and unrecognized fields are ignored.
func ReadSSEEvent(p *pipe.Pipe) (SSEEvent, error) {
	var evt SSEEvent
	var data []string

	for {
		line, err := p.ReadLine(maxLineLength)
		if err != nil {
			return SSEEvent{}, fmt.Errorf("httpengine: sse event: %w: %w", apperr.IO, err)
		}
		if line == "" {
			evt.Data = strings.Join(data, "\n")
			return evt, nil
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			evt.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"):
			evt.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// comment line, ignored
		}
	}
}

// WriteSSEEvent writes evt in the standard event:/id:/data:-lines,
// blank-line-terminated wire format, splitting multi-line Data into
// one data: line per embedded newline so it round-trips exactly.
func WriteSSEEvent(p *pipe.Pipe, evt SSEEvent) error {
	var b strings.Builder
	if evt.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", evt.Event)
	}
	if evt.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", evt.ID)
	}
	for _, line := range strings.Split(evt.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	if _, err := p.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("httpengine: sse write: %w: %w", apperr.IO, err)
	}
	return nil
}

// SSEHeader returns the response headers that open an SSE stream.
func SSEHeader() *Header {
	h := NewHeader()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return h
}
