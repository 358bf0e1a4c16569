// Package console implements the per-app bounded log FIFO.
//
// Console formats printf-style log calls into an HTML-safe, bounded
// queue and fans out "log", "overflow", and "clear" events over a
// bus.Bus: one emitter, many subscribers (typically SSE/WS log
// streams). Every message carries a process-unique UUID.
package console

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/apphost/apphost/internal/bus"
)

// Level is the severity of a log message.
type Level string

// Recognized levels.
const (
	Log   Level = "log"
	Info  Level = "info"
	Warn  Level = "warn"
	Error Level = "error"
)

// Message is a single formatted log entry.
type Message struct {
	Level   Level  `json:"level"`
	Message []any  `json:"message"`
	Error   bool   `json:"error"`
	HTML    string `json:"html"`
	UUID    string `json:"uuid"`
}

// EventKind distinguishes the three events a Console emits.
type EventKind string

const (
	EventLog      EventKind = "log"
	EventOverflow EventKind = "overflow"
	EventClear    EventKind = "clear"
)

// Event is the payload delivered to Console subscribers.
type Event struct {
	Kind     EventKind
	Message  Message   // valid for EventLog, EventOverflow
	Snapshot []Message // valid for EventClear
}

// DefaultMaxLen is the default FIFO bound.
const DefaultMaxLen = 20

// Console is a bounded FIFO of log messages with event fan-out. Safe
// for concurrent use, though in practice each app is the single writer
// to its own console.
type Console struct {
	mu     sync.Mutex
	maxLen int
	queue  []Message
	bus    *bus.Bus[EventKind, Event]
}

// New creates a Console with the given FIFO bound. A non-positive
// maxLen falls back to DefaultMaxLen.
func New(maxLen int) *Console {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Console{maxLen: maxLen, bus: bus.New[EventKind, Event]()}
}

// On subscribes fn to the given event kind and returns a handle for Off.
func (c *Console) On(kind EventKind, fn func(Event)) bus.Subscription[EventKind] {
	return c.bus.On(kind, fn)
}

// Off removes a subscription created by On.
func (c *Console) Off(sub bus.Subscription[EventKind]) {
	c.bus.Off(sub)
}

// push builds a Message from level and args and appends it, evicting and emitting "overflow" for
// the oldest entry first if the FIFO is already full. Bus.Emit is
// synchronous, so the overflow for an evicted message always reaches
// subscribers before the log event for its successor.
func (c *Console) push(level Level, isError bool, args []any) Message {
	msg := Message{
		Level:   level,
		Message: args,
		Error:   isError,
		HTML:    formatHTML(args),
		UUID:    uuid.NewString(),
	}

	c.mu.Lock()
	if len(c.queue) >= c.maxLen {
		evicted := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		c.bus.Emit(EventOverflow, Event{Kind: EventOverflow, Message: evicted})
		c.mu.Lock()
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	c.bus.Emit(EventLog, Event{Kind: EventLog, Message: msg})
	return msg
}

// Logf, Infof, Warnf, and Errorf format args and push a message at the
// corresponding level. The first argument may carry printf-style
// specifiers (%s %d %i %f %o %O %c); remaining args are consumed by
// those specifiers or, if unconsumed, space-joined after the formatted
// head.
func (c *Console) Logf(args ...any) Message   { return c.push(Log, false, args) }
func (c *Console) Infof(args ...any) Message  { return c.push(Info, false, args) }
func (c *Console) Warnf(args ...any) Message  { return c.push(Warn, false, args) }
func (c *Console) Errorf(args ...any) Message { return c.push(Error, true, args) }

// Snapshot returns a copy of the current FIFO contents, oldest first.
func (c *Console) Snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.queue))
	copy(out, c.queue)
	return out
}

// Clear empties the FIFO and emits "clear" with the pre-clear snapshot.
func (c *Console) Clear() {
	c.mu.Lock()
	snap := make([]Message, len(c.queue))
	copy(snap, c.queue)
	c.queue = nil
	c.mu.Unlock()

	c.bus.Emit(EventClear, Event{Kind: EventClear, Snapshot: snap})
}

// Len returns the current number of buffered messages.
func (c *Console) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// formatHTML renders args for display: printf-style specifiers on the
// first argument consume following args; any remaining args are
// space-joined after the formatted head; objects are pretty-printed
// JSON inside a <pre> block; all text output is HTML-escaped, and
// newlines become <br>.
func formatHTML(args []any) string {
	if len(args) == 0 {
		return ""
	}
	return strings.ReplaceAll(formatBody(args), "\n", "<br>")
}

func formatBody(args []any) string {
	head, rest := args[0], args[1:]
	format, ok := head.(string)
	if !ok {
		return escapeAndJoin(append([]any{head}, rest...))
	}
	if !strings.Contains(format, "%") {
		return escapeAndJoin(args)
	}

	var b strings.Builder
	argIdx := 0
	for i := 0; i < len(format); i++ {
		ch := format[i]
		if ch != '%' || i == len(format)-1 {
			b.WriteString(escapeText(format[i : i+1]))
			continue
		}
		spec := format[i+1]
		i++
		switch spec {
		case 's':
			b.WriteString(escapeText(nextArgString(rest, &argIdx)))
		case 'd', 'i':
			b.WriteString(escapeText(nextArgNumber(rest, &argIdx, "%d")))
		case 'f':
			b.WriteString(escapeText(nextArgNumber(rest, &argIdx, "%f")))
		case 'o', 'O':
			b.WriteString(formatObjectArg(rest, &argIdx))
		case 'c':
			// CSS style hook; consumes one argument silently.
			if argIdx < len(rest) {
				argIdx++
			}
		case '%':
			b.WriteByte('%')
		default:
			b.WriteString(escapeText(format[i-1 : i+1]))
		}
	}

	if argIdx < len(rest) {
		b.WriteByte(' ')
		b.WriteString(escapeAndJoin(rest[argIdx:]))
	}

	return b.String()
}

func nextArgString(rest []any, idx *int) string {
	if *idx >= len(rest) {
		return ""
	}
	v := rest[*idx]
	*idx++
	return fmt.Sprint(v)
}

func nextArgNumber(rest []any, idx *int, verb string) string {
	if *idx >= len(rest) {
		return ""
	}
	v := rest[*idx]
	*idx++
	switch verb {
	case "%d":
		switch n := v.(type) {
		case float64:
			return strconv.FormatInt(int64(n), 10)
		default:
			return fmt.Sprint(v)
		}
	default:
		return fmt.Sprint(v)
	}
}

func formatObjectArg(rest []any, idx *int) string {
	if *idx >= len(rest) {
		return ""
	}
	v := rest[*idx]
	*idx++
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return escapeText(fmt.Sprint(v))
	}
	return "<pre>" + escapeText(string(data)) + "</pre>"
}

func escapeAndJoin(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			parts[i] = escapeText(v)
		default:
			data, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				parts[i] = escapeText(fmt.Sprint(v))
			} else {
				parts[i] = "<pre>" + escapeText(string(data)) + "</pre>"
			}
		}
	}
	return strings.Join(parts, " ")
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
	"`", "&#96;",
)

func escapeText(s string) string {
	return htmlEscaper.Replace(s)
}
