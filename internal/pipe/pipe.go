// Package pipe implements the buffered, framed byte-stream reader/writer
// that every other layer of apphost's HTTP engine is built on top of.
//
// A Pipe owns a fixed-size read buffer over a net.Conn (or any
// io.ReadWriteCloser). Reads are framed: exact-length, line-delimited,
// or delimiter-terminated. On refill, unread bytes are compacted to the
// front of the buffer. Writes are unbuffered and delegate straight to
// the underlying connection.
package pipe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/apphost/apphost/internal/apperr"
)

// DefaultBufferSize is the default backing buffer capacity.
const DefaultBufferSize = 4096

// DefaultMaxLine is the cap ReadLine and ReadUntil use when callers pass
// a max of zero or less.
const DefaultMaxLine = 65536

// Options configures socket-level behavior, applied via SetOptions.
type Options struct {
	KeepAlive bool
	NoDelay   bool
}

// Pipe is a buffered reader/writer over a reliable bidirectional byte
// stream. Not safe for concurrent use; at most one logical
// reader/writer drives a Pipe at a time.
type Pipe struct {
	conn net.Conn
	rw   io.ReadWriteCloser // conn, or an injected stream for tests

	buf   []byte
	start int // first unread byte
	end   int // one past last buffered byte
	eof   bool
}

// New wraps rw in a Pipe with the default buffer size.
func New(rw io.ReadWriteCloser) *Pipe {
	return NewSize(rw, DefaultBufferSize)
}

// NewSize wraps rw in a Pipe with the given backing buffer capacity.
func NewSize(rw io.ReadWriteCloser, size int) *Pipe {
	if size <= 0 {
		size = DefaultBufferSize
	}
	p := &Pipe{rw: rw, buf: make([]byte, size)}
	if c, ok := rw.(net.Conn); ok {
		p.conn = c
	}
	return p
}

// buffered returns the number of unread bytes currently held.
func (p *Pipe) buffered() int { return p.end - p.start }

// compact moves unread bytes to the start of the buffer.
func (p *Pipe) compact() {
	if p.start == 0 {
		return
	}
	n := copy(p.buf, p.buf[p.start:p.end])
	p.start = 0
	p.end = n
}

// grow doubles the buffer until it can hold at least need bytes.
func (p *Pipe) grow(need int) {
	if cap(p.buf) >= need {
		p.buf = p.buf[:cap(p.buf)]
		return
	}
	n := cap(p.buf)
	if n == 0 {
		n = DefaultBufferSize
	}
	for n < need {
		n *= 2
	}
	nb := make([]byte, n)
	copy(nb, p.buf[p.start:p.end])
	p.end -= p.start
	p.start = 0
	p.buf = nb
}

// fill reads at least one more byte into the buffer, compacting first.
// Returns apperr.IO-wrapped error on a real failure; on EOF it sets
// p.eof and returns nil with zero bytes appended.
func (p *Pipe) fill() error {
	if p.eof {
		return nil
	}
	p.compact()
	if p.end == cap(p.buf) {
		p.grow(cap(p.buf) + 1)
	}
	n, err := p.rw.Read(p.buf[p.end:cap(p.buf)])
	p.end += n
	if err != nil {
		if errors.Is(err, io.EOF) {
			p.eof = true
			return nil
		}
		return fmt.Errorf("pipe: fill: %w: %w", apperr.IO, err)
	}
	return nil
}

// ReadExact returns exactly n bytes, or fewer only on EOF (returns
// whatever was read; returns an empty slice only if no bytes were ever
// available before EOF).
func (p *Pipe) ReadExact(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("pipe: ReadExact: %w: negative length", apperr.Protocol)
	}
	for p.buffered() < n && !p.eof {
		if err := p.fill(); err != nil {
			return nil, err
		}
	}
	got := n
	if p.buffered() < got {
		got = p.buffered()
	}
	out := make([]byte, got)
	copy(out, p.buf[p.start:p.start+got])
	p.start += got
	return out, nil
}

// Peek returns up to n bytes without consuming them. Fewer bytes are
// returned only at EOF.
func (p *Pipe) Peek(n int) ([]byte, error) {
	for p.buffered() < n && !p.eof {
		if err := p.fill(); err != nil {
			return nil, err
		}
	}
	got := n
	if p.buffered() < got {
		got = p.buffered()
	}
	out := make([]byte, got)
	copy(out, p.buf[p.start:p.start+got])
	return out, nil
}

// Skip discards up to n buffered/unread bytes, reading from the
// connection as needed, without returning them.
func (p *Pipe) Skip(n int) error {
	for n > 0 {
		if p.buffered() == 0 {
			if p.eof {
				return nil
			}
			if err := p.fill(); err != nil {
				return err
			}
			if p.buffered() == 0 && p.eof {
				return nil
			}
			continue
		}
		take := n
		if p.buffered() < take {
			take = p.buffered()
		}
		p.start += take
		n -= take
	}
	return nil
}

// ReadLine returns the next line, excluding its terminator ("\n" or
// "\r\n"). On EOF with unterminated trailing bytes, those bytes are
// returned as the final line. Fails with apperr.Protocol if max bytes
// are consumed before a terminator is found.
func (p *Pipe) ReadLine(max int) (string, error) {
	if max <= 0 {
		max = DefaultMaxLine
	}
	line, err := p.readUntilBytes([]byte{'\n'}, max)
	if err != nil {
		return "", err
	}
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return string(line), nil
}

// ReadUntil returns the bytes up to (but excluding) the next occurrence
// of delim, which must be non-empty. The internal buffer retains
// len(delim)-1 bytes across fills so that a delimiter straddling two
// fills is still detected.
func (p *Pipe) ReadUntil(delim []byte, max int) ([]byte, error) {
	if len(delim) == 0 {
		return nil, fmt.Errorf("pipe: ReadUntil: %w: empty delimiter", apperr.Protocol)
	}
	if max <= 0 {
		max = DefaultMaxLine
	}
	return p.readUntilBytes(delim, max)
}

func (p *Pipe) readUntilBytes(delim []byte, max int) ([]byte, error) {
	searched := 0
	for {
		if idx := indexFrom(p.buf[p.start:p.end], delim, searched); idx >= 0 {
			if idx > max {
				return nil, fmt.Errorf("pipe: ReadUntil: %w: max %d bytes exceeded before delimiter", apperr.Protocol, max)
			}
			out := make([]byte, idx)
			copy(out, p.buf[p.start:p.start+idx])
			p.start += idx + len(delim)
			return out, nil
		}
		// Remember how much of the current buffer we've already
		// scanned, minus delim's lookback window, so re-scans don't
		// redo the whole buffer on every fill.
		if p.buffered() > len(delim)-1 {
			searched = p.buffered() - (len(delim) - 1)
		} else {
			searched = 0
		}

		if p.buffered() >= max {
			return nil, fmt.Errorf("pipe: ReadUntil: %w: max %d bytes exceeded before delimiter", apperr.Protocol, max)
		}

		if p.eof {
			out := make([]byte, p.buffered())
			copy(out, p.buf[p.start:p.end])
			p.start = p.end
			return out, nil
		}
		if err := p.fill(); err != nil {
			return nil, err
		}
	}
}

func indexFrom(buf, delim []byte, from int) int {
	if from < 0 {
		from = 0
	}
	if from > len(buf) {
		return -1
	}
	if idx := bytes.Index(buf[from:], delim); idx >= 0 {
		return from + idx
	}
	return -1
}

// Read returns whatever is already buffered (filling once if the buffer
// is currently empty and not at EOF) when size is 0, or behaves like
// ReadExact(size) when size > 0.
func (p *Pipe) Read(size int) ([]byte, error) {
	if size > 0 {
		return p.ReadExact(size)
	}
	if p.buffered() == 0 && !p.eof {
		if err := p.fill(); err != nil {
			return nil, err
		}
	}
	out := make([]byte, p.buffered())
	copy(out, p.buf[p.start:p.end])
	p.start = p.end
	return out, nil
}

// Write delegates directly to the underlying stream. Writes are never
// buffered.
func (p *Pipe) Write(b []byte) (int, error) {
	n, err := p.rw.Write(b)
	if err != nil {
		return n, fmt.Errorf("pipe: write: %w: %w", apperr.IO, err)
	}
	return n, nil
}

// WriteLine writes text followed by "\r\n".
func (p *Pipe) WriteLine(text string) error {
	_, err := p.Write([]byte(text + "\r\n"))
	return err
}

// Close closes the underlying connection.
func (p *Pipe) Close() error {
	return p.rw.Close()
}

// Shutdown half-closes the write side of the connection, if supported,
// signaling EOF to the peer while still allowing reads to drain.
func (p *Pipe) Shutdown() error {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := p.rw.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return p.Close()
}

// SetOptions applies socket-level options. A no-op if the underlying
// stream is not a *net.TCPConn.
func (p *Pipe) SetOptions(opts Options) error {
	tc, ok := p.conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(opts.NoDelay); err != nil {
		return err
	}
	return tc.SetKeepAlive(opts.KeepAlive)
}

// AtEOF reports whether the peer has closed its write side and all
// buffered bytes have been consumed.
func (p *Pipe) AtEOF() bool {
	return p.eof && p.buffered() == 0
}
