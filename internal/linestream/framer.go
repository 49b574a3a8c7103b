// Package linestream splits a byte stream into newline-terminated lines.
//
// Reads from a pipe land at arbitrary boundaries, so a Framer holds on to
// the unterminated tail of each chunk until the rest of the line arrives.
package linestream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"
)

// DefaultPollInterval is how long Lines sleeps after a read that returned no
// bytes and no error before asking again.
const DefaultPollInterval = 50 * time.Millisecond

// ErrLineTooLong is yielded by Lines when a line outgrows the configured
// maximum before its newline arrives.
var ErrLineTooLong = errors.New("line too long")

// Option configures a Framer.
type Option func(*Framer)

// WithFlushPartial controls what Finish does with a trailing line that never
// saw its newline: emit it (true, the default) or drop it.
func WithFlushPartial(flush bool) Option {
	return func(f *Framer) {
		f.flushPartial = flush
	}
}

// Framer accumulates chunks and yields complete lines.
// A Framer is not safe for concurrent use.
type Framer struct {
	buf          []byte
	flushPartial bool
}

// New returns a Framer with an empty buffer.
func New(opts ...Option) *Framer {
	f := &Framer{flushPartial: true}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Push appends chunk to the buffer and returns every line it completes, in
// order, without their terminators. A trailing carriage return is dropped
// along with the newline. Invalid UTF-8 is replaced with U+FFFD.
func (f *Framer) Push(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}

	// Fast path: nothing buffered, search the chunk in place.
	data := chunk
	if len(f.buf) > 0 {
		f.buf = append(f.buf, chunk...)
		data = f.buf
	}

	var lines []string
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, toLine(data[:i]))
		data = data[i+1:]
	}

	// Keep the remainder in a buffer we own.
	f.buf = append(f.buf[:0:0], data...)
	return lines
}

// Buffered reports how many bytes are waiting for a newline.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Finish is called at end of stream. It returns the unterminated remainder
// if there is one and the framer is configured to flush it, then resets.
func (f *Framer) Finish() (string, bool) {
	rest := f.buf
	f.buf = nil
	if len(rest) == 0 || !f.flushPartial {
		return "", false
	}
	return toLine(rest), true
}

func toLine(b []byte) string {
	b = bytes.TrimSuffix(b, []byte{'\r'})
	return strings.ToValidUTF8(string(b), "�")
}

// ReaderOption configures Lines.
type ReaderOption func(*readerConfig)

type readerConfig struct {
	framerOpts   []Option
	bufSize      int
	maxLine      int
	pollInterval time.Duration
}

// WithFramerOptions passes options through to the underlying Framer.
func WithFramerOptions(opts ...Option) ReaderOption {
	return func(c *readerConfig) {
		c.framerOpts = append(c.framerOpts, opts...)
	}
}

// WithMaxLineSize bounds a single line in bytes. Zero means unbounded.
func WithMaxLineSize(n int) ReaderOption {
	return func(c *readerConfig) {
		c.maxLine = max(n, 0)
	}
}

// WithPollInterval sets the back-off after an empty read.
func WithPollInterval(d time.Duration) ReaderOption {
	return func(c *readerConfig) {
		c.pollInterval = d
	}
}

// Lines reads r to the end and yields each line. A read error other than
// io.EOF is yielded once with an empty line and ends the sequence; the
// partial remainder is still offered first when flushing is enabled.
// Exceeding the maximum line size also ends the sequence, with an error
// wrapping ErrLineTooLong.
func Lines(r io.Reader, opts ...ReaderOption) iter.Seq2[string, error] {
	cfg := readerConfig{
		bufSize:      32 * 1024,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(yield func(string, error) bool) {
		f := New(cfg.framerOpts...)
		buf := make([]byte, cfg.bufSize)
		for {
			n, err := r.Read(buf)
			for _, line := range f.Push(buf[:n]) {
				if cfg.maxLine > 0 && len(line) > cfg.maxLine {
					yield("", fmt.Errorf("%w: %d bytes", ErrLineTooLong, len(line)))
					return
				}
				if !yield(line, nil) {
					return
				}
			}
			if cfg.maxLine > 0 && f.Buffered() > cfg.maxLine {
				yield("", fmt.Errorf("%w: %d bytes without a newline", ErrLineTooLong, f.Buffered()))
				return
			}
			if err != nil {
				if rest, ok := f.Finish(); ok {
					if !yield(rest, nil) {
						return
					}
				}
				if !errors.Is(err, io.EOF) {
					yield("", err)
				}
				return
			}
			if n == 0 && cfg.pollInterval > 0 {
				time.Sleep(cfg.pollInterval)
			}
		}
	}
}
