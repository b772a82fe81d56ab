// ABOUTME: Duplex line-protocol link to the serial device
// ABOUTME: Serialized framed writes, background line reader, bounded reads

package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultDelimitThreshold is the command length at which Send switches
	// from a plain line to a delimited block.
	DefaultDelimitThreshold = 64

	// DefaultMaxLineLength bounds a single line of device output.
	DefaultMaxLineLength = 64 * 1024

	linesBufSize = 64

	closeWait = time.Second
)

const (
	delimiter   = "```"
	scriptStart = "^^s"
	scriptEnd   = "^^e"
)

var (
	// ErrNotFound is returned when no attached port matches the device identity.
	ErrNotFound = errors.New("crow not found")

	// ErrClosed is returned once the link's stream has ended.
	ErrClosed = errors.New("device link closed")

	// ErrLineTooLong is returned when the device sends a line longer than the
	// configured maximum. The link is unusable afterwards.
	ErrLineTooLong = errors.New("device line too long")
)

// Option configures a Link.
type Option func(*Link)

// WithName sets the name used in logs, usually the port path.
func WithName(name string) Option {
	return func(l *Link) { l.name = name }
}

// WithDelimitThreshold overrides DefaultDelimitThreshold.
func WithDelimitThreshold(n int) Option {
	return func(l *Link) {
		if n > 0 {
			l.threshold = n
		}
	}
}

// WithMaxLineLength overrides DefaultMaxLineLength.
func WithMaxLineLength(n int) Option {
	return func(l *Link) {
		if n > 0 {
			l.maxLine = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Link) { l.logger = logger }
}

// Link is a live connection to the device. Writes may come from any
// goroutine. Reads must come from one consumer at a time.
type Link struct {
	name      string
	rwc       io.ReadWriteCloser
	threshold int
	maxLine   int
	logger    *slog.Logger

	writeMu sync.Mutex

	lines   chan string
	dropped atomic.Uint64
	closing chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	err    error
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// NewLink takes ownership of rwc and starts reading from it.
func NewLink(rwc io.ReadWriteCloser, opts ...Option) *Link {
	l := &Link{
		name:      "device",
		rwc:       rwc,
		threshold: DefaultDelimitThreshold,
		maxLine:   DefaultMaxLineLength,
		logger:    slog.Default(),
		lines:     make(chan string, linesBufSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "device", "port", l.name)

	go l.readerLoop()
	return l
}

// Name returns the link's name.
func (l *Link) Name() string {
	return l.name
}

// DelimitThreshold returns the length at which Send delimits.
func (l *Link) DelimitThreshold() int {
	return l.threshold
}

// WritePlain sends text as a single line.
func (l *Link) WritePlain(text string) error {
	return l.write(text + "\n")
}

// WriteDelimited sends text wrapped in triple backticks, which lets the
// device accept long or multi-line chunks.
func (l *Link) WriteDelimited(text string) error {
	return l.write(delimiter + text + delimiter + "\n")
}

// WriteScript uploads src as a script. The source is sent unmodified.
func (l *Link) WriteScript(src string) error {
	return l.write(scriptStart + src + scriptEnd + "\n")
}

// Send writes text plain or delimited depending on its length.
func (l *Link) Send(text string) error {
	if len(text) >= l.threshold {
		return l.WriteDelimited(text)
	}
	return l.WritePlain(text)
}

func (l *Link) write(data string) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	buf := []byte(data)
	for len(buf) > 0 {
		n, err := l.rwc.Write(buf)
		if err != nil {
			return fmt.Errorf("writing to %s: %w", l.name, err)
		}
		if n == 0 {
			return fmt.Errorf("writing to %s: %w", l.name, io.ErrShortWrite)
		}
		buf = buf[n:]
	}
	return nil
}

// ReadLine blocks until the device sends a line, the link fails, or ctx is
// done.
func (l *Link) ReadLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-l.lines:
		if !ok {
			return "", l.terminalError()
		}
		return line, nil
	}
}

// TryReadLine waits up to timeout for a line. It returns ok=false with a nil
// error when the time runs out; errors are reserved for a failed link.
func (l *Link) TryReadLine(timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		return "", false, nil
	case line, ok := <-l.lines:
		if !ok {
			return "", false, l.terminalError()
		}
		return line, true, nil
	}
}

// Dropped returns how many lines were evicted unread because the buffer was
// full.
func (l *Link) Dropped() uint64 {
	return l.dropped.Load()
}

// Discard drops lines that are already buffered and returns how many.
func (l *Link) Discard() int {
	n := 0
	for {
		select {
		case line, ok := <-l.lines:
			if !ok {
				return n
			}
			l.logger.Debug("discarding stale device output", "line", line)
			n++
		default:
			return n
		}
	}
}

// Monitor calls fn for every line until ctx is done or the link fails. It
// returns nil when ctx ends.
func (l *Link) Monitor(ctx context.Context, fn func(line string)) error {
	for {
		line, err := l.ReadLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(line)
	}
}

// Close closes the underlying stream and waits briefly for the reader to
// stop. It is safe to call more than once.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		close(l.closing)
		l.closeErr = l.rwc.Close()

		select {
		case <-l.done:
		case <-time.After(closeWait):
			l.logger.Warn("device reader did not stop after close")
		}
	})
	return l.closeErr
}

func (l *Link) terminalError() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.err == nil:
		return ErrClosed
	case errors.Is(l.err, ErrLineTooLong):
		return l.err
	default:
		return fmt.Errorf("%w: %w", ErrClosed, l.err)
	}
}

// deliver queues line for readers. When the queue is full the oldest line is
// evicted, so output nobody reads never blocks the reader and Discard always
// clears everything received so far. It returns false once the link closes.
func (l *Link) deliver(line string) bool {
	for {
		select {
		case <-l.closing:
			return false
		default:
		}

		select {
		case l.lines <- line:
			return true
		default:
		}

		select {
		case old := <-l.lines:
			l.dropped.Add(1)
			l.logger.Debug("device output unread, dropping oldest line", "line", old)
		default:
		}
	}
}

func (l *Link) readerLoop() {
	defer close(l.done)
	defer close(l.lines)

	initial := 4096
	if l.maxLine < initial {
		initial = l.maxLine
	}
	sc := bufio.NewScanner(l.rwc)
	sc.Buffer(make([]byte, 0, initial), l.maxLine)

	for sc.Scan() {
		line := strings.Trim(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if !l.deliver(line) {
			return
		}
	}

	err := sc.Err()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		err = fmt.Errorf("%w (limit %d bytes)", ErrLineTooLong, l.maxLine)
	case err == nil:
		err = io.EOF
	}

	l.mu.Lock()
	l.err = err
	closed := l.closed
	l.mu.Unlock()

	if !closed {
		l.logger.Warn("device stream ended", "error", err)
	}
}
