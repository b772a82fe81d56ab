// ABOUTME: Length-prefixed framing over any byte stream
// ABOUTME: 4-byte big-endian length header, bounded payload, atomic writes

package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize is the receive buffer size. Declared lengths at or above it
// are rejected.
const MaxFrameSize = 512 * 512

const headerSize = 4

// ErrFrameTooLarge is returned when a frame's length reaches MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Channel reads and writes frames on an underlying stream.
type Channel struct {
	rw io.ReadWriter

	wmu sync.Mutex
	rmu sync.Mutex

	header [headerSize]byte
	buf    []byte
}

// NewChannel wraps rw. The Channel does not own rw; closing it is the
// caller's job.
func NewChannel(rw io.ReadWriter) *Channel {
	return &Channel{
		rw:  rw,
		buf: make([]byte, MaxFrameSize),
	}
}

// Send writes payload as a single frame.
func (c *Channel) Send(payload []byte) error {
	if len(payload) >= MaxFrameSize {
		return fmt.Errorf("send %d bytes: %w", len(payload), ErrFrameTooLarge)
	}

	out := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(out[:headerSize], uint32(len(payload)))
	copy(out[headerSize:], payload)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.rw.Write(out); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Recv reads the next frame. The returned slice aliases an internal buffer
// and is only valid until the next call to Recv.
//
// A stream that ends cleanly between frames yields io.EOF; one that ends
// inside a frame yields io.ErrUnexpectedEOF.
func (c *Channel) Recv() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if _, err := io.ReadFull(c.rw, c.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	n := binary.BigEndian.Uint32(c.header[:])
	if uint64(n) >= MaxFrameSize {
		return nil, fmt.Errorf("declared length %d: %w", n, ErrFrameTooLarge)
	}

	payload := c.buf[:n]
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
