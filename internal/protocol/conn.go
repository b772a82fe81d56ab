// ABOUTME: Message-level connection that combines framing with JSON codec
// ABOUTME: Separates undecodable frames from transport failures

package protocol

import (
	"fmt"
	"io"

	"github.com/FayCarsons/pidgeon/internal/frame"
)

// Conn sends and receives Messages over a framed stream.
type Conn struct {
	ch *frame.Channel
}

// NewConn wraps rw.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{ch: frame.NewChannel(rw)}
}

// Send encodes m into one frame.
func (c *Conn) Send(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Status, err)
	}
	return c.ch.Send(data)
}

// Recv reads the next message. A frame that arrives intact but does not
// decode yields a *DecodeError and leaves the stream usable; any other error
// means the stream is gone.
func (c *Conn) Recv() (Message, error) {
	data, err := c.ch.Recv()
	if err != nil {
		return Message{}, err
	}
	return Decode(data)
}
