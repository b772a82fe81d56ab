// ABOUTME: Client for the gateway's framed JSON session protocol
// ABOUTME: Correlates replies to requests by id through a pending-request map

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FayCarsons/pidgeon/internal/protocol"
)

var (
	// ErrBusy means another client holds the device.
	ErrBusy = errors.New("gateway busy")

	// ErrNoReply means ctx ended before the device answered.
	ErrNoReply = errors.New("no reply from device")

	// ErrClosed means the connection is gone.
	ErrClosed = errors.New("connection closed")
)

// FailureError is a Failure the gateway sent for one request.
type FailureError struct {
	RequestID uint64
	Reason    string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("request %d failed: %s", e.RequestID, e.Reason)
}

// Client is one connection to a gateway.
type Client struct {
	conn   net.Conn
	pc     *protocol.Conn
	logger *slog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan protocol.Message
	err     error
	started bool

	done chan struct{}
}

// Dial connects to the gateway at addr.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}
	return &Client{
		conn:    conn,
		pc:      protocol.NewConn(conn),
		logger:  logger.With("component", "client", "addr", addr),
		pending: make(map[uint64]chan protocol.Message),
		done:    make(chan struct{}),
	}, nil
}

// Check asks whether the device is free. The gateway closes the connection
// afterwards, so the Client cannot be used again.
func (c *Client) Check(ctx context.Context) (bool, error) {
	defer c.conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := c.pc.Send(protocol.Check()); err != nil {
		return false, fmt.Errorf("sending check: %w", err)
	}
	m, err := c.pc.Recv()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("reading check reply: %w", err)
	}

	switch {
	case m.Status == protocol.StatusAffirm:
		return true, nil
	case m.Status == protocol.StatusFailure && m.Contents == protocol.ReasonBusy:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected check reply %s", m)
	}
}

// Start claims the device and begins reading replies. Admission is silent;
// a busy gateway surfaces as ErrBusy from the first Do.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("already started")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.pc.Send(protocol.Start()); err != nil {
		return fmt.Errorf("sending start: %w", err)
	}
	go c.readLoop()
	return nil
}

// Do sends contents to the device and waits for the correlated reply.
func (c *Client) Do(ctx context.Context, contents string) (string, error) {
	id := c.nextID.Add(1)

	ch, err := c.createRequest(id)
	if err != nil {
		return "", err
	}
	defer c.closeRequest(id)

	if err := c.pc.Send(protocol.Success(id, contents)); err != nil {
		return "", fmt.Errorf("sending request %d: %w", id, err)
	}

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("request %d: %w: %w", id, ErrNoReply, ctx.Err())
	case m, ok := <-ch:
		if !ok {
			return "", c.Err()
		}
		if m.Status == protocol.StatusFailure {
			return "", &FailureError{RequestID: id, Reason: m.Contents}
		}
		return m.Contents, nil
	}
}

// Err returns why the connection stopped, or nil while it is live.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	err := c.conn.Close()

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
	return err
}

// createRequest registers a pending request and returns its reply channel.
func (c *Client) createRequest(id uint64) (<-chan protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil, errors.New("not started")
	}
	if c.err != nil {
		return nil, c.err
	}
	ch := make(chan protocol.Message, 1)
	c.pending[id] = ch
	return ch, nil
}

// closeRequest forgets a pending request.
func (c *Client) closeRequest(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// handleResponse routes a reply to its pending request. Replies for
// requests nobody is waiting on any more are logged and dropped.
func (c *Client) handleResponse(m protocol.Message, id uint64) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("received reply for unknown request", "request_id", id)
		return
	}

	select {
	case ch <- m:
	default:
		c.logger.Warn("duplicate reply, dropping", "request_id", id)
	}
}

// fail records err as terminal unless one is already set, and wakes every
// pending request.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		m, err := c.pc.Recv()
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			c.logger.Warn("undecodable reply", "error", err)
			continue
		}
		if err != nil {
			c.fail(fmt.Errorf("%w: %w", ErrClosed, err))
			return
		}

		if id, ok := m.ID(); ok {
			c.handleResponse(m, id)
			continue
		}

		if m.Status == protocol.StatusFailure && m.Contents == protocol.ReasonBusy {
			c.fail(ErrBusy)
			continue
		}
		c.logger.Warn("unattributed reply", "message", m.String())
	}
}
