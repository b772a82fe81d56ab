// ABOUTME: Tests for the gateway client
// ABOUTME: Runs against a real gateway over a simulated device plus a scripted fake server

package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FayCarsons/pidgeon/internal/config"
	"github.com/FayCarsons/pidgeon/internal/device"
	"github.com/FayCarsons/pidgeon/internal/gateway"
	"github.com/FayCarsons/pidgeon/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startGateway runs a gateway over a simulated device and returns its address.
func startGateway(t *testing.T, respond device.Responder) (string, *gateway.Gateway) {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Port = 0

	link := device.NewLink(device.NewSimulator(respond), device.WithLogger(testLogger()))
	gw, err := gateway.New(cfg, link, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gw.Run(ctx)
	}()
	<-gw.Ready()

	t.Cleanup(func() {
		cancel()
		<-done
		_ = link.Close()
	})
	return gw.Addr().String(), gw
}

// fakeServer accepts one connection and hands it to script.
func fakeServer(t *testing.T, script func(pc *protocol.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(protocol.NewConn(conn))
	}()
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDo_RoundTrip(t *testing.T) {
	addr, _ := startGateway(t, device.EchoResponder)

	c := dial(t, addr)
	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	reply, err := c.Do(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)

	reply, err = c.Do(ctx, "again")
	require.NoError(t, err)
	assert.Equal(t, "again", reply)
}

func TestDo_ConcurrentCallersGetTheirOwnReplies(t *testing.T) {
	addr, _ := startGateway(t, device.EchoResponder)

	c := dial(t, addr)
	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inputs := []string{"a", "b", "c", "d", "e"}
	var wg sync.WaitGroup
	for _, in := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := c.Do(ctx, in)
			assert.NoError(t, err)
			assert.Equal(t, in, reply)
		}()
	}
	wg.Wait()
}

func TestDo_SilentDevice(t *testing.T) {
	addr, _ := startGateway(t, device.SilentResponder)

	c := dial(t, addr)
	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, "x")
	assert.ErrorIs(t, err, ErrNoReply)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, c.Err())
}

func TestDo_Busy(t *testing.T) {
	addr, gw := startGateway(t, device.EchoResponder)

	owner := dial(t, addr)
	require.NoError(t, owner.Start())
	require.Eventually(t, gw.Arbiter().Busy, 3*time.Second, 10*time.Millisecond)

	c := dial(t, addr)
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return c.Err() != nil }, 3*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.Err(), ErrBusy)

	_, err := c.Do(context.Background(), "x")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestDo_BeforeStart(t *testing.T) {
	addr, _ := startGateway(t, device.EchoResponder)
	c := dial(t, addr)

	_, err := c.Do(context.Background(), "x")
	assert.Error(t, err)
	require.NoError(t, c.Start())
	assert.Error(t, c.Start(), "second start must fail")
}

func TestCheck(t *testing.T) {
	addr, gw := startGateway(t, device.EchoResponder)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	free, err := dial(t, addr).Check(ctx)
	require.NoError(t, err)
	assert.True(t, free)

	owner := dial(t, addr)
	require.NoError(t, owner.Start())
	require.Eventually(t, gw.Arbiter().Busy, 3*time.Second, 10*time.Millisecond)

	free, err = dial(t, addr).Check(ctx)
	require.NoError(t, err)
	assert.False(t, free)
}

func TestDo_FailureReply(t *testing.T) {
	addr := fakeServer(t, func(pc *protocol.Conn) {
		if m, err := pc.Recv(); err != nil || m.Status != protocol.StatusStart {
			return
		}
		m, err := pc.Recv()
		if err != nil {
			return
		}
		id, _ := m.ID()
		_ = pc.Send(protocol.Failure(id, "device unplugged"))
		_, _ = pc.Recv()
	})

	c := dial(t, addr)
	require.NoError(t, c.Start())

	_, err := c.Do(context.Background(), "x")
	var fe *FailureError
	require.True(t, errors.As(err, &fe), "want FailureError, got %v", err)
	assert.Equal(t, uint64(1), fe.RequestID)
	assert.Equal(t, "device unplugged", fe.Reason)
}

func TestDo_StrayRepliesAreIgnored(t *testing.T) {
	addr := fakeServer(t, func(pc *protocol.Conn) {
		if _, err := pc.Recv(); err != nil {
			return
		}
		m, err := pc.Recv()
		if err != nil {
			return
		}
		id, _ := m.ID()
		_ = pc.Send(protocol.Success(id+100, "nobody asked"))
		_ = pc.Send(protocol.Unattributed(protocol.ReasonNotUnderstood))
		_ = pc.Send(protocol.Success(id, "mine"))
		_, _ = pc.Recv()
	})

	c := dial(t, addr)
	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := c.Do(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "mine", reply)
}

func TestDo_ConnectionLost(t *testing.T) {
	addr := fakeServer(t, func(pc *protocol.Conn) {
		_, _ = pc.Recv()
		_, _ = pc.Recv()
	})

	c := dial(t, addr)
	require.NoError(t, c.Start())

	_, err := c.Do(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
}
