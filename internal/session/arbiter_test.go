// ABOUTME: Tests for device arbitration and request forwarding
// ABOUTME: Covers exclusivity under contention, release, forwarding outcomes, and ledger records

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FayCarsons/pidgeon/internal/device"
	"github.com/FayCarsons/pidgeon/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSimLink(t *testing.T, respond device.Responder) (*device.Link, *device.Simulator) {
	t.Helper()
	sim := device.NewSimulator(respond)
	link := device.NewLink(sim, device.WithLogger(testLogger()))
	t.Cleanup(func() { _ = link.Close() })
	return link, sim
}

// scriptedDevice fails on demand.
type scriptedDevice struct {
	sendErr error
	readErr error
	sent    []string
}

func (d *scriptedDevice) Send(text string) error {
	d.sent = append(d.sent, text)
	return d.sendErr
}

func (d *scriptedDevice) TryReadLine(time.Duration) (string, bool, error) {
	if d.readErr != nil {
		return "", false, d.readErr
	}
	return "", false, nil
}

func (d *scriptedDevice) Discard() int { return 0 }

func TestAcquire_ExclusiveUnderContention(t *testing.T) {
	link, _ := newSimLink(t, device.SilentResponder)
	arb := NewArbiter(link, Options{Logger: testLogger()})

	const contenders = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var leases []*Lease
	busy := 0

	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			l, err := arb.Acquire(context.Background(), store.FrontendTCP, "peer")
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrBusy) {
				busy++
				return
			}
			leases = append(leases, l)
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, leases, 1)
	assert.Equal(t, contenders-1, busy)
	assert.True(t, arb.Busy())

	leases[0].Release("done")
	assert.False(t, arb.Busy())
}

func TestRelease_AllowsNextLeaseAndIsIdempotent(t *testing.T) {
	link, _ := newSimLink(t, device.SilentResponder)
	arb := NewArbiter(link, Options{Logger: testLogger()})
	ctx := context.Background()

	first, err := arb.Acquire(ctx, store.FrontendTCP, "a")
	require.NoError(t, err)

	_, err = arb.Acquire(ctx, store.FrontendTCP, "b")
	assert.ErrorIs(t, err, ErrBusy)

	first.Release("bye")
	first.Release("bye again")

	second, err := arb.Acquire(ctx, store.FrontendWebSocket, "b")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	second.Release("bye")
}

func TestOnChange(t *testing.T) {
	link, _ := newSimLink(t, device.SilentResponder)
	arb := NewArbiter(link, Options{Logger: testLogger()})

	var states []bool
	arb.OnChange(func(busy bool) { states = append(states, busy) })

	l, err := arb.Acquire(context.Background(), store.FrontendTCP, "a")
	require.NoError(t, err)
	l.Release("done")

	assert.Equal(t, []bool{true, false}, states)
}

func TestOnChange_ObserverRegisteredDuringNotify(t *testing.T) {
	link, _ := newSimLink(t, device.SilentResponder)
	arb := NewArbiter(link, Options{Logger: testLogger()})

	var first, late []bool
	arb.OnChange(func(busy bool) {
		first = append(first, busy)
		if busy {
			arb.OnChange(func(busy bool) { late = append(late, busy) })
		}
	})

	l, err := arb.Acquire(context.Background(), store.FrontendTCP, "a")
	require.NoError(t, err)
	l.Release("done")

	assert.Equal(t, []bool{true, false}, first)
	assert.Equal(t, []bool{false}, late, "observer added mid-notify starts with the next change")
}

func TestForward_Reply(t *testing.T) {
	link, sim := newSimLink(t, device.FixedResponder("OK"))
	arb := NewArbiter(link, Options{Logger: testLogger(), ReplyWindow: time.Second})

	l, err := arb.Acquire(context.Background(), store.FrontendTCP, "a")
	require.NoError(t, err)
	defer l.Release("done")

	reply, answered, err := l.Forward(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, answered)
	assert.Equal(t, "OK", reply)
	assert.Equal(t, []device.Command{{Kind: device.KindPlain, Text: "x"}}, sim.Commands())
}

// chattyPort answers every write with "OK" and lets the test push
// unsolicited output.
type chattyPort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newChattyPort() *chattyPort {
	r, w := io.Pipe()
	return &chattyPort{r: r, w: w}
}

func (p *chattyPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *chattyPort) Write(b []byte) (int, error) {
	go func() { _, _ = io.WriteString(p.w, "OK\n") }()
	return len(b), nil
}

func (p *chattyPort) Close() error {
	_ = p.w.Close()
	return p.r.Close()
}

func TestForward_IgnoresOutputFromBeforeTheRequest(t *testing.T) {
	port := newChattyPort()
	link := device.NewLink(port, device.WithLogger(testLogger()))
	t.Cleanup(func() { _ = link.Close() })

	const unsolicited = 100
	var chatter strings.Builder
	for i := 0; i < unsolicited; i++ {
		fmt.Fprintf(&chatter, "unsolicited-%d\n", i)
	}
	_, err := io.WriteString(port.w, chatter.String())
	require.NoError(t, err)

	// wait until the reader has taken in every line
	require.Eventually(t, func() bool {
		return link.Dropped()+uint64(64) == unsolicited
	}, time.Second, 5*time.Millisecond)

	arb := NewArbiter(link, Options{Logger: testLogger(), ReplyWindow: time.Second})
	l, err := arb.Acquire(context.Background(), store.FrontendTCP, "a")
	require.NoError(t, err)
	defer l.Release("done")

	reply, answered, err := l.Forward(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, answered)
	assert.Equal(t, "OK", reply)
}

func TestForward_Silent(t *testing.T) {
	link, _ := newSimLink(t, device.SilentResponder)
	arb := NewArbiter(link, Options{Logger: testLogger(), ReplyWindow: 20 * time.Millisecond})

	l, err := arb.Acquire(context.Background(), store.FrontendTCP, "a")
	require.NoError(t, err)
	defer l.Release("done")

	reply, answered, err := l.Forward(context.Background(), "x")
	assert.NoError(t, err)
	assert.False(t, answered)
	assert.Empty(t, reply)
}

func TestForward_DropsStaleOutput(t *testing.T) {
	// every command produces two lines; the second is stale by the next request
	link, _ := newSimLink(t, func(cmd device.Command) []string {
		return []string{"reply:" + cmd.Text, "trailer:" + cmd.Text}
	})
	arb := NewArbiter(link, Options{Logger: testLogger(), ReplyWindow: time.Second})

	l, err := arb.Acquire(context.Background(), store.FrontendTCP, "a")
	require.NoError(t, err)
	defer l.Release("done")

	reply, _, err := l.Forward(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "reply:1", reply)

	// let the trailer arrive before the next request
	time.Sleep(50 * time.Millisecond)

	reply, _, err = l.Forward(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, "reply:2", reply)
}

func TestForward_DeviceErrors(t *testing.T) {
	dev := &scriptedDevice{sendErr: errors.New("unplugged")}
	st, err := store.NewMemoryStore(testLogger())
	require.NoError(t, err)
	defer st.Close()

	arb := NewArbiter(dev, Options{Logger: testLogger(), Store: st})
	ctx := context.Background()

	l, err := arb.Acquire(ctx, store.FrontendTCP, "a")
	require.NoError(t, err)

	_, _, err = l.Forward(ctx, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unplugged")

	dev.sendErr = nil
	dev.readErr = device.ErrClosed
	_, _, err = l.Forward(ctx, "y")
	assert.ErrorIs(t, err, device.ErrClosed)

	l.Release("device error")

	sess, err := st.GetSession(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Requests)
	assert.Equal(t, 2, sess.Failures)
	assert.Equal(t, "device error", sess.CloseReason)
	assert.False(t, sess.Active())
}

func TestLedgerRecordsOutcomes(t *testing.T) {
	link, _ := newSimLink(t, func(cmd device.Command) []string {
		if cmd.Text == "quiet" {
			return nil
		}
		return []string{"ok"}
	})
	st, err := store.NewMemoryStore(testLogger())
	require.NoError(t, err)
	defer st.Close()

	arb := NewArbiter(link, Options{Logger: testLogger(), Store: st, ReplyWindow: 100 * time.Millisecond})
	ctx := context.Background()

	l, err := arb.Acquire(ctx, store.FrontendWebSocket, "browser")
	require.NoError(t, err)

	for _, text := range []string{"a", "quiet", "b"} {
		_, _, err := l.Forward(ctx, text)
		require.NoError(t, err)
	}

	sess, err := st.GetSession(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, sess.Active())
	assert.Equal(t, store.FrontendWebSocket, sess.Frontend)
	assert.Equal(t, "browser", sess.RemoteAddr)
	assert.Equal(t, 3, sess.Requests)
	assert.Equal(t, 2, sess.Replies)
	assert.Equal(t, 1, sess.Silent)

	l.Release("closed")
}
