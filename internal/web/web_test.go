// ABOUTME: Tests for the web routes and WebSocket shim
// ABOUTME: Runs a real httptest server with a simulated device behind the arbiter

package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FayCarsons/pidgeon/internal/device"
	"github.com/FayCarsons/pidgeon/internal/protocol"
	"github.com/FayCarsons/pidgeon/internal/session"
	"github.com/FayCarsons/pidgeon/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	server  *httptest.Server
	arbiter *session.Arbiter
	store   *store.SQLiteStore
}

func newFixture(t *testing.T, respond device.Responder) *fixture {
	t.Helper()

	link := device.NewLink(device.NewSimulator(respond), device.WithLogger(testLogger()))
	t.Cleanup(func() { _ = link.Close() })

	st, err := store.NewMemoryStore(testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	arb := session.NewArbiter(link, session.Options{
		ReplyWindow: 200 * time.Millisecond,
		Store:       st,
		Logger:      testLogger(),
	})

	h, err := New(arb, st, testLogger())
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})

	return &fixture{server: srv, arbiter: arb, store: st}
}

func (f *fixture) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func (f *fixture) dial(t *testing.T) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/connect"
	return websocket.DefaultDialer.Dial(url, nil)
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	m, err := protocol.Decode(data)
	require.NoError(t, err)
	return m
}

func TestIndex(t *testing.T) {
	f := newFixture(t, device.EchoResponder)

	code, body := f.get(t, "/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<h1>pidgeon websocket server</h1>")
	assert.Contains(t, body, "<strong>crow</strong>")

	code, _ = f.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, device.EchoResponder)

	code, body := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)
}

func TestCheck(t *testing.T) {
	f := newFixture(t, device.EchoResponder)

	_, body := f.get(t, "/check")
	assert.JSONEq(t, `"OK"`, body)

	lease, err := f.arbiter.Acquire(context.Background(), store.FrontendTCP, "someone")
	require.NoError(t, err)

	_, body = f.get(t, "/check")
	assert.JSONEq(t, `"BUSY"`, body)

	lease.Release("done")
}

func TestConnect_ForwardsTextFrames(t *testing.T) {
	f := newFixture(t, func(cmd device.Command) []string {
		if cmd.Text == "quiet" {
			return nil
		}
		return []string{"got " + cmd.Text}
	})

	conn, _, err := f.dial(t)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, f.arbiter.Busy, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("print(1)")))
	assert.Equal(t, protocol.Success(1, "got print(1)"), readMessage(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("quiet")))
	assert.Equal(t, protocol.Affirm(), readMessage(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("again")))
	assert.Equal(t, protocol.Success(3, "got again"), readMessage(t, conn))
}

func TestConnect_BusyIsRejected(t *testing.T) {
	f := newFixture(t, device.EchoResponder)

	first, _, err := f.dial(t)
	require.NoError(t, err)

	_, resp, err := f.dial(t)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "BUSY", strings.TrimSpace(string(body)))

	require.NoError(t, first.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	first.Close()

	require.Eventually(t, func() bool { return !f.arbiter.Busy() }, 2*time.Second, 10*time.Millisecond)

	again, _, err := f.dial(t)
	require.NoError(t, err)
	again.Close()
}

func TestSessions(t *testing.T) {
	f := newFixture(t, device.FixedResponder("OK"))

	conn, _, err := f.dial(t)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("x")))
	readMessage(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	require.Eventually(t, func() bool { return !f.arbiter.Busy() }, 2*time.Second, 10*time.Millisecond)

	code, body := f.get(t, "/sessions")
	require.Equal(t, http.StatusOK, code)

	var views []sessionView
	require.NoError(t, json.Unmarshal([]byte(body), &views))
	require.Len(t, views, 1)
	assert.Equal(t, store.FrontendWebSocket, views[0].Frontend)
	assert.Equal(t, 1, views[0].Requests)
	assert.Equal(t, 1, views[0].Replies)
	assert.Equal(t, "client closed", views[0].CloseReason)
	assert.NotNil(t, views[0].EndedAt)
}
