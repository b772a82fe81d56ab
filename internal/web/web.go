// ABOUTME: HTTP routes for status, availability checks, the session ledger, and the WebSocket shim
// ABOUTME: WebSocket text frames are forwarded through the same device lease as TCP sessions

package web

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"

	"github.com/FayCarsons/pidgeon/internal/protocol"
	"github.com/FayCarsons/pidgeon/internal/session"
	"github.com/FayCarsons/pidgeon/internal/store"
)

//go:embed status.md
var statusMarkdown []byte

const sessionListLimit = 50

// Handler serves the web routes.
type Handler struct {
	arbiter  *session.Arbiter
	store    store.Store
	logger   *slog.Logger
	page     []byte
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Handler. st may be nil, in which case /sessions is empty.
func New(arbiter *session.Arbiter, st store.Store, logger *slog.Logger) (*Handler, error) {
	page, err := renderPage(statusMarkdown)
	if err != nil {
		return nil, fmt.Errorf("rendering status page: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		arbiter: arbiter,
		store:   st,
		logger:  logger.With("component", "web"),
		page:    page,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// no client authentication; any origin may connect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func renderPage(md []byte) ([]byte, error) {
	var body bytes.Buffer
	if err := goldmark.Convert(md, &body); err != nil {
		return nil, err
	}

	var page bytes.Buffer
	page.WriteString("<!doctype html>\n<html><head><meta charset=\"utf-8\"><title>pidgeon</title></head><body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body></html>\n")
	return page.Bytes(), nil
}

// RegisterRoutes mounts the handler's routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /check", h.handleCheck)
	mux.HandleFunc("GET /sessions", h.handleSessions)
	mux.HandleFunc("GET /connect", h.handleConnect)
}

// Close ends open WebSocket sessions and waits for them to release the
// device.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(h.page)
}

// handleHealth returns 200 OK if the server is alive.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	status := "OK"
	if h.arbiter.Busy() {
		status = protocol.ReasonBusy
	}
	writeJSON(w, status)
}

type sessionView struct {
	ID          string     `json:"id"`
	Frontend    string     `json:"frontend"`
	RemoteAddr  string     `json:"remote_addr"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Requests    int        `json:"requests"`
	Replies     int        `json:"replies"`
	Silent      int        `json:"silent"`
	Failures    int        `json:"failures"`
	CloseReason string     `json:"close_reason,omitempty"`
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	views := []sessionView{}
	if h.store != nil {
		sessions, err := h.store.ListSessions(r.Context(), sessionListLimit)
		if err != nil {
			h.logger.Error("failed to list sessions", "error", err)
			http.Error(w, "failed to list sessions", http.StatusInternalServerError)
			return
		}
		for _, s := range sessions {
			views = append(views, sessionView{
				ID:          s.ID,
				Frontend:    s.Frontend,
				RemoteAddr:  s.RemoteAddr,
				StartedAt:   s.StartedAt,
				EndedAt:     s.EndedAt,
				Requests:    s.Requests,
				Replies:     s.Replies,
				Silent:      s.Silent,
				Failures:    s.Failures,
				CloseReason: s.CloseReason,
			})
		}
	}
	writeJSON(w, views)
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	lease, err := h.arbiter.Acquire(r.Context(), store.FrontendWebSocket, r.RemoteAddr)
	if errors.Is(err, session.ErrBusy) {
		http.Error(w, protocol.ReasonBusy, http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		lease.Release("upgrade failed")
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()

	reason := h.serveSocket(conn, lease)
	lease.Release(reason)
}

// serveSocket runs one WebSocket session and returns why it ended.
func (h *Handler) serveSocket(conn *websocket.Conn, lease *session.Lease) string {
	defer conn.Close()
	stop := context.AfterFunc(h.ctx, func() { _ = conn.Close() })
	defer stop()

	log := h.logger.With("session_id", lease.ID, "remote", lease.Remote)

	var seq uint64
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if h.ctx.Err() != nil {
				return "server shutdown"
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "client closed"
			}
			log.Debug("websocket read failed", "error", err)
			return "connection lost"
		}
		if mt != websocket.TextMessage {
			continue
		}

		seq++
		reply, answered, err := lease.Forward(h.ctx, string(data))
		if err != nil {
			log.Error("device failure", "request_id", seq, "error", err)
			_ = writeMessage(conn, protocol.Failure(seq, err.Error()))
			return "device error"
		}

		msg := protocol.Affirm()
		if answered {
			msg = protocol.Success(seq, reply)
		}
		if err := writeMessage(conn, msg); err != nil {
			log.Debug("websocket write failed", "error", err)
			return "connection lost"
		}
	}
}

func writeMessage(conn *websocket.Conn, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
