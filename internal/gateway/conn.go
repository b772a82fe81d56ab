// ABOUTME: Per-connection session state machine for the TCP gateway
// ABOUTME: Idle handshake (Start/Check), then in-order request forwarding while Active

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/FayCarsons/pidgeon/internal/protocol"
	"github.com/FayCarsons/pidgeon/internal/session"
	"github.com/FayCarsons/pidgeon/internal/store"
)

// handleConn runs one connection from handshake to close.
func (g *Gateway) handleConn(conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(g.connCtx, func() { _ = conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	log := g.logger.With("remote", remote)
	log.Debug("connection accepted")

	pc := protocol.NewConn(conn)

	lease, ok := g.handshake(conn, pc, log)
	if !ok {
		return
	}

	reason := g.serveSession(pc, lease, log.With("session_id", lease.ID))
	lease.Release(reason)
}

// handshake reads control messages until the client is admitted or the
// connection should close. It returns a lease only for an admitted Start.
func (g *Gateway) handshake(conn net.Conn, pc *protocol.Conn, log *slog.Logger) (*session.Lease, bool) {
	for {
		if d := g.config.Session.HandshakeTimeout; d > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(d))
		}

		msg, err := pc.Recv()
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			log.Warn("undecodable handshake message", "error", err)
			if sendErr := pc.Send(protocol.Unattributed(protocol.ReasonNotUnderstood)); sendErr != nil {
				return nil, false
			}
			continue
		}
		if err != nil {
			logRecvError(log, "handshake", err)
			return nil, false
		}

		switch msg.Status {
		case protocol.StatusStart:
			lease, err := g.arbiter.Acquire(g.connCtx, store.FrontendTCP, conn.RemoteAddr().String())
			if err != nil {
				log.Info("rejecting start, device busy")
				_ = pc.Send(protocol.Unattributed(protocol.ReasonBusy))
				return nil, false
			}
			// admission is silent; the first reply the client sees answers its first request
			_ = conn.SetReadDeadline(time.Time{})
			return lease, true

		case protocol.StatusCheck:
			reply := protocol.Affirm()
			if g.arbiter.Busy() {
				reply = protocol.Unattributed(protocol.ReasonBusy)
			}
			_ = pc.Send(reply)
			return nil, false

		default:
			log.Warn("unexpected handshake message", "message", msg.String())
			if err := pc.Send(protocol.Unattributed(protocol.ReasonNotUnderstood)); err != nil {
				return nil, false
			}
		}
	}
}

// serveSession handles requests in order until the client leaves, the device
// fails, or the gateway shuts down. It returns the reason the session ended.
func (g *Gateway) serveSession(pc *protocol.Conn, lease *session.Lease, log *slog.Logger) string {
	for {
		msg, err := pc.Recv()
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			log.Warn("undecodable message", "error", err)
			if err := pc.Send(protocol.Unattributed(protocol.ReasonNotUnderstood)); err != nil {
				return "connection lost"
			}
			continue
		}
		if err != nil {
			if g.connCtx.Err() != nil {
				return "server shutdown"
			}
			logRecvError(log, "session", err)
			if errors.Is(err, io.EOF) {
				return "client closed"
			}
			return "connection lost"
		}

		switch msg.Status {
		case protocol.StatusSuccess:
			id, _ := msg.ID()
			reply, answered, err := lease.Forward(g.connCtx, msg.Contents)
			if err != nil {
				log.Error("device failure", "request_id", id, "error", err)
				_ = pc.Send(protocol.Failure(id, err.Error()))
				return "device error"
			}

			var out protocol.Message
			switch {
			case answered:
				out = protocol.Success(id, reply)
			case g.config.Session.TimeoutReply:
				out = protocol.Failure(id, protocol.ReasonNoDeviceAnswer)
			default:
				log.Debug("device silent", "request_id", id)
				continue
			}
			if err := pc.Send(out); err != nil {
				log.Debug("failed to send reply", "request_id", id, "error", err)
				return "connection lost"
			}

		case protocol.StatusFailure:
			log.Warn("client reported failure", "message", msg.String())

		default:
			log.Warn("unexpected message in session", "message", msg.String())
			if err := pc.Send(protocol.Unattributed(protocol.ReasonNotUnderstood)); err != nil {
				return "connection lost"
			}
		}
	}
}

func logRecvError(log *slog.Logger, phase string, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		log.Debug("client closed connection", "phase", phase)
	case errors.As(err, &ne) && ne.Timeout():
		log.Info("client timed out", "phase", phase)
	default:
		log.Warn("connection read failed", "phase", phase, "error", err)
	}
}
