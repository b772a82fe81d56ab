// Package gateway runs the pidgeon network server.
//
// # Overview
//
// The Gateway owns the TCP session listener and, when configured, the HTTP
// shim and the gRPC health server. Every front end shares one
// session.Arbiter, so at most one client talks to the device at a time.
//
// # Session Protocol
//
// Clients speak length-prefixed JSON messages (see the protocol package).
// A connection starts Idle:
//
//	Start    claim the device; admitted silently, or Failure{-, "BUSY"} and close
//	Check    Affirm if the device is free, else Failure{-, "BUSY"}; then close
//	other    Failure{-, "don't understand"}; stay Idle
//
// Once admitted the connection is Active and requests run in order:
//
//	Success{id, text}   forward text; reply Success{id, line} when the device
//	                    answers inside the reply window, nothing otherwise
//	Failure{...}        logged
//	other               Failure{-, "don't understand"}
//
// A device error is answered with Failure{id, error} and ends the session.
// With session.timeout_reply set, silence is answered with
// Failure{id, "TIMEOUT"} instead of nothing.
//
// # Connection Limit
//
// server.max_conns bounds connections that are handshaking or holding the
// device. Connections beyond it are closed on accept.
//
// # gRPC Health
//
// The health service reports HealthService as SERVING while the device is
// free and NOT_SERVING while a session holds it.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens there instead: the session port keeps server.port, HTTP uses :80
// and gRPC uses :50051.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, link, logger)
//	go gw.Run(ctx)   // blocks until ctx is canceled
//	<-gw.Ready()
//
// Shutdown closes listeners, ends live sessions, and closes the ledger. The
// device handle belongs to the caller.
package gateway
