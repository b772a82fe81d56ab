// Package web serves the browser-facing side of the gateway.
//
// Routes:
//
//	GET /          status page rendered from embedded markdown
//	GET /health    200 "OK"
//	GET /check     JSON string "OK" or "BUSY"
//	GET /sessions  recent sessions from the ledger as JSON
//	GET /connect   WebSocket; 400 "BUSY" when the device is taken
//
// A /connect socket holds the device lease for its lifetime. Every text
// frame is forwarded to the device, and each is answered with one JSON
// control message: Success carrying the device's reply, Affirm when the
// device said nothing, or Failure when the device link broke (after which
// the socket closes). Request ids count text frames from 1.
package web
