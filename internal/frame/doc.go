// Package frame implements the length-prefixed framing used on gateway
// connections.
//
// # Wire Format
//
// Every frame is a 4-byte big-endian unsigned length followed by exactly
// that many payload bytes:
//
//	+----------------+---------------------+
//	| length (u32 BE) | payload (length B) |
//	+----------------+---------------------+
//
// Frames whose declared length is MaxFrameSize or larger are rejected before
// any payload is read, so a hostile peer cannot make the reader allocate.
//
// # Concurrency
//
// Send may be called from multiple goroutines; prefix and payload go out in
// a single write under a mutex. Recv must be used by one goroutine at a time.
package frame
