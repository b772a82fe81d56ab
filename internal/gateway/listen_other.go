//go:build !unix

// ABOUTME: Socket options for the session listener on non-unix platforms
// ABOUTME: Leaves the platform defaults alone

package gateway

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
