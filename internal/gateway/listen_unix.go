//go:build unix

// ABOUTME: Socket options for the session listener on unix platforms
// ABOUTME: Sets SO_REUSEADDR so a restarted gateway can rebind immediately

package gateway

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
