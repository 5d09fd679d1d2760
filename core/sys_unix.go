//go:build unix

package core

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// socketControl lets several listeners share the name service port and allows broadcasts.
func socketControl(network, address string, c syscall.RawConn) error {
	var err error
	cerr := c.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if err != nil {
			return
		}
		if network == "udp" || network == "udp4" {
			err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		}
	})
	if cerr != nil {
		return cerr
	}
	return err
}
