//go:build !unix

package core

import "syscall"

// go sets SO_BROADCAST on udp sockets by itself on windows
func socketControl(network, address string, c syscall.RawConn) error {
	return nil
}
