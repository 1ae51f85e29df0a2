package rpcserver

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// setReuseAddr is a net.ListenConfig.Control hook that sets SO_REUSEADDR on
// the TCP listening socket before bind, mirroring the reference worker's
// _make_server_socket.
func setReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// syscallUnlink removes a stale sock-file from a previous run, ignoring a
// missing file.
func syscallUnlink(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
