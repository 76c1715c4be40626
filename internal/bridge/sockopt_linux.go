//go:build linux

package bridge

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr lets a mirrored port be rebound while an old socket on it lingers
// in TIME_WAIT.
func reuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
