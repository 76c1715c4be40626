//go:build !linux

package bridge

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
