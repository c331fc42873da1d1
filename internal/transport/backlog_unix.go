//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// limitBacklog re-issues listen(2) on an already listening socket, which only updates the backlog.
func limitBacklog(c syscall.Conn) error {
	rc, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var lerr error
	err = rc.Control(func(fd uintptr) {
		lerr = unix.Listen(int(fd), 1)
	})
	if err != nil {
		return err
	}
	return lerr
}
