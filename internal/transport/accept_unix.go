//go:build unix

package transport

import (
	"errors"

	"golang.org/x/sys/unix"
)

// temporaryAcceptError reports errors after which the listening socket is still usable.
func temporaryAcceptError(err error) bool {
	for _, errno := range []unix.Errno{unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM, unix.ECONNABORTED, unix.EINTR, unix.EAGAIN} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
