//go:build !unix

package transport

import "syscall"

func limitBacklog(c syscall.Conn) error {
	return nil
}
