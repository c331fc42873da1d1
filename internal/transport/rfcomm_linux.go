//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds how long Accept waits before re-checking cancellation.
const pollTimeoutMs = 250

// RFCOMMAcceptor listens on a Bluetooth RFCOMM channel of the local adapter.
type RFCOMMAcceptor struct {
	fd      int
	channel uint8
	closed  *atomic.Bool
}

type fileConn struct {
	*os.File
	peer string
}

func (c *fileConn) Peer() string {
	return c.peer
}

func ListenRFCOMM(channel uint8) (*RFCOMMAcceptor, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, &TransportError{Op: "socket", Err: err}
	}
	// zero address binds every local adapter
	if err := unix.Bind(fd, &unix.SockaddrRFCOMM{Channel: channel}); err != nil {
		unix.Close(fd)
		return nil, &TransportError{Op: "bind", Err: err}
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, &TransportError{Op: "listen", Err: err}
	}
	return &RFCOMMAcceptor{
		fd:      fd,
		channel: channel,
		closed:  atomic.NewBool(false),
	}, nil
}

func (a *RFCOMMAcceptor) Addr() string {
	return fmt.Sprintf("rfcomm:%d", a.channel)
}

func (a *RFCOMMAcceptor) Accept(ctx context.Context) (Conn, error) {
	for {
		if a.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fds := []unix.PollFd{{Fd: int32(a.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollTimeoutMs)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return nil, a.fail("poll", err)
		case n == 0:
			continue
		case fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0:
			return nil, a.fail("poll", fmt.Errorf("listening socket revents %#x", fds[0].Revents))
		}
		nfd, sa, err := unix.Accept4(a.fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case err != nil:
			return nil, a.fail("accept", err)
		}
		peer := "unknown"
		if rc, ok := sa.(*unix.SockaddrRFCOMM); ok {
			peer = formatBDAddr(rc.Addr)
		}
		// the descriptor is non-blocking, so the file is registered with the runtime poller and supports deadlines
		f := os.NewFile(uintptr(nfd), "rfcomm:"+peer)
		return &fileConn{File: f, peer: peer}, nil
	}
}

func (a *RFCOMMAcceptor) fail(op string, err error) error {
	if a.closed.Load() {
		return ErrClosed
	}
	return &TransportError{Op: op, Err: err}
}

func (a *RFCOMMAcceptor) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(a.fd)
}

// formatBDAddr renders a Bluetooth device address, which the kernel stores least significant byte first.
func formatBDAddr(addr [6]uint8) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", addr[5], addr[4], addr[3], addr[2], addr[1], addr[0])
}
