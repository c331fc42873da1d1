package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

type listener interface {
	Accept() (net.Conn, error)
	SetDeadline(t time.Time) error
	Addr() net.Addr
	Close() error
}

type TCPAcceptor struct {
	log *zap.Logger
	ln  listener
}

type netConn struct {
	net.Conn
}

func (c netConn) Peer() string {
	return c.RemoteAddr().String()
}

// ListenTCP binds addr with a backlog of one pending connection.
func ListenTCP(log *zap.Logger, addr string) (*TCPAcceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}
	tl := ln.(*net.TCPListener)
	if err := limitBacklog(tl); err != nil {
		tl.Close()
		return nil, &TransportError{Op: "listen", Err: fmt.Errorf("set backlog: %w", err)}
	}
	return &TCPAcceptor{log: log, ln: tl}, nil
}

func (a *TCPAcceptor) Addr() string {
	return a.ln.Addr().String()
}

// Accept retries errors that only affect a single pending connection, like running out of file
// descriptors, backing off between attempts. Any other error is a *TransportError.
func (a *TCPAcceptor) Accept(ctx context.Context) (Conn, error) {
	if err := a.ln.SetDeadline(time.Time{}); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, &TransportError{Op: "accept", Err: err}
	}
	stop := context.AfterFunc(ctx, func() {
		a.ln.SetDeadline(time.Now())
	})
	defer stop()
	var delay time.Duration
	for {
		conn, err := a.ln.Accept()
		switch {
		case err == nil:
			if ctx.Err() != nil {
				conn.Close()
				return nil, ctx.Err()
			}
			return netConn{Conn: conn}, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, net.ErrClosed):
			return nil, ErrClosed
		case !temporaryAcceptError(err):
			return nil, &TransportError{Op: "accept", Err: err}
		}
		if delay == 0 {
			delay = minAcceptDelay
		} else {
			delay = min(delay*2, maxAcceptDelay)
		}
		a.log.Warn("Accept failed, retrying", zap.Duration("delay", delay), zap.Error(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (a *TCPAcceptor) Close() error {
	err := a.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
