// Package transport provides single-peer listening endpoints for the relay.
//
// An Acceptor is bound once and hands out at most one connection per Accept call.
// Peers that connect while nobody is accepting are left to the backlog policy of the
// endpoint, which holds at most one pending connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Conn is an accepted peer connection. Peer disconnection surfaces as a Read or Write error.
type Conn interface {
	io.ReadWriteCloser
	SetWriteDeadline(t time.Time) error
	Peer() string
}

type Acceptor interface {
	// Accept blocks until a peer connects or ctx is done.
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	// Close releases the listening endpoint. It is safe to call more than once.
	Close() error
}

// ErrClosed is returned by Accept after Close.
var ErrClosed = errors.New("acceptor closed")

// TransportError reports that the listening endpoint itself is unusable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

const (
	KindRFCOMM    = "rfcomm"
	KindTCP       = "tcp"
	KindWebSocket = "websocket"
)

// Listen binds the endpoint of the given kind. addr is used by tcp and websocket, channel by rfcomm.
func Listen(log *zap.Logger, kind, addr string, channel uint8) (Acceptor, error) {
	var (
		a   Acceptor
		err error
	)
	switch kind {
	case KindRFCOMM:
		a, err = ListenRFCOMM(channel)
	case KindTCP:
		a, err = ListenTCP(log.Named("tcp"), addr)
	case KindWebSocket:
		a, err = ListenWebSocket(addr)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}
