//go:build !linux

package transport

import (
	"context"
	"errors"
)

var errRFCOMMUnsupported = errors.New("rfcomm is only supported on linux")

type RFCOMMAcceptor struct{}

func ListenRFCOMM(channel uint8) (*RFCOMMAcceptor, error) {
	return nil, &TransportError{Op: "listen", Err: errRFCOMMUnsupported}
}

func (a *RFCOMMAcceptor) Addr() string {
	return "rfcomm"
}

func (a *RFCOMMAcceptor) Accept(ctx context.Context) (Conn, error) {
	return nil, ErrClosed
}

func (a *RFCOMMAcceptor) Close() error {
	return nil
}
