package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketPath is the HTTP path the consumer upgrades on.
const WebSocketPath = "/events"

// WebSocketAcceptor serves a single websocket consumer. An upgrade is only granted while
// Accept is waiting, every other request is refused with 503.
type WebSocketAcceptor struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader

	want   chan struct{}
	conns  chan *wsConn
	failed chan error

	closeOnce sync.Once
	done      chan struct{}
}

func ListenWebSocket(addr string) (*WebSocketAcceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}
	a := &WebSocketAcceptor{
		ln:     ln,
		want:   make(chan struct{}, 1),
		conns:  make(chan *wsConn, 1),
		failed: make(chan error, 1),
		done:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, a.handleUpgrade)
	a.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		err := a.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.failed <- err
		}
	}()
	return a, nil
}

func (a *WebSocketAcceptor) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-a.want:
	default:
		http.Error(w, "consumer already connected", http.StatusServiceUnavailable)
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// give the slot back to the waiting Accept
		select {
		case a.want <- struct{}{}:
		default:
		}
		return
	}
	select {
	case a.conns <- &wsConn{conn: conn, peer: r.RemoteAddr}:
	case <-a.done:
		conn.Close()
	default:
		conn.Close()
	}
}

func (a *WebSocketAcceptor) Addr() string {
	return a.ln.Addr().String()
}

func (a *WebSocketAcceptor) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-a.done:
		return nil, ErrClosed
	case a.want <- struct{}{}:
	default:
	}
	select {
	case <-a.done:
		return nil, ErrClosed
	case err := <-a.failed:
		return nil, &TransportError{Op: "serve", Err: err}
	case c := <-a.conns:
		return c, nil
	case <-ctx.Done():
		select {
		case <-a.want:
		default:
		}
		return nil, ctx.Err()
	}
}

func (a *WebSocketAcceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		err = a.srv.Close()
		select {
		case c := <-a.conns:
			c.Close()
		default:
		}
	})
	return err
}

type wsConn struct {
	conn   *websocket.Conn
	peer   string
	reader io.Reader
}

func (c *wsConn) Peer() string {
	return c.peer
}

// Write sends p as one text message.
func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
