package relaysvc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neuroplastio/neio-relay/internal/transport"
	"go.uber.org/atomic"
)

var ErrPeerClosed = errors.New("peer closed connection")

// SendFailure reports a failed write of one event. It ends the session it happened on.
type SendFailure struct {
	SessionID string
	Line      string
	Err       error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("session %s: send failed: %v", e.SessionID, e.Err)
}

func (e *SendFailure) Unwrap() error {
	return e.Err
}

// SessionInfo describes an accepted connection.
type SessionInfo struct {
	ID          string    `json:"id"`
	Peer        string    `json:"peer"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// session is one accept-to-teardown lifetime. ready and the connection are guarded by Service.mu.
type session struct {
	info SessionInfo
	conn transport.Conn

	ready bool

	relayed *atomic.Int64
	dropped *atomic.Int64

	failed    chan error
	closeOnce sync.Once
}

func newSession(id string, conn transport.Conn, now time.Time) *session {
	return &session{
		info: SessionInfo{
			ID:          id,
			Peer:        conn.Peer(),
			ConnectedAt: now,
		},
		conn:    conn,
		relayed: atomic.NewInt64(0),
		dropped: atomic.NewInt64(0),
		failed:  make(chan error, 1),
	}
}

// fail records the first failure of the session, later ones are ignored.
func (s *session) fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

func (s *session) close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
