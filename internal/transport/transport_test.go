package transport

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTCPAcceptAndSend(t *testing.T) {
	a, err := ListenTCP(zap.NewNop(), "127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	client, err := net.Dial("tcp", a.Addr())
	require.NoError(t, err)
	defer client.Close()

	conn, err := a.Accept(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, client.LocalAddr().String(), conn.Peer())

	_, err = conn.Write([]byte("Device 1, ABC123, 1133, 50475, connected, \n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Device 1, ABC123, 1133, 50475, connected, \n", line)

	client.Close()
	buf := make([]byte, 8)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

func TestTCPAcceptCancel(t *testing.T) {
	a, err := ListenTCP(zap.NewNop(), "127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = a.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the listener stays usable after a cancelled accept
	client, err := net.Dial("tcp", a.Addr())
	require.NoError(t, err)
	defer client.Close()
	conn, err := a.Accept(context.Background())
	require.NoError(t, err)
	conn.Close()
}

func TestTCPAcceptAfterClose(t *testing.T) {
	a, err := ListenTCP(zap.NewNop(), "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.Accept(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestListenUnknownKind(t *testing.T) {
	_, err := Listen(zap.NewNop(), "carrier-pigeon", "", 0)
	assert.Error(t, err)
}

func TestWebSocketSinglePeer(t *testing.T) {
	a, err := ListenWebSocket("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	url := "ws://" + a.Addr() + WebSocketPath

	// nobody is accepting yet
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	accepted := make(chan Conn, 1)
	go func() {
		conn, err := a.Accept(context.Background())
		if err == nil {
			accepted <- conn
		}
	}()

	var client *websocket.Conn
	require.Eventually(t, func() bool {
		client, _, err = websocket.DefaultDialer.Dial(url, nil)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	defer client.Close()

	var conn Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("accept timed out")
	}
	defer conn.Close()

	_, err = conn.Write([]byte("Device 1, a, 1, 2, connected, \n"))
	require.NoError(t, err)
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "Device 1, a, 1, 2, connected, \n", string(msg))

	// a second consumer is refused while the first one is active
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	client.Close()
	buf := make([]byte, 8)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}
