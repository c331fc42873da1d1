package historysvc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/neuroplastio/neio-relay/internal/relaysvc"
	"github.com/neuroplastio/neio-relay/pkg/devevent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type notices struct {
	ch chan relaysvc.NoticeMessage
}

func (n *notices) Subscribe(ctx context.Context, types ...relaysvc.NoticeType) <-chan relaysvc.NoticeMessage {
	return n.ch
}

func openDB(t *testing.T) *badger.DB {
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestRecordSessionsAndDevices(t *testing.T) {
	db := openDB(t)
	src := &notices{ch: make(chan relaysvc.NoticeMessage)}
	svc := New(db, zap.NewNop(), src, func() time.Time { return base })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Start(ctx)
	}()
	<-svc.Ready()

	first := relaysvc.SessionInfo{ID: "a", Peer: "00:11:22:33:44:55", ConnectedAt: base}
	second := relaysvc.SessionInfo{ID: "b", Peer: "00:11:22:33:44:55", ConnectedAt: base.Add(time.Minute)}
	pad := devevent.DeviceEvent{DeviceID: 1, VendorID: 0x46d, ProductID: 0xc52b, SerialNumber: "ABC123"}
	connected := pad
	connected.EventType = devevent.EventTypeConnected
	disconnected := pad
	disconnected.EventType = devevent.EventTypeDisconnected
	disconnected.Value = "Logitech Pad"

	for _, msg := range []relaysvc.NoticeMessage{
		{Key: relaysvc.NoticeSessionOpened, Message: relaysvc.Notice{Session: first}},
		{Key: relaysvc.NoticeDeviceConnected, Message: relaysvc.Notice{Session: first, Event: connected, Time: base.Add(time.Second)}},
		{Key: relaysvc.NoticeSessionInitialized, Message: relaysvc.Notice{Session: first, Device: devevent.DeviceSnapshot{DeviceName: "Logitech Pad"}}},
		{Key: relaysvc.NoticeDeviceDisconnected, Message: relaysvc.Notice{Session: first, Event: disconnected, Time: base.Add(2 * time.Second)}},
		{Key: relaysvc.NoticeSessionClosed, Message: relaysvc.Notice{Session: first, Time: base.Add(3 * time.Second), Reason: "peer closed", Err: errors.New("EOF"), Relayed: 5, Dropped: 1}},
		{Key: relaysvc.NoticeSessionOpened, Message: relaysvc.Notice{Session: second}},
		{Key: relaysvc.NoticeDeviceConnected, Message: relaysvc.Notice{Session: second, Event: connected, Time: base.Add(time.Minute)}},
	} {
		src.ch <- msg
	}
	cancel()
	require.NoError(t, <-done)

	sessions, err := svc.ListSessions(0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "b", sessions[0].ID)
	assert.True(t, sessions[0].DisconnectedAt.IsZero())
	assert.Equal(t, SessionRecord{
		ID:             "a",
		Peer:           "00:11:22:33:44:55",
		ConnectedAt:    base,
		DisconnectedAt: base.Add(3 * time.Second),
		InitDevice:     "Logitech Pad",
		Reason:         "peer closed",
		Error:          "EOF",
		Relayed:        5,
		Dropped:        1,
	}, sessions[1])

	latest, err := svc.ListSessions(1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "b", latest[0].ID)

	devices, err := svc.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, DeviceRecord{
		VendorID:     0x46d,
		ProductID:    0xc52b,
		SerialNumber: "ABC123",
		Name:         "Logitech Pad",
		Connected:    true,
		Connections:  2,
		FirstSeenAt:  base.Add(time.Second),
		LastSeenAt:   base.Add(time.Minute),
	}, devices[0])
}

func TestStartClosesInterruptedSessions(t *testing.T) {
	db := openDB(t)
	restart := base.Add(time.Hour)
	svc := New(db, zap.NewNop(), &notices{ch: make(chan relaysvc.NoticeMessage)}, func() time.Time { return restart })
	require.NoError(t, svc.updateSession(relaysvc.SessionInfo{ID: "a", ConnectedAt: base}, func(*SessionRecord) {}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Start(ctx)
	}()
	<-svc.Ready()
	cancel()
	require.NoError(t, <-done)

	rec, err := svc.GetSession("a")
	require.NoError(t, err)
	assert.Equal(t, ReasonInterrupted, rec.Reason)
	assert.Equal(t, restart, rec.DisconnectedAt)

	_, err = svc.GetSession("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
