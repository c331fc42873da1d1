package relaysvc

import (
	"time"

	"github.com/neuroplastio/neio-relay/pkg/bus"
	"github.com/neuroplastio/neio-relay/pkg/devevent"
)

type NoticeType uint8

const (
	NoticeStateChanged NoticeType = iota
	NoticeSessionOpened
	NoticeSessionClosed
	NoticeInitFailed
	NoticeSessionInitialized
	NoticeDeviceConnected
	NoticeDeviceDisconnected
)

func (t NoticeType) String() string {
	switch t {
	case NoticeStateChanged:
		return "stateChanged"
	case NoticeSessionOpened:
		return "sessionOpened"
	case NoticeSessionClosed:
		return "sessionClosed"
	case NoticeInitFailed:
		return "initFailed"
	case NoticeSessionInitialized:
		return "sessionInitialized"
	case NoticeDeviceConnected:
		return "deviceConnected"
	case NoticeDeviceDisconnected:
		return "deviceDisconnected"
	default:
		return "unknown"
	}
}

// Notice is a lifecycle notification of the relay. Only the fields relevant to Type are set.
type Notice struct {
	Time    time.Time
	Session SessionInfo

	From State
	To   State

	Event  devevent.DeviceEvent
	Device devevent.DeviceSnapshot

	Reason  string
	Err     error
	Relayed int64
	Dropped int64
}

type (
	NoticeBus     = bus.Bus[NoticeType, Notice]
	NoticeMessage = bus.Message[NoticeType, Notice]
)
