// Package devevent defines the device event contract shared by detection engines and the relay.
package devevent

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Byte bounds of the text fields. Producers store at most size-1 bytes, the last byte is the terminator.
const (
	SerialNumberSize = 64
	EventTypeSize    = 32
	TypeSize         = 32
	ValueSize        = 256
	DeviceNameSize   = 128
)

const (
	EventTypeConnected    = "connected"
	EventTypeDisconnected = "disconnected"
	EventTypeReport       = "report"

	TypeConnection    = "Connection"
	TypeDisconnection = "Disconnection"
	TypeInput         = "Input"
)

// DeviceEvent is a single attach, detach or state change notification of a hardware device.
type DeviceEvent struct {
	DeviceID     int    `json:"deviceId"`
	VendorID     int    `json:"vendorId"`
	ProductID    int    `json:"productId"`
	SerialNumber string `json:"serialNumber"`
	EventType    string `json:"eventType"`
	Type         string `json:"type"`
	Value        string `json:"value"`
}

// Normalize bounds every text field to its declared size and trims padding.
func (e DeviceEvent) Normalize() DeviceEvent {
	e.SerialNumber = Trim(Bound(e.SerialNumber, SerialNumberSize))
	e.EventType = Trim(Bound(e.EventType, EventTypeSize))
	e.Type = Trim(Bound(e.Type, TypeSize))
	e.Value = Trim(Bound(e.Value, ValueSize))
	return e
}

// Line renders the wire format of the event, newline terminated.
func (e DeviceEvent) Line() string {
	return e.String() + "\n"
}

func (e DeviceEvent) String() string {
	return fmt.Sprintf("Device %d, %s, %d, %d, %s, %s",
		e.DeviceID,
		Trim(e.SerialNumber),
		e.VendorID,
		e.ProductID,
		Trim(e.EventType),
		Trim(e.Value),
	)
}

// Kind classifies the event for logging. Disconnection is matched first because
// "disconnected" contains "connected".
func (e DeviceEvent) Kind() string {
	switch {
	case strings.Contains(e.EventType, EventTypeDisconnected):
		return EventTypeDisconnected
	case strings.Contains(e.EventType, EventTypeConnected):
		return EventTypeConnected
	default:
		return e.EventType
	}
}

// DeviceSnapshot is one entry of the attached device inventory.
type DeviceSnapshot struct {
	DeviceIndex int    `json:"deviceIndex"`
	DeviceName  string `json:"deviceName"`
	VendorID    int    `json:"vendorId"`
	ProductID   int    `json:"productId"`
}

// Bound truncates s so it fits a terminated buffer of size bytes without splitting a rune.
func Bound(s string, size int) string {
	if size <= 0 {
		return ""
	}
	if len(s) < size {
		return s
	}
	s = s[:size-1]
	for len(s) > 0 {
		r, n := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || n != 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

// Trim cuts s at the first NUL and strips surrounding whitespace.
func Trim(s string) string {
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
