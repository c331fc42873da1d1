// Package historysvc keeps a registry of the devices the relay has seen and a history of its sessions.
// Relayed events themselves are never stored.
package historysvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/neuroplastio/neio-relay/internal/relaysvc"
	"github.com/neuroplastio/neio-relay/pkg/devevent"
	"go.uber.org/zap"
)

// Notices is the lifecycle notification source the history is recorded from.
type Notices interface {
	Subscribe(ctx context.Context, types ...relaysvc.NoticeType) <-chan relaysvc.NoticeMessage
}

type DeviceRecord struct {
	VendorID     int       `json:"vendorId" yaml:"vendorId"`
	ProductID    int       `json:"productId" yaml:"productId"`
	SerialNumber string    `json:"serialNumber" yaml:"serialNumber"`
	Name         string    `json:"name,omitempty" yaml:"name,omitempty"`
	Connected    bool      `json:"connected" yaml:"connected"`
	Connections  int       `json:"connections" yaml:"connections"`
	FirstSeenAt  time.Time `json:"firstSeenAt" yaml:"firstSeenAt"`
	LastSeenAt   time.Time `json:"lastSeenAt" yaml:"lastSeenAt"`
}

type SessionRecord struct {
	ID             string    `json:"id" yaml:"id"`
	Peer           string    `json:"peer" yaml:"peer"`
	ConnectedAt    time.Time `json:"connectedAt" yaml:"connectedAt"`
	DisconnectedAt time.Time `json:"disconnectedAt,omitempty" yaml:"disconnectedAt,omitempty"`
	InitDevice     string    `json:"initDevice,omitempty" yaml:"initDevice,omitempty"`
	InitError      string    `json:"initError,omitempty" yaml:"initError,omitempty"`
	Reason         string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Error          string    `json:"error,omitempty" yaml:"error,omitempty"`
	Relayed        int64     `json:"relayed" yaml:"relayed"`
	Dropped        int64     `json:"dropped" yaml:"dropped"`
}

// ReasonInterrupted marks sessions that were still open when the relay last stopped.
const ReasonInterrupted = "interrupted"

var ErrSessionNotFound = errors.New("session not found")

const (
	devicePrefix  = "history/devices/"
	sessionPrefix = "history/sessions/"
)

type Service struct {
	log     *zap.Logger
	db      *badger.DB
	now     func() time.Time
	notices Notices
	ready   chan struct{}
}

func New(db *badger.DB, log *zap.Logger, notices Notices, now func() time.Time) *Service {
	return &Service{
		log:     log,
		db:      db,
		now:     now,
		notices: notices,
		ready:   make(chan struct{}),
	}
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Start records relay notices until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	n, err := s.closeInterrupted()
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("Closed interrupted sessions", zap.Int("count", n))
	}
	notices := s.notices.Subscribe(ctx,
		relaysvc.NoticeSessionOpened,
		relaysvc.NoticeSessionClosed,
		relaysvc.NoticeInitFailed,
		relaysvc.NoticeSessionInitialized,
		relaysvc.NoticeDeviceConnected,
		relaysvc.NoticeDeviceDisconnected,
	)
	close(s.ready)
	s.log.Info("History service started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-notices:
			if !ok {
				return nil
			}
			if err := s.record(msg); err != nil {
				s.log.Error("Failed to record notice", zap.Stringer("notice", msg.Key), zap.Error(err))
			}
		}
	}
}

func (s *Service) record(msg relaysvc.NoticeMessage) error {
	n := msg.Message
	switch msg.Key {
	case relaysvc.NoticeSessionOpened:
		return s.updateSession(n.Session, func(rec *SessionRecord) {})
	case relaysvc.NoticeSessionClosed:
		return s.updateSession(n.Session, func(rec *SessionRecord) {
			rec.DisconnectedAt = n.Time
			rec.Reason = n.Reason
			if n.Err != nil {
				rec.Error = n.Err.Error()
			}
			rec.Relayed = n.Relayed
			rec.Dropped = n.Dropped
		})
	case relaysvc.NoticeInitFailed:
		return s.updateSession(n.Session, func(rec *SessionRecord) {
			if n.Err != nil {
				rec.InitError = n.Err.Error()
			}
		})
	case relaysvc.NoticeSessionInitialized:
		return s.updateSession(n.Session, func(rec *SessionRecord) {
			rec.InitDevice = n.Device.DeviceName
		})
	case relaysvc.NoticeDeviceConnected:
		return s.updateDevice(n.Event, n.Time, func(rec *DeviceRecord) {
			rec.Connected = true
			rec.Connections++
		})
	case relaysvc.NoticeDeviceDisconnected:
		return s.updateDevice(n.Event, n.Time, func(rec *DeviceRecord) {
			rec.Connected = false
			if n.Event.Value != "" {
				rec.Name = n.Event.Value
			}
		})
	}
	return nil
}

func deviceKey(vendorID, productID int, serial string) []byte {
	return []byte(fmt.Sprintf("%s%04x:%04x/%s", devicePrefix, vendorID, productID, serial))
}

// sessionKey orders sessions by connection time.
func sessionKey(info relaysvc.SessionInfo) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", sessionPrefix, info.ConnectedAt.UnixNano(), info.ID))
}

func (s *Service) updateDevice(event devevent.DeviceEvent, at time.Time, fn func(rec *DeviceRecord)) error {
	if at.IsZero() {
		at = s.now()
	}
	key := deviceKey(event.VendorID, event.ProductID, event.SerialNumber)
	err := s.db.Update(func(txn *badger.Txn) error {
		var rec DeviceRecord
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			rec = DeviceRecord{
				VendorID:     event.VendorID,
				ProductID:    event.ProductID,
				SerialNumber: event.SerialNumber,
				FirstSeenAt:  at,
			}
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal device: %w", err)
			}
		}
		rec.LastSeenAt = at
		fn(&rec)
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal device: %w", err)
		}
		return txn.Set(key, b)
	})
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	return nil
}

func (s *Service) updateSession(info relaysvc.SessionInfo, fn func(rec *SessionRecord)) error {
	key := sessionKey(info)
	err := s.db.Update(func(txn *badger.Txn) error {
		var rec SessionRecord
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			rec = SessionRecord{
				ID:          info.ID,
				Peer:        info.Peer,
				ConnectedAt: info.ConnectedAt,
			}
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
		}
		fn(&rec)
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		return txn.Set(key, b)
	})
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// closeInterrupted closes the records of sessions the relay never saw end.
func (s *Service) closeInterrupted() (int, error) {
	sessions, err := s.ListSessions(0)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, rec := range sessions {
		if !rec.DisconnectedAt.IsZero() {
			continue
		}
		info := relaysvc.SessionInfo{ID: rec.ID, Peer: rec.Peer, ConnectedAt: rec.ConnectedAt}
		err := s.updateSession(info, func(rec *SessionRecord) {
			rec.DisconnectedAt = s.now()
			rec.Reason = ReasonInterrupted
		})
		if err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

func (s *Service) ListDevices() ([]DeviceRecord, error) {
	var devices []DeviceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte(devicePrefix)
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			var dev DeviceRecord
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dev)
			})
			if err != nil {
				return err
			}
			devices = append(devices, dev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// ListSessions returns the most recent sessions first. limit <= 0 returns all of them.
func (s *Service) ListSessions(limit int) ([]SessionRecord, error) {
	var sessions []SessionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte(sessionPrefix)
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			var rec SessionRecord
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			sessions = append(sessions, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].ConnectedAt.After(sessions[j].ConnectedAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (s *Service) GetSession(id string) (SessionRecord, error) {
	sessions, err := s.ListSessions(0)
	if err != nil {
		return SessionRecord{}, err
	}
	for _, rec := range sessions {
		if rec.ID == id {
			return rec, nil
		}
	}
	return SessionRecord{}, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
}
