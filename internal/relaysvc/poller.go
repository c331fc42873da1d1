package relaysvc

import (
	"context"
	"errors"

	"github.com/neuroplastio/neio-relay/internal/detect"
	"github.com/neuroplastio/neio-relay/pkg/devevent"
	"go.uber.org/zap"
)

// LineSender writes one line to the session the hook runs for.
type LineSender func(line string) error

// InitHook runs once per session for the first attached device found by the snapshot poller.
// It is the place to send a capability descriptor to the consumer.
type InitHook interface {
	InitializeSession(ctx context.Context, session SessionInfo, device devevent.DeviceSnapshot, send LineSender) error
}

type InitHookFunc func(ctx context.Context, session SessionInfo, device devevent.DeviceSnapshot, send LineSender) error

func (f InitHookFunc) InitializeSession(ctx context.Context, session SessionInfo, device devevent.DeviceSnapshot, send LineSender) error {
	return f(ctx, session, device, send)
}

// LogInitHook only records that the session has an initialization target. It sends nothing.
type LogInitHook struct {
	Log *zap.Logger
}

func (h LogInitHook) InitializeSession(ctx context.Context, session SessionInfo, device devevent.DeviceSnapshot, send LineSender) error {
	h.Log.Info("Capability descriptor target found",
		zap.String("session", session.ID),
		zap.Int("deviceIndex", device.DeviceIndex),
		zap.String("deviceName", device.DeviceName),
		zap.Int("vendorId", device.VendorID),
		zap.Int("productId", device.ProductID),
	)
	return nil
}

// Inventory is the device snapshot query surface of the event source.
type Inventory interface {
	DeviceCount() int
	DeviceAt(index int) (devevent.DeviceSnapshot, error)
}

// snapshotPoller looks for the first attached device of a session and fires the init hook for it once.
type snapshotPoller struct {
	log       *zap.Logger
	inventory Inventory
	hook      InitHook

	initialized bool
}

func newSnapshotPoller(log *zap.Logger, inventory Inventory, hook InitHook) *snapshotPoller {
	return &snapshotPoller{
		log:       log,
		inventory: inventory,
		hook:      hook,
	}
}

func (p *snapshotPoller) Initialized() bool {
	return p.initialized
}

// Poll checks the inventory once. It reports the device the hook ran for.
func (p *snapshotPoller) Poll(ctx context.Context, session SessionInfo, send LineSender) (devevent.DeviceSnapshot, bool) {
	if p.initialized {
		return devevent.DeviceSnapshot{}, false
	}
	count := p.inventory.DeviceCount()
	for i := 0; i < count; i++ {
		dev, err := p.inventory.DeviceAt(i)
		switch {
		case errors.Is(err, detect.ErrStaleDevice):
			p.log.Debug("Device went away during snapshot", zap.Int("index", i))
			continue
		case err != nil:
			p.log.Warn("Device lookup failed", zap.Int("index", i), zap.Error(err))
			continue
		}
		p.initialized = true
		if err := p.hook.InitializeSession(ctx, session, dev, send); err != nil {
			p.log.Warn("Session initialization hook failed", zap.Int("deviceIndex", dev.DeviceIndex), zap.Error(err))
		}
		return dev, true
	}
	return devevent.DeviceSnapshot{}, false
}
