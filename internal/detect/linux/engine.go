package linux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jochenvg/go-udev"
	"github.com/neuroplastio/neio-relay/internal/detect"
	"github.com/neuroplastio/neio-relay/pkg/devevent"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sstallion/go-hid"
	"go.uber.org/zap"
)

var defaultEngineOptions = engineOptions{
	pollInterval: 500 * time.Millisecond,
	readTimeout:  1 * time.Second,
	maxDevices:   6,
	hotplug:      true,
}

type engineOptions struct {
	pollInterval time.Duration
	readTimeout  time.Duration
	maxDevices   int
	hotplug      bool
}

type Option func(*engineOptions)

func WithPollInterval(d time.Duration) Option {
	return func(o *engineOptions) {
		o.pollInterval = d
	}
}

// WithReadTimeout bounds a single input report read, which is also how often readers observe cancellation.
func WithReadTimeout(d time.Duration) Option {
	return func(o *engineOptions) {
		o.readTimeout = d
	}
}

func WithMaxDevices(n int) Option {
	return func(o *engineOptions) {
		o.maxDevices = n
	}
}

func WithHotplug(enabled bool) Option {
	return func(o *engineOptions) {
		o.hotplug = enabled
	}
}

// Engine implements detect.Engine for Linux using hidapi for enumeration and input reports,
// and udev for hotplug notifications.
type Engine struct {
	log     *zap.Logger
	options engineOptions

	udev *udev.Udev

	// slot index -> attached device, at most maxDevices entries
	devices *xsync.MapOf[int, *device]
	slotMu  sync.Mutex

	handler detect.Handler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type HidAddress struct {
	VendorID  uint16
	ProductID uint16
	Interface int
}

func (a HidAddress) String() string {
	return fmt.Sprintf("%04x:%04x:%d", a.VendorID, a.ProductID, a.Interface)
}

// hidHandle is the part of *hid.Device used by the engine.
type hidHandle interface {
	ReadWithTimeout(p []byte, timeout time.Duration) (int, error)
	GetReportDescriptor(p []byte) (int, error)
	Close() error
}

// device is an attached HID device. Its handle is only closed by its reader goroutine,
// or by CleanUp once every reader has returned.
type device struct {
	index int
	addr  HidAddress
	info  hid.DeviceInfo
	name  string
	dev   hidHandle
	once  sync.Once

	// stops the reader of this device only
	cancel context.CancelFunc
}

func (d *device) close() {
	d.once.Do(func() {
		d.dev.Close()
	})
}

func NewEngine(log *zap.Logger, opts ...Option) *Engine {
	options := defaultEngineOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Engine{
		log:     log,
		options: options,
		udev:    &udev.Udev{},
		devices: xsync.NewMapOf[int, *device](),
	}
}

func (e *Engine) Init() error {
	if err := hid.Init(); err != nil {
		return fmt.Errorf("hid init: %w", err)
	}
	return nil
}

func (e *Engine) Detect(handler detect.Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	e.handler = handler
	e.cancel = cancel

	trigger := make(chan struct{}, 1)
	if e.options.hotplug {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.watchHotplug(ctx, trigger)
		}()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitor(ctx, trigger)
	}()
	e.log.Info("Device detection started")
}

func (e *Engine) CleanUp() {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
		e.cancel = nil
	}
	e.devices.Range(func(index int, dev *device) bool {
		dev.close()
		e.devices.Delete(index)
		return true
	})
	if err := hid.Exit(); err != nil {
		e.log.Warn("hid exit failed", zap.Error(err))
	}
	e.log.Info("Devices cleaned up")
}

func (e *Engine) DeviceCount() int {
	return e.devices.Size()
}

func (e *Engine) Device(index int) (devevent.DeviceSnapshot, bool) {
	attached := e.snapshot()
	if index < 0 || index >= len(attached) {
		return devevent.DeviceSnapshot{}, false
	}
	return attached[index], true
}

func (e *Engine) snapshot() []devevent.DeviceSnapshot {
	var attached []devevent.DeviceSnapshot
	e.devices.Range(func(index int, dev *device) bool {
		attached = append(attached, devevent.DeviceSnapshot{
			DeviceIndex: index,
			DeviceName:  dev.name,
			VendorID:    int(dev.addr.VendorID),
			ProductID:   int(dev.addr.ProductID),
		})
		return true
	})
	sort.Slice(attached, func(i, j int) bool {
		return attached[i].DeviceIndex < attached[j].DeviceIndex
	})
	return attached
}

func (e *Engine) monitor(ctx context.Context, trigger <-chan struct{}) {
	if err := e.refresh(ctx); err != nil {
		e.log.Error("failed to refresh HID devices", zap.Error(err))
	}
	pollTicker := time.NewTicker(e.options.pollInterval)
	defer pollTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
		case <-trigger:
		}
		if err := e.refresh(ctx); err != nil {
			e.log.Error("failed to refresh HID devices", zap.Error(err))
		}
	}
}

func (e *Engine) watchHotplug(ctx context.Context, trigger chan<- struct{}) {
	m := e.udev.NewMonitorFromNetlink("udev")
	if m == nil {
		e.log.Warn("udev monitor unavailable, falling back to polling")
		return
	}
	if err := m.FilterAddMatchSubsystem("hidraw"); err != nil {
		e.log.Warn("failed to filter udev monitor", zap.Error(err))
		return
	}
	ch, err := m.DeviceChan(ctx.Done())
	if err != nil {
		e.log.Warn("failed to start udev monitor", zap.Error(err))
		return
	}
	for d := range ch {
		e.log.Debug("hotplug", zap.String("action", d.Action()), zap.String("devnode", d.Devnode()))
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) refresh(ctx context.Context) error {
	present, err := enumerateHidDevices()
	if err != nil {
		return err
	}
	e.devices.Range(func(index int, dev *device) bool {
		if _, ok := present[dev.addr]; ok {
			delete(present, dev.addr)
			return true
		}
		e.detach(dev)
		return true
	})
	for addr, info := range present {
		if ctx.Err() != nil {
			return nil
		}
		e.attach(ctx, addr, info)
	}
	return nil
}

func (e *Engine) attach(ctx context.Context, addr HidAddress, info hid.DeviceInfo) {
	e.slotMu.Lock()
	index := -1
	for i := 0; i < e.options.maxDevices; i++ {
		if _, ok := e.devices.Load(i); !ok {
			index = i
			break
		}
	}
	if index < 0 {
		e.slotMu.Unlock()
		e.log.Debug("device table full", zap.Stringer("addr", addr))
		return
	}
	hdev, err := hid.OpenPath(info.Path)
	if err != nil {
		e.slotMu.Unlock()
		e.log.Debug("failed to open device", zap.Stringer("addr", addr), zap.Error(err))
		return
	}
	readCtx, cancel := context.WithCancel(ctx)
	dev := &device{
		index:  index,
		addr:   addr,
		info:   info,
		name:   generateName(info),
		dev:    hdev,
		cancel: cancel,
	}
	e.devices.Store(index, dev)
	e.slotMu.Unlock()
	e.start(readCtx, dev)
}

// start announces a stored device and runs its reader until readCtx is cancelled or a read fails.
func (e *Engine) start(readCtx context.Context, dev *device) {
	e.log.Info("Device connected", zap.Int("index", dev.index), zap.Stringer("addr", dev.addr), zap.String("name", dev.name))
	e.emit(devevent.DeviceEvent{
		DeviceID:     dev.index,
		VendorID:     int(dev.addr.VendorID),
		ProductID:    int(dev.addr.ProductID),
		SerialNumber: serialOf(dev.info),
		EventType:    devevent.EventTypeConnected,
		Type:         devevent.TypeConnection,
		Value:        e.reportDescriptor(dev),
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer dev.close()
		e.readReports(readCtx, dev)
	}()
}

func (e *Engine) detach(dev *device) {
	removed := false
	e.devices.Compute(dev.index, func(cur *device, loaded bool) (*device, bool) {
		if !loaded || cur != dev {
			return cur, !loaded
		}
		removed = true
		return nil, true
	})
	if !removed {
		return
	}
	// the reader closes the handle once its current read returns
	dev.cancel()
	e.log.Info("Device disconnected", zap.Int("index", dev.index), zap.Stringer("addr", dev.addr))
	e.emit(devevent.DeviceEvent{
		DeviceID:     dev.index,
		VendorID:     int(dev.addr.VendorID),
		ProductID:    int(dev.addr.ProductID),
		SerialNumber: serialOf(dev.info),
		EventType:    devevent.EventTypeDisconnected,
		Type:         devevent.TypeDisconnection,
		Value:        dev.name,
	})
}

func (e *Engine) readReports(ctx context.Context, dev *device) {
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		n, err := dev.dev.ReadWithTimeout(buf, e.options.readTimeout)
		switch {
		case errors.Is(err, hid.ErrTimeout):
			continue
		case err != nil:
			if ctx.Err() == nil {
				e.log.Warn("interrupt transfer failed", zap.Int("index", dev.index), zap.Error(err))
				e.detach(dev)
			}
			return
		case n == 0:
			continue
		}
		e.emit(devevent.DeviceEvent{
			DeviceID:     dev.index,
			VendorID:     int(dev.addr.VendorID),
			ProductID:    int(dev.addr.ProductID),
			SerialNumber: serialOf(dev.info),
			EventType:    devevent.EventTypeReport,
			Type:         devevent.TypeInput,
			Value:        hexBytes(buf[:n]),
		})
	}
}

func (e *Engine) reportDescriptor(dev *device) string {
	buf := make([]byte, 4096)
	n, err := dev.dev.GetReportDescriptor(buf)
	if err != nil {
		e.log.Debug("failed to get report descriptor", zap.Int("index", dev.index), zap.Error(err))
		return ""
	}
	return hexBytes(buf[:n])
}

func (e *Engine) emit(event devevent.DeviceEvent) {
	if e.handler != nil {
		e.handler(event)
	}
}

func enumerateHidDevices() (map[HidAddress]hid.DeviceInfo, error) {
	devices := make(map[HidAddress]hid.DeviceInfo)
	err := hid.Enumerate(hid.VendorIDAny, hid.ProductIDAny, func(device *hid.DeviceInfo) error {
		addr := HidAddress{
			VendorID:  device.VendorID,
			ProductID: device.ProductID,
			Interface: device.InterfaceNbr,
		}
		devices[addr] = *device
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate HID devices: %w", err)
	}
	return devices, nil
}

func generateName(device hid.DeviceInfo) string {
	var parts []string
	if device.MfrStr != "" {
		parts = append(parts, device.MfrStr)
	}
	if device.ProductStr != "" {
		parts = append(parts, device.ProductStr)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%04x:%04x", device.VendorID, device.ProductID)
	}
	return devevent.Bound(strings.Join(parts, " "), devevent.DeviceNameSize)
}

func serialOf(info hid.DeviceInfo) string {
	if info.SerialNbr != "" {
		return devevent.Bound(info.SerialNbr, devevent.SerialNumberSize)
	}
	return fmt.Sprintf("%04x:%04x", info.VendorID, info.ProductID)
}

// hexBytes renders b as space separated hex pairs, truncated at a whole byte within the value bound.
func hexBytes(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if sb.Len()+3 >= devevent.ValueSize {
			break
		}
		fmt.Fprintf(&sb, "%02x ", c)
	}
	return sb.String()
}
