// Package detect adapts a device detection engine into a per-cycle event subscription.
package detect

import (
	"errors"
	"fmt"
	"sync"

	"github.com/neuroplastio/neio-relay/pkg/devevent"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Handler receives one event per call from the engine's own goroutines. It must not block.
type Handler func(event devevent.DeviceEvent)

// Engine is the boundary of the external detection engine.
type Engine interface {
	// Init prepares the engine for a detection run.
	Init() error
	// Detect starts producing events and returns immediately.
	Detect(handler Handler)
	// CleanUp stops detection and releases every device handle.
	CleanUp()
	DeviceCount() int
	// Device returns the index-th attached device, ok is false if there is none.
	Device(index int) (devevent.DeviceSnapshot, bool)
}

// InitializationError reports that the engine failed to start for one subscription.
type InitializationError struct {
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("detection engine initialization failed: %v", e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

var (
	ErrStaleDevice       = errors.New("device not found")
	ErrAlreadySubscribed = errors.New("already subscribed")
)

// Adapter owns the engine and exposes at most one live subscription.
type Adapter struct {
	log    *zap.Logger
	engine Engine

	mu       sync.Mutex
	active   bool
	cleaning bool
	handler  *atomic.Pointer[Handler]
}

func NewAdapter(log *zap.Logger, engine Engine) *Adapter {
	return &Adapter{
		log:     log,
		engine:  engine,
		handler: atomic.NewPointer[Handler](nil),
	}
}

// Subscribe initializes the engine and starts delivering events to handler.
// Engine failures are reported as *InitializationError and leave the adapter ready for another attempt.
// While a previous subscription is still being cleaned up it fails with ErrAlreadySubscribed.
func (a *Adapter) Subscribe(handler Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active || a.cleaning {
		return ErrAlreadySubscribed
	}
	if err := a.engine.Init(); err != nil {
		return &InitializationError{Err: err}
	}
	a.handler.Store(&handler)
	a.active = true
	a.engine.Detect(a.dispatch)
	a.log.Debug("subscribed")
	return nil
}

func (a *Adapter) dispatch(event devevent.DeviceEvent) {
	h := a.handler.Load()
	if h == nil {
		return
	}
	(*h)(event.Normalize())
}

// Unsubscribe stops delivery and cleans up the engine. Calling it without a subscription is a no-op.
// The engine is cleaned up without holding the adapter lock, so a stuck CleanUp never blocks Subscribe.
func (a *Adapter) Unsubscribe() {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	a.handler.Store(nil)
	a.active = false
	a.cleaning = true
	a.mu.Unlock()

	a.engine.CleanUp()

	a.mu.Lock()
	a.cleaning = false
	a.mu.Unlock()
	a.log.Debug("unsubscribed")
}

func (a *Adapter) Subscribed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// CleaningUp reports whether an engine CleanUp is still running.
func (a *Adapter) CleaningUp() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cleaning
}

func (a *Adapter) DeviceCount() int {
	n := a.engine.DeviceCount()
	if n < 0 {
		return 0
	}
	return n
}

// DeviceAt returns ErrStaleDevice when the device at index went away after it was counted.
func (a *Adapter) DeviceAt(index int) (devevent.DeviceSnapshot, error) {
	dev, ok := a.engine.Device(index)
	if !ok {
		return devevent.DeviceSnapshot{}, fmt.Errorf("device %d: %w", index, ErrStaleDevice)
	}
	dev.DeviceName = devevent.Trim(devevent.Bound(dev.DeviceName, devevent.DeviceNameSize))
	return dev, nil
}
