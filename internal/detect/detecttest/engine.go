// Package detecttest provides a scriptable detection engine for tests.
package detecttest

import (
	"sync"

	"github.com/neuroplastio/neio-relay/internal/detect"
	"github.com/neuroplastio/neio-relay/pkg/devevent"
)

type Engine struct {
	mu       sync.Mutex
	handler  detect.Handler
	initErrs []error
	inits    int
	cleanups int
	devices  []devevent.DeviceSnapshot
	detected chan struct{}
	onDetect []devevent.DeviceEvent
	gate     chan struct{}
}

func NewEngine() *Engine {
	return &Engine{
		detected: make(chan struct{}, 16),
	}
}

// FailInit makes the next Init call return err. Calls queue up.
func (e *Engine) FailInit(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initErrs = append(e.initErrs, err)
}

func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inits++
	if len(e.initErrs) > 0 {
		err := e.initErrs[0]
		e.initErrs = e.initErrs[1:]
		return err
	}
	return nil
}

// EmitOnDetect makes the next Detect call deliver events before it returns.
func (e *Engine) EmitOnDetect(events ...devevent.DeviceEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDetect = append(e.onDetect, events...)
}

// BlockCleanUp makes CleanUp calls hang until release is called.
func (e *Engine) BlockCleanUp() (release func()) {
	gate := make(chan struct{})
	e.mu.Lock()
	e.gate = gate
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.gate = nil
			e.mu.Unlock()
			close(gate)
		})
	}
}

func (e *Engine) Detect(handler detect.Handler) {
	e.mu.Lock()
	e.handler = handler
	pending := e.onDetect
	e.onDetect = nil
	e.mu.Unlock()
	for _, ev := range pending {
		handler(ev)
	}
	select {
	case e.detected <- struct{}{}:
	default:
	}
}

// Detected fires once per Detect call.
func (e *Engine) Detected() <-chan struct{} {
	return e.detected
}

func (e *Engine) CleanUp() {
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = nil
	e.cleanups++
}

// Emit delivers event synchronously from the caller's goroutine. It reports false when nothing is detecting.
func (e *Engine) Emit(event devevent.DeviceEvent) bool {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h == nil {
		return false
	}
	h(event)
	return true
}

func (e *Engine) Detecting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler != nil
}

func (e *Engine) SetDevices(devices ...devevent.DeviceSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices = append([]devevent.DeviceSnapshot(nil), devices...)
}

func (e *Engine) DeviceCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.devices)
}

func (e *Engine) Device(index int) (devevent.DeviceSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.devices) {
		return devevent.DeviceSnapshot{}, false
	}
	return e.devices[index], true
}

func (e *Engine) Inits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inits
}

func (e *Engine) CleanUps() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cleanups
}
