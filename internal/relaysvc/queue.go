package relaysvc

import "github.com/neuroplastio/neio-relay/pkg/devevent"

// handoff is the bounded queue between the detection engine and the connection writer.
// Push never blocks: when full, the oldest event is evicted.
type handoff struct {
	ch chan devevent.DeviceEvent
}

func newHandoff(size int) *handoff {
	if size < 1 {
		size = 1
	}
	return &handoff{ch: make(chan devevent.DeviceEvent, size)}
}

// Push enqueues event and returns the events evicted to make room for it.
func (h *handoff) Push(event devevent.DeviceEvent) []devevent.DeviceEvent {
	var evicted []devevent.DeviceEvent
	for {
		select {
		case h.ch <- event:
			return evicted
		default:
		}
		select {
		case old := <-h.ch:
			evicted = append(evicted, old)
		default:
		}
	}
}

func (h *handoff) C() <-chan devevent.DeviceEvent {
	return h.ch
}

// Drain empties the queue, calling fn for every remaining event.
func (h *handoff) Drain(fn func(devevent.DeviceEvent)) int {
	n := 0
	for {
		select {
		case ev := <-h.ch:
			fn(ev)
			n++
		default:
			return n
		}
	}
}
