package relaysvc

import (
	"github.com/neuroplastio/neio-relay/pkg/devevent"
	"go.uber.org/atomic"
)

type Filter interface {
	Allow(event devevent.DeviceEvent) bool
}

// VendorFilter drops events of ignored vendors. The ignore list can be swapped at any time.
type VendorFilter struct {
	ignored *atomic.Pointer[map[int]struct{}]
}

func NewVendorFilter(vendors ...int) *VendorFilter {
	f := &VendorFilter{
		ignored: atomic.NewPointer[map[int]struct{}](nil),
	}
	f.SetIgnored(vendors)
	return f
}

func (f *VendorFilter) SetIgnored(vendors []int) {
	m := make(map[int]struct{}, len(vendors))
	for _, v := range vendors {
		m[v] = struct{}{}
	}
	f.ignored.Store(&m)
}

func (f *VendorFilter) Allow(event devevent.DeviceEvent) bool {
	m := f.ignored.Load()
	if m == nil {
		return true
	}
	_, ignored := (*m)[event.VendorID]
	return !ignored
}

type allowAll struct{}

func (allowAll) Allow(devevent.DeviceEvent) bool {
	return true
}
