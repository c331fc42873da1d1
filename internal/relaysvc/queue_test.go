package relaysvc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/neuroplastio/neio-relay/internal/detect"
	"github.com/neuroplastio/neio-relay/pkg/devevent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHandoffEvictsOldest(t *testing.T) {
	q := newHandoff(2)
	assert.Empty(t, q.Push(devevent.DeviceEvent{DeviceID: 1}))
	assert.Empty(t, q.Push(devevent.DeviceEvent{DeviceID: 2}))

	evicted := q.Push(devevent.DeviceEvent{DeviceID: 3})
	require.Len(t, evicted, 1)
	assert.Equal(t, 1, evicted[0].DeviceID)

	var ids []int
	n := q.Drain(func(ev devevent.DeviceEvent) {
		ids = append(ids, ev.DeviceID)
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{2, 3}, ids)
	assert.Zero(t, q.Drain(func(devevent.DeviceEvent) {}))
}

type inventory struct {
	devices []devevent.DeviceSnapshot
	stale   map[int]bool
}

func (i *inventory) DeviceCount() int {
	return len(i.devices)
}

func (i *inventory) DeviceAt(index int) (devevent.DeviceSnapshot, error) {
	if i.stale[index] {
		return devevent.DeviceSnapshot{}, fmt.Errorf("device %d: %w", index, detect.ErrStaleDevice)
	}
	return i.devices[index], nil
}

func TestSnapshotPoller(t *testing.T) {
	tests := []struct {
		name        string
		inventory   *inventory
		hookErr     error
		wantFound   bool
		wantIndex   int
		initialized bool
	}{
		{
			name:      "no devices",
			inventory: &inventory{},
		},
		{
			name: "first device",
			inventory: &inventory{devices: []devevent.DeviceSnapshot{
				{DeviceIndex: 0, DeviceName: "a"},
				{DeviceIndex: 1, DeviceName: "b"},
			}},
			wantFound:   true,
			wantIndex:   0,
			initialized: true,
		},
		{
			name: "stale device skipped",
			inventory: &inventory{
				devices: []devevent.DeviceSnapshot{
					{DeviceIndex: 0, DeviceName: "a"},
					{DeviceIndex: 1, DeviceName: "b"},
				},
				stale: map[int]bool{0: true},
			},
			wantFound:   true,
			wantIndex:   1,
			initialized: true,
		},
		{
			name: "all stale",
			inventory: &inventory{
				devices: []devevent.DeviceSnapshot{{DeviceIndex: 0}},
				stale:   map[int]bool{0: true},
			},
		},
		{
			name: "hook failure still counts",
			inventory: &inventory{devices: []devevent.DeviceSnapshot{
				{DeviceIndex: 0, DeviceName: "a"},
			}},
			hookErr:     errors.New("boom"),
			wantFound:   true,
			initialized: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			hook := InitHookFunc(func(ctx context.Context, session SessionInfo, device devevent.DeviceSnapshot, send LineSender) error {
				calls++
				return tt.hookErr
			})
			p := newSnapshotPoller(zap.NewNop(), tt.inventory, hook)
			send := func(string) error { return nil }

			dev, found := p.Poll(context.Background(), SessionInfo{ID: "s"}, send)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.initialized, p.Initialized())
			if tt.wantFound {
				assert.Equal(t, tt.wantIndex, dev.DeviceIndex)
			}

			_, again := p.Poll(context.Background(), SessionInfo{ID: "s"}, send)
			if tt.wantFound {
				assert.False(t, again)
				assert.Equal(t, 1, calls)
			}
		})
	}
}

func TestVendorFilter(t *testing.T) {
	f := NewVendorFilter(0x46d)
	assert.False(t, f.Allow(devevent.DeviceEvent{VendorID: 0x46d}))
	assert.True(t, f.Allow(devevent.DeviceEvent{VendorID: 0x54c}))

	f.SetIgnored(nil)
	assert.True(t, f.Allow(devevent.DeviceEvent{VendorID: 0x46d}))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AWAITING_CONNECTION", StateAwaitingConnection.String())
	assert.Equal(t, "RELAYING", StateRelaying.String())
}
