package detect_test

import (
	"errors"
	"testing"
	"time"

	"github.com/neuroplastio/neio-relay/internal/detect"
	"github.com/neuroplastio/neio-relay/internal/detect/detecttest"
	"github.com/neuroplastio/neio-relay/pkg/devevent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubscribeDeliversNormalizedEvents(t *testing.T) {
	engine := detecttest.NewEngine()
	adapter := detect.NewAdapter(zap.NewNop(), engine)

	var got []devevent.DeviceEvent
	require.NoError(t, adapter.Subscribe(func(e devevent.DeviceEvent) {
		got = append(got, e)
	}))
	assert.True(t, adapter.Subscribed())

	engine.Emit(devevent.DeviceEvent{DeviceID: 1, SerialNumber: "ABC123\x00\x00", EventType: "connected  "})
	require.Len(t, got, 1)
	assert.Equal(t, "ABC123", got[0].SerialNumber)
	assert.Equal(t, "connected", got[0].EventType)

	assert.ErrorIs(t, adapter.Subscribe(func(devevent.DeviceEvent) {}), detect.ErrAlreadySubscribed)

	adapter.Unsubscribe()
	adapter.Unsubscribe()
	assert.False(t, adapter.Subscribed())
	assert.Equal(t, 1, engine.CleanUps())
	assert.False(t, engine.Emit(devevent.DeviceEvent{DeviceID: 2}))
	assert.Len(t, got, 1)
}

func TestSubscribeInitFailureIsRetryable(t *testing.T) {
	engine := detecttest.NewEngine()
	engine.FailInit(errors.New("status -1"))
	adapter := detect.NewAdapter(zap.NewNop(), engine)

	err := adapter.Subscribe(func(devevent.DeviceEvent) {})
	var initErr *detect.InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.EqualError(t, initErr.Err, "status -1")
	assert.False(t, adapter.Subscribed())
	assert.False(t, engine.Detecting())

	require.NoError(t, adapter.Subscribe(func(devevent.DeviceEvent) {}))
	assert.Equal(t, 2, engine.Inits())
	adapter.Unsubscribe()
}

func TestDeviceAt(t *testing.T) {
	engine := detecttest.NewEngine()
	engine.SetDevices(devevent.DeviceSnapshot{DeviceIndex: 4, DeviceName: "Pad\x00\x00", VendorID: 1, ProductID: 2})
	adapter := detect.NewAdapter(zap.NewNop(), engine)

	assert.Equal(t, 1, adapter.DeviceCount())
	dev, err := adapter.DeviceAt(0)
	require.NoError(t, err)
	assert.Equal(t, devevent.DeviceSnapshot{DeviceIndex: 4, DeviceName: "Pad", VendorID: 1, ProductID: 2}, dev)

	_, err = adapter.DeviceAt(1)
	assert.ErrorIs(t, err, detect.ErrStaleDevice)
}

func TestSubscribeDuringStuckCleanUp(t *testing.T) {
	engine := detecttest.NewEngine()
	adapter := detect.NewAdapter(zap.NewNop(), engine)
	require.NoError(t, adapter.Subscribe(func(devevent.DeviceEvent) {}))

	release := engine.BlockCleanUp()
	defer release()
	unsubscribed := make(chan struct{})
	go func() {
		defer close(unsubscribed)
		adapter.Unsubscribe()
	}()
	require.Eventually(t, adapter.CleaningUp, time.Second, time.Millisecond)

	result := make(chan error, 1)
	go func() {
		result <- adapter.Subscribe(func(devevent.DeviceEvent) {})
	}()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, detect.ErrAlreadySubscribed)
	case <-time.After(time.Second):
		t.Fatal("Subscribe blocked behind CleanUp")
	}
	assert.False(t, adapter.Subscribed())

	release()
	<-unsubscribed
	assert.False(t, adapter.CleaningUp())
	require.NoError(t, adapter.Subscribe(func(devevent.DeviceEvent) {}))
	assert.Equal(t, 2, engine.Inits())
	adapter.Unsubscribe()
}
