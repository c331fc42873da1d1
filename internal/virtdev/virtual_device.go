// Package virtdev creates a virtual HID gamepad through /dev/uhid so the relay can be exercised without hardware.
package virtdev

import (
	"context"
	"fmt"
	"time"

	"github.com/psanford/uhid"
	"go.uber.org/zap"
)

// Descriptor describes 8 buttons followed by an X and a Y axis, one byte each.
var Descriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x05, // Usage (Game Pad)
	0xa1, 0x01, // Collection (Application)
	0x05, 0x09, //   Usage Page (Button)
	0x19, 0x01, //   Usage Minimum (1)
	0x29, 0x08, //   Usage Maximum (8)
	0x15, 0x00, //   Logical Minimum (0)
	0x25, 0x01, //   Logical Maximum (1)
	0x75, 0x01, //   Report Size (1)
	0x95, 0x08, //   Report Count (8)
	0x81, 0x02, //   Input (Data,Var,Abs)
	0x05, 0x01, //   Usage Page (Generic Desktop)
	0x09, 0x30, //   Usage (X)
	0x09, 0x31, //   Usage (Y)
	0x15, 0x81, //   Logical Minimum (-127)
	0x25, 0x7f, //   Logical Maximum (127)
	0x75, 0x08, //   Report Size (8)
	0x95, 0x02, //   Report Count (2)
	0x81, 0x02, //   Input (Data,Var,Abs)
	0xc0, // End Collection
}

// ReportSize is the length of one input report of Descriptor.
const ReportSize = 3

var defaultOptions = options{
	name:      "neio-relay virtual pad",
	vendorID:  0x1209,
	productID: 0x0001,
	interval:  100 * time.Millisecond,
}

type options struct {
	name      string
	vendorID  uint32
	productID uint32
	interval  time.Duration
}

type Option func(*options)

func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

func WithIDs(vendorID, productID uint32) Option {
	return func(o *options) {
		o.vendorID = vendorID
		o.productID = productID
	}
}

// WithInterval sets how often an input report is injected.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		o.interval = d
	}
}

type Device struct {
	log     *zap.Logger
	options options
}

func New(log *zap.Logger, opts ...Option) *Device {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Device{
		log:     log,
		options: o,
	}
}

// Run creates the device and injects reports until ctx is done. The device is destroyed on return.
func (d *Device) Run(ctx context.Context) error {
	dev, err := uhid.NewDevice(d.options.name, Descriptor)
	if err != nil {
		return fmt.Errorf("failed to create uhid device: %w", err)
	}
	dev.Data.Bus = 0x03
	dev.Data.VendorID = d.options.vendorID
	dev.Data.ProductID = d.options.productID

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := dev.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open uhid device: %w", err)
	}
	defer dev.Close()
	d.log.Info("Virtual device created",
		zap.String("name", d.options.name),
		zap.String("id", fmt.Sprintf("%04x:%04x", d.options.vendorID, d.options.productID)),
	)

	ticker := time.NewTicker(d.options.interval)
	defer ticker.Stop()
	step := 0
	for {
		select {
		case <-ctx.Done():
			d.log.Info("Virtual device removed", zap.Int("reports", step))
			return nil
		case event, ok := <-events:
			if !ok {
				return fmt.Errorf("uhid device closed")
			}
			d.log.Debug("uhid event", zap.Any("type", event.Type))
		case <-ticker.C:
			if err := dev.InjectEvent(Report(step)); err != nil {
				return fmt.Errorf("failed to inject report: %w", err)
			}
			step++
		}
	}
}

// Report returns the input report injected at step: one button pressed at a time
// while the stick sweeps between both ends of the X axis.
func Report(step int) []byte {
	x := step%64*4 - 127
	if (step/64)%2 == 1 {
		x = -x
	}
	return []byte{
		1 << (step % 8),
		byte(int8(x)),
		0,
	}
}
