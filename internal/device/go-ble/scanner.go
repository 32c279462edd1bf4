package goble

import (
	"context"
	"errors"

	ble "github.com/go-ble/ble"
	"github.com/srg/ecglink/internal/device"
)

// bleScanner wraps ble.Device to implement a device.ScanningDevice interface
type bleScanner struct {
	dev ble.Device
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to the device.Advertisement.
// Cancellation of ctx is a normal end of scan and returns nil.
func (s *bleScanner) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	bleHandler := func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	}
	err := s.dev.Scan(ctx, allowDup, bleHandler)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return NormalizeError(err)
	}
	return nil
}

// NewScanner creates a device.ScanningDevice instance for BLE scanning operations.
func NewScanner() (device.ScanningDevice, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return &bleScanner{dev: dev}, nil
}
