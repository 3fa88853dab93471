package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// Peripheral is the part of ble.Device the host drives
type Peripheral interface {
	AddService(svc *ble.Service) error
	RemoveAllServices() error
	AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error
	Stop() error
}

// DeviceFactory creates the platform BLE device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (Peripheral, error) {
	dev, err := newDevice()
	if err != nil {
		return nil, NormalizeDeviceError(err)
	}
	return dev, nil
}
