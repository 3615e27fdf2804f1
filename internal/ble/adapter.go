// Package ble talks to BLE weighing scales. It wraps the radio behind small
// interfaces so the scale service can be tested without hardware.
package ble

import "context"

// Weight service and characteristic exposed by supported scales.
const (
	WeightServiceUUID = "0000ffc0-0000-1000-8000-00805f9b34fb"
	WeightCharUUID    = "0000ffc2-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the peer drops the link.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE radio.
type Adapter interface {
	// Enable powers on the adapter.
	Enable() error
	// Scan reports peripherals until ctx is done. An empty serviceUUID
	// matches every advertiser.
	Scan(ctx context.Context, serviceUUID string) ([]PeripheralIdentity, error)
	// Connect establishes a connection to the peripheral at address.
	Connect(ctx context.Context, address string) (Connection, error)
}

// PowerProbe reports whether the radio is powered.
type PowerProbe interface {
	Powered(ctx context.Context) (bool, error)
}
