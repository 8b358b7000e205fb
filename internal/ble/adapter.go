// Package ble manages the bridge's single BLE link to an AirScale sensor. It
// owns scanning, the connection session, automatic discovery and reconnect,
// and signal-quality driven migration between sensors.
package ble

import (
	"context"
	"strings"
)

// AirScale GATT UUIDs
const (
	ServiceUUID    = "12345678-1234-1234-1234-123456789abc"
	SensorCharUUID = "87654321-4321-4321-4321-cba987654321"
	CoeffsCharUUID = "11111111-2222-3333-4444-555555555555"
	OTACharUUID    = "22222222-3333-4444-5555-666666666666"
)

// DefaultNamePrefix is the advertised local-name prefix of every AirScale sensor.
const DefaultNamePrefix = "AirScale"

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data and waits for the peripheral's acknowledgement.
	Write(data []byte) error
	// WriteWithoutResponse sends data as an unacknowledged ATT command.
	WriteWithoutResponse(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// ScanResult is one advertisement seen during a scan.
type ScanResult struct {
	// DeviceID is the platform identifier used to connect. On Linux it is
	// the BLE address; on macOS a CoreBluetooth UUID. It may change between
	// sessions.
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	RSSI     int    `json:"rssi"`
}

// ScanFilter narrows which advertisements a scan reports.
type ScanFilter struct {
	NamePrefix  string
	ServiceUUID string
}

// Match reports whether r passes the name-prefix filter.
func (f ScanFilter) Match(r ScanResult) bool {
	return f.NamePrefix == "" || strings.HasPrefix(r.Name, f.NamePrefix)
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// MTU returns the negotiated ATT MTU.
	MTU() (int, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements to onResult until ctx is cancelled or the
	// platform scan fails. It blocks for the life of the scan.
	Scan(ctx context.Context, filter ScanFilter, onResult func(ScanResult)) error
	// Connect establishes a connection to the device with the given platform id.
	Connect(ctx context.Context, deviceID string) (Connection, error)
}
