package btshower

import (
	"time"

	"github.com/fako1024/gatt"
)

// WithDeviceID sets the Bluetooth device ID of the shower monitor
func WithDeviceID(deviceID string) func(*Monitor) {
	return func(m *Monitor) {
		m.deviceID = deviceID
	}
}

// WithDeviceName sets the advertised Bluetooth name of the shower monitor
func WithDeviceName(deviceName string) func(*Monitor) {
	return func(m *Monitor) {
		m.deviceName = deviceName
	}
}

// WithDevice sets the gatt Bluetooth device
func WithDevice(btDevice gatt.Device) func(*Monitor) {
	return func(m *Monitor) {
		m.adapter = newGattAdapter(btDevice, nil)
	}
}

// WithAdapter sets the adapter backend (e.g. from the tinygo package)
func WithAdapter(adapter Adapter) func(*Monitor) {
	return func(m *Monitor) {
		m.adapter = adapter
	}
}

// WithLogger sets a logger
func WithLogger(logger Logger) func(*Monitor) {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithMetadata sets the channel metadata table
func WithMetadata(metadata *MetadataTable) func(*Monitor) {
	return func(m *Monitor) {
		m.metadata = metadata
	}
}

// WithClock sets the time source used for time synchronization and timestamps
func WithClock(now func() time.Time) func(*Monitor) {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithStateChangeHandler defines a handler function that is called upon state change
func WithStateChangeHandler(fn func(status ConnectionStatus)) func(*Monitor) {
	return func(m *Monitor) {
		m.stateChangeHandler = fn
	}
}

// WithStateChangeChannel defines a channel that receives state changes (non-blocking)
func WithStateChangeChannel(ch chan ConnectionStatus) func(*Monitor) {
	return func(m *Monitor) {
		m.stateChangeChan = ch
	}
}

// WithRecordHandler defines a handler function that is called for every applied
// notification, in arrival order
func WithRecordHandler(fn func(event RecordEvent)) func(*Monitor) {
	return func(m *Monitor) {
		m.recordHandler = fn
	}
}
