//go:generate stringer -type=State -trimprefix=State
package btshower

import (
	"fmt"
	"time"
)

// State denotes a connection state
type State int

const (

	// StateDisconnected is active while no link to the peripheral exists
	StateDisconnected State = iota

	// StateConnecting is active while the link is established, discovered and synchronized
	StateConnecting

	// StateConnected is active while being connected to the shower monitor
	StateConnected

	// StateDisconnecting is active while the link is torn down. It is a session
	// state only and never assigned to a Peripheral
	StateDisconnecting
)

// ConnectionStatus denotes the current status of the session
type ConnectionStatus struct {
	Error        error
	PeripheralID string
	State
}

// Peripheral denotes a device sighted during discovery
type Peripheral struct {
	ID       string
	Name     string
	RSSI     int
	State    State
	LastSeen time.Time
}

// Connected returns if the peripheral is currently connected
func (p Peripheral) Connected() bool {
	return p.State == StateConnected
}

// ChannelValue denotes the latest decoded value of a live value channel
type ChannelValue struct {
	Channel ChannelID
	Value   uint32
	Updated time.Time
}

// HistoryRecord denotes the summary of a single shower, all fields in raw device units
type HistoryRecord struct {
	ShowerID      uint32 // running shower number
	AvgTemp       uint16 // centi-degrees Celsius
	Duration      uint16 // seconds
	WaterConsumed uint32 // milliliters
	Timestamp     uint32 // Unix seconds at completion
	InitialTemp   uint16 // centi-degrees Celsius
}

// AverageTemperature returns the average temperature in degrees Celsius
func (r HistoryRecord) AverageTemperature() float64 {
	return float64(r.AvgTemp) / 100.
}

// InitialTemperature returns the initial temperature in degrees Celsius
func (r HistoryRecord) InitialTemperature() float64 {
	return float64(r.InitialTemp) / 100.
}

// Volume returns the consumed water in liters
func (r HistoryRecord) Volume() float64 {
	return float64(r.WaterConsumed) / 1000.
}

// Length returns the duration of the shower
func (r HistoryRecord) Length() time.Duration {
	return time.Duration(r.Duration) * time.Second
}

// Time returns the completion time of the shower
func (r HistoryRecord) Time() time.Time {
	return time.Unix(int64(r.Timestamp), 0)
}

// String fulfils the Stringer interface
func (r HistoryRecord) String() string {
	return fmt.Sprintf("#%d at %s: %s, %.3f l, avg %.2f°C (initial %.2f°C)",
		r.ShowerID, r.Time().UTC().Format(time.RFC3339), r.Length(), r.Volume(), r.AverageTemperature(), r.InitialTemperature())
}

// RecordKind denotes the kind of data a dispatched notification produced
type RecordKind int

const (

	// KindValue denotes an updated live value
	KindValue RecordKind = iota

	// KindHistory denotes a history record appended to the history list
	KindHistory

	// KindCompleted denotes a just-completed shower record
	KindCompleted
)

// RecordEvent denotes the result of a single applied notification
type RecordEvent struct {
	Kind         RecordKind
	PeripheralID string
	Value        ChannelValue
	Record       HistoryRecord
}

// Snapshot denotes a read-only view of all state exposed to a presentation layer
type Snapshot struct {
	Peripherals    []Peripheral
	Values         map[ChannelID]ChannelValue
	Completed      *HistoryRecord
	History        []HistoryRecord
	ScanActive     bool
	Loading        bool
	LoadingHistory bool
	Status         ConnectionStatus
}

// Connected returns the connected peripheral, if any
func (s Snapshot) Connected() (Peripheral, bool) {
	for _, p := range s.Peripherals {
		if p.Connected() {
			return p, true
		}
	}
	return Peripheral{}, false
}
