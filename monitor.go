package btshower

import (
	"context"
	"fmt"
	"time"
)

const defaultDeviceName = "KinetronSTFS"

// Monitor denotes a Bluetooth shower monitor, combining discovery and the
// session with a single device
type Monitor struct {
	deviceID   string
	deviceName string

	adapter  Adapter
	metadata *MetadataTable
	now      func() time.Time

	registry *Registry
	scanner  *Scanner
	session  *Session

	stateChangeHandler func(status ConnectionStatus)
	stateChangeChan    chan ConnectionStatus
	recordHandler      func(event RecordEvent)
	updates            chan struct{}

	logger Logger
}

// New instantiates a new Monitor, executing functional options, if any
func New(options ...func(*Monitor)) (*Monitor, error) {

	// Initialize a new instance of a Monitor
	m := &Monitor{
		deviceName: defaultDeviceName,
		now:        time.Now,
		updates:    make(chan struct{}, 1),
		logger:     &NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(m)
	}

	if m.deviceID == "" && m.deviceName == "" {
		return nil, fmt.Errorf("either device ID or device name must be set")
	}
	if m.metadata == nil {
		m.metadata = DefaultMetadataTable()
	}

	// Initialize a new gatt adapter (if not provided as option)
	if m.adapter == nil {
		m.adapter = NewGattAdapter(m.logger)
	}
	if ga, ok := m.adapter.(*GattAdapter); ok {
		if _, isNull := ga.logger.(*NullLogger); isNull {
			ga.logger = m.logger
		}
	}

	m.registry = NewRegistry()
	m.registry.now = m.now

	m.scanner = NewScanner(m.adapter, m.registry, m.deviceID, m.deviceName, m.logger)
	m.scanner.onChange = m.notifyUpdate

	m.session = NewSession(m.adapter, m.registry, m.scanner, m.metadata, m.logger)
	m.session.now = m.now
	m.session.onStatus = m.setStatus
	m.session.onRecord = m.handleRecord
	m.session.onChange = m.notifyUpdate

	return m, nil
}

// Scan starts discovery. It fails with ErrAdapterUnavailable if the adapter is off
func (m *Monitor) Scan(ctx context.Context) error {
	return m.scanner.Start(ctx)
}

// StopScan halts discovery
func (m *Monitor) StopScan() error {
	return m.scanner.Stop()
}

// Connect establishes a session with a discovered peripheral
func (m *Monitor) Connect(ctx context.Context, id string) error {
	return m.session.Connect(ctx, id)
}

// Disconnect terminates the session with a peripheral
func (m *Monitor) Disconnect(ctx context.Context, id string) error {
	return m.session.Disconnect(ctx, id)
}

// Toggle disconnects a connected peripheral or connects a disconnected one
func (m *Monitor) Toggle(ctx context.Context, id string) error {
	p, exists := m.registry.Get(id)
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
	}
	if p.Connected() {
		return m.Disconnect(ctx, id)
	}
	return m.Connect(ctx, id)
}

// RequestHistory asks the connected device to send its shower history
func (m *Monitor) RequestHistory(ctx context.Context) error {
	return m.session.RequestHistory(ctx)
}

// Target returns the target device, if it has been discovered
func (m *Monitor) Target() (Peripheral, bool) {
	return m.registry.Find(m.deviceID, m.deviceName)
}

// Peripherals returns all discovered peripherals in order of discovery
func (m *Monitor) Peripherals() []Peripheral {
	return m.registry.Peripherals()
}

// ConnectionStatus returns the current status of the session
func (m *Monitor) ConnectionStatus() ConnectionStatus {
	return m.session.Status()
}

// Values returns the latest value of every live value channel
func (m *Monitor) Values() map[ChannelID]ChannelValue {
	return m.session.Values()
}

// Completed returns the record of the last completed shower, if any
func (m *Monitor) Completed() *HistoryRecord {
	return m.session.Completed()
}

// History returns the shower history received during the current session
func (m *Monitor) History() []HistoryRecord {
	return m.session.History()
}

// Metadata returns the channel metadata table
func (m *Monitor) Metadata() *MetadataTable {
	return m.metadata
}

// Snapshot returns a view of all state relevant for presentation
func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		Peripherals:    m.registry.Peripherals(),
		Values:         m.session.Values(),
		Completed:      m.session.Completed(),
		History:        m.session.History(),
		ScanActive:     m.scanner.Active(),
		Loading:        m.session.Loading(),
		LoadingHistory: m.session.LoadingHistory(),
		Status:         m.session.Status(),
	}
}

// Updates returns a channel signaling (coalesced) state changes
func (m *Monitor) Updates() <-chan struct{} {
	return m.updates
}

// Close terminates any active session and stops discovery
func (m *Monitor) Close() error {
	m.session.Close()

	return m.scanner.Stop()
}

////////////////////////////////////////////////////////////////////////////////

func (m *Monitor) setStatus(status ConnectionStatus) {

	// Call handler function, if any
	if m.stateChangeHandler != nil {
		m.stateChangeHandler(status)
	}

	// Put state change on channel, if any
	if m.stateChangeChan != nil {
		select {
		case m.stateChangeChan <- status:
		default:
		}
	}
}

func (m *Monitor) handleRecord(event RecordEvent) {
	if m.recordHandler != nil {
		m.recordHandler(event)
	}
}

func (m *Monitor) notifyUpdate() {
	select {
	case m.updates <- struct{}{}:
	default:
	}
}
