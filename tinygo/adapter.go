// Package tinygo provides a btshower.Adapter backed by tinygo.org/x/bluetooth
// (BlueZ via D-Bus on Linux, CoreBluetooth on macOS, WinRT on Windows).
//
// tinygo does not expose characteristic properties on all platforms, hence the
// notification capable channels are taken from the channel metadata table: every
// channel listed there except the write-only ones is subscribed to. Unsolicited
// disconnects are picked up from the adapter's connect handler.
package tinygo

import (
	"context"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/fako1024/btshower"
	"go.uber.org/multierr"
	"tinygo.org/x/bluetooth"
)

// discoverer is the part of a tinygo adapter driving discovery
type discoverer interface {
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// Adapter denotes a btshower.Adapter using a tinygo bluetooth adapter
type Adapter struct {
	adapter    *bluetooth.Adapter
	discoverer discoverer
	metadata   *btshower.MetadataTable

	enableOnce sync.Once
	enableErr  error

	// scanGen identifies the most recent scan, a superseded scan exiting late
	// must not clear the flag of its successor
	scanMu   sync.Mutex
	scanning bool
	scanGen  uint64

	results *hashmap.Map[string, bluetooth.ScanResult]
	links   *hashmap.Map[string, *link]

	logger btshower.Logger
}

// New instantiates a new Adapter for the default system adapter
func New(metadata *btshower.MetadataTable, logger btshower.Logger) *Adapter {
	return NewWithAdapter(bluetooth.DefaultAdapter, metadata, logger)
}

// NewWithAdapter instantiates a new Adapter for a specific tinygo adapter (e.g.
// bluetooth.NewAdapter("hci1") on Linux)
func NewWithAdapter(adapter *bluetooth.Adapter, metadata *btshower.MetadataTable, logger btshower.Logger) *Adapter {
	if metadata == nil {
		metadata = btshower.DefaultMetadataTable()
	}
	if logger == nil {
		logger = &btshower.NullLogger{}
	}
	return &Adapter{
		adapter:    adapter,
		discoverer: adapter,
		metadata:   metadata,
		results:    hashmap.New[string, bluetooth.ScanResult](),
		links:      hashmap.New[string, *link](),
		logger:     logger,
	}
}

// Enable enables the BLE stack (once)
func (a *Adapter) Enable(_ context.Context) error {
	a.enableOnce.Do(func() {
		a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			a.connectionChanged(device.Address.String(), connected)
		})
		a.enableErr = a.adapter.Enable()
	})
	if a.enableErr != nil {
		return fmt.Errorf("%w: %s", btshower.ErrAdapterUnavailable, a.enableErr)
	}
	return nil
}

// StartScan starts discovery in the background
func (a *Adapter) StartScan(handler func(btshower.Sighting)) error {
	a.scanMu.Lock()
	if a.scanning {
		a.scanMu.Unlock()
		return nil
	}
	a.scanning = true
	a.scanGen++
	gen := a.scanGen
	a.scanMu.Unlock()

	// Scan blocks until StopScan() or error
	go func() {
		defer a.scanFinished(gen)

		// Stopped before it got going
		if !a.scanCurrent(gen) {
			return
		}
		if err := a.discoverer.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			id := r.Address.String()
			a.results.Set(id, r)

			handler(btshower.Sighting{
				ID:   id,
				Name: r.LocalName(),
				RSSI: int(r.RSSI),
			})
		}); err != nil {
			a.logger.Errorf("scan failed: %s", err)
		}
	}()

	return nil
}

// StopScan halts discovery. A scan may be started again right away
func (a *Adapter) StopScan() error {
	a.scanMu.Lock()
	if !a.scanning {
		a.scanMu.Unlock()
		return nil
	}
	a.scanning = false
	a.scanMu.Unlock()

	return a.discoverer.StopScan()
}

func (a *Adapter) scanCurrent(gen uint64) bool {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	return a.scanning && a.scanGen == gen
}

func (a *Adapter) scanFinished(gen uint64) {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	if a.scanGen == gen {
		a.scanning = false
	}
}

// Connect establishes a link to a previously sighted peripheral
func (a *Adapter) Connect(ctx context.Context, id string) (btshower.Link, error) {
	r, exists := a.results.Get(id)
	if !exists {
		return nil, fmt.Errorf("%w: %s", btshower.ErrUnknownPeripheral, id)
	}

	type result struct {
		device bluetooth.Device
		err    error
	}
	resChan := make(chan result, 1)
	go func() {
		device, err := a.adapter.Connect(r.Address, bluetooth.ConnectionParams{})
		resChan <- result{device: device, err: err}
	}()

	select {
	case res := <-resChan:
		if res.err != nil {
			return nil, res.err
		}
		l := newLink(id, res.device, a.metadata)
		l.release = a.untrack
		a.links.Set(id, l)
		return l, nil
	case <-ctx.Done():

		// Release the connection once (and if) it is established
		go func() {
			if res := <-resChan; res.err == nil {
				if err := res.device.Disconnect(); err != nil {
					a.logger.Debugf("failed to disconnect abandoned connection to `%s`: %s", id, err)
				}
			}
		}()
		return nil, ctx.Err()
	}
}

// connectionChanged marks the open link to a device as lost once the adapter
// reports it disconnected
func (a *Adapter) connectionChanged(id string, connected bool) {
	if connected {
		return
	}
	if l, exists := a.links.Get(id); exists {
		a.logger.Debugf("connection to `%s` lost", id)
		a.untrack(l)
		l.markLost()
	}
}

func (a *Adapter) untrack(l *link) {
	if current, exists := a.links.Get(l.id); exists && current == l {
		a.links.Del(l.id)
	}
}

////////////////////////////////////////////////////////////////////////////////

type link struct {
	id       string
	device   bluetooth.Device
	metadata *btshower.MetadataTable
	release  func(*link)

	mu         sync.Mutex
	chars      map[btshower.ChannelID]bluetooth.DeviceCharacteristic
	subscribed []bluetooth.DeviceCharacteristic

	lost     chan struct{}
	lostOnce sync.Once
}

func newLink(id string, device bluetooth.Device, metadata *btshower.MetadataTable) *link {
	return &link{
		id:       id,
		device:   device,
		metadata: metadata,
		release:  func(*link) {},
		chars:    make(map[btshower.ChannelID]bluetooth.DeviceCharacteristic),
		lost:     make(chan struct{}),
	}
}

func (l *link) Discover(ctx context.Context) ([]btshower.DiscoveredChannel, error) {
	srvcs, err := l.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	var res []btshower.DiscoveredChannel
	for _, srvc := range srvcs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chars, err := srvc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to discover characteristics of service %s: %w", srvc.UUID().String(), err)
		}
		for _, c := range chars {
			id, err := btshower.ParseChannelID(c.UUID().String())
			if err != nil {
				return nil, err
			}

			l.mu.Lock()
			l.chars[id] = c
			l.mu.Unlock()

			res = append(res, btshower.DiscoveredChannel{
				ID:     id,
				Notify: l.notifiable(id),
				Write:  isWriteChannel(id),
			})
		}
	}

	return res, nil
}

func (l *link) Write(ctx context.Context, id btshower.ChannelID, data []byte) error {
	c, err := l.characteristic(id)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return writeCharacteristic(c, data)
}

func (l *link) Subscribe(id btshower.ChannelID, fn func(data []byte)) error {
	c, err := l.characteristic(id)
	if err != nil {
		return err
	}
	if err := c.EnableNotifications(fn); err != nil {
		return err
	}

	l.mu.Lock()
	l.subscribed = append(l.subscribed, c)
	l.mu.Unlock()

	return nil
}

func (l *link) Lost() <-chan struct{} {
	return l.lost
}

func (l *link) Close() (err error) {

	// Deregister first, disconnecting triggers the connect handler
	l.release(l)

	l.mu.Lock()
	subscribed := l.subscribed
	l.subscribed = nil
	l.mu.Unlock()

	// A nil callback disables notifications
	for _, c := range subscribed {
		err = multierr.Append(err, c.EnableNotifications(nil))
	}
	err = multierr.Append(err, l.device.Disconnect())
	l.markLost()

	return
}

func (l *link) markLost() {
	l.lostOnce.Do(func() {
		close(l.lost)
	})
}

func (l *link) characteristic(id btshower.ChannelID) (bluetooth.DeviceCharacteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, exists := l.chars[id]
	if !exists {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("channel %s not found on device", id)
	}
	return c, nil
}

func (l *link) notifiable(id btshower.ChannelID) bool {
	if isWriteChannel(id) {
		return false
	}
	_, known := l.metadata.Lookup(id)
	return known
}

func isWriteChannel(id btshower.ChannelID) bool {
	return id == btshower.ChannelTimeSync || id == btshower.ChannelDumpHistory
}
