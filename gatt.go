package btshower

import (
	"context"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/fako1024/gatt"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// GattAdapter denotes an Adapter backed by a gatt Bluetooth device
type GattAdapter struct {
	btDevice gatt.Device
	options  []gatt.Option

	initOnce  sync.Once
	initErr   error
	readyOnce sync.Once
	ready     chan struct{}
	poweredOn *atomic.Bool

	peripherals *hashmap.Map[string, gatt.Peripheral]

	mu      sync.Mutex
	handler func(Sighting)
	pending map[string]chan connectResult
	links   map[string]*gattLink

	logger Logger
}

type connectResult struct {
	p   gatt.Peripheral
	err error
}

// NewGattAdapter instantiates a new gatt based Adapter. The underlying device is
// created upon first use, using the given options (or sane client defaults)
func NewGattAdapter(logger Logger, options ...gatt.Option) *GattAdapter {
	a := newGattAdapter(nil, logger)
	a.options = options
	if len(a.options) == 0 {
		a.options = defaultBTClientOptions
	}
	return a
}

func newGattAdapter(btDevice gatt.Device, logger Logger) *GattAdapter {
	if logger == nil {
		logger = &NullLogger{}
	}
	return &GattAdapter{
		btDevice:    btDevice,
		ready:       make(chan struct{}),
		poweredOn:   atomic.NewBool(false),
		peripherals: hashmap.New[string, gatt.Peripheral](),
		pending:     make(map[string]chan connectResult),
		links:       make(map[string]*gattLink),
		logger:      logger,
	}
}

// Enable initializes the gatt device (once) and waits for its first state report
func (a *GattAdapter) Enable(ctx context.Context) error {
	a.initOnce.Do(a.init)
	if a.initErr != nil {
		return fmt.Errorf("%w: %s", ErrAdapterUnavailable, a.initErr)
	}

	select {
	case <-a.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	if !a.poweredOn.Load() {
		return ErrAdapterUnavailable
	}
	return nil
}

// StartScan starts discovery, reporting every advertisement (including duplicates)
func (a *GattAdapter) StartScan(handler func(Sighting)) error {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()

	return a.btDevice.Scan([]gatt.UUID{}, true)
}

// StopScan halts discovery
func (a *GattAdapter) StopScan() error {
	return a.btDevice.StopScanning()
}

// Connect establishes a link to a previously sighted peripheral
func (a *GattAdapter) Connect(ctx context.Context, id string) (Link, error) {
	p, exists := a.peripherals.Get(id)
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
	}

	resChan := make(chan connectResult, 1)
	a.mu.Lock()
	a.pending[id] = resChan
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}()

	if err := a.btDevice.Connect(p); err != nil {
		return nil, err
	}

	select {
	case res := <-resChan:
		if res.err != nil {
			return nil, res.err
		}
		p = res.p
	case <-ctx.Done():
		a.btDevice.CancelConnection(p)
		return nil, ctx.Err()
	}

	link := &gattLink{
		btDevice: a.btDevice,
		p:        p,
		chars:    make(map[ChannelID]*gatt.Characteristic),
		lost:     make(chan struct{}),
		logger:   a.logger,
	}

	a.mu.Lock()
	a.links[id] = link
	a.mu.Unlock()

	return link, nil
}

////////////////////////////////////////////////////////////////////////////////

func (a *GattAdapter) init() {

	// Initialize a new GATT device (if not provided)
	if a.btDevice == nil {
		btDevice, err := gatt.NewDevice(a.options...)
		if err != nil {
			a.initErr = err
			return
		}
		a.btDevice = btDevice
	}

	// Register handlers
	a.btDevice.Handle(
		gatt.AddPeripheralDiscovered(a.onPeriphDiscovered),
		gatt.AddPeripheralConnected(a.onPeriphConnected),
		gatt.AddPeripheralDisconnected(a.onPeriphDisconnected),
	)

	// Initialize the device
	a.initErr = a.btDevice.Init(a.onStateChanged)
}

func (a *GattAdapter) onStateChanged(d gatt.Device, s gatt.State) {
	a.poweredOn.Store(s == gatt.StatePoweredOn)
	if s != gatt.StatePoweredOn {
		if err := d.StopScanning(); err != nil {
			a.logger.Debugf("failed to stop scanning on adapter state change to %v: %s", s, err)
		}
	}
	a.logger.Debugf("adapter state changed to %v", s)

	a.readyOnce.Do(func() {
		close(a.ready)
	})
}

func (a *GattAdapter) onPeriphDiscovered(p gatt.Peripheral, adv *gatt.Advertisement, rssi int) {
	a.peripherals.Set(p.ID(), p)

	name := p.Name()
	if name == "" && adv != nil {
		name = adv.LocalName
	}

	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()

	if handler != nil {
		handler(Sighting{
			ID:   p.ID(),
			Name: name,
			RSSI: rssi,
		})
	}
}

func (a *GattAdapter) onPeriphConnected(p gatt.Peripheral, err error) {
	a.mu.Lock()
	resChan := a.pending[p.ID()]
	a.mu.Unlock()

	if resChan == nil {
		a.logger.Debugf("ignoring unsolicited connection of peripheral `%s/%s`", p.Name(), p.ID())
		return
	}

	select {
	case resChan <- connectResult{p: p, err: err}:
	default:
	}
}

func (a *GattAdapter) onPeriphDisconnected(p gatt.Peripheral, err error) {
	a.mu.Lock()
	link := a.links[p.ID()]
	delete(a.links, p.ID())
	resChan := a.pending[p.ID()]
	a.mu.Unlock()

	a.logger.Debugf("disconnected peripheral `%s/%s` (%v)", p.Name(), p.ID(), err)

	if link != nil {
		link.markLost()
	}
	if resChan != nil {
		select {
		case resChan <- connectResult{err: ErrLinkLost}:
		default:
		}
	}
}

////////////////////////////////////////////////////////////////////////////////

type gattLink struct {
	btDevice gatt.Device
	p        gatt.Peripheral

	mu         sync.Mutex
	chars      map[ChannelID]*gatt.Characteristic
	subscribed []*gatt.Characteristic

	lost     chan struct{}
	lostOnce sync.Once

	logger Logger
}

func (l *gattLink) Discover(ctx context.Context) ([]DiscoveredChannel, error) {

	// Discover services
	ss, err := l.p.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	var res []DiscoveredChannel
	for _, s := range ss {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Discover characteristics
		cs, err := l.p.DiscoverCharacteristics(nil, s)
		if err != nil {
			return nil, fmt.Errorf("failed to discover characteristics of service %s: %w", s.UUID(), err)
		}
		for _, c := range cs {
			props := c.Properties()
			notify := props&(gatt.CharNotify|gatt.CharIndicate) != 0

			// Discover descriptors (required to enable notifications)
			if notify {
				if _, err := l.p.DiscoverDescriptors(nil, c); err != nil {
					return nil, fmt.Errorf("failed to discover descriptors of characteristic %s: %w", c.UUID(), err)
				}
			}

			id := ChannelID(c.UUID().String())
			l.mu.Lock()
			l.chars[id] = c
			l.mu.Unlock()

			res = append(res, DiscoveredChannel{
				ID:     id,
				Notify: notify,
				Write:  props&(gatt.CharWrite|gatt.CharWriteNR) != 0,
			})
		}
	}

	return res, nil
}

func (l *gattLink) Write(ctx context.Context, id ChannelID, data []byte) error {
	c, err := l.characteristic(id)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return l.p.WriteCharacteristic(c, data, false)
}

func (l *gattLink) Subscribe(id ChannelID, fn func(data []byte)) error {
	c, err := l.characteristic(id)
	if err != nil {
		return err
	}

	if err := l.p.SetNotifyValue(c, func(_ *gatt.Characteristic, data []byte, err error) {
		if err != nil {
			l.logger.Warnf("error on notification from channel %s: %s", id, err)
			return
		}
		fn(data)
	}); err != nil {
		return err
	}

	l.mu.Lock()
	l.subscribed = append(l.subscribed, c)
	l.mu.Unlock()

	return nil
}

func (l *gattLink) Lost() <-chan struct{} {
	return l.lost
}

func (l *gattLink) Close() (err error) {
	l.mu.Lock()
	subscribed := l.subscribed
	l.subscribed = nil
	l.mu.Unlock()

	for _, c := range subscribed {
		err = multierr.Append(err, l.p.SetNotifyValue(c, nil))
	}
	l.btDevice.CancelConnection(l.p)
	l.markLost()

	return
}

func (l *gattLink) characteristic(id ChannelID) (*gatt.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, exists := l.chars[id]
	if !exists {
		return nil, fmt.Errorf("channel %s not found on device", id)
	}
	return c, nil
}

func (l *gattLink) markLost() {
	l.lostOnce.Do(func() {
		close(l.lost)
	})
}
