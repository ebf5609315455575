package btshower

import (
	"context"
	"sync"
)

const (
	testPeripheralID   = "c4:be:84:aa:bb:cc"
	testPeripheralName = "KinetronSTFS"
)

var (
	testChannelA = MustParseChannelID("0000aaaa-0000-1000-8000-00805f9b34fb")
	testChannelB = MustParseChannelID("0000bbbb-0000-1000-8000-00805f9b34fb")
)

// defaultTestChannels mirrors the channel layout of the shower monitor, plus two
// live value channels unknown to the default metadata table
func defaultTestChannels() []DiscoveredChannel {
	return []DiscoveredChannel{
		{ID: ChannelTimeSync, Write: true},
		{ID: ChannelDumpHistory, Write: true},
		{ID: ChannelShowerRecord, Notify: true},
		{ID: ChannelCompletedShower, Notify: true},
		{ID: ChannelDeviceTime, Notify: true},
		{ID: testChannelA, Notify: true},
		{ID: testChannelB, Notify: true},
	}
}

type fakeAdapter struct {
	mu         sync.Mutex
	poweredOff bool
	scanning   bool
	scanStarts int
	handler    func(Sighting)

	connectErr error
	link       *fakeLink
	connects   int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		link: newFakeLink(),
	}
}

func (a *fakeAdapter) Enable(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.poweredOff {
		return ErrAdapterUnavailable
	}
	return nil
}

func (a *fakeAdapter) StartScan(handler func(Sighting)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.scanning = true
	a.scanStarts++
	a.handler = handler
	return nil
}

func (a *fakeAdapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.scanning = false
	return nil
}

func (a *fakeAdapter) Connect(ctx context.Context, _ string) (Link, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.connects++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	return a.link, nil
}

// sight reports an advertisement as if received while scanning
func (a *fakeAdapter) sight(s Sighting) {
	a.mu.Lock()
	handler, scanning := a.handler, a.scanning
	a.mu.Unlock()

	if handler != nil && scanning {
		handler(s)
	}
}

func (a *fakeAdapter) isScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.scanning
}

func (a *fakeAdapter) setLink(link *fakeLink) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.link = link
}

type fakeWrite struct {
	id   ChannelID
	data []byte
}

type fakeLink struct {
	mu       sync.Mutex
	channels []DiscoveredChannel

	discoverErr  error
	syncErr      error
	writeErr     error
	subscribeErr error
	closeErr     error

	// discovering is signaled (if set) once Discover is entered, which then blocks
	// until discoverGate is closed
	discovering  chan struct{}
	discoverGate chan struct{}

	// onSubscribe is called after each successful subscription
	onSubscribe func(ChannelID)

	writes         []fakeWrite
	subs           map[ChannelID]func([]byte)
	subscribeCalls int
	closed         int

	lost     chan struct{}
	lostOnce sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		channels: defaultTestChannels(),
		subs:     make(map[ChannelID]func([]byte)),
		lost:     make(chan struct{}),
	}
}

func (l *fakeLink) Discover(_ context.Context) ([]DiscoveredChannel, error) {
	l.mu.Lock()
	discovering, gate := l.discovering, l.discoverGate
	l.mu.Unlock()

	if discovering != nil {
		close(discovering)
	}
	if gate != nil {
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.discoverErr != nil {
		return nil, l.discoverErr
	}
	return append([]DiscoveredChannel(nil), l.channels...), nil
}

func (l *fakeLink) Write(_ context.Context, id ChannelID, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id == ChannelTimeSync && l.syncErr != nil {
		return l.syncErr
	}
	if id != ChannelTimeSync && l.writeErr != nil {
		return l.writeErr
	}
	l.writes = append(l.writes, fakeWrite{id: id, data: append([]byte(nil), data...)})
	return nil
}

func (l *fakeLink) Subscribe(id ChannelID, fn func(data []byte)) error {
	l.mu.Lock()
	l.subscribeCalls++
	if l.subscribeErr != nil {
		l.mu.Unlock()
		return l.subscribeErr
	}
	l.subs[id] = fn
	hook := l.onSubscribe
	l.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return nil
}

func (l *fakeLink) Lost() <-chan struct{} {
	return l.lost
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed++
	l.subs = make(map[ChannelID]func([]byte))
	err := l.closeErr
	l.mu.Unlock()

	l.drop()
	return err
}

// notify delivers a buffer on a subscribed channel, returning false if there is
// no subscription
func (l *fakeLink) notify(id ChannelID, data []byte) bool {
	fn := l.subscription(id)
	if fn == nil {
		return false
	}
	fn(data)
	return true
}

func (l *fakeLink) subscription(id ChannelID) func([]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.subs[id]
}

func (l *fakeLink) subscribed() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.subs)
}

func (l *fakeLink) subscribeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.subscribeCalls
}

func (l *fakeLink) recordedWrites() []fakeWrite {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]fakeWrite(nil), l.writes...)
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.closed
}

// drop simulates an unsolicited disconnect
func (l *fakeLink) drop() {
	l.lostOnce.Do(func() {
		close(l.lost)
	})
}
