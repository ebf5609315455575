package btshower

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

var testNow = time.Unix(1717027936, 0)

type SessionTestSuite struct {
	suite.Suite

	adapter  *fakeAdapter
	registry *Registry
	scanner  *Scanner
	session  *Session
	statuses chan ConnectionStatus
	events   chan RecordEvent
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func (s *SessionTestSuite) SetupTest() {
	s.setup(DefaultMetadataTable())
}

func (s *SessionTestSuite) TearDownTest() {
	s.session.Close()
}

func (s *SessionTestSuite) setup(metadata *MetadataTable) {
	if s.session != nil {
		s.session.Close()
	}
	logger := zaptest.NewLogger(s.T()).Sugar()

	s.adapter = newFakeAdapter()
	s.registry = NewRegistry()
	s.scanner = NewScanner(s.adapter, s.registry, "", testPeripheralName, logger)
	s.session = NewSession(s.adapter, s.registry, s.scanner, metadata, logger)
	s.session.now = func() time.Time { return testNow }

	s.statuses = make(chan ConnectionStatus, 64)
	s.session.onStatus = func(st ConnectionStatus) {
		s.statuses <- st
	}
	s.events = make(chan RecordEvent, 64)
	s.session.onRecord = func(ev RecordEvent) {
		s.events <- ev
	}

	s.registry.Upsert(Sighting{ID: testPeripheralID, Name: testPeripheralName, RSSI: -60})
}

func (s *SessionTestSuite) connect() *fakeLink {
	link := s.adapter.link
	s.Require().NoError(s.session.Connect(context.Background(), testPeripheralID))
	return link
}

// awaitEvent waits for the next applied notification
func (s *SessionTestSuite) awaitEvent() RecordEvent {
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(waitFor):
		s.FailNow("timeout waiting for record event")
	}
	return RecordEvent{}
}

func (s *SessionTestSuite) assertReset() {
	status := s.session.Status()
	s.Equal(StateDisconnected, status.State)
	s.Empty(s.session.Values())
	s.Nil(s.session.Completed())
	s.Empty(s.session.History())

	p, ok := s.registry.Get(testPeripheralID)
	s.Require().True(ok)
	s.Equal(StateDisconnected, p.State)
	s.True(s.scanner.Active())
	s.True(s.adapter.isScanning())
}

func (s *SessionTestSuite) TestConnect() {
	link := s.connect()

	status := s.session.Status()
	s.Equal(StateConnected, status.State)
	s.Equal(testPeripheralID, status.PeripheralID)
	s.NoError(status.Error)

	p, _ := s.registry.Get(testPeripheralID)
	s.True(p.Connected())
	s.False(s.session.Loading())

	// Caches start out empty
	s.Empty(s.session.Values())
	s.Nil(s.session.Completed())
	s.Empty(s.session.History())

	// The device clock is synchronized before anything else is written
	writes := link.recordedWrites()
	s.Require().Len(writes, 1)
	s.Equal(ChannelTimeSync, writes[0].id)
	s.Equal([]byte{0x60, 0xC4, 0x57, 0x66}, writes[0].data)

	// Only notification capable channels are subscribed
	s.Equal(5, link.subscribed())
	s.Nil(link.subscription(ChannelTimeSync))
	s.Nil(link.subscription(ChannelDumpHistory))

	s.Equal(StateConnecting, (<-s.statuses).State)
	s.Equal(StateConnected, (<-s.statuses).State)
}

func (s *SessionTestSuite) TestConnectStopsScanning() {
	s.Require().NoError(s.scanner.Start(context.Background()))
	s.True(s.adapter.isScanning())

	s.connect()
	s.False(s.scanner.Active())
	s.False(s.adapter.isScanning())
}

func (s *SessionTestSuite) TestConnectUnknownPeripheral() {
	err := s.session.Connect(context.Background(), "unknown")
	s.True(errors.Is(err, ErrUnknownPeripheral))
	s.Equal(0, s.adapter.connects)
}

func (s *SessionTestSuite) TestConnectBusy() {
	s.connect()

	err := s.session.Connect(context.Background(), testPeripheralID)
	s.True(errors.Is(err, ErrBusy))
	s.Equal(1, s.adapter.connects)
	s.Equal(StateConnected, s.session.Status().State)
}

func (s *SessionTestSuite) TestConnectFailure() {
	errInjected := errors.New("injected")

	for _, cs := range []struct {
		name   string
		op     string
		inject func(a *fakeAdapter, l *fakeLink)
		closed int
	}{
		{"link", OpConnect, func(a *fakeAdapter, _ *fakeLink) { a.connectErr = errInjected }, 0},
		{"discover", OpDiscover, func(_ *fakeAdapter, l *fakeLink) { l.discoverErr = errInjected }, 1},
		{"sync", OpSync, func(_ *fakeAdapter, l *fakeLink) { l.syncErr = errInjected }, 1},
		{"subscribe", OpSubscribe, func(_ *fakeAdapter, l *fakeLink) { l.subscribeErr = errInjected }, 1},
	} {
		s.Run(cs.name, func() {
			s.setup(DefaultMetadataTable())
			link := s.adapter.link
			cs.inject(s.adapter, link)

			err := s.session.Connect(context.Background(), testPeripheralID)
			s.Require().Error(err)
			s.True(errors.Is(err, ErrLink))
			s.True(errors.Is(err, errInjected))

			var lerr *LinkError
			s.Require().True(errors.As(err, &lerr))
			s.Equal(cs.op, lerr.Op)
			s.Equal(testPeripheralID, lerr.PeripheralID)

			s.assertReset()
			s.Equal(cs.closed, link.closeCount())
			s.True(errors.Is(s.session.Status().Error, errInjected))
			s.False(s.session.Loading())

			// A new attempt is possible right away
			s.adapter.connectErr = nil
			s.adapter.setLink(newFakeLink())
			s.NoError(s.session.Connect(context.Background(), testPeripheralID))
		})
	}
}

func (s *SessionTestSuite) TestConnectCancelled() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.session.Connect(ctx, testPeripheralID)
	s.True(errors.Is(err, context.Canceled))
	s.assertReset()
}

func (s *SessionTestSuite) TestHistoryOrder() {
	link := s.connect()

	recA := HistoryRecord{ShowerID: 1, AvgTemp: 3700, Duration: 120, WaterConsumed: 12000, Timestamp: 1700000000, InitialTemp: 1500}
	recB := HistoryRecord{ShowerID: 2, AvgTemp: 3800, Duration: 240, WaterConsumed: 24000, Timestamp: 1700100000, InitialTemp: 1600}

	s.Require().True(link.notify(ChannelShowerRecord, EncodeHistoryRecord(recA)))
	s.Require().True(link.notify(ChannelShowerRecord, EncodeHistoryRecord(recB)))

	ev := s.awaitEvent()
	s.Equal(KindHistory, ev.Kind)
	s.Equal(recA, ev.Record)
	s.Equal(testPeripheralID, ev.PeripheralID)
	s.Equal(recB, s.awaitEvent().Record)

	s.Equal([]HistoryRecord{recA, recB}, s.session.History())
	s.Empty(s.session.Values())
}

func (s *SessionTestSuite) TestCompletedShower() {
	link := s.connect()

	s.Require().True(link.notify(ChannelCompletedShower, []byte{
		0x01, 0x00, 0x00, 0x00,
		0x4E, 0x09,
		0x3C, 0x00,
		0xE8, 0x03, 0x00, 0x00,
		0x60, 0x72, 0x6A, 0x66,
		0x64, 0x00,
	}))

	ev := s.awaitEvent()
	s.Equal(KindCompleted, ev.Kind)

	expected := HistoryRecord{
		ShowerID:      1,
		AvgTemp:       2382,
		Duration:      60,
		WaterConsumed: 1000,
		Timestamp:     0x666A7260,
		InitialTemp:   100,
	}
	s.Require().NotNil(s.session.Completed())
	s.Equal(expected, *s.session.Completed())
	s.Empty(s.session.History())
}

func (s *SessionTestSuite) TestLiveValues() {
	link := s.connect()

	// Unknown channels fall back to a 4 byte decode
	s.Require().True(link.notify(testChannelA, []byte{0x04, 0x03, 0x02, 0x01}))
	s.Require().True(link.notify(ChannelDeviceTime, EncodeTimestamp(1717027936)))
	s.awaitEvent()
	ev := s.awaitEvent()
	s.Equal(KindValue, ev.Kind)
	s.Equal(ChannelDeviceTime, ev.Value.Channel)

	values := s.session.Values()
	s.Require().Len(values, 2)
	s.EqualValues(0x01020304, values[testChannelA].Value)
	s.EqualValues(1717027936, values[ChannelDeviceTime].Value)
	s.Equal(testNow, values[testChannelA].Updated)

	// The latest value wins
	s.Require().True(link.notify(testChannelA, []byte{0x05, 0x00, 0x00, 0x00}))
	s.awaitEvent()
	s.EqualValues(5, s.session.Values()[testChannelA].Value)
}

func (s *SessionTestSuite) TestLiveValueWidth() {
	metadata, err := LoadMetadataTable(strings.NewReader(`
channels:
  - id: 0000aaaa-0000-1000-8000-00805f9b34fb
    name: Water Temperature
    bytes: 2
    unit: Celsius
`))
	s.Require().NoError(err)
	s.setup(metadata)
	link := s.connect()

	s.Require().True(link.notify(testChannelA, []byte{0x4E, 0x09}))
	s.Equal(KindValue, s.awaitEvent().Kind)
	s.EqualValues(2382, s.session.Values()[testChannelA].Value)
}

func (s *SessionTestSuite) TestMalformedPayloadDropped() {
	link := s.connect()

	// Too short for any decoder, followed by a valid buffer
	s.Require().True(link.notify(testChannelA, []byte{0x01, 0x02}))
	s.Require().True(link.notify(ChannelShowerRecord, []byte{0x01, 0x02, 0x03}))
	s.Require().True(link.notify(testChannelB, []byte{0x07, 0x00, 0x00, 0x00}))

	ev := s.awaitEvent()
	s.Equal(testChannelB, ev.Value.Channel)

	values := s.session.Values()
	s.Len(values, 1)
	s.Empty(s.session.History())
	s.Equal(StateConnected, s.session.Status().State)
}

func (s *SessionTestSuite) TestNotificationBufferCopied() {
	link := s.connect()

	buf := []byte{0x01, 0x00, 0x00, 0x00}
	s.Require().True(link.notify(testChannelA, buf))
	buf[0] = 0xFF

	s.awaitEvent()
	s.EqualValues(1, s.session.Values()[testChannelA].Value)
}

func (s *SessionTestSuite) TestStaleNotificationDropped() {
	link := s.connect()
	stale := link.subscription(testChannelA)
	s.Require().NotNil(stale)

	s.Require().NoError(s.session.Disconnect(context.Background(), testPeripheralID))

	next := newFakeLink()
	s.adapter.setLink(next)
	s.Require().NoError(s.session.Connect(context.Background(), testPeripheralID))

	// Notifications are applied in order, hence the stale one is handled first
	stale([]byte{0x01, 0x00, 0x00, 0x00})
	s.Require().True(next.notify(testChannelB, []byte{0x02, 0x00, 0x00, 0x00}))

	ev := s.awaitEvent()
	s.Equal(testChannelB, ev.Value.Channel)

	values := s.session.Values()
	s.Len(values, 1)
	s.NotContains(values, testChannelA)
}

func (s *SessionTestSuite) TestDisconnect() {
	link := s.connect()
	s.Require().True(link.notify(testChannelA, []byte{0x01, 0x00, 0x00, 0x00}))
	s.awaitEvent()

	s.Require().NoError(s.session.Disconnect(context.Background(), testPeripheralID))
	s.assertReset()
	s.Equal(1, link.closeCount())
	s.NoError(s.session.Status().Error)

	s.True(errors.Is(s.session.Disconnect(context.Background(), testPeripheralID), ErrNotConnected))
}

func (s *SessionTestSuite) TestDisconnectErrorIsClean() {
	link := s.connect()
	link.closeErr = errors.New("already gone")

	s.Require().NoError(s.session.Disconnect(context.Background(), testPeripheralID))
	s.assertReset()
	s.NoError(s.session.Status().Error)
}

func (s *SessionTestSuite) TestDisconnectOtherPeripheral() {
	s.connect()
	s.True(errors.Is(s.session.Disconnect(context.Background(), "other"), ErrNotConnected))
	s.Equal(StateConnected, s.session.Status().State)
}

func (s *SessionTestSuite) TestDisconnectRegistryState() {
	s.connect()

	// Disconnecting is never exposed on the peripheral itself
	var states []State
	s.session.onStatus = func(ConnectionStatus) {
		p, _ := s.registry.Get(testPeripheralID)
		states = append(states, p.State)
	}

	s.Require().NoError(s.session.Disconnect(context.Background(), testPeripheralID))
	s.Equal([]State{StateConnected, StateDisconnected}, states)
}

func (s *SessionTestSuite) TestDisconnectWhileSubscribing() {
	link := s.adapter.link
	link.onSubscribe = func(ChannelID) {
		if link.subscribeCount() == 1 {
			s.NoError(s.session.Disconnect(context.Background(), testPeripheralID))
		}
	}

	err := s.session.Connect(context.Background(), testPeripheralID)
	s.Require().Error(err)
	s.True(errors.Is(err, ErrLink))
	s.True(errors.Is(err, ErrNotConnected))

	// No further subscriptions on the released link
	s.Equal(1, link.subscribeCount())
	s.Zero(link.subscribed())
	s.Equal(1, link.closeCount())
	s.assertReset()
	s.NoError(s.session.Status().Error)
}

func (s *SessionTestSuite) TestLinkLost() {
	link := s.connect()
	s.Require().True(link.notify(testChannelA, []byte{0x01, 0x00, 0x00, 0x00}))
	s.awaitEvent()

	link.drop()

	// Scanning is restarted last
	s.Eventually(func() bool {
		return s.scanner.Active()
	}, waitFor, tick)
	s.assertReset()
	s.True(errors.Is(s.session.Status().Error, ErrLinkLost))
	s.Equal(1, link.closeCount())
}

func (s *SessionTestSuite) TestRequestHistory() {
	link := s.connect()

	s.Require().NoError(s.session.RequestHistory(context.Background()))
	s.False(s.session.LoadingHistory())

	writes := link.recordedWrites()
	s.Require().Len(writes, 2)
	s.Equal(ChannelDumpHistory, writes[1].id)
	s.Equal([]byte("1"), writes[1].data)
}

func (s *SessionTestSuite) TestRequestHistoryFailure() {
	link := s.connect()
	link.writeErr = errors.New("write failed")

	err := s.session.RequestHistory(context.Background())
	s.True(errors.Is(err, ErrLink))
	s.False(s.session.LoadingHistory())

	// A failed request does not end the session
	s.Equal(StateConnected, s.session.Status().State)
}

func (s *SessionTestSuite) TestRequestHistoryNotConnected() {
	s.NoError(s.session.RequestHistory(context.Background()))
	s.Empty(s.adapter.link.recordedWrites())
}

func (s *SessionTestSuite) TestCloseDisconnects() {
	link := s.connect()

	s.session.Close()
	s.Equal(StateDisconnected, s.session.Status().State)
	s.Equal(1, link.closeCount())
	s.Zero(link.subscribed())
	s.False(s.scanner.Active())
	s.False(s.adapter.isScanning())
}

func (s *SessionTestSuite) TestCloseDuringConnect() {
	link := s.adapter.link
	link.discovering = make(chan struct{})
	link.discoverGate = make(chan struct{})

	errs := make(chan error, 1)
	go func() {
		errs <- s.session.Connect(context.Background(), testPeripheralID)
	}()

	select {
	case <-link.discovering:
	case <-time.After(waitFor):
		s.FailNow("timeout waiting for discovery")
	}
	s.session.Close()
	close(link.discoverGate)

	select {
	case err := <-errs:
		s.True(errors.Is(err, ErrLink))
		s.True(errors.Is(err, ErrClosed))
	case <-time.After(waitFor):
		s.FailNow("timeout waiting for connect to return")
	}

	// The link is released and scanning is not restarted
	s.Equal(StateDisconnected, s.session.Status().State)
	s.Equal(1, link.closeCount())
	s.Zero(link.subscribeCount())
	p, ok := s.registry.Get(testPeripheralID)
	s.Require().True(ok)
	s.Equal(StateDisconnected, p.State)
	s.False(s.scanner.Active())
	s.False(s.adapter.isScanning())

	s.True(errors.Is(s.session.Connect(context.Background(), testPeripheralID), ErrClosed))
}

func TestSessionClose(t *testing.T) {
	adapter := newFakeAdapter()
	registry := NewRegistry()
	scanner := NewScanner(adapter, registry, "", testPeripheralName, nil)
	session := NewSession(adapter, registry, scanner, nil, nil)

	session.Close()
	session.Close()

	// Enqueueing after close must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultInboxSize+1; i++ {
			session.enqueue(1, testChannelA, []byte{0x01})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		require.FailNow(t, "enqueue blocked after close")
	}
	assert.Equal(t, StateDisconnected, session.Status().State)
}
