package btshower

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

const defaultInboxSize = 256

// notification denotes a single buffer received on a subscribed channel, tagged
// with the session it was subscribed in
type notification struct {
	tag     uint64
	channel ChannelID
	data    []byte
}

// Session owns the connect / discover / subscribe / disconnect lifecycle of exactly
// one active peripheral and the live values and records it produces. All
// notifications are applied one at a time, in arrival order, by a single goroutine
type Session struct {
	adapter  Adapter
	registry *Registry
	scanner  *Scanner
	metadata *MetadataTable
	now      func() time.Time

	inbox     chan notification
	done      chan struct{}
	closeOnce sync.Once

	tags           *atomic.Uint64
	loading        *atomic.Bool
	loadingHistory *atomic.Bool

	mu           sync.Mutex
	closed       bool
	state        State
	tag          uint64
	peripheralID string
	link         Link
	lastErr      error
	values       map[ChannelID]ChannelValue
	completed    *HistoryRecord
	history      []HistoryRecord

	onStatus func(ConnectionStatus)
	onRecord func(RecordEvent)
	onChange func()

	logger Logger
}

// NewSession instantiates a new Session and starts its dispatch loop
func NewSession(adapter Adapter, registry *Registry, scanner *Scanner, metadata *MetadataTable, logger Logger) *Session {
	if logger == nil {
		logger = &NullLogger{}
	}
	if metadata == nil {
		metadata = DefaultMetadataTable()
	}

	s := &Session{
		adapter:        adapter,
		registry:       registry,
		scanner:        scanner,
		metadata:       metadata,
		now:            time.Now,
		inbox:          make(chan notification, defaultInboxSize),
		done:           make(chan struct{}),
		tags:           atomic.NewUint64(0),
		loading:        atomic.NewBool(false),
		loadingHistory: atomic.NewBool(false),
		values:         make(map[ChannelID]ChannelValue),
		onStatus:       func(ConnectionStatus) {},
		onRecord:       func(RecordEvent) {},
		onChange:       func() {},
		logger:         logger,
	}
	go s.run()

	return s
}

// Connect establishes a session with a sighted peripheral: the link is established,
// channels are discovered, the device clock is synchronized and all notification
// capable channels are subscribed to. Any failure leaves the session Disconnected
// with all caches cleared and scanning restarted; the (already handled) error is
// returned for information
func (s *Session) Connect(ctx context.Context, id string) error {
	if _, exists := s.registry.Get(id); !exists {
		return fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrBusy
	}
	tag := s.tags.Inc()
	s.tag = tag
	s.state = StateConnecting
	s.peripheralID = id
	s.link = nil
	s.lastErr = nil
	s.resetLocked()
	s.mu.Unlock()

	s.loading.Store(true)
	defer func() {
		s.loading.Store(false)
		s.onChange()
	}()

	s.registry.SetState(id, StateConnecting)
	s.setStatus(ConnectionStatus{PeripheralID: id, State: StateConnecting})

	if err := s.scanner.Stop(); err != nil {
		s.logger.Warnf("failed to stop scanning before connect: %s", err)
	}

	s.logger.Debugf("connecting peripheral `%s`", id)
	link, err := s.adapter.Connect(ctx, id)
	if err != nil {
		return s.fail(tag, newLinkError(OpConnect, id, err))
	}
	s.mu.Lock()
	s.link = link
	s.mu.Unlock()
	go s.watch(tag, link)

	// Discover services / characteristics
	channels, err := link.Discover(ctx)
	if err != nil {
		return s.fail(tag, newLinkError(OpDiscover, id, err))
	}

	// Synchronize the device clock
	if err := link.Write(ctx, ChannelTimeSync, EncodeTimestamp(uint32(s.now().Unix()))); err != nil {
		return s.fail(tag, newLinkError(OpSync, id, err))
	}

	s.mu.Lock()
	if s.tag != tag {
		s.mu.Unlock()
		return newLinkError(OpConnect, id, ErrLinkLost)
	}

	// Closed while connecting: release the link instead of completing the session
	if s.closed {
		s.mu.Unlock()
		return s.fail(tag, newLinkError(OpConnect, id, ErrClosed))
	}
	s.state = StateConnected
	s.resetLocked()
	s.mu.Unlock()

	s.registry.SetState(id, StateConnected)
	s.setStatus(ConnectionStatus{PeripheralID: id, State: StateConnected})
	s.logger.Debugf("connected peripheral `%s`, discovered %d channels", id, len(channels))

	// Subscribe to every notification capable channel
	for _, ch := range channels {
		if !ch.Notify {
			continue
		}
		if !s.current(tag) {
			return newLinkError(OpSubscribe, id, ErrNotConnected)
		}
		channel := ch.ID
		if err := link.Subscribe(channel, func(data []byte) {
			s.enqueue(tag, channel, data)
		}); err != nil {
			return s.fail(tag, newLinkError(OpSubscribe, id, fmt.Errorf("channel %s: %w", channel, err)))
		}
		s.logger.Debugf("subscribed to channel %s on `%s`", channel, id)
	}

	return nil
}

// Disconnect tears down the session with the given peripheral. A link error during
// teardown is logged and otherwise treated as a clean disconnect. Disconnecting is
// reported as session state only, the peripheral remains Connected in the registry
// until the link has been released
func (s *Session) Disconnect(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.state != StateConnected || s.peripheralID != id {
		s.mu.Unlock()
		return ErrNotConnected
	}
	link := s.link
	s.state = StateDisconnecting
	s.tag = 0
	s.mu.Unlock()

	s.setStatus(ConnectionStatus{PeripheralID: id, State: StateDisconnecting})

	s.logger.Debugf("disconnecting peripheral `%s`", id)
	if link != nil {
		if err := link.Close(); err != nil {
			s.logger.Warnf("ignoring error during disconnect: %s", newLinkError(OpDisconnect, id, err))
		}
	}

	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()

	s.registry.SetState(id, StateDisconnected)
	s.setStatus(ConnectionStatus{PeripheralID: id, State: StateDisconnected})
	s.logger.Debugf("disconnected peripheral `%s`", id)

	s.restartScan(ctx)

	return nil
}

// RequestHistory asks the connected device to dump its shower history. The records
// arrive later as notifications. It is a no-op unless connected
func (s *Session) RequestHistory(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil
	}
	link, id := s.link, s.peripheralID
	s.mu.Unlock()

	s.loadingHistory.Store(true)
	s.onChange()
	defer func() {
		s.loadingHistory.Store(false)
		s.onChange()
	}()

	if err := link.Write(ctx, ChannelDumpHistory, []byte{DumpHistoryTrigger}); err != nil {
		err = newLinkError(OpWrite, id, fmt.Errorf("channel %s: %w", ChannelDumpHistory, err))
		s.logger.Errorf("failed to request shower history: %s", err)
		return err
	}

	s.logger.Debugf("requested shower history from `%s`", id)
	return nil
}

// Status returns the current status of the session
func (s *Session) Status() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ConnectionStatus{
		Error:        s.lastErr,
		PeripheralID: s.peripheralID,
		State:        s.state,
	}
}

// Values returns a copy of the live value cache
func (s *Session) Values() map[ChannelID]ChannelValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make(map[ChannelID]ChannelValue, len(s.values))
	for k, v := range s.values {
		res[k] = v
	}
	return res
}

// Completed returns the record of the last completed shower, if any
func (s *Session) Completed() *HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed == nil {
		return nil
	}
	rec := *s.completed
	return &rec
}

// History returns a copy of the history list in arrival order
func (s *Session) History() []HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]HistoryRecord(nil), s.history...)
}

// Loading returns if a connect sequence is in progress
func (s *Session) Loading() bool {
	return s.loading.Load()
}

// LoadingHistory returns if a history request is in progress
func (s *Session) LoadingHistory() bool {
	return s.loadingHistory.Load()
}

// Close disconnects an established session and stops the dispatch loop. A connect
// still in flight fails with ErrClosed, and scanning is no longer restarted
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	connected, id := s.state == StateConnected, s.peripheralID
	s.mu.Unlock()

	if connected {
		if err := s.Disconnect(context.Background(), id); err != nil {
			s.logger.Debugf("failed to disconnect `%s` on close: %s", id, err)
		}
	}

	s.closeOnce.Do(func() {
		close(s.done)
	})
}

////////////////////////////////////////////////////////////////////////////////

// watch tears down the session if the link is lost while the session is current
func (s *Session) watch(tag uint64, link Link) {
	select {
	case <-link.Lost():
		s.mu.Lock()
		current := s.tag == tag
		id := s.peripheralID
		s.mu.Unlock()
		if current {
			s.fail(tag, newLinkError(OpConnect, id, ErrLinkLost))
		}
	case <-s.done:
	}
}

// fail resets the session after a failure at any point of its lifecycle. Failures
// of a session that has already been superseded are ignored
func (s *Session) fail(tag uint64, err error) error {
	s.mu.Lock()
	if tag == 0 || s.tag != tag {
		s.mu.Unlock()
		return err
	}
	link, id := s.link, s.peripheralID
	s.teardownLocked()
	s.lastErr = err
	s.mu.Unlock()

	// Cancel the link and all subscriptions of this session
	if link != nil {
		if cerr := link.Close(); cerr != nil {
			s.logger.Debugf("failed to close link to `%s` after failure: %s", id, cerr)
		}
	}

	s.registry.SetState(id, StateDisconnected)
	s.logger.Warnf("session with `%s` failed: %s", id, err)
	s.setStatus(ConnectionStatus{Error: err, PeripheralID: id, State: StateDisconnected})

	s.restartScan(context.Background())

	return err
}

func (s *Session) restartScan(ctx context.Context) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if err := s.scanner.Start(ctx); err != nil {
		s.logger.Warnf("failed to restart scanning: %s", err)
	}
}

// current returns if the session identified by tag is still the active one
func (s *Session) current(tag uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return tag != 0 && s.tag == tag
}

// teardownLocked moves the session to Disconnected and clears all session scoped
// state. The caller must hold s.mu
func (s *Session) teardownLocked() {
	s.state = StateDisconnected
	s.tag = 0
	s.link = nil
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.values = make(map[ChannelID]ChannelValue)
	s.completed = nil
	s.history = nil
}

func (s *Session) setStatus(status ConnectionStatus) {
	s.onStatus(status)
	s.onChange()
}

////////////////////////////////////////////////////////////////////////////////

func (s *Session) enqueue(tag uint64, channel ChannelID, data []byte) {

	// Backends may reuse their receive buffers
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case s.inbox <- notification{tag: tag, channel: channel, data: buf}:
	case <-s.done:
	}
}

func (s *Session) run() {
	for {
		select {
		case n := <-s.inbox:
			s.dispatch(n)
		case <-s.done:
			return
		}
	}
}

// dispatch applies a single notification to the session state
func (s *Session) dispatch(n notification) {
	s.mu.Lock()
	if n.tag == 0 || n.tag != s.tag || s.state != StateConnected {
		s.mu.Unlock()
		s.logger.Debugf("dropping stale notification on channel %s", n.channel)
		return
	}
	id := s.peripheralID
	event, err := s.applyLocked(n)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warnf("dropping notification from `%s`: %s", id, err)
		return
	}

	event.PeripheralID = id
	s.onRecord(event)
	s.onChange()
}

func (s *Session) applyLocked(n notification) (RecordEvent, error) {
	switch n.channel {

	// Per-shower history record
	case ChannelShowerRecord:
		rec, err := DecodeHistoryRecord(n.data)
		if err != nil {
			return RecordEvent{}, withChannel(err, n.channel)
		}
		s.history = append(s.history, rec)
		return RecordEvent{Kind: KindHistory, Record: rec}, nil

	// Just completed shower
	case ChannelCompletedShower:
		rec, err := DecodeHistoryRecord(n.data)
		if err != nil {
			return RecordEvent{}, withChannel(err, n.channel)
		}
		s.completed = &rec
		return RecordEvent{Kind: KindCompleted, Record: rec}, nil
	}

	// Live value
	v, err := DecodeUintLE(n.data, s.metadata.Width(n.channel))
	if err != nil {
		return RecordEvent{}, withChannel(err, n.channel)
	}
	value := ChannelValue{
		Channel: n.channel,
		Value:   v,
		Updated: s.now(),
	}
	s.values[n.channel] = value

	return RecordEvent{Kind: KindValue, Value: value}, nil
}

func withChannel(err error, channel ChannelID) error {
	var perr *PayloadError
	if errors.As(err, &perr) {
		perr.Channel = channel
	}
	return err
}
