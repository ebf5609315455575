package btshower

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/atomic"
)

// Scanner drives discovery and populates the Registry
type Scanner struct {
	adapter  Adapter
	registry *Registry

	targetID   string
	targetName string

	active   *atomic.Bool
	mu       sync.Mutex
	onChange func()

	logger Logger
}

// NewScanner instantiates a new Scanner, stopping discovery automatically once the
// target (matched by identifier or advertised name) has been sighted
func NewScanner(adapter Adapter, registry *Registry, targetID, targetName string, logger Logger) *Scanner {
	if logger == nil {
		logger = &NullLogger{}
	}
	return &Scanner{
		adapter:    adapter,
		registry:   registry,
		targetID:   targetID,
		targetName: targetName,
		active:     atomic.NewBool(false),
		onChange:   func() {},
		logger:     logger,
	}
}

// Start begins continuous discovery. It fails with ErrAdapterUnavailable if the
// adapter is powered off. Starting an active Scanner is a no-op
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.adapter.Enable(ctx); err != nil {
		return err
	}

	// Mark active before starting, the adapter may report sightings (and thereby
	// trigger an automatic stop) before StartScan() returns
	if !s.active.CAS(false, true) {
		return nil
	}
	if err := s.adapter.StartScan(s.handleSighting); err != nil {
		s.active.Store(false)
		return fmt.Errorf("failed to start scanning: %w", err)
	}

	s.logger.Debugf("started scanning for `%s`", s.target())
	s.onChange()

	return nil
}

// Stop halts discovery. It is idempotent
func (s *Scanner) Stop() error {
	if !s.active.CAS(true, false) {
		return nil
	}
	defer s.onChange()

	if err := s.adapter.StopScan(); err != nil {
		return fmt.Errorf("failed to stop scanning: %w", err)
	}

	s.logger.Debugf("stopped scanning")
	return nil
}

// Active returns if discovery is currently running
func (s *Scanner) Active() bool {
	return s.active.Load()
}

func (s *Scanner) handleSighting(sg Sighting) {

	// Only named peripherals are of interest
	if sg.Name == "" {
		return
	}

	if s.registry.Upsert(sg) {
		s.logger.Debugf("discovered device `%s/%s` (RSSI %d)", sg.Name, sg.ID, sg.RSSI)
	}
	s.onChange()

	// Stop scanning once we've got the peripheral we're looking for
	if matchesTarget(sg.ID, sg.Name, s.targetID, s.targetName) {
		s.logger.Debugf("found target device `%s/%s`", sg.Name, sg.ID)
		if err := s.Stop(); err != nil {
			s.logger.Warnf("failed to stop scanning after finding target: %s", err)
		}
	}
}

func (s *Scanner) target() string {
	if s.targetID != "" {
		return s.targetID
	}
	return s.targetName
}

func matchesTarget(id, name, targetID, targetName string) bool {

	// Check if the device ID has been overridden
	if targetID != "" && strings.EqualFold(id, targetID) {
		return true
	}

	return targetName != "" && strings.EqualFold(name, targetName)
}
