package btshower

import (
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Sighting denotes a single advertisement observed by the adapter
type Sighting struct {
	ID   string
	Name string
	RSSI int
}

// Registry denotes the in-memory set of discovered peripherals, keyed by identifier
// and kept in order of first sighting
type Registry struct {
	mu          sync.RWMutex
	peripherals *orderedmap.OrderedMap[string, Peripheral]
	now         func() time.Time
}

// NewRegistry instantiates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		peripherals: orderedmap.New[string, Peripheral](),
		now:         time.Now,
	}
}

// Upsert inserts a newly sighted peripheral or refreshes the signal strength of a
// known one. It returns true if the peripheral was not known before
func (r *Registry) Upsert(s Sighting) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.peripherals.Get(s.ID)
	if !exists {
		p = Peripheral{
			ID:    s.ID,
			Name:  s.Name,
			State: StateDisconnected,
		}
	}
	p.RSSI = s.RSSI
	p.LastSeen = r.now()
	r.peripherals.Set(s.ID, p)

	return !exists
}

// SetState updates the connection state of a known peripheral
func (r *Registry) SetState(id string, state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.peripherals.Get(id)
	if !exists {
		return false
	}
	p.State = state
	r.peripherals.Set(id, p)

	return true
}

// Get returns a peripheral by its identifier
func (r *Registry) Get(id string) (Peripheral, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.peripherals.Get(id)
}

// Len returns the number of known peripherals
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.peripherals.Len()
}

// Peripherals returns a snapshot of all known peripherals in discovery order
func (r *Registry) Peripherals() []Peripheral {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]Peripheral, 0, r.peripherals.Len())
	for pair := r.peripherals.Oldest(); pair != nil; pair = pair.Next() {
		res = append(res, pair.Value)
	}
	return res
}

// Find returns the first peripheral matching the given identifier or name
func (r *Registry) Find(id, name string) (Peripheral, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for pair := r.peripherals.Oldest(); pair != nil; pair = pair.Next() {
		if matchesTarget(pair.Value.ID, pair.Value.Name, id, name) {
			return pair.Value, true
		}
	}
	return Peripheral{}, false
}
