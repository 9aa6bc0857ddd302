// Package serverstate tracks the router's lifecycle status: not_ready until
// a worker joins, ready while routable, draining once shutdown has begun.
// The state can be persisted in Redis so replicas behind one endpoint agree.
package serverstate

import "sync/atomic"

// State holds the router status and draining flag. All fields are updated
// together so callers always observe a consistent snapshot.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store defines how the router state is persisted. Implementations may keep
// state in memory or in an external service such as Redis.
type Store interface {
	Load() State
	Store(State)
}

// active is the currently configured Store. It defaults to an in-memory
// implementation but can be swapped for other strategies.
var active Store = NewMemoryStore()

// UseStore replaces the active Store. It is safe for concurrent use.
func UseStore(s Store) {
	if s != nil {
		active = s
	}
}

// memoryStore implements Store using an atomic.Value.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "not_ready".
func NewMemoryStore() *memoryStore {
	ms := &memoryStore{}
	ms.v.Store(State{Status: "not_ready"})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: "unknown"}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}

// SetState updates the router status string. Draining is sticky: once the
// router drains, later worker churn must not flip it back to ready.
func SetState(status string) {
	st := active.Load()
	if st.Draining {
		return
	}
	st.Status = status
	active.Store(st)
}

// GetState returns the current router status.
func GetState() string {
	return active.Load().Status
}

// Current returns the full state snapshot.
func Current() State {
	return active.Load()
}

// StartDrain marks the router as draining.
func StartDrain() {
	st := active.Load()
	st.Draining = true
	st.Status = "draining"
	active.Store(st)
}

// IsDraining reports whether the router is draining.
func IsDraining() bool {
	return active.Load().Draining
}
