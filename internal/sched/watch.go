package sched

import "sync"

// EndpointWatch is a single-slot, latest-value cell for pool snapshots.
// Publishers replace the value; the consumer reads the current value plus a
// signal channel that closes on the next replacement. A consumer that falls
// behind skips straight to the newest snapshot instead of replaying history.
type EndpointWatch struct {
	mu      sync.Mutex
	current *ProcessedEndpoints
	changed chan struct{}
}

// NewEndpointWatch creates a watch seeded with initial. A nil initial is
// treated as an empty pool.
func NewEndpointWatch(initial *ProcessedEndpoints) *EndpointWatch {
	if initial == nil {
		initial = &ProcessedEndpoints{Endpoints: map[WorkerID]*Endpoint{}}
	}
	return &EndpointWatch{current: initial, changed: make(chan struct{})}
}

// Publish replaces the current snapshot and wakes anyone blocked on the
// previous change signal.
func (w *EndpointWatch) Publish(p *ProcessedEndpoints) {
	if p == nil {
		p = &ProcessedEndpoints{Endpoints: map[WorkerID]*Endpoint{}}
	}
	w.mu.Lock()
	w.current = p
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}

// Load returns the latest snapshot and the channel that closes when a newer
// one is published. Callers must not mutate the returned snapshot; clone it
// first.
func (w *EndpointWatch) Load() (*ProcessedEndpoints, <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current, w.changed
}
