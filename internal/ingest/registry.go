// Package ingest maintains the live worker pool. Workers join either by
// pushing their own metrics over a websocket or by being scraped, and every
// change is published as a fresh snapshot for the scheduler.
package ingest

import (
	"sort"
	"sync"
	"time"

	"github.com/gaspardpetit/kvroute/internal/logx"
	"github.com/gaspardpetit/kvroute/internal/metrics"
	"github.com/gaspardpetit/kvroute/internal/sched"
)

const (
	HeartbeatInterval = 5 * time.Second
	HeartbeatExpiry   = 3 * HeartbeatInterval
)

// Worker source labels.
const (
	SourcePush   = "push"
	SourceScrape = "scrape"
)

// Worker is one pool member as tracked by the registry.
type Worker struct {
	ID            sched.WorkerID           `json:"id"`
	Name          string                   `json:"name"`
	Subject       string                   `json:"subject"`
	Source        string                   `json:"source"`
	Metrics       sched.ForwardPassMetrics `json:"metrics"`
	LastHeartbeat time.Time                `json:"last_heartbeat"`
}

// Registry tracks pool membership and republishes a scheduler snapshot on
// every change.
type Registry struct {
	mu       sync.RWMutex
	workers  map[sched.WorkerID]*Worker
	watch    *sched.EndpointWatch
	onRemove func(sched.WorkerID)
}

// NewRegistry creates a registry that publishes snapshots into watch.
func NewRegistry(watch *sched.EndpointWatch) *Registry {
	return &Registry{workers: make(map[sched.WorkerID]*Worker), watch: watch}
}

// OnRemove registers a hook invoked for every worker that leaves the pool.
// The prefix index uses it to forget departed workers.
func (r *Registry) OnRemove(fn func(sched.WorkerID)) {
	r.mu.Lock()
	r.onRemove = fn
	r.mu.Unlock()
}

// Upsert adds or replaces a worker and stamps its heartbeat.
func (r *Registry) Upsert(w Worker) {
	w.LastHeartbeat = time.Now()
	r.mu.Lock()
	r.workers[w.ID] = &w
	r.publishLocked()
	r.mu.Unlock()
}

// UpdateMetrics replaces a worker's metrics. Unknown ids are ignored.
func (r *Registry) UpdateMetrics(id sched.WorkerID, m sched.ForwardPassMetrics) {
	r.mu.Lock()
	if w, ok := r.workers[id]; ok {
		w.Metrics = m
		w.LastHeartbeat = time.Now()
		r.publishLocked()
	}
	r.mu.Unlock()
}

// UpdateHeartbeat stamps a worker's liveness without touching its metrics.
func (r *Registry) UpdateHeartbeat(id sched.WorkerID) {
	r.mu.Lock()
	if w, ok := r.workers[id]; ok {
		w.LastHeartbeat = time.Now()
	}
	r.mu.Unlock()
}

// Remove drops a worker from the pool.
func (r *Registry) Remove(id sched.WorkerID) {
	r.mu.Lock()
	hook := r.onRemove
	_, ok := r.workers[id]
	if ok {
		delete(r.workers, id)
		r.publishLocked()
	}
	r.mu.Unlock()
	if ok && hook != nil {
		hook(id)
	}
}

// PruneExpired removes workers whose heartbeat is older than maxAge and
// returns how many were dropped.
func (r *Registry) PruneExpired(maxAge time.Duration) int {
	r.mu.Lock()
	hook := r.onRemove
	var dropped []sched.WorkerID
	for id, w := range r.workers {
		if time.Since(w.LastHeartbeat) > maxAge {
			delete(r.workers, id)
			dropped = append(dropped, id)
		}
	}
	if len(dropped) > 0 {
		r.publishLocked()
	}
	r.mu.Unlock()
	for _, id := range dropped {
		logx.Log.Warn().Int64("worker_id", int64(id)).Msg("worker heartbeat expired; removing from pool")
		if hook != nil {
			hook(id)
		}
	}
	return len(dropped)
}

// WorkerCount reports the current pool size.
func (r *Registry) WorkerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Get returns a copy of one worker by id.
func (r *Registry) Get(id sched.WorkerID) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.workers[id]; ok {
		return *w, true
	}
	return Worker{}, false
}

// Snapshot returns the pool sorted by worker id, for operator surfaces.
func (r *Registry) Snapshot() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// publishLocked rebuilds the scheduler snapshot from the current pool.
// Callers must hold r.mu.
func (r *Registry) publishLocked() {
	if r.watch == nil {
		return
	}
	endpoints := make([]sched.Endpoint, 0, len(r.workers))
	for _, w := range r.workers {
		endpoints = append(endpoints, sched.Endpoint{Name: w.Name, Subject: w.Subject, Data: w.Metrics})
	}
	p, err := sched.NewProcessedEndpoints(endpoints)
	if err != nil {
		// Subjects are validated before workers enter the pool, so this is a
		// programming error rather than bad input.
		logx.Log.Error().Err(err).Msg("failed to build endpoint snapshot")
		return
	}
	r.watch.Publish(p)
	metrics.SetWorkersConnected(len(r.workers))
}
