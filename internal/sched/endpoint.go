package sched

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// WorkerID identifies a backend worker. It is derived from the trailing
// hex segment of the worker's endpoint subject, so the same worker always
// maps to the same id no matter which replica computed it.
type WorkerID int64

func (id WorkerID) String() string { return strconv.FormatInt(int64(id), 10) }

// ForwardPassMetrics are the live load facts a worker reports about itself.
// They are produced by the ingest layer and replaced wholesale on every
// refresh; the scheduler only ever patches RequestsWaiting and
// KVActiveBlocks as a short-lived prediction between refreshes.
type ForwardPassMetrics struct {
	RequestActiveSlots uint64  `json:"request_active_slots"`
	RequestTotalSlots  uint64  `json:"request_total_slots"`
	RequestsWaiting    uint64  `json:"num_requests_waiting"`
	KVActiveBlocks     uint64  `json:"kv_active_blocks"`
	KVTotalBlocks      uint64  `json:"kv_total_blocks"`
	GPUCacheUsage      float64 `json:"gpu_cache_usage_perc"`
}

// Endpoint is one worker as seen by the scheduler: a display name, the
// subject it advertises on, and its latest metrics.
type Endpoint struct {
	Name    string             `json:"name"`
	Subject string             `json:"subject"`
	Data    ForwardPassMetrics `json:"data"`
}

// WorkerID parses the worker id from the subject's trailing "-<hex>" segment.
func (e *Endpoint) WorkerID() (WorkerID, error) {
	i := strings.LastIndex(e.Subject, "-")
	if i < 0 || i == len(e.Subject)-1 {
		return 0, fmt.Errorf("subject %q has no worker id suffix", e.Subject)
	}
	id, err := strconv.ParseInt(e.Subject[i+1:], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("subject %q: invalid worker id: %w", e.Subject, err)
	}
	return WorkerID(id), nil
}

// ProcessedEndpoints is an immutable-per-version snapshot of the worker
// pool, keyed by worker id. The ingest layer builds a fresh value for every
// refresh; the scheduler owns its own clone and is the only mutator.
type ProcessedEndpoints struct {
	Endpoints map[WorkerID]*Endpoint
	// LoadAvg and LoadStd summarize KVActiveBlocks across the pool at
	// snapshot time. They are reporting aids, not scheduling inputs.
	LoadAvg float64
	LoadStd float64
}

// NewProcessedEndpoints builds a snapshot from raw endpoints. Endpoints
// whose subject does not carry a parseable worker id are rejected here so
// selection never has to deal with them.
func NewProcessedEndpoints(endpoints []Endpoint) (*ProcessedEndpoints, error) {
	p := &ProcessedEndpoints{Endpoints: make(map[WorkerID]*Endpoint, len(endpoints))}
	for i := range endpoints {
		ep := endpoints[i]
		id, err := ep.WorkerID()
		if err != nil {
			return nil, err
		}
		if _, ok := p.Endpoints[id]; ok {
			return nil, fmt.Errorf("duplicate worker id %d (subject %q)", id, ep.Subject)
		}
		p.Endpoints[id] = &ep
	}
	p.recomputeLoad()
	return p, nil
}

func (p *ProcessedEndpoints) recomputeLoad() {
	n := len(p.Endpoints)
	if n == 0 {
		p.LoadAvg, p.LoadStd = 0, 0
		return
	}
	sum := 0.0
	for _, ep := range p.Endpoints {
		sum += float64(ep.Data.KVActiveBlocks)
	}
	avg := sum / float64(n)
	varsum := 0.0
	for _, ep := range p.Endpoints {
		d := float64(ep.Data.KVActiveBlocks) - avg
		varsum += d * d
	}
	p.LoadAvg = avg
	p.LoadStd = math.Sqrt(varsum / float64(n))
}

// Clone returns a deep copy. The scheduler clones every snapshot it adopts
// so predictive patches never leak back into the published value.
func (p *ProcessedEndpoints) Clone() *ProcessedEndpoints {
	c := &ProcessedEndpoints{
		Endpoints: make(map[WorkerID]*Endpoint, len(p.Endpoints)),
		LoadAvg:   p.LoadAvg,
		LoadStd:   p.LoadStd,
	}
	for id, ep := range p.Endpoints {
		cp := *ep
		c.Endpoints[id] = &cp
	}
	return c
}

// WorkerIDs returns the snapshot's ids in ascending order.
func (p *ProcessedEndpoints) WorkerIDs() []WorkerID {
	ids := make([]WorkerID, 0, len(p.Endpoints))
	for id := range p.Endpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len reports the number of workers in the snapshot.
func (p *ProcessedEndpoints) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Endpoints)
}

// OverlapScores maps worker ids to the number of prefix blocks each worker
// already holds for the request being scheduled. Workers absent from the
// map hold none.
type OverlapScores map[WorkerID]uint32
