// Package sched implements KV-cache-aware worker selection: a serialized
// dispatch loop that scores workers by prefix overlap, cache pressure and
// queue depth, patches its pool snapshot with the predicted cost of each
// decision, and emits per-decision telemetry.
package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gaspardpetit/kvroute/internal/logx"
	"github.com/gaspardpetit/kvroute/internal/metrics"
)

const (
	// KVHitRateSubject is the subject telemetry events are published on.
	KVHitRateSubject = "kv-hit-rate"

	requestQueueCap = 1024
	eventQueueCap   = 1024
)

// KVHitRateEvent reports how much of one scheduled request's prefix the
// chosen worker already held.
type KVHitRateEvent struct {
	WorkerID      WorkerID `json:"worker_id"`
	ISLBlocks     uint64   `json:"isl_blocks"`
	OverlapBlocks uint32   `json:"overlap_blocks"`
}

// Publisher forwards telemetry events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// SchedulingRequest is one pending routing decision. Requests are created by
// Schedule and consumed by the dispatch loop.
type SchedulingRequest struct {
	ISLTokens int
	Overlap   OverlapScores

	resp chan scheduleResult
}

type scheduleResult struct {
	workerID WorkerID
	err      error
}

// respond delivers the decision. The response channel is buffered so a
// caller that gave up never blocks the dispatch loop.
func (r *SchedulingRequest) respond(id WorkerID, err error) {
	if r.resp == nil {
		return
	}
	select {
	case r.resp <- scheduleResult{workerID: id, err: err}:
	default:
	}
}

// Scheduler serializes routing decisions through a single dispatch loop so
// consecutive decisions always see each other's predicted load.
type Scheduler struct {
	blockSize int
	selector  WorkerSelector
	watch     *EndpointWatch

	requests chan *SchedulingRequest
	events   chan KVHitRateEvent
	pending  atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	pubDone  chan struct{}
}

// Start launches the dispatch and telemetry loops. A nil selector gets the
// default scorer with neutral weights; a nil publisher disables telemetry
// output but keeps the accounting identical. Cancelling ctx is equivalent
// to Close.
func Start(ctx context.Context, blockSize int, watch *EndpointWatch, selector WorkerSelector, pub Publisher) *Scheduler {
	if selector == nil {
		selector = NewDefaultSelector(DefaultSelectorConfig())
	}
	s := &Scheduler{
		blockSize: blockSize,
		selector:  selector,
		watch:     watch,
		requests:  make(chan *SchedulingRequest, requestQueueCap),
		events:    make(chan KVHitRateEvent, eventQueueCap),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		pubDone:   make(chan struct{}),
	}
	go s.publishLoop(ctx, pub)
	go s.dispatchLoop(ctx)
	return s
}

// Close stops the dispatch loop. Pending and subsequent Schedule calls fail
// with ErrSchedulerClosed. Close is idempotent and safe from any goroutine.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Done is closed once the dispatch loop has exited, whether through Close,
// context cancellation or an unrecoverable selector failure.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Pending reports the number of Schedule calls currently in flight. Drain
// logic polls it to decide when shutdown is safe.
func (s *Scheduler) Pending() int64 { return s.pending.Load() }

// Schedule submits one request and blocks until a worker is chosen, the
// request fails, ctx is cancelled or the scheduler shuts down. overlap maps
// worker ids to already-cached prefix blocks; islTokens must be positive.
func (s *Scheduler) Schedule(ctx context.Context, overlap OverlapScores, islTokens int) (WorkerID, error) {
	s.pending.Add(1)
	defer s.pending.Add(-1)
	req := &SchedulingRequest{
		ISLTokens: islTokens,
		Overlap:   overlap,
		resp:      make(chan scheduleResult, 1),
	}
	select {
	case s.requests <- req:
	case <-s.done:
		return 0, ErrSchedulerClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res.workerID, res.err
	case <-s.done:
		// A decision that raced with shutdown still counts.
		select {
		case res := <-req.resp:
			return res.workerID, res.err
		default:
		}
		return 0, ErrSchedulerClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// dispatchLoop is the only goroutine that reads requests and the only
// mutator of the working snapshot. New requests are served before pending
// snapshot updates are applied; updates are only adopted while idle or while
// parked on a saturated pool.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer close(s.done)

	endpoints, changed := s.loadEndpoints()
	for {
		var req *SchedulingRequest
		select {
		case req = <-s.requests:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
			select {
			case req = <-s.requests:
			case <-changed:
				endpoints, changed = s.loadEndpoints()
				continue
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		for {
			sel, err := s.selector.SelectWorker(endpoints, req, s.blockSize)
			if err == nil {
				s.applySelection(endpoints, sel)
				req.respond(sel.WorkerID, nil)
				metrics.RecordScheduleDecision("scheduled")
				break
			}
			if errors.Is(err, ErrAllWorkersBusy) {
				// Hold the request until the pool changes, then retry it
				// against the fresh snapshot.
				logx.Log.Debug().Msg("all workers busy; waiting for capacity")
				metrics.RecordCapacityWait()
				select {
				case <-changed:
					endpoints, changed = s.loadEndpoints()
					continue
				case <-s.stop:
					return
				case <-ctx.Done():
					return
				}
			}
			if errors.Is(err, ErrNoEndpoints) {
				logx.Log.Warn().Int("isl_tokens", req.ISLTokens).Msg("no endpoints available; rejecting request")
				req.respond(0, ErrNoEndpoints)
				metrics.RecordScheduleDecision("no_endpoints")
				break
			}
			// Anything else means the selector itself is broken; stop
			// dispatching rather than keep making bad decisions.
			logx.Log.Error().Err(err).Msg("worker selection failed; stopping dispatch loop")
			metrics.RecordScheduleDecision("error")
			return
		}
	}
}

func (s *Scheduler) loadEndpoints() (*ProcessedEndpoints, <-chan struct{}) {
	p, changed := s.watch.Load()
	return p.Clone(), changed
}

// applySelection patches the working snapshot with the predicted cost of the
// decision and queues the telemetry event. The patch lives only until the
// next snapshot refresh replaces it with measured values.
func (s *Scheduler) applySelection(endpoints *ProcessedEndpoints, sel WorkerSelectionResult) {
	if ep, ok := endpoints.Endpoints[sel.WorkerID]; ok {
		ep.Data.RequestsWaiting++
		if sel.RequiredBlocks > uint64(sel.OverlapBlocks) {
			ep.Data.KVActiveBlocks += sel.RequiredBlocks - uint64(sel.OverlapBlocks)
		}
	}
	if sel.RequiredBlocks > 0 {
		metrics.ObserveKVHitRate(float64(sel.OverlapBlocks) / float64(sel.RequiredBlocks))
	}
	ev := KVHitRateEvent{
		WorkerID:      sel.WorkerID,
		ISLBlocks:     sel.RequiredBlocks,
		OverlapBlocks: sel.OverlapBlocks,
	}
	select {
	case s.events <- ev:
	default:
		metrics.RecordTelemetryDropped()
		logx.Log.Warn().Int64("worker_id", int64(ev.WorkerID)).Msg("telemetry queue full; dropping kv hit rate event")
	}
}

// publishLoop drains telemetry off the decision path. Publish failures are
// logged and dropped; they never stall or fail scheduling.
func (s *Scheduler) publishLoop(ctx context.Context, pub Publisher) {
	defer close(s.pubDone)
	for {
		select {
		case ev := <-s.events:
			if pub == nil {
				continue
			}
			if err := pub.Publish(ctx, KVHitRateSubject, ev); err != nil {
				logx.Log.Warn().Err(err).Int64("worker_id", int64(ev.WorkerID)).Msg("failed to publish kv hit rate event")
				continue
			}
			metrics.RecordTelemetryPublished()
		case <-s.done:
			return
		}
	}
}
