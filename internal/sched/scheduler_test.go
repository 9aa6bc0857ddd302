package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubSelector struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, endpoints *ProcessedEndpoints, req *SchedulingRequest, blockSize int) (WorkerSelectionResult, error)
}

func (s *stubSelector) SelectWorker(endpoints *ProcessedEndpoints, req *SchedulingRequest, blockSize int) (WorkerSelectionResult, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(call, endpoints, req, blockSize)
}

func (s *stubSelector) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type capturePublisher struct {
	subjects chan string
	events   chan KVHitRateEvent
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{subjects: make(chan string, 16), events: make(chan KVHitRateEvent, 16)}
}

func (p *capturePublisher) Publish(_ context.Context, subject string, payload any) error {
	ev, ok := payload.(KVHitRateEvent)
	if !ok {
		return errors.New("unexpected payload type")
	}
	p.subjects <- subject
	p.events <- ev
	return nil
}

func TestScheduleRoutesToBestWorker(t *testing.T) {
	pool := mustEndpoints(t,
		Endpoint{Subject: "pool.worker-1", Data: ForwardPassMetrics{GPUCacheUsage: 0.2}},
		Endpoint{Subject: "pool.worker-2", Data: ForwardPassMetrics{GPUCacheUsage: 0.2, RequestsWaiting: 4}},
	)
	watch := NewEndpointWatch(pool)
	s := Start(context.Background(), 16, watch, nil, nil)
	defer s.Close()

	id, err := s.Schedule(context.Background(), OverlapScores{1: 8}, 100)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected worker 1, got %d", id)
	}
}

func TestSchedulePredictedLoadAffectsNextDecision(t *testing.T) {
	pool := mustEndpoints(t,
		Endpoint{Subject: "pool.worker-1"},
		Endpoint{Subject: "pool.worker-2"},
	)
	watch := NewEndpointWatch(pool)
	s := Start(context.Background(), 16, watch, nil, nil)
	defer s.Close()

	id, err := s.Schedule(context.Background(), OverlapScores{1: 8}, 100)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected worker 1, got %d", id)
	}

	// Worker 1 now carries a predicted queue entry, so an overlap-free
	// request must land on worker 2.
	id, err = s.Schedule(context.Background(), nil, 100)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if id != 2 {
		t.Fatalf("expected worker 2, got %d", id)
	}
}

func TestScheduleSnapshotRefreshReplacesPrediction(t *testing.T) {
	pool := mustEndpoints(t,
		Endpoint{Subject: "pool.worker-1"},
		Endpoint{Subject: "pool.worker-2"},
	)
	watch := NewEndpointWatch(pool)
	s := Start(context.Background(), 16, watch, nil, nil)
	defer s.Close()

	if _, err := s.Schedule(context.Background(), OverlapScores{1: 8}, 100); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	// A fresh snapshot discards the predicted queue entry on worker 1 and
	// reports real pressure on worker 2 instead.
	fresh := mustEndpoints(t,
		Endpoint{Subject: "pool.worker-1"},
		Endpoint{Subject: "pool.worker-2", Data: ForwardPassMetrics{GPUCacheUsage: 0.5}},
	)
	watch.Publish(fresh)
	time.Sleep(50 * time.Millisecond)

	id, err := s.Schedule(context.Background(), nil, 100)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected worker 1 after refresh, got %d", id)
	}
}

func TestScheduleEmptyPoolRejectsButKeepsServing(t *testing.T) {
	watch := NewEndpointWatch(nil)
	s := Start(context.Background(), 16, watch, nil, nil)
	defer s.Close()

	if _, err := s.Schedule(context.Background(), nil, 100); !errors.Is(err, ErrNoEndpoints) {
		t.Fatalf("expected ErrNoEndpoints, got %v", err)
	}

	pool := mustEndpoints(t, Endpoint{Subject: "pool.worker-1"})
	watch.Publish(pool)
	time.Sleep(50 * time.Millisecond)

	id, err := s.Schedule(context.Background(), nil, 100)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected worker 1, got %d", id)
	}
}

func TestScheduleWaitsOutBusyPool(t *testing.T) {
	sel := &stubSelector{fn: func(call int, _ *ProcessedEndpoints, _ *SchedulingRequest, _ int) (WorkerSelectionResult, error) {
		if call == 1 {
			return WorkerSelectionResult{}, ErrAllWorkersBusy
		}
		return WorkerSelectionResult{WorkerID: 42, RequiredBlocks: 1}, nil
	}}
	watch := NewEndpointWatch(nil)
	s := Start(context.Background(), 16, watch, sel, nil)
	defer s.Close()

	type result struct {
		id  WorkerID
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		id, err := s.Schedule(context.Background(), nil, 100)
		resCh <- result{id, err}
	}()

	select {
	case res := <-resCh:
		t.Fatalf("request completed while pool was busy: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}
	if n := s.Pending(); n != 1 {
		t.Fatalf("expected 1 pending request while parked, got %d", n)
	}

	pool := mustEndpoints(t, Endpoint{Subject: "pool.worker-2a"})
	watch.Publish(pool)

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("unexpected err: %v", res.err)
		}
		if res.id != 42 {
			t.Fatalf("expected worker 42, got %d", res.id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("request did not resume after pool change")
	}
	if sel.callCount() != 2 {
		t.Fatalf("expected 2 selector calls, got %d", sel.callCount())
	}
}

func TestScheduleFatalSelectorErrorStopsDispatch(t *testing.T) {
	sel := &stubSelector{fn: func(int, *ProcessedEndpoints, *SchedulingRequest, int) (WorkerSelectionResult, error) {
		return WorkerSelectionResult{}, errors.New("boom")
	}}
	watch := NewEndpointWatch(nil)
	s := Start(context.Background(), 16, watch, sel, nil)

	if _, err := s.Schedule(context.Background(), nil, 100); !errors.Is(err, ErrSchedulerClosed) {
		t.Fatalf("expected ErrSchedulerClosed, got %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch loop did not stop")
	}
}

func TestScheduleAfterClose(t *testing.T) {
	watch := NewEndpointWatch(nil)
	s := Start(context.Background(), 16, watch, nil, nil)
	s.Close()

	if _, err := s.Schedule(context.Background(), nil, 100); !errors.Is(err, ErrSchedulerClosed) {
		t.Fatalf("expected ErrSchedulerClosed, got %v", err)
	}
}

func TestScheduleHonorsCallerContext(t *testing.T) {
	sel := &stubSelector{fn: func(int, *ProcessedEndpoints, *SchedulingRequest, int) (WorkerSelectionResult, error) {
		return WorkerSelectionResult{}, ErrAllWorkersBusy
	}}
	watch := NewEndpointWatch(nil)
	s := Start(context.Background(), 16, watch, sel, nil)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Schedule(ctx, nil, 100); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestScheduleEmitsHitRateTelemetry(t *testing.T) {
	pool := mustEndpoints(t, Endpoint{Subject: "pool.worker-1"})
	watch := NewEndpointWatch(pool)
	pub := newCapturePublisher()
	s := Start(context.Background(), 16, watch, nil, pub)
	defer s.Close()

	if _, err := s.Schedule(context.Background(), OverlapScores{1: 2}, 100); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	select {
	case subject := <-pub.subjects:
		if subject != KVHitRateSubject {
			t.Fatalf("expected subject %q, got %q", KVHitRateSubject, subject)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no telemetry published")
	}
	ev := <-pub.events
	if ev.WorkerID != 1 {
		t.Fatalf("expected worker 1, got %d", ev.WorkerID)
	}
	if ev.ISLBlocks != 6 {
		t.Fatalf("expected 6 isl blocks, got %d", ev.ISLBlocks)
	}
	if ev.OverlapBlocks != 2 {
		t.Fatalf("expected 2 overlap blocks, got %d", ev.OverlapBlocks)
	}
}

func TestApplySelectionPatchesWorkingSnapshot(t *testing.T) {
	s := &Scheduler{events: make(chan KVHitRateEvent, 4)}
	pool := mustEndpoints(t, Endpoint{Subject: "pool.worker-1", Data: ForwardPassMetrics{RequestsWaiting: 2, KVActiveBlocks: 10}})

	s.applySelection(pool, WorkerSelectionResult{WorkerID: 1, RequiredBlocks: 6, OverlapBlocks: 2})
	ep := pool.Endpoints[1]
	if ep.Data.RequestsWaiting != 3 {
		t.Fatalf("expected waiting 3, got %d", ep.Data.RequestsWaiting)
	}
	if ep.Data.KVActiveBlocks != 14 {
		t.Fatalf("expected 14 active blocks, got %d", ep.Data.KVActiveBlocks)
	}

	// Overlap larger than the requirement must not underflow the block count.
	s.applySelection(pool, WorkerSelectionResult{WorkerID: 1, RequiredBlocks: 6, OverlapBlocks: 8})
	if ep.Data.RequestsWaiting != 4 {
		t.Fatalf("expected waiting 4, got %d", ep.Data.RequestsWaiting)
	}
	if ep.Data.KVActiveBlocks != 14 {
		t.Fatalf("expected active blocks unchanged at 14, got %d", ep.Data.KVActiveBlocks)
	}
}
