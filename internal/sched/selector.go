package sched

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/gaspardpetit/kvroute/internal/logx"
)

// WorkerSelector picks one worker for a pending request given the current
// pool snapshot. Implementations must treat the snapshot as read-only; the
// dispatcher applies the predictive load patch itself.
type WorkerSelector interface {
	SelectWorker(endpoints *ProcessedEndpoints, req *SchedulingRequest, blockSize int) (WorkerSelectionResult, error)
}

// WorkerSelectionResult carries the decision plus the block accounting the
// dispatcher needs for its predictive patch and telemetry.
type WorkerSelectionResult struct {
	WorkerID       WorkerID
	RequiredBlocks uint64
	OverlapBlocks  uint32
}

// SelectorConfig holds the scoring weights. All three default to 1; raising
// one biases the decision toward that signal.
type SelectorConfig struct {
	OverlapWeight float64 `yaml:"overlap_weight" json:"overlap_weight"`
	CacheWeight   float64 `yaml:"cache_weight" json:"cache_weight"`
	WaitingWeight float64 `yaml:"waiting_weight" json:"waiting_weight"`
}

// DefaultSelectorConfig returns the neutral weighting.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{OverlapWeight: 1, CacheWeight: 1, WaitingWeight: 1}
}

// DefaultSelector scores workers by cache overlap against cache pressure and
// queue depth, and picks uniformly among the top scorers.
type DefaultSelector struct {
	cfg SelectorConfig
	rng *rand.Rand
}

// NewDefaultSelector builds a selector with the given weights.
func NewDefaultSelector(cfg SelectorConfig) *DefaultSelector {
	return &DefaultSelector{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SelectWorker implements WorkerSelector.
//
// Each worker in the overlap map gets a potential-savings score of
// overlap_blocks*block_size/isl_tokens; workers outside the map score 0.
// Queue depth is normalized against the deepest queue in the pool. The final
// logit is
//
//	overlap_weight*score - cache_weight*gpu_cache_usage - waiting_weight*normalized_waiting
//
// and the winner is drawn uniformly among workers sharing the best logit.
func (s *DefaultSelector) SelectWorker(endpoints *ProcessedEndpoints, req *SchedulingRequest, blockSize int) (WorkerSelectionResult, error) {
	if req.ISLTokens <= 0 {
		return WorkerSelectionResult{}, fmt.Errorf("isl tokens must be positive, got %d", req.ISLTokens)
	}
	if blockSize <= 0 {
		return WorkerSelectionResult{}, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	if endpoints.Len() == 0 {
		return WorkerSelectionResult{}, ErrNoEndpoints
	}

	scores := make(map[WorkerID]float64, len(req.Overlap))
	maxWaiting := 0.0
	for id, ep := range endpoints.Endpoints {
		if blocks, ok := req.Overlap[id]; ok {
			scores[id] = float64(blocks) * float64(blockSize) / float64(req.ISLTokens)
		}
		if w := float64(ep.Data.RequestsWaiting); w > maxWaiting {
			maxWaiting = w
		}
	}

	bestLogit := math.Inf(-1)
	var best []WorkerID
	for id, ep := range endpoints.Endpoints {
		score := scores[id]
		usage := ep.Data.GPUCacheUsage
		normWaiting := 0.0
		if maxWaiting > 0 {
			normWaiting = float64(ep.Data.RequestsWaiting) / maxWaiting
		}
		logit := s.cfg.OverlapWeight*score - s.cfg.CacheWeight*usage - s.cfg.WaitingWeight*normWaiting
		logx.Log.Trace().
			Int64("worker_id", int64(id)).
			Float64("score", score).
			Float64("gpu_cache_usage", usage).
			Float64("normalized_waiting", normWaiting).
			Float64("logit", logit).
			Msg("worker logit")
		switch {
		case logit > bestLogit:
			bestLogit = logit
			best = append(best[:0], id)
		case logit == bestLogit:
			best = append(best, id)
		}
	}
	// NaN logits never compare as best; if every logit was NaN no worker is
	// eligible and the pool is as good as empty.
	if len(best) == 0 {
		return WorkerSelectionResult{}, ErrNoEndpoints
	}
	if bestLogit == 0 {
		logx.Log.Debug().Msg("best worker logit is zero")
	}

	winner := best[0]
	if len(best) > 1 {
		winner = best[s.rng.Intn(len(best))]
	}
	required := uint64(req.ISLTokens / blockSize)
	if required < 1 {
		required = 1
	}
	logx.Log.Debug().
		Int64("worker_id", int64(winner)).
		Float64("logit", bestLogit).
		Int("tied", len(best)).
		Uint64("required_blocks", required).
		Uint32("overlap_blocks", req.Overlap[winner]).
		Msg("selected worker")
	return WorkerSelectionResult{
		WorkerID:       winner,
		RequiredBlocks: required,
		OverlapBlocks:  req.Overlap[winner],
	}, nil
}
