package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gaspardpetit/kvroute/internal/ingest"
	"github.com/gaspardpetit/kvroute/internal/logx"
	"github.com/gaspardpetit/kvroute/internal/metrics"
	"github.com/gaspardpetit/kvroute/internal/sched"
	"github.com/gaspardpetit/kvroute/internal/serverstate"
)

// Scheduler is the slice of the dispatcher the API needs.
type Scheduler interface {
	Schedule(ctx context.Context, overlap sched.OverlapScores, islTokens int) (sched.WorkerID, error)
}

// PrefixIndex is the slice of the prefix index the API needs.
type PrefixIndex interface {
	BlockHashes(tokens []uint32) []string
	Scores(hashes []string) sched.OverlapScores
	Observe(id sched.WorkerID, hashes []string)
}

// ScheduleRequest asks for a routing decision. Callers either submit the
// request's token ids and let the router compute the overlap, or submit a
// token count with precomputed overlap scores.
type ScheduleRequest struct {
	Tokens    []uint32           `json:"tokens,omitempty"`
	ISLTokens int                `json:"isl_tokens,omitempty"`
	Overlap   sched.OverlapScores `json:"overlap,omitempty"`
}

// ScheduleResponse names the chosen worker.
type ScheduleResponse struct {
	WorkerID      sched.WorkerID `json:"worker_id"`
	WorkerName    string         `json:"worker_name,omitempty"`
	Subject       string         `json:"subject,omitempty"`
	ISLTokens     int            `json:"isl_tokens"`
	OverlapBlocks uint32         `json:"overlap_blocks"`
}

// ScheduleHandler handles POST /v1/schedule.
func ScheduleHandler(sch Scheduler, index PrefixIndex, reg *ingest.Registry, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			writeError(w, http.StatusServiceUnavailable, "draining")
			return
		}
		var req ScheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad request")
			return
		}

		isl := req.ISLTokens
		overlap := req.Overlap
		var hashes []string
		if len(req.Tokens) > 0 {
			isl = len(req.Tokens)
			hashes = index.BlockHashes(req.Tokens)
			overlap = index.Scores(hashes)
		}
		if isl <= 0 {
			writeError(w, http.StatusBadRequest, "tokens or isl_tokens required")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		start := time.Now()
		id, err := sch.Schedule(ctx, overlap, isl)
		metrics.ObserveScheduleDuration(time.Since(start))
		if err != nil {
			handleScheduleErr(w, err)
			return
		}
		if len(hashes) > 0 {
			index.Observe(id, hashes)
		}

		res := ScheduleResponse{WorkerID: id, ISLTokens: isl, OverlapBlocks: overlap[id]}
		if wk, ok := reg.Get(id); ok {
			res.WorkerName = wk.Name
			res.Subject = wk.Subject
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			logx.Log.Error().Err(err).Msg("encode schedule result")
		}
	}
}

func handleScheduleErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sched.ErrNoEndpoints):
		logx.Log.Warn().Err(err).Msg("no workers")
		writeError(w, http.StatusNotFound, "no_workers")
	case errors.Is(err, sched.ErrSchedulerClosed):
		logx.Log.Warn().Err(err).Msg("scheduler closed")
		writeError(w, http.StatusServiceUnavailable, "shutting_down")
	case errors.Is(err, context.DeadlineExceeded):
		logx.Log.Warn().Err(err).Msg("schedule timeout")
		writeError(w, http.StatusGatewayTimeout, "timeout")
	default:
		logx.Log.Error().Err(err).Msg("schedule failure")
		writeError(w, http.StatusBadGateway, "schedule_failure")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		logx.Log.Error().Err(err).Msg("encode error response")
	}
}
