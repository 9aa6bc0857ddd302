package api

import (
	"encoding/json"
	"net/http"

	"github.com/gaspardpetit/kvroute/internal/ingest"
	"github.com/gaspardpetit/kvroute/internal/sched"
	"github.com/gaspardpetit/kvroute/internal/serverstate"
)

// WorkersResponse lists the routable pool.
type WorkersResponse struct {
	Count   int             `json:"count"`
	Workers []ingest.Worker `json:"workers"`
}

// WorkersHandler handles GET /v1/workers.
func WorkersHandler(reg *ingest.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws := reg.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(WorkersResponse{Count: len(ws), Workers: ws})
	}
}

// StateResponse is the operator view of the router.
type StateResponse struct {
	Status      string          `json:"status"`
	Draining    bool            `json:"draining"`
	WorkerCount int             `json:"worker_count"`
	LoadAvg     float64         `json:"load_avg"`
	LoadStd     float64         `json:"load_std"`
	Workers     []ingest.Worker `json:"workers"`
}

// StateHandler handles GET /state.
func StateHandler(reg *ingest.Registry, watch *sched.EndpointWatch) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := serverstate.Current()
		res := StateResponse{
			Status:      st.Status,
			Draining:    st.Draining,
			WorkerCount: reg.WorkerCount(),
			Workers:     reg.Snapshot(),
		}
		if watch != nil {
			snap, _ := watch.Load()
			res.LoadAvg = snap.LoadAvg
			res.LoadStd = snap.LoadStd
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	}
}

// HealthHandler handles GET /healthz.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}
}
