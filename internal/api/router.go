package api

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/kvroute/internal/ingest"
	"github.com/gaspardpetit/kvroute/internal/sched"
)

// NewRouter builds the routing API. The api key, when set, guards the /v1
// endpoints; operator surfaces stay open.
func NewRouter(sch Scheduler, index PrefixIndex, reg *ingest.Registry, watch *sched.EndpointWatch, apiKey string, timeout time.Duration) chi.Router {
	r := chi.NewRouter()
	for _, m := range MiddlewareChain() {
		r.Use(m)
	}
	r.Group(func(g chi.Router) {
		g.Use(RequireKey(apiKey))
		g.Post("/v1/schedule", ScheduleHandler(sch, index, reg, timeout))
		g.Get("/v1/workers", WorkersHandler(reg))
	})
	r.Get("/state", StateHandler(reg, watch))
	r.Get("/healthz", HealthHandler())
	return r
}
