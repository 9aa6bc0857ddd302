package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/kvroute/internal/api"
	"github.com/gaspardpetit/kvroute/internal/config"
	"github.com/gaspardpetit/kvroute/internal/ingest"
	"github.com/gaspardpetit/kvroute/internal/metrics"
	"github.com/gaspardpetit/kvroute/internal/prefix"
	"github.com/gaspardpetit/kvroute/internal/sched"
)

// Deps carries the long-lived components the HTTP surface exposes.
type Deps struct {
	Scheduler *sched.Scheduler
	Index     *prefix.Index
	Registry  *ingest.Registry
	Watch     *sched.EndpointWatch
}

// New constructs the HTTP handler for the router.
func New(cfg config.ServerConfig, d Deps) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	metrics.Register(preg)

	r.Handle("/workers/connect", ingest.WSHandler(d.Registry, cfg.WorkerKey))
	r.Get("/status", StatusHandler())
	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}
	// Static routes above take precedence over the mounted catch-all.
	r.Mount("/", api.NewRouter(d.Scheduler, d.Index, d.Registry, d.Watch, cfg.APIKey, cfg.RequestTimeout))

	return r
}

// RunPruner evicts workers whose heartbeats lapsed until ctx is canceled.
func RunPruner(ctx context.Context, reg *ingest.Registry) {
	ticker := time.NewTicker(ingest.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reg.PruneExpired(ingest.HeartbeatExpiry)
		case <-ctx.Done():
			return
		}
	}
}
