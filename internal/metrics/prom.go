package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "kvroute_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "router"},
		},
		[]string{"date", "sha", "version"},
	)

	scheduleDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvroute_schedule_decisions_total",
			Help: "Routing decisions by outcome",
		},
		[]string{"outcome"},
	)

	scheduleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kvroute_schedule_duration_seconds",
			Help:    "Time spent waiting for a routing decision",
			Buckets: prometheus.DefBuckets,
		},
	)

	kvHitRate = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kvroute_kv_hit_rate_ratio",
			Help:    "Fraction of each request's prefix blocks already cached on the chosen worker",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	capacityWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvroute_capacity_waits_total",
			Help: "Times the dispatcher parked a request because every worker was busy",
		},
	)

	telemetryDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvroute_telemetry_dropped_total",
			Help: "KV hit rate events dropped because the telemetry queue was full",
		},
	)

	telemetryPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvroute_telemetry_published_total",
			Help: "KV hit rate events delivered to the telemetry sink",
		},
	)

	workersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvroute_workers_connected",
			Help: "Workers currently in the routable pool",
		},
	)

	scrapeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvroute_scrape_errors_total",
			Help: "Failed metric scrapes per target",
		},
		[]string{"target"},
	)

	kvEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvroute_kv_events_total",
			Help: "Cache events applied to the prefix index",
		},
		[]string{"kind"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, scheduleDecisions, scheduleDuration, kvHitRate, capacityWaits, telemetryDropped, telemetryPublished, workersConnected, scrapeErrors, kvEvents)
}

// SetRouterBuildInfo sets the build info metric for the router.
func SetRouterBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordScheduleDecision increments the decision counter for an outcome.
func RecordScheduleDecision(outcome string) {
	scheduleDecisions.WithLabelValues(outcome).Inc()
}

// ObserveScheduleDuration records how long one decision took end to end.
func ObserveScheduleDuration(d time.Duration) {
	scheduleDuration.Observe(d.Seconds())
}

// ObserveKVHitRate records the cached fraction of a scheduled prefix.
func ObserveKVHitRate(ratio float64) {
	kvHitRate.Observe(ratio)
}

// RecordCapacityWait counts a dispatcher pause on a saturated pool.
func RecordCapacityWait() {
	capacityWaits.Inc()
}

// RecordTelemetryDropped counts a discarded hit rate event.
func RecordTelemetryDropped() {
	telemetryDropped.Inc()
}

// RecordTelemetryPublished counts a delivered hit rate event.
func RecordTelemetryPublished() {
	telemetryPublished.Inc()
}

// SetWorkersConnected sets the size of the routable pool.
func SetWorkersConnected(n int) {
	workersConnected.Set(float64(n))
}

// RecordScrapeError counts a failed scrape of a worker metrics endpoint.
func RecordScrapeError(target string) {
	scrapeErrors.WithLabelValues(target).Inc()
}

// RecordKVEvent counts one cache event applied to the prefix index.
func RecordKVEvent(kind string) {
	kvEvents.WithLabelValues(kind).Inc()
}
