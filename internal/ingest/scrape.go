package ingest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/gaspardpetit/kvroute/internal/logx"
	"github.com/gaspardpetit/kvroute/internal/metrics"
	"github.com/gaspardpetit/kvroute/internal/sched"
)

// Gauge names scraped from vLLM metric endpoints.
const (
	runningMetricName    = "vllm:num_requests_running"
	waitingMetricName    = "vllm:num_requests_waiting"
	cacheUsageMetricName = "vllm:gpu_cache_usage_perc"
)

// DefaultScrapeInterval is how often targets are polled when the config
// does not say otherwise.
const DefaultScrapeInterval = 2 * time.Second

// ScrapeTarget is one statically configured worker polled for metrics
// instead of pushing them.
type ScrapeTarget struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
	// KVTotalBlocks sizes the worker's KV cache so usage fractions can be
	// converted to block counts. Zero leaves block counts unreported.
	KVTotalBlocks uint64 `yaml:"kv_total_blocks" json:"kv_total_blocks"`
}

// WorkerID derives a stable id from the target URL. The top bit is cleared
// so the id survives the hex round trip through a subject.
func (t ScrapeTarget) WorkerID() sched.WorkerID {
	return sched.WorkerID(int64(xxhash.Sum64String(t.URL) &^ (1 << 63)))
}

// Subject returns the synthetic subject scraped workers appear under.
func (t ScrapeTarget) Subject() string {
	return fmt.Sprintf("scrape.worker-%x", uint64(t.WorkerID()))
}

// Scraper polls metric endpoints and feeds the results into the registry as
// if the workers had pushed them.
type Scraper struct {
	reg      *Registry
	targets  []ScrapeTarget
	interval time.Duration
	client   *http.Client
}

// NewScraper builds a scraper over the given targets. interval <= 0 selects
// DefaultScrapeInterval.
func NewScraper(reg *Registry, targets []ScrapeTarget, interval time.Duration) *Scraper {
	if interval <= 0 {
		interval = DefaultScrapeInterval
	}
	return &Scraper{
		reg:      reg,
		targets:  targets,
		interval: interval,
		client:   &http.Client{Timeout: interval},
	}
}

// Run polls all targets until ctx is cancelled. The first poll happens
// immediately so the pool fills without waiting out a tick.
func (s *Scraper) Run(ctx context.Context) {
	if len(s.targets) == 0 {
		return
	}
	s.scrapeAll(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.scrapeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scraper) scrapeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.targets {
		wg.Add(1)
		go func(t ScrapeTarget) {
			defer wg.Done()
			if err := s.scrapeOne(ctx, t); err != nil {
				metrics.RecordScrapeError(t.Name)
				logx.Log.Warn().Str("target", t.Name).Str("url", t.URL).Err(err).Msg("scrape failed")
			}
		}(t)
	}
	wg.Wait()
}

func (s *Scraper) scrapeOne(ctx context.Context, t ScrapeTarget) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	parser := expfmt.NewTextParser(model.LegacyValidation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return fmt.Errorf("parse metrics: %w", err)
	}

	var m sched.ForwardPassMetrics
	if v, ok := gaugeValue(families, waitingMetricName); ok {
		m.RequestsWaiting = uint64(v)
	}
	if v, ok := gaugeValue(families, runningMetricName); ok {
		m.RequestActiveSlots = uint64(v)
	}
	if v, ok := gaugeValue(families, cacheUsageMetricName); ok {
		m.GPUCacheUsage = v
	}
	if t.KVTotalBlocks > 0 {
		m.KVTotalBlocks = t.KVTotalBlocks
		m.KVActiveBlocks = uint64(m.GPUCacheUsage * float64(t.KVTotalBlocks))
	}

	name := t.Name
	if name == "" {
		name = t.URL
	}
	s.reg.Upsert(Worker{
		ID:      t.WorkerID(),
		Name:    name,
		Subject: t.Subject(),
		Source:  SourceScrape,
		Metrics: m,
	})
	return nil
}

// gaugeValue returns the most recently stamped gauge in the family, falling
// back to the first sample when the exporter omits timestamps.
func gaugeValue(families map[string]*dto.MetricFamily, name string) (float64, bool) {
	mf, ok := families[name]
	if !ok || len(mf.GetMetric()) == 0 {
		return 0, false
	}
	val := mf.GetMetric()[0].GetGauge().GetValue()
	var latest int64
	for _, m := range mf.GetMetric() {
		if ts := m.GetTimestampMs(); ts > latest {
			latest = ts
			val = m.GetGauge().GetValue()
		}
	}
	return val, true
}
