package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/kvroute/internal/ingest"
	"github.com/gaspardpetit/kvroute/internal/prefix"
	"github.com/gaspardpetit/kvroute/internal/sched"
)

// ServerConfig holds configuration for the kvroute server.
type ServerConfig struct {
	Port           int
	MetricsAddr    string
	APIKey         string
	WorkerKey      string
	RequestTimeout time.Duration
	DrainTimeout   time.Duration
	AllowedOrigins []string
	ConfigFile     string
	LogLevel       string
	RedisAddr      string
	BlockSize      int                   `yaml:"block_size"`
	Selector       sched.SelectorConfig  `yaml:"selector"`
	PrefixCapacity int                   `yaml:"prefix_capacity"`
	KVEvents       bool                  `yaml:"kv_events"`
	ScrapeInterval time.Duration         `yaml:"scrape_interval"`
	ScrapeTargets  []ingest.ScrapeTarget `yaml:"scrape_targets"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Minute
	}
	if c.BlockSize == 0 {
		c.BlockSize = 16
	}
	if c.Selector == (sched.SelectorConfig{}) {
		c.Selector = sched.DefaultSelectorConfig()
	}
	if c.PrefixCapacity == 0 {
		c.PrefixCapacity = prefix.DefaultCapacity
	}
	if c.ScrapeInterval == 0 {
		c.ScrapeInterval = ingest.DefaultScrapeInterval
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("kvroute.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	} else if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if v := getEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := getEnv("WORKER_KEY", ""); v != "" {
		c.WorkerKey = v
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := getEnv("REQUEST_TIMEOUT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RequestTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := getEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := getEnv("BLOCK_SIZE", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BlockSize = n
		}
	}
	if v := getEnv("OVERLAP_WEIGHT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Selector.OverlapWeight = f
		}
	}
	if v := getEnv("CACHE_WEIGHT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Selector.CacheWeight = f
		}
	}
	if v := getEnv("WAITING_WEIGHT", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Selector.WaitingWeight = f
		}
	}
	if v := getEnv("PREFIX_CAPACITY", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PrefixCapacity = n
		}
	}
	if v := getEnv("KV_EVENTS", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.KVEvents = b
		}
	}
	if v := getEnv("SCRAPE_INTERVAL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ScrapeInterval = d
		}
	}
	if v := getEnv("SCRAPE_TARGETS", ""); v != "" {
		c.ScrapeTargets = scrapeTargetsFromURLs(splitComma(v))
	}
}

// BindFlagsFromCurrent binds command line flags using the current config values as defaults.
func (c *ServerConfig) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "client API key required for HTTP requests; leave empty to disable auth")
	flag.StringVar(&c.WorkerKey, "worker-key", c.WorkerKey, "shared key workers must present when registering")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for server state, KV events and telemetry")
	flag.IntVar(&c.BlockSize, "block-size", c.BlockSize, "KV cache block size in tokens")
	flag.Float64Var(&c.Selector.OverlapWeight, "overlap-weight", c.Selector.OverlapWeight, "weight of prefix cache overlap when scoring workers")
	flag.Float64Var(&c.Selector.CacheWeight, "cache-weight", c.Selector.CacheWeight, "weight of GPU cache usage when scoring workers")
	flag.Float64Var(&c.Selector.WaitingWeight, "waiting-weight", c.Selector.WaitingWeight, "weight of queue depth when scoring workers")
	flag.IntVar(&c.PrefixCapacity, "prefix-capacity", c.PrefixCapacity, "blocks remembered per worker in the prefix index")
	flag.BoolVar(&c.KVEvents, "kv-events", c.KVEvents, "subscribe to worker KV cache events over redis")
	flag.DurationVar(&c.ScrapeInterval, "scrape-interval", c.ScrapeInterval, "interval between worker metric scrapes")
	flag.Func("scrape-target", "metrics URL of a worker to poll; may be repeated", func(v string) error {
		c.ScrapeTargets = append(c.ScrapeTargets, ingest.ScrapeTarget{URL: v})
		return nil
	})
	flag.Func("request-timeout", "request timeout in seconds while waiting for worker capacity", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.RequestTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait before shutdown once draining (-1 to wait indefinitely, 0 to exit immediately)")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func scrapeTargetsFromURLs(urls []string) []ingest.ScrapeTarget {
	ts := make([]ingest.ScrapeTarget, 0, len(urls))
	for _, u := range urls {
		ts = append(ts, ingest.ScrapeTarget{URL: u})
	}
	return ts
}
