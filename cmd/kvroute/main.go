package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/kvroute/internal/config"
	"github.com/gaspardpetit/kvroute/internal/ingest"
	"github.com/gaspardpetit/kvroute/internal/logx"
	"github.com/gaspardpetit/kvroute/internal/metrics"
	"github.com/gaspardpetit/kvroute/internal/prefix"
	"github.com/gaspardpetit/kvroute/internal/sched"
	"github.com/gaspardpetit/kvroute/internal/secret"
	"github.com/gaspardpetit/kvroute/internal/server"
	"github.com/gaspardpetit/kvroute/internal/serverstate"
	"github.com/gaspardpetit/kvroute/internal/telemetry"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ServerConfig
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	// Allow --config to override file path before loading it
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	// Overlay env (after file) and then bind flags; args parsed below
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "kvroute version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("kvroute version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	// cfg now reflects defaults <- file <- env <- args
	logx.Configure(cfg.LogLevel)
	metrics.SetRouterBuildInfo(version, buildSHA, buildDate)

	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		serverstate.UseStore(rs)
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis state store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watch := sched.NewEndpointWatch(nil)
	reg := ingest.NewRegistry(watch)
	index, err := prefix.NewIndex(cfg.BlockSize, cfg.PrefixCapacity)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("prefix index")
	}

	var pub sched.Publisher = telemetry.LogPublisher{}
	if cfg.RedisAddr != "" {
		rp, err := telemetry.NewRedisPublisher(ctx, cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect telemetry redis")
		}
		defer func() { _ = rp.Close() }()
		pub = rp
	}

	sch := sched.Start(ctx, cfg.BlockSize, watch, sched.NewDefaultSelector(cfg.Selector), pub)

	if cfg.KVEvents {
		if cfg.RedisAddr == "" {
			logx.Log.Fatal().Msg("kv events require --redis-addr")
		}
		sub, err := prefix.NewSubscriber(ctx, cfg.RedisAddr, index)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect kv event stream")
		}
		go func() {
			if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logx.Log.Error().Err(err).Msg("kv event stream stopped")
			}
		}()
	}
	if len(cfg.ScrapeTargets) > 0 {
		go ingest.NewScraper(reg, cfg.ScrapeTargets, cfg.ScrapeInterval).Run(ctx)
	}
	go server.RunPruner(ctx, reg)

	handler := server.New(cfg, server.Deps{Scheduler: sch, Index: index, Registry: reg, Watch: watch})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			waitCtx := ctx
			var stop context.CancelFunc
			if cfg.DrainTimeout > 0 {
				logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
				waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
			} else {
				logx.Log.Info().Msg("draining; send SIGTERM again to terminate immediately")
			}
			go func(stop context.CancelFunc, waitCtx context.Context) {
				if stop != nil {
					defer stop()
				}
				logx.Log.Info().Int64("pending", sch.Pending()).Msg("waiting for in-flight schedules to finish")
				if waitForIdle(waitCtx, sch) {
					logx.Log.Info().Msg("drain complete; terminating")
					cancel()
					return
				}
				if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					logx.Log.Warn().Int64("pending", sch.Pending()).Msg("drain timeout exceeded; terminating")
					cancel()
				}
			}(stop, waitCtx)
		}
	}()
	go func() {
		<-ctx.Done()
		sch.Close()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
	}()
	if metricsSrv != nil {
		go func() {
			<-ctx.Done()
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}()
	}

	if cfg.APIKey != "" {
		logx.Log.Info().Str("api_key", secret.Mask(cfg.APIKey)).Msg("API key auth enabled")
	}
	if cfg.WorkerKey != "" {
		logx.Log.Info().Str("worker_key", secret.Mask(cfg.WorkerKey)).Msg("Worker key required")
	}
	logx.Log.Info().Int("port", cfg.Port).Int("block_size", cfg.BlockSize).Msg("router starting")
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}

// waitForIdle polls until no Schedule calls remain in flight. It returns
// false when ctx expires first.
func waitForIdle(ctx context.Context, sch *sched.Scheduler) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if sch.Pending() == 0 {
			return true
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}
