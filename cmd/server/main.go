// Command server is the composition root described in SPEC_FULL.md §4.F: it
// reads configuration from the environment, wires the registry, limiter and
// gateway together, and serves until SIGINT/SIGTERM triggers a graceful
// shutdown.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/quanta-labs/llm-ratelimiter/pkg/gateway"
	"github.com/quanta-labs/llm-ratelimiter/pkg/ratelimit"
	"github.com/quanta-labs/llm-ratelimiter/pkg/registry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()
	logger = logger.With("node_id", cfg.nodeID)

	reg, err := registry.Load(cfg.apiKeysFile, logger)
	if err != nil {
		logger.Error("failed to load credentials document", "error", err, "path", cfg.apiKeysFile)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.WatchForChanges(ctx); err != nil {
		logger.Warn("credentials hot-reload watch failed to start, continuing without it", "error", err)
	}

	registerSighupReload(ctx, reg, logger)

	registerer := prometheus.NewRegistry()
	promRecorder := ratelimit.NewPrometheusRecorder(registerer)
	tally := &throughputTally{}
	recorder := &tallyingRecorder{inner: promRecorder, tally: tally}

	limiter, closeLimiter := buildLimiter(cfg, recorder, logger)
	if closeLimiter != nil {
		defer closeLimiter()
	}

	srv := gateway.New(cfg.nodeID, reg, limiter, cfg.windowSeconds, logger)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Router())
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         cfg.listenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go reportThroughput(ctx, logger, tally)

	go func() {
		logger.Info("starting server", "addr", cfg.listenAddr, "bypass_limiter", cfg.bypassLimiter)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	_ = reg.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("shutdown complete")
}

type config struct {
	nodeID        string
	listenAddr    string
	redisURL      string
	windowSeconds int64
	apiKeysFile   string
	bypassLimiter bool
	redisPoolSize int
}

func loadConfig() config {
	cfg := config{
		nodeID:        envOrDefault("NODE_ID", "node-local"),
		listenAddr:    envOrDefault("LISTEN_ADDR", ":8080"),
		redisURL:      envOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		windowSeconds: envIntOrDefault("WINDOW_SECONDS", 60),
		apiKeysFile:   envOrDefault("API_KEYS_FILE", "testdata/api_keys.yaml"),
		bypassLimiter: envBool("BYPASS_LIMITER"),
		redisPoolSize: int(envIntOrDefault("REDIS_POOL_SIZE", 10)),
	}
	if cfg.windowSeconds < 1 {
		cfg.windowSeconds = 60
	}
	return cfg
}

func buildLimiter(cfg config, recorder ratelimit.MetricsRecorder, logger *slog.Logger) (ratelimit.Limiter, func()) {
	if cfg.bypassLimiter {
		logger.Warn("BYPASS_LIMITER is set, admission is unconditional allow; for benchmarking only")
		return ratelimit.NewBypassLimiter(), nil
	}

	opts, err := redis.ParseURL(cfg.redisURL)
	if err != nil {
		logger.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	opts.PoolSize = cfg.redisPoolSize
	client := redis.NewClient(opts)

	limiter, err := ratelimit.NewStoreLimiter(client,
		ratelimit.WithWindow(time.Duration(cfg.windowSeconds)*time.Second),
		ratelimit.WithRecorder(recorder),
	)
	if err != nil {
		logger.Error("failed to initialize store limiter", "error", err)
		os.Exit(1)
	}
	return limiter, func() { _ = client.Close() }
}

func registerSighupReload(ctx context.Context, reg *registry.Registry, logger *slog.Logger) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sighup:
				if err := reg.Reload(); err != nil {
					logger.Error("SIGHUP reload failed", "error", err)
				} else {
					logger.Info("SIGHUP reload complete", "credentials", reg.Size())
				}
			}
		}
	}()
}

// throughputTally accumulates admission outcomes between reporter ticks.
type throughputTally struct {
	allowed atomic.Int64
	denied  atomic.Int64
	failed  atomic.Int64
}

// tallyingRecorder decorates a MetricsRecorder so every admission event
// that already flows to Prometheus also updates the in-process tally the
// periodic throughput reporter drains, without the gateway or limiter
// needing to know the reporter exists.
type tallyingRecorder struct {
	inner ratelimit.MetricsRecorder
	tally *throughputTally
}

func (r *tallyingRecorder) Add(name string, value float64, tags map[string]string) {
	r.inner.Add(name, value, tags)
	switch name {
	case "ratelimit.admit":
		if tags["outcome"] == "allow" {
			r.tally.allowed.Add(1)
		} else {
			r.tally.denied.Add(1)
		}
	case "ratelimit.store_unavailable", "ratelimit.internal_error":
		r.tally.failed.Add(1)
	}
}

func (r *tallyingRecorder) Observe(name string, value float64, tags map[string]string) {
	r.inner.Observe(name, value, tags)
}

// reportThroughput logs aggregated admission counters once a second,
// carried forward from original_source/app/main.py's metrics reporter.
func reportThroughput(ctx context.Context, logger *slog.Logger, tally *throughputTally) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a, d, f := tally.allowed.Swap(0), tally.denied.Swap(0), tally.failed.Swap(0)
			if a+d+f == 0 {
				continue
			}
			logger.Info("throughput", "allowed", a, "denied", d, "failed", f)
		}
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
