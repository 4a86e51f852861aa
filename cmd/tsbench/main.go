// Command tsbench drives per-thread buffers from many host threads and reports
// what the tracker saw before and after the threads exited.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"

	rootcfg "github.com/coachpo/threadstore/config"
	"github.com/coachpo/threadstore/internal/config"
	"github.com/coachpo/threadstore/internal/observability"
	"github.com/coachpo/threadstore/internal/telemetry"
	"github.com/coachpo/threadstore/internal/tracker"
	"github.com/coachpo/threadstore/pkg/threadstore"
)

const (
	defaultConfigPath        = "config/tsbench.yaml"
	benchLoggerPrefix        = "tsbench "
	metricsShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	metricsReadHeaderTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newBenchLogger()

	cfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	observability.SetLogger(observability.NewStdLogger(benchLoggerPrefix, cfg.Debug))
	logger.Printf("configuration initialised: env=%s, threads=%d, slots=%d, rate=%.0f/s, duration=%s",
		cfg.Environment, cfg.Threads, cfg.Slots, cfg.Rate, cfg.Duration)

	provider, err := initTelemetry(ctx, logger, cfg.Environment, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("telemetry: %v", err)
	}

	host, slots, track := buildSlots(cfg, provider)

	var lifecycle conc.WaitGroup
	server := buildMetricsServer(cfg.Metrics, track)
	if server != nil {
		startMetricsServer(&lifecycle, logger, server)
		logger.Printf("metrics listening on %s%s", cfg.Metrics.Addr, cfg.Metrics.Path)
	}

	report, runErr := benchRun{
		cfg:    cfg,
		host:   host,
		slots:  slots,
		track:  track,
		out:    os.Stdout,
		logger: logger,
	}.run(ctx)
	if runErr != nil {
		logger.Printf("bench: %v", runErr)
	}
	if err := writeReport(os.Stdout, report); err != nil {
		logger.Printf("report: %v", err)
	}

	shutdown(logger, server, &lifecycle, provider)
	if runErr != nil {
		os.Exit(1)
	}
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to bench configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newBenchLogger() *log.Logger {
	return log.New(os.Stdout, benchLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env rootcfg.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// buildSlots declares the bench slots on a host built from cfg. The returned
// tracker is nil when the slots do not track.
func buildSlots(cfg config.BenchConfig, provider *telemetry.Provider) (*threadstore.Host, []*threadstore.Slot, *tracker.Tracker) {
	host, opts := threadstore.NewHostFromSettings(cfg.Settings())
	if cfg.Telemetry.EnableMetrics {
		opts = append(opts, threadstore.WithMetrics(telemetry.NewSlotMetrics(provider.Meter("threadstore"))))
	}
	slots := make([]*threadstore.Slot, cfg.Slots)
	for i := range slots {
		slots[i] = threadstore.NewSlot(fmt.Sprintf("bench-%d", i), opts...)
	}
	var track *tracker.Tracker
	if slots[0].Tracking() {
		track = tracker.Global()
	}
	return host, slots, track
}

func buildMetricsServer(cfg config.MetricsConfig, track *tracker.Tracker) *http.Server {
	if cfg.Addr == "" {
		return nil
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	if track != nil {
		registry.MustRegister(tracker.NewCollector(track))
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}
}

func startMetricsServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server: %v", err)
		}
	})
}

func shutdown(logger *log.Logger, server *http.Server, lifecycle *conc.WaitGroup, provider *telemetry.Provider) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		}
	}
	if server != nil {
		step("stopping metrics server", metricsShutdownTimeout, server.Shutdown)
	}
	lifecycle.Wait()
	if provider != nil {
		step("shutting down telemetry", telemetryShutdownTimeout, provider.Shutdown)
	}
}
