// Package config loads and validates the tsbench load-generator configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	rootcfg "github.com/coachpo/threadstore/config"
)

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// BenchConfig describes one tsbench run.
type BenchConfig struct {
	Environment rootcfg.Environment   `yaml:"environment"`
	Threads     int                   `yaml:"threads"`
	Rate        float64               `yaml:"rate"`
	Burst       int                   `yaml:"burst"`
	Duration    time.Duration         `yaml:"duration"`
	BufferSize  int                   `yaml:"bufferSize"`
	Slots       int                   `yaml:"slots"`
	Allocator   rootcfg.AllocatorKind `yaml:"allocator"`
	Tracking    bool                  `yaml:"tracking"`
	MaxKeys     int                   `yaml:"maxKeys"`
	Debug       bool                  `yaml:"debug"`
	Metrics     MetricsConfig         `yaml:"metrics"`
	Telemetry   TelemetryConfig       `yaml:"telemetry"`
}

// Default returns the configuration used when no file is supplied.
func Default() BenchConfig {
	return BenchConfig{
		Environment: rootcfg.EnvDev,
		Threads:     4,
		Rate:        1000,
		Burst:       1,
		Duration:    5 * time.Second,
		BufferSize:  4096,
		Slots:       1,
		Allocator:   rootcfg.AllocatorHeap,
		Tracking:    true,
		MaxKeys:     rootcfg.DefaultMaxKeys,
		Metrics:     MetricsConfig{Path: "/metrics"},
		Telemetry:   TelemetryConfig{ServiceName: "tsbench"},
	}
}

// Load reads a BenchConfig from YAML over the defaults, applies
// THREADSTORE_* environment overrides and validates the result.
func Load(ctx context.Context, configPath string) (BenchConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return BenchConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return BenchConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return BenchConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to Default when the file does
// not exist. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (BenchConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return BenchConfig{}, false, err
	}
	cfg, err = finish(Default())
	return cfg, false, err
}

func finish(cfg BenchConfig) (BenchConfig, error) {
	cfg.applyEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return BenchConfig{}, err
	}
	return cfg, nil
}

func (c *BenchConfig) applyEnv() {
	if v, ok := lookupEnv("THREADSTORE_ENV"); ok {
		c.Environment = rootcfg.Environment(v)
	}
	if v, ok := lookupEnv("THREADSTORE_TRACKING"); ok {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Tracking = enabled
		}
	}
	if v, ok := lookupEnv("THREADSTORE_ALLOCATOR"); ok {
		c.Allocator = rootcfg.AllocatorKind(v)
	}
	if v, ok := lookupEnv("THREADSTORE_MAX_KEYS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxKeys = n
		}
	}
}

func (c *BenchConfig) normalise() {
	c.Environment = rootcfg.Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if kind, ok := rootcfg.ParseAllocatorKind(string(c.Allocator)); ok {
		c.Allocator = kind
	}
	c.Metrics.Addr = strings.TrimSpace(c.Metrics.Addr)
	c.Metrics.Path = strings.TrimSpace(c.Metrics.Path)
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Slots <= 0 {
		c.Slots = 1
	}
}

// Validate performs semantic validation on the configuration.
func (c BenchConfig) Validate() error {
	switch c.Environment {
	case rootcfg.EnvDev, rootcfg.EnvStaging, rootcfg.EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.Threads <= 0 {
		return fmt.Errorf("threads must be >0")
	}
	if c.Rate <= 0 {
		return fmt.Errorf("rate must be >0")
	}
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be >0")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("bufferSize must be >0")
	}
	if c.BufferSize > rootcfg.DefaultMaxAllocSize {
		return fmt.Errorf("bufferSize must be <= %d", rootcfg.DefaultMaxAllocSize)
	}
	if _, ok := rootcfg.ParseAllocatorKind(string(c.Allocator)); !ok {
		return fmt.Errorf("allocator must be one of heap, pooled")
	}
	if c.MaxKeys < c.Slots {
		return fmt.Errorf("maxKeys must be >= slots")
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /")
	}
	if c.Telemetry.EnableMetrics && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required when metrics are enabled")
	}
	return nil
}

// Settings converts the run configuration into library settings.
func (c BenchConfig) Settings() rootcfg.Settings {
	return rootcfg.Apply(rootcfg.Default(),
		rootcfg.WithEnvironment(c.Environment),
		rootcfg.WithTracking(c.Tracking),
		rootcfg.WithAllocator(c.Allocator),
		rootcfg.WithMaxAllocSize(c.BufferSize),
		rootcfg.WithMaxKeys(c.MaxKeys),
	)
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open bench config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
