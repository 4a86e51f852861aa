package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	rootcfg "github.com/coachpo/threadstore/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bench.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	if loaded {
		t.Fatalf("expected defaults, not file")
	}
	if cfg.Threads != Default().Threads {
		t.Fatalf("expected default threads, got %d", cfg.Threads)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv("THREADSTORE_TRACKING", "")
	path := writeConfig(t, `
environment: STAGING
threads: 16
rate: 250.5
burst: 0
duration: 1500ms
bufferSize: 128
slots: 3
allocator: Pooled
tracking: false
maxKeys: 8
metrics:
  addr: " :9464 "
telemetry:
  otlpEndpoint: http://localhost:4318
  serviceName: bench
  enableMetrics: true
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != rootcfg.EnvStaging {
		t.Fatalf("expected staging environment, got %q", cfg.Environment)
	}
	if cfg.Threads != 16 || cfg.Rate != 250.5 || cfg.Slots != 3 || cfg.MaxKeys != 8 {
		t.Fatalf("unexpected sizing: %+v", cfg)
	}
	if cfg.Burst != 1 {
		t.Fatalf("expected burst normalised to 1, got %d", cfg.Burst)
	}
	if cfg.Duration != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s duration, got %v", cfg.Duration)
	}
	if cfg.Allocator != rootcfg.AllocatorPooled {
		t.Fatalf("expected pooled allocator, got %q", cfg.Allocator)
	}
	if cfg.Tracking {
		t.Fatalf("expected tracking disabled")
	}
	if cfg.Metrics.Addr != ":9464" || cfg.Metrics.Path != "/metrics" {
		t.Fatalf("unexpected metrics config: %+v", cfg.Metrics)
	}
	if !cfg.Telemetry.EnableMetrics || cfg.Telemetry.ServiceName != "bench" {
		t.Fatalf("unexpected telemetry config: %+v", cfg.Telemetry)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("THREADSTORE_ENV", "prod")
	t.Setenv("THREADSTORE_TRACKING", "true")
	t.Setenv("THREADSTORE_ALLOCATOR", "pooled")
	t.Setenv("THREADSTORE_MAX_KEYS", "64")
	path := writeConfig(t, "environment: dev\ntracking: false\nallocator: heap\n")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != rootcfg.EnvProd || !cfg.Tracking || cfg.Allocator != rootcfg.AllocatorPooled || cfg.MaxKeys != 64 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"environment": "environment: qa\n",
		"threads":     "threads: -1\n",
		"rate":        "rate: 0\n",
		"duration":    "duration: 0s\n",
		"buffer":      "bufferSize: 0\n",
		"allocator":   "allocator: slab\n",
		"keys":        "slots: 4\nmaxKeys: 2\n",
		"path":        "metrics:\n  path: metrics\n",
		"malformed":   "threads: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(context.Background(), writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestSettingsFromBenchConfig(t *testing.T) {
	cfg := Default()
	cfg.Allocator = rootcfg.AllocatorPooled
	cfg.BufferSize = 512
	cfg.MaxKeys = 16

	settings := cfg.Settings()
	if settings.Environment != rootcfg.EnvDev {
		t.Fatalf("expected dev environment, got %q", settings.Environment)
	}
	if !settings.Tracking || settings.Allocator != rootcfg.AllocatorPooled {
		t.Fatalf("unexpected settings: %+v", settings)
	}
	if settings.MaxAllocSize != 512 || settings.MaxKeys != 16 {
		t.Fatalf("unexpected limits: %+v", settings)
	}
}
