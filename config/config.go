// Package config centralises runtime configuration helpers for threadstore.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment identifies the runtime environment.
type Environment string

// AllocatorKind selects the allocator backing per-thread buffers.
type AllocatorKind string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const (
	// AllocatorHeap allocates every buffer with make and lets the GC reclaim it.
	AllocatorHeap AllocatorKind = "heap"
	// AllocatorPooled recycles released buffers through size-class free lists.
	AllocatorPooled AllocatorKind = "pooled"
)

const (
	// DefaultMaxAllocSize caps a single per-thread buffer at 64 MiB.
	DefaultMaxAllocSize = 64 << 20
	// DefaultMaxKeys mirrors the usual PTHREAD_KEYS_MAX.
	DefaultMaxKeys = 1024
)

// Settings contains the threadstore configuration loaded from defaults and overrides.
type Settings struct {
	Environment  Environment
	Tracking     bool
	Allocator    AllocatorKind
	MaxAllocSize int
	MaxKeys      int
}

// Default returns the default threadstore configuration.
func Default() Settings {
	return Settings{
		Environment:  EnvProd,
		Tracking:     false,
		Allocator:    AllocatorHeap,
		MaxAllocSize: DefaultMaxAllocSize,
		MaxKeys:      DefaultMaxKeys,
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("THREADSTORE_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("THREADSTORE_TRACKING")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Tracking = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("THREADSTORE_ALLOCATOR")); v != "" {
		if kind, ok := ParseAllocatorKind(v); ok {
			cfg.Allocator = kind
		}
	}
	if v := strings.TrimSpace(os.Getenv("THREADSTORE_MAX_ALLOC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAllocSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("THREADSTORE_MAX_KEYS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxKeys = n
		}
	}
	return cfg
}

// ParseAllocatorKind normalises an allocator name.
func ParseAllocatorKind(name string) (AllocatorKind, bool) {
	switch AllocatorKind(strings.ToLower(strings.TrimSpace(name))) {
	case AllocatorHeap:
		return AllocatorHeap, true
	case AllocatorPooled:
		return AllocatorPooled, true
	default:
		return "", false
	}
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithTracking toggles live-allocation tracking.
func WithTracking(enabled bool) Option {
	return func(s *Settings) {
		s.Tracking = enabled
	}
}

// WithAllocator selects the allocator kind; unknown kinds are ignored.
func WithAllocator(kind AllocatorKind) Option {
	return func(s *Settings) {
		if parsed, ok := ParseAllocatorKind(string(kind)); ok {
			s.Allocator = parsed
		}
	}
}

// WithMaxAllocSize overrides the per-buffer size cap.
func WithMaxAllocSize(n int) Option {
	return func(s *Settings) {
		if n > 0 {
			s.MaxAllocSize = n
		}
	}
}

// WithMaxKeys overrides the key table capacity.
func WithMaxKeys(n int) Option {
	return func(s *Settings) {
		if n > 0 {
			s.MaxKeys = n
		}
	}
}
