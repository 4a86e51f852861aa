// Package tss emulates the platform thread-specific storage primitive: a
// process-scoped key table with per-key destructors, and per-thread value
// tables whose destructors run when the owning thread exits.
package tss

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// DefaultMaxKeys bounds the number of live keys in a registry.
	DefaultMaxKeys = 1024
	// DestructorIterations bounds the destructor rounds run at thread exit
	// while destructors keep installing new values. Values left after the
	// last round are destroyed once more and cannot be reinstalled.
	DestructorIterations = 4
)

var (
	// ErrKeysExhausted indicates the registry has no free key slots.
	ErrKeysExhausted = errors.New("tss: key table exhausted")
	// ErrInvalidKey indicates the key was never created or has been deleted.
	ErrInvalidKey = errors.New("tss: invalid key")
)

// Destructor releases a thread's value for a key at thread exit.
type Destructor func(value any)

// Key identifies one thread-specific variable. The zero Key is invalid.
type Key struct {
	index int
	gen   uint64
}

// Valid reports whether k was returned by CreateKey.
func (k Key) Valid() bool { return k.gen != 0 }

func (k Key) String() string { return fmt.Sprintf("tss-key-%d.%d", k.index, k.gen) }

type keyEntry struct {
	gen        uint64
	destructor Destructor
	live       bool
}

// Registry is the process-wide key table.
type Registry struct {
	mu      sync.RWMutex
	entries []keyEntry
	free    []int
	max     int
	nextGen uint64
}

// NewRegistry constructs a registry holding at most maxKeys live keys. A
// non-positive maxKeys selects DefaultMaxKeys.
func NewRegistry(maxKeys int) *Registry {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Registry{max: maxKeys}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(DefaultMaxKeys)
	})
	return defaultRegistry
}

// CreateKey allocates a key bound to destructor, which may be nil.
func (r *Registry) CreateKey(destructor Destructor) (Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextGen++
	gen := r.nextGen
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		r.entries[idx] = keyEntry{gen: gen, destructor: destructor, live: true}
		return Key{index: idx, gen: gen}, nil
	}
	if len(r.entries) >= r.max {
		return Key{}, fmt.Errorf("%w: %d keys in use", ErrKeysExhausted, r.max)
	}
	r.entries = append(r.entries, keyEntry{gen: gen, destructor: destructor, live: true})
	return Key{index: len(r.entries) - 1, gen: gen}, nil
}

// DeleteKey releases key's slot. Values still held by threads are not
// destroyed; their destructors no longer run.
func (r *Registry) DeleteKey(key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.liveLocked(key) {
		return ErrInvalidKey
	}
	r.entries[key.index] = keyEntry{}
	r.free = append(r.free, key.index)
	return nil
}

// Live returns the number of keys currently allocated.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries) - len(r.free)
}

func (r *Registry) destructor(key Key) (Destructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.liveLocked(key) {
		return nil, false
	}
	return r.entries[key.index].destructor, true
}

func (r *Registry) liveLocked(key Key) bool {
	if !key.Valid() || key.index < 0 || key.index >= len(r.entries) {
		return false
	}
	e := r.entries[key.index]
	return e.live && e.gen == key.gen
}
