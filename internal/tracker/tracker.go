// Package tracker implements the process-wide registry of live per-thread
// allocations used for thread storage diagnostics.
package tracker

import (
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// CallSite locates the code that first requested a per-thread buffer.
type CallSite struct {
	File     string `json:"file"`
	Function string `json:"function"`
	Line     int    `json:"line"`
}

// Record describes one live per-thread allocation.
type Record struct {
	Key         uintptr   `json:"key"`
	Slot        string    `json:"slot"`
	Thread      string    `json:"thread"`
	Size        int       `json:"size"`
	Site        CallSite  `json:"site"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// SiteSummary aggregates live records sharing a call site file and function.
type SiteSummary struct {
	File     string `json:"file"`
	Function string `json:"function"`
	Count    int    `json:"count"`
	Bytes    int    `json:"bytes"`
}

// Tracker maps buffer identity to its diagnostic record. All methods are safe
// for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	records map[uintptr]Record
	clock   func() time.Time
}

// New constructs an empty tracker.
func New() *Tracker {
	return &Tracker{
		records: make(map[uintptr]Record),
		clock:   time.Now,
	}
}

var (
	global     *Tracker
	globalOnce sync.Once
)

// Global returns the process-wide tracker. It lives for the process lifetime
// and needs no teardown.
func Global() *Tracker {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// WithClock overrides the timestamp source, primarily for testing.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if clock == nil {
		clock = time.Now
	}
	t.clock = clock
	return t
}

// Add inserts the record for key. An existing record under the same key is
// overwritten; it returns false in that case.
func (t *Tracker) Add(key uintptr, rec Record) bool {
	if t == nil || key == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec.Key = key
	if rec.AllocatedAt.IsZero() {
		rec.AllocatedAt = t.clock()
	}
	_, exists := t.records[key]
	t.records[key] = rec
	return !exists
}

// Remove deletes the record for key and reports whether one existed.
func (t *Tracker) Remove(key uintptr) bool {
	if t == nil || key == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[key]; !ok {
		return false
	}
	delete(t.records, key)
	return true
}

// Replace moves the record stored under oldKey to newKey and updates its size
// in one step. Other records are untouched. It reports false when no record
// exists for oldKey.
func (t *Tracker) Replace(oldKey, newKey uintptr, newSize int) bool {
	if t == nil || oldKey == 0 || newKey == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[oldKey]
	if !ok {
		return false
	}
	delete(t.records, oldKey)
	rec.Key = newKey
	rec.Size = newSize
	t.records[newKey] = rec
	return true
}

// Lookup returns the record stored for key. The read methods treat a nil
// Tracker as empty.
func (t *Tracker) Lookup(key uintptr) (Record, bool) {
	if t == nil {
		return Record{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	return rec, ok
}

// Count returns the number of live records.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// CountSlot returns the number of live records belonging to slot.
func (t *Tracker) CountSlot(slot string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, rec := range t.records {
		if rec.Slot == slot {
			n++
		}
	}
	return n
}

// Records returns a snapshot ordered by slot, thread, then key.
func (t *Tracker) Records() []Record {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		if out[i].Thread != out[j].Thread {
			return out[i].Thread < out[j].Thread
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Summary groups live records by call site file and function, largest byte
// totals first.
func (t *Tracker) Summary() []SiteSummary {
	type siteKey struct{ file, function string }
	groups := make(map[siteKey]*SiteSummary)
	for _, rec := range t.Records() {
		k := siteKey{rec.Site.File, rec.Site.Function}
		s, ok := groups[k]
		if !ok {
			s = &SiteSummary{File: k.file, Function: k.function}
			groups[k] = s
		}
		s.Count++
		s.Bytes += rec.Size
	}
	out := make([]SiteSummary, 0, len(groups))
	for _, s := range groups {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Function < out[j].Function
	})
	return out
}

type snapshot struct {
	Count   int           `json:"count"`
	Bytes   int           `json:"bytes"`
	Records []Record      `json:"records"`
	Summary []SiteSummary `json:"summary"`
}

// MarshalJSON renders the live records and the per-site summary.
func (t *Tracker) MarshalJSON() ([]byte, error) {
	recs := t.Records()
	total := 0
	for _, rec := range recs {
		total += rec.Size
	}
	return json.Marshal(snapshot{
		Count:   len(recs),
		Bytes:   total,
		Records: recs,
		Summary: t.Summary(),
	})
}
