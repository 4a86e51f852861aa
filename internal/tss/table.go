package tss

import (
	"fmt"
	"runtime/debug"
)

// Table holds one thread's values. It is owned by a single thread and is
// not safe for concurrent use.
type Table struct {
	values map[Key]any
	sealed bool
}

// NewTable returns an empty per-thread table.
func NewTable() *Table {
	return &Table{values: make(map[Key]any)}
}

// Get returns the value stored for key, or nil.
func (t *Table) Get(key Key) any {
	return t.values[key]
}

// Set stores value for key and reports whether it was stored. Storing nil
// clears the entry. Once RunDestructors has finished with the table, new
// values are refused.
func (t *Table) Set(key Key, value any) bool {
	if value == nil {
		delete(t.values, key)
		return true
	}
	if t.sealed {
		return false
	}
	t.values[key] = value
	return true
}

// Sealed reports whether the table refuses new values.
func (t *Table) Sealed() bool { return t.sealed }

// Len returns the number of keys holding a value.
func (t *Table) Len() int { return len(t.values) }

// RunDestructors runs the thread-exit machinery: every non-nil value whose key
// is still live in r is cleared and passed to its destructor. Rounds repeat
// while destructors install new values, up to DestructorIterations. Values
// still present after the last round get one final destructor call with the
// table sealed, so every installed value is destroyed exactly once and nothing
// new can be installed; the overrun is reported. Values for deleted keys, or
// keys without a destructor, are dropped. A panicking destructor is recovered
// and reported; the remaining destructors still run.
func (t *Table) RunDestructors(r *Registry) []error {
	var failures []error
	for round := 0; round < DestructorIterations && len(t.values) > 0; round++ {
		failures = t.destroyPending(r, failures)
	}
	t.sealed = true
	if n := len(t.values); n > 0 {
		failures = append(failures, fmt.Errorf("tss: %d values remain after %d destructor rounds", n, DestructorIterations))
		failures = t.destroyPending(r, failures)
	}
	return failures
}

func (t *Table) destroyPending(r *Registry, failures []error) []error {
	pending := t.values
	t.values = make(map[Key]any)
	for key, value := range pending {
		destroy, ok := r.destructor(key)
		if !ok || destroy == nil {
			continue
		}
		if err := runDestructor(key, destroy, value); err != nil {
			failures = append(failures, err)
		}
	}
	return failures
}

func runDestructor(key Key, destroy Destructor, value any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tss: destructor for %s panicked: %v\n%s", key, rec, debug.Stack())
		}
	}()
	destroy(value)
	return nil
}
