// Package errs provides structured error types and helpers for threadstore components.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies a failure category surfaced by thread storage operations.
type Code string

const (
	// CodeAllocation indicates the initial buffer allocation failed.
	CodeAllocation Code = "alloc_failed"
	// CodeCustomInit indicates the slot's custom init strategy rejected a new buffer.
	CodeCustomInit Code = "custom_init_failed"
	// CodeKeyInit indicates the thread-specific key could not be created.
	CodeKeyInit Code = "key_init_failed"
	// CodeNoThread indicates the caller is not running on a host-managed thread.
	CodeNoThread Code = "no_thread"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the resource is closed or otherwise unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeClosed indicates the slot was closed and its key deleted.
	CodeClosed Code = "slot_closed"
)

// E captures structured error information produced across the threadstore stack.
type E struct {
	Component string
	Code      Code
	Message   string
	Slot      string
	Thread    string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		Slot:      "",
		Thread:    "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithSlot records the slot name the failure relates to.
func WithSlot(name string) Option {
	trimmed := strings.TrimSpace(name)
	return func(e *E) {
		e.Slot = trimmed
	}
}

// WithThread records the thread identifier the failure relates to.
func WithThread(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.Thread = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := e.Component
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Slot != "" {
		parts = append(parts, "slot="+strconv.Quote(e.Slot))
	}
	if e.Thread != "" {
		parts = append(parts, "thread="+e.Thread)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an envelope carrying the same code. Sentinel
// envelopes built with only a code match any envelope with that code.
func (e *E) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*E)
	if !ok || t == nil {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// CodeOf extracts the code of the outermost envelope in err's chain.
func CodeOf(err error) (Code, bool) {
	for err != nil {
		if e, ok := err.(*E); ok && e != nil {
			return e.Code, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "", false
		}
		err = u.Unwrap()
	}
	return "", false
}
