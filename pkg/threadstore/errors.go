package threadstore

import "github.com/coachpo/threadstore/errs"

const component = "threadstore"

// Sentinel errors for use with errors.Is. Errors returned by this package are
// *errs.E envelopes carrying slot and thread details; they match the sentinel
// with the same code.
var (
	// ErrAllocation reports that the initial buffer allocation failed.
	ErrAllocation = errs.New(component, errs.CodeAllocation)
	// ErrCustomInit reports that the slot's init strategy rejected a new buffer.
	ErrCustomInit = errs.New(component, errs.CodeCustomInit)
	// ErrKeyInit reports that the slot's thread-specific key could not be
	// created. It is sticky: every later access to the slot returns it.
	ErrKeyInit = errs.New(component, errs.CodeKeyInit)
	// ErrNoThread reports a call without a host-managed thread.
	ErrNoThread = errs.New(component, errs.CodeNoThread)
	// ErrThreadExited reports access through a thread that has finished.
	ErrThreadExited = errs.New(component, errs.CodeUnavailable)
	// ErrSlotClosed reports access to a slot after Close.
	ErrSlotClosed = errs.New(component, errs.CodeClosed)
	// ErrInvalid reports a malformed request.
	ErrInvalid = errs.New(component, errs.CodeInvalid)
)
