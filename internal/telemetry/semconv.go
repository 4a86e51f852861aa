// Package telemetry provides OpenTelemetry setup and instruments for thread storage.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys attached to threadstore metrics.
const (
	AttrSlot        = attribute.Key("threadstore.slot")
	AttrResult      = attribute.Key("result")
	AttrReason      = attribute.Key("reason")
	AttrEnvironment = attribute.Key("environment")
)

// ResultFailed marks an accessor call that returned no buffer.
const ResultFailed = "failed"

// Failure reasons.
const (
	ReasonAllocation = "allocation"
	ReasonCustomInit = "custom_init"
	ReasonKeyInit    = "key_init"
)

// SlotAttributes returns the attribute set shared by per-slot instruments.
func SlotAttributes(slot string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrSlot.String(slot),
	}
}

// FailureAttributes returns per-slot attributes with a failure reason.
func FailureAttributes(slot, reason string) []attribute.KeyValue {
	return append(SlotAttributes(slot), AttrResult.String(ResultFailed), AttrReason.String(reason))
}
