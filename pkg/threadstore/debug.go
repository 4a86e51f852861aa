//go:build threadstoredebug

package threadstore

import "github.com/coachpo/threadstore/internal/tracker"

// trackingCompiledIn makes every slot record into the process-wide tracker
// unless WithTracker overrides it.
const trackingCompiledIn = true

func defaultTracker() *tracker.Tracker { return tracker.Global() }
