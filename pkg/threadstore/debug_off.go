//go:build !threadstoredebug

package threadstore

import "github.com/coachpo/threadstore/internal/tracker"

const trackingCompiledIn = false

func defaultTracker() *tracker.Tracker { return nil }
