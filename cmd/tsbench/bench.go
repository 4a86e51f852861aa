package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/threadstore/internal/config"
	"github.com/coachpo/threadstore/internal/tracker"
	"github.com/coachpo/threadstore/pkg/threadstore"
)

type benchReport struct {
	Threads        int    `json:"threads"`
	Slots          int    `json:"slots"`
	Accesses       int64  `json:"accesses"`
	Failures       int64  `json:"failures"`
	Mismatches     int64  `json:"mismatches"`
	ElapsedMillis  int64  `json:"elapsedMs"`
	LiveBeforeExit int    `json:"liveBeforeExit"`
	LiveAfterExit  int    `json:"liveAfterExit"`
	Environment    string `json:"environment"`
}

type trackerDump struct {
	Phase   string                `json:"phase"`
	Count   int                   `json:"count"`
	Summary []tracker.SiteSummary `json:"summary"`
}

type benchRun struct {
	cfg    config.BenchConfig
	host   *threadstore.Host
	slots  []*threadstore.Slot
	track  *tracker.Tracker
	out    io.Writer
	logger *log.Logger
}

// run drives every thread until the configured duration elapses, then holds
// the threads parked so the tracker can be dumped while their buffers are
// still attached, and dumps it again once they have exited.
func (b benchRun) run(ctx context.Context) (benchReport, error) {
	runCtx, cancel := context.WithTimeout(ctx, b.cfg.Duration)
	defer cancel()

	var (
		accesses   atomic.Int64
		failures   atomic.Int64
		mismatches atomic.Int64
		parked     sync.WaitGroup
	)
	release := make(chan struct{})
	parked.Add(b.cfg.Threads)

	start := time.Now()
	for i := 0; i < b.cfg.Threads; i++ {
		b.host.Go(fmt.Sprintf("bench-%d", i), func(th *threadstore.Thread) {
			defer func() { <-release }()
			defer parked.Done()

			limiter := rate.NewLimiter(rate.Limit(b.cfg.Rate), b.cfg.Burst)
			// written holds the last counter stored in each slot's buffer.
			written := make([]uint64, len(b.slots))
			for limiter.Wait(runCtx) == nil {
				for i, slot := range b.slots {
					buf, err := slot.Get(th, b.cfg.BufferSize)
					if err != nil {
						failures.Add(1)
						continue
					}
					accesses.Add(1)
					if !advance(buf, written[i], written[i]+1) {
						mismatches.Add(1)
					}
					written[i]++
				}
			}
		})
	}
	parked.Wait()

	report := benchReport{
		Threads:       b.cfg.Threads,
		Slots:         len(b.slots),
		ElapsedMillis: time.Since(start).Milliseconds(),
		Environment:   string(b.cfg.Environment),
	}
	if b.track != nil {
		report.LiveBeforeExit = b.track.Count()
		if err := b.dump("before-exit"); err != nil {
			b.logger.Printf("dump tracker: %v", err)
		}
	}

	close(release)
	if rec := b.host.WaitAndRecover(); rec != nil {
		return report, fmt.Errorf("bench thread panicked: %w", rec.AsError())
	}

	report.Accesses = accesses.Load()
	report.Failures = failures.Load()
	report.Mismatches = mismatches.Load()
	if b.track != nil {
		report.LiveAfterExit = b.track.Count()
		if err := b.dump("after-exit"); err != nil {
			b.logger.Printf("dump tracker: %v", err)
		}
	}
	return report, nil
}

func (b benchRun) dump(phase string) error {
	payload, err := json.Marshal(trackerDump{
		Phase:   phase,
		Count:   b.track.Count(),
		Summary: b.track.Summary(),
	})
	if err != nil {
		return fmt.Errorf("marshal tracker: %w", err)
	}
	_, err = fmt.Fprintf(b.out, "%s\n", payload)
	return err
}

// advance checks that buf still holds want, the counter written by the last
// successful access, and stores next. Buffers shorter than 8 bytes keep the
// counter's low byte.
func advance(buf []byte, want, next uint64) bool {
	if len(buf) < 8 {
		prev := buf[0]
		buf[0] = byte(next)
		return prev == byte(want)
	}
	prev := binary.LittleEndian.Uint64(buf)
	binary.LittleEndian.PutUint64(buf, next)
	return prev == want
}

func writeReport(w io.Writer, report benchReport) error {
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", payload)
	return err
}
