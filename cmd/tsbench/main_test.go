package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	rootcfg "github.com/coachpo/threadstore/config"
	"github.com/coachpo/threadstore/internal/config"
	"github.com/coachpo/threadstore/internal/tracker"
	"github.com/coachpo/threadstore/internal/tss"
	"github.com/coachpo/threadstore/pkg/threadstore"
)

func testBenchConfig() config.BenchConfig {
	cfg := config.Default()
	cfg.Threads = 3
	cfg.Slots = 2
	cfg.Rate = 2000
	cfg.Duration = 50 * time.Millisecond
	cfg.BufferSize = 64
	return cfg
}

func TestBenchRunTracksBuffersUntilExit(t *testing.T) {
	cfg := testBenchConfig()
	r := tss.NewRegistry(0)
	host := threadstore.NewHost(threadstore.WithHostRegistry(r), threadstore.WithoutOSThreadLock())
	track := tracker.New()
	slots := []*threadstore.Slot{
		threadstore.NewSlot("a", threadstore.WithRegistry(r), threadstore.WithTracker(track)),
		threadstore.NewSlot("b", threadstore.WithRegistry(r), threadstore.WithTracker(track)),
	}

	var out bytes.Buffer
	report, err := benchRun{
		cfg:    cfg,
		host:   host,
		slots:  slots,
		track:  track,
		out:    &out,
		logger: log.New(io.Discard, "", 0),
	}.run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, report.Threads)
	require.Equal(t, 2, report.Slots)
	require.Positive(t, report.Accesses)
	require.Zero(t, report.Failures)
	require.Zero(t, report.Mismatches)
	require.Equal(t, 6, report.LiveBeforeExit)
	require.Zero(t, report.LiveAfterExit)
	require.Zero(t, host.Live())

	scanner := bufio.NewScanner(&out)
	var phases []trackerDump
	for scanner.Scan() {
		var dump trackerDump
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &dump))
		phases = append(phases, dump)
	}
	require.Len(t, phases, 2)
	require.Equal(t, "before-exit", phases[0].Phase)
	require.Equal(t, 6, phases[0].Count)
	require.NotEmpty(t, phases[0].Summary)
	require.Equal(t, "after-exit", phases[1].Phase)
	require.Zero(t, phases[1].Count)
}

func TestAdvanceDetectsLostWrites(t *testing.T) {
	buf := make([]byte, 16)
	require.True(t, advance(buf, 0, 1))
	require.True(t, advance(buf, 1, 2))
	require.False(t, advance(buf, 5, 6))

	small := make([]byte, 2)
	require.True(t, advance(small, 0, 1))
	require.True(t, advance(small, 1, 2))
	small[0] = 0
	require.False(t, advance(small, 2, 3))
}

// flakySlotAllocator fails every other allocation so the bench sees
// transient Get failures between successful accesses.
type flakySlotAllocator struct {
	threadstore.HeapAllocator
	calls atomic.Int64
}

func (f *flakySlotAllocator) Calloc(size int) ([]byte, error) {
	if f.calls.Add(1)%2 == 1 {
		return nil, errors.New("transient")
	}
	return f.HeapAllocator.Calloc(size)
}

func TestBenchRunIgnoresTransientFailuresInSequenceCheck(t *testing.T) {
	cfg := testBenchConfig()
	cfg.Threads = 1
	cfg.Slots = 1
	r := tss.NewRegistry(0)
	host := threadstore.NewHost(threadstore.WithHostRegistry(r), threadstore.WithoutOSThreadLock())
	slot := threadstore.NewSlot("flaky", threadstore.WithRegistry(r),
		threadstore.WithAllocator(new(flakySlotAllocator)), threadstore.WithTracker(nil))

	report, err := benchRun{
		cfg:    cfg,
		host:   host,
		slots:  []*threadstore.Slot{slot},
		out:    io.Discard,
		logger: log.New(io.Discard, "", 0),
	}.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), report.Failures)
	require.Positive(t, report.Accesses)
	require.Zero(t, report.Mismatches)
}

func TestBuildSlotsFromConfig(t *testing.T) {
	cfg := testBenchConfig()
	cfg.Allocator = rootcfg.AllocatorPooled
	cfg.Tracking = false

	host, slots, track := buildSlots(cfg, nil)
	require.NotNil(t, host)
	require.Len(t, slots, 2)
	require.Equal(t, "bench-0", slots[0].Name())
	require.IsType(t, &threadstore.PooledAllocator{}, slots[0].Allocator())
	if slots[0].Tracking() {
		require.NotNil(t, track)
	} else {
		require.Nil(t, track)
	}
}

func TestMetricsServerExposesTracker(t *testing.T) {
	require.Nil(t, buildMetricsServer(config.MetricsConfig{Path: "/metrics"}, nil))

	track := tracker.New()
	track.Add(0x10, tracker.Record{Slot: "scrape", Size: 32})
	server := buildMetricsServer(config.MetricsConfig{Addr: ":0", Path: "/metrics"}, track)
	require.NotNil(t, server)

	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `threadstore_tracker_live_records{slot="scrape"} 1`), body)
	require.Contains(t, body, `threadstore_tracker_live_bytes{slot="scrape"} 32`)

	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, "OK", rec.Body.String())
}

func TestWriteReport(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeReport(&out, benchReport{Threads: 2, Accesses: 10}))

	var decoded benchReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Equal(t, 2, decoded.Threads)
	require.Equal(t, int64(10), decoded.Accesses)
}

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
	require.Equal(t, defaultConfigPath, resolveConfigPath(""))
}
