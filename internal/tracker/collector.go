package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes live record counts and bytes per slot to Prometheus.
type Collector struct {
	tracker *Tracker
	records *prometheus.Desc
	bytes   *prometheus.Desc
}

// NewCollector wraps t for registration with a Prometheus registry.
func NewCollector(t *Tracker) *Collector {
	if t == nil {
		t = Global()
	}
	return &Collector{
		tracker: t,
		records: prometheus.NewDesc(
			prometheus.BuildFQName("threadstore", "tracker", "live_records"),
			"Live per-thread buffers tracked, labeled by slot.",
			[]string{"slot"}, nil,
		),
		bytes: prometheus.NewDesc(
			prometheus.BuildFQName("threadstore", "tracker", "live_bytes"),
			"Bytes held by live per-thread buffers, labeled by slot.",
			[]string{"slot"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.records
	ch <- c.bytes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	type totals struct{ count, bytes int }
	perSlot := make(map[string]*totals)
	for _, rec := range c.tracker.Records() {
		tot, ok := perSlot[rec.Slot]
		if !ok {
			tot = new(totals)
			perSlot[rec.Slot] = tot
		}
		tot.count++
		tot.bytes += rec.Size
	}
	for slot, tot := range perSlot {
		ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(tot.count), slot)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(tot.bytes), slot)
	}
}
