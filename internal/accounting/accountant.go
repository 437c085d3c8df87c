// Package accounting keeps the delivery counters for the ingestion pipeline.
//
// An Accountant is created once in main and handed to every component that
// reaches a terminal outcome. Counters only grow. Once every in-flight
// publish has resolved, Received == Published + Failed.
package accounting

import (
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/txingest/internal/metrics"
)

// Snapshot is a point-in-time read of the counters.
type Snapshot struct {
	Received    uint64    `json:"total_received"`
	Enriched    uint64    `json:"total_enriched"`
	Published   uint64    `json:"total_published"`
	Failed      uint64    `json:"total_failed"`
	SuccessRate float64   `json:"success_rate"`
	Timestamp   time.Time `json:"timestamp"`
}

// Accountant counts records by terminal outcome. Safe for concurrent use.
type Accountant struct {
	received  atomic.Uint64
	enriched  atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
}

// New returns an Accountant with all counters at zero.
func New() *Accountant {
	return &Accountant{}
}

func (a *Accountant) RecordReceived() {
	a.received.Add(1)
	metrics.RecordsReceived.Inc()
}

func (a *Accountant) RecordEnrichedAndValid() {
	a.enriched.Add(1)
	metrics.RecordsEnriched.Inc()
}

func (a *Accountant) RecordPublished() {
	a.published.Add(1)
	metrics.RecordsPublished.Inc()
}

// RecordFailed counts a terminal failure; kind labels the Prometheus series.
func (a *Accountant) RecordFailed(kind string) {
	a.failed.Add(1)
	metrics.RecordsFailed.WithLabelValues(kind).Inc()
}

// Snapshot reads the counters. With nothing received the success rate is
// 100: an idle pipeline has not failed anything.
func (a *Accountant) Snapshot() Snapshot {
	s := Snapshot{
		Received:  a.received.Load(),
		Enriched:  a.enriched.Load(),
		Published: a.published.Load(),
		Failed:    a.failed.Load(),
		Timestamp: time.Now().UTC(),
	}
	s.SuccessRate = successRate(s.Published, s.Received)
	return s
}

func successRate(published, received uint64) float64 {
	if received == 0 {
		return 100.0
	}
	return float64(published) * 100.0 / float64(received)
}
