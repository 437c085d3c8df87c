package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txingest_records_received_total",
		Help: "Total number of transaction records submitted for ingestion.",
	})

	RecordsEnriched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txingest_records_enriched_total",
		Help: "Total number of records that passed enrichment and validation.",
	})

	RecordsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txingest_records_published_total",
		Help: "Total number of records durably acknowledged by the log.",
	})

	RecordsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txingest_records_failed_total",
		Help: "Total number of records that reached a terminal failure, labelled by error kind.",
	}, []string{"kind"})

	HighValue = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txingest_high_value_total",
		Help: "Total number of records above the high-value advisory threshold.",
	})

	PublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txingest_publish_attempts_total",
		Help: "Total number of individual send attempts, labelled by result.",
	}, []string{"result"})

	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txingest_dedup_hits_total",
		Help: "Total number of publishes answered from the dedup ledger without a new log entry.",
	})

	PublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "txingest_publish_duration_ms",
		Help:    "Time from dispatch to terminal outcome in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "txingest_queue_utilization_ratio",
		Help: "Current publish queue utilization (0–1).",
	})
)
