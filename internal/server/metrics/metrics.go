// Package metrics exposes Prometheus collectors for the ingestion pipeline.
// The registry is injected, never the package-level default.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the pipeline's collectors.
type Metrics struct {
	UploadsStarted   prometheus.Counter
	UploadsCompleted prometheus.Counter
	UploadsFailed    prometheus.Counter
	BytesStored      prometheus.Counter

	ActiveSessions prometheus.Gauge

	ScanVerdicts *prometheus.CounterVec
	ScanDuration prometheus.Histogram

	QuarantineEvents prometheus.Counter
}

// New registers the collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UploadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docuvault", Subsystem: "uploads", Name: "started_total",
			Help: "Upload sessions and direct stores started.",
		}),
		UploadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docuvault", Subsystem: "uploads", Name: "completed_total",
			Help: "Successfully persisted files.",
		}),
		UploadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docuvault", Subsystem: "uploads", Name: "failed_total",
			Help: "Stores rejected or failed.",
		}),
		BytesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docuvault", Subsystem: "storage", Name: "bytes_total",
			Help: "Plaintext bytes persisted.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docuvault", Subsystem: "uploads", Name: "active_sessions",
			Help: "Upload sessions currently open.",
		}),
		ScanVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docuvault", Subsystem: "scans", Name: "verdicts_total",
			Help: "Aggregate scan verdicts by threat level.",
		}, []string{"threat_level"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docuvault", Subsystem: "scans", Name: "duration_seconds",
			Help:    "Wall time of aggregate scans.",
			Buckets: prometheus.DefBuckets,
		}),
		QuarantineEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docuvault", Subsystem: "scans", Name: "quarantines_total",
			Help: "Files transitioned into quarantine.",
		}),
	}

	reg.MustRegister(
		m.UploadsStarted, m.UploadsCompleted, m.UploadsFailed, m.BytesStored,
		m.ActiveSessions, m.ScanVerdicts, m.ScanDuration, m.QuarantineEvents,
	)
	return m
}

// NewNop returns metrics registered on a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
