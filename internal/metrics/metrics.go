// Package metrics exposes Prometheus instrumentation for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors the syncer and daemon report into.
type Metrics struct {
	Rounds        *prometheus.CounterVec
	SyncedRecords *prometheus.CounterVec
	RoundDuration prometheus.Histogram
	LastSuccess   prometheus.Gauge
}

// New builds the collector set and registers it on reg. A nil registerer
// yields unregistered collectors, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirror",
			Name:      "sync_rounds_total",
			Help:      "Sync rounds by outcome (ok, error, skipped).",
		}, []string{"outcome"}),
		SyncedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirror",
			Name:      "synced_records_total",
			Help:      "Records merged into the local replica, by kind.",
		}, []string{"kind"}),
		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mirror",
			Name:      "sync_round_duration_seconds",
			Help:      "Wall time of completed sync rounds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mirror",
			Name:      "last_successful_sync_timestamp_seconds",
			Help:      "Unix time of the last successful sync round.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Rounds, m.SyncedRecords, m.RoundDuration, m.LastSuccess)
	}
	return m
}
