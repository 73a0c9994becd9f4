package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	SyncRuns      *prometheus.CounterVec
	Actions       *prometheus.CounterVec
	RecordsSynced *prometheus.CounterVec
	SyncDuration  prometheus.Histogram
	Pending       prometheus.Gauge
	Online        prometheus.Gauge
}

// NewMetrics registers the sync collectors on reg. A nil reg yields
// unregistered collectors, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SyncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studysync",
			Name:      "sync_runs_total",
			Help:      "Sync sweeps by outcome.",
		}, []string{"outcome"}),
		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studysync",
			Name:      "actions_total",
			Help:      "Queued actions processed by result (delivered, retried, dropped).",
		}, []string{"result"}),
		RecordsSynced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studysync",
			Name:      "records_synced_total",
			Help:      "Domain records pushed to the remote service.",
		}, []string{"collection"}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "studysync",
			Name:      "sync_duration_seconds",
			Help:      "Wall time of a full sync sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
		Pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "studysync",
			Name:      "pending_items",
			Help:      "Actions and unsynced records left after the last sweep.",
		}),
		Online: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "studysync",
			Name:      "online",
			Help:      "1 when the remote service was reachable on the last probe.",
		}),
	}
}
