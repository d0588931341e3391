package pager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the pager's Prometheus collectors.
type Metrics struct {
	Requests     prometheus.Counter
	Refreshes    prometheus.Counter
	Resubmits    prometheus.Counter
	Loads        *prometheus.CounterVec
	LoadDuration prometheus.Histogram
	Stale        prometheus.Counter
	Merged       prometheus.Counter
	Orphaned     prometheus.Counter
	Evicted      prometheus.Counter
	Deleted      prometheus.Counter
	QueueLength  *prometheus.GaugeVec
	PagedLODs    *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounter(prometheus.CounterOpts{
			Name: "lod_pager_requests_total",
			Help: "New load requests queued",
		}),
		Refreshes: f.NewCounter(prometheus.CounterOpts{
			Name: "lod_pager_request_refreshes_total",
			Help: "Repeated requests folded into an existing request",
		}),
		Resubmits: f.NewCounter(prometheus.CounterOpts{
			Name: "lod_pager_request_resubmits_total",
			Help: "Orphaned requests resubmitted",
		}),
		Loads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lod_pager_loads_total",
			Help: "Subgraph loads by result",
		}, []string{"result"}),
		LoadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lod_pager_load_duration_seconds",
			Help:    "Time spent in the subgraph loader",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		Stale: f.NewCounter(prometheus.CounterOpts{
			Name: "lod_pager_stale_requests_total",
			Help: "Requests dropped because nothing asked for them in the last frame",
		}),
		Merged: f.NewCounter(prometheus.CounterOpts{
			Name: "lod_pager_merged_total",
			Help: "Subgraphs merged into the scene",
		}),
		Orphaned: f.NewCounter(prometheus.CounterOpts{
			Name: "lod_pager_orphaned_total",
			Help: "Loaded subgraphs discarded because their attach point left the scene",
		}),
		Evicted: f.NewCounter(prometheus.CounterOpts{
			Name: "lod_pager_evicted_total",
			Help: "Expired subgraphs removed from the scene",
		}),
		Deleted: f.NewCounter(prometheus.CounterOpts{
			Name: "lod_pager_deleted_total",
			Help: "Removed subgraphs released on a loader goroutine",
		}),
		QueueLength: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lod_pager_queue_length",
			Help: "Requests per queue",
		}, []string{"queue"}),
		PagedLODs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lod_pager_paged_lods",
			Help: "Registered PagedLOD nodes per set",
		}, []string{"set"}),
	}
}
