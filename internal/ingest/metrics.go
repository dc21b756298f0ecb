package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the ingestion collectors. Create them once per registry and
// share them between pipelines.
type Metrics struct {
	units   *prometheus.CounterVec
	batches prometheus.Counter
	records prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		units: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tilecache_ingest_units_total",
			Help: "Fetched pages and tiles by result.",
		}, []string{"result"}),
		batches: f.NewCounter(prometheus.CounterOpts{
			Name: "tilecache_ingest_batches_total",
			Help: "Committed ingestion batches.",
		}),
		records: f.NewCounter(prometheus.CounterOpts{
			Name: "tilecache_ingest_records_total",
			Help: "Records committed by ingestion.",
		}),
	}
}
