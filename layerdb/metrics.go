package layerdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// readsTotal counts reads by table, the layer that answered and result.
	readsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kaigraph_layerdb_reads_total",
		Help: "Layer cache reads by table, layer and result",
	}, []string{"table", "layer", "result"})

	// writesTotal counts writes by table.
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kaigraph_layerdb_writes_total",
		Help: "Layer cache writes by table",
	}, []string{"table"})

	// persistTotal counts durable persistence outcomes.
	persistTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kaigraph_layerdb_persist_total",
		Help: "Durable layer persistence by table and result",
	}, []string{"table", "result"})

	// persistDuration tracks durable persistence latency.
	persistDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kaigraph_layerdb_persist_duration_seconds",
		Help:    "Durable layer persistence duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"table"})
)
