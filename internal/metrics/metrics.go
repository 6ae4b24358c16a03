// Package metrics provides Prometheus metrics for the tinifyd daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all tinifyd metrics.
var Registry = prometheus.NewRegistry()

var (
	// PipelineTotal counts finished pipelines by outcome.
	PipelineTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "tinifyd_pipeline_total",
		Help: "Total optimizer pipelines by terminal outcome",
	}, []string{"outcome"})

	TransformSeconds = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "tinifyd_transform_seconds",
		Help:    "Latency of calls to the transform service",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	TransformErrors = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "tinifyd_transform_errors_total",
		Help: "Total failed calls to the transform service",
	})

	BytesSaved = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "tinifyd_bytes_saved_total",
		Help: "Total bytes removed from source files by optimization",
	})

	LeasesReclaimed = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "tinifyd_leases_reclaimed_total",
		Help: "Total expired leases deleted by the janitor",
	})

	BufferEvictions = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "tinifyd_buffer_evictions_total",
		Help: "Total buffer slots freed by task timeout",
	})

	OrphansCollected = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "tinifyd_orphans_collected_total",
		Help: "Total blobs deleted because no path referenced them",
	})
)

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}
