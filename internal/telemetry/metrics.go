// Package telemetry holds the proxy's Prometheus instrumentation. Metrics are
// global with bounded label cardinality and safe to update from hot paths.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_batches_total",
		Help: "Total batches handed to the inference service, by flush trigger",
	}, []string{"trigger"})

	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxy_batch_envelopes",
		Help:    "Distribution of envelopes per flushed batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})

	BatchInputs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxy_batch_inputs",
		Help:    "Distribution of concatenated input strings per flushed batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})

	UpstreamFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_upstream_failures_total",
		Help: "Total failed upstream calls, by error kind",
	}, []string{"kind"})

	AbandonedRepliesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_abandoned_replies_total",
		Help: "Total replies dropped because the caller had already disconnected",
	})

	IntakeDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_intake_depth",
		Help: "Envelopes buffered in the intake queue as last observed by the dispatcher",
	})

	CacheRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_cache_requests_total",
		Help: "Embedding cache lookups, by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		BatchesTotal,
		BatchSize,
		BatchInputs,
		UpstreamFailuresTotal,
		AbandonedRepliesTotal,
		IntakeDepth,
		CacheRequestsTotal,
	)
}

// Handler serves the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
