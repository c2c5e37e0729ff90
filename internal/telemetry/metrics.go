// Package telemetry declares the prometheus metrics this service exposes,
// grounded in the price-service pack repo's optimizer/metrics.go: promauto
// vectors wrapped behind a small recorder so call sites never touch the
// prometheus API directly.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	describeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vbd_describe_latency_seconds",
		Help:    "Latency of calls to the vision describer endpoint.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vbd_queue_depth",
		Help: "Number of jobs waiting to be leased in this process's queue across all partitions, recorded under each partition the worker leases.",
	}, []string{"partition"})

	partitionItemCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vbd_partition_item_count",
		Help: "Number of entries currently stored in a shard-store partition.",
	}, []string{"partition"})

	describeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vbd_describe_errors_total",
		Help: "Total describer errors by error kind.",
	}, []string{"kind"})
)

// Recorder is the call-site facade, mirroring MetricsRecorder from the
// pack repo's optimizer package.
type Recorder struct{}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) RecordDescribeLatency(outcome string, seconds float64) {
	describeLatency.WithLabelValues(outcome).Observe(seconds)
}

func (r *Recorder) SetQueueDepth(partition string, depth float64) {
	queueDepth.WithLabelValues(partition).Set(depth)
}

func (r *Recorder) SetPartitionItemCount(partition string, count float64) {
	partitionItemCount.WithLabelValues(partition).Set(count)
}

func (r *Recorder) IncrementDescribeError(kind string) {
	describeErrors.WithLabelValues(kind).Inc()
}
