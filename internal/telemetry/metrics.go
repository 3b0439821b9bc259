// Package telemetry exposes the server's prometheus metrics: storage
// totals, per-bucket gauges, operation counters/histograms, and lifecycle
// scan counters.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StorageBytesStored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simples3_storage_bytes_stored",
		Help: "Total bytes stored across all buckets.",
	})

	StorageObjectsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simples3_storage_objects_total",
		Help: "Total number of objects across all buckets.",
	})

	StorageBucketsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simples3_storage_buckets_total",
		Help: "Total number of buckets.",
	})
)

var (
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simples3_operation_duration_seconds",
			Help:    "Operation duration in seconds.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "status"},
	)

	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simples3_operations_total",
			Help: "Total number of operations by status.",
		},
		[]string{"operation", "status"},
	)
)

var (
	BucketObjects = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simples3_bucket_objects",
			Help: "Number of objects in a bucket.",
		},
		[]string{"bucket"},
	)

	BucketBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simples3_bucket_bytes",
			Help: "Bytes stored in a bucket.",
		},
		[]string{"bucket"},
	)
)

var (
	LifecycleExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simples3_lifecycle_expired_total",
			Help: "Total number of objects expired by the lifecycle scanner.",
		},
	)

	LifecycleScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simples3_lifecycle_scan_duration_seconds",
			Help:    "Duration of a full lifecycle scan pass.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// IncStorageBytes increments the total bytes-stored gauge.
func IncStorageBytes(bytes int64) { StorageBytesStored.Add(float64(bytes)) }

// DecStorageBytes decrements the total bytes-stored gauge.
func DecStorageBytes(bytes int64) { StorageBytesStored.Sub(float64(bytes)) }

// IncBucketObjects increments the per-bucket object-count gauge.
func IncBucketObjects(bucket string) { BucketObjects.WithLabelValues(bucket).Inc() }

// DecBucketObjects decrements the per-bucket object-count gauge.
func DecBucketObjects(bucket string) { BucketObjects.WithLabelValues(bucket).Dec() }

// AddBucketBytes adjusts the per-bucket bytes gauge by delta (may be negative).
func AddBucketBytes(bucket string, delta int64) { BucketBytes.WithLabelValues(bucket).Add(float64(delta)) }

// DeleteBucketMetrics removes all per-bucket label series for a deleted bucket.
func DeleteBucketMetrics(bucket string) {
	BucketObjects.DeleteLabelValues(bucket)
	BucketBytes.DeleteLabelValues(bucket)
}

// Observe records one completed operation's outcome and duration.
func Observe(operation, status string, seconds float64) {
	OperationsTotal.WithLabelValues(operation, status).Inc()
	OperationDuration.WithLabelValues(operation, status).Observe(seconds)
}
