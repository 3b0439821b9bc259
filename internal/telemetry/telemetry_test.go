package telemetry

import "testing"

func TestObserveDoesNotPanic(t *testing.T) {
	Observe("PutObject", "success", 0.01)
	Observe("GetObject", "error", 0.002)
}

func TestBucketGaugeHelpers(t *testing.T) {
	IncBucketObjects("b")
	AddBucketBytes("b", 100)
	DecBucketObjects("b")
	AddBucketBytes("b", -50)
	DeleteBucketMetrics("b")
}

func TestStorageGaugeHelpers(t *testing.T) {
	IncStorageBytes(10)
	DecStorageBytes(5)
}
