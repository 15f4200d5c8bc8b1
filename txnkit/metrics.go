package txnkit

import "time"

// MetricsCollector provides hooks for collecting engine metrics
type MetricsCollector interface {
	// RecordCommit records a successful commit and its duration
	RecordCommit(isolation string, duration time.Duration)

	// RecordConflict records a commit rejected by conflict detection
	RecordConflict(isolation string, code string)

	// RecordAbort records a caller-initiated abort
	RecordAbort(isolation string)

	// RecordRetry records one retry attempt inside RunWithRetry
	RecordRetry(attempt int)

	// RecordGC records a garbage collection pass
	RecordGC(versionsRemoved int)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordCommit(isolation string, duration time.Duration) {}
func (n *NoOpMetricsCollector) RecordConflict(isolation string, code string)          {}
func (n *NoOpMetricsCollector) RecordAbort(isolation string)                          {}
func (n *NoOpMetricsCollector) RecordRetry(attempt int)                               {}
func (n *NoOpMetricsCollector) RecordGC(versionsRemoved int)                          {}
