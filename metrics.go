package tabletscan

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational
// metrics. Implement it to integrate with monitoring systems like
// Prometheus.
type MetricsCollector interface {
	// RecordScanStart is called when a scan transitions to scanning.
	RecordScanStart()

	// RecordChunk is called for every chunk delivered to the consumer.
	RecordChunk(rows int)

	// RecordScanFinish is called when a scan completes, fails or is
	// cancelled. rows is the total row count delivered; err is nil on
	// clean completion.
	RecordScanFinish(rows int64, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordScanStart()                                 {}
func (NoopMetricsCollector) RecordChunk(int)                                  {}
func (NoopMetricsCollector) RecordScanFinish(int64, time.Duration, error)     {}

// BasicMetricsCollector provides simple in-memory metrics collection,
// useful for debugging without external dependencies.
type BasicMetricsCollector struct {
	ScansStarted  atomic.Int64
	ScansFailed   atomic.Int64
	ChunksEmitted atomic.Int64
	RowsEmitted   atomic.Int64
	ScanNanos     atomic.Int64
}

// RecordScanStart implements MetricsCollector.
func (b *BasicMetricsCollector) RecordScanStart() {
	b.ScansStarted.Add(1)
}

// RecordChunk implements MetricsCollector.
func (b *BasicMetricsCollector) RecordChunk(rows int) {
	b.ChunksEmitted.Add(1)
	b.RowsEmitted.Add(int64(rows))
}

// RecordScanFinish implements MetricsCollector.
func (b *BasicMetricsCollector) RecordScanFinish(rows int64, duration time.Duration, err error) {
	b.ScanNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ScansFailed.Add(1)
	}
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	ScansStarted  int64
	ScansFailed   int64
	ChunksEmitted int64
	RowsEmitted   int64
	ScanNanos     int64
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		ScansStarted:  b.ScansStarted.Load(),
		ScansFailed:   b.ScansFailed.Load(),
		ChunksEmitted: b.ChunksEmitted.Load(),
		RowsEmitted:   b.RowsEmitted.Load(),
		ScanNanos:     b.ScanNanos.Load(),
	}
}
