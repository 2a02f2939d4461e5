package scan

import "sync/atomic"

// Counters aggregates per-scan observability counters. They feed query
// profiles only and are not part of the correctness surface.
//
// All fields are updated with atomics; scanners on different workers
// share one Counters instance.
type Counters struct {
	RawRowsRead        atomic.Int64 // rows materialized before predicate evaluation
	RowsReturned       atomic.Int64 // rows surviving predicates
	BytesRead          atomic.Int64 // compressed bytes read from storage
	BytesUncompressed  atomic.Int64 // bytes after page decompression
	PagesPrunedZoneMap atomic.Int64 // pages skipped by zone maps
	PagesPrunedBloom   atomic.Int64 // segments skipped by bloom probes
	PagesPrunedDict    atomic.Int64 // pages skipped by dictionary pruning
	SegmentsOpened     atomic.Int64
	ChunksRecycled     atomic.Int64 // chunks returned to the pool by the consumer
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	RawRowsRead        int64
	RowsReturned       int64
	BytesRead          int64
	BytesUncompressed  int64
	PagesPrunedZoneMap int64
	PagesPrunedBloom   int64
	PagesPrunedDict    int64
	SegmentsOpened     int64
	ChunksRecycled     int64
}

// Snapshot returns a consistent-enough copy for profiling output.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		RawRowsRead:        c.RawRowsRead.Load(),
		RowsReturned:       c.RowsReturned.Load(),
		BytesRead:          c.BytesRead.Load(),
		BytesUncompressed:  c.BytesUncompressed.Load(),
		PagesPrunedZoneMap: c.PagesPrunedZoneMap.Load(),
		PagesPrunedBloom:   c.PagesPrunedBloom.Load(),
		PagesPrunedDict:    c.PagesPrunedDict.Load(),
		SegmentsOpened:     c.SegmentsOpened.Load(),
		ChunksRecycled:     c.ChunksRecycled.Load(),
	}
}
