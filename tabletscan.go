package tabletscan

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/tabletscan/chunk"
	"github.com/hupe1980/tabletscan/internal/sched"
	"github.com/hupe1980/tabletscan/model"
	"github.com/hupe1980/tabletscan/scan"
)

// ScanNode fetches rows from tablet storage and streams them to the
// parent operator as columnar chunks. It submits many scanners to a
// process-shared worker pool and bounds them against the injected
// resource controller.
//
// Usage order: NewScanNode, SetScanRanges, Open, then GetNext until
// exhaustion, Close. Scanning starts lazily on the first GetNext.
type ScanNode struct {
	opts     options
	schema   *chunk.Schema
	counters *scan.Counters
	sched    *sched.Scheduler

	started   time.Time // first GetNext timestamp, for the finish log
	startOnce sync.Once
	rows      int64
}

// NewScanNode creates a scan node for the given schema. The factory is
// invoked once per scan range when scanning starts.
func NewScanNode(schema *chunk.Schema, factory scan.Factory, optFns ...Option) (*ScanNode, error) {
	o := applyOptions(optFns)

	counters := o.counters
	if counters == nil {
		counters = &scan.Counters{}
	}

	n := &ScanNode{
		opts:     o,
		schema:   schema,
		counters: counters,
	}
	n.sched = sched.New(sched.Config{
		Schema:           schema,
		Factory:          factory,
		Pool:             o.pool,
		Controller:       o.controller,
		Counters:         counters,
		Logger:           o.logger.Logger,
		ChunkCapacity:    o.chunkCapacity,
		ChunksPerScanner: o.chunksPerScanner,
		BasePriority:     o.basePriority,
	})
	return n, nil
}

// SetScanRanges assigns the tablet ranges to scan. It must be called
// before scanning starts and fails afterwards.
func (n *ScanNode) SetScanRanges(ranges []model.ScanRange) error {
	return n.sched.SetScanRanges(ranges)
}

// Open prepares the node. It is idempotent, does not block on I/O and
// does not start scanning; the first GetNext does.
func (n *ScanNode) Open(ctx context.Context) error {
	if n.sched.State() == sched.StateClosed {
		return scan.ErrClosed
	}
	return nil
}

// GetNext returns the next chunk of the scan. It blocks until a chunk
// is available, the scan completes (nil chunk, hasMore false) or the
// latched scan error surfaces. Chunks produced before a failure are
// still delivered first.
//
// Ownership of the returned chunk transfers to the caller; hand it
// back with Recycle when done so its buffer re-enters the pool.
func (n *ScanNode) GetNext(ctx context.Context) (c *chunk.Chunk, hasMore bool, err error) {
	n.startOnce.Do(func() {
		n.started = time.Now()
		n.opts.metrics.RecordScanStart()
		n.opts.logger.LogScanStart(ctx, n.schema.NumFields())
	})

	c, hasMore, err = n.sched.GetNext(ctx)
	switch {
	case err != nil:
		n.opts.metrics.RecordScanFinish(n.rows, time.Since(n.started), err)
		n.opts.logger.LogScanFinish(ctx, n.rows, err)
	case !hasMore:
		n.opts.metrics.RecordScanFinish(n.rows, time.Since(n.started), nil)
		n.opts.logger.LogScanFinish(ctx, n.rows, nil)
	default:
		n.rows += int64(c.NumRows())
		n.opts.metrics.RecordChunk(c.NumRows())
	}
	return c, hasMore, translateError(err)
}

// Recycle returns a consumed chunk to the node's pool, re-admitting a
// pending scanner if one is parked. It never blocks.
func (n *ScanNode) Recycle(c *chunk.Chunk) {
	n.sched.Recycle(c)
}

// Close cancels the scan cooperatively and releases all resources.
// Always safe to call, including before Open; idempotent.
func (n *ScanNode) Close() error {
	return n.sched.Close()
}

// Counters exposes the node's observability aggregates for query
// profiling. Values are monotonic while the scan runs.
func (n *ScanNode) Counters() scan.Snapshot {
	return n.counters.Snapshot()
}
