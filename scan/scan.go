// Package scan defines the contract between the scan scheduler and the
// storage layer: the per-range Scanner unit of work, the error kinds it
// may surface, and the per-scan observability counters.
package scan

import (
	"context"

	"github.com/hupe1980/tabletscan/chunk"
	"github.com/hupe1980/tabletscan/model"
)

// Scanner is the per-scan-range unit of work. It owns a cursor into
// one storage range, pulls raw data, applies pushdown predicates and
// fills chunks.
//
// Lifecycle: Open once, GetNext repeatedly until it reports
// exhaustion, Close. Close is idempotent and safe to call in any
// state. GetNext calls are strictly sequential; a Scanner is never
// entered concurrently.
type Scanner interface {
	// Open initializes storage iterators and predicate evaluators.
	// It may fail with an I/O or format error.
	Open(ctx context.Context) error

	// GetNext fills out up to its capacity. It returns eos=true when
	// the range is exhausted; the chunk may still carry rows in that
	// case. eos=false means the chunk was filled and more data remains.
	GetNext(ctx context.Context, out *chunk.Chunk) (eos bool, err error)

	// Close releases iterator resources. Safe to call multiple times.
	Close() error
}

// Factory creates the Scanner for one scan range. It is called by the
// scheduler when scanning starts, once per range. counters is the
// scan node's profile instance; scanners record their storage-level
// statistics there so a single injection covers the whole node.
type Factory func(r model.ScanRange, counters *Counters) (Scanner, error)
