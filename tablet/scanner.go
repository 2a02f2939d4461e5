package tablet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tabletscan/blobstore"
	"github.com/hupe1980/tabletscan/catalog"
	"github.com/hupe1980/tabletscan/chunk"
	"github.com/hupe1980/tabletscan/cache"
	"github.com/hupe1980/tabletscan/model"
	"github.com/hupe1980/tabletscan/predicate"
	"github.com/hupe1980/tabletscan/scan"
)

// openConcurrency bounds parallel segment opens per scanner.
const openConcurrency = 4

// FactoryConfig wires a scanner factory to the storage stack.
type FactoryConfig struct {
	// Schema is the column layout to materialize.
	Schema *chunk.Schema

	// Catalog resolves (tablet, version) to segment sets.
	Catalog catalog.Catalog

	// Store holds the segment blobs.
	Store blobstore.BlobStore

	// Cache is an optional shared page cache.
	Cache cache.PageCache

	// IO is an optional read throttle (*resource.Controller fits).
	IO IOLimiter

	// Conjuncts are pushdown predicates applied during the scan.
	Conjuncts []predicate.Conjunct

	// Counters receives per-scan profile counters. Usually left nil:
	// scanners then record into the counters the scan node passes at
	// scan start, so the node's Counters() sees storage-level stats.
	Counters *scan.Counters
}

// NewFactory compiles the pushdown predicates once and returns a
// scan.Factory producing one TabletScanner per range. Predicate
// compilation errors surface here, before any scan is started.
func NewFactory(cfg FactoryConfig) (scan.Factory, error) {
	if cfg.Schema == nil || cfg.Catalog == nil || cfg.Store == nil {
		return nil, errors.New("tablet: factory needs schema, catalog and store")
	}

	ev, err := predicate.Compile(cfg.Schema, cfg.Conjuncts)
	if err != nil {
		return nil, err
	}

	return func(r model.ScanRange, counters *scan.Counters) (scan.Scanner, error) {
		sc := cfg
		if sc.Counters == nil {
			sc.Counters = counters
		}
		if sc.Counters == nil {
			sc.Counters = &scan.Counters{}
		}
		return &TabletScanner{cfg: sc, ev: ev, rng: r}, nil
	}, nil
}

// TabletScanner reads one scan range: the segment set of a tablet
// version, restricted to a key range, with predicates applied.
// It implements scan.Scanner and is driven sequentially by the
// scheduler's workers.
type TabletScanner struct {
	cfg FactoryConfig
	ev  *predicate.Evaluator
	rng model.ScanRange

	segs    []*Segment
	segIdx  int
	pageIdx int

	scratch    *chunk.Chunk
	pending    []uint
	pendingPos int

	closeOnce sync.Once
	closeErr  error
}

// Open resolves the snapshot and opens the surviving segments.
// Segments ruled out by key-range zone maps, bloom probes or
// dictionary pruning are dropped here without reading any pages.
func (s *TabletScanner) Open(ctx context.Context) error {
	snap, err := s.cfg.Catalog.Resolve(ctx, s.rng.Tablet, s.rng.Version)
	if err != nil {
		return scan.NewOpenError(s.rng, err)
	}

	opts := SegmentOptions{Cache: s.cfg.Cache, Counters: s.cfg.Counters, IO: s.cfg.IO}

	var mu sync.Mutex
	opened := make([]*Segment, len(snap.Segments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(openConcurrency)
	for i, ref := range snap.Segments {
		g.Go(func() error {
			seg, err := OpenSegment(gctx, s.cfg.Store, ref.Blob, s.cfg.Schema, opts)
			if err != nil {
				return fmt.Errorf("segment %d: %w", ref.ID, err)
			}
			mu.Lock()
			opened[i] = seg
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, seg := range opened {
			if seg != nil {
				_ = seg.Close()
			}
		}
		return scan.NewOpenError(s.rng, err)
	}

	for _, seg := range opened {
		if s.pruneSegment(seg) {
			_ = seg.Close()
			continue
		}
		s.segs = append(s.segs, seg)
	}
	return nil
}

// pruneSegment decides whether a whole segment can be skipped.
func (s *TabletScanner) pruneSegment(seg *Segment) bool {
	if !rangeOverlapsZone(s.rng, seg.keyZone()) {
		s.cfg.Counters.PagesPrunedZoneMap.Add(int64(seg.numPages()))
		return true
	}

	if key, ok := exactKey(s.rng, s.ev, s.cfg.Schema); ok && !seg.mayContainKey(key) {
		s.cfg.Counters.PagesPrunedBloom.Add(int64(seg.numPages()))
		return true
	}

	for i, f := range s.cfg.Schema.Fields() {
		if !s.ev.MatchesZoneMap(f.Name, seg.columnZone(i)) {
			s.cfg.Counters.PagesPrunedZoneMap.Add(int64(seg.numPages()))
			return true
		}
		if f.Type == chunk.TypeString && s.ev.PrunesDictionary(f.Name, seg.columnDict(i)) {
			s.cfg.Counters.PagesPrunedDict.Add(int64(seg.numPages()))
			return true
		}
	}
	return false
}

// exactKey returns the single key value the scan is pinned to, either
// by a one-row key range or by an equality predicate.
func exactKey(rng model.ScanRange, ev *predicate.Evaluator, schema *chunk.Schema) (int64, bool) {
	if rng.Low.Set && rng.High.Set && rng.High.Value == rng.Low.Value+1 {
		return rng.Low.Value, true
	}
	return ev.KeyEquality(schema.Field(schema.KeyIndex()).Name)
}

func rangeOverlapsZone(rng model.ScanRange, zm predicate.ZoneMap) bool {
	if !zm.Valid {
		return true
	}
	if rng.Low.Set && zm.Max.I64 < rng.Low.Value {
		return false
	}
	if rng.High.Set && zm.Min.I64 >= rng.High.Value {
		return false
	}
	return true
}

// GetNext fills out with surviving rows. It decodes one page at a
// time; rows that do not fit in out stay buffered for the next call.
func (s *TabletScanner) GetNext(ctx context.Context, out *chunk.Chunk) (bool, error) {
	for {
		if s.drainPending(out) {
			return false, nil
		}

		if s.segIdx >= len(s.segs) {
			return true, nil
		}

		if err := ctx.Err(); err != nil {
			return false, err
		}

		seg := s.segs[s.segIdx]
		if s.pageIdx >= seg.numPages() {
			s.segIdx++
			s.pageIdx = 0
			continue
		}

		if s.prunePage(seg, s.pageIdx) {
			s.cfg.Counters.PagesPrunedZoneMap.Add(1)
			s.pageIdx++
			continue
		}

		if err := s.materializePage(ctx, seg, s.pageIdx); err != nil {
			return false, err
		}
		s.pageIdx++
	}
}

// drainPending copies buffered selected rows into out. It reports
// whether out is full while rows remain buffered.
func (s *TabletScanner) drainPending(out *chunk.Chunk) bool {
	remaining := len(s.pending) - s.pendingPos
	if remaining == 0 {
		return false
	}

	space := out.Capacity() - out.NumRows()
	n := min(remaining, space)
	if n > 0 {
		sel := make([]int, n)
		for i := 0; i < n; i++ {
			sel[i] = int(s.pending[s.pendingPos+i])
		}
		out.AppendSelected(s.scratch, sel)
		s.cfg.Counters.RowsReturned.Add(int64(n))
		s.pendingPos += n
	}
	return s.pendingPos < len(s.pending)
}

// prunePage checks per-page zone maps for the key range and every
// predicate column.
func (s *TabletScanner) prunePage(seg *Segment, page int) bool {
	keyIdx := s.cfg.Schema.KeyIndex()
	if !rangeOverlapsZone(s.rng, seg.pageZone(keyIdx, page)) {
		return true
	}
	for i, f := range s.cfg.Schema.Fields() {
		if !s.ev.MatchesZoneMap(f.Name, seg.pageZone(i, page)) {
			return true
		}
	}
	return false
}

// materializePage decodes one page into the scratch chunk and selects
// the rows that survive deletes, the key range and the predicates.
func (s *TabletScanner) materializePage(ctx context.Context, seg *Segment, page int) error {
	rows := seg.footer.Columns[seg.colIdx[0]].Pages[page].Rows

	if s.scratch == nil || s.scratch.Capacity() < rows {
		s.scratch = chunk.New(s.cfg.Schema, seg.pageRows())
	}
	s.scratch.Reset()

	for i := range s.cfg.Schema.Fields() {
		raw, err := seg.readPage(ctx, i, page)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return scan.NewReadError(s.rng, err)
		}
		if err := seg.appendPage(i, raw, rows, s.scratch.Column(i)); err != nil {
			return scan.NewReadError(s.rng, err)
		}
	}
	s.scratch.CommitRows(rows)
	s.cfg.Counters.RawRowsRead.Add(int64(rows))

	sel := bitset.New(uint(rows))
	sel.FlipRange(0, uint(rows))

	pageStart := uint32(page * seg.pageRows())
	keys := s.scratch.Column(s.cfg.Schema.KeyIndex()).Int64s()
	for i := 0; i < rows; i++ {
		if seg.deleted(pageStart+uint32(i)) || !s.rng.Contains(keys[i]) {
			sel.Clear(uint(i))
		}
	}

	s.ev.FilterChunk(s.scratch, sel)

	s.pending = s.pending[:0]
	for i, ok := sel.NextSet(0); ok; i, ok = sel.NextSet(i + 1) {
		s.pending = append(s.pending, i)
	}
	s.pendingPos = 0
	return nil
}

// Close releases all open segments. Idempotent.
func (s *TabletScanner) Close() error {
	s.closeOnce.Do(func() {
		for _, seg := range s.segs {
			if err := seg.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
		s.segs = nil
	})
	return s.closeErr
}
