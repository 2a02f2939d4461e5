package tablet

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/hupe1980/tabletscan/blobstore"
	"github.com/hupe1980/tabletscan/chunk"
	"github.com/hupe1980/tabletscan/cache"
	"github.com/hupe1980/tabletscan/model"
	"github.com/hupe1980/tabletscan/predicate"
	"github.com/hupe1980/tabletscan/scan"
)

// IOLimiter throttles storage reads. *resource.Controller satisfies it.
type IOLimiter interface {
	AcquireIO(ctx context.Context, bytes int) error
}

// SegmentOptions carries the shared infrastructure a segment reader
// plugs into. All fields are optional.
type SegmentOptions struct {
	Cache    cache.PageCache
	Counters *scan.Counters
	IO       IOLimiter
}

// Segment is an open reader over one immutable segment blob.
// Safe for use by one scanner at a time.
type Segment struct {
	blob   blobstore.Blob
	name   string
	footer *segmentFooter
	schema *chunk.Schema

	// colIdx maps schema field index to footer column index.
	colIdx []int

	keyBloom *bloom.BloomFilter
	deletes  *roaring.Bitmap

	cache    cache.PageCache
	counters *scan.Counters
	io       IOLimiter
}

// OpenSegment opens the named blob and loads its footer, bloom filter
// and delete vector. Pages are read lazily.
func OpenSegment(ctx context.Context, store blobstore.BlobStore, name string, schema *chunk.Schema, opts SegmentOptions) (*Segment, error) {
	counters := opts.Counters
	if counters == nil {
		counters = &scan.Counters{}
	}

	blob, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	seg, err := loadSegment(ctx, blob, schema, opts, counters)
	if err != nil {
		_ = blob.Close()
		return nil, err
	}
	seg.name = name

	counters.SegmentsOpened.Add(1)
	return seg, nil
}

func loadSegment(ctx context.Context, blob blobstore.Blob, schema *chunk.Schema, opts SegmentOptions, counters *scan.Counters) (*Segment, error) {
	size := blob.Size()
	if size < int64(trailerSize) {
		return nil, fmt.Errorf("segment blob too small (%d bytes)", size)
	}

	trailer := make([]byte, trailerSize)
	if err := readFull(ctx, blob, opts.IO, trailer, size-int64(trailerSize)); err != nil {
		return nil, fmt.Errorf("read segment trailer: %w", err)
	}
	counters.BytesRead.Add(int64(trailerSize))

	footerLen, err := decodeTrailer(trailer)
	if err != nil {
		return nil, err
	}
	if int64(footerLen) > size-int64(trailerSize) {
		return nil, fmt.Errorf("segment footer length %d exceeds blob", footerLen)
	}

	footerBytes := make([]byte, footerLen)
	if err := readFull(ctx, blob, opts.IO, footerBytes, size-int64(trailerSize)-int64(footerLen)); err != nil {
		return nil, fmt.Errorf("read segment footer: %w", err)
	}
	counters.BytesRead.Add(int64(footerLen))

	footer, err := decodeFooter(footerBytes)
	if err != nil {
		return nil, err
	}

	colIdx := make([]int, schema.NumFields())
	for i, f := range schema.Fields() {
		found := -1
		for j := range footer.Columns {
			if footer.Columns[j].Name == f.Name {
				found = j
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("segment is missing column %q", f.Name)
		}
		if footer.Columns[found].Type != f.Type {
			return nil, fmt.Errorf("column %q has type %s, schema wants %s", f.Name, footer.Columns[found].Type, f.Type)
		}
		colIdx[i] = found
	}

	seg := &Segment{
		blob:     blob,
		footer:   footer,
		schema:   schema,
		colIdx:   colIdx,
		cache:    opts.Cache,
		counters: counters,
		io:       opts.IO,
	}

	if len(footer.Bloom) > 0 {
		seg.keyBloom = &bloom.BloomFilter{}
		if err := seg.keyBloom.UnmarshalBinary(footer.Bloom); err != nil {
			return nil, fmt.Errorf("decode key bloom: %w", err)
		}
	}
	if len(footer.Deletes) > 0 {
		seg.deletes = roaring.New()
		if _, err := seg.deletes.FromBuffer(bytes.Clone(footer.Deletes)); err != nil {
			return nil, fmt.Errorf("decode delete vector: %w", err)
		}
	}

	return seg, nil
}

func readFull(ctx context.Context, blob blobstore.Blob, io IOLimiter, p []byte, off int64) error {
	if io != nil {
		if err := io.AcquireIO(ctx, len(p)); err != nil {
			return err
		}
	}
	n, err := blob.ReadAt(ctx, p, off)
	if n == len(p) {
		return nil
	}
	return err
}

// ID returns the segment's identifier.
func (s *Segment) ID() model.SegmentID { return s.footer.Segment }

// NumRows returns the stored row count, deleted rows included.
func (s *Segment) NumRows() int64 { return s.footer.Rows }

// Close releases the underlying blob.
func (s *Segment) Close() error { return s.blob.Close() }

func (s *Segment) numPages() int {
	return len(s.footer.Columns[s.colIdx[s.schema.KeyIndex()]].Pages)
}

func (s *Segment) pageRows() int { return s.footer.PageRows }

// deleted reports whether the segment-local row is marked deleted.
func (s *Segment) deleted(row uint32) bool {
	return s.deletes != nil && s.deletes.Contains(row)
}

// mayContainKey probes the key bloom for an exact key. Segments
// without a bloom always report true.
func (s *Segment) mayContainKey(key int64) bool {
	if s.keyBloom == nil {
		return true
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	return s.keyBloom.Test(buf[:])
}

// keyZone returns the segment-level zone map of the key column.
func (s *Segment) keyZone() predicate.ZoneMap {
	return s.footer.Columns[s.colIdx[s.schema.KeyIndex()]].ZoneMap
}

// columnZone returns the segment-level zone map of a schema field.
func (s *Segment) columnZone(field int) predicate.ZoneMap {
	return s.footer.Columns[s.colIdx[field]].ZoneMap
}

// columnDict returns the string dictionary of a schema field, nil for
// non-string columns.
func (s *Segment) columnDict(field int) []string {
	return s.footer.Columns[s.colIdx[field]].Dict
}

// pageZone returns the zone map of one page of a schema field.
func (s *Segment) pageZone(field, page int) predicate.ZoneMap {
	return s.footer.Columns[s.colIdx[field]].Pages[page].ZoneMap
}

// readPage returns the raw (decompressed) bytes of one page, serving
// them from the shared page cache when possible.
func (s *Segment) readPage(ctx context.Context, field, page int) ([]byte, error) {
	col := s.colIdx[field]
	key := cache.PageKey{Blob: s.name, Column: col, Page: page}

	if s.cache != nil {
		if raw, ok := s.cache.Get(key); ok {
			return raw, nil
		}
	}

	meta := s.footer.Columns[col].Pages[page]
	stored := make([]byte, meta.Size)
	if err := readFull(ctx, s.blob, s.io, stored, meta.Offset); err != nil {
		return nil, fmt.Errorf("read page %d of column %q: %w", page, s.footer.Columns[col].Name, err)
	}
	s.counters.BytesRead.Add(meta.Size)

	raw, err := decompressPage(stored, s.footer.Compression)
	if err != nil {
		return nil, fmt.Errorf("decompress page %d of column %q: %w", page, s.footer.Columns[col].Name, err)
	}
	s.counters.BytesUncompressed.Add(int64(len(raw)))

	if s.cache != nil {
		s.cache.Set(key, raw)
	}
	return raw, nil
}

// appendPage decodes the raw bytes of one page into the chunk column.
func (s *Segment) appendPage(field int, raw []byte, rows int, out *chunk.Column) error {
	cm := &s.footer.Columns[s.colIdx[field]]

	switch cm.Type {
	case chunk.TypeInt64:
		if len(raw) < 8*rows {
			return fmt.Errorf("short int64 page for column %q", cm.Name)
		}
		for i := 0; i < rows; i++ {
			out.AppendInt64(int64(binary.LittleEndian.Uint64(raw[8*i:])))
		}
	case chunk.TypeFloat64:
		if len(raw) < 8*rows {
			return fmt.Errorf("short float64 page for column %q", cm.Name)
		}
		for i := 0; i < rows; i++ {
			out.AppendFloat64(math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:])))
		}
	case chunk.TypeBool:
		if len(raw) < rows {
			return fmt.Errorf("short bool page for column %q", cm.Name)
		}
		for i := 0; i < rows; i++ {
			out.AppendBool(raw[i] != 0)
		}
	case chunk.TypeString:
		if len(raw) < 4*rows {
			return fmt.Errorf("short string page for column %q", cm.Name)
		}
		for i := 0; i < rows; i++ {
			code := binary.LittleEndian.Uint32(raw[4*i:])
			if code >= uint32(len(cm.Dict)) {
				return fmt.Errorf("dictionary code %d out of range for column %q", code, cm.Name)
			}
			out.AppendString(cm.Dict[code])
		}
	}
	return nil
}
