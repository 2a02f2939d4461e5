package tablet

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/hupe1980/tabletscan/blobstore"
	"github.com/hupe1980/tabletscan/catalog"
	"github.com/hupe1980/tabletscan/chunk"
	"github.com/hupe1980/tabletscan/codec"
	"github.com/hupe1980/tabletscan/model"
	"github.com/hupe1980/tabletscan/predicate"
)

// WriterOptions configures segment encoding.
type WriterOptions struct {
	// Compression selects the page codec. Default LZ4.
	Compression Compression
	// PageRows is the rows per column page. Default DefaultPageRows.
	PageRows int
	// BloomFPRate is the key bloom false-positive rate. Default
	// DefaultBloomFPRate.
	BloomFPRate float64
	// Codec encodes the footer. Default JSON.
	Codec codec.Codec
}

func (o *WriterOptions) applyDefaults() {
	if o.Compression == 0 {
		o.Compression = CompressionLZ4
	}
	if o.PageRows <= 0 {
		o.PageRows = DefaultPageRows
	}
	if o.BloomFPRate <= 0 {
		o.BloomFPRate = DefaultBloomFPRate
	}
	if o.Codec == nil {
		o.Codec = codec.Default
	}
}

// SegmentWriter accumulates rows and flushes them as one segment blob.
// Rows are buffered in memory; segments are bounded by the ingestion
// layer, not by the writer.
type SegmentWriter struct {
	store  blobstore.BlobStore
	schema *chunk.Schema
	id     model.SegmentID
	opts   WriterOptions

	cols    []colBuilder
	rows    int64
	deletes *roaring.Bitmap
}

type colBuilder struct {
	typ   chunk.FieldType
	i64   []int64
	f64   []float64
	bools []bool

	// string columns are dictionary encoded
	dict     []string
	dictIdx  map[string]uint32
	strCodes []uint32
}

// NewSegmentWriter creates a writer for one segment of the schema.
func NewSegmentWriter(store blobstore.BlobStore, schema *chunk.Schema, id model.SegmentID, opts WriterOptions) *SegmentWriter {
	opts.applyDefaults()

	cols := make([]colBuilder, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = colBuilder{typ: f.Type}
		if f.Type == chunk.TypeString {
			cols[i].dictIdx = make(map[string]uint32)
		}
	}

	return &SegmentWriter{
		store:   store,
		schema:  schema,
		id:      id,
		opts:    opts,
		cols:    cols,
		deletes: roaring.New(),
	}
}

// Append buffers all rows of the chunk.
func (w *SegmentWriter) Append(c *chunk.Chunk) {
	for i := range w.cols {
		cb := &w.cols[i]
		col := c.Column(i)
		switch cb.typ {
		case chunk.TypeInt64:
			cb.i64 = append(cb.i64, col.Int64s()[:c.NumRows()]...)
		case chunk.TypeFloat64:
			cb.f64 = append(cb.f64, col.Float64s()[:c.NumRows()]...)
		case chunk.TypeBool:
			cb.bools = append(cb.bools, col.Bools()[:c.NumRows()]...)
		case chunk.TypeString:
			for _, s := range col.Strings()[:c.NumRows()] {
				code, ok := cb.dictIdx[s]
				if !ok {
					code = uint32(len(cb.dict))
					cb.dictIdx[s] = code
					cb.dict = append(cb.dict, s)
				}
				cb.strCodes = append(cb.strCodes, code)
			}
		}
	}
	w.rows += int64(c.NumRows())
}

// Delete marks a buffered row as deleted. The row still occupies its
// position in the pages; readers drop it via the delete vector.
func (w *SegmentWriter) Delete(row model.RowID) {
	w.deletes.Add(uint32(row))
}

// NumRows returns the buffered row count.
func (w *SegmentWriter) NumRows() int64 { return w.rows }

// Flush encodes the buffered rows into the named blob and returns the
// segment reference to publish.
func (w *SegmentWriter) Flush(ctx context.Context, name string) (catalog.SegmentRef, error) {
	keyBloom := bloom.NewWithEstimates(uint(max(w.rows, 1)), w.opts.BloomFPRate)
	var keyBuf [8]byte
	for _, k := range w.cols[w.schema.KeyIndex()].i64 {
		binary.LittleEndian.PutUint64(keyBuf[:], uint64(k))
		keyBloom.Add(keyBuf[:])
	}
	bloomBytes, err := keyBloom.MarshalBinary()
	if err != nil {
		return catalog.SegmentRef{}, fmt.Errorf("encode key bloom: %w", err)
	}

	var deleteBytes []byte
	if !w.deletes.IsEmpty() {
		deleteBytes, err = w.deletes.ToBytes()
		if err != nil {
			return catalog.SegmentRef{}, fmt.Errorf("encode delete vector: %w", err)
		}
	}

	blob, err := w.store.Create(ctx, name)
	if err != nil {
		return catalog.SegmentRef{}, err
	}

	footer := &segmentFooter{
		Segment:     w.id,
		Rows:        w.rows,
		PageRows:    w.opts.PageRows,
		Compression: w.opts.Compression,
		Bloom:       bloomBytes,
		Deletes:     deleteBytes,
		Codec:       w.opts.Codec.Name(),
	}

	var offset int64
	for i := range w.cols {
		cm, n, err := w.writeColumn(blob, &w.cols[i], w.schema.Field(i).Name, offset)
		if err != nil {
			_ = blob.Close()
			return catalog.SegmentRef{}, err
		}
		offset += n
		footer.Columns = append(footer.Columns, cm)
	}

	footerBytes, err := w.opts.Codec.Marshal(footer)
	if err != nil {
		_ = blob.Close()
		return catalog.SegmentRef{}, fmt.Errorf("encode segment footer: %w", err)
	}
	if _, err := blob.Write(footerBytes); err != nil {
		_ = blob.Close()
		return catalog.SegmentRef{}, err
	}
	if _, err := blob.Write(encodeTrailer(len(footerBytes))); err != nil {
		_ = blob.Close()
		return catalog.SegmentRef{}, err
	}
	if err := blob.Close(); err != nil {
		return catalog.SegmentRef{}, err
	}

	return catalog.SegmentRef{ID: w.id, Blob: name, Rows: w.rows}, nil
}

// writeColumn encodes one column page by page and returns its metadata
// and the bytes written.
func (w *SegmentWriter) writeColumn(blob blobstore.WritableBlob, cb *colBuilder, name string, base int64) (columnMeta, int64, error) {
	cm := columnMeta{Name: name, Type: cb.typ, Dict: cb.dict}

	var written int64
	pageRows := w.opts.PageRows
	for start := int64(0); start < w.rows; start += int64(pageRows) {
		end := start + int64(pageRows)
		if end > w.rows {
			end = w.rows
		}

		raw, zm := encodePage(cb, int(start), int(end))
		stored, err := compressPage(raw, w.opts.Compression)
		if err != nil {
			return columnMeta{}, 0, fmt.Errorf("compress page of column %s: %w", name, err)
		}
		if _, err := blob.Write(stored); err != nil {
			return columnMeta{}, 0, err
		}

		cm.Pages = append(cm.Pages, pageMeta{
			Offset:  base + written,
			Size:    int64(len(stored)),
			Rows:    int(end - start),
			ZoneMap: zm,
		})
		if zm.Valid {
			cm.ZoneMap.Extend(zm.Min)
			cm.ZoneMap.Extend(zm.Max)
		}
		written += int64(len(stored))
	}

	return cm, written, nil
}

// encodePage serializes rows [start, end) of a column and computes the
// page zone map. String pages store dictionary codes; their zone map
// ranges over the decoded strings.
func encodePage(cb *colBuilder, start, end int) ([]byte, predicate.ZoneMap) {
	var zm predicate.ZoneMap

	switch cb.typ {
	case chunk.TypeInt64:
		raw := make([]byte, 8*(end-start))
		for i, v := range cb.i64[start:end] {
			binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
			zm.Extend(predicate.Int64(v))
		}
		return raw, zm
	case chunk.TypeFloat64:
		raw := make([]byte, 8*(end-start))
		for i, v := range cb.f64[start:end] {
			binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
			zm.Extend(predicate.Float64(v))
		}
		return raw, zm
	case chunk.TypeBool:
		raw := make([]byte, end-start)
		for i, v := range cb.bools[start:end] {
			if v {
				raw[i] = 1
			}
			zm.Extend(predicate.Bool(v))
		}
		return raw, zm
	case chunk.TypeString:
		raw := make([]byte, 4*(end-start))
		for i, code := range cb.strCodes[start:end] {
			binary.LittleEndian.PutUint32(raw[4*i:], code)
			zm.Extend(predicate.String(cb.dict[code]))
		}
		return raw, zm
	}
	return nil, zm
}
