// Package tablet implements the on-disk segment format and the storage
// scanner that reads it.
//
// A segment is one immutable blob:
//
//	[column 0 pages][column 1 pages]...[footer][footerLen uint32][magic]
//
// Columns are stored page by page, pageRows rows per page, each page
// individually compressed. The footer carries the page index, per-page
// and per-column zone maps, string dictionaries, a bloom filter over
// the key column and the roaring delete vector. Readers fetch the
// trailer, then the footer, then only the pages that survive pruning.
package tablet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/tabletscan/chunk"
	"github.com/hupe1980/tabletscan/codec"
	"github.com/hupe1980/tabletscan/model"
	"github.com/hupe1980/tabletscan/predicate"
)

const (
	segmentMagic = "TSEG"
	trailerSize  = 4 + len(segmentMagic)

	// DefaultPageRows is the number of rows per column page.
	DefaultPageRows = 4096

	// DefaultBloomFPRate is the false-positive rate of the key bloom.
	DefaultBloomFPRate = 0.01
)

// pageMeta locates one stored page and carries its zone map.
type pageMeta struct {
	Offset  int64             `json:"offset"`
	Size    int64             `json:"size"`
	Rows    int               `json:"rows"`
	ZoneMap predicate.ZoneMap `json:"zone_map"`
}

// columnMeta indexes the pages of one column.
type columnMeta struct {
	Name    string            `json:"name"`
	Type    chunk.FieldType   `json:"type"`
	Dict    []string          `json:"dict,omitempty"`
	Pages   []pageMeta        `json:"pages"`
	ZoneMap predicate.ZoneMap `json:"zone_map"`
}

// segmentFooter is the decoded footer of a segment blob.
type segmentFooter struct {
	Segment     model.SegmentID `json:"segment"`
	Rows        int64           `json:"rows"`
	PageRows    int             `json:"page_rows"`
	Compression Compression     `json:"compression"`
	Columns     []columnMeta    `json:"columns"`
	Bloom       []byte          `json:"bloom,omitempty"`
	Deletes     []byte          `json:"deletes,omitempty"`
	Codec       string          `json:"codec"`
}

// encodeTrailer appends [footerLen][magic] after the footer bytes.
func encodeTrailer(footerLen int) []byte {
	out := make([]byte, trailerSize)
	binary.LittleEndian.PutUint32(out[0:], uint32(footerLen))
	copy(out[4:], segmentMagic)
	return out
}

// decodeTrailer validates the trailer and returns the footer length.
func decodeTrailer(trailer []byte) (int, error) {
	if len(trailer) != trailerSize {
		return 0, errors.New("segment trailer truncated")
	}
	if string(trailer[4:]) != segmentMagic {
		return 0, fmt.Errorf("bad segment magic %q", trailer[4:])
	}
	return int(binary.LittleEndian.Uint32(trailer[0:])), nil
}

func decodeFooter(data []byte) (*segmentFooter, error) {
	// The codec name lives inside the footer it encoded, so a peek
	// with the default codec resolves it. All built-in codecs are
	// self-describing JSON for exactly this reason.
	var f segmentFooter
	if err := codec.Default.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode segment footer: %w", err)
	}
	if f.Codec != "" && f.Codec != codec.Default.Name() {
		c, ok := codec.ByName(f.Codec)
		if !ok {
			return nil, fmt.Errorf("unknown footer codec %q", f.Codec)
		}
		f = segmentFooter{}
		if err := c.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode segment footer: %w", err)
		}
	}
	if f.PageRows <= 0 {
		return nil, errors.New("segment footer missing page size")
	}
	return &f, nil
}
