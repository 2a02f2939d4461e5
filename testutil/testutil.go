// Package testutil provides helpers for building in-memory tablets in
// tests and benchmarks. It is not intended for production use.
package testutil

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/hupe1980/tabletscan/blobstore"
	"github.com/hupe1980/tabletscan/catalog"
	"github.com/hupe1980/tabletscan/chunk"
	"github.com/hupe1980/tabletscan/model"
	"github.com/hupe1980/tabletscan/tablet"
)

// TestSchema returns the four-column schema used across the test
// suite: id (key), score, tag, active.
func TestSchema() *chunk.Schema {
	return chunk.MustSchema(
		chunk.Field{Name: "id", Type: chunk.TypeInt64},
		chunk.Field{Name: "score", Type: chunk.TypeFloat64},
		chunk.Field{Name: "tag", Type: chunk.TypeString},
		chunk.Field{Name: "active", Type: chunk.TypeBool},
	)
}

// Row is one row of the test schema.
type Row struct {
	ID     int64
	Score  float64
	Tag    string
	Active bool
}

// Rows generates n deterministic rows with keys [start, start+n).
func Rows(start int64, n int) []Row {
	rng := rand.New(rand.NewSource(start + int64(n)))
	tags := []string{"alpha", "beta", "gamma", "delta"}

	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{
			ID:     start + int64(i),
			Score:  rng.Float64() * 100,
			Tag:    tags[rng.Intn(len(tags))],
			Active: rng.Intn(2) == 0,
		}
	}
	return rows
}

// TabletSpec describes one segment of a tablet to publish.
type TabletSpec struct {
	Segment model.SegmentID
	Rows    []Row
	Deleted []model.RowID
}

// PublishTablet writes the segments into the store and publishes the
// snapshot in the catalog. Returns the blob names written.
func PublishTablet(ctx context.Context, store blobstore.BlobStore, cat catalog.Catalog, id model.TabletID, version model.Version, opts tablet.WriterOptions, specs ...TabletSpec) ([]string, error) {
	schema := TestSchema()
	snap := &catalog.Snapshot{Tablet: id, Version: version}

	var blobs []string
	for _, spec := range specs {
		w := tablet.NewSegmentWriter(store, schema, spec.Segment, opts)

		c := chunk.New(schema, len(spec.Rows))
		for _, r := range spec.Rows {
			c.AppendRow(r.ID, r.Score, r.Tag, r.Active)
		}
		w.Append(c)
		for _, d := range spec.Deleted {
			w.Delete(d)
		}

		name := fmt.Sprintf("tablets/%d/seg-%d.dat", id, spec.Segment)
		ref, err := w.Flush(ctx, name)
		if err != nil {
			return nil, err
		}
		snap.Segments = append(snap.Segments, ref)
		blobs = append(blobs, name)
	}

	if err := cat.Publish(ctx, snap); err != nil {
		return nil, err
	}
	return blobs, nil
}

// MustPublishTablet is PublishTablet that panics on error, for test
// setup code.
func MustPublishTablet(ctx context.Context, store blobstore.BlobStore, cat catalog.Catalog, id model.TabletID, version model.Version, opts tablet.WriterOptions, specs ...TabletSpec) []string {
	blobs, err := PublishTablet(ctx, store, cat, id, version, opts, specs...)
	if err != nil {
		panic(err)
	}
	return blobs
}
