// Package catalog resolves tablet versions to segment sets.
//
// A published tablet version is immutable: once Publish succeeds for a
// (tablet, version) pair, every Resolve of that pair returns the same
// segment set forever. Scans pin a version up front and are therefore
// isolated from concurrent publishes.
package catalog

import (
	"context"
	"errors"

	"github.com/hupe1980/tabletscan/model"
)

var (
	// ErrVersionNotFound is returned when a (tablet, version) pair has
	// not been published.
	ErrVersionNotFound = errors.New("catalog: version not found")

	// ErrVersionExists is returned when publishing a version that was
	// already committed by another writer.
	ErrVersionExists = errors.New("catalog: version already exists")
)

// SegmentRef points at one immutable segment blob of a snapshot.
type SegmentRef struct {
	ID   model.SegmentID `json:"id"`
	Blob string          `json:"blob"`
	Rows int64           `json:"rows"`
}

// Snapshot is the segment set visible at one tablet version.
type Snapshot struct {
	Tablet   model.TabletID  `json:"tablet"`
	Version  model.Version   `json:"version"`
	Segments []SegmentRef    `json:"segments"`
}

// Catalog provides versioned visibility over tablet segments.
type Catalog interface {
	// Resolve returns the snapshot published at the given version.
	Resolve(ctx context.Context, tablet model.TabletID, version model.Version) (*Snapshot, error)

	// Publish commits a snapshot. Publishing an existing version fails
	// with ErrVersionExists; the first writer wins.
	Publish(ctx context.Context, snap *Snapshot) error

	// Latest returns the highest published version of a tablet, or
	// ErrVersionNotFound if none has been published.
	Latest(ctx context.Context, tablet model.TabletID) (model.Version, error)
}
