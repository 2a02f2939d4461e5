package catalog

import (
	"context"
	"sync"

	"github.com/hupe1980/tabletscan/model"
)

// MemoryCatalog is an in-process Catalog for tests and embedded use.
// Safe for concurrent use.
type MemoryCatalog struct {
	mu    sync.RWMutex
	snaps map[snapKey]*Snapshot
}

type snapKey struct {
	tablet  model.TabletID
	version model.Version
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{snaps: make(map[snapKey]*Snapshot)}
}

// Resolve returns the snapshot published at the given version.
func (c *MemoryCatalog) Resolve(_ context.Context, tablet model.TabletID, version model.Version) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.snaps[snapKey{tablet, version}]
	if !ok {
		return nil, ErrVersionNotFound
	}
	return cloneSnapshot(snap), nil
}

// Publish commits a snapshot; the first writer of a version wins.
func (c *MemoryCatalog) Publish(_ context.Context, snap *Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := snapKey{snap.Tablet, snap.Version}
	if _, ok := c.snaps[key]; ok {
		return ErrVersionExists
	}
	c.snaps[key] = cloneSnapshot(snap)
	return nil
}

// Latest returns the highest published version of a tablet.
func (c *MemoryCatalog) Latest(_ context.Context, tablet model.TabletID) (model.Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var latest model.Version
	found := false
	for key := range c.snaps {
		if key.tablet == tablet && (!found || key.version > latest) {
			latest = key.version
			found = true
		}
	}
	if !found {
		return 0, ErrVersionNotFound
	}
	return latest, nil
}

func cloneSnapshot(snap *Snapshot) *Snapshot {
	out := &Snapshot{
		Tablet:   snap.Tablet,
		Version:  snap.Version,
		Segments: make([]SegmentRef, len(snap.Segments)),
	}
	copy(out.Segments, snap.Segments)
	return out
}
