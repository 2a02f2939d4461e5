package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hupe1980/tabletscan/blobstore"
	"github.com/hupe1980/tabletscan/codec"
	"github.com/hupe1980/tabletscan/model"
)

// FileCatalog persists snapshots as one blob per version:
//
//	tablets/<tablet>/v<version>.json
//
// It works on any BlobStore. Publish relies on the store's atomic
// Create-then-Close visibility, which is enough for a single writer
// per tablet; multi-writer deployments should use DynamoCatalog.
type FileCatalog struct {
	store blobstore.BlobStore
	codec codec.Codec
}

// NewFileCatalog creates a catalog on top of a blob store. A nil codec
// falls back to JSON.
func NewFileCatalog(store blobstore.BlobStore, c codec.Codec) *FileCatalog {
	if c == nil {
		c = codec.Default
	}
	return &FileCatalog{store: store, codec: c}
}

func snapshotBlob(tablet model.TabletID, version model.Version) string {
	return fmt.Sprintf("tablets/%d/v%d.json", tablet, version)
}

// Resolve reads and decodes the snapshot blob for the version.
func (c *FileCatalog) Resolve(ctx context.Context, tablet model.TabletID, version model.Version) (*Snapshot, error) {
	blob, err := c.store.Open(ctx, snapshotBlob(tablet, version))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrVersionNotFound
		}
		return nil, err
	}
	defer func() { _ = blob.Close() }()

	rc, err := blob.ReadRange(ctx, 0, blob.Size())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := c.codec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("catalog: decode snapshot: %w", err)
	}
	return &snap, nil
}

// Publish encodes and writes the snapshot blob.
func (c *FileCatalog) Publish(ctx context.Context, snap *Snapshot) error {
	name := snapshotBlob(snap.Tablet, snap.Version)

	if _, err := c.store.Open(ctx, name); err == nil {
		return ErrVersionExists
	} else if !errors.Is(err, blobstore.ErrNotFound) {
		return err
	}

	data, err := c.codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("catalog: encode snapshot: %w", err)
	}

	w, err := c.store.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Latest scans the version blobs of a tablet for the highest version.
func (c *FileCatalog) Latest(ctx context.Context, tablet model.TabletID) (model.Version, error) {
	prefix := fmt.Sprintf("tablets/%d/", tablet)
	names, err := c.store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	var latest model.Version
	found := false
	for _, name := range names {
		rest := strings.TrimPrefix(name, prefix)
		rest = strings.TrimSuffix(rest, ".json")
		if !strings.HasPrefix(rest, "v") {
			continue
		}
		v, err := strconv.ParseUint(rest[1:], 10, 64)
		if err != nil {
			continue
		}
		if !found || model.Version(v) > latest {
			latest = model.Version(v)
			found = true
		}
	}
	if !found {
		return 0, ErrVersionNotFound
	}
	return latest, nil
}
