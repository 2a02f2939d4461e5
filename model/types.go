package model

import "fmt"

// TabletID identifies a horizontal shard of a table.
type TabletID uint64

// Version is a published tablet version. A scan always reads the
// segment set that was visible at one version.
type Version uint64

// SegmentID is the unique identifier for a segment within a tablet.
type SegmentID uint64

// RowID is a dense, segment-local identifier for a row.
type RowID uint32

// KeyBound is an optional bound on the key column of a scan range.
// The zero value means unbounded.
type KeyBound struct {
	Value int64
	Set   bool
}

// Bound returns a set KeyBound for v.
func Bound(v int64) KeyBound {
	return KeyBound{Value: v, Set: true}
}

// ScanRange identifies one contiguous unit of storage work: a tablet
// at a fixed version, optionally restricted to a key range.
//
// A ScanRange is immutable once created. It is owned by the scan node
// and read by exactly one scanner.
type ScanRange struct {
	Tablet  TabletID
	Version Version

	// Low is inclusive, High is exclusive. Unset bounds mean the range
	// is unbounded in that direction.
	Low  KeyBound
	High KeyBound
}

// String returns a string representation of the ScanRange.
func (r ScanRange) String() string {
	low, high := "-inf", "+inf"
	if r.Low.Set {
		low = fmt.Sprintf("%d", r.Low.Value)
	}
	if r.High.Set {
		high = fmt.Sprintf("%d", r.High.Value)
	}
	return fmt.Sprintf("ScanRange(tablet=%d v=%d keys=[%s,%s))", r.Tablet, r.Version, low, high)
}

// Contains reports whether key falls inside the range's key bounds.
func (r ScanRange) Contains(key int64) bool {
	if r.Low.Set && key < r.Low.Value {
		return false
	}
	if r.High.Set && key >= r.High.Value {
		return false
	}
	return true
}
