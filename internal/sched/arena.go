package sched

import (
	"sync/atomic"

	"github.com/hupe1980/tabletscan/model"
	"github.com/hupe1980/tabletscan/scan"
)

// Handle is a stable index into the scanner arena. Worker-pool tasks
// capture handles, never scanner pointers, so a task that outlives the
// scan cannot dereference a freed scanner.
type Handle uint32

// slot holds one scanner and its lifecycle flags. The scheduler owns
// the slot; at most one run-unit touches it at a time.
type slot struct {
	scanner scan.Scanner
	rng     model.ScanRange

	// opened is touched only by the single run-unit executing this
	// scanner; GetNext calls are strictly sequential.
	opened bool

	// closed guards the idempotent Close. Written by whichever path
	// retires the scanner first (run-unit, pending drain or teardown
	// sweep).
	closed atomic.Bool
}

// arena is a fixed set of scanner slots created once at scan start.
// Slots are never reallocated, so slot pointers stay valid for the
// scan's lifetime.
type arena struct {
	slots []slot
}

func newArena(n int) *arena {
	return &arena{slots: make([]slot, 0, n)}
}

func (a *arena) add(sc scan.Scanner, rng model.ScanRange) Handle {
	a.slots = append(a.slots, slot{scanner: sc, rng: rng})
	return Handle(len(a.slots) - 1)
}

func (a *arena) slot(h Handle) *slot {
	return &a.slots[h]
}

func (a *arena) len() int {
	return len(a.slots)
}

// close closes the slot's scanner exactly once. It reports whether
// this call performed the close.
func (s *slot) close() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	_ = s.scanner.Close()
	return true
}
