package sched

import (
	"errors"
	"sync/atomic"

	"github.com/hupe1980/tabletscan/scan"
)

// scanStatus is the single latched error value for a whole scan.
// The first successful compare-and-set wins; later errors are dropped.
// atomic.Pointer gives the acquire/release ordering the admission
// paths rely on: once a failure is visible, no thread observes stale
// OK and submits new work.
type scanStatus struct {
	p atomic.Pointer[statusRecord]
}

type statusRecord struct {
	err       error
	cancelled bool
}

// set latches err. It reports whether this call won the latch.
func (s *scanStatus) set(err error, cancelled bool) bool {
	if err == nil {
		return false
	}
	return s.p.CompareAndSwap(nil, &statusRecord{err: err, cancelled: cancelled})
}

// get returns the latched error, or nil while the scan is OK.
func (s *scanStatus) get() error {
	if r := s.p.Load(); r != nil {
		return r.err
	}
	return nil
}

// cancelled reports whether the latch carries a cancellation rather
// than a failure.
func (s *scanStatus) isCancelled() bool {
	if r := s.p.Load(); r != nil {
		return r.cancelled || errors.Is(r.err, scan.ErrCancelled)
	}
	return false
}
