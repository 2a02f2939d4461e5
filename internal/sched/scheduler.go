// Package sched implements the concurrent scan-scheduling engine: it
// turns a set of scan ranges into scanner run-units on a shared worker
// pool, bounds their concurrency through the resource controller,
// recycles buffers through a bounded chunk pool and streams completed
// chunks to the single consumer.
//
// Execution flow:
//  1. The first GetNext call seeds the chunk pool and admits an
//     initial wave of scanners to the shared worker pool.
//  2. A run-unit opens its scanner if needed, fills one chunk and
//     pushes it to the result stream.
//  3. A scanner with more data re-runs admission: it gets a fresh
//     chunk and is resubmitted, or parks on the pending queue when no
//     chunk is available.
//  4. The consumer drains the result stream; every recycled chunk
//     re-admits one pending scanner.
//
// Backpressure is entirely buffer-driven: scanners are parked, never
// blocked, and scan progress is throttled by the consumer drain rate.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/tabletscan/chunk"
	"github.com/hupe1980/tabletscan/internal/container"
	"github.com/hupe1980/tabletscan/internal/pool"
	"github.com/hupe1980/tabletscan/internal/stream"
	"github.com/hupe1980/tabletscan/model"
	"github.com/hupe1980/tabletscan/resource"
	"github.com/hupe1980/tabletscan/scan"
	"github.com/hupe1980/tabletscan/workerpool"
)

// State is the lifecycle state of a scheduler.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateCompleted
	StateCancelled
	StateFailed
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// DefaultChunksPerScanner bounds the chunk pool at
// numScanners * DefaultChunksPerScanner chunks.
const DefaultChunksPerScanner = 10

// DefaultBasePriority is the submission priority of a fresh scan.
const DefaultBasePriority = 20

// Config wires a scheduler's collaborators.
type Config struct {
	Schema     *chunk.Schema
	Factory    scan.Factory
	Pool       *workerpool.Pool
	Controller *resource.Controller
	Counters   *scan.Counters
	Logger     *slog.Logger

	ChunkCapacity    int
	ChunksPerScanner int
	BasePriority     int
}

// Scheduler coordinates all scanners of one scan node instance.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	state  atomic.Int32
	status scanStatus

	// mu serializes the acquire-or-park and release-then-unpark
	// admission sections so a chunk release can never slip between a
	// failed acquire and the park. It also covers the non-blocking
	// ceiling check, closing the same window against slot releases.
	mu        sync.Mutex
	pending   *container.Stack[Handle]
	chunkPool *pool.ChunkPool

	arena   *arena
	results *stream.ResultStream

	ranges    []model.ScanRange
	rangesSet bool

	scanCtx context.Context
	cancel  context.CancelFunc

	submitted      atomic.Int32
	runningWorkers atomic.Int32
	closedScanners atomic.Int32

	// slotWaitArmed is set while this scheduler has a wakeup registered
	// with the controller for the next scan-slot release. At most one
	// registration is outstanding at a time.
	slotWaitArmed atomic.Bool

	// inflight counts submitted run-units that have not retired.
	// A resubmitting unit registers its successor before retiring, so
	// the count only reaches zero when the scanner truly rests.
	inflight sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

// New creates an idle scheduler. Scanning starts lazily on the first
// GetNext call, so a scan that is never consumed costs nothing.
func New(cfg Config) *Scheduler {
	if cfg.ChunksPerScanner <= 0 {
		cfg.ChunksPerScanner = DefaultChunksPerScanner
	}
	if cfg.BasePriority <= 0 {
		cfg.BasePriority = DefaultBasePriority
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Counters == nil {
		cfg.Counters = &scan.Counters{}
	}
	return &Scheduler{
		cfg:     cfg,
		logger:  cfg.Logger,
		pending: container.NewStack[Handle](8),
		results: stream.New(),
	}
}

// State returns the scheduler's current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// SetScanRanges assigns the ranges to scan. It fails once scanning has
// started.
func (s *Scheduler) SetScanRanges(ranges []model.ScanRange) error {
	if s.State() != StateIdle {
		return fmt.Errorf("set scan ranges in state %s: %w", s.State(), scan.ErrClosed)
	}
	s.ranges = ranges
	s.rangesSet = true
	return nil
}

// GetNext blocks until one chunk is available or the scan finishes.
//
// It returns (c, true, nil) for data, (nil, false, nil) on clean
// exhaustion and (nil, false, err) on failure or cancellation. The
// latched error is delivered exactly once at the point where scanning
// can make no further progress; chunks produced before the failure are
// still delivered first.
func (s *Scheduler) GetNext(ctx context.Context) (*chunk.Chunk, bool, error) {
	st := s.State()
	if st == StateClosed {
		return nil, false, scan.ErrClosed
	}
	s.startOnce.Do(func() { s.start() })

	c, err := s.results.Pop(ctx)
	if err != nil {
		if s.status.get() == nil {
			// The consumer's own context expired; the scan itself is
			// still healthy and can be polled again.
			return nil, false, err
		}
		if s.status.isCancelled() {
			s.state.CompareAndSwap(int32(StateScanning), int32(StateCancelled))
		} else {
			s.state.CompareAndSwap(int32(StateScanning), int32(StateFailed))
		}
		return nil, false, err
	}
	if c == nil {
		s.state.CompareAndSwap(int32(StateScanning), int32(StateCompleted))
		return nil, false, nil
	}
	return c, true, nil
}

// Recycle returns a chunk the consumer is done with. Every recycled
// chunk re-admits one pending scanner, which is what prevents
// starvation once buffers free up. Runs on the consumer's thread and
// never blocks.
func (s *Scheduler) Recycle(c *chunk.Chunk) {
	if c == nil || s.chunkPool == nil {
		return
	}
	s.cfg.Counters.ChunksRecycled.Add(1)
	if s.State() == StateClosed {
		// Late return after teardown: drop the buffer instead of
		// reviving the drained pool.
		s.chunkPool.Release(c)
		s.chunkPool.Drain()
		return
	}
	s.returnChunk(c, true)
}

// Close cancels the scan cooperatively and releases every resource:
// pending scanners are closed synchronously, in-flight run-units
// finish their current chunk, buffered chunks are discarded.
// Idempotent and safe to call before the scan ever started.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		// Block a later lazy start. If a concurrent first GetNext
		// already won the once, this waits for start() to finish, so
		// the state read below sees whether the scan really started.
		s.startOnce.Do(func() {})
		started := s.State() != StateIdle

		if started {
			s.status.set(scan.ErrCancelled, true)
			if s.cancel != nil {
				s.cancel()
			}
			s.drainPending()
			s.inflight.Wait()
			s.results.Finish(s.status.get())
			if s.chunkPool != nil {
				for c := s.results.TryPop(); c != nil; c = s.results.TryPop() {
					s.chunkPool.Release(c)
				}
			}
			if s.arena != nil {
				for h := 0; h < s.arena.len(); h++ {
					s.finishScanner(Handle(h))
				}
			}
			if s.chunkPool != nil {
				s.chunkPool.Drain()
			}
		} else {
			s.results.Finish(scan.ErrClosed)
		}
		s.state.Store(int32(StateClosed))
		s.logger.Debug("scan closed",
			"submitted", s.submitted.Load(),
			"closed_scanners", s.closedScanners.Load(),
		)
	})
	return nil
}

// NumPending returns the number of parked scanners. Test hook.
func (s *Scheduler) NumPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// NumRunning returns the number of run-units currently on workers.
func (s *Scheduler) NumRunning() int32 {
	return s.runningWorkers.Load()
}

// start transitions Idle -> Scanning: it creates the scanners, seeds
// the chunk pool and admits the initial wave.
func (s *Scheduler) start() {
	s.state.Store(int32(StateScanning))
	s.scanCtx, s.cancel = context.WithCancel(context.Background())

	if !s.rangesSet || len(s.ranges) == 0 {
		s.results.Finish(nil)
		return
	}

	s.arena = newArena(len(s.ranges))
	for _, r := range s.ranges {
		sc, err := s.cfg.Factory(r, s.cfg.Counters)
		if err != nil {
			s.logger.Error("scanner creation failed", "range", r.String(), "error", err)
			s.status.set(err, false)
			for h := 0; h < s.arena.len(); h++ {
				s.finishScanner(Handle(h))
			}
			s.results.Finish(err)
			return
		}
		s.arena.add(sc, r)
	}

	target := s.arena.len() * s.cfg.ChunksPerScanner
	s.chunkPool = pool.New(s.cfg.Schema, s.cfg.ChunkCapacity, target, s.cfg.Controller)
	if s.chunkPool.Refill(target) == 0 {
		err := fmt.Errorf("seeding chunk pool: %w", resource.ErrMemoryLimitExceeded)
		s.status.set(err, false)
		for h := 0; h < s.arena.len(); h++ {
			s.finishScanner(Handle(h))
		}
		s.results.Finish(err)
		return
	}

	s.logger.Debug("scan started",
		"scanners", s.arena.len(),
		"chunks", s.chunkPool.Len(),
		"chunk_capacity", s.cfg.ChunkCapacity,
	)

	for h := 0; h < s.arena.len(); h++ {
		s.admit(Handle(h))
	}
}

// admit runs the admission algorithm for one scanner: acquire a chunk
// or park; respect the concurrency ceiling; submit to the worker pool.
// A worker-pool refusal is transient and re-queues the scanner as
// pending. admit never blocks.
func (s *Scheduler) admit(h Handle) {
	if s.status.get() != nil {
		s.finishScanner(h)
		return
	}

	s.mu.Lock()
	c := s.chunkPool.Acquire()
	if c == nil {
		// Opportunistic refill; a no-op once the pool bound is reached.
		if s.chunkPool.Refill(1) > 0 {
			c = s.chunkPool.Acquire()
		}
	}
	if c == nil {
		s.pending.Push(h)
		s.mu.Unlock()
		return
	}
	if !s.cfg.Controller.TryAcquireScanSlot() {
		// The ceiling may be held entirely by other scans. Arm a
		// wakeup on the next slot release anywhere in the process, or
		// this scan could park with nothing in flight to revive it.
		s.chunkPool.Release(c)
		s.pending.Push(h)
		s.mu.Unlock()
		s.awaitSlot()
		return
	}
	s.mu.Unlock()

	pri := s.computePriority()
	s.inflight.Add(1)
	if !s.cfg.Pool.TrySubmit(func() { s.runScanner(h, c) }, pri) {
		// Transient refusal: the queue is full of run-units holding
		// slots, so their releases retrigger admission.
		s.inflight.Done()
		s.cfg.Controller.ReleaseScanSlot()
		s.mu.Lock()
		s.chunkPool.Release(c)
		s.pending.Push(h)
		s.mu.Unlock()
		s.awaitSlot()
		return
	}
	s.submitted.Add(1)
}

// awaitSlot registers a one-shot wakeup for the next scan-slot release
// and then retries one admission, closing the race where the slot
// freed between the failed acquire and the registration.
func (s *Scheduler) awaitSlot() {
	if !s.slotWaitArmed.CompareAndSwap(false, true) {
		return
	}
	s.cfg.Controller.NotifyOnSlotRelease(s.slotFreed)
	s.admitOnePending()
}

// slotFreed runs on the releasing goroutine, which may belong to
// another scan. A still-refused admission re-arms via awaitSlot.
func (s *Scheduler) slotFreed() {
	s.slotWaitArmed.Store(false)
	s.admitOnePending()
}

// computePriority decreases with the number of tasks this scan has
// already submitted, so a large scan sharing the worker pool yields to
// fresher scans (soft round-robin across scan instances).
func (s *Scheduler) computePriority() int {
	p := s.cfg.BasePriority - int(s.submitted.Load())/5
	if p < 0 {
		p = 0
	}
	return p
}

// runScanner is the worker execution body for one run-unit: open the
// scanner if needed, fill one chunk, hand it to the result stream and
// re-run admission, park, or retire the scanner.
func (s *Scheduler) runScanner(h Handle, c *chunk.Chunk) {
	s.runningWorkers.Add(1)
	defer s.inflight.Done()
	defer s.runningWorkers.Add(-1)

	slot := s.arena.slot(h)
	done := false
	resubmit := false

	if s.status.get() != nil {
		s.returnChunk(c, false)
		done = true
	} else {
		if !slot.opened {
			if err := slot.scanner.Open(s.scanCtx); err != nil {
				s.fail(err)
				s.returnChunk(c, false)
				done = true
			} else {
				slot.opened = true
			}
		}
		if !done {
			eos, err := slot.scanner.GetNext(s.scanCtx, c)
			switch {
			case err != nil:
				s.fail(err)
				s.returnChunk(c, false)
				done = true
			default:
				if c.NumRows() > 0 {
					if !s.results.Push(c) {
						// Stream already finished (cancellation):
						// the chunk goes back to the pool.
						s.returnChunk(c, false)
					}
				} else {
					s.returnChunk(c, true)
				}
				if eos {
					done = true
				} else {
					resubmit = true
				}
			}
		}
	}

	// Release this unit's ceiling slot before deciding the scanner's
	// next step, so the admission below can reuse it.
	s.cfg.Controller.ReleaseScanSlot()

	if done {
		s.finishScanner(h)
	} else if resubmit {
		// Round-robin fairness: the scanner yields this worker and
		// goes through admission again instead of looping here.
		s.admit(h)
	}
	s.admitOnePending()
}

// fail latches the scan's first error, drains and closes pending
// scanners and unblocks the consumer. Later errors are dropped.
func (s *Scheduler) fail(err error) {
	if !s.status.set(err, false) {
		s.logger.Debug("dropping scan error after first failure", "error", err)
		return
	}
	s.logger.Error("scan failed", "error", err)
	s.drainPending()
	s.results.Finish(err)
}

// finishScanner retires one scanner. When the last scanner retires,
// end-of-stream is signalled with the latched status.
func (s *Scheduler) finishScanner(h Handle) {
	if !s.arena.slot(h).close() {
		return
	}
	if s.closedScanners.Add(1) == int32(s.arena.len()) {
		s.results.Finish(s.status.get())
	}
}

// drainPending pops and closes every parked scanner synchronously.
func (s *Scheduler) drainPending() {
	for {
		s.mu.Lock()
		h, ok := s.pending.Pop()
		s.mu.Unlock()
		if !ok {
			return
		}
		s.finishScanner(h)
	}
}

// returnChunk hands a chunk back to the pool and, if unpark is set,
// re-admits one pending scanner. The pool release and the pending pop
// share one critical section; see mu.
func (s *Scheduler) returnChunk(c *chunk.Chunk, unpark bool) {
	s.mu.Lock()
	s.chunkPool.Release(c)
	var h Handle
	ok := false
	if unpark {
		h, ok = s.pending.Pop()
	}
	s.mu.Unlock()
	if ok {
		s.admit(h)
	}
}

// admitOnePending gives a freed worker slot to one parked scanner.
func (s *Scheduler) admitOnePending() {
	s.mu.Lock()
	h, ok := s.pending.Pop()
	s.mu.Unlock()
	if ok {
		s.admit(h)
	}
}
