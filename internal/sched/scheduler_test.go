package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tabletscan/chunk"
	"github.com/hupe1980/tabletscan/model"
	"github.com/hupe1980/tabletscan/resource"
	"github.com/hupe1980/tabletscan/scan"
	"github.com/hupe1980/tabletscan/workerpool"
)

type mockScanner struct {
	mu           sync.Mutex
	next         int64
	remaining    int
	openErr      error
	failAfter    int // successful GetNext calls before failing; -1 never
	getNextCalls int
	opened       bool
	closed       int

	onGetNext func()
}

func (m *mockScanner) Open(ctx context.Context) error {
	if m.openErr != nil {
		return m.openErr
	}
	m.mu.Lock()
	m.opened = true
	m.mu.Unlock()
	return nil
}

func (m *mockScanner) GetNext(ctx context.Context, out *chunk.Chunk) (bool, error) {
	if m.onGetNext != nil {
		m.onGetNext()
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.getNextCalls++
	if m.failAfter >= 0 && m.getNextCalls > m.failAfter {
		return false, scan.NewReadError(model.ScanRange{}, errors.New("simulated read failure"))
	}
	for m.remaining > 0 && !out.Full() {
		out.AppendRow(m.next)
		m.next++
		m.remaining--
	}
	return m.remaining == 0, nil
}

func (m *mockScanner) Close() error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	return nil
}

func (m *mockScanner) closedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockScanner) wasOpened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

type fixture struct {
	sched *Scheduler
	mocks []*mockScanner
	wp    *workerpool.Pool
}

type fixtureOpts struct {
	ranges           int
	rowsPerRange     int
	workers          int
	maxScanners      int64
	memoryLimit      int64
	chunkCapacity    int
	chunksPerScanner int
	mutate           func(i int, m *mockScanner)
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	schema := chunk.MustSchema(chunk.Field{Name: "id", Type: chunk.TypeInt64})
	if opts.chunkCapacity == 0 {
		opts.chunkCapacity = 10
	}
	if opts.workers == 0 {
		opts.workers = 4
	}

	f := &fixture{wp: workerpool.New(opts.workers, 0)}
	t.Cleanup(f.wp.Close)

	ranges := make([]model.ScanRange, opts.ranges)
	for i := range ranges {
		ranges[i] = model.ScanRange{Tablet: model.TabletID(i + 1), Version: 1}
		m := &mockScanner{
			next:      int64(i * 1000),
			remaining: opts.rowsPerRange,
			failAfter: -1,
		}
		if opts.mutate != nil {
			opts.mutate(i, m)
		}
		f.mocks = append(f.mocks, m)
	}

	factory := func(r model.ScanRange, _ *scan.Counters) (scan.Scanner, error) {
		return f.mocks[int(r.Tablet)-1], nil
	}

	ctrl := resource.NewController(resource.Config{
		MaxScanners:      opts.maxScanners,
		MemoryLimitBytes: opts.memoryLimit,
	})

	f.sched = New(Config{
		Schema:           schema,
		Factory:          factory,
		Pool:             f.wp,
		Controller:       ctrl,
		ChunkCapacity:    opts.chunkCapacity,
		ChunksPerScanner: opts.chunksPerScanner,
	})
	require.NoError(t, f.sched.SetScanRanges(ranges))
	t.Cleanup(func() { _ = f.sched.Close() })
	return f
}

// drain consumes the whole scan, recycling every chunk, and returns
// the total rows seen.
func (f *fixture) drain(t *testing.T, ctx context.Context) int {
	t.Helper()
	total := 0
	for {
		c, ok, err := f.sched.GetNext(ctx)
		require.NoError(t, err)
		if !ok {
			return total
		}
		total += c.NumRows()
		f.sched.Recycle(c)
	}
}

func TestSchedulerScansAllRows(t *testing.T) {
	f := newFixture(t, fixtureOpts{ranges: 3, rowsPerRange: 50, maxScanners: 2})

	total := f.drain(t, context.Background())
	assert.Equal(t, 150, total)
	assert.Equal(t, StateCompleted, f.sched.State())

	for _, m := range f.mocks {
		assert.Equal(t, 1, m.closedCount(), "every scanner closed exactly once")
	}
}

func TestSchedulerLazyStart(t *testing.T) {
	f := newFixture(t, fixtureOpts{ranges: 2, rowsPerRange: 10})

	assert.Equal(t, StateIdle, f.sched.State())
	time.Sleep(20 * time.Millisecond)
	for _, m := range f.mocks {
		assert.False(t, m.wasOpened(), "no storage touched before the first GetNext")
	}

	_, _, err := f.sched.GetNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateScanning, f.sched.State())
}

func TestSchedulerEmptyRangeList(t *testing.T) {
	f := newFixture(t, fixtureOpts{ranges: 0})

	c, ok, err := f.sched.GetNext(context.Background())
	assert.Nil(t, c)
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, StateCompleted, f.sched.State())
}

func TestSchedulerBackpressureParksScanners(t *testing.T) {
	// 5 scanners, 1 chunk each in the pool. Withholding recycles must
	// park the scan after 5 chunks; recycling one chunk revives it.
	f := newFixture(t, fixtureOpts{
		ranges:           5,
		rowsPerRange:     30,
		chunksPerScanner: 1,
		workers:          4,
	})

	held := make([]*chunk.Chunk, 0, 5)
	for i := 0; i < 5; i++ {
		c, ok, err := f.sched.GetNext(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		held = append(held, c)
	}

	// All buffers are in consumer hands; the next call must starve.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err := f.sched.GetNext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Positive(t, f.sched.NumPending(), "starved scanners park instead of spinning")
	assert.Equal(t, StateScanning, f.sched.State(), "consumer timeout does not fail the scan")

	// One recycled buffer readmits one parked scanner.
	f.sched.Recycle(held[0])
	c, ok, err := f.sched.GetNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	f.sched.Recycle(c)

	for _, c := range held[1:] {
		f.sched.Recycle(c)
	}
	total := f.drain(t, context.Background())
	// 5 scanners x 30 rows, minus the chunks already delivered above.
	delivered := (len(held) + 1) * 10
	assert.Equal(t, 150, total+delivered)
}

func TestSchedulerFirstErrorWins(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		ranges:       4,
		rowsPerRange: 100,
		mutate: func(i int, m *mockScanner) {
			if i == 0 {
				m.failAfter = 1
			}
		},
	})

	var scanErr error
	for {
		c, ok, err := f.sched.GetNext(context.Background())
		if err != nil {
			scanErr = err
			break
		}
		if !ok {
			break
		}
		f.sched.Recycle(c)
	}

	require.Error(t, scanErr)
	var readErr *scan.ReadError
	assert.ErrorAs(t, scanErr, &readErr)
	assert.Equal(t, StateFailed, f.sched.State())

	// The latch is sticky: the same error is observed again.
	_, _, err := f.sched.GetNext(context.Background())
	assert.Equal(t, scanErr, err)

	require.NoError(t, f.sched.Close())
	for _, m := range f.mocks {
		assert.Equal(t, 1, m.closedCount())
	}
}

func TestSchedulerOpenErrorFailsScan(t *testing.T) {
	boom := scan.NewOpenError(model.ScanRange{Tablet: 1}, errors.New("missing segment"))
	f := newFixture(t, fixtureOpts{
		ranges:       2,
		rowsPerRange: 10,
		mutate: func(i int, m *mockScanner) {
			if i == 0 {
				m.openErr = boom
			}
		},
	})

	var scanErr error
	for {
		c, ok, err := f.sched.GetNext(context.Background())
		if err != nil {
			scanErr = err
			break
		}
		if !ok {
			break
		}
		f.sched.Recycle(c)
	}

	var openErr *scan.OpenError
	require.ErrorAs(t, scanErr, &openErr)
	assert.Equal(t, StateFailed, f.sched.State())
}

func TestSchedulerFactoryErrorSurfacesOnFirstGetNext(t *testing.T) {
	schema := chunk.MustSchema(chunk.Field{Name: "id", Type: chunk.TypeInt64})
	wp := workerpool.New(2, 0)
	defer wp.Close()

	boom := errors.New("no such tablet")
	s := New(Config{
		Schema:     schema,
		Factory:    func(r model.ScanRange, _ *scan.Counters) (scan.Scanner, error) { return nil, boom },
		Pool:       wp,
		Controller: resource.NewController(resource.Config{}),
	})
	defer s.Close()
	require.NoError(t, s.SetScanRanges([]model.ScanRange{{Tablet: 1, Version: 1}}))

	_, _, err := s.GetNext(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateFailed, s.State())
}

func TestSchedulerBoundedConcurrency(t *testing.T) {
	var current, peak atomic.Int32

	f := newFixture(t, fixtureOpts{
		ranges:       6,
		rowsPerRange: 40,
		workers:      6,
		maxScanners:  2,
		mutate: func(i int, m *mockScanner) {
			m.onGetNext = func() {
				cur := current.Add(1)
				for {
					p := peak.Load()
					if cur <= p || peak.CompareAndSwap(p, cur) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				current.Add(-1)
			}
		},
	})

	total := f.drain(t, context.Background())
	assert.Equal(t, 240, total)
	assert.LessOrEqual(t, peak.Load(), int32(2), "concurrency ceiling respected")
}

func TestSchedulerSharedSlotHandoff(t *testing.T) {
	// Two scans share a one-slot controller. The second scan's only
	// scanner parks with nothing in flight while the first scan holds
	// the slot; the release must still reach it.
	schema := chunk.MustSchema(chunk.Field{Name: "id", Type: chunk.TypeInt64})
	wp := workerpool.New(4, 0)
	defer wp.Close()
	ctrl := resource.NewController(resource.Config{MaxScanners: 1})

	gate := make(chan struct{})
	slow := &mockScanner{remaining: 5, failAfter: -1, onGetNext: func() { <-gate }}
	fast := &mockScanner{next: 1000, remaining: 5, failAfter: -1}

	newSched := func(m *mockScanner) *Scheduler {
		s := New(Config{
			Schema:        schema,
			Factory:       func(r model.ScanRange, _ *scan.Counters) (scan.Scanner, error) { return m, nil },
			Pool:          wp,
			Controller:    ctrl,
			ChunkCapacity: 10,
		})
		require.NoError(t, s.SetScanRanges([]model.ScanRange{{Tablet: 1, Version: 1}}))
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	a := newSched(slow)
	b := newSched(fast)

	drainAsync := func(s *Scheduler) chan int {
		out := make(chan int, 1)
		go func() {
			total := 0
			for {
				c, ok, err := s.GetNext(context.Background())
				if err != nil || !ok {
					break
				}
				total += c.NumRows()
				s.Recycle(c)
			}
			out <- total
		}()
		return out
	}

	aRows := drainAsync(a)
	require.Eventually(t, func() bool { return a.NumRunning() == 1 }, time.Second, time.Millisecond,
		"first scan occupies the only slot")

	bRows := drainAsync(b)
	require.Eventually(t, func() bool { return b.NumPending() == 1 }, time.Second, time.Millisecond,
		"second scan parks on the refused slot")

	close(gate)
	assert.Equal(t, 5, <-aRows)

	select {
	case n := <-bRows:
		assert.Equal(t, 5, n)
	case <-time.After(2 * time.Second):
		t.Fatal("second scan never revived after the shared slot freed")
	}
}

func TestSchedulerCloseRacesFirstGetNext(t *testing.T) {
	// Whichever of Close and the first GetNext wins the lazy start,
	// Close must tear the scan down fully and return every memory
	// reservation.
	schema := chunk.MustSchema(chunk.Field{Name: "id", Type: chunk.TypeInt64})
	wp := workerpool.New(4, 0)
	defer wp.Close()

	for i := 0; i < 50; i++ {
		ctrl := resource.NewController(resource.Config{})
		m := &mockScanner{remaining: 100, failAfter: -1}
		s := New(Config{
			Schema:        schema,
			Factory:       func(r model.ScanRange, _ *scan.Counters) (scan.Scanner, error) { return m, nil },
			Pool:          wp,
			Controller:    ctrl,
			ChunkCapacity: 10,
		})
		require.NoError(t, s.SetScanRanges([]model.ScanRange{{Tablet: 1, Version: 1}}))

		done := make(chan struct{})
		go func() {
			defer close(done)
			c, ok, err := s.GetNext(context.Background())
			if err == nil && ok {
				s.Recycle(c)
			}
		}()

		require.NoError(t, s.Close())
		<-done

		assert.Equal(t, StateClosed, s.State())
		assert.Zero(t, ctrl.MemoryUsage(), "no chunk reservations survive Close")
	}
}

func TestSchedulerMemoryLimitFailsStart(t *testing.T) {
	// One chunk is 10 rows x 8 bytes; a 16-byte budget fits nothing.
	f := newFixture(t, fixtureOpts{
		ranges:       2,
		rowsPerRange: 10,
		memoryLimit:  16,
	})

	_, _, err := f.sched.GetNext(context.Background())
	require.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)
	assert.Equal(t, StateFailed, f.sched.State())

	require.NoError(t, f.sched.Close())
	for _, m := range f.mocks {
		assert.Equal(t, 1, m.closedCount(), "scanners are closed even when the scan never ran")
	}
}

func TestSchedulerCloseMidScan(t *testing.T) {
	f := newFixture(t, fixtureOpts{ranges: 4, rowsPerRange: 1000, chunksPerScanner: 2})

	c, ok, err := f.sched.GetNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	f.sched.Recycle(c)

	require.NoError(t, f.sched.Close())
	assert.Equal(t, StateClosed, f.sched.State())

	for _, m := range f.mocks {
		assert.Equal(t, 1, m.closedCount(), "close is synchronous for every scanner")
	}

	_, _, err = f.sched.GetNext(context.Background())
	assert.ErrorIs(t, err, scan.ErrClosed)

	// Idempotent.
	require.NoError(t, f.sched.Close())
}

func TestSchedulerCloseBeforeStart(t *testing.T) {
	f := newFixture(t, fixtureOpts{ranges: 2, rowsPerRange: 10})

	require.NoError(t, f.sched.Close())
	assert.Equal(t, StateClosed, f.sched.State())

	_, _, err := f.sched.GetNext(context.Background())
	assert.ErrorIs(t, err, scan.ErrClosed)

	for _, m := range f.mocks {
		assert.False(t, m.wasOpened())
		assert.Equal(t, 0, m.closedCount(), "nothing to close before the factory ran")
	}
}

func TestSchedulerRecycleAfterClose(t *testing.T) {
	f := newFixture(t, fixtureOpts{ranges: 1, rowsPerRange: 50})

	c, ok, err := f.sched.GetNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.sched.Close())

	// A buffer still held by the consumer comes back after teardown.
	// It must be dropped, not pooled.
	f.sched.Recycle(c)
	assert.Equal(t, 0, f.sched.chunkPool.Len())
}

func TestSchedulerSetRangesAfterStart(t *testing.T) {
	f := newFixture(t, fixtureOpts{ranges: 1, rowsPerRange: 10})

	_, _, err := f.sched.GetNext(context.Background())
	require.NoError(t, err)

	err = f.sched.SetScanRanges([]model.ScanRange{{Tablet: 9}})
	assert.ErrorIs(t, err, scan.ErrClosed)
}

func TestComputePriorityDecays(t *testing.T) {
	s := New(Config{BasePriority: 20})

	assert.Equal(t, 20, s.computePriority())
	s.submitted.Store(25)
	assert.Equal(t, 15, s.computePriority())
	s.submitted.Store(1000)
	assert.Equal(t, 0, s.computePriority(), "priority clamps at zero")
}
