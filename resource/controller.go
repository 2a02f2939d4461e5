// Package resource provides the shared admission-control resource for
// scan execution: the process-wide scanner concurrency ceiling, chunk
// memory accounting, and optional segment-IO throttling.
//
// A Controller is injected into every scan node rather than living as
// a hidden global, so the scheduling core stays testable in isolation.
// Nodes sharing one Controller share one ceiling.
package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when a chunk-memory reservation
// would exceed the configured limit.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// DefaultMaxScanners is the default process-wide scanner concurrency
// ceiling.
const DefaultMaxScanners = 50

// Config holds resource limits.
type Config struct {
	// MaxScanners is the maximum number of scanner run-units executing
	// concurrently across all scan nodes sharing this controller.
	// If 0, DefaultMaxScanners is used.
	MaxScanners int64

	// MemoryLimitBytes is the hard limit for chunk-pool memory.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// IOLimitBytesPerSec is the maximum storage read throughput.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages the shared scan resources.
type Controller struct {
	cfg Config

	scanSem *semaphore.Weighted

	// waitMu guards the slot waiters. Scans whose scanners parked on a
	// refused slot register here; without the callback a slot freed by
	// another scan would never reach a scan with nothing in flight.
	waitMu  sync.Mutex
	waiters []func()

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	ioLimiter *rate.Limiter
}

// NewController creates a controller with the given limits.
func NewController(cfg Config) *Controller {
	if cfg.MaxScanners <= 0 {
		cfg.MaxScanners = DefaultMaxScanners
	}

	c := &Controller{
		cfg:     cfg,
		scanSem: semaphore.NewWeighted(cfg.MaxScanners),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// TryAcquireScanSlot attempts to reserve one scanner execution slot
// without blocking. A refused slot parks the scanner instead of
// stalling the caller.
func (c *Controller) TryAcquireScanSlot() bool {
	return c.scanSem.TryAcquire(1)
}

// ReleaseScanSlot releases a scanner execution slot and notifies every
// registered slot waiter. Waiters run on the releasing goroutine and
// must not block.
func (c *Controller) ReleaseScanSlot() {
	c.scanSem.Release(1)

	c.waitMu.Lock()
	ws := c.waiters
	c.waiters = nil
	c.waitMu.Unlock()
	for _, fn := range ws {
		fn()
	}
}

// NotifyOnSlotRelease registers a one-shot callback invoked after the
// next ReleaseScanSlot by any holder. A caller that still cannot
// acquire a slot re-registers from inside its callback.
func (c *Controller) NotifyOnSlotRelease(fn func()) {
	c.waitMu.Lock()
	c.waiters = append(c.waiters, fn)
	c.waitMu.Unlock()
}

// MaxScanners returns the configured concurrency ceiling.
func (c *Controller) MaxScanners() int64 {
	return c.cfg.MaxScanners
}

// TryReserveMemory attempts to reserve chunk memory. It reports false
// if the reservation would exceed the limit.
func (c *Controller) TryReserveMemory(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}
	if c.memSem != nil && !c.memSem.TryAcquire(bytes) {
		return false
	}
	c.memUsed.Add(bytes)
	return true
}

// ReleaseMemory releases reserved chunk memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the currently reserved chunk memory in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// AcquireIO waits until the IO limit allows reading the given number
// of bytes. Scanners call this outside any lock.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	return c.ioLimiter.WaitN(ctx, bytes)
}

// TryAcquireIO attempts to acquire IO tokens without blocking.
func (c *Controller) TryAcquireIO(bytes int) bool {
	if c == nil || c.ioLimiter == nil {
		return true
	}
	return c.ioLimiter.AllowN(time.Now(), bytes)
}
