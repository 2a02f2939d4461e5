// Package pool provides the bounded pool of reusable chunks that
// implements the scan scheduler's backpressure: scanners that cannot
// get a buffer are parked instead of blocked.
package pool

import (
	"sync"

	"github.com/hupe1980/tabletscan/chunk"
	"github.com/hupe1980/tabletscan/internal/container"
)

// MemoryReserver is the subset of the resource controller the pool
// uses to account chunk memory. A nil reserver disables accounting.
type MemoryReserver interface {
	TryReserveMemory(bytes int64) bool
	ReleaseMemory(bytes int64)
}

// ChunkPool is a capacity-bounded LIFO of pre-allocated chunks.
//
// Acquire never blocks: an empty pool is the signal that the consumer
// has not drained yet, and the caller parks itself. Release above the
// target size drops the chunk instead of retaining it, bounding peak
// memory at target * chunkBytes.
type ChunkPool struct {
	mu        sync.Mutex
	free      *container.Stack[*chunk.Chunk]
	target    int
	allocated int // chunks in existence (pooled or in flight)
	drained   bool

	schema    *chunk.Schema
	capacity  int // rows per chunk
	chunkSize int64

	reserver MemoryReserver
}

// New creates a pool for chunks of the given schema and row capacity,
// retaining at most target chunks.
func New(schema *chunk.Schema, capacity, target int, reserver MemoryReserver) *ChunkPool {
	return &ChunkPool{
		free:      container.NewStack[*chunk.Chunk](target),
		target:    target,
		schema:    schema,
		capacity:  capacity,
		chunkSize: int64(schema.RowWidth()) * int64(capacity),
		reserver:  reserver,
	}
}

// Acquire returns a chunk if one is available, nil otherwise.
// It never blocks and never allocates.
func (p *ChunkPool) Acquire() *chunk.Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.free.Pop()
	if !ok {
		return nil
	}
	return c
}

// Release returns a chunk for reuse. If the pool is at its target
// size the chunk is dropped instead and its memory reservation
// released. It reports whether the chunk was retained.
func (p *ChunkPool) Release(c *chunk.Chunk) bool {
	c.Reset()
	p.mu.Lock()
	if p.drained || p.free.Len() >= p.target {
		p.allocated--
		p.mu.Unlock()
		if p.reserver != nil {
			p.reserver.ReleaseMemory(p.chunkSize)
		}
		return false
	}
	p.free.Push(c)
	p.mu.Unlock()
	return true
}

// Refill eagerly allocates up to n chunks, stopping early once target
// chunks exist in total or the memory reservation is refused.
// It returns the number of chunks added.
func (p *ChunkPool) Refill(n int) int {
	added := 0
	for i := 0; i < n; i++ {
		p.mu.Lock()
		full := p.drained || p.allocated >= p.target
		p.mu.Unlock()
		if full {
			break
		}
		if p.reserver != nil && !p.reserver.TryReserveMemory(p.chunkSize) {
			break
		}
		c := chunk.New(p.schema, p.capacity)
		p.mu.Lock()
		p.free.Push(c)
		p.allocated++
		p.mu.Unlock()
		added++
	}
	return added
}

// Allocated returns the number of chunks in existence, pooled or in
// flight.
func (p *ChunkPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// Len returns the number of chunks currently pooled.
func (p *ChunkPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Len()
}

// ChunkBytes returns the accounted byte size of one pooled chunk.
func (p *ChunkPool) ChunkBytes() int64 { return p.chunkSize }

// Drain empties the pool, releasing the memory reservations of every
// retained chunk. Called at scan teardown; afterwards Release always
// drops its chunk, so buffers returned late cannot re-enter the pool.
func (p *ChunkPool) Drain() int {
	p.mu.Lock()
	n := p.free.Len()
	p.free.Clear()
	p.allocated -= n
	p.drained = true
	p.mu.Unlock()
	if p.reserver != nil && n > 0 {
		p.reserver.ReleaseMemory(int64(n) * p.chunkSize)
	}
	return n
}
