// Package workerpool provides the shared, bounded pool of goroutines
// that executes scanner run-units for every scan node in the process.
//
// Tasks carry a priority. Workers always run the highest-priority
// queued task; ties break in submission order. Submission is
// non-blocking: a refused submission is a transient condition the
// scheduler handles by re-queuing the scanner as pending.
package workerpool

import (
	"runtime"
	"sync"
)

// DefaultMaxQueued bounds the number of tasks waiting for a worker.
// The scheduler treats a refusal as retryable, so a modest bound keeps
// the queue from absorbing work that should stay parked.
const DefaultMaxQueued = 1024

type task struct {
	fn       func()
	priority int
	seq      uint64
}

// Pool is a fixed-size worker pool with a priority task queue.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   []task
	seq    uint64
	closed bool

	maxQueued int
	wg        sync.WaitGroup
}

// New creates a pool with numWorkers goroutines and the given queue
// bound. numWorkers <= 0 defaults to GOMAXPROCS; maxQueued <= 0
// defaults to DefaultMaxQueued.
func New(numWorkers, maxQueued int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	if maxQueued <= 0 {
		maxQueued = DefaultMaxQueued
	}
	p := &Pool{maxQueued: maxQueued}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.heap) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.heap) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		t := p.popTop()
		p.mu.Unlock()
		t.fn()
	}
}

// TrySubmit enqueues fn with the given priority. Higher priorities run
// first. It reports false if the pool is closed or the queue is full;
// the task is not enqueued in that case.
func (p *Pool) TrySubmit(fn func(), priority int) bool {
	p.mu.Lock()
	if p.closed || len(p.heap) >= p.maxQueued {
		p.mu.Unlock()
		return false
	}
	p.seq++
	p.push(task{fn: fn, priority: priority, seq: p.seq})
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heap)
}

// Close stops accepting tasks, runs everything already queued and
// waits for the workers to exit. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

// less orders the max-heap: higher priority first, then lower sequence
// number (FIFO among equals).
func (p *Pool) less(i, j int) bool {
	if p.heap[i].priority != p.heap[j].priority {
		return p.heap[i].priority > p.heap[j].priority
	}
	return p.heap[i].seq < p.heap[j].seq
}

func (p *Pool) push(t task) {
	p.heap = append(p.heap, t)
	i := len(p.heap) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !p.less(i, parent) {
			return
		}
		p.heap[i], p.heap[parent] = p.heap[parent], p.heap[i]
		i = parent
	}
}

func (p *Pool) popTop() task {
	n := len(p.heap)
	top := p.heap[0]
	last := p.heap[n-1]
	p.heap[n-1] = task{}
	p.heap = p.heap[:n-1]
	if n-1 > 0 {
		p.heap[0] = last
		p.siftDown(0)
	}
	return top
}

func (p *Pool) siftDown(i int) {
	n := len(p.heap)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && p.less(r, l) {
			best = r
		}
		if !p.less(best, i) {
			return
		}
		p.heap[i], p.heap[best] = p.heap[best], p.heap[i]
		i = best
	}
}
