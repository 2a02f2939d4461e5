// Package stream implements the ordered hand-off of completed chunks
// from scanner workers to the single consumer.
package stream

import (
	"context"
	"sync"

	"github.com/hupe1980/tabletscan/chunk"
)

// ResultStream is a multi-producer, single-consumer blocking queue of
// chunks with an explicit end-of-stream marker.
//
// Push never blocks the producer: capacity is implicitly bounded by
// the chunk pool, not by this queue. Pop blocks the consumer until a
// chunk arrives or the stream finishes. Finish latches end-of-stream,
// optionally carrying the scan's first error; later calls are ignored.
type ResultStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*chunk.Chunk
	head   int
	done   bool
	err    error
}

// New creates an empty result stream.
func New() *ResultStream {
	s := &ResultStream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push appends a chunk for the consumer. It reports false if the
// stream has already finished, in which case the caller keeps
// ownership of the chunk.
func (s *ResultStream) Push(c *chunk.Chunk) bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	s.cond.Signal()
	return true
}

// Finish marks end-of-stream. err is the scan's latched error, or nil
// for successful completion. Only the first call takes effect.
func (s *ResultStream) Finish(err error) {
	s.mu.Lock()
	if !s.done {
		s.done = true
		s.err = err
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Pop blocks until a chunk is available or the stream finishes.
//
// It returns (c, nil) for data, (nil, nil) once all chunks pushed
// before Finish have been consumed and the stream completed cleanly,
// and (nil, err) if the stream finished with an error or ctx was
// cancelled. Chunks queued before a failure are still delivered first
// (fail-at-the-end semantics).
func (s *ResultStream) Pop(ctx context.Context) (*chunk.Chunk, error) {
	stop := context.AfterFunc(ctx, func() {
		s.cond.Broadcast()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.head < len(s.queue) {
			c := s.queue[s.head]
			s.queue[s.head] = nil
			s.head++
			if s.head == len(s.queue) {
				s.queue = s.queue[:0]
				s.head = 0
			}
			return c, nil
		}
		if s.done {
			return nil, s.err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.cond.Wait()
	}
}

// TryPop removes one queued chunk without blocking. Used to drain the
// stream at teardown so buffered chunks can be recycled.
func (s *ResultStream) TryPop() *chunk.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head >= len(s.queue) {
		return nil
	}
	c := s.queue[s.head]
	s.queue[s.head] = nil
	s.head++
	return c
}

// Len returns the number of undelivered chunks.
func (s *ResultStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) - s.head
}

// Finished reports whether end-of-stream has been latched.
func (s *ResultStream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
