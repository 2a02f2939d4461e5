// Package container provides small generic containers shared by the
// scheduler's recycling paths.
package container

// Stack is a slice-backed LIFO. The chunk pool and the pending-scanner
// queue both use it: LIFO keeps cache-warm buffers and recently parked
// scanners at the top.
//
// Stack is not synchronized; callers hold their own mutex.
type Stack[T any] struct {
	items []T
}

// NewStack creates a stack with capacity reserved for n items.
func NewStack[T any](n int) *Stack[T] {
	return &Stack[T]{items: make([]T, 0, n)}
}

// Push adds v on top.
func (s *Stack[T]) Push(v T) {
	s.items = append(s.items, v)
}

// Pop removes and returns the top item.
func (s *Stack[T]) Pop() (T, bool) {
	var zero T
	n := len(s.items)
	if n == 0 {
		return zero, false
	}
	v := s.items[n-1]
	s.items[n-1] = zero
	s.items = s.items[:n-1]
	return v, true
}

// Len returns the number of items.
func (s *Stack[T]) Len() int { return len(s.items) }

// Clear drops all items, keeping the backing array.
func (s *Stack[T]) Clear() {
	var zero T
	for i := range s.items {
		s.items[i] = zero
	}
	s.items = s.items[:0]
}
