// Package registry provides the monotonic identifier allocator behind the
// vault and arbitrage registries.
package registry

import "sync/atomic"

// Sequence hands out strictly increasing identifiers starting at the value
// it was seeded with. It is safe for concurrent use.
type Sequence struct {
	next atomic.Uint64
}

// NewSequence returns a Sequence whose first Next call yields start.
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.next.Store(start)
	return s
}

// Next returns the current identifier and advances the sequence with a
// compare-and-swap so concurrent callers never observe the same value.
func (s *Sequence) Next() uint64 {
	for {
		cur := s.next.Load()
		if s.next.CompareAndSwap(cur, cur+1) {
			return cur
		}
	}
}

// Peek returns the identifier the next call to Next will hand out.
func (s *Sequence) Peek() uint64 {
	return s.next.Load()
}
