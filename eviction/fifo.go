// This file implements FIFO eviction.

package eviction

import "github.com/krisalay/virattr-cache/types"

// fifo evicts in insertion order. Every key has the same rank, so the
// insertion sequence alone decides.
type fifo struct {
	h indexedHeap
}

func newFIFO() *fifo {
	return &fifo{h: newIndexedHeap()}
}

// OnGet is ignored: FIFO does not care about reads.
func (f *fifo) OnGet(types.CacheKey, uint64) {}

// OnPut only counts the first insertion of a key.
func (f *fifo) OnPut(k types.CacheKey, tick uint64) {
	f.h.add(k, 0, tick)
}

func (f *fifo) Remove(k types.CacheKey) { f.h.remove(k) }

func (f *fifo) Victim() (Victim, bool) { return f.h.peek() }

// Evict removes the oldest inserted key.
func (f *fifo) Evict() (types.CacheKey, bool) { return f.h.pop() }

func (f *fifo) Len() int { return f.h.len() }
