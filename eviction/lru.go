// This file implements LRU eviction.

package eviction

import "github.com/krisalay/virattr-cache/types"

/*
lru evicts in increasing order of last access.

The rank is the store-wide access tick rather than a position in a list, so two
shards can be compared, and two accesses within the same clock instant are
still ordered.
*/
type lru struct {
	h indexedHeap
}

func newLRU() *lru {
	return &lru{h: newIndexedHeap()}
}

// OnGet moves the key to its new access tick.
func (l *lru) OnGet(k types.CacheKey, tick uint64) {
	l.h.rerank(k, func(int64) int64 { return int64(tick) })
}

// OnPut tracks a new key. Keys already tracked are handled by OnGet instead.
func (l *lru) OnPut(k types.CacheKey, tick uint64) {
	l.h.add(k, int64(tick), tick)
}

func (l *lru) Remove(k types.CacheKey) { l.h.remove(k) }

func (l *lru) Victim() (Victim, bool) { return l.h.peek() }

// Evict removes the LEAST recently used key.
func (l *lru) Evict() (types.CacheKey, bool) { return l.h.pop() }

func (l *lru) Len() int { return l.h.len() }
