// This file implements LFU eviction.

package eviction

import "github.com/krisalay/virattr-cache/types"

// lfu ranks keys by how many times they were read. New keys start at 1.
// Keys with the same frequency are evicted oldest insertion first.
type lfu struct {
	h indexedHeap
}

func newLFU() *lfu {
	return &lfu{h: newIndexedHeap()}
}

// OnGet increases the key's frequency.
func (l *lfu) OnGet(k types.CacheKey, _ uint64) {
	l.h.rerank(k, func(freq int64) int64 { return freq + 1 })
}

func (l *lfu) OnPut(k types.CacheKey, tick uint64) {
	l.h.add(k, 1, tick)
}

func (l *lfu) Remove(k types.CacheKey) { l.h.remove(k) }

func (l *lfu) Victim() (Victim, bool) { return l.h.peek() }

// Evict removes the least frequently used key.
func (l *lfu) Evict() (types.CacheKey, bool) { return l.h.pop() }

func (l *lfu) Len() int { return l.h.len() }
