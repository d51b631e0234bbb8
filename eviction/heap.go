package eviction

import (
	"container/heap"

	"github.com/krisalay/virattr-cache/types"
)

// item is one tracked key inside a rankHeap.
type item struct {
	key   types.CacheKey
	rank  int64
	seq   uint64
	index int
}

// rankHeap is a min-heap ordered by (rank, seq). It implements heap.Interface.
type rankHeap []*item

func (h rankHeap) Len() int { return len(h) }

func (h rankHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h rankHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *rankHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *rankHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// indexedHeap pairs the heap with a key index so ranks can be updated in O(log n).
type indexedHeap struct {
	items rankHeap
	byKey map[types.CacheKey]*item
}

func newIndexedHeap() indexedHeap {
	return indexedHeap{byKey: make(map[types.CacheKey]*item)}
}

// add starts tracking a key. Adding a key that is already tracked does nothing.
func (h *indexedHeap) add(key types.CacheKey, rank int64, seq uint64) {
	if _, ok := h.byKey[key]; ok {
		return
	}
	it := &item{key: key, rank: rank, seq: seq}
	h.byKey[key] = it
	heap.Push(&h.items, it)
}

// rerank changes the rank of a tracked key.
func (h *indexedHeap) rerank(key types.CacheKey, rank func(int64) int64) {
	it, ok := h.byKey[key]
	if !ok {
		return
	}
	it.rank = rank(it.rank)
	heap.Fix(&h.items, it.index)
}

func (h *indexedHeap) remove(key types.CacheKey) {
	it, ok := h.byKey[key]
	if !ok {
		return
	}
	heap.Remove(&h.items, it.index)
	delete(h.byKey, key)
}

func (h *indexedHeap) peek() (Victim, bool) {
	if len(h.items) == 0 {
		return Victim{}, false
	}
	it := h.items[0]
	return Victim{Key: it.key, Rank: it.rank, Seq: it.seq}, true
}

func (h *indexedHeap) pop() (types.CacheKey, bool) {
	if len(h.items) == 0 {
		return types.CacheKey{}, false
	}
	it := heap.Pop(&h.items).(*item)
	delete(h.byKey, it.key)
	return it.key, true
}

func (h *indexedHeap) len() int { return len(h.items) }
