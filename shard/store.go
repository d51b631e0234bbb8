package shard

import "github.com/krisalay/virattr-cache/types"

/*
This file defines how entries are held inside a shard.

Entries are mutated on reads (LastAccessedAt) and on partial writes (one
resource at a time), so a shard is always accessed under its lock and a plain
map is enough.
*/

// ShardStore is the interface used by a shard to store and retrieve cache entries.
type ShardStore interface {

	// Get retrieves an entry by key.
	Get(types.CacheKey) (*types.CacheEntry, bool)

	// Put inserts or replaces an entry.
	Put(types.CacheKey, *types.CacheEntry)

	// Delete removes an entry.
	Delete(types.CacheKey)

	// Size returns how many entries are stored.
	Size() int

	// Range calls fn for every entry until fn returns false.
	Range(fn func(types.CacheKey, *types.CacheEntry) bool)
}

type mapStore struct {
	data map[types.CacheKey]*types.CacheEntry
}

func NewMapStore() ShardStore {
	return &mapStore{data: make(map[types.CacheKey]*types.CacheEntry)}
}

func (s *mapStore) Get(key types.CacheKey) (*types.CacheEntry, bool) {
	ent, ok := s.data[key]
	return ent, ok
}

func (s *mapStore) Put(key types.CacheKey, ent *types.CacheEntry) {
	s.data[key] = ent
}

func (s *mapStore) Delete(key types.CacheKey) {
	delete(s.data, key)
}

func (s *mapStore) Size() int {
	return len(s.data)
}

func (s *mapStore) Range(fn func(types.CacheKey, *types.CacheEntry) bool) {
	for k, v := range s.data {
		if !fn(k, v) {
			return
		}
	}
}
