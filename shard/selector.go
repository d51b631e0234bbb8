package shard

import (
	"hash/fnv"

	"github.com/krisalay/virattr-cache/types"
)

/*
This file decides HOW a cache key is assigned to a shard.
If every request went to the same shard, that shard would become a bottleneck.
*/

// Selector is the interface that decides which shard should handle a given key.
type Selector interface {
	Select(types.CacheKey, []*Shard) *Shard
}

// HashSelector spreads keys over shards with an FNV-1a hash of the key triple.
type HashSelector struct{}

// hash feeds each field followed by a 0 byte, so ("ab","c") and ("a","bc") differ.
func hash(k types.CacheKey) uint32 {
	h := fnv.New32a()
	for _, f := range [...]string{k.IdentityType, k.IdentityID, k.SchemaName} {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return h.Sum32()
}

// Select chooses the shard for a given key.
func (HashSelector) Select(key types.CacheKey, shards []*Shard) *Shard {
	return shards[hash(key)%uint32(len(shards))]
}
