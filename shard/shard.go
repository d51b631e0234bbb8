package shard

import (
	"sync"

	"github.com/krisalay/virattr-cache/eviction"
	"github.com/krisalay/virattr-cache/types"
)

/*
This file defines what a "Shard" is. A shard is a small, independent piece of the cache.
Instead of having: One big cache and one big lock
We split the cache into many shards. Each shard:
- Holds some portion of the entries
- Has its own eviction bookkeeping
- Has its own lock

Operations on keys that live in different shards never contend.
*/
type Shard struct {

	// Mu guards every field below.
	Mu sync.Mutex

	// Store holds the actual key → entry data for this shard.
	Store ShardStore

	// Eviction orders this shard's entries for removal.
	// Each shard has its OWN eviction policy instance.
	Eviction eviction.Policy

	// Invalidated records when each key was last invalidated while a
	// resolution was in flight. A resolution that started before its key's
	// stamp must not be cached.
	Invalidated map[types.CacheKey]uint64

	// Pending counts outstanding resolutions. Invalidated is emptied when it drops to zero.
	Pending int
}

func NewShard(ev eviction.Policy) *Shard {
	return &Shard{
		Store:       NewMapStore(),
		Eviction:    ev,
		Invalidated: make(map[types.CacheKey]uint64),
	}
}
