package eviction

import (
	"fmt"
	"strings"

	"github.com/krisalay/virattr-cache/types"
)

/*
This file defines how the cache decides what to remove when it runs out of space.
*/

/*
Policy is the interface that all eviction strategies must follow.

Every shard owns one Policy instance and only calls it while holding the shard lock.
The store compares the Victim of every shard to find the global candidate,
so all strategies express their ordering as a Victim rank.
*/
type Policy interface {

	// OnGet is called on every genuine read or renewal of an entry.
	// tick comes from a store-wide counter and grows with every access.
	OnGet(key types.CacheKey, tick uint64)

	// OnPut is called once when a new entry is created.
	// tick is taken from the same counter and doubles as the insertion sequence.
	OnPut(key types.CacheKey, tick uint64)

	// Remove is called when an entry is explicitly removed (not evicted).
	Remove(key types.CacheKey)

	// Victim returns the entry this policy would evict next, without evicting it.
	Victim() (Victim, bool)

	// Evict removes the next victim from the policy and returns its key.
	// The cache will then actually remove it from storage.
	Evict() (types.CacheKey, bool)

	// Len is the number of tracked keys.
	Len() int
}

// Victim is an eviction candidate. Lower rank goes first, ties go to the older insertion.
type Victim struct {
	Key  types.CacheKey
	Rank int64
	Seq  uint64
}

// Less orders victims: the smaller one is evicted first.
func (v Victim) Less(o Victim) bool {
	if v.Rank != o.Rank {
		return v.Rank < o.Rank
	}
	return v.Seq < o.Seq
}

// PolicyType is a simple identifier for supported eviction strategies.
type PolicyType string

const (
	// LRU (Least Recently Used): Evicts the entry whose last read or write is the oldest.
	LRU PolicyType = "LRU"

	// LFU (Least Frequently Used): Evicts the entry that has been read the fewest times.
	LFU PolicyType = "LFU"

	// FIFO (First In First Out): Evicts the oldest inserted entry, regardless of access.
	FIFO PolicyType = "FIFO"
)

// ParsePolicyType accepts a policy name in any case.
func ParsePolicyType(s string) (PolicyType, error) {
	switch t := PolicyType(strings.ToUpper(strings.TrimSpace(s))); t {
	case LRU, LFU, FIFO:
		return t, nil
	case "":
		return LRU, nil
	default:
		return "", fmt.Errorf("unknown eviction policy %q", s)
	}
}

// NewEvictionPolicy is a small factory function.
// Given a PolicyType, it creates the correct eviction policy.
func NewEvictionPolicy(t PolicyType) Policy {
	switch t {
	case LRU:
		return newLRU()
	case LFU:
		return newLFU()
	case FIFO:
		return newFIFO()
	default:
		panic("unknown eviction policy")
	}
}
