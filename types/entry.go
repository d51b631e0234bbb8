package types

import (
	"maps"
	"slices"
	"time"
)

// Contribution is the value set one resource provided for one attribute.
type Contribution struct {
	values   map[string]struct{} // never nil, may be empty
	StoredAt time.Time

	// epoch is the entry epoch at the time of the write.
	// A forced expiry bumps the entry epoch, so older writes stop being current.
	epoch uint64
}

// Values returns a sorted copy of the contribution's value set. It is never nil.
func (c *Contribution) Values() []string {
	out := make([]string, 0, len(c.values))
	for v := range c.values {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Len is the number of distinct values.
func (c *Contribution) Len() int { return len(c.values) }

/*
CacheEntry is the value side of one cache slot.

It is owned by exactly one store slot and is only read or mutated while the
owning shard's lock is held. Nothing outside the store holds a pointer to it.

Contributions are tracked per resource and never flattened: staleness is
decided per resource, and a missing resource ("nothing observed yet") is
different from an empty value set ("resource said: no values").
*/
type CacheEntry struct {
	Key            CacheKey
	CreatedAt      time.Time
	LastAccessedAt time.Time

	// ForcedExpiry makes the entry look expired regardless of TTL.
	ForcedExpiry bool

	// Seq is the global insertion sequence. Used to break eviction ties.
	Seq uint64

	contributions map[string]*Contribution
	epoch         uint64
}

// NewCacheEntry creates an empty entry stamped with now.
func NewCacheEntry(key CacheKey, seq uint64, now time.Time) *CacheEntry {
	return &CacheEntry{
		Key:            key,
		CreatedAt:      now,
		LastAccessedAt: now,
		Seq:            seq,
		contributions:  make(map[string]*Contribution),
	}
}

/*
SetResourceValues replaces the value set of ONE resource.

Other resources are untouched and CreatedAt is NOT reset: refreshing one
resource does not make the whole entry younger.
*/
func (e *CacheEntry) SetResourceValues(resource string, values []string, now time.Time) {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	e.contributions[resource] = &Contribution{
		values:   set,
		StoredAt: now,
		epoch:    e.epoch,
	}
}

// RemoveResource drops one resource's contribution. It reports whether one existed.
func (e *CacheEntry) RemoveResource(resource string) bool {
	if _, ok := e.contributions[resource]; !ok {
		return false
	}
	delete(e.contributions, resource)
	return true
}

// Contribution returns the contribution of a resource, if any was observed.
func (e *CacheEntry) Contribution(resource string) (*Contribution, bool) {
	c, ok := e.contributions[resource]
	return c, ok
}

// Resources lists contributing resource names in sorted order.
func (e *CacheEntry) Resources() []string {
	return slices.Sorted(maps.Keys(e.contributions))
}

// IsCurrent reports whether c was written after the latest forced expiry.
func (e *CacheEntry) IsCurrent(c *Contribution) bool {
	return !e.ForcedExpiry && c.epoch == e.epoch
}

/*
AggregatedValues is the union across ALL resources, fresh or not.

It is recomputed on every call and never stored: a cached union would go
stale the moment any single resource is replaced.
*/
func (e *CacheEntry) AggregatedValues() []string {
	union := make(map[string]struct{})
	for _, c := range e.contributions {
		for v := range c.values {
			union[v] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(union))
}

/*
ForceExpire makes the entry and every contribution written so far stale.

Values are kept: they remain readable through a best-effort stale read.
*/
func (e *CacheEntry) ForceExpire() {
	e.ForcedExpiry = true
	e.epoch++
}

/*
Renew re-creates a logically absent entry in place.

CreatedAt starts over and the forced flag is cleared. Contributions written
before the last forced expiry keep their old epoch, so they stay stale until
their resource is written again.
*/
func (e *CacheEntry) Renew(now time.Time) {
	e.CreatedAt = now
	e.LastAccessedAt = now
	e.ForcedExpiry = false
}
