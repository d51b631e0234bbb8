package engine

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/krisalay/virattr-cache/expiration"
	"github.com/krisalay/virattr-cache/types"
)

/*
CacheEngine is the "brain" of the cache system.
It is responsible for the "behavior" of the cache, NOT storage.
This acts as the policy layer.

It decides:
- What time it is
- When a whole entry is logically absent
- When one resource contribution is fresh enough to serve
- How reads update recency
- How metrics are recorded

It does NOT:
- Store data
- Handle sharding
- Handle locking
- Decide eviction order
*/
type CacheEngine struct {

	// Expiration controls when data should be considered "too old".
	// If this is nil, data never expires based on time.
	Expiration expiration.Strategy

	// Clock is the source of time for every timestamp in the cache.
	// Tests swap it for a fake clock to step through TTL windows.
	Clock clock.WithTicker

	// Metrics is how we keep track of what the cache is doing.
	Metrics types.Metrics
}

// NewCacheEngine creates a CacheEngine. A nil clock means wall-clock time and nil metrics means no metrics.
func NewCacheEngine(exp expiration.Strategy, clk clock.WithTicker, metrics types.Metrics) *CacheEngine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	return &CacheEngine{
		Expiration: exp,
		Clock:      clk,
		Metrics:    metrics,
	}
}

// Now returns the engine's current time.
func (e *CacheEngine) Now() time.Time {
	return e.Clock.Now()
}

/*
IsExpired checks whether a whole entry is logically absent.

BEHAVIOR:
---------
- A force-expired entry is always expired
- Otherwise the Expiration strategy judges CreatedAt / LastAccessedAt
- Returns false if no expiration strategy is configured
*/
func (e *CacheEngine) IsExpired(ent *types.CacheEntry) bool {
	if ent.ForcedExpiry {
		return true
	}
	return e.Expiration != nil &&
		e.Expiration.IsExpired(ent.CreatedAt, ent.LastAccessedAt, e.Now())
}

/*
IsFresh checks whether one resource contribution can be served.

A contribution is fresh when it was written after the entry's latest forced
expiry and its own write time is within the expiration window. The entry's
CreatedAt does not matter here: a resource refreshed recently stays fresh
even inside an entry that is old as a whole.
*/
func (e *CacheEngine) IsFresh(ent *types.CacheEntry, c *types.Contribution) bool {
	if !ent.IsCurrent(c) {
		return false
	}
	return e.Expiration == nil ||
		!e.Expiration.IsExpired(c.StoredAt, ent.LastAccessedAt, e.Now())
}

// HasFresh reports whether at least one contribution of the entry is fresh.
func (e *CacheEngine) HasFresh(ent *types.CacheEntry) bool {
	for _, r := range ent.Resources() {
		c, _ := ent.Contribution(r)
		if e.IsFresh(ent, c) {
			return true
		}
	}
	return false
}

// OnRead is called every time the cache successfully returns fresh data.
func (e *CacheEngine) OnRead(ent *types.CacheEntry) {
	ent.LastAccessedAt = e.Now()
	e.Metrics.Hit()
}
