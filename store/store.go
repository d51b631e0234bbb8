package store

import (
	"maps"
	"slices"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/krisalay/virattr-cache/engine"
	evict "github.com/krisalay/virattr-cache/eviction"
	"github.com/krisalay/virattr-cache/shard"
	"github.com/krisalay/virattr-cache/types"
)

var log = logging.Logger("virattr/store")

/*
Store is the concurrent CacheKey → CacheEntry map.
This struct is the orchestrator that connects:
- shards (one lock per shard, never a global lock)
- eviction (per-shard policies compared globally)
- staleness (delegated to the engine)

A missing key and an expired key are both reported as "absent", never as an error.
*/
type Store struct {
	// shards are the actual storage units. Each shard is an independent mini-map.
	shards []*shard.Shard

	// engine contains the "rules": clock, expiration, metrics.
	engine *engine.CacheEngine

	// selector decides which shard a key should go to.
	selector shard.Selector

	// maxEntries bounds the number of entries across all shards. 0 means unbounded.
	maxEntries int

	// size is the number of physical entries across all shards.
	size atomic.Int64

	// tick orders every access across all shards. It never repeats, so two
	// operations in the same clock instant still rank differently.
	tick atomic.Uint64
}

// Snapshot is a copy of one entry, safe to use without any lock.
type Snapshot struct {
	Key            types.CacheKey
	CreatedAt      time.Time
	LastAccessedAt time.Time
	ForcedExpiry   bool

	// Values holds the last-known values of every contributing resource.
	Values map[string][]string

	// Fresh tells, per resource, whether its values may be served.
	Fresh map[string]bool
}

// Token marks the start of a resolution. See Begin.
type Token struct {
	shard *shard.Shard
	key   types.CacheKey
	start uint64
	done  bool
}

func New(
	shards int,
	maxEntries int,
	eviction evict.PolicyType,
	engine *engine.CacheEngine,
) *Store {
	if shards < 1 {
		shards = 1
	}

	s := make([]*shard.Shard, shards)
	for i := range s {
		// Each shard gets its own eviction policy instance
		s[i] = shard.NewShard(evict.NewEvictionPolicy(eviction))
	}

	return &Store{
		shards:     s,
		engine:     engine,
		selector:   shard.HashSelector{},
		maxEntries: maxEntries,
	}
}

func (s *Store) shardFor(key types.CacheKey) *shard.Shard {
	return s.selector.Select(key, s.shards)
}

/*
Get returns the whole entry if it is logically present.

An entry that is force-expired or whose CreatedAt is outside the expiration
window is reported absent, even though the slot stays until the next sweep,
eviction or overwrite. LastAccessedAt only moves on a genuine hit.
*/
func (s *Store) Get(key types.CacheKey) (*Snapshot, bool) {
	sh := s.shardFor(key)
	sh.Mu.Lock()
	defer sh.Mu.Unlock()

	ent, ok := sh.Store.Get(key)
	if !ok {
		return nil, false
	}
	if s.engine.IsExpired(ent) {
		s.engine.Metrics.Expire()
		return nil, false
	}
	s.touch(sh, ent)
	return s.snapshot(ent), true
}

/*
GetResource returns one resource's values if that contribution is fresh.

Freshness is judged per resource: a contribution written recently is served
even when other resources of the same entry have gone stale.
*/
func (s *Store) GetResource(key types.CacheKey, resource string) ([]string, bool) {
	sh := s.shardFor(key)
	sh.Mu.Lock()
	defer sh.Mu.Unlock()

	ent, ok := sh.Store.Get(key)
	if !ok {
		return nil, false
	}
	c, ok := ent.Contribution(resource)
	if !ok {
		return nil, false
	}
	if !s.engine.IsFresh(ent, c) {
		s.engine.Metrics.Expire()
		return nil, false
	}
	s.touch(sh, ent)
	return c.Values(), true
}

// FreshResource is GetResource without expiry metrics. It is used to re-check
// a key right before resolving it.
func (s *Store) FreshResource(key types.CacheKey, resource string) ([]string, bool) {
	sh := s.shardFor(key)
	sh.Mu.Lock()
	defer sh.Mu.Unlock()

	ent, ok := sh.Store.Get(key)
	if !ok {
		return nil, false
	}
	c, ok := ent.Contribution(resource)
	if !ok || !s.engine.IsFresh(ent, c) {
		return nil, false
	}
	s.touch(sh, ent)
	return c.Values(), true
}

/*
Aggregate returns the union of the fresh contributions of a key.

Stale contributions are left out of the union. With strict set, a single
stale contribution makes the whole key a miss instead.
*/
func (s *Store) Aggregate(key types.CacheKey, strict bool) []string {
	sh := s.shardFor(key)
	sh.Mu.Lock()
	defer sh.Mu.Unlock()

	ent, ok := sh.Store.Get(key)
	if !ok {
		return nil
	}

	union := make(map[string]struct{})
	served := false
	for _, r := range ent.Resources() {
		c, _ := ent.Contribution(r)
		if !s.engine.IsFresh(ent, c) {
			if strict {
				s.engine.Metrics.Expire()
				return nil
			}
			continue
		}
		served = true
		for _, v := range c.Values() {
			union[v] = struct{}{}
		}
	}
	if !served {
		s.engine.Metrics.Expire()
		return nil
	}
	s.touch(sh, ent)
	return slices.Sorted(maps.Keys(union))
}

// Peek returns the physical slot, stale or not, without touching recency.
func (s *Store) Peek(key types.CacheKey) (*Snapshot, bool) {
	sh := s.shardFor(key)
	sh.Mu.Lock()
	defer sh.Mu.Unlock()

	ent, ok := sh.Store.Get(key)
	if !ok {
		return nil, false
	}
	return s.snapshot(ent), true
}

// PeekResource returns the last-known values of one resource, stale or not.
func (s *Store) PeekResource(key types.CacheKey, resource string) ([]string, bool) {
	sh := s.shardFor(key)
	sh.Mu.Lock()
	defer sh.Mu.Unlock()

	ent, ok := sh.Store.Get(key)
	if !ok {
		return nil, false
	}
	c, ok := ent.Contribution(resource)
	if !ok {
		return nil, false
	}
	return c.Values(), true
}

/*
Begin is called before an external resolution of key starts.

Put with the returned token refuses to store if key, or the whole identity
owning it, was invalidated in between, so a value fetched before a write
elsewhere can never overwrite the invalidation of that write. Invalidations of
other keys do not affect the token.

Every token must end in Put or Abort.
*/
func (s *Store) Begin(key types.CacheKey) *Token {
	sh := s.shardFor(key)
	sh.Mu.Lock()
	defer sh.Mu.Unlock()

	sh.Pending++
	return &Token{shard: sh, key: key, start: s.tick.Add(1)}
}

// Abort releases a token whose resolution will not be stored. It is a no-op
// for a token already consumed by Put.
func (s *Store) Abort(tok *Token) {
	if tok == nil {
		return
	}
	tok.shard.Mu.Lock()
	defer tok.shard.Mu.Unlock()
	s.release(tok)
}

// release ends a token. The token's shard lock must be held.
func (s *Store) release(tok *Token) {
	if tok.done {
		return
	}
	tok.done = true
	sh := tok.shard
	sh.Pending--
	if sh.Pending == 0 {
		clear(sh.Invalidated)
	}
}

// raced reports whether tok's key was invalidated after Begin. The token's
// shard lock must be held.
func (s *Store) raced(tok *Token) bool {
	sh := tok.shard
	if at, ok := sh.Invalidated[tok.key]; ok && at > tok.start {
		return true
	}
	at, ok := sh.Invalidated[identityMark(tok.key.IdentityType, tok.key.IdentityID)]
	return ok && at > tok.start
}

// markInvalidated stamps key so that in-flight tokens started earlier are
// refused. Nothing is recorded while the shard has no token outstanding.
// The shard lock must be held.
func (s *Store) markInvalidated(sh *shard.Shard, key types.CacheKey) {
	if sh.Pending > 0 {
		sh.Invalidated[key] = s.tick.Add(1)
	}
}

// identityMark is the stamp key covering every attribute of one identity.
// An empty schema never passes NewCacheKey, so it cannot clash with a real key.
func identityMark(identityType, identityID string) types.CacheKey {
	return types.CacheKey{IdentityType: identityType, IdentityID: identityID}
}

/*
Put stores one resource's values for a key.

BEHAVIOR:
---------
- No entry: a new one is created with CreatedAt = now
- Live entry: only this resource's set is replaced; CreatedAt is kept
- Logically absent entry (stale / force-expired): the slot is renewed in place
- tok != nil and key was invalidated since Begin: nothing is stored

tok, when given, must come from Begin(key); Put consumes it.
Returns whether the values were stored. Creating an entry may trigger eviction.
*/
func (s *Store) Put(key types.CacheKey, resource string, values []string, tok *Token) bool {
	sh := s.shardFor(key)
	sh.Mu.Lock()

	if tok != nil {
		raced := s.raced(tok)
		s.release(tok)
		if raced {
			sh.Mu.Unlock()
			log.Debugw("discarding resolution raced by invalidation", "key", key, "resource", resource)
			return false
		}
	}

	now := s.engine.Now()
	ent, ok := sh.Store.Get(key)
	created := !ok
	switch {
	case !ok:
		tick := s.tick.Add(1)
		ent = types.NewCacheEntry(key, tick, now)
		sh.Store.Put(key, ent)
		sh.Eviction.OnPut(key, tick)
		s.size.Add(1)
	case s.engine.IsExpired(ent):
		ent.Renew(now)
		sh.Eviction.OnGet(key, s.tick.Add(1))
	}
	ent.SetResourceValues(resource, values, now)
	sh.Mu.Unlock()

	if created {
		s.EvictIfNeeded()
	}
	return true
}

// Invalidate force-expires an entry. Its values stay readable through Peek.
func (s *Store) Invalidate(key types.CacheKey) bool {
	sh := s.shardFor(key)
	sh.Mu.Lock()
	defer sh.Mu.Unlock()

	s.markInvalidated(sh, key)
	ent, ok := sh.Store.Get(key)
	if !ok {
		return false
	}
	ent.ForceExpire()
	return true
}

// InvalidateResource drops one resource's contribution. An entry left without contributions is removed.
func (s *Store) InvalidateResource(key types.CacheKey, resource string) bool {
	sh := s.shardFor(key)
	sh.Mu.Lock()
	defer sh.Mu.Unlock()

	s.markInvalidated(sh, key)
	ent, ok := sh.Store.Get(key)
	if !ok || !ent.RemoveResource(resource) {
		return false
	}
	if len(ent.Resources()) == 0 {
		s.delete(sh, key)
	}
	return true
}

// Remove physically deletes an entry.
func (s *Store) Remove(key types.CacheKey) bool {
	sh := s.shardFor(key)
	sh.Mu.Lock()
	defer sh.Mu.Unlock()

	s.markInvalidated(sh, key)
	if _, ok := sh.Store.Get(key); !ok {
		return false
	}
	s.delete(sh, key)
	return true
}

/*
RemoveIdentity drops everything cached for one identity.

With resource == "" every entry of the identity is deleted (identity removed).
Otherwise only that resource's contribution is dropped from each of the
identity's entries (resource un-linked). Returns the number of entries touched.
*/
func (s *Store) RemoveIdentity(identityType, identityID, resource string) int {
	n := 0
	for _, sh := range s.shards {
		sh.Mu.Lock()
		s.markInvalidated(sh, identityMark(identityType, identityID))
		var matched []types.CacheKey
		sh.Store.Range(func(k types.CacheKey, _ *types.CacheEntry) bool {
			if k.BelongsTo(identityType, identityID) {
				matched = append(matched, k)
			}
			return true
		})
		for _, k := range matched {
			if resource == "" {
				s.delete(sh, k)
				n++
				continue
			}
			ent, _ := sh.Store.Get(k)
			if ent.RemoveResource(resource) {
				n++
				if len(ent.Resources()) == 0 {
					s.delete(sh, k)
				}
			}
		}
		sh.Mu.Unlock()
	}
	return n
}

/*
EvictIfNeeded removes entries until the store is back within maxEntries.

Each round asks every shard for its next victim, then evicts the smallest one.
Shard locks are taken one at a time; if the chosen victim changed in the
meantime the round is simply repeated.
*/
func (s *Store) EvictIfNeeded() int {
	evicted := 0
	for s.maxEntries > 0 && s.size.Load() > int64(s.maxEntries) {
		var (
			best   *shard.Shard
			victim evict.Victim
		)
		for _, sh := range s.shards {
			sh.Mu.Lock()
			v, ok := sh.Eviction.Victim()
			sh.Mu.Unlock()
			if ok && (best == nil || v.Less(victim)) {
				best, victim = sh, v
			}
		}
		if best == nil {
			break
		}

		best.Mu.Lock()
		if v, ok := best.Eviction.Victim(); ok && v == victim {
			k, _ := best.Eviction.Evict()
			best.Store.Delete(k)
			s.size.Add(-1)
			evicted++
			s.engine.Metrics.Eviction()
			log.Debugw("evicted entry", "key", victim.Key)
		}
		best.Mu.Unlock()
	}
	return evicted
}

// Sweep removes every entry that has no fresh contribution left.
func (s *Store) Sweep() int {
	removed := 0
	for _, sh := range s.shards {
		sh.Mu.Lock()
		var dead []types.CacheKey
		sh.Store.Range(func(k types.CacheKey, ent *types.CacheEntry) bool {
			if !s.engine.HasFresh(ent) {
				dead = append(dead, k)
			}
			return true
		})
		for _, k := range dead {
			s.delete(sh, k)
			s.engine.Metrics.Expire()
		}
		sh.Mu.Unlock()
		removed += len(dead)
	}
	if removed > 0 {
		log.Debugw("swept stale entries", "count", removed)
	}
	return removed
}

// Len returns the number of physical entries, stale ones included.
func (s *Store) Len() int {
	return int(s.size.Load())
}

// delete removes a key from a shard. The shard lock must be held.
func (s *Store) delete(sh *shard.Shard, key types.CacheKey) {
	sh.Store.Delete(key)
	sh.Eviction.Remove(key)
	s.size.Add(-1)
}

// touch records a genuine read. The shard lock must be held.
func (s *Store) touch(sh *shard.Shard, ent *types.CacheEntry) {
	s.engine.OnRead(ent)
	sh.Eviction.OnGet(ent.Key, s.tick.Add(1))
}

// snapshot copies an entry. The shard lock must be held.
func (s *Store) snapshot(ent *types.CacheEntry) *Snapshot {
	snap := &Snapshot{
		Key:            ent.Key,
		CreatedAt:      ent.CreatedAt,
		LastAccessedAt: ent.LastAccessedAt,
		ForcedExpiry:   ent.ForcedExpiry,
		Values:         make(map[string][]string),
		Fresh:          make(map[string]bool),
	}
	for _, r := range ent.Resources() {
		c, _ := ent.Contribution(r)
		snap.Values[r] = c.Values()
		snap.Fresh[r] = s.engine.IsFresh(ent, c)
	}
	return snap
}
