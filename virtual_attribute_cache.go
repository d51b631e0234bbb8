package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	platformerrors "github.com/jmgilman/go/errors"

	"github.com/krisalay/virattr-cache/api"
	"github.com/krisalay/virattr-cache/coordinator"
	"github.com/krisalay/virattr-cache/engine"
	"github.com/krisalay/virattr-cache/expiration"
	"github.com/krisalay/virattr-cache/store"
	"github.com/krisalay/virattr-cache/types"
)

var log = logging.Logger("virattr")

// Snapshot is a lock-free copy of one cache entry.
type Snapshot = store.Snapshot

var _ api.Cache = (*VirtualAttributeCache)(nil)

/*
VirtualAttributeCache memoizes virtual attribute values that are computed by
querying external resources.

It connects:
- store (sharded entries, eviction, staleness)
- coordinator (one external resolution per miss)
- engine (clock, expiration, metrics)

One instance is meant to serve the whole process. It is built explicitly with
New and handed to whoever needs it; there is no package-level instance.
*/
type VirtualAttributeCache struct {
	engine *engine.CacheEngine
	store  *store.Store
	coord  *coordinator.Coordinator

	staleReadFallback bool
	aggregation       AggregationMode

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates a cache from options. See the With* functions for defaults.
func New(options ...Option) (*VirtualAttributeCache, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	exp, err := expiration.New(opts.expiration, opts.ttl)
	if err != nil {
		return nil, err
	}

	eng := engine.NewCacheEngine(exp, opts.clock, opts.metrics)
	st := store.New(opts.shards, opts.maxEntries, opts.eviction, eng)

	c := &VirtualAttributeCache{
		engine:            eng,
		store:             st,
		coord:             coordinator.New(st, opts.resolveTimeout, opts.metrics),
		staleReadFallback: opts.staleReadFallback,
		aggregation:       opts.aggregation,
		stop:              make(chan struct{}),
	}

	if opts.sweepInterval > 0 {
		c.wg.Add(1)
		go c.janitor(opts.sweepInterval)
	}

	log.Debugw("virtual attribute cache created",
		"ttl", opts.ttl,
		"maxEntries", opts.maxEntries,
		"shards", opts.shards,
		"eviction", opts.eviction,
		"expiration", opts.expiration,
		"aggregation", opts.aggregation,
		"staleReadFallback", opts.staleReadFallback)

	return c, nil
}

/*
GetOrFetch returns one resource's values for a key, resolving them on a miss.
*/
func (c *VirtualAttributeCache) GetOrFetch(
	ctx context.Context,
	key types.CacheKey,
	resource string,
	resolver types.Resolver,
) ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := validate(key, resource); err != nil {
		return nil, err
	}
	if resolver == nil {
		return nil, platformerrors.New(platformerrors.CodeInvalidInput, "nil resolver")
	}

	// Fresh contribution: cache hit
	if values, ok := c.store.GetResource(key, resource); ok {
		return values, nil
	}

	// Cache miss
	c.engine.Metrics.Miss()

	values, err := c.coord.Resolve(ctx, key, resource, func(ctx context.Context) ([]string, error) {
		return resolver.Fetch(ctx, key.IdentityType, key.IdentityID, key.SchemaName, resource)
	})
	if err == nil {
		return values, nil
	}

	if c.staleReadFallback {
		if last, ok := c.store.PeekResource(key, resource); ok {
			c.engine.Metrics.StaleServed()
			log.Warnw("serving stale values after failed resolution",
				"key", key, "resource", resource, "err", err)
			return last, nil
		}
	}
	return nil, err
}

// GetAggregated returns the union of the fresh contributions of a key.
func (c *VirtualAttributeCache) GetAggregated(key types.CacheKey) ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return c.store.Aggregate(key, c.aggregation == AggregationStrict), nil
}

// Get returns the whole entry of a key if it is logically present.
func (c *VirtualAttributeCache) Get(key types.CacheKey) (*Snapshot, bool, error) {
	if err := c.checkOpen(); err != nil {
		return nil, false, err
	}
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	snap, ok := c.store.Get(key)
	return snap, ok, nil
}

// Put stores one resource's values directly, without a resolver.
func (c *VirtualAttributeCache) Put(key types.CacheKey, resource string, values []string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := validate(key, resource); err != nil {
		return err
	}
	c.store.Put(key, resource, values, nil)
	return nil
}

// Invalidate removes a key; its values are not kept as a fallback.
func (c *VirtualAttributeCache) Invalidate(key types.CacheKey) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return err
	}
	c.engine.Metrics.Invalidate()
	if c.store.Remove(key) {
		log.Debugw("invalidated", "key", key)
	}
	return nil
}

// InvalidateResource removes one resource's contribution to a key.
func (c *VirtualAttributeCache) InvalidateResource(key types.CacheKey, resource string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := validate(key, resource); err != nil {
		return err
	}
	c.engine.Metrics.Invalidate()
	if c.store.InvalidateResource(key, resource) {
		log.Debugw("invalidated resource", "key", key, "resource", resource)
	}
	return nil
}

// InvalidateIdentity removes every cached attribute of an identity. It returns the number of entries removed.
func (c *VirtualAttributeCache) InvalidateIdentity(identityType, identityID string) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if err := validateIdentity(identityType, identityID); err != nil {
		return 0, err
	}
	c.engine.Metrics.Invalidate()
	n := c.store.RemoveIdentity(identityType, identityID, "")
	log.Debugw("invalidated identity", "type", identityType, "id", identityID, "entries", n)
	return n, nil
}

// UnlinkResource removes one resource's contributions from every attribute of an identity.
func (c *VirtualAttributeCache) UnlinkResource(identityType, identityID, resource string) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if err := validateIdentity(identityType, identityID); err != nil {
		return 0, err
	}
	if strings.TrimSpace(resource) == "" {
		return 0, emptyResource()
	}
	c.engine.Metrics.Invalidate()
	n := c.store.RemoveIdentity(identityType, identityID, resource)
	log.Debugw("unlinked resource", "type", identityType, "id", identityID, "resource", resource, "entries", n)
	return n, nil
}

// TouchTTL force-expires a key and keeps its values for stale reads.
func (c *VirtualAttributeCache) TouchTTL(key types.CacheKey) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return err
	}
	c.store.Invalidate(key)
	return nil
}

// GetStale returns the last-known values of a resource, fresh or not.
func (c *VirtualAttributeCache) GetStale(key types.CacheKey, resource string) ([]string, bool, error) {
	if err := c.checkOpen(); err != nil {
		return nil, false, err
	}
	if err := validate(key, resource); err != nil {
		return nil, false, err
	}
	values, ok := c.store.PeekResource(key, resource)
	return values, ok, nil
}

// Sweep physically removes entries with no fresh contribution.
func (c *VirtualAttributeCache) Sweep() int {
	return c.store.Sweep()
}

// Len returns the number of physical entries, stale ones included.
func (c *VirtualAttributeCache) Len() int {
	return c.store.Len()
}

// InFlight returns the number of external resolutions currently running.
func (c *VirtualAttributeCache) InFlight() int {
	return c.coord.InFlight()
}

/*
Close stops the background sweep. Calling Close more than once is safe.

After Close every read, write and invalidation returns ErrClosed. Sweep, Len
and InFlight keep working so a shutting-down caller can still inspect the cache.
*/
func (c *VirtualAttributeCache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stop)
	c.wg.Wait()
	return nil
}

func (c *VirtualAttributeCache) checkOpen() error {
	if c.closed.Load() {
		return types.ErrClosed
	}
	return nil
}

func (c *VirtualAttributeCache) janitor(interval time.Duration) {
	defer c.wg.Done()

	t := c.engine.Clock.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C():
			c.store.Sweep()
		case <-c.stop:
			return
		}
	}
}

func validate(key types.CacheKey, resource string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(resource) == "" {
		return emptyResource()
	}
	return nil
}

func validateIdentity(identityType, identityID string) error {
	// Any non-empty schema name will do: only the identity fields are checked here.
	return types.CacheKey{IdentityType: identityType, IdentityID: identityID, SchemaName: "*"}.Validate()
}

func emptyResource() error {
	return platformerrors.Wrap(types.ErrInvalidKey, platformerrors.CodeInvalidInput, "resource name is empty")
}
