package api

import (
	"context"

	"github.com/krisalay/virattr-cache/types"
)

/*
Cache defines the PUBLIC API of the virtual-attribute cache.
This is the only entry point used by provisioning, reconciliation and read paths.
All of the details like (sharding, eviction, staleness, single-flight resolution)
are hidden behind this interface.
*/
type Cache interface {

	/*
		GetOrFetch returns the values one resource provides for one attribute.

		BEHAVIOR:
		-------------------
		1. If that resource's contribution is cached and fresh:
		   - Return it immediately (cache hit)

		2. If it is missing, stale or force-expired:
		   - Resolve it through the Resolver, at most once across concurrent callers
		   - Store it in cache
		   - Return it (cache miss)

		3. If the resolution fails:
		   - Nothing is cached
		   - With stale-read fallback enabled, the last-known values are returned
		   - Otherwise a *types.ResolutionError is returned
	*/
	GetOrFetch(ctx context.Context, key types.CacheKey, resource string, resolver types.Resolver) ([]string, error)

	/*
		GetAggregated returns the union of every resource's values for a key.

		Only fresh contributions take part. Depending on the aggregation mode a
		stale contribution is either left out or turns the whole key into a miss.
		A miss is an empty result, never an error.
	*/
	GetAggregated(key types.CacheKey) ([]string, error)

	/*
		Invalidate forgets a key after a write elsewhere in the system.

		USE CASES:
		----------
		- Attribute updated through a provisioning operation
		- Data consistency after updates

		The old values are discarded and will not be served as a fallback.
		Invalidating a key that is not cached is safe.
	*/
	Invalidate(key types.CacheKey) error

	// InvalidateResource forgets one resource's contribution to a key.
	InvalidateResource(key types.CacheKey, resource string) error

	/*
		TouchTTL makes a key look maximally stale without deleting it.

		The next read is a miss and triggers a refresh, but the last-known
		values stay available to GetStale and to the stale-read fallback.
	*/
	TouchTTL(key types.CacheKey) error

	// GetStale returns the last-known values of a resource, fresh or not.
	GetStale(key types.CacheKey, resource string) ([]string, bool, error)

	/*
		Close stops background goroutines.

		WHEN TO CALL:
		-------------
		- Application shutdown
		- Tests cleanup
	*/
	Close() error
}
