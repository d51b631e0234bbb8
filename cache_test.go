package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	cache "github.com/krisalay/virattr-cache"
	"github.com/krisalay/virattr-cache/types"
)

//
// ================= TEST RESOURCES =================
//

// TestResolver serves attribute values per resource and counts every call.
type TestResolver struct {
	mu    sync.Mutex
	data  map[string][]string
	err   error
	calls atomic.Int64

	// gate, when set, blocks every fetch until it is closed.
	gate chan struct{}
}

func NewTestResolver() *TestResolver {
	return &TestResolver{data: make(map[string][]string)}
}

func (r *TestResolver) Set(resource string, values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[resource] = values
}

func (r *TestResolver) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *TestResolver) Fetch(ctx context.Context, _, _, _, resource string) ([]string, error) {
	r.calls.Add(1)
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.data[resource], nil
}

func (r *TestResolver) Calls() int { return int(r.calls.Load()) }

var key = types.CacheKey{IdentityType: "USER", IdentityID: "alice", SchemaName: "email"}

func keyFor(id string) types.CacheKey {
	return types.CacheKey{IdentityType: "USER", IdentityID: id, SchemaName: "email"}
}

//
// ================= HELPER: CREATE CACHE (FAKE CLOCK) =================
//

func newTestCache(t *testing.T, opts ...cache.Option) (*cache.VirtualAttributeCache, *clocktesting.FakeClock) {
	t.Helper()
	fc := clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	c, err := cache.New(append([]cache.Option{
		cache.WithClock(fc),
		cache.WithTTL(60 * time.Second),
		cache.WithShards(4),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, fc
}

//
// ================= BASIC OPERATIONS =================
//

func TestFirstMissCallsResolverOnce(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	r := NewTestResolver()
	r.Set("ldap", "x", "y")

	v, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, v)
	require.Equal(t, 1, r.Calls())

	v, err = c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, v)
	require.Equal(t, 1, r.Calls(), "second read must be served from memory")
}

func TestValuesAreASet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	r := NewTestResolver()
	r.Set("ldap", "b", "a", "b")

	v, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, v)
}

func TestEmptyValueSetIsCached(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	r := NewTestResolver()

	v, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Empty(t, v)

	_, err = c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Equal(t, 1, r.Calls(), "an empty answer is still an answer")
}

func TestReturnedSliceIsACopy(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	r := NewTestResolver()
	r.Set("ldap", "x")

	v, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	v[0] = "mutated"

	v, err = c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, v)
}

func TestAggregationRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	require.NoError(t, c.Put(key, "R1", []string{"x", "y"}))
	require.NoError(t, c.Put(key, "R2", []string{"z"}))

	v, err := c.GetAggregated(key)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y", "z"}, v)

	r := NewTestResolver()
	v, err = c.GetOrFetch(ctx, key, "R1", r)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, v)
	require.Zero(t, r.Calls())
}

func TestPutReplacesOnlyOneResource(t *testing.T) {
	c, _ := newTestCache(t)

	require.NoError(t, c.Put(key, "R1", []string{"x", "y"}))
	require.NoError(t, c.Put(key, "R2", []string{"z"}))
	require.NoError(t, c.Put(key, "R1", []string{"w"}))

	v, err := c.GetAggregated(key)
	require.NoError(t, err)
	require.Equal(t, []string{"w", "z"}, v)
}

func TestGetAggregatedMissIsEmpty(t *testing.T) {
	c, _ := newTestCache(t)

	v, err := c.GetAggregated(key)
	require.NoError(t, err)
	require.Empty(t, v)
}

//
// ================= TTL =================
//

func TestTTLExpiration(t *testing.T) {
	ctx := context.Background()
	c, fc := newTestCache(t)
	r := NewTestResolver()
	r.Set("ldap", "x")

	// t=0
	_, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)

	// t=30: hit
	fc.Step(30 * time.Second)
	_, err = c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Equal(t, 1, r.Calls())

	// t=61: stale, refetch
	fc.Step(31 * time.Second)
	r.Set("ldap", "x2")
	v, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Equal(t, []string{"x2"}, v)
	require.Equal(t, 2, r.Calls())
}

func TestZeroTTLNeverGoesStale(t *testing.T) {
	ctx := context.Background()
	c, fc := newTestCache(t, cache.WithTTL(0))
	r := NewTestResolver()
	r.Set("ldap", "x")

	_, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)

	fc.Step(24 * time.Hour)
	_, err = c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Equal(t, 1, r.Calls())
}

func TestAggregatedDropsStaleResources(t *testing.T) {
	c, fc := newTestCache(t)

	require.NoError(t, c.Put(key, "R1", []string{"x"}))
	fc.Step(40 * time.Second)
	require.NoError(t, c.Put(key, "R2", []string{"z"}))
	fc.Step(30 * time.Second)

	// R1 is 70s old, R2 is 30s old.
	v, err := c.GetAggregated(key)
	require.NoError(t, err)
	require.Equal(t, []string{"z"}, v)
}

func TestStrictAggregationMissesOnAnyStaleResource(t *testing.T) {
	c, fc := newTestCache(t, cache.WithAggregationMode(cache.AggregationStrict))

	require.NoError(t, c.Put(key, "R1", []string{"x"}))
	fc.Step(40 * time.Second)
	require.NoError(t, c.Put(key, "R2", []string{"z"}))
	fc.Step(30 * time.Second)

	v, err := c.GetAggregated(key)
	require.NoError(t, err)
	require.Empty(t, v)
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	c, fc := newTestCache(t)

	require.NoError(t, c.Put(keyFor("a"), "ldap", []string{"x"}))
	fc.Step(50 * time.Second)
	require.NoError(t, c.Put(keyFor("b"), "ldap", []string{"y"}))
	fc.Step(20 * time.Second)

	require.Equal(t, 1, c.Sweep())
	require.Equal(t, 1, c.Len())
}

func TestBackgroundSweep(t *testing.T) {
	c, fc := newTestCache(t, cache.WithSweepInterval(10*time.Second))

	require.NoError(t, c.Put(key, "ldap", []string{"x"}))
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)

	fc.Step(61 * time.Second)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)
}

//
// ================= CAPACITY & EVICTION =================
//

func TestEvictionOnCapacity(t *testing.T) {
	c, fc := newTestCache(t, cache.WithMaxEntries(2))

	require.NoError(t, c.Put(keyFor("a"), "ldap", []string{"a"}))
	fc.Step(time.Second)
	require.NoError(t, c.Put(keyFor("b"), "ldap", []string{"b"}))
	fc.Step(time.Second)
	require.NoError(t, c.Put(keyFor("c"), "ldap", []string{"c"})) // evicts a

	require.Equal(t, 2, c.Len())
	_, ok, err := c.Get(keyFor("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

// The clock never moves: recency must not depend on timestamps.
func TestRecentReadProtectsFromEviction(t *testing.T) {
	c, _ := newTestCache(t, cache.WithMaxEntries(2))

	require.NoError(t, c.Put(keyFor("a"), "ldap", []string{"a"}))
	require.NoError(t, c.Put(keyFor("b"), "ldap", []string{"b"}))

	_, ok, err := c.Get(keyFor("a"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Put(keyFor("c"), "ldap", []string{"c"})) // evicts b

	_, ok, _ = c.Get(keyFor("a"))
	require.True(t, ok)
	_, ok, _ = c.Get(keyFor("b"))
	require.False(t, ok)
	_, ok, _ = c.Get(keyFor("c"))
	require.True(t, ok)
}

func TestCapacityHoldsUnderLoad(t *testing.T) {
	c, _ := newTestCache(t, cache.WithMaxEntries(50))

	for i := 0; i < 500; i++ {
		require.NoError(t, c.Put(keyFor(fmt.Sprintf("u%d", i)), "ldap", []string{"v"}))
	}
	require.Equal(t, 50, c.Len())
}

//
// ================= INVALIDATION =================
//

func TestInvalidateThenReadIsMiss(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	r := NewTestResolver()
	r.Set("ldap", "old")

	_, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(key))
	r.Set("ldap", "new")

	v, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, v)
	require.Equal(t, 2, r.Calls())

	_, ok, err := c.GetStale(keyFor("nobody"), "ldap")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvalidateMissingKeyIsSafe(t *testing.T) {
	c, _ := newTestCache(t)
	require.NoError(t, c.Invalidate(key))
	require.NoError(t, c.InvalidateResource(key, "ldap"))
}

func TestInvalidateResourceKeepsOthers(t *testing.T) {
	c, _ := newTestCache(t)

	require.NoError(t, c.Put(key, "R1", []string{"x"}))
	require.NoError(t, c.Put(key, "R2", []string{"z"}))
	require.NoError(t, c.InvalidateResource(key, "R1"))

	v, err := c.GetAggregated(key)
	require.NoError(t, err)
	require.Equal(t, []string{"z"}, v)
}

func TestTouchTTLKeepsStaleValues(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	require.NoError(t, c.Put(key, "ldap", []string{"x"}))

	require.NoError(t, c.TouchTTL(key))

	_, ok, err := c.Get(key)
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := c.GetStale(key, "ldap")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"x"}, v)

	r := NewTestResolver()
	r.Set("ldap", "y")
	v, err = c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Equal(t, []string{"y"}, v)
	require.Equal(t, 1, r.Calls())
}

func TestTouchTTLStalesEveryResource(t *testing.T) {
	c, _ := newTestCache(t)
	require.NoError(t, c.Put(key, "R1", []string{"x"}))
	require.NoError(t, c.Put(key, "R2", []string{"z"}))

	require.NoError(t, c.TouchTTL(key))
	require.NoError(t, c.Put(key, "R2", []string{"z2"}))

	// R1 was written before the forced expiry and stays stale.
	v, err := c.GetAggregated(key)
	require.NoError(t, err)
	require.Equal(t, []string{"z2"}, v)
}

func TestInvalidateIdentity(t *testing.T) {
	c, _ := newTestCache(t)
	other := types.CacheKey{IdentityType: "USER", IdentityID: "alice", SchemaName: "phone"}

	require.NoError(t, c.Put(key, "ldap", []string{"x"}))
	require.NoError(t, c.Put(other, "ldap", []string{"1"}))
	require.NoError(t, c.Put(keyFor("bob"), "ldap", []string{"b"}))

	n, err := c.InvalidateIdentity("USER", "alice")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 1, c.Len())
}

func TestUnlinkResource(t *testing.T) {
	c, _ := newTestCache(t)
	other := types.CacheKey{IdentityType: "USER", IdentityID: "alice", SchemaName: "phone"}

	require.NoError(t, c.Put(key, "ldap", []string{"x"}))
	require.NoError(t, c.Put(key, "crm", []string{"y"}))
	require.NoError(t, c.Put(other, "ldap", []string{"1"}))

	n, err := c.UnlinkResource("USER", "alice", "ldap")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	v, err := c.GetAggregated(key)
	require.NoError(t, err)
	require.Equal(t, []string{"y"}, v)

	// phone had only ldap and is gone.
	require.Equal(t, 1, c.Len())
}

//
// ================= FAILURES =================
//

func TestFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	r := NewTestResolver()
	r.Fail(errors.New("connector down"))

	_, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.ErrorIs(t, err, types.ErrResolutionFailed)
	require.True(t, platformerrors.IsRetryable(err))

	var rerr *types.ResolutionError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, key, rerr.Key)
	require.Equal(t, "ldap", rerr.Resource)

	r.Fail(nil)
	r.Set("ldap", "x")
	v, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, v)
	require.Equal(t, 2, r.Calls())
}

func TestStaleReadFallback(t *testing.T) {
	ctx := context.Background()
	c, fc := newTestCache(t, cache.WithStaleReadFallback(true))
	r := NewTestResolver()
	r.Set("ldap", "x")

	_, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)

	fc.Step(61 * time.Second)
	r.Fail(errors.New("connector down"))

	v, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, v)
}

func TestNoStaleReadFallbackByDefault(t *testing.T) {
	ctx := context.Background()
	c, fc := newTestCache(t)
	r := NewTestResolver()
	r.Set("ldap", "x")

	_, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)

	fc.Step(61 * time.Second)
	r.Fail(errors.New("connector down"))

	_, err = c.GetOrFetch(ctx, key, "ldap", r)
	require.ErrorIs(t, err, types.ErrResolutionFailed)
}

func TestFallbackDoesNotServeInvalidatedValues(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, cache.WithStaleReadFallback(true))
	require.NoError(t, c.Put(key, "ldap", []string{"x"}))
	require.NoError(t, c.Invalidate(key))

	r := NewTestResolver()
	r.Fail(errors.New("connector down"))
	_, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.ErrorIs(t, err, types.ErrResolutionFailed)
}

func TestResolveTimeout(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, cache.WithResolveTimeout(20*time.Millisecond))
	r := NewTestResolver()
	r.gate = make(chan struct{}) // never released

	_, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.ErrorIs(t, err, types.ErrResolutionFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, platformerrors.CodeTimeout, platformerrors.GetCode(err))
	require.Zero(t, c.Len())
}

func TestInvalidKey(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	r := NewTestResolver()

	bad := []types.CacheKey{
		{IdentityType: "", IdentityID: "alice", SchemaName: "email"},
		{IdentityType: "USER", IdentityID: "  ", SchemaName: "email"},
		{IdentityType: "USER", IdentityID: "alice", SchemaName: ""},
	}
	for _, k := range bad {
		_, err := c.GetOrFetch(ctx, k, "ldap", r)
		require.ErrorIs(t, err, types.ErrInvalidKey)
		_, err = c.GetAggregated(k)
		require.ErrorIs(t, err, types.ErrInvalidKey)
		require.ErrorIs(t, c.Invalidate(k), types.ErrInvalidKey)
		require.ErrorIs(t, c.TouchTTL(k), types.ErrInvalidKey)
	}

	_, err := c.GetOrFetch(ctx, key, "", r)
	require.ErrorIs(t, err, types.ErrInvalidKey)
	require.Zero(t, r.Calls())
}

func TestClosedCache(t *testing.T) {
	c, _ := newTestCache(t)
	require.NoError(t, c.Put(key, "ldap", []string{"a@x"}))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.GetOrFetch(context.Background(), key, "ldap", NewTestResolver())
	require.ErrorIs(t, err, types.ErrClosed)
	_, err = c.GetAggregated(key)
	require.ErrorIs(t, err, types.ErrClosed)
	_, _, err = c.Get(key)
	require.ErrorIs(t, err, types.ErrClosed)
	_, _, err = c.GetStale(key, "ldap")
	require.ErrorIs(t, err, types.ErrClosed)
	require.ErrorIs(t, c.Put(key, "ldap", []string{"b@x"}), types.ErrClosed)
	require.ErrorIs(t, c.Invalidate(key), types.ErrClosed)
	require.ErrorIs(t, c.InvalidateResource(key, "ldap"), types.ErrClosed)
	require.ErrorIs(t, c.TouchTTL(key), types.ErrClosed)
	_, err = c.InvalidateIdentity("USER", "alice")
	require.ErrorIs(t, err, types.ErrClosed)
	_, err = c.UnlinkResource("USER", "alice", "ldap")
	require.ErrorIs(t, err, types.ErrClosed)

	// Inspection still works and nothing above changed the entry.
	require.Equal(t, 1, c.Len())
	require.Equal(t, 0, c.InFlight())
	require.Equal(t, 0, c.Sweep())
}

//
// ================= CONCURRENCY TEST =================
//

// startGated launches n readers against a gated resolver and waits until they are all about to call it.
func startGated(t *testing.T, c *cache.VirtualAttributeCache, r *TestResolver, n int) ([][]string, []error, *sync.WaitGroup) {
	t.Helper()
	ctx := context.Background()
	vals := make([][]string, n)
	errs := make([]error, n)

	ready := sync.WaitGroup{}
	done := &sync.WaitGroup{}
	for i := 0; i < n; i++ {
		ready.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			ready.Done()
			vals[i], errs[i] = c.GetOrFetch(ctx, key, "ldap", r)
		}(i)
	}
	ready.Wait()
	require.Eventually(t, func() bool { return r.Calls() == 1 }, time.Second, time.Millisecond)
	// Let the remaining readers join the flight.
	time.Sleep(50 * time.Millisecond)
	return vals, errs, done
}

func TestConcurrentMissesShareOneResolution(t *testing.T) {
	c, _ := newTestCache(t)
	r := NewTestResolver()
	r.Set("ldap", "x", "y")
	r.gate = make(chan struct{})

	vals, errs, done := startGated(t, c, r, 20)
	close(r.gate)
	done.Wait()

	require.Equal(t, 1, r.Calls())
	for i := range vals {
		require.NoError(t, errs[i])
		require.Equal(t, []string{"x", "y"}, vals[i])
	}
}

func TestConcurrentMissesShareOneFailure(t *testing.T) {
	c, _ := newTestCache(t)
	r := NewTestResolver()
	r.Fail(errors.New("connector down"))
	r.gate = make(chan struct{})

	_, errs, done := startGated(t, c, r, 20)
	close(r.gate)
	done.Wait()

	require.Equal(t, 1, r.Calls())
	for _, err := range errs {
		require.ErrorIs(t, err, types.ErrResolutionFailed)
	}
	require.Zero(t, c.Len())
}

func TestWaiterCancellationDoesNotAbortFlight(t *testing.T) {
	c, _ := newTestCache(t)
	r := NewTestResolver()
	r.Set("ldap", "x")
	r.gate = make(chan struct{})

	vals, errs, done := startGated(t, c, r, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, types.ErrResolutionFailed)

	close(r.gate)
	done.Wait()
	require.Equal(t, 1, r.Calls())
	for i := range vals {
		require.NoError(t, errs[i])
		require.Equal(t, []string{"x"}, vals[i])
	}
}

func TestInvalidationDuringResolutionIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	r := NewTestResolver()
	r.Set("ldap", "old")
	r.gate = make(chan struct{})

	_, errs, done := startGated(t, c, r, 1)
	require.NoError(t, c.Invalidate(key))
	close(r.gate)
	done.Wait()
	require.NoError(t, errs[0])

	// The in-flight answer predates the write and was not stored.
	r.gate = nil
	r.Set("ldap", "new")
	v, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, v)
	require.Equal(t, 2, r.Calls())
}

func TestInvalidatingAnotherKeyKeepsInFlightResult(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, cache.WithShards(1))
	r := NewTestResolver()
	r.Set("ldap", "x")
	r.gate = make(chan struct{})

	_, errs, done := startGated(t, c, r, 1)
	require.NoError(t, c.Invalidate(keyFor("bob")))
	require.NoError(t, c.InvalidateResource(keyFor("carol"), "ldap"))
	close(r.gate)
	done.Wait()
	require.NoError(t, errs[0])

	r.gate = nil
	v, err := c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, v)
	require.Equal(t, 1, r.Calls())
}

func TestIdentityInvalidationDuringResolutionIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	r := NewTestResolver()
	r.Set("ldap", "old")
	r.gate = make(chan struct{})

	_, errs, done := startGated(t, c, r, 1)
	_, err := c.InvalidateIdentity(key.IdentityType, key.IdentityID)
	require.NoError(t, err)
	close(r.gate)
	done.Wait()
	require.NoError(t, errs[0])

	r.gate = nil
	_, err = c.GetOrFetch(ctx, key, "ldap", r)
	require.NoError(t, err)
	require.Equal(t, 2, r.Calls())
}

// parkingMetrics holds the caller of the park-th Miss until release is closed.
type parkingMetrics struct {
	types.NoopMetrics
	misses  atomic.Int64
	park    int64
	parked  chan struct{}
	release chan struct{}
}

func (m *parkingMetrics) Miss() {
	if m.misses.Add(1) == m.park {
		close(m.parked)
		<-m.release
	}
}

func TestMissOverlappingFinishedFlightIsNotResolvedAgain(t *testing.T) {
	m := &parkingMetrics{park: 2, parked: make(chan struct{}), release: make(chan struct{})}
	c, _ := newTestCache(t, cache.WithMetrics(m))
	r := NewTestResolver()
	r.Set("ldap", "x")
	r.gate = make(chan struct{})

	// The first reader leads a flight and blocks in the resolver.
	_, errs, first := startGated(t, c, r, 1)

	// The second reader misses while that flight runs, then stalls before joining it.
	var (
		second    []string
		secondErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		second, secondErr = c.GetOrFetch(context.Background(), key, "ldap", r)
	}()
	<-m.parked

	close(r.gate)
	first.Wait()
	require.NoError(t, errs[0])
	require.Eventually(t, func() bool { return c.InFlight() == 0 }, time.Second, time.Millisecond)

	// The flight is over and its values are stored; the second reader must use them.
	close(m.release)
	<-done
	require.NoError(t, secondErr)
	require.Equal(t, []string{"x"}, second)
	require.Equal(t, 1, r.Calls())
}

func TestConcurrentGet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, cache.WithMaxEntries(64))
	r := NewTestResolver()
	r.Set("ldap", "value")

	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				k := keyFor(fmt.Sprintf("u%d", (i+j)%100))
				v, err := c.GetOrFetch(ctx, k, "ldap", r)
				if err != nil || len(v) != 1 || v[0] != "value" {
					t.Errorf("unexpected result %v %v", v, err)
					return
				}
				if j%50 == 0 {
					_ = c.Invalidate(k)
				}
			}
		}(i)
	}
	wg.Wait()

	require.LessOrEqual(t, c.Len(), 64)
	require.Zero(t, c.InFlight())
}

func TestInvalidOptions(t *testing.T) {
	for _, opt := range []cache.Option{
		cache.WithTTL(-time.Second),
		cache.WithMaxEntries(-1),
		cache.WithShards(0),
		cache.WithEvictionPolicy("random"),
		cache.WithExpiration("never"),
		cache.WithAggregationMode("sometimes"),
		cache.WithResolveTimeout(-time.Second),
		cache.WithSweepInterval(-time.Second),
	} {
		_, err := cache.New(opt)
		require.Error(t, err)
	}
}
