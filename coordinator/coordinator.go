package coordinator

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"github.com/krisalay/virattr-cache/store"
	"github.com/krisalay/virattr-cache/types"
)

var log = logging.Logger("virattr/coordinator")

// FetchFunc performs one external resolution.
type FetchFunc func(ctx context.Context) ([]string, error)

/*
Coordinator makes sure there is at most ONE external resolution in flight per
(key, resource), no matter how many goroutines miss at the same time.

- The first caller becomes the leader and runs the fetch exactly once
- The leader stores a successful result in the store
- Every caller that joined the flight gets the same values or the same error
- Failures are never cached; the next caller after a failure starts a new flight
*/
type Coordinator struct {
	store   *store.Store
	metrics types.Metrics

	// timeout bounds every resolution. 0 means only the caller's deadline applies.
	timeout time.Duration

	sf       singleflight.Group
	inFlight atomic.Int64
}

// New creates a Coordinator that stores results into st.
func New(st *store.Store, timeout time.Duration, metrics types.Metrics) *Coordinator {
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	return &Coordinator{
		store:   st,
		metrics: metrics,
		timeout: timeout,
	}
}

/*
Resolve returns the values of one resource for one key, resolving them at most
once across concurrent callers.

The fetch runs with a context that ignores the leader's cancellation, so one
caller giving up does not fail everybody else. It is bounded by the leader's
deadline and the configured timeout, whichever comes first; when that
deadline passes the flight fails for every waiter and nothing is cached.

A caller whose own ctx ends stops waiting and gets a ResolutionError wrapping
ctx.Err(); the flight carries on for the others.
*/
func (c *Coordinator) Resolve(ctx context.Context, key types.CacheKey, resource string, fetch FetchFunc) ([]string, error) {
	ch := c.sf.DoChan(flightKey(key, resource), func() (any, error) {
		return c.lead(ctx, key, resource, fetch)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// Each caller gets its own copy of the shared slice.
		return slices.Clone(res.Val.([]string)), nil
	case <-ctx.Done():
		return nil, types.NewResolutionError(key, resource, ctx.Err())
	}
}

// InFlight is the number of resolutions currently running.
func (c *Coordinator) InFlight() int {
	return int(c.inFlight.Load())
}

func (c *Coordinator) lead(ctx context.Context, key types.CacheKey, resource string, fetch FetchFunc) ([]string, error) {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	tok := c.store.Begin(key)
	defer c.store.Abort(tok)

	// A previous flight may have stored the values between this caller's
	// miss and Begin.
	if values, ok := c.store.FreshResource(key, resource); ok {
		log.Debugw("resolution skipped, values stored by an earlier flight", "key", key, "resource", resource)
		return values, nil
	}

	rctx, cancel := c.resolveContext(ctx)
	defer cancel()

	start := time.Now()
	values, err := fetch(rctx)
	if err == nil && rctx.Err() != nil {
		// The fetch ignored its context and returned late.
		err = rctx.Err()
	}
	c.metrics.Resolve(time.Since(start), err)

	if err != nil {
		log.Warnw("resolution failed", "key", key, "resource", resource, "err", err)
		return nil, types.NewResolutionError(key, resource, err)
	}

	values = dedupe(values)
	if !c.store.Put(key, resource, values, tok) {
		log.Infow("resolution not cached, key invalidated while in flight", "key", key, "resource", resource)
	}
	return values, nil
}

func (c *Coordinator) resolveContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if c.timeout > 0 {
		if d := time.Now().Add(c.timeout); !ok || d.Before(deadline) {
			deadline, ok = d, true
		}
	}
	detached := context.WithoutCancel(ctx)
	if !ok {
		return context.WithCancel(detached)
	}
	return context.WithDeadline(detached, deadline)
}

// flightKey length-prefixes every field so distinct (key, resource) pairs never collide.
func flightKey(key types.CacheKey, resource string) string {
	var b strings.Builder
	for _, f := range [...]string{key.IdentityType, key.IdentityID, key.SchemaName, resource} {
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
	}
	return b.String()
}

// dedupe returns the values as a sorted set. A nil result becomes an empty set.
func dedupe(values []string) []string {
	out := slices.Clone(values)
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []string{}
	}
	return out
}
