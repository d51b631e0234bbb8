package cache

import (
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/krisalay/virattr-cache/eviction"
	"github.com/krisalay/virattr-cache/expiration"
	"github.com/krisalay/virattr-cache/types"
)

const (
	defaultTTL        = 60 * time.Second
	defaultMaxEntries = 5000
	defaultShards     = 16
)

// AggregationMode decides how GetAggregated treats stale contributions.
type AggregationMode string

const (
	// AggregationDropStale leaves stale contributions out of the union. This is the default.
	AggregationDropStale AggregationMode = "drop-stale"

	// AggregationStrict reports a miss for the whole key if any contribution is stale.
	AggregationStrict AggregationMode = "strict"
)

type config struct {
	ttl               time.Duration
	maxEntries        int
	staleReadFallback bool
	shards            int
	eviction          eviction.PolicyType
	expiration        expiration.Kind
	aggregation       AggregationMode
	resolveTimeout    time.Duration
	sweepInterval     time.Duration
	clock             clock.WithTicker
	metrics           types.Metrics
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		ttl:         defaultTTL,
		maxEntries:  defaultMaxEntries,
		shards:      defaultShards,
		eviction:    eviction.LRU,
		expiration:  expiration.AfterWrite,
		aggregation: AggregationDropStale,
		clock:       clock.RealClock{},
		metrics:     types.NoopMetrics{},
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %w", i, err)
		}
	}
	return cfg, nil
}

// WithTTL sets the staleness window of cached values. A TTL of 0 disables
// time-based staleness; only invalidation and eviction remove values.
//
// Default is 60 seconds.
func WithTTL(ttl time.Duration) Option {
	return func(cfg *config) error {
		if ttl < 0 {
			return fmt.Errorf("negative ttl %s", ttl)
		}
		cfg.ttl = ttl
		return nil
	}
}

// WithMaxEntries bounds the number of cached keys. 0 means unbounded.
//
// Default is 5000.
func WithMaxEntries(n int) Option {
	return func(cfg *config) error {
		if n < 0 {
			return fmt.Errorf("negative max entries %d", n)
		}
		cfg.maxEntries = n
		return nil
	}
}

// WithStaleReadFallback makes GetOrFetch return the last-known values of a
// resource when its resolution fails, instead of the error.
func WithStaleReadFallback(enabled bool) Option {
	return func(cfg *config) error {
		cfg.staleReadFallback = enabled
		return nil
	}
}

// WithShards sets the number of independently locked shards.
//
// Default is 16.
func WithShards(n int) Option {
	return func(cfg *config) error {
		if n < 1 {
			return fmt.Errorf("shard count must be at least 1, got %d", n)
		}
		cfg.shards = n
		return nil
	}
}

// WithEvictionPolicy selects the eviction order. Default is LRU.
func WithEvictionPolicy(p eviction.PolicyType) Option {
	return func(cfg *config) error {
		t, err := eviction.ParsePolicyType(string(p))
		if err != nil {
			return err
		}
		cfg.eviction = t
		return nil
	}
}

// WithExpiration selects how age is measured. Default is expiration.AfterWrite.
func WithExpiration(k expiration.Kind) Option {
	return func(cfg *config) error {
		if _, err := expiration.New(k, 0); err != nil {
			return err
		}
		cfg.expiration = k
		return nil
	}
}

// WithAggregationMode selects how GetAggregated handles stale contributions.
func WithAggregationMode(m AggregationMode) Option {
	return func(cfg *config) error {
		switch m {
		case AggregationDropStale, AggregationStrict:
			cfg.aggregation = m
			return nil
		default:
			return fmt.Errorf("unknown aggregation mode %q", m)
		}
	}
}

// WithResolveTimeout bounds every external resolution. On timeout the
// resolution fails for all of its waiters and nothing is cached. 0 leaves
// only the caller's own deadline.
func WithResolveTimeout(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return fmt.Errorf("negative resolve timeout %s", d)
		}
		cfg.resolveTimeout = d
		return nil
	}
}

// WithSweepInterval starts a background sweep that physically removes
// entries with no fresh contribution. 0 disables it.
func WithSweepInterval(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return fmt.Errorf("negative sweep interval %s", d)
		}
		cfg.sweepInterval = d
		return nil
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.WithTicker) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.clock = c
		}
		return nil
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m types.Metrics) Option {
	return func(cfg *config) error {
		if m != nil {
			cfg.metrics = m
		}
		return nil
	}
}
