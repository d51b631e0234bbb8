// Package config loads and validates the virtual-attribute cache configuration.
package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	toml "github.com/pelletier/go-toml/v2"

	cache "github.com/krisalay/virattr-cache"
	"github.com/krisalay/virattr-cache/eviction"
	"github.com/krisalay/virattr-cache/expiration"
)

// Config mirrors the expected TOML schema. Keys absent from the file keep their Default value.
type Config struct {
	TTLSeconds           int    `toml:"ttl_seconds"`
	MaxEntries           int    `toml:"max_entries"`
	StaleReadFallback    bool   `toml:"stale_read_fallback"`
	Shards               int    `toml:"shards"`
	Eviction             string `toml:"eviction"`
	Expiration           string `toml:"expiration"`
	Aggregation          string `toml:"aggregation"`
	ResolveTimeoutMS     int    `toml:"resolve_timeout_ms"`
	SweepIntervalSeconds int    `toml:"sweep_interval_seconds"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		TTLSeconds:  60,
		MaxEntries:  5000,
		Shards:      16,
		Eviction:    string(eviction.LRU),
		Expiration:  string(expiration.AfterWrite),
		Aggregation: string(cache.AggregationDropStale),
	}
}

// Load reads and validates a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs *multierror.Error
	if err := checkDuration("ttl_seconds", c.TTLSeconds, time.Second); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.MaxEntries < 0 {
		errs = multierror.Append(errs, fmt.Errorf("max_entries must not be negative, got %d", c.MaxEntries))
	}
	if c.Shards < 1 {
		errs = multierror.Append(errs, fmt.Errorf("shards must be at least 1, got %d", c.Shards))
	}
	if _, err := eviction.ParsePolicyType(c.Eviction); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := expiration.New(expiration.Kind(c.Expiration), 0); err != nil {
		errs = multierror.Append(errs, err)
	}
	switch cache.AggregationMode(c.Aggregation) {
	case cache.AggregationDropStale, cache.AggregationStrict, "":
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown aggregation mode %q", c.Aggregation))
	}
	if err := checkDuration("resolve_timeout_ms", c.ResolveTimeoutMS, time.Millisecond); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := checkDuration("sweep_interval_seconds", c.SweepIntervalSeconds, time.Second); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// checkDuration rejects a count of units that is negative or does not fit in a time.Duration.
func checkDuration(name string, v int, unit time.Duration) error {
	if v < 0 {
		return fmt.Errorf("%s must not be negative, got %d", name, v)
	}
	if limit := math.MaxInt64 / int64(unit); int64(v) > limit {
		return fmt.Errorf("%s must be at most %d, got %d", name, limit, v)
	}
	return nil
}

// Options converts the configuration into cache options.
func (c Config) Options() ([]cache.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	aggregation := cache.AggregationMode(c.Aggregation)
	if aggregation == "" {
		aggregation = cache.AggregationDropStale
	}
	return []cache.Option{
		cache.WithTTL(time.Duration(c.TTLSeconds) * time.Second),
		cache.WithMaxEntries(c.MaxEntries),
		cache.WithStaleReadFallback(c.StaleReadFallback),
		cache.WithShards(c.Shards),
		cache.WithEvictionPolicy(eviction.PolicyType(c.Eviction)),
		cache.WithExpiration(expiration.Kind(c.Expiration)),
		cache.WithAggregationMode(aggregation),
		cache.WithResolveTimeout(time.Duration(c.ResolveTimeoutMS) * time.Millisecond),
		cache.WithSweepInterval(time.Duration(c.SweepIntervalSeconds) * time.Second),
	}, nil
}
