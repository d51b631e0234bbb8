package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	cache "github.com/krisalay/virattr-cache"
	"github.com/krisalay/virattr-cache/config"
	"github.com/krisalay/virattr-cache/metrics"
	"github.com/krisalay/virattr-cache/notification"
	"github.com/krisalay/virattr-cache/types"
)

// ================= EXTERNAL RESOURCES =================

// Directory simulates connector-backed resources: resource → identity id → attribute values.
type Directory struct {
	mu      sync.RWMutex
	data    map[string]map[string][]string
	latency time.Duration
	down    atomic.Bool
	calls   atomic.Int64
}

func NewDirectory(latency time.Duration) *Directory {
	return &Directory{data: make(map[string]map[string][]string), latency: latency}
}

func (d *Directory) Set(resource, identityID string, values ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.data[resource] == nil {
		d.data[resource] = make(map[string][]string)
	}
	d.data[resource][identityID] = values
}

func (d *Directory) Fetch(ctx context.Context, _, identityID, schemaName, resource string) ([]string, error) {
	d.calls.Add(1)
	fmt.Printf("RESOURCE → fetch %s/%s from %s\n", identityID, schemaName, resource)

	select {
	case <-time.After(d.latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.down.Load() {
		return nil, errors.New("connector unavailable")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.data[resource][identityID], nil
}

// ================= CLI =================

type cliOptions struct {
	configPath    string
	ttl           time.Duration
	maxEntries    int
	staleFallback bool
	logLevel      string
}

func addCacheFlags(fs *pflag.FlagSet, o *cliOptions) {
	fs.StringVar(&o.configPath, "config", "", "path to a TOML cache configuration file")
	fs.DurationVar(&o.ttl, "ttl", 2*time.Second, "staleness window of cached values")
	fs.IntVar(&o.maxEntries, "max-entries", 20, "maximum number of cached keys")
	fs.BoolVar(&o.staleFallback, "stale-fallback", true, "serve last-known values when a resolution fails")
	fs.StringVar(&o.logLevel, "log-level", "error", "log level for virattr loggers")
}

// cacheOptions merges the config file (if any) with flags that were set explicitly.
func cacheOptions(cmd *cobra.Command, o *cliOptions) ([]cache.Option, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	if o.configPath == "" || cmd.Flags().Changed("ttl") {
		opts = append(opts, cache.WithTTL(o.ttl))
	}
	if o.configPath == "" || cmd.Flags().Changed("max-entries") {
		opts = append(opts, cache.WithMaxEntries(o.maxEntries))
	}
	if o.configPath == "" || cmd.Flags().Changed("stale-fallback") {
		opts = append(opts, cache.WithStaleReadFallback(o.staleFallback))
	}
	return opts, nil
}

func main() {
	o := &cliOptions{}
	cmd := &cobra.Command{
		Use:   "virattr-demo",
		Short: "Walk through the virtual attribute cache behaviors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := logging.SetLogLevelRegex("virattr.*", o.logLevel); err != nil {
				return err
			}
			opts, err := cacheOptions(cmd, o)
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts)
		},
	}
	addCacheFlags(cmd.Flags(), o)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// ================= WALKTHROUGH =================

func run(ctx context.Context, opts []cache.Option) error {
	fmt.Println("\n==================== SYSTEM BOOT ====================")

	reg := prometheus.NewRegistry()
	m, err := metrics.NewPrometheus(reg)
	if err != nil {
		return err
	}

	dir := NewDirectory(50 * time.Millisecond)
	dir.Set("ldap", "alice", "alice@corp.example", "a.smith@corp.example")
	dir.Set("crm", "alice", "alice@crm.example")
	dir.Set("ldap", "bob", "bob@corp.example")

	c, err := cache.New(append(opts, cache.WithMetrics(m))...)
	if err != nil {
		return err
	}
	defer c.Close()

	listener := notification.NewAsyncListener(c, 64)

	email := types.CacheKey{IdentityType: "USER", IdentityID: "alice", SchemaName: "email"}

	// ====================================================
	fmt.Println("\n==================== 1) CACHE MISS ====================")
	v, err := c.GetOrFetch(ctx, email, "ldap", dir)
	fmt.Println("CACHE  → GET alice/email@ldap =", v, err)

	// ====================================================
	fmt.Println("\n==================== 2) CACHE HIT ====================")
	v, err = c.GetOrFetch(ctx, email, "ldap", dir)
	fmt.Println("CACHE  → GET alice/email@ldap =", v, err)

	// ====================================================
	fmt.Println("\n==================== 3) AGGREGATION ====================")
	_, _ = c.GetOrFetch(ctx, email, "crm", dir)
	v, _ = c.GetAggregated(email)
	fmt.Println("CACHE  → AGGREGATED alice/email =", v)

	// ====================================================
	fmt.Println("\n==================== 4) SINGLEFLIGHT ====================")
	bobEmail := types.CacheKey{IdentityType: "USER", IdentityID: "bob", SchemaName: "email"}
	before := dir.calls.Load()
	wg := sync.WaitGroup{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			val, _ := c.GetOrFetch(ctx, bobEmail, "ldap", dir)
			fmt.Printf("WORKER-%d → GET bob/email@ldap = %v\n", id, val)
		}(i)
	}
	wg.Wait()
	fmt.Println("RESOURCE → calls for 5 concurrent readers:", dir.calls.Load()-before)

	// ====================================================
	fmt.Println("\n==================== 5) INVALIDATION ====================")
	dir.Set("ldap", "alice", "alice@new.example")
	if err := listener.OnWrite(ctx, notification.Event{
		Kind:         notification.AttributeUpdated,
		IdentityType: "USER",
		IdentityID:   "alice",
		SchemaName:   "email",
		Resource:     "ldap",
	}); err != nil {
		return err
	}
	if err := listener.Close(); err != nil {
		return err
	}
	v, _ = c.GetOrFetch(ctx, email, "ldap", dir)
	fmt.Println("CACHE  → GET alice/email@ldap after write =", v)

	// ====================================================
	fmt.Println("\n==================== 6) STALE FALLBACK ====================")
	_ = c.TouchTTL(email)
	dir.down.Store(true)
	v, err = c.GetOrFetch(ctx, email, "ldap", dir)
	fmt.Println("CACHE  → GET alice/email@ldap with resource down =", v, err)
	dir.down.Store(false)

	// ====================================================
	fmt.Println("\n==================== 7) EVICTION ====================")
	for i := 0; i < 50; i++ {
		k := types.CacheKey{IdentityType: "USER", IdentityID: fmt.Sprintf("u%d", i), SchemaName: "email"}
		_ = c.Put(k, "ldap", []string{fmt.Sprintf("u%d@corp.example", i)})
	}
	fmt.Println("CACHE  → entries after 50 inserts =", c.Len())

	// ====================================================
	printMetrics(reg)

	fmt.Println("\n==================== SHUTDOWN ====================")
	return nil
}

func printMetrics(g prometheus.Gatherer) {
	fmt.Println("\n==================== METRICS ====================")
	mfs, err := g.Gather()
	if err != nil {
		fmt.Println("cannot gather metrics:", err)
		return
	}
	for _, mf := range mfs {
		for _, metric := range mf.GetMetric() {
			fmt.Printf("%-45s %s %v\n", mf.GetName(), labels(metric), value(metric))
		}
	}
}

func labels(m *dto.Metric) string {
	s := ""
	for _, l := range m.GetLabel() {
		s += l.GetName() + "=" + l.GetValue() + " "
	}
	return s
}

func value(m *dto.Metric) any {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetHistogram() != nil:
		return m.GetHistogram().GetSampleCount()
	default:
		return ""
	}
}
