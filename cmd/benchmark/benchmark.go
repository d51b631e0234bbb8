package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	cache "github.com/krisalay/virattr-cache"
	"github.com/krisalay/virattr-cache/config"
	"github.com/krisalay/virattr-cache/types"
)

// ================= EXTERNAL RESOURCE =================

// SlowResource answers every lookup after a fixed latency.
type SlowResource struct {
	latency time.Duration
	calls   atomic.Int64
}

func (r *SlowResource) Fetch(ctx context.Context, _, identityID, schemaName, resource string) ([]string, error) {
	r.calls.Add(1)
	if r.latency > 0 {
		select {
		case <-time.After(r.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []string{identityID + "@" + resource, schemaName}, nil
}

// ================= BENCHMARK =================

type benchOptions struct {
	configPath  string
	logLevel    string
	shards      int
	maxEntries  int
	identities  int
	resources   int
	goroutines  int
	opsPerG     int
	invalidateN int
	latency     time.Duration
}

func addBenchFlags(fs *pflag.FlagSet, o *benchOptions) {
	fs.StringVar(&o.configPath, "config", "", "path to a TOML cache configuration file")
	fs.StringVar(&o.logLevel, "log-level", "error", "log level for virattr loggers")
	fs.IntVar(&o.shards, "shards", 8, "number of cache shards")
	fs.IntVar(&o.maxEntries, "max-entries", 200000, "maximum number of cached keys")
	fs.IntVar(&o.identities, "identities", 100000, "number of distinct identities")
	fs.IntVar(&o.resources, "resources", 2, "resources contributing to every attribute")
	fs.IntVar(&o.goroutines, "goroutines", 200, "concurrent readers")
	fs.IntVar(&o.opsPerG, "ops", 5000, "operations per reader")
	fs.IntVar(&o.invalidateN, "invalidate-every", 100, "invalidate a key every N operations, 0 disables")
	fs.DurationVar(&o.latency, "latency", time.Millisecond, "simulated resource latency")
}

func main() {
	o := &benchOptions{}
	cmd := &cobra.Command{
		Use:   "virattr-benchmark",
		Short: "Load test the virtual attribute cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := logging.SetLogLevelRegex("virattr.*", o.logLevel); err != nil {
				return err
			}
			cfg := config.Default()
			if o.configPath != "" {
				var err error
				if cfg, err = config.Load(o.configPath); err != nil {
					return err
				}
			}
			opts, err := cfg.Options()
			if err != nil {
				return err
			}
			if o.configPath == "" || cmd.Flags().Changed("shards") {
				opts = append(opts, cache.WithShards(o.shards))
			}
			if o.configPath == "" || cmd.Flags().Changed("max-entries") {
				opts = append(opts, cache.WithMaxEntries(o.maxEntries))
			}
			return run(cmd.Context(), o, opts)
		},
	}
	addBenchFlags(cmd.Flags(), o)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, o *benchOptions, opts []cache.Option) error {
	c, err := cache.New(opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	resource := &SlowResource{latency: o.latency}
	resourceName := func(i int) string { return fmt.Sprintf("resource-%d", i%o.resources) }
	keyOf := func(i int) types.CacheKey {
		return types.CacheKey{IdentityType: "USER", IdentityID: fmt.Sprintf("user-%d", i%o.identities), SchemaName: "email"}
	}

	fmt.Println("\n================ CACHE LOAD BENCHMARK =================")
	fmt.Println("CONFIG")
	fmt.Println("---------------------------------")
	fmt.Println("Shards          :", o.shards)
	fmt.Println("Max Entries     :", o.maxEntries)
	fmt.Println("Identities      :", o.identities)
	fmt.Println("Resources       :", o.resources)
	fmt.Println("Goroutines      :", o.goroutines)
	fmt.Println("Ops/Goroutine   :", o.opsPerG)
	fmt.Println("Invalidate Every:", o.invalidateN)
	fmt.Println("Latency         :", o.latency)
	fmt.Println("---------------------------------")

	// ---------------- Preload Cache ----------------
	fmt.Println("Preloading cache...")
	for i := 0; i < o.identities; i++ {
		for r := 0; r < o.resources; r++ {
			if err := c.Put(keyOf(i), resourceName(r), []string{"preloaded"}); err != nil {
				return err
			}
		}
	}
	fmt.Println("Preload complete.")

	// ---------------- Load Test ----------------
	fmt.Println("Running concurrency benchmark...")

	var failures atomic.Int64
	start := time.Now()

	wg := sync.WaitGroup{}
	wg.Add(o.goroutines)
	for g := 0; g < o.goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < o.opsPerG; j++ {
				k := keyOf(id*o.opsPerG + j)
				if o.invalidateN > 0 && j%o.invalidateN == 0 {
					_ = c.Invalidate(k)
					continue
				}
				if _, err := c.GetOrFetch(ctx, k, resourceName(j), resource); err != nil {
					failures.Add(1)
				}
			}
		}(g)
	}
	wg.Wait()

	duration := time.Since(start)
	totalOps := o.goroutines * o.opsPerG

	fmt.Println("\n================ RESULTS =================")
	fmt.Printf("Total Operations : %d\n", totalOps)
	fmt.Printf("Total Time       : %v\n", duration)
	fmt.Printf("Throughput       : %.2f ops/sec\n", float64(totalOps)/duration.Seconds())
	fmt.Printf("Resolutions      : %d\n", resource.calls.Load())
	fmt.Printf("Failures         : %d\n", failures.Load())
	fmt.Printf("Entries          : %d\n", c.Len())
	fmt.Println("=========================================")
	return nil
}
