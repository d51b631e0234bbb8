package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/krisalay/virattr-cache/types"
)

// Subsystem used to define the metrics:
const virattrSubsystem = "virattr_cache"

// Names of the metrics:
const (
	hitsCounterMetric        = "hits_total"
	missesCounterMetric      = "misses_total"
	evictionsCounterMetric   = "evictions_total"
	expiredCounterMetric     = "expired_total"
	invalidationsCounter     = "invalidations_total"
	resolutionsCounterMetric = "resolutions_total"
	staleServedCounterMetric = "stale_served_total"
	resolveDurationMetric    = "resolve_duration_seconds"
)

// Names of the labels added to metrics:
const metricsResultLabel = "result"

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

var _ types.Metrics = (*Prometheus)(nil)

/*
Prometheus implements types.Metrics with Prometheus collectors.

For example, 2 successful resolutions and 1 failed one would result in:
virattr_cache_resolutions_total{result="success"} 2
virattr_cache_resolutions_total{result="failure"} 1
*/
type Prometheus struct {
	hits          prometheus.Counter
	misses        prometheus.Counter
	evictions     prometheus.Counter
	expired       prometheus.Counter
	invalidations prometheus.Counter
	staleServed   prometheus.Counter
	resolutions   *prometheus.CounterVec
	resolveTime   prometheus.Histogram
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: virattrSubsystem,
			Name:      name,
			Help:      help,
		})
	}

	m := &Prometheus{
		hits:          counter(hitsCounterMetric, "The total number of fresh values served from the cache."),
		misses:        counter(missesCounterMetric, "The total number of lookups that required an external resolution."),
		evictions:     counter(evictionsCounterMetric, "The total number of entries evicted to stay within capacity."),
		expired:       counter(expiredCounterMetric, "The total number of stale values found or swept."),
		invalidations: counter(invalidationsCounter, "The total number of explicit invalidations."),
		staleServed:   counter(staleServedCounterMetric, "The total number of stale values served after a failed resolution."),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: virattrSubsystem,
			Name:      resolutionsCounterMetric,
			Help:      "The total number of external resolutions by result.",
		}, []string{metricsResultLabel}),
		resolveTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: virattrSubsystem,
			Name:      resolveDurationMetric,
			Help:      "Duration of external resolutions in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
	}

	for _, c := range []prometheus.Collector{
		m.hits, m.misses, m.evictions, m.expired, m.invalidations,
		m.staleServed, m.resolutions, m.resolveTime,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Prometheus) Hit()        { m.hits.Inc() }
func (m *Prometheus) Miss()       { m.misses.Inc() }
func (m *Prometheus) Eviction()   { m.evictions.Inc() }
func (m *Prometheus) Expire()     { m.expired.Inc() }
func (m *Prometheus) Invalidate() { m.invalidations.Inc() }

func (m *Prometheus) Resolve(d time.Duration, err error) {
	result := resultSuccess
	if err != nil {
		result = resultFailure
	}
	m.resolutions.WithLabelValues(result).Inc()
	m.resolveTime.Observe(d.Seconds())
}

func (m *Prometheus) StaleServed() { m.staleServed.Inc() }
