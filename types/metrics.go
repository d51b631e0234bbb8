package types

import "time"

// This file defines how the cache reports what it is doing.

/*
Metrics is an interface that defines what the cache wants to measure.
Each method represents an event in the cache lifecycle. The cache will call these methods whenever something happens.
*/
type Metrics interface {

	// Hit is called when a fresh resource contribution is served from memory.
	Hit()

	// Miss is called when a resource contribution is missing and must be resolved.
	Miss()

	// Eviction is called when an entry is removed because the cache is over capacity.
	Eviction()

	// Expire is called when a stale contribution is found, or an entry is swept.
	Expire()

	// Invalidate is called for every explicit invalidation (key, resource or identity).
	Invalidate()

	// Resolve is called once per external resolution with its duration and outcome.
	Resolve(d time.Duration, err error)

	// StaleServed is called when last-known values are returned after a resolver failure.
	StaleServed()
}

/*
NoopMetrics is a "do nothing" implementation of Metrics.

We don't want to force every user of the cache to implement metrics,
so the cache falls back to this when none is configured.
*/
type NoopMetrics struct{}

func (NoopMetrics) Hit()                         {}
func (NoopMetrics) Miss()                        {}
func (NoopMetrics) Eviction()                    {}
func (NoopMetrics) Expire()                      {}
func (NoopMetrics) Invalidate()                  {}
func (NoopMetrics) Resolve(time.Duration, error) {}
func (NoopMetrics) StaleServed()                 {}
