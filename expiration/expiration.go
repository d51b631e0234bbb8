// This file defines how cache entries expire over time.

package expiration

import (
	"fmt"
	"time"
)

/*
Strategy is the interface that all expiration rules must follow. Instead of hard-coding
expiration logic into the cache, we define a strategy so expiration behavior can be swapped easily.

Strategies are pure: they never mutate entries. The store keeps the timestamps,
the strategy only judges them. A forced expiry is handled by the store and
never reaches the strategy.
*/
type Strategy interface {

	// IsExpired reports whether something written at `written` and last read
	// at `accessed` is too old at `now`.
	IsExpired(written, accessed, now time.Time) bool
}

// Kind names a Strategy in configuration.
type Kind string

const (
	// AfterWrite ages an entry from the moment it was written. This is the default.
	AfterWrite Kind = "write"

	// AfterAccess ages an entry from the moment it was last read (sliding TTL).
	AfterAccess Kind = "access"
)

// New builds the Strategy for a kind. A ttl <= 0 disables time-based expiry.
func New(kind Kind, ttl time.Duration) (Strategy, error) {
	switch kind {
	case AfterWrite, "":
		return &ExpireAfterWrite{TTL: ttl}, nil
	case AfterAccess:
		return &ExpireAfterAccess{TTL: ttl}, nil
	default:
		return nil, fmt.Errorf("unknown expiration strategy %q", kind)
	}
}
