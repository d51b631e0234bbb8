package expiration

import "time"

// ExpireAfterWrite ages data from its write time only. Reads never extend it.
type ExpireAfterWrite struct {
	TTL time.Duration
}

func (e *ExpireAfterWrite) IsExpired(written, _, now time.Time) bool {
	return e.TTL > 0 && now.Sub(written) > e.TTL
}
