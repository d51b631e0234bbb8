package expiration

import "time"

/*
ExpireAfterAccess implements "expire after access", also called sliding TTL.
Every read pushes the deadline forward. As long as the data keeps getting
used, it stays alive. If nobody touches it for TTL, it expires.
*/
type ExpireAfterAccess struct {
	TTL time.Duration
}

func (e *ExpireAfterAccess) IsExpired(written, accessed, now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	last := written
	if accessed.After(last) {
		last = accessed
	}
	return now.Sub(last) > e.TTL
}
