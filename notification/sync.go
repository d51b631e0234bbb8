package notification

import (
	"context"
)

/*
SyncListener applies every invalidation before OnWrite returns.

So the flow is: write → cache invalidation (synchronous) → write acknowledged.
Once OnWrite returns, no reader can see the old values.
*/
type SyncListener struct {
	cache Invalidator
}

func NewSyncListener(cache Invalidator) *SyncListener {
	return &SyncListener{cache: cache}
}

func (l *SyncListener) OnWrite(_ context.Context, ev Event) error {
	if err := Apply(l.cache, ev); err != nil {
		log.Warnw("invalidation failed", "kind", ev.Kind, "key", ev.Key(), "resource", ev.Resource, "err", err)
		return err
	}
	return nil
}

// Close has nothing to release.
func (l *SyncListener) Close() error { return nil }
