package notification

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"

	"github.com/krisalay/virattr-cache/types"
)

var log = logging.Logger("virattr/notification")

/*
AsyncListener takes invalidations off the writer's path.

Events go to a buffered channel served by one background worker. Unlike a
write-back cache we can NOT drop work under pressure: a lost invalidation
means stale data served until TTL. When the queue is full the event is
applied inline instead.
*/
type AsyncListener struct {
	cache Invalidator

	// ch holds pending events.
	ch chan Event

	// mu guards closed against a send racing with Close.
	mu     sync.RWMutex
	closed bool

	// errs collects failed invalidations; Close reports them.
	errMu sync.Mutex
	errs  *multierror.Error

	wg sync.WaitGroup
}

// NewAsyncListener starts the worker. buffer is the queue length.
func NewAsyncListener(cache Invalidator, buffer int) *AsyncListener {
	l := &AsyncListener{
		cache: cache,
		ch:    make(chan Event, buffer),
	}

	l.wg.Add(1)
	go l.worker()

	return l
}

// OnWrite queues the event, or applies it right away when the queue is full.
func (l *AsyncListener) OnWrite(_ context.Context, ev Event) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return types.ErrClosed
	}

	select {
	case l.ch <- ev:
		return nil
	default:
		log.Debugw("invalidation queue full, applying inline", "kind", ev.Kind, "key", ev.Key())
		return l.apply(ev)
	}
}

// worker applies queued events until the channel is closed and drained.
func (l *AsyncListener) worker() {
	defer l.wg.Done()

	for ev := range l.ch {
		_ = l.apply(ev)
	}
}

func (l *AsyncListener) apply(ev Event) error {
	err := Apply(l.cache, ev)
	if err != nil {
		log.Warnw("invalidation failed", "kind", ev.Kind, "key", ev.Key(), "resource", ev.Resource, "err", err)
		l.errMu.Lock()
		l.errs = multierror.Append(l.errs, err)
		l.errMu.Unlock()
	}
	return err
}

/*
Close shuts down the listener gracefully.
------------------
1. Stop accepting events
2. Wait for the worker to apply everything already queued
3. Report every invalidation that failed
*/
func (l *AsyncListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()

	l.wg.Wait()

	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.errs.ErrorOrNil()
}
