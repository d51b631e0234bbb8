package notification

import (
	"context"
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"

	"github.com/krisalay/virattr-cache/types"
)

/*
This file defines how writes elsewhere in the system reach the cache.

The cache never polls: if an identity's attribute changes through a write path
and nobody tells the cache, it keeps serving the old values until they expire.
The provisioning / persistence layer reports every such write as an Event.
*/

// Kind says what kind of write happened.
type Kind string

const (
	// AttributeUpdated: an attribute of an identity was changed directly.
	AttributeUpdated Kind = "attribute-updated"

	// ResourceUnlinked: an identity lost its link to a resource.
	ResourceUnlinked Kind = "resource-unlinked"

	// IdentityDeleted: the identity itself was removed.
	IdentityDeleted Kind = "identity-deleted"
)

// Event describes one write.
// SchemaName and Resource are optional and narrow the invalidation when set.
type Event struct {
	Kind         Kind
	IdentityType string
	IdentityID   string
	SchemaName   string
	Resource     string
}

// Key returns the cache key addressed by the event.
func (e Event) Key() types.CacheKey {
	return types.CacheKey{IdentityType: e.IdentityType, IdentityID: e.IdentityID, SchemaName: e.SchemaName}
}

// Invalidator is the part of the cache a Listener needs.
type Invalidator interface {
	Invalidate(key types.CacheKey) error
	InvalidateResource(key types.CacheKey, resource string) error
	InvalidateIdentity(identityType, identityID string) (int, error)
	UnlinkResource(identityType, identityID, resource string) (int, error)
}

/*
Listener is the contract that all notification listeners must follow.
The provisioning layer does not care which one is used. It simply calls these methods.
*/
type Listener interface {

	// OnWrite is called whenever the system writes something the cache may hold.
	OnWrite(ctx context.Context, ev Event) error

	// Close is called when the listener is shutting down.
	Close() error
}

/*
Apply turns one event into the matching cache invalidation.

- AttributeUpdated with a resource: that resource's contribution to the key
- AttributeUpdated without a resource: the whole key
- ResourceUnlinked with a schema: that resource's contribution to the key
- ResourceUnlinked without a schema: that resource across all of the identity's keys
- IdentityDeleted: every key of the identity
*/
func Apply(inv Invalidator, ev Event) error {
	switch ev.Kind {
	case AttributeUpdated:
		if ev.Resource != "" {
			return inv.InvalidateResource(ev.Key(), ev.Resource)
		}
		return inv.Invalidate(ev.Key())
	case ResourceUnlinked:
		if ev.Resource == "" {
			return platformerrors.New(platformerrors.CodeInvalidInput, "resource-unlinked event without resource")
		}
		if ev.SchemaName != "" {
			return inv.InvalidateResource(ev.Key(), ev.Resource)
		}
		_, err := inv.UnlinkResource(ev.IdentityType, ev.IdentityID, ev.Resource)
		return err
	case IdentityDeleted:
		_, err := inv.InvalidateIdentity(ev.IdentityType, ev.IdentityID)
		return err
	default:
		return platformerrors.New(platformerrors.CodeInvalidInput, fmt.Sprintf("unknown event kind %q", ev.Kind))
	}
}
