package types

import (
	"strings"

	platformerrors "github.com/jmgilman/go/errors"
)

/*
CacheKey identifies ONE virtual attribute of ONE identity.

It is a plain comparable struct, so it can be used directly as a map key.
Two keys that differ in any field are two different cache slots.
*/
type CacheKey struct {
	// IdentityType is the kind of managed record (user, group, any object type).
	IdentityType string

	// IdentityID is the identifier of the record within its type.
	IdentityID string

	// SchemaName is the virtual attribute schema being read.
	SchemaName string
}

// NewCacheKey builds a key and validates it.
func NewCacheKey(identityType, identityID, schemaName string) (CacheKey, error) {
	k := CacheKey{
		IdentityType: identityType,
		IdentityID:   identityID,
		SchemaName:   schemaName,
	}
	return k, k.Validate()
}

/*
Validate rejects malformed keys before they can reach the store.

All three fields are required and must contain something other than whitespace.
The returned error wraps ErrInvalidKey.
*/
func (k CacheKey) Validate() error {
	switch {
	case strings.TrimSpace(k.IdentityType) == "":
		return invalidKey(k, "identity type is empty")
	case strings.TrimSpace(k.IdentityID) == "":
		return invalidKey(k, "identity id is empty")
	case strings.TrimSpace(k.SchemaName) == "":
		return invalidKey(k, "schema name is empty")
	}
	return nil
}

// String renders the key as type/id/schema for logs and error messages.
func (k CacheKey) String() string {
	return k.IdentityType + "/" + k.IdentityID + "/" + k.SchemaName
}

// BelongsTo reports whether the key addresses an attribute of the given identity.
func (k CacheKey) BelongsTo(identityType, identityID string) bool {
	return k.IdentityType == identityType && k.IdentityID == identityID
}

func invalidKey(k CacheKey, reason string) error {
	return platformerrors.WrapWithContext(ErrInvalidKey, platformerrors.CodeInvalidInput, reason,
		map[string]interface{}{"key": k.String()})
}
