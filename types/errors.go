package types

import (
	"context"
	"errors"
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"
)

var (
	// ErrInvalidKey is returned when an identity/schema reference is malformed.
	ErrInvalidKey = platformerrors.New(platformerrors.CodeInvalidInput, "invalid cache key")

	// ErrResolutionFailed matches every *ResolutionError via errors.Is.
	ErrResolutionFailed = platformerrors.New(platformerrors.CodeUnavailable, "attribute resolution failed")

	// ErrClosed is returned by operations on a closed cache or listener.
	ErrClosed = errors.New("cache closed")
)

/*
ResolutionError is what every caller of a failed resolution receives.

The leader of a flight and all the waiters that joined it see the SAME error value.
It carries the key and resource for diagnostics and unwraps to a classified
platform error, so callers can decide on retries with platformerrors.IsRetryable.
The cache itself never retries.
*/
type ResolutionError struct {
	Key      CacheKey
	Resource string
	Err      error
}

// NewResolutionError classifies err and wraps it with the key it was resolving.
func NewResolutionError(key CacheKey, resource string, err error) *ResolutionError {
	code := platformerrors.CodeUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		code = platformerrors.CodeTimeout
	}
	return &ResolutionError{
		Key:      key,
		Resource: resource,
		Err: platformerrors.WrapWithContext(err, code, "resolver failed", map[string]interface{}{
			"key":      key.String(),
			"resource": resource,
		}),
	}
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s from %q: %v", e.Key, e.Resource, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrResolutionFailed) true for any resolution failure.
func (e *ResolutionError) Is(target error) bool {
	return target == ErrResolutionFailed
}
