package types

import "context"

// Resolver is the contract between the cache and the connector layer.
type Resolver interface {

	/*
		Fetch is called when the cache misses for one resource of one attribute.
		1. Cache checks memory → resource contribution missing or stale
		2. Coordinator elects one caller and calls Fetch
		3. Connector queries the external resource
		4. Cache stores the value set
		5. Every waiting caller gets the same result

		Fetch must be safe to call concurrently for different keys and safe to
		call again after a failure.
	*/
	Fetch(ctx context.Context, identityType, identityID, schemaName, resourceName string) ([]string, error)
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc func(ctx context.Context, identityType, identityID, schemaName, resourceName string) ([]string, error)

func (f ResolverFunc) Fetch(ctx context.Context, identityType, identityID, schemaName, resourceName string) ([]string, error) {
	return f(ctx, identityType, identityID, schemaName, resourceName)
}
