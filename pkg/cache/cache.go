// Package cache provides the shared key/value cache used for exchanged
// tokens, access snapshots, rate windows and idempotency records.
//
// Two logical layers exist: the shared cache (process-wide, optionally
// Redis-backed) implemented here, and a request-scoped layer in request.go
// that never outlives a single request.
package cache

import (
	"context"
	"time"
)

// Cache is the shared cache contract. Keys are opaque strings, values opaque
// byte sequences; every operation is atomic per key. There is deliberately
// no iteration and no prefix scan.
type Cache interface {
	// Get retrieves a value. The second return is false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores a value only if the key is absent. Returns true when the
	// value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Remove deletes a key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Exists reports whether a non-expired value is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// HealthReporter is implemented by backends that can degrade. A degraded
// cache keeps serving from process-local storage; the signal exists so the
// health endpoint can report it.
type HealthReporter interface {
	// Healthy reports whether the configured backend is reachable.
	Healthy(ctx context.Context) bool
}
