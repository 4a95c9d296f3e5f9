package cache

import (
	"context"
	"sync"
)

// RequestCache is the request-scoped layer: it lives in the request context,
// is never shared across requests, and stores values without serialization.
type RequestCache struct {
	mu     sync.Mutex
	values map[string]any
}

// NewRequestCache creates an empty request-scoped cache.
func NewRequestCache() *RequestCache {
	return &RequestCache{values: make(map[string]any)}
}

// Get retrieves a value stored earlier in the same request.
func (c *RequestCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores a value for the remainder of the request.
func (c *RequestCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// requestCacheContextKey keys the request cache in the request context.
type requestCacheContextKey struct{}

// WithRequestCache attaches a fresh request cache to the context. Typically
// installed once per request by middleware.
func WithRequestCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestCacheContextKey{}, NewRequestCache())
}

// RequestCacheFromContext retrieves the request cache, or nil when the
// middleware did not run (e.g. in background workers).
func RequestCacheFromContext(ctx context.Context) *RequestCache {
	c, _ := ctx.Value(requestCacheContextKey{}).(*RequestCache)
	return c
}
