package resilience

import (
	"net/http"
	"time"
)

// defaultTimeout bounds the whole request including all retries.
const defaultTimeout = 30 * time.Second

// ClientBuilder assembles an *http.Client with the standard resilience
// layering: the overall timeout wraps the retry layer, which replays
// attempts through the per-host circuit breaker.
type ClientBuilder struct {
	timeout   time.Duration
	retry     *RetryPolicy
	breakers  *BreakerGroup
	transport http.RoundTripper
}

// NewClientBuilder creates a builder with the default timeout and no retry
// or breaker layers.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		timeout:   defaultTimeout,
		transport: http.DefaultTransport,
	}
}

// WithTimeout sets the per-request deadline. The deadline spans the whole
// attempt sequence, backoff included, not each attempt on its own; callers
// needing a tighter bound on one try set it on the request context.
func (b *ClientBuilder) WithTimeout(d time.Duration) *ClientBuilder {
	if d > 0 {
		b.timeout = d
	}
	return b
}

// WithRetry enables the retry layer.
func (b *ClientBuilder) WithRetry(policy RetryPolicy) *ClientBuilder {
	b.retry = &policy
	return b
}

// WithCircuitBreaker enables per-host circuit breaking. Passing a shared
// group lets several clients talking to the same hosts share breaker state.
func (b *ClientBuilder) WithCircuitBreaker(group *BreakerGroup) *ClientBuilder {
	b.breakers = group
	return b
}

// WithBaseTransport overrides the innermost transport.
func (b *ClientBuilder) WithBaseTransport(rt http.RoundTripper) *ClientBuilder {
	if rt != nil {
		b.transport = rt
	}
	return b
}

// Build assembles the client.
func (b *ClientBuilder) Build() *http.Client {
	rt := b.transport
	if b.breakers != nil {
		rt = NewBreakerTransport(rt, b.breakers)
	}
	if b.retry != nil {
		rt = NewRetryTransport(rt, *b.retry)
	}
	return &http.Client{
		Timeout:   b.timeout,
		Transport: rt,
	}
}
