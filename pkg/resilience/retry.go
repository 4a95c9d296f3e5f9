// Package resilience layers timeout, retry and circuit breaking onto
// outbound HTTP clients. The layers compose as RoundTrippers so every
// downstream client in the service gets the same behavior.
package resilience

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/securedocs/sdap/pkg/logger"
)

// retryableStatuses are the upstream responses worth another attempt.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// RetryPolicy controls the retry transport.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// InitialInterval seeds the exponential backoff.
	InitialInterval time.Duration

	// MaxInterval caps a single backoff delay.
	MaxInterval time.Duration
}

// DefaultRetryPolicy matches the service defaults: three attempts with
// jittered exponential backoff capped at ten seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryTransport retries transient failures for requests that are safe to
// replay. Non-idempotent verbs pass through untouched unless the caller
// marked the request replayable with an Idempotency-Key.
type retryTransport struct {
	next   http.RoundTripper
	policy RetryPolicy
}

// NewRetryTransport wraps next with retry behavior.
func NewRetryTransport(next http.RoundTripper, policy RetryPolicy) http.RoundTripper {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &retryTransport{next: next, policy: policy}
}

// RoundTrip implements http.RoundTripper.
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !canRetry(req) {
		return t.next.RoundTrip(req)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.policy.InitialInterval
	bo.MaxInterval = t.policy.MaxInterval

	var resp *http.Response
	var err error

	for attempt := 1; ; attempt++ {
		resp, err = t.next.RoundTrip(cloneForAttempt(req, attempt))

		if !shouldRetry(resp, err) || attempt >= t.policy.MaxAttempts {
			return resp, err
		}

		delay := bo.NextBackOff()
		if resp != nil {
			// An explicit Retry-After extends but never shortens the
			// computed backoff.
			if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > delay {
				delay = after
			}
			drainBody(resp)
		}

		logger.Debugf("retrying %s %s in %s (attempt %d/%d)",
			req.Method, req.URL.Host, delay, attempt, t.policy.MaxAttempts)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}
}

// replayableKey marks request contexts whose calls are idempotent by
// protocol rather than by verb.
type replayableKey struct{}

// WithReplayable marks requests built from ctx as safe to retry regardless
// of verb. OAuth token requests and similar protocol-idempotent POSTs opt
// in this way instead of carrying an Idempotency-Key.
func WithReplayable(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayableKey{}, true)
}

func isReplayable(req *http.Request) bool {
	replayable, _ := req.Context().Value(replayableKey{}).(bool)
	return replayable
}

// canRetry reports whether a request may be replayed at all. Bodies must be
// rebuildable via GetBody; requests that cannot be replayed are sent once.
func canRetry(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions,
		http.MethodPut, http.MethodDelete:
	case http.MethodPost, http.MethodPatch:
		if req.Header.Get("Idempotency-Key") == "" && !isReplayable(req) {
			return false
		}
	default:
		return false
	}

	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// cloneForAttempt rebuilds the request body for retries.
func cloneForAttempt(req *http.Request, attempt int) *http.Request {
	if attempt == 1 || req.GetBody == nil {
		return req
	}
	clone := req.Clone(req.Context())
	body, err := req.GetBody()
	if err != nil {
		return req
	}
	clone.Body = body
	return clone
}

// shouldRetry classifies an attempt outcome. Transport errors and the
// retryable status set qualify; everything else is final.
func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return retryableStatuses[resp.StatusCode]
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms. Malformed
// values read as zero.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

// drainBody releases the connection of a response we are about to discard.
func drainBody(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if err := resp.Body.Close(); err != nil {
		logger.Debugf("failed to close response body: %v", err)
	}
}

// String implements fmt.Stringer for diagnostics.
func (p RetryPolicy) String() string {
	return fmt.Sprintf("retry{attempts=%d, initial=%s, max=%s}", p.MaxAttempts, p.InitialInterval, p.MaxInterval)
}
