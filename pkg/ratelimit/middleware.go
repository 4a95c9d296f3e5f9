package ratelimit

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/securedocs/sdap/pkg/auth"
	"github.com/securedocs/sdap/pkg/errors"
	"github.com/securedocs/sdap/pkg/problem"
	"github.com/securedocs/sdap/pkg/telemetry"
)

// Limit guards a route with the named policy. Authenticated callers are
// keyed by user ID so one noisy user cannot exhaust another's budget;
// anonymous callers fall back to the source address.
func (r *Registry) Limit(policyName string) func(http.Handler) http.Handler {
	policy, ok := r.Get(policyName)

	return func(next http.Handler) http.Handler {
		if !ok {
			// A route naming an unconfigured policy is a wiring bug;
			// passing traffic unmetered would hide it.
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				problem.New(errors.KindUnknown,
					fmt.Sprintf("rate limit policy %q not configured", policyName), req).Write(w)
			})
		}

		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			key := callerKey(req)

			allowed, retryAfter, release := policy.Strategy.Acquire(key)
			if !allowed {
				telemetry.RateLimited.WithLabelValues(policy.Name).Inc()
				problem.New(errors.KindRateLimited, "rate limit exceeded for "+policy.Name, req).
					WithRetryAfter(retryAfterSeconds(retryAfter)).
					Write(w)
				return
			}
			defer release()

			next.ServeHTTP(w, req)
		})
	}
}

// callerKey identifies the caller: user ID when authenticated, source host
// otherwise.
func callerKey(req *http.Request) string {
	if principal, ok := auth.PrincipalFromContext(req.Context()); ok {
		return "user:" + principal.UserID
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	return "addr:" + host
}

// retryAfterSeconds rounds a hint up to whole seconds, minimum one.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
