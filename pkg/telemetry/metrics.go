// Package telemetry registers the service's Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheDegraded is 1 while the shared cache is serving from its
	// process-local fallback instead of the configured backend.
	CacheDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sdap",
		Subsystem: "cache",
		Name:      "degraded",
		Help:      "Whether the shared cache is running in degraded (process-local) mode.",
	})

	// TokenExchanges counts on-behalf-of exchanges by outcome.
	TokenExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sdap",
		Subsystem: "obo",
		Name:      "exchanges_total",
		Help:      "Token exchanges performed against the IdP, by outcome.",
	}, []string{"outcome"})

	// TokenCacheHits counts exchanger cache lookups by result.
	TokenCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sdap",
		Subsystem: "obo",
		Name:      "cache_lookups_total",
		Help:      "Token exchanger cache lookups, by result (hit/miss).",
	}, []string{"result"})

	// AuthzDecisions counts authorization evaluations by result reason.
	AuthzDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sdap",
		Subsystem: "authz",
		Name:      "decisions_total",
		Help:      "Authorization decisions, by result and reason.",
	}, []string{"result", "reason"})

	// BreakerTransitions counts circuit breaker state transitions per host.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sdap",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions, by host and new state.",
	}, []string{"host", "state"})

	// RateLimited counts refused admissions per policy.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sdap",
		Subsystem: "ratelimit",
		Name:      "rejections_total",
		Help:      "Requests refused by rate limiting, by policy.",
	}, []string{"policy"})
)
