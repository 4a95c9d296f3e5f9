package resilience

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/securedocs/sdap/pkg/errors"
	"github.com/securedocs/sdap/pkg/logger"
	"github.com/securedocs/sdap/pkg/telemetry"
)

// BreakerConfig controls the per-host circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold uint32

	// OpenDuration is how long an open circuit refuses calls before
	// probing again.
	OpenDuration time.Duration
}

// DefaultBreakerConfig matches the service defaults: open after five
// consecutive failures, probe again after thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
	}
}

// BreakerGroup holds one circuit breaker per downstream host so an outage
// of one host never opens the circuit for another.
type BreakerGroup struct {
	config BreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

// NewBreakerGroup creates an empty group.
func NewBreakerGroup(config BreakerConfig) *BreakerGroup {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = 30 * time.Second
	}
	return &BreakerGroup{
		config:   config,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

// forHost returns the breaker for a host, creating it on first use.
func (g *BreakerGroup) forHost(host string) *gobreaker.TwoStepCircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[host]; ok {
		return cb
	}

	threshold := g.config.FailureThreshold
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: g.config.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("circuit breaker for %s: %s -> %s", name, from, to)
			telemetry.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
		},
	})
	g.breakers[host] = cb
	return cb
}

// breakerTransport routes each request through its host's breaker. Only
// transport errors and 5xx responses that survived the retry layer count as
// failures; 4xx responses are the caller's problem, not the host's.
type breakerTransport struct {
	next  http.RoundTripper
	group *BreakerGroup
}

// NewBreakerTransport wraps next with per-host circuit breaking.
func NewBreakerTransport(next http.RoundTripper, group *BreakerGroup) http.RoundTripper {
	return &breakerTransport{next: next, group: group}
}

// RoundTrip implements http.RoundTripper.
func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cb := t.group.forHost(req.URL.Host)

	done, err := cb.Allow()
	if err != nil {
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.New(errors.KindCircuitOpen,
				fmt.Sprintf("circuit open for %s", req.URL.Host), err)
		}
		return nil, err
	}

	resp, rtErr := t.next.RoundTrip(req)
	switch {
	case rtErr != nil:
		done(false)
		return nil, rtErr
	case resp.StatusCode >= 500:
		done(false)
		return resp, nil
	default:
		done(true)
		return resp, nil
	}
}
