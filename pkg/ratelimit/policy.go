package ratelimit

import (
	"fmt"
	"time"
)

// Policy names. Every route is annotated with exactly one.
const (
	PolicyGraphRead      = "graph-read"
	PolicyGraphWrite     = "graph-write"
	PolicyUploadHeavy    = "upload-heavy"
	PolicyDataverseQuery = "dataverse-query"
	PolicyJobSubmission  = "job-submission"
	PolicyAnonymous      = "anonymous"
)

// Policy binds a name to a strategy.
type Policy struct {
	Name     string
	Strategy Strategy
}

// Registry holds the configured policies.
type Registry struct {
	policies map[string]*Policy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]*Policy)}
}

// Register adds or replaces a policy.
func (r *Registry) Register(name string, strategy Strategy) {
	r.policies[name] = &Policy{Name: name, Strategy: strategy}
}

// Get returns a policy by name.
func (r *Registry) Get(name string) (*Policy, bool) {
	p, ok := r.policies[name]
	return p, ok
}

// DefaultRegistry returns the standard policy set:
//
//   - graph-read: sliding window, steady read traffic
//   - graph-write: sliding window, tighter than reads
//   - upload-heavy: concurrency cap, transfers are duration-bound
//   - dataverse-query: token bucket, bursty metadata lookups
//   - job-submission: fixed window, coarse quota on background jobs
//   - anonymous: token bucket keyed by source address
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(PolicyGraphRead, NewSlidingWindow(120, time.Minute))
	r.Register(PolicyGraphWrite, NewSlidingWindow(40, time.Minute))
	r.Register(PolicyUploadHeavy, NewConcurrency(4))
	r.Register(PolicyDataverseQuery, NewTokenBucket(10, 20))
	r.Register(PolicyJobSubmission, NewFixedWindow(10, time.Minute))
	r.Register(PolicyAnonymous, NewTokenBucket(5, 10))
	return r
}

// Strategy names accepted in configuration.
const (
	StrategySlidingWindow = "sliding-window"
	StrategyFixedWindow   = "fixed-window"
	StrategyTokenBucket   = "token-bucket"
	StrategyConcurrency   = "concurrency"
)

// PolicyConfig describes one configured policy override. Strategy selects
// which parameter fields apply.
type PolicyConfig struct {
	Strategy      string
	Limit         int
	Window        time.Duration
	PerSecond     float64
	Burst         int
	MaxConcurrent int
}

// RegistryFromConfig starts from the default policy set and applies the
// configured overrides. An unknown strategy or missing parameter is a
// configuration error, never a silent fallback.
func RegistryFromConfig(overrides map[string]PolicyConfig) (*Registry, error) {
	r := DefaultRegistry()
	for name, pc := range overrides {
		strategy, err := pc.build()
		if err != nil {
			return nil, fmt.Errorf("rate limit policy %q: %w", name, err)
		}
		r.Register(name, strategy)
	}
	return r, nil
}

// build constructs the strategy the config describes.
func (pc PolicyConfig) build() (Strategy, error) {
	switch pc.Strategy {
	case StrategySlidingWindow:
		if pc.Limit <= 0 || pc.Window <= 0 {
			return nil, fmt.Errorf("%s needs a positive limit and window", pc.Strategy)
		}
		return NewSlidingWindow(pc.Limit, pc.Window), nil
	case StrategyFixedWindow:
		if pc.Limit <= 0 || pc.Window <= 0 {
			return nil, fmt.Errorf("%s needs a positive limit and window", pc.Strategy)
		}
		return NewFixedWindow(pc.Limit, pc.Window), nil
	case StrategyTokenBucket:
		if pc.PerSecond <= 0 || pc.Burst <= 0 {
			return nil, fmt.Errorf("%s needs a positive per-second rate and burst", pc.Strategy)
		}
		return NewTokenBucket(pc.PerSecond, pc.Burst), nil
	case StrategyConcurrency:
		if pc.MaxConcurrent <= 0 {
			return nil, fmt.Errorf("%s needs a positive concurrency cap", pc.Strategy)
		}
		return NewConcurrency(pc.MaxConcurrent), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", pc.Strategy)
	}
}
