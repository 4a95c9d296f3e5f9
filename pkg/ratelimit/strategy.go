// Package ratelimit admits or refuses requests per caller under named
// policies. Four strategies cover the service's traffic shapes: sliding
// window for steady read traffic, fixed window for coarse quotas, token
// bucket for bursty interactive traffic, and a concurrency cap for
// long-running transfers.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// noRelease is the release func for strategies without held slots.
func noRelease() {}

// Strategy decides admission for one key.
type Strategy interface {
	// Acquire reports whether the keyed caller may proceed. When refused,
	// retryAfter hints when to come back. When admitted, release must be
	// called exactly once after the request finishes; strategies that do
	// not track in-flight work return a no-op.
	Acquire(key string) (ok bool, retryAfter time.Duration, release func())
}

// SlidingWindow approximates a rolling window by weighting the previous
// window's count against the elapsed fraction of the current one. Smooth
// enough to avoid the double-burst edge of fixed windows while staying one
// counter pair per key.
type SlidingWindow struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	keys map[string]*slidingCounter
	now  func() time.Time
}

type slidingCounter struct {
	windowStart time.Time
	current     int
	previous    int
}

// NewSlidingWindow admits at most limit requests per key per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		keys:   make(map[string]*slidingCounter),
		now:    time.Now,
	}
}

// Acquire implements Strategy.
func (s *SlidingWindow) Acquire(key string) (bool, time.Duration, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.keys[key]
	if !ok {
		c = &slidingCounter{windowStart: now}
		s.keys[key] = c
	}

	elapsed := now.Sub(c.windowStart)
	switch {
	case elapsed >= 2*s.window:
		c.windowStart = now
		c.previous = 0
		c.current = 0
		elapsed = 0
	case elapsed >= s.window:
		c.windowStart = c.windowStart.Add(s.window)
		c.previous = c.current
		c.current = 0
		elapsed -= s.window
	}

	fraction := float64(elapsed) / float64(s.window)
	weighted := float64(c.previous)*(1-fraction) + float64(c.current)

	if weighted >= float64(s.limit) {
		return false, s.window - elapsed, noRelease
	}

	c.current++
	return true, 0, noRelease
}

// FixedWindow admits at most limit requests per key per window, resetting
// the count at window boundaries.
type FixedWindow struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	keys map[string]*fixedCounter
	now  func() time.Time
}

type fixedCounter struct {
	windowStart time.Time
	count       int
}

// NewFixedWindow creates a fixed window strategy.
func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		limit:  limit,
		window: window,
		keys:   make(map[string]*fixedCounter),
		now:    time.Now,
	}
}

// Acquire implements Strategy.
func (f *FixedWindow) Acquire(key string) (bool, time.Duration, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	c, ok := f.keys[key]
	if !ok || now.Sub(c.windowStart) >= f.window {
		c = &fixedCounter{windowStart: now}
		f.keys[key] = c
	}

	if c.count >= f.limit {
		return false, f.window - now.Sub(c.windowStart), noRelease
	}

	c.count++
	return true, 0, noRelease
}

// TokenBucket admits bursts up to the bucket size while sustaining the
// refill rate, one bucket per key.
type TokenBucket struct {
	ratePerSec rate.Limit
	burst      int

	mu   sync.Mutex
	keys map[string]*rate.Limiter
}

// NewTokenBucket creates a token bucket strategy.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	return &TokenBucket{
		ratePerSec: rate.Limit(perSecond),
		burst:      burst,
		keys:       make(map[string]*rate.Limiter),
	}
}

// Acquire implements Strategy.
func (t *TokenBucket) Acquire(key string) (bool, time.Duration, func()) {
	t.mu.Lock()
	limiter, ok := t.keys[key]
	if !ok {
		limiter = rate.NewLimiter(t.ratePerSec, t.burst)
		t.keys[key] = limiter
	}
	t.mu.Unlock()

	if limiter.Allow() {
		return true, 0, noRelease
	}

	// Reserve to learn the wait, then cancel so no token is consumed.
	res := limiter.Reserve()
	delay := res.Delay()
	res.Cancel()
	return false, delay, noRelease
}

// Concurrency caps the number of in-flight requests per key. Suited to
// uploads and other transfers where duration, not arrival rate, is the
// scarce resource.
type Concurrency struct {
	limit int

	mu       sync.Mutex
	inFlight map[string]int
}

// NewConcurrency creates a concurrency cap strategy.
func NewConcurrency(limit int) *Concurrency {
	return &Concurrency{
		limit:    limit,
		inFlight: make(map[string]int),
	}
}

// Acquire implements Strategy.
func (c *Concurrency) Acquire(key string) (bool, time.Duration, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight[key] >= c.limit {
		return false, time.Second, noRelease
	}

	c.inFlight[key]++
	var once sync.Once
	release := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.inFlight[key] <= 1 {
				delete(c.inFlight, key)
			} else {
				c.inFlight[key]--
			}
		})
	}
	return true, 0, release
}
