package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindow(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := NewSlidingWindow(3, time.Minute)
	s.now = func() time.Time { return now }

	for i := range 3 {
		ok, _, _ := s.Acquire("k")
		assert.True(t, ok, "request %d within limit must be admitted", i+1)
	}

	ok, retryAfter, _ := s.Acquire("k")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))

	// Another caller has an independent budget.
	ok, _, _ = s.Acquire("other")
	assert.True(t, ok)

	// Half a window later the previous window still weighs in, so the
	// budget opens up only partially.
	now = now.Add(90 * time.Second)
	admitted := 0
	for range 3 {
		if ok, _, _ := s.Acquire("k"); ok {
			admitted++
		}
	}
	assert.Greater(t, admitted, 0, "budget must partially recover")
	assert.Less(t, admitted, 3, "previous window must still count")

	// Two full idle windows clear all history.
	now = now.Add(3 * time.Minute)
	for i := range 3 {
		ok, _, _ := s.Acquire("k")
		assert.True(t, ok, "request %d after reset must be admitted", i+1)
	}
}

func TestFixedWindow(t *testing.T) {
	t.Parallel()

	now := time.Now()
	f := NewFixedWindow(2, time.Minute)
	f.now = func() time.Time { return now }

	ok, _, _ := f.Acquire("k")
	assert.True(t, ok)
	ok, _, _ = f.Acquire("k")
	assert.True(t, ok)

	ok, retryAfter, _ := f.Acquire("k")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)

	now = now.Add(61 * time.Second)
	ok, _, _ = f.Acquire("k")
	assert.True(t, ok, "count must reset at the window boundary")
}

func TestTokenBucket(t *testing.T) {
	t.Parallel()

	// One token per second, burst of two.
	b := NewTokenBucket(1, 2)

	ok, _, _ := b.Acquire("k")
	assert.True(t, ok)
	ok, _, _ = b.Acquire("k")
	assert.True(t, ok)

	ok, retryAfter, _ := b.Acquire("k")
	assert.False(t, ok, "burst exhausted")
	assert.Greater(t, retryAfter, time.Duration(0))

	ok, _, _ = b.Acquire("other")
	assert.True(t, ok, "buckets are per key")
}

func TestConcurrency(t *testing.T) {
	t.Parallel()

	c := NewConcurrency(2)

	ok, _, release1 := c.Acquire("k")
	assert.True(t, ok)
	ok, _, release2 := c.Acquire("k")
	assert.True(t, ok)

	ok, _, _ = c.Acquire("k")
	assert.False(t, ok, "cap reached while both slots are held")

	release1()
	ok, _, release3 := c.Acquire("k")
	assert.True(t, ok, "released slot must be reusable")

	// Double release must not free someone else's slot.
	release1()
	ok, _, _ = c.Acquire("k")
	assert.False(t, ok)

	release2()
	release3()
	ok, _, _ = c.Acquire("k")
	assert.True(t, ok)
}

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()

	r := DefaultRegistry()
	for _, name := range []string{
		PolicyGraphRead, PolicyGraphWrite, PolicyUploadHeavy,
		PolicyDataverseQuery, PolicyJobSubmission, PolicyAnonymous,
	} {
		p, ok := r.Get(name)
		assert.True(t, ok, "policy %s must be configured", name)
		assert.NotNil(t, p.Strategy)
	}

	_, ok := r.Get("nonexistent")
	assert.False(t, ok)
}
