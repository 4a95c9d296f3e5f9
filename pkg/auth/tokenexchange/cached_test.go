package tokenexchange

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/securedocs/sdap/pkg/cache"
)

// fakeExchanger counts upstream calls and returns canned tokens.
type fakeExchanger struct {
	calls  atomic.Int64
	expiry time.Duration
	delay  time.Duration
	err    error
}

func (f *fakeExchanger) Exchange(_ context.Context, assertion string, _ []string) (*oauth2.Token, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{
		AccessToken: "token-for-" + assertion,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(f.expiry),
	}, nil
}

func newCachedForTest(t *testing.T, fake *fakeExchanger, opts ...CachedOption) *CachedExchanger {
	t.Helper()
	store := cache.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	return NewCached(fake, store, opts...)
}

func TestCacheKey(t *testing.T) {
	t.Parallel()

	k1 := cacheKey("assertion", []string{"b", "a"})
	k2 := cacheKey("assertion", []string{"a", "b"})
	assert.Equal(t, k1, k2, "scope order must not change the key")

	k3 := cacheKey("other", []string{"a", "b"})
	assert.NotEqual(t, k1, k3, "different assertions must key separately")

	k4 := cacheKey("assertion", []string{"a"})
	assert.NotEqual(t, k1, k4, "different scope sets must key separately")

	// Only a digest of the assertion appears in the key.
	assert.NotContains(t, k1, "assertion")
	assert.Contains(t, k1, "obo:")
	assert.Contains(t, k1, "|a,b")
}

func TestCachedExchanger_CacheHit(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{expiry: time.Hour}
	ce := newCachedForTest(t, fake)
	ctx := context.Background()

	first, err := ce.ExchangeUser(ctx, "assertion", []string{"Files.Read"})
	require.NoError(t, err)

	second, err := ce.ExchangeUser(ctx, "assertion", []string{"Files.Read"})
	require.NoError(t, err)

	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, int64(1), fake.calls.Load(), "second call must be served from cache")
}

func TestCachedExchanger_DistinctScopes(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{expiry: time.Hour}
	ce := newCachedForTest(t, fake)
	ctx := context.Background()

	_, err := ce.ExchangeUser(ctx, "assertion", []string{"Files.Read"})
	require.NoError(t, err)
	_, err = ce.ExchangeUser(ctx, "assertion", []string{"Files.ReadWrite"})
	require.NoError(t, err)

	assert.Equal(t, int64(2), fake.calls.Load(), "distinct scope sets must exchange separately")
}

func TestCachedExchanger_SafetyMargin(t *testing.T) {
	t.Parallel()

	// Tokens expiring within the margin are not cached: every call goes
	// upstream.
	fake := &fakeExchanger{expiry: 30 * time.Second}
	ce := newCachedForTest(t, fake)
	ctx := context.Background()

	_, err := ce.ExchangeUser(ctx, "assertion", []string{"Files.Read"})
	require.NoError(t, err)
	_, err = ce.ExchangeUser(ctx, "assertion", []string{"Files.Read"})
	require.NoError(t, err)

	assert.Equal(t, int64(2), fake.calls.Load(), "near-expiry tokens must not be reused")
}

func TestCachedExchanger_SingleFlight(t *testing.T) {
	t.Parallel()

	// 50 concurrent requests with the same assertion and scopes must
	// result in exactly one upstream exchange.
	fake := &fakeExchanger{expiry: time.Hour, delay: 50 * time.Millisecond}
	ce := newCachedForTest(t, fake)
	ctx := context.Background()

	const concurrency = 50
	var wg sync.WaitGroup
	tokens := make([]string, concurrency)
	errs := make([]error, concurrency)

	for i := range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := ce.ExchangeUser(ctx, "assertion", []string{"Files.Read"})
			errs[i] = err
			if tok != nil {
				tokens[i] = tok.AccessToken
			}
		}()
	}
	wg.Wait()

	for i := range concurrency {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i], "all callers must receive the same token")
	}
	assert.Equal(t, int64(1), fake.calls.Load(), "concurrent identical requests must coalesce")
}

func TestCachedExchanger_ErrorNotCached(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{expiry: time.Hour, err: assert.AnError}
	ce := newCachedForTest(t, fake)
	ctx := context.Background()

	_, err := ce.ExchangeUser(ctx, "assertion", []string{"Files.Read"})
	require.Error(t, err)

	fake.err = nil
	_, err = ce.ExchangeUser(ctx, "assertion", []string{"Files.Read"})
	require.NoError(t, err, "failure must not poison the cache")
	assert.Equal(t, int64(2), fake.calls.Load())
}

func TestWithSafetyMargin_ClampsLowValues(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{expiry: time.Hour}
	ce := newCachedForTest(t, fake, WithSafetyMargin(time.Second))
	assert.Equal(t, minSafetyMargin, ce.safetyMargin, "margins below one minute are clamped up")
}
