package tokenexchange

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/securedocs/sdap/pkg/cache"
	"github.com/securedocs/sdap/pkg/logger"
	"github.com/securedocs/sdap/pkg/telemetry"
)

const (
	// minSafetyMargin is the lower bound on the expiry safety margin. A
	// cached token is treated as expired this long before its real expiry
	// so it never reaches a downstream call moments from death.
	minSafetyMargin = 60 * time.Second

	// defaultMaxTTL caps how long a delegated token stays cached even
	// when the IdP hands out longer-lived tokens.
	defaultMaxTTL = 45 * time.Minute
)

// UserExchanger is the delegated-token side of the exchanger. Callers hand
// in the inbound assertion and the scopes they need; they get back a token
// whose lifetime is managed for them.
type UserExchanger interface {
	ExchangeUser(ctx context.Context, assertion string, scopes []string) (*oauth2.Token, error)
}

// exchangeFunc is the uncached exchange operation wrapped by CachedExchanger.
type exchangeFunc interface {
	Exchange(ctx context.Context, assertion string, scopes []string) (*oauth2.Token, error)
}

// cachedToken is the cache representation of a delegated token.
type cachedToken struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// CachedExchanger wraps an Exchanger with a shared token cache and
// single-flight coalescing: concurrent requests for the same assertion and
// scope set result in exactly one IdP round trip.
type CachedExchanger struct {
	exchanger    exchangeFunc
	cache        cache.Cache
	safetyMargin time.Duration
	maxTTL       time.Duration
	group        singleflight.Group
}

// CachedOption configures a CachedExchanger.
type CachedOption func(*CachedExchanger)

// WithSafetyMargin sets how long before real expiry a cached token is
// considered stale. Values below one minute are clamped up.
func WithSafetyMargin(d time.Duration) CachedOption {
	return func(c *CachedExchanger) {
		if d < minSafetyMargin {
			d = minSafetyMargin
		}
		c.safetyMargin = d
	}
}

// WithMaxTTL caps the cache lifetime of delegated tokens.
func WithMaxTTL(d time.Duration) CachedOption {
	return func(c *CachedExchanger) {
		if d > 0 {
			c.maxTTL = d
		}
	}
}

// NewCached wraps an exchanger with caching and coalescing.
func NewCached(exchanger exchangeFunc, store cache.Cache, opts ...CachedOption) *CachedExchanger {
	c := &CachedExchanger{
		exchanger:    exchanger,
		cache:        store,
		safetyMargin: minSafetyMargin,
		maxTTL:       defaultMaxTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// cacheKey derives the cache key from the assertion digest and the sorted
// scope set. Only a digest of the assertion is ever stored or keyed on; the
// raw token never leaves the exchange path.
func cacheKey(assertion string, scopes []string) string {
	digest := sha256.Sum256([]byte(assertion))

	sorted := make([]string, len(scopes))
	copy(sorted, scopes)
	sort.Strings(sorted)

	return "obo:" + hex.EncodeToString(digest[:]) + "|" + strings.Join(sorted, ",")
}

// ExchangeUser returns a delegated token for the assertion and scopes,
// serving from cache when a fresh entry exists and coalescing concurrent
// misses into a single exchange.
func (c *CachedExchanger) ExchangeUser(ctx context.Context, assertion string, scopes []string) (*oauth2.Token, error) {
	key := cacheKey(assertion, scopes)

	if tok := c.lookup(ctx, key); tok != nil {
		telemetry.TokenCacheHits.WithLabelValues("hit").Inc()
		return tok, nil
	}
	telemetry.TokenCacheHits.WithLabelValues("miss").Inc()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent winner may have
		// populated the cache while we waited for the lock.
		if tok := c.lookup(ctx, key); tok != nil {
			return tok, nil
		}

		tok, err := c.exchanger.Exchange(ctx, assertion, scopes)
		if err != nil {
			telemetry.TokenExchanges.WithLabelValues("failure").Inc()
			return nil, err
		}
		telemetry.TokenExchanges.WithLabelValues("success").Inc()

		c.store(ctx, key, tok)
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// lookup returns a cached token when present and still outside the safety
// margin, nil otherwise. Cache errors degrade to a miss.
func (c *CachedExchanger) lookup(ctx context.Context, key string) *oauth2.Token {
	raw, ok, err := c.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil
	}

	var entry cachedToken
	if err := json.Unmarshal(raw, &entry); err != nil {
		logger.Debugf("discarding undecodable cached token: %v", err)
		return nil
	}

	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt.Add(-c.safetyMargin)) {
		return nil
	}

	return &oauth2.Token{
		AccessToken: entry.AccessToken,
		TokenType:   entry.TokenType,
		Expiry:      entry.ExpiresAt,
	}
}

// store writes the token to the cache with TTL = min(lifetime - margin,
// maxTTL). Tokens already within the margin are not cached at all.
func (c *CachedExchanger) store(ctx context.Context, key string, tok *oauth2.Token) {
	ttl := c.maxTTL
	if !tok.Expiry.IsZero() {
		remaining := time.Until(tok.Expiry) - c.safetyMargin
		if remaining <= 0 {
			return
		}
		if remaining < ttl {
			ttl = remaining
		}
	}

	raw, err := json.Marshal(cachedToken{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresAt:   tok.Expiry,
	})
	if err != nil {
		return
	}

	if err := c.cache.Set(ctx, key, raw, ttl); err != nil {
		logger.Debugf("failed to cache delegated token: %v", err)
	}
}
