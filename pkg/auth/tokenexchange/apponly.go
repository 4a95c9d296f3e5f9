package tokenexchange

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/securedocs/sdap/pkg/errors"
)

// AppExchanger produces application-only tokens for background work that
// runs with no user in the loop (cleanup jobs, subscription renewal).
type AppExchanger interface {
	ExchangeApp(ctx context.Context, scopes []string) (*oauth2.Token, error)
}

// AppCredentials issues app-only tokens via the client credentials grant.
// oauth2's TokenSource handles refresh, so we keep one source per scope set.
type AppCredentials struct {
	conf *Config

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewAppCredentials creates an app-only token issuer from the same client
// configuration the on-behalf-of flow uses.
func NewAppCredentials(conf *Config) (*AppCredentials, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if conf.ClientSecret == "" {
		return nil, errors.New(errors.KindInvalidCredential, "client credentials grant requires a client secret", nil)
	}
	return &AppCredentials{
		conf:    conf,
		sources: make(map[string]oauth2.TokenSource),
	}, nil
}

// ExchangeApp returns an application token with the given scopes.
func (a *AppCredentials) ExchangeApp(_ context.Context, scopes []string) (*oauth2.Token, error) {
	src := a.sourceFor(scopes)

	tok, err := src.Token()
	if err != nil {
		return nil, errors.New(errors.KindTransientIdpError, "app token acquisition failed", err)
	}
	return tok, nil
}

// sourceFor returns the reusable token source for a scope set, creating it
// on first use. Sources outlive any single request, so they are bound to
// the background context rather than the caller's.
func (a *AppCredentials) sourceFor(scopes []string) oauth2.TokenSource {
	key := cacheKey("", scopes)

	a.mu.Lock()
	defer a.mu.Unlock()

	if src, ok := a.sources[key]; ok {
		return src
	}

	cc := &clientcredentials.Config{
		ClientID:     a.conf.ClientID,
		ClientSecret: a.conf.ClientSecret,
		TokenURL:     a.conf.TokenURL,
		Scopes:       scopes,
	}
	ctx := context.Background()
	if a.conf.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.conf.HTTPClient)
	}

	src := cc.TokenSource(ctx)
	a.sources[key] = src
	return src
}
